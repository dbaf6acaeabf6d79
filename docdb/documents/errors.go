package documents

import (
	"fmt"
	"strings"

	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap/errors"
)

// ErrConcurrency is returned when the expected etag of a write does not match the stored one.
// Actual is 0 when the document does not exist.
type ErrConcurrency struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *ErrConcurrency) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("concurrency violation on %s: expected etag %d but the document does not exist", e.Key, e.Expected)
	}
	return fmt.Sprintf("concurrency violation on %s: expected etag %d, actual %d", e.Key, e.Expected, e.Actual)
}

// ErrConflict is returned by reads of a key that has unresolved conflicts.
type ErrConflict struct {
	Key           string
	ChangeVectors []changevector.ChangeVector
}

func (e *ErrConflict) Error() string {
	parts := make([]string, 0, len(e.ChangeVectors))
	for _, cv := range e.ChangeVectors {
		parts = append(parts, "["+cv.String()+"]")
	}
	return fmt.Sprintf("document %s is conflicted: %s", e.Key, strings.Join(parts, " "))
}

// ErrInvalidOperation reports a violated caller contract.
type ErrInvalidOperation struct {
	Msg string
}

func (e *ErrInvalidOperation) Error() string {
	return "invalid operation: " + e.Msg
}

// InvalidOperation builds an *ErrInvalidOperation with a stack.
func InvalidOperation(format string, args ...interface{}) error {
	return errors.WithStack(&ErrInvalidOperation{Msg: fmt.Sprintf(format, args...)})
}

func IsConcurrency(err error) bool {
	_, ok := errors.Cause(err).(*ErrConcurrency)
	return ok
}

func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ErrConflict)
	return ok
}

func IsInvalidOperation(err error) bool {
	_, ok := errors.Cause(err).(*ErrInvalidOperation)
	return ok
}
