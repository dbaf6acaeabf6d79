// Package storage is the transactional key-value substrate under the document store.
//
// Tables are key namespaces inside one badger database. Secondary indexes are ordinary
// tables maintained by their owners; fixed-size integer indexes use big-endian keys so
// that byte order is numeric order.
package storage

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// ErrTxnFinished is returned when a committed or discarded transaction is used again.
var ErrTxnFinished = errors.New("storage: transaction already finished")

// ErrTxnTooBig is returned by Set and Delete when the transaction outgrew the engine's limit.
// The transaction must be discarded.
var ErrTxnTooBig = errors.New("storage: transaction too big")

// IsTxnTooBig reports whether err is caused by ErrTxnTooBig.
func IsTxnTooBig(err error) bool {
	return errors.Cause(err) == ErrTxnTooBig
}

// ErrCorruption reports a row that could not be decoded, or any other sign that stored
// data is damaged. It is fatal to the writer.
type ErrCorruption struct {
	Table string
	Key   []byte
	Cause error
}

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("storage corruption in table %s at key %q: %v", e.Table, e.Key, e.Cause)
}

// Corruption wraps cause into an *ErrCorruption.
func Corruption(table string, key []byte, cause error) error {
	return errors.WithStack(&ErrCorruption{Table: table, Key: append([]byte(nil), key...), Cause: cause})
}

// IsCorruption reports whether err is caused by an *ErrCorruption.
func IsCorruption(err error) bool {
	_, ok := errors.Cause(err).(*ErrCorruption)
	return ok
}

// Engine opens transactions.
type Engine interface {
	// NewWriteTxn opens a read-write transaction. Only one goroutine writes at a time.
	NewWriteTxn() (WriteTxn, error)
	// NewReadTxn opens a snapshot read transaction. Any number may be open concurrently.
	NewReadTxn() (ReadTxn, error)
	// MaxTxnSize is the largest Size a write transaction can reach before writes fail with
	// ErrTxnTooBig.
	MaxTxnSize() int64
	Close() error
}

// ReadTxn is a snapshot of the database.
type ReadTxn interface {
	// Get returns a copy of the value stored under key in table, or ErrNotFound.
	Get(table string, key []byte) ([]byte, error)
	// Seek returns an iterator over table positioned at the first key >= from, or with reverse
	// set, at the last key <= from. A nil from starts at the first (or last) key of the table.
	Seek(table string, from []byte, reverse bool) Iterator
	Discard()
}

// WriteTxn is a read-write transaction. Reads observe its own writes.
type WriteTxn interface {
	ReadTxn
	Set(table string, key, value []byte) error
	Delete(table string, key []byte) error
	// Commit durably commits the transaction and runs the OnCommit callbacks.
	Commit() error
	// BeginAsyncCommitAndStartNew starts committing this transaction in the background and
	// returns a new transaction that observes its writes without waiting for the commit. The
	// new transaction must be discarded if the commit fails. The callbacks registered on
	// this transaction run from PendingCommit.EndAndCheck once the commit is durable.
	BeginAsyncCommitAndStartNew() (PendingCommit, WriteTxn, error)
	// OnCommit registers fn to run on the committing goroutine after a successful commit.
	OnCommit(fn func())
	// Size is the estimated number of bytes modified so far.
	Size() int64
	// ID identifies the transaction; ids increase with every write transaction opened.
	ID() uint64
}

// PendingCommit is a commit running in the background.
type PendingCommit interface {
	// Done is closed when the commit finished, successfully or not.
	Done() <-chan struct{}
	// EndAndCheck waits for the commit, runs the transaction's OnCommit callbacks when it
	// succeeded and returns the commit error otherwise.
	EndAndCheck() error
}

// Iterator walks one table in key order.
type Iterator interface {
	Valid() bool
	Next()
	// Key returns a copy of the current key without the table prefix.
	Key() []byte
	// Value returns a copy of the current value.
	Value() ([]byte, error)
	Close()
}

// ValidateTableName rejects names that cannot be used as a key namespace.
func ValidateTableName(name string) error {
	if name == "" {
		return errors.New("storage: empty table name")
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return errors.Errorf("storage: table name %q contains control byte %#x", name, name[i])
		}
	}
	return nil
}

// KeyWithTable builds the physical key of key in table.
func KeyWithTable(table string, key []byte) []byte {
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0)
	return append(out, key...)
}

func tablePrefix(table string) []byte {
	return KeyWithTable(table, nil)
}

// tableUpperBound sorts after every key of table and before any other table's keys. Table
// names never contain control bytes, so no table starts with table+"\x01".
func tableUpperBound(table string) []byte {
	out := make([]byte, 0, len(table)+1)
	out = append(out, table...)
	return append(out, 1)
}
