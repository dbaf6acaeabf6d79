// Package lockmap hands out one mutex per id, acquired with a timeout.
package lockmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pingcap/errors"
	"golang.org/x/sync/semaphore"
)

const shardCount = 64

// ErrLockTimeout is returned when the lock of ID was not acquired within Timeout.
type ErrLockTimeout struct {
	ID      string
	Timeout time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock %s not acquired within %s", e.ID, e.Timeout)
}

func IsLockTimeout(err error) bool {
	_, ok := errors.Cause(err).(*ErrLockTimeout)
	return ok
}

type entry struct {
	sem *semaphore.Weighted
	// refs counts holders and waiters; the entry is dropped when it reaches zero.
	refs int
}

type shard struct {
	sync.Mutex
	entries map[string]*entry
}

type LockMap struct {
	shards [shardCount]shard
}

func New() *LockMap {
	m := new(LockMap)
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *LockMap) shardFor(id string) *shard {
	return &m.shards[xxhash.Sum64String(id)%shardCount]
}

func (s *shard) acquireRef(id string) *entry {
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		s.entries[id] = e
	}
	e.refs++
	return e
}

func (s *shard) releaseRef(id string, e *entry) {
	s.Lock()
	defer s.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, id)
	}
}

// Lock waits until the lock of id is free, ctx is done or timeout elapsed. A non-positive
// timeout waits for ctx only. The returned unlock must be called exactly once.
func (m *LockMap) Lock(ctx context.Context, id string, timeout time.Duration) (unlock func(), err error) {
	s := m.shardFor(id)
	e := s.acquireRef(id)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err = e.sem.Acquire(waitCtx, 1); err != nil {
		s.releaseRef(id, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WithStack(&ErrLockTimeout{ID: id, Timeout: timeout})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			s.releaseRef(id, e)
		})
	}, nil
}

// Len returns the number of ids currently locked or waited for.
func (m *LockMap) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.Lock()
		n += len(s.entries)
		s.Unlock()
	}
	return n
}
