package storage

import (
	"bytes"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tidwall/btree"
	"go.uber.org/atomic"
)

// entryOverhead approximates the bytes badger charges a write beyond its key and value.
const entryOverhead = 12

// BadgerEngine keeps every table in one badger database.
type BadgerEngine struct {
	db     *badger.DB
	txnIDs atomic.Uint64
	closed atomic.Bool
	// entryFloor is the least Size charges for one write, so that staying under MaxTxnSize
	// also keeps a transaction under badger's entry count limit.
	entryFloor int64
	// asyncCommit hands txn to badger's background commit.
	asyncCommit func(txn *badger.Txn, cb func(error))
}

// NewBadgerEngine opens the database described by conf.
func NewBadgerEngine(conf *config.Engine) (*BadgerEngine, error) {
	memTable, err := conf.MemTableBytes()
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(conf.DBPath).
		WithInMemory(conf.InMemory).
		WithSyncWrites(conf.SyncWrites).
		WithMemTableSize(memTable).
		// the merger is the only writer
		WithDetectConflicts(false).
		WithLogger(badgerLogger{})
	if conf.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", conf.DBPath)
	}
	return &BadgerEngine{
		db:         db,
		entryFloor: db.MaxBatchSize() / db.MaxBatchCount(),
		asyncCommit: func(txn *badger.Txn, cb func(error)) {
			txn.CommitWith(cb)
		},
	}, nil
}

func (e *BadgerEngine) NewWriteTxn() (WriteTxn, error) {
	return e.newWriteTxn()
}

func (e *BadgerEngine) newWriteTxn() (*badgerTxn, error) {
	if e.closed.Load() {
		return nil, errors.WithStack(badger.ErrDBClosed)
	}
	return &badgerTxn{
		engine: e,
		txn:    e.db.NewTransaction(true),
		update: true,
		id:     e.txnIDs.Inc(),
		writes: newWriteSet(),
	}, nil
}

func (e *BadgerEngine) NewReadTxn() (ReadTxn, error) {
	if e.closed.Load() {
		return nil, errors.WithStack(badger.ErrDBClosed)
	}
	return &badgerTxn{engine: e, txn: e.db.NewTransaction(false)}, nil
}

// MaxTxnSize is badger's batch size limit, measured the way Size measures a transaction.
func (e *BadgerEngine) MaxTxnSize() int64 {
	return e.db.MaxBatchSize()
}

func (e *BadgerEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.WithStack(e.db.Close())
}

// pendingWrite is one write of a transaction, keyed by its physical key.
type pendingWrite struct {
	key     []byte
	value   []byte
	deleted bool
}

type writeSet = btree.BTreeG[pendingWrite]

func newWriteSet() *writeSet {
	return btree.NewBTreeGOptions(func(a, b pendingWrite) bool {
		return bytes.Compare(a.key, b.key) < 0
	}, btree.Options{NoLocks: true})
}

type badgerTxn struct {
	engine *BadgerEngine
	txn    *badger.Txn
	update bool
	id     uint64
	size   int64
	// writes records every Set and Delete of an update transaction.
	writes *writeSet
	// overlay holds the writes of the previous transaction while its commit runs. The badger
	// snapshot of this transaction was taken before that commit, so reads consult overlay
	// for every key this transaction has not written itself.
	overlay  *writeSet
	onCommit []func()
	finished bool
}

func (t *badgerTxn) ownWrite(key []byte) bool {
	if t.writes == nil {
		return false
	}
	_, ok := t.writes.Get(pendingWrite{key: key})
	return ok
}

func (t *badgerTxn) Get(table string, key []byte) ([]byte, error) {
	if t.finished {
		return nil, errors.WithStack(ErrTxnFinished)
	}
	k := KeyWithTable(table, key)
	if t.overlay != nil && !t.ownWrite(k) {
		if w, ok := t.overlay.Get(pendingWrite{key: k}); ok {
			if w.deleted {
				return nil, ErrNotFound
			}
			return append([]byte(nil), w.value...), nil
		}
	}
	item, err := t.txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	val, err := item.ValueCopy(nil)
	return val, errors.WithStack(err)
}

func (t *badgerTxn) Seek(table string, from []byte, reverse bool) Iterator {
	prefix := tablePrefix(table)
	it := t.txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: false,
		Prefix:         prefix,
		Reverse:        reverse,
	})
	var target []byte
	switch {
	case from != nil:
		target = KeyWithTable(table, from)
	case reverse:
		target = tableUpperBound(table)
	default:
		target = prefix
	}
	it.Seek(target)
	base := &tableIterator{iter: it, prefixLen: len(prefix)}
	if t.overlay == nil || t.overlay.Len() == 0 {
		return base
	}
	return newMergedIterator(t, base, prefix, target, reverse)
}

func (t *badgerTxn) Discard() {
	if t.finished {
		return
	}
	t.finished = true
	t.txn.Discard()
}

func (t *badgerTxn) Set(table string, key, value []byte) error {
	if t.finished {
		return errors.WithStack(ErrTxnFinished)
	}
	k := KeyWithTable(table, key)
	if err := t.txn.Set(k, value); err != nil {
		return badgerWriteError(err)
	}
	t.writes.Set(pendingWrite{key: k, value: value})
	t.charge(len(k) + len(value))
	return nil
}

func (t *badgerTxn) Delete(table string, key []byte) error {
	if t.finished {
		return errors.WithStack(ErrTxnFinished)
	}
	k := KeyWithTable(table, key)
	if err := t.txn.Delete(k); err != nil {
		return badgerWriteError(err)
	}
	t.writes.Set(pendingWrite{key: k, deleted: true})
	t.charge(len(k))
	return nil
}

func (t *badgerTxn) charge(n int) {
	size := int64(n + entryOverhead)
	if size < t.engine.entryFloor {
		size = t.engine.entryFloor
	}
	t.size += size
}

func badgerWriteError(err error) error {
	if err == badger.ErrTxnTooBig {
		return errors.WithStack(ErrTxnTooBig)
	}
	return errors.WithStack(err)
}

func (t *badgerTxn) Commit() error {
	if t.finished {
		return errors.WithStack(ErrTxnFinished)
	}
	t.finished = true
	if err := t.txn.Commit(); err != nil {
		return errors.WithStack(err)
	}
	runCallbacks(t.onCommit)
	return nil
}

// BeginAsyncCommitAndStartNew opens the next transaction before handing this one to badger.
// Opening a badger transaction waits for every commit already handed over, so the next
// transaction reads this batch through its overlay instead of waiting for it.
func (t *badgerTxn) BeginAsyncCommitAndStartNew() (PendingCommit, WriteTxn, error) {
	if t.finished {
		return nil, nil, errors.WithStack(ErrTxnFinished)
	}
	next, err := t.engine.newWriteTxn()
	if err != nil {
		return nil, nil, err
	}
	next.overlay = t.writes
	t.finished = true
	pc := &pendingCommit{done: make(chan struct{}), callbacks: t.onCommit}
	t.engine.asyncCommit(t.txn, func(err error) {
		pc.err = err
		close(pc.done)
	})
	return pc, next, nil
}

func (t *badgerTxn) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *badgerTxn) Size() int64 { return t.size }

func (t *badgerTxn) ID() uint64 { return t.id }

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

type pendingCommit struct {
	done      chan struct{}
	err       error
	callbacks []func()
	once      sync.Once
}

func (p *pendingCommit) Done() <-chan struct{} { return p.done }

func (p *pendingCommit) EndAndCheck() error {
	<-p.done
	if p.err != nil {
		return errors.WithStack(p.err)
	}
	p.once.Do(func() { runCallbacks(p.callbacks) })
	return nil
}

type tableIterator struct {
	iter      *badger.Iterator
	prefixLen int
}

func (it *tableIterator) Valid() bool { return it.iter.Valid() }

func (it *tableIterator) Next() { it.iter.Next() }

func (it *tableIterator) Key() []byte {
	return it.iter.Item().KeyCopy(nil)[it.prefixLen:]
}

func (it *tableIterator) Value() ([]byte, error) {
	val, err := it.iter.Item().ValueCopy(nil)
	return val, errors.WithStack(err)
}

func (it *tableIterator) Close() { it.iter.Close() }

// mergedIterator walks a table of a transaction that has an overlay. The badger iterator
// yields the snapshot together with the transaction's own writes; overlay entries replace
// snapshot rows of the same key unless the transaction wrote that key itself.
type mergedIterator struct {
	txn     *badgerTxn
	base    *tableIterator
	over    btree.IterG[pendingWrite]
	overOK  bool
	prefix  []byte
	reverse bool
	// onOverlay is set when the current entry comes from the overlay.
	onOverlay bool
}

func newMergedIterator(txn *badgerTxn, base *tableIterator, prefix, target []byte, reverse bool) *mergedIterator {
	it := &mergedIterator{txn: txn, base: base, over: txn.overlay.Iter(), prefix: prefix, reverse: reverse}
	pivot := pendingWrite{key: target}
	it.overOK = it.over.Seek(pivot)
	if reverse {
		switch {
		case !it.overOK:
			it.overOK = it.over.Last()
		case bytes.Compare(it.over.Item().key, target) > 0:
			it.overOK = it.over.Prev()
		}
	}
	it.settle()
	return it
}

func (it *mergedIterator) overValid() bool {
	return it.overOK && bytes.HasPrefix(it.over.Item().key, it.prefix)
}

func (it *mergedIterator) overNext() {
	if it.reverse {
		it.overOK = it.over.Prev()
	} else {
		it.overOK = it.over.Next()
	}
}

// settle positions the iterator on the next visible entry.
func (it *mergedIterator) settle() {
	for {
		overOK := it.overValid()
		if overOK && it.txn.ownWrite(it.over.Item().key) {
			it.overNext()
			continue
		}
		baseOK := it.base.Valid()
		var cmp int
		switch {
		case !baseOK && !overOK:
			it.onOverlay = false
			return
		case !overOK:
			cmp = -1
		case !baseOK:
			cmp = 1
		default:
			cmp = bytes.Compare(it.base.iter.Item().Key(), it.over.Item().key)
			if it.reverse {
				cmp = -cmp
			}
		}
		if cmp < 0 {
			it.onOverlay = false
			return
		}
		if cmp == 0 {
			// the snapshot row is older than the overlay
			it.base.Next()
		}
		if it.over.Item().deleted {
			it.overNext()
			continue
		}
		it.onOverlay = true
		return
	}
}

func (it *mergedIterator) Valid() bool {
	return it.onOverlay || it.base.Valid()
}

func (it *mergedIterator) Next() {
	if it.onOverlay {
		it.overNext()
	} else {
		it.base.Next()
	}
	it.settle()
}

func (it *mergedIterator) Key() []byte {
	if it.onOverlay {
		return append([]byte(nil), it.over.Item().key[len(it.prefix):]...)
	}
	return it.base.Key()
}

func (it *mergedIterator) Value() ([]byte, error) {
	if it.onOverlay {
		return append([]byte(nil), it.over.Item().value...), nil
	}
	return it.base.Value()
}

func (it *mergedIterator) Close() {
	it.over.Release()
	it.base.Close()
}

// badgerLogger forwards badger's logs to the global zap logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { log.S().Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { log.S().Warnf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { log.S().Infof(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { log.S().Debugf(format, args...) }
