// Package merger runs every write command on a single goroutine, merging commands queued by
// concurrent callers into shared write transactions. The commit of one batch overlaps with
// the execution of the next.
package merger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Command is a unit of work run inside a merged transaction. Execute may run more than once:
// when its batch fails it is executed again in a transaction of its own. It returns the
// number of logical operations it performed.
type Command interface {
	Execute(ctx *documents.Context) (int, error)
}

var (
	// ErrStopped is returned for commands submitted after Stop.
	ErrStopped = errors.New("merger: stopped")
	// ErrCanceled is returned for commands still queued when the merger stopped.
	ErrCanceled = errors.New("merger: canceled")
)

// State of the merging goroutine.
type State int32

const (
	Idle State = iota
	Draining
	Committing
	PipelinedCommitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Draining:
		return "Draining"
	case Committing:
		return "Committing"
	case PipelinedCommitting:
		return "PipelinedCommitting"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

type op struct {
	cmd   Command
	ctx   context.Context
	done  chan error
	count int
}

func (o *op) finish(err error) {
	o.done <- err
}

type batchStatus int

const (
	completed batchStatus = iota
	hasMoreWork
)

// Merger executes write commands on a single goroutine. Commands queued while a batch runs
// join the next batch.
type Merger struct {
	engine  storage.Engine
	docs    *documents.DocumentsStorage
	metrics *metrics.Metrics

	maxBatchDuration time.Duration
	// txnSizeLimit cuts a batch before it outgrows the engine's transaction, or the
	// configured ceiling in constrained mode.
	txnSizeLimit int64

	mu struct {
		sync.Mutex
		ops    []*op
		closed bool
		fatal  error
	}
	wakeUp  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	state   atomic.Int32
}

// New creates a stopped merger writing to engine. Call Start to begin executing commands.
func New(engine storage.Engine, docs *documents.DocumentsStorage, conf *config.Merger, m *metrics.Metrics) (*Merger, error) {
	maxTxnSize, err := conf.TxnSizeBytes()
	if err != nil {
		return nil, err
	}
	// leave room for the command that crosses the limit
	limit := engine.MaxTxnSize() / 2
	if conf.IsConstrained() && maxTxnSize < limit {
		limit = maxTxnSize
	}
	return &Merger{
		engine:           engine,
		docs:             docs,
		metrics:          m,
		maxBatchDuration: conf.MaxBatchDuration,
		txnSizeLimit:     limit,
		wakeUp:           make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Start launches the merging goroutine.
func (m *Merger) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop rejects new commands, lets the batch in progress finish and fails queued commands
// with ErrCanceled.
func (m *Merger) Stop() {
	m.mu.Lock()
	if m.mu.closed {
		m.mu.Unlock()
		return
	}
	m.mu.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	if m.started.Load() {
		<-m.done
	}
	m.failQueued(ErrCanceled)
}

// Run queues cmd and returns a channel receiving its result.
func (m *Merger) Run(cmd Command) <-chan error {
	o := m.submit(context.Background(), cmd)
	return o.done
}

// Enqueue queues cmd and waits for its result. It returns ctx.Err() if ctx is done first;
// a command still queued at that point is dropped without running.
func (m *Merger) Enqueue(ctx context.Context, cmd Command) error {
	o := m.submit(ctx, cmd)
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Merger) submit(ctx context.Context, cmd Command) *op {
	o := &op{cmd: cmd, ctx: ctx, done: make(chan error, 1)}
	m.mu.Lock()
	switch {
	case m.mu.fatal != nil:
		err := m.mu.fatal
		m.mu.Unlock()
		o.finish(err)
		return o
	case m.mu.closed:
		m.mu.Unlock()
		o.finish(errors.WithStack(ErrStopped))
		return o
	}
	m.mu.ops = append(m.mu.ops, o)
	n := len(m.mu.ops)
	m.mu.Unlock()
	m.metrics.QueueLength.Set(float64(n))
	select {
	case m.wakeUp <- struct{}{}:
	default:
	}
	return o
}

// requeueFront puts o back at the head of the queue.
func (m *Merger) requeueFront(o *op) {
	m.mu.Lock()
	m.mu.ops = append([]*op{o}, m.mu.ops...)
	n := len(m.mu.ops)
	m.mu.Unlock()
	m.metrics.QueueLength.Set(float64(n))
}

func (m *Merger) dequeue() *op {
	m.mu.Lock()
	if len(m.mu.ops) == 0 {
		m.mu.Unlock()
		return nil
	}
	o := m.mu.ops[0]
	m.mu.ops[0] = nil
	m.mu.ops = m.mu.ops[1:]
	n := len(m.mu.ops)
	m.mu.Unlock()
	m.metrics.QueueLength.Set(float64(n))
	return o
}

// QueueLength is the number of commands waiting for a batch.
func (m *Merger) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.ops)
}

// State is what the merging goroutine is doing right now.
func (m *Merger) State() State {
	return State(m.state.Load())
}

func (m *Merger) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Merger) failQueued(err error) {
	m.mu.Lock()
	ops := m.mu.ops
	m.mu.ops = nil
	m.mu.Unlock()
	m.metrics.QueueLength.Set(0)
	for _, o := range ops {
		m.finish(o, err)
	}
}

func (m *Merger) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Merger) fatal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.fatal
}

// checkFatal marks the merger failed when err reports corrupted storage.
func (m *Merger) checkFatal(err error) {
	if err == nil || !storage.IsCorruption(err) {
		return
	}
	m.mu.Lock()
	if m.mu.fatal == nil {
		m.mu.fatal = err
	}
	m.mu.Unlock()
	log.Error("storage corruption, merger stops accepting writes", zap.Error(err))
}

func (m *Merger) run() {
	defer close(m.done)
	defer m.setState(Idle)
	for {
		m.setState(Idle)
		select {
		case <-m.stopCh:
			return
		case <-m.wakeUp:
		}
		for m.QueueLength() > 0 && !m.stopping() {
			m.mergeOperations()
			if err := m.fatal(); err != nil {
				m.failQueued(err)
				return
			}
		}
	}
}

func (m *Merger) finish(o *op, err error) {
	if err != nil {
		m.metrics.FailedCommands.WithLabelValues(failureReason(err)).Inc()
		m.checkFatal(err)
	}
	o.finish(err)
}

func (m *Merger) finishAll(ops []*op, err error) {
	for _, o := range ops {
		m.finish(o, err)
	}
}

func failureReason(err error) string {
	switch cause := errors.Cause(err); {
	case cause == ErrCanceled || cause == ErrStopped:
		return "canceled"
	case cause == context.Canceled || cause == context.DeadlineExceeded:
		return "caller-gone"
	case storage.IsCorruption(err):
		return "corruption"
	case documents.IsConcurrency(err):
		return "concurrency"
	}
	return "error"
}

func (m *Merger) mergeOperations() {
	txn, err := m.engine.NewWriteTxn()
	if err != nil {
		log.Warn("open write transaction failed", zap.Error(err))
		// no batch has been chosen yet, only the next command learns about it
		if o := m.dequeue(); o != nil {
			m.finish(o, err)
		}
		return
	}
	ops, status, err := m.executeBatch(txn, nil)
	if err != nil {
		txn.Discard()
		m.checkFatal(err)
		m.rollbackEtags()
		m.batchFailed(ops, err)
		return
	}
	if status == completed {
		m.observeBatch(ops)
		m.finishAll(ops, m.commit(txn))
		return
	}
	m.mergeWithAsyncCommit(txn, ops)
}

// executeBatch executes queued commands in txn until the batch is cut. previous is the
// commit of the prior batch, still running; while it runs an empty queue does not end the
// batch. On a command error it returns the ops executed so far, the failing one included.
func (m *Merger) executeBatch(txn storage.WriteTxn, previous storage.PendingCommit) ([]*op, batchStatus, error) {
	if previous != nil {
		m.setState(PipelinedCommitting)
	} else {
		m.setState(Draining)
	}
	ctx := m.docs.NewContext(txn)
	start := time.Now()
	var ops []*op
	defer func() {
		m.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()
	for {
		if m.stopping() {
			return ops, completed, nil
		}
		o := m.dequeue()
		if o == nil {
			if previous == nil {
				return ops, completed, nil
			}
			select {
			case <-previous.Done():
				previous = nil
			case <-m.wakeUp:
			case <-m.stopCh:
			}
			continue
		}
		if err := o.ctx.Err(); err != nil {
			m.finish(o, err)
			continue
		}
		ops = append(ops, o)
		n, err := o.cmd.Execute(ctx)
		if err != nil {
			return ops, completed, err
		}
		o.count = n

		if time.Since(start) > m.maxBatchDuration || txn.Size() > m.txnSizeLimit {
			if m.QueueLength() == 0 {
				return ops, completed, nil
			}
			return ops, hasMoreWork, nil
		}
	}
}

func (m *Merger) commit(txn storage.WriteTxn) error {
	m.setState(Committing)
	start := time.Now()
	err := txn.Commit()
	m.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warn("commit merged transaction failed", zap.Uint64("txn", txn.ID()), zap.Error(err))
		m.rollbackEtags()
		return err
	}
	m.metrics.MergedBatches.Inc()
	return nil
}

func (m *Merger) observeBatch(ops []*op) {
	count := 0
	for _, o := range ops {
		count += o.count
	}
	m.metrics.BatchCommands.Observe(float64(len(ops)))
	log.Debug("merged batch", zap.Int("commands", len(ops)), zap.Int("operations", count))
}

// mergeWithAsyncCommit commits txn in the background while the next batch executes. The next
// batch is only committed after txn's commit is known to have succeeded.
func (m *Merger) mergeWithAsyncCommit(txn storage.WriteTxn, ops []*op) {
	current, currentOps := txn, ops
	for {
		m.observeBatch(currentOps)
		pending, next, err := current.BeginAsyncCommitAndStartNew()
		if err != nil {
			log.Warn("async commit failed to start, committing synchronously", zap.Error(err))
			var commitErr error
			if pending == nil {
				commitErr = m.commit(current)
			} else if commitErr = pending.EndAndCheck(); commitErr != nil {
				m.rollbackEtags()
			} else {
				m.metrics.MergedBatches.Inc()
			}
			m.finishAll(currentOps, commitErr)
			return
		}
		m.metrics.AsyncCommits.Inc()

		nextOps, status, execErr := m.executeBatch(next, pending)
		commitErr := pending.EndAndCheck()
		if commitErr != nil {
			log.Warn("async commit of merged transaction failed", zap.Uint64("txn", current.ID()), zap.Error(commitErr))
		} else {
			m.metrics.MergedBatches.Inc()
		}
		m.finishAll(currentOps, commitErr)

		if commitErr != nil || execErr != nil {
			// next was built on top of a failed commit, or one of its commands failed
			next.Discard()
			m.checkFatal(execErr)
			m.rollbackEtags()
			if execErr == nil {
				m.rerunAll(nextOps)
			} else {
				m.batchFailed(nextOps, execErr)
			}
			return
		}
		if status == completed {
			m.observeBatch(nextOps)
			m.finishAll(nextOps, m.commit(next))
			return
		}
		current, currentOps = next, nextOps
	}
}

// batchFailed handles a discarded batch whose last command failed with batchErr. A batch
// that outgrew the engine's transaction commits without its last command, which goes back
// to the head of the queue.
func (m *Merger) batchFailed(ops []*op, batchErr error) {
	if !storage.IsTxnTooBig(batchErr) || len(ops) < 2 {
		m.rerunIndividually(ops, batchErr)
		return
	}
	last := len(ops) - 1
	log.Info("merged batch outgrew its transaction, splitting it",
		zap.Int("commands", len(ops)), zap.Error(batchErr))
	m.requeueFront(ops[last])
	m.runBatch(ops[:last])
}

// runBatch executes ops again in a fresh transaction and commits them together.
func (m *Merger) runBatch(ops []*op) {
	txn, err := m.engine.NewWriteTxn()
	if err != nil {
		m.finishAll(ops, err)
		return
	}
	ctx := m.docs.NewContext(txn)
	for _, o := range ops {
		n, err := o.cmd.Execute(ctx)
		if err != nil {
			txn.Discard()
			m.checkFatal(err)
			m.rollbackEtags()
			m.rerunIndividually(ops, err)
			return
		}
		o.count = n
	}
	m.observeBatch(ops)
	m.finishAll(ops, m.commit(txn))
}

// rerunIndividually handles a batch that failed with batchErr. A batch of one command already
// ran alone, so the error is its own.
func (m *Merger) rerunIndividually(ops []*op, batchErr error) {
	if len(ops) == 1 {
		m.finish(ops[0], batchErr)
		return
	}
	log.Info("merged batch failed, running its commands one by one",
		zap.Int("commands", len(ops)), zap.Error(batchErr))
	m.rerunAll(ops)
}

func (m *Merger) rerunAll(ops []*op) {
	for i, o := range ops {
		if err := m.fatal(); err != nil {
			m.finishAll(ops[i:], err)
			return
		}
		m.metrics.ReplayedCommands.Inc()
		m.finish(o, m.runAlone(o))
	}
}

func (m *Merger) runAlone(o *op) error {
	txn, err := m.engine.NewWriteTxn()
	if err != nil {
		return err
	}
	n, err := o.cmd.Execute(m.docs.NewContext(txn))
	if err != nil {
		txn.Discard()
		m.rollbackEtags()
		return err
	}
	o.count = n
	return m.commit(txn)
}

func (m *Merger) rollbackEtags() {
	if err := m.docs.RollbackEtags(); err != nil {
		log.Error("reload last etag failed", zap.Error(err))
		m.checkFatal(err)
	}
}
