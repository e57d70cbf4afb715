package workmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/workq/internal/queue"
)

// errHandler marks a failure inside the handler or codec. It aborts the
// current slice but not the executer.
type errHandler struct{ err error }

func (e errHandler) Error() string { return e.err.Error() }
func (e errHandler) Unwrap() error { return e.err }

// sliceResult describes one visit to a queue.
type sliceResult struct {
	processed int
	// empty is set when a dequeue found nothing.
	empty bool
}

// WorkExecuter is one worker of the pool. It repeatedly claims a queue,
// drains a slice of it and returns it.
type WorkExecuter struct {
	ID uuid.UUID

	m   *WorkManager
	log *zap.Logger

	paused   atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	err      error
}

func newWorkExecuter(m *WorkManager) *WorkExecuter {
	id := uuid.New()
	return &WorkExecuter{
		ID:     id,
		m:      m,
		log:    m.log.Named("executer").With(zap.Stringer("executer", id)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (e *WorkExecuter) start() { go e.run() }

// Pause takes effect between transactions.
func (e *WorkExecuter) Pause()  { e.paused.Store(true) }
func (e *WorkExecuter) Resume() { e.paused.Store(false) }

// Stop asks the loop to exit after the current transaction and waits for it.
func (e *WorkExecuter) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "join executer %s", e.ID)
	}
}

// sleep waits d and reports false if Stop was called meanwhile.
func (e *WorkExecuter) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (e *WorkExecuter) run() {
	defer close(e.done)
	defer e.m.executerExited(e)
	e.log.Debug("executer started")

	ctx := context.Background()
	for !e.stopping.Load() {
		if e.paused.Load() {
			if !e.sleep(e.m.opts.PausePoll) {
				return
			}
			continue
		}

		q, ok := e.m.qm.TakeQueue()
		if !ok {
			e.m.scheduleDecrease()
			if !e.sleep(e.m.opts.IdleBackoff) {
				return
			}
			continue
		}

		res, err := e.slice(ctx, q)
		e.m.returnQueue(ctx, q, res)
		if err != nil {
			var herr errHandler
			if errors.As(err, &herr) {
				e.log.Error("work item handler failed", zap.String("queue", q.Name()), zap.Error(herr.err))
				continue
			}
			e.err = err
			e.log.Error("executer terminated", zap.String("queue", q.Name()), zap.Error(err))
			return
		}
		if res.empty && res.processed == 0 {
			if !e.sleep(e.m.opts.IdleBackoff) {
				return
			}
		}
	}
}

// slice processes up to YieldQueueAfter items from q.
func (e *WorkExecuter) slice(ctx context.Context, q queue.Queue) (sliceResult, error) {
	var res sliceResult
	for res.processed < e.m.opts.YieldQueueAfter {
		if e.stopping.Load() || e.paused.Load() {
			return res, nil
		}
		found, err := e.processOne(ctx, q)
		if queue.IsTimeout(err) {
			e.log.Warn("dequeue timed out", zap.String("queue", q.Name()), zap.Error(err))
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if !found {
			res.empty = true
			return res, nil
		}
		res.processed++
	}
	return res, nil
}

// processOne runs a single dequeue, handle, commit transaction.
func (e *WorkExecuter) processOne(ctx context.Context, q queue.Queue) (bool, error) {
	m := e.m
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	rollback := func() {
		if err := tx.Rollback(ctx); err != nil {
			e.log.Warn("rollback failed", zap.String("queue", q.Name()), zap.Error(err))
		}
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DequeueTimeout)
	payload, ok, err := q.TryDequeue(dctx, tx)
	cancel()
	if err != nil {
		rollback()
		return false, errors.Wrap(err, "dequeue")
	}
	if !ok {
		rollback()
		return false, nil
	}

	item, err := m.codec.Decode(payload)
	if err != nil {
		rollback()
		return false, errHandler{err}
	}
	h, owned := m.handlers.acquire(q.Name())
	next, err := callHandler(ctx, h, item)
	if owned {
		m.disposeLater(h)
	}
	if err != nil {
		rollback()
		return false, errHandler{err}
	}
	if next != nil {
		data, err := m.codec.Encode(next)
		if err != nil {
			rollback()
			return false, errHandler{err}
		}
		if err := q.Enqueue(ctx, tx, data); err != nil {
			rollback()
			return false, errors.Wrap(err, "re-enqueue")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		rollback()
		return false, errors.Wrap(err, "commit")
	}

	if next == nil {
		m.buffered.Add(-1)
	}
	m.processed.Click()
	e.log.Debug("work item processed", zap.String("queue", q.Name()), zap.Bool("requeued", next != nil))
	return true, nil
}
