package workmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/SirClappington/workq/internal/clicker"
	"github.com/SirClappington/workq/internal/deferred"
	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/queue"
)

// WorkManager coordinates the QueueManager, the executer pool, handler
// scoping and telemetry.
type WorkManager struct {
	opts     Options
	store    queue.Store
	codec    Codec
	log      *zap.Logger
	clock    clock.WithTicker
	qm       *QueueManager
	handlers *handlerSet
	deferred *deferred.Executer

	posted    *clicker.Rollup
	processed *clicker.Rollup
	buffered  atomic.Int64

	stateMu sync.RWMutex
	status  domain.Status

	execMu    sync.Mutex
	executers map[uuid.UUID]*WorkExecuter

	executerFailures atomic.Int64
	deferredFailures atomic.Int64
	failMu           sync.Mutex
	lastExecErr      error
}

// Option customises a WorkManager.
type Option func(*WorkManager)

func WithLogger(l *zap.Logger) Option { return func(m *WorkManager) { m.log = l } }

// WithClock replaces the clock used for telemetry windows and the empty
// queue grace period.
func WithClock(c clock.WithTicker) Option { return func(m *WorkManager) { m.clock = c } }

// WithCodec replaces the default JSONCodec[domain.Envelope].
func WithCodec(c Codec) Option { return func(m *WorkManager) { m.codec = c } }

func New(store queue.Store, factory HandlerFactory, opts Options, options ...Option) (*WorkManager, error) {
	if store == nil {
		return nil, errors.New("workmgr: store is required")
	}
	if factory == nil {
		return nil, errors.New("workmgr: handler factory is required")
	}
	m := &WorkManager{
		opts:      opts.withDefaults(),
		store:     store,
		codec:     JSONCodec[domain.Envelope]{},
		log:       zap.NewNop(),
		clock:     clock.RealClock{},
		executers: make(map[uuid.UUID]*WorkExecuter),
		status:    domain.New,
	}
	for _, o := range options {
		o(m)
	}
	m.qm = NewQueueManager(store, m.log.Named("queues"))
	m.handlers = newHandlerSet(factory, m.opts.HandlerMode)
	m.deferred = deferred.New(m.log.Named("deferred"), m.deferredFailed)
	m.posted = clicker.NewRollup(m.clock)
	m.processed = clicker.NewRollup(m.clock)
	return m, nil
}

// Status returns the current state.
func (m *WorkManager) Status() domain.Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

func (m *WorkManager) Options() Options { return m.opts }

// QueueManager exposes the queue registry for inspection.
func (m *WorkManager) QueueManager() *QueueManager { return m.qm }

// HandlerMode returns the active handler scope.
func (m *WorkManager) HandlerMode() domain.HandlerMode { return m.handlers.getMode() }

// SetHandlerMode changes the handler scope. Only allowed before Start.
func (m *WorkManager) SetHandlerMode(mode domain.HandlerMode) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.status != domain.New {
		return invalidState("set handler mode", m.status)
	}
	m.handlers.setMode(mode)
	m.opts.HandlerMode = mode
	return nil
}

// Start loads queues from the registry, counts buffered items and schedules
// one executer per queue up to MaxNumOfWorkers.
func (m *WorkManager) Start(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.status != domain.New {
		return invalidState("start", m.status)
	}
	total, err := m.qm.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "start")
	}
	m.buffered.Store(total)
	m.deferred.Start()
	m.posted.Start()
	m.processed.Start()
	m.status = domain.Working

	n := min(m.qm.LiveCount(), m.opts.MaxNumOfWorkers)
	for i := 0; i < n; i++ {
		m.scheduleIncrease()
	}
	m.log.Info("work manager started",
		zap.Int("queues", m.qm.LiveCount()),
		zap.Int64("buffered", total),
		zap.Int("executers", n),
		zap.Stringer("handlerMode", m.opts.HandlerMode))
	return nil
}

// PostWorkItem durably enqueues item on the queue it names.
//
// The capacity slot is reserved under the state read lock, so a post that
// saw Working is already counted in the buffered total by the time
// DrainAndStop flips the state. Drain therefore waits for it.
func (m *WorkManager) PostWorkItem(ctx context.Context, item domain.WorkItem) error {
	if s := m.Status(); s != domain.Working {
		return invalidState("post work item", s)
	}
	if item == nil || item.QueueName() == "" {
		return ErrInvalidItem
	}
	name := item.QueueName()
	payload, err := m.codec.Encode(item)
	if err != nil {
		return err
	}
	if err := m.reserve(); err != nil {
		return err
	}
	if err := m.enqueue(ctx, name, payload); err != nil {
		m.buffered.Add(-1)
		return err
	}
	m.posted.Click()

	// The queue may have been removed while we committed; re-adding it
	// puts the new item back in front of the executers.
	if !m.qm.IsLive(name) {
		if _, err := m.qm.GetOrAddQueue(context.WithoutCancel(ctx), name); err != nil {
			m.log.Error("re-adding removed queue failed", zap.String("queue", name), zap.Error(err))
		}
	}
	m.scheduleIncrease()
	return nil
}

// reserve claims one buffered slot while the manager is Working.
func (m *WorkManager) reserve() error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.status != domain.Working {
		return invalidState("post work item", m.status)
	}
	if n := m.buffered.Add(1); n > m.opts.MaxNumOfBufferedWorkItems {
		m.buffered.Add(-1)
		return errors.Wrapf(ErrCapacity, "%d items buffered", n-1)
	}
	return nil
}

func (m *WorkManager) enqueue(ctx context.Context, name string, payload []byte) error {
	q, err := m.qm.GetOrAddQueue(ctx, name)
	if err != nil {
		return err
	}
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "post work item")
	}
	if err := q.Enqueue(ctx, tx, payload); err != nil {
		_ = tx.Rollback(ctx)
		return errors.Wrap(err, "post work item")
	}
	return errors.Wrap(tx.Commit(ctx), "post work item")
}

// Pause stops every executer between transactions. Queues stay assigned.
func (m *WorkManager) Pause(ctx context.Context) error {
	m.stateMu.Lock()
	if m.status != domain.Working {
		s := m.status
		m.stateMu.Unlock()
		return invalidState("pause", s)
	}
	m.status = domain.Paused
	m.stateMu.Unlock()

	m.forEachExecuter(func(e *WorkExecuter) { e.Pause() })
	m.log.Info("work manager paused")
	return nil
}

func (m *WorkManager) Resume(ctx context.Context) error {
	m.stateMu.Lock()
	if m.status != domain.Paused {
		s := m.status
		m.stateMu.Unlock()
		return invalidState("resume", s)
	}
	m.status = domain.Working
	m.stateMu.Unlock()

	m.forEachExecuter(func(e *WorkExecuter) { e.Resume() })
	m.log.Info("work manager resumed")
	return nil
}

// DrainAndStop stops accepting posts, waits until every buffered item is
// processed, then stops. If ctx ends first the manager stays Draining and
// ctx's error is returned.
func (m *WorkManager) DrainAndStop(ctx context.Context) error {
	m.stateMu.Lock()
	switch m.status {
	case domain.Working, domain.Paused:
	default:
		s := m.status
		m.stateMu.Unlock()
		return invalidState("drain", s)
	}
	wasPaused := m.status == domain.Paused
	m.status = domain.Draining
	m.stateMu.Unlock()

	if wasPaused {
		m.forEachExecuter(func(e *WorkExecuter) { e.Resume() })
	}
	m.log.Info("work manager draining", zap.Int64("buffered", m.buffered.Load()))

	// Top the pool up in case executers died.
	for i := m.NumOfExecuters(); i < min(m.qm.LiveCount(), m.opts.MaxNumOfWorkers); i++ {
		m.scheduleIncrease()
	}

	ticker := time.NewTicker(m.opts.DrainPoll)
	defer ticker.Stop()
	for m.buffered.Load() > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "drain")
		case <-ticker.C:
		}
		// A concurrent Stop ends the drain.
		if s := m.Status(); s != domain.Draining {
			return invalidState("drain", s)
		}
	}
	return m.stop(ctx, domain.Draining)
}

// Stop ends every executer loop, waits for them and disposes handlers.
func (m *WorkManager) Stop(ctx context.Context) error {
	return m.stop(ctx, domain.Working, domain.Paused, domain.Draining)
}

func (m *WorkManager) stop(ctx context.Context, from ...domain.Status) error {
	m.stateMu.Lock()
	allowed := false
	for _, s := range from {
		if m.status == s {
			allowed = true
		}
	}
	if !allowed {
		s := m.status
		m.stateMu.Unlock()
		return invalidState("stop", s)
	}
	m.status = domain.Stopped
	m.stateMu.Unlock()

	m.execMu.Lock()
	executers := make([]*WorkExecuter, 0, len(m.executers))
	for id, e := range m.executers {
		executers = append(executers, e)
		delete(m.executers, id)
	}
	m.execMu.Unlock()

	var g errgroup.Group
	for _, e := range executers {
		e := e
		g.Go(func() error { return e.Stop(ctx) })
	}
	err := g.Wait()

	for _, h := range m.handlers.reset() {
		m.disposeLater(h)
	}
	err = multierr.Append(err, m.deferred.Drain(ctx))
	m.posted.Stop()
	m.processed.Stop()
	m.log.Info("work manager stopped", zap.Int("executers", len(executers)), zap.Int64("buffered", m.buffered.Load()))
	return err
}

func (m *WorkManager) forEachExecuter(fn func(*WorkExecuter)) {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	for _, e := range m.executers {
		fn(e)
	}
}

func (m *WorkManager) scheduleIncrease() {
	if err := m.deferred.AddWork(m.tryIncreaseExecuters); err != nil && !errors.Is(err, deferred.ErrDraining) {
		m.log.Warn("scheduling scale up failed", zap.Error(err))
	}
}

func (m *WorkManager) scheduleDecrease() {
	if err := m.deferred.AddWork(m.tryDecreaseExecuters); err != nil && !errors.Is(err, deferred.ErrDraining) {
		m.log.Warn("scheduling scale down failed", zap.Error(err))
	}
}

// tryIncreaseExecuters adds one executer while the pool is below both
// MaxNumOfWorkers and the live queue count. It runs on the deferred executer.
func (m *WorkManager) tryIncreaseExecuters(ctx context.Context) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	status := m.Status()
	if status != domain.Working && status != domain.Paused && status != domain.Draining {
		return nil
	}
	n := len(m.executers)
	if n >= m.opts.MaxNumOfWorkers || n+1 > m.qm.LiveCount() {
		return nil
	}
	e := newWorkExecuter(m)
	if status == domain.Paused {
		e.Pause()
	}
	m.executers[e.ID] = e
	e.start()
	m.log.Debug("executer added", zap.Stringer("executer", e.ID), zap.Int("executers", n+1))
	return nil
}

// tryDecreaseExecuters stops one executer when there are more executers than
// live queues. It runs on the deferred executer.
func (m *WorkManager) tryDecreaseExecuters(ctx context.Context) error {
	m.execMu.Lock()
	if len(m.executers) <= m.qm.LiveCount() {
		m.execMu.Unlock()
		return nil
	}
	var victim *WorkExecuter
	for id, e := range m.executers {
		victim = e
		delete(m.executers, id)
		break
	}
	n := len(m.executers)
	m.execMu.Unlock()

	m.log.Debug("executer removed", zap.Stringer("executer", victim.ID), zap.Int("executers", n))
	return victim.Stop(ctx)
}

// executerExited forgets an executer whose loop ended and records the
// error that ended it, if any.
func (m *WorkManager) executerExited(e *WorkExecuter) {
	m.execMu.Lock()
	delete(m.executers, e.ID)
	m.execMu.Unlock()
	if e.err == nil {
		return
	}
	m.executerFailures.Add(1)
	m.failMu.Lock()
	m.lastExecErr = e.err
	m.failMu.Unlock()
}

func (m *WorkManager) lastExecuterError() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.lastExecErr
}

// deferredFailed receives errors from scale decisions and handler disposal.
func (m *WorkManager) deferredFailed(err error) {
	m.log.Error("deferred work failed", zap.Error(err))
	m.deferredFailures.Add(1)
}

// returnQueue decides what happens to a queue after a slice: hand it back,
// mark it suspect-empty, or remove it once it stayed empty past the grace
// period.
func (m *WorkManager) returnQueue(ctx context.Context, q queue.Queue, res sliceResult) {
	name := q.Name()
	now := m.clock.Now()

	if !res.empty {
		if res.processed > 0 {
			m.qm.clearEmpty(name)
		}
		m.qm.LeaveQueue(name)
		return
	}
	since, suspect := m.qm.EmptySince(name)
	if !suspect || res.processed > 0 {
		m.qm.markEmpty(name, now)
		m.qm.LeaveQueue(name)
		return
	}
	if now.Sub(since) < m.opts.RemoveEmptyQueueAfter {
		m.qm.LeaveQueue(name)
		return
	}

	removed, err := m.qm.RemoveQueue(ctx, name)
	if err != nil {
		m.log.Error("removing empty queue failed", zap.String("queue", name), zap.Error(err))
		m.qm.LeaveQueue(name)
		return
	}
	if !removed {
		m.qm.clearEmpty(name)
		m.qm.LeaveQueue(name)
		return
	}
	if h := m.handlers.drop(name); h != nil {
		m.disposeLater(h)
	}
	m.scheduleDecrease()
}

// disposeLater closes h on the deferred executer.
func (m *WorkManager) disposeLater(h Handler) {
	err := m.deferred.AddWork(func(context.Context) error { return disposeHandler(h) })
	if errors.Is(err, deferred.ErrDraining) {
		err = disposeHandler(h)
	}
	if err != nil {
		m.log.Warn("disposing handler failed", zap.Error(err))
	}
}
