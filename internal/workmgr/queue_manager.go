package workmgr

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SirClappington/workq/internal/queue"
)

// QueueManager owns the set of live queues and the hand-off channel that
// lends each queue to at most one executer at a time.
type QueueManager struct {
	store queue.Store
	log   *zap.Logger

	// admin serialises queue creation and removal so the registry, the live
	// set and the hand-off channel stay consistent.
	admin sync.Mutex
	sf    singleflight.Group

	mu         sync.RWMutex
	live       map[string]queue.Queue
	emptySince map[string]time.Time

	handoff handoff
}

func NewQueueManager(store queue.Store, logger *zap.Logger) *QueueManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueManager{
		store:      store,
		log:        logger,
		live:       make(map[string]queue.Queue),
		emptySince: make(map[string]time.Time),
		handoff:    handoff{queued: make(map[string]struct{})},
	}
}

// Load rebuilds the live set from the registry and returns the total number
// of buffered items across the loaded queues.
func (m *QueueManager) Load(ctx context.Context) (int64, error) {
	names, err := m.store.Registry().List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list registry")
	}
	m.admin.Lock()
	defer m.admin.Unlock()

	var total int64
	for _, name := range names {
		q, err := m.store.OpenQueue(ctx, name)
		if err != nil {
			return 0, errors.Wrapf(err, "open queue %q", name)
		}
		n, err := q.Count(ctx)
		if err != nil {
			return 0, errors.Wrapf(err, "count queue %q", name)
		}
		total += n
		m.publish(q)
	}
	m.log.Info("queues loaded", zap.Int("queues", len(names)), zap.Int64("buffered", total))
	return total, nil
}

// publish makes q live and available. Caller holds admin.
func (m *QueueManager) publish(q queue.Queue) {
	m.mu.Lock()
	_, existed := m.live[q.Name()]
	m.live[q.Name()] = q
	m.mu.Unlock()
	if !existed {
		m.handoff.push(q.Name())
	}
}

// GetOrAddQueue returns the live queue for name, registering and publishing
// it first if needed. Concurrent calls for one name share a single creation.
func (m *QueueManager) GetOrAddQueue(ctx context.Context, name string) (queue.Queue, error) {
	if q, ok := m.lookup(name); ok {
		return q, nil
	}
	v, err, _ := m.sf.Do(name, func() (interface{}, error) {
		m.admin.Lock()
		defer m.admin.Unlock()
		if q, ok := m.lookup(name); ok {
			return q, nil
		}

		tx, err := m.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		reg := m.store.Registry()
		exists, err := reg.Contains(ctx, tx, name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if !exists {
			if err := reg.Add(ctx, tx, name); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		q, err := m.store.OpenQueue(ctx, name)
		if err != nil {
			return nil, err
		}
		m.publish(q)
		m.log.Info("queue added", zap.String("queue", name))
		return q, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get or add queue %q", name)
	}
	return v.(queue.Queue), nil
}

func (m *QueueManager) lookup(name string) (queue.Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.live[name]
	return q, ok
}

// TakeQueue pops one queue from the hand-off channel without blocking. It
// returns false when the channel is empty or the popped queue was removed.
func (m *QueueManager) TakeQueue() (queue.Queue, bool) {
	name, ok := m.handoff.pop()
	if !ok {
		return nil, false
	}
	return m.lookup(name)
}

// LeaveQueue hands name back to the channel for the next executer.
func (m *QueueManager) LeaveQueue(name string) {
	if _, ok := m.lookup(name); ok {
		m.handoff.push(name)
	}
}

// RemoveQueue unregisters name and clears its backing store. The queue is
// hidden from the live set before the removal transaction, so a producer that
// commits concurrently notices and re-adds it. It returns false without
// error when the queue turned out to hold items.
func (m *QueueManager) RemoveQueue(ctx context.Context, name string) (bool, error) {
	m.admin.Lock()
	defer m.admin.Unlock()

	m.mu.Lock()
	q, ok := m.live[name]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.live, name)
	m.mu.Unlock()

	restore := func() {
		m.mu.Lock()
		m.live[name] = q
		m.mu.Unlock()
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		restore()
		return false, errors.Wrapf(err, "remove queue %q", name)
	}
	if _, err := m.store.Registry().Remove(ctx, tx, name); err != nil {
		_ = tx.Rollback(ctx)
		restore()
		return false, errors.Wrapf(err, "remove queue %q", name)
	}
	if err := m.store.DropQueue(ctx, tx, name); err != nil {
		_ = tx.Rollback(ctx)
		restore()
		if errors.Is(err, queue.ErrQueueNotEmpty) {
			return false, nil
		}
		return false, errors.Wrapf(err, "remove queue %q", name)
	}
	if err := tx.Commit(ctx); err != nil {
		restore()
		return false, errors.Wrapf(err, "remove queue %q", name)
	}

	m.mu.Lock()
	delete(m.emptySince, name)
	m.mu.Unlock()
	m.log.Info("queue removed", zap.String("queue", name))
	return true, nil
}

// IsLive reports whether name is in the live set.
func (m *QueueManager) IsLive(name string) bool {
	_, ok := m.lookup(name)
	return ok
}

// LiveCount returns the number of live queues.
func (m *QueueManager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Queues returns the live queues.
func (m *QueueManager) Queues() []queue.Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]queue.Queue, 0, len(m.live))
	for _, q := range m.live {
		out = append(out, q)
	}
	return out
}

// EmptySince returns when name was first seen empty, if it is suspect.
func (m *QueueManager) EmptySince(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.emptySince[name]
	return t, ok
}

func (m *QueueManager) markEmpty(name string, at time.Time) {
	m.mu.Lock()
	m.emptySince[name] = at
	m.mu.Unlock()
}

func (m *QueueManager) clearEmpty(name string) {
	m.mu.Lock()
	delete(m.emptySince, name)
	m.mu.Unlock()
}

// Available is the number of live queues waiting for an executer.
func (m *QueueManager) Available() int { return m.handoff.len() }

// handoff is a FIFO of queue names that holds each name at most once.
type handoff struct {
	mu     sync.Mutex
	names  []string
	queued map[string]struct{}
}

func (h *handoff) push(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.queued[name]; ok {
		return
	}
	h.queued[name] = struct{}{}
	h.names = append(h.names, name)
}

func (h *handoff) pop() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.names) == 0 {
		return "", false
	}
	name := h.names[0]
	h.names[0] = ""
	h.names = h.names[1:]
	delete(h.queued, name)
	return name, true
}

func (h *handoff) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.names)
}
