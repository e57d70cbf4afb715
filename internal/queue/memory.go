package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps queues in process memory. It honours the same
// transaction rules as the durable backends and is used by tests and by
// hosts that do not need persistence.
type MemoryStore struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	registry map[string]struct{}
}

type memQueue struct {
	items [][]byte
	// reserved counts head items taken by an open transaction.
	reserved int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string]*memQueue),
		registry: make(map[string]struct{}),
	}
}

type memTx struct {
	s        *MemoryStore
	done     bool
	taken    map[string]int
	enqueued []memOp
	regAdd   []string
	regDel   []string
	drops    []string
}

type memOp struct {
	queue   string
	payload []byte
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	return &memTx{s: s, taken: make(map[string]int)}, nil
}

func (s *MemoryStore) tx(tx Tx) (*memTx, error) {
	t, ok := tx.(*memTx)
	if !ok || t.s != s {
		return nil, ErrForeignTx
	}
	if t.done {
		return nil, ErrTxDone
	}
	return t, nil
}

// queue returns the state for name, creating it. Caller holds s.mu.
func (s *MemoryStore) queue(name string) *memQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memQueue{}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) OpenQueue(ctx context.Context, name string) (Queue, error) {
	s.mu.Lock()
	s.queue(name)
	s.mu.Unlock()
	return &memHandle{s: s, name: name}, nil
}

func (s *MemoryStore) DropQueue(ctx context.Context, tx Tx, name string) error {
	t, err := s.tx(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok && len(q.items) > 0 {
		return ErrQueueNotEmpty
	}
	t.drops = append(t.drops, name)
	return nil
}

func (s *MemoryStore) Registry() Registry { return memRegistry{s} }

func (s *MemoryStore) Close() error { return nil }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true

	for name := range t.taken {
		q := s.queue(name)
		n := t.taken[name]
		q.items = q.items[n:]
		q.reserved -= n
	}
	for _, name := range t.drops {
		if q, ok := s.queues[name]; ok && len(q.items) == 0 && q.reserved == 0 {
			delete(s.queues, name)
		}
	}
	for _, op := range t.enqueued {
		q := s.queue(op.queue)
		q.items = append(q.items, op.payload)
	}
	for _, name := range t.regDel {
		delete(s.registry, name)
	}
	for _, name := range t.regAdd {
		s.registry[name] = struct{}{}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true
	for name, n := range t.taken {
		if q, ok := s.queues[name]; ok {
			q.reserved -= n
		}
	}
	return nil
}

type memHandle struct {
	s    *MemoryStore
	name string
}

func (h *memHandle) Name() string { return h.name }

func (h *memHandle) Enqueue(ctx context.Context, tx Tx, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	t, err := h.s.tx(tx)
	if err != nil {
		return err
	}
	t.enqueued = append(t.enqueued, memOp{queue: h.name, payload: append([]byte(nil), payload...)})
	return nil
}

func (h *memHandle) TryDequeue(ctx context.Context, tx Tx) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ctxErr(err)
	}
	t, err := h.s.tx(tx)
	if err != nil {
		return nil, false, err
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	q := h.s.queue(h.name)
	if q.reserved >= len(q.items) {
		return nil, false, nil
	}
	payload := q.items[q.reserved]
	q.reserved++
	t.taken[h.name]++
	return append([]byte(nil), payload...), true, nil
}

func (h *memHandle) Count(ctx context.Context) (int64, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if q, ok := h.s.queues[h.name]; ok {
		return int64(len(q.items)), nil
	}
	return 0, nil
}

type memRegistry struct{ s *MemoryStore }

func (r memRegistry) Contains(ctx context.Context, tx Tx, name string) (bool, error) {
	if _, err := r.s.tx(tx); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.registry[name]
	return ok, nil
}

func (r memRegistry) Add(ctx context.Context, tx Tx, name string) error {
	t, err := r.s.tx(tx)
	if err != nil {
		return err
	}
	t.regAdd = append(t.regAdd, name)
	return nil
}

func (r memRegistry) Remove(ctx context.Context, tx Tx, name string) (bool, error) {
	t, err := r.s.tx(tx)
	if err != nil {
		return false, err
	}
	r.s.mu.Lock()
	_, ok := r.s.registry[name]
	r.s.mu.Unlock()
	t.regDel = append(t.regDel, name)
	return ok, nil
}

func (r memRegistry) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	names := make([]string, 0, len(r.s.registry))
	for name := range r.s.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
