package workmgr

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/queue"
)

func testOptions(o Options) Options {
	if o.IdleBackoff == 0 {
		o.IdleBackoff = 5 * time.Millisecond
	}
	if o.PausePoll == 0 {
		o.PausePoll = 5 * time.Millisecond
	}
	if o.DrainPoll == 0 {
		o.DrainPoll = 5 * time.Millisecond
	}
	if o.DequeueTimeout == 0 {
		o.DequeueTimeout = time.Second
	}
	return o
}

func newTestManager(t *testing.T, store queue.Store, factory HandlerFactory, opts Options, extra ...Option) *WorkManager {
	t.Helper()
	options := append([]Option{WithLogger(zaptest.NewLogger(t))}, extra...)
	m, err := New(store, factory, testOptions(opts), options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		switch m.Status() {
		case domain.Working, domain.Paused, domain.Draining:
			_ = m.Stop(ctx)
		}
	})
	return m
}

func envelope(q string, i int) domain.Envelope {
	return domain.Envelope{Queue: q, Payload: json.RawMessage(strconv.Itoa(i))}
}

// seed writes n items and a registry entry for name directly into the store.
func seed(t *testing.T, s queue.Store, name string, n int) {
	t.Helper()
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, name)
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Registry().Add(ctx, tx, name))
	for i := 0; i < n; i++ {
		b, err := json.Marshal(envelope(name, i))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, tx, b))
	}
	require.NoError(t, tx.Commit(ctx))
}

// recorder remembers the order and count of handled items.
type recorder struct {
	mu     sync.Mutex
	seq    []string
	counts map[string]int
}

func newRecorder() *recorder { return &recorder{counts: make(map[string]int)} }

func (r *recorder) factory(string) Handler { return HandlerFunc(r.handle) }

func (r *recorder) handle(_ context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, item.QueueName())
	r.counts[item.QueueName()]++
	return nil, nil
}

func (r *recorder) snapshot() ([]string, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return append([]string(nil), r.seq...), counts
}

// gated blocks every item until the gate is closed.
func gated(gate <-chan struct{}) HandlerFactory {
	return func(string) Handler {
		return HandlerFunc(func(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
			<-gate
			return nil, nil
		})
	}
}

// faultyStore wraps a store and lets tests inject dequeue failures.
type faultyStore struct {
	queue.Store
	mu       sync.Mutex
	failWith error
	failures int
}

func (s *faultyStore) fail(err error, times int) {
	s.mu.Lock()
	s.failWith, s.failures = err, times
	s.mu.Unlock()
}

func (s *faultyStore) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *faultyStore) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == 0 {
		return nil
	}
	s.failures--
	return s.failWith
}

func (s *faultyStore) OpenQueue(ctx context.Context, name string) (queue.Queue, error) {
	q, err := s.Store.OpenQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyQueue{Queue: q, s: s}, nil
}

type faultyQueue struct {
	queue.Queue
	s *faultyStore
}

func (q *faultyQueue) TryDequeue(ctx context.Context, tx queue.Tx) ([]byte, bool, error) {
	if err := q.s.next(); err != nil {
		return nil, false, err
	}
	return q.Queue.TryDequeue(ctx, tx)
}

// parkingStore holds every Enqueue until release is called. entered receives
// one value per parked call.
type parkingStore struct {
	queue.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newParkingStore(s queue.Store) *parkingStore {
	return &parkingStore{Store: s, entered: make(chan struct{}, 16), gate: make(chan struct{})}
}

func (s *parkingStore) release() { s.once.Do(func() { close(s.gate) }) }

func (s *parkingStore) OpenQueue(ctx context.Context, name string) (queue.Queue, error) {
	q, err := s.Store.OpenQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return &parkingQueue{Queue: q, s: s}, nil
}

type parkingQueue struct {
	queue.Queue
	s *parkingStore
}

func (q *parkingQueue) Enqueue(ctx context.Context, tx queue.Tx, payload []byte) error {
	q.s.entered <- struct{}{}
	<-q.s.gate
	return q.Queue.Enqueue(ctx, tx, payload)
}
