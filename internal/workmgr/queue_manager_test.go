package workmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testclock "k8s.io/utils/clock/testing"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/queue"
)

func TestGetOrAddQueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	qm := NewQueueManager(store, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	got := make([]queue.Queue, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := qm.GetOrAddQueue(ctx, "X")
			assert.NoError(t, err)
			got[i] = q
		}(i)
	}
	wg.Wait()

	for _, q := range got {
		assert.Same(t, got[0], q)
	}
	names, err := store.Registry().List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, names)
	assert.Equal(t, 1, qm.LiveCount())
	assert.Equal(t, 1, qm.Available())
}

func TestTakeQueueIsExclusive(t *testing.T) {
	ctx := context.Background()
	qm := NewQueueManager(queue.NewMemoryStore(), zaptest.NewLogger(t))
	const queues = 4
	for i := 0; i < queues; i++ {
		_, err := qm.GetOrAddQueue(ctx, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}

	var holders [queues]atomic.Int32
	var taken atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q, ok := qm.TakeQueue()
				if !ok {
					continue
				}
				var idx int
				_, _ = fmt.Sscanf(q.Name(), "q%d", &idx)
				if n := holders[idx].Add(1); n != 1 {
					t.Errorf("queue %s held by %d executers", q.Name(), n)
				}
				taken.Add(1)
				holders[idx].Add(-1)
				qm.LeaveQueue(q.Name())
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, taken.Load())
	assert.Equal(t, queues, qm.Available())
}

func TestLeaveQueueIgnoresRemovedQueues(t *testing.T) {
	ctx := context.Background()
	qm := NewQueueManager(queue.NewMemoryStore(), zaptest.NewLogger(t))
	_, err := qm.GetOrAddQueue(ctx, "gone")
	require.NoError(t, err)
	q, ok := qm.TakeQueue()
	require.True(t, ok)

	removed, err := qm.RemoveQueue(ctx, q.Name())
	require.NoError(t, err)
	assert.True(t, removed)

	qm.LeaveQueue(q.Name())
	assert.Zero(t, qm.Available())
	_, ok = qm.TakeQueue()
	assert.False(t, ok)

	removed, err = qm.RemoveQueue(ctx, q.Name())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveQueueRefusesItems(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	seed(t, store, "busy", 1)
	qm := NewQueueManager(store, zaptest.NewLogger(t))
	total, err := qm.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	removed, err := qm.RemoveQueue(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, qm.IsLive("busy"))

	ok, err := func() (bool, error) {
		tx, err := store.Begin(ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback(ctx)
		return store.Registry().Contains(ctx, tx, "busy")
	}()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReturnQueueGracePeriod(t *testing.T) {
	ctx := context.Background()
	fc := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := queue.NewMemoryStore()
	m, err := New(store, newRecorder().factory, Options{RemoveEmptyQueueAfter: time.Minute},
		WithLogger(zaptest.NewLogger(t)), WithClock(fc))
	require.NoError(t, err)

	q, err := m.qm.GetOrAddQueue(ctx, "A")
	require.NoError(t, err)
	take := func() {
		t.Helper()
		got, ok := m.qm.TakeQueue()
		require.True(t, ok)
		require.Equal(t, "A", got.Name())
	}

	// First empty observation marks the queue suspect.
	take()
	m.returnQueue(ctx, q, sliceResult{empty: true})
	since, ok := m.qm.EmptySince("A")
	require.True(t, ok)
	assert.Equal(t, fc.Now(), since)

	// Progress clears it.
	fc.Step(2 * time.Minute)
	take()
	m.returnQueue(ctx, q, sliceResult{processed: 3})
	_, ok = m.qm.EmptySince("A")
	assert.False(t, ok)

	// Emptied after processing: marked again, not removed.
	take()
	m.returnQueue(ctx, q, sliceResult{processed: 1, empty: true})
	_, ok = m.qm.EmptySince("A")
	assert.True(t, ok)

	// Second observation inside the grace period keeps it live.
	fc.Step(30 * time.Second)
	take()
	m.returnQueue(ctx, q, sliceResult{empty: true})
	assert.True(t, m.qm.IsLive("A"))

	// Once the grace period has elapsed the queue is removed.
	fc.Step(30 * time.Second)
	take()
	m.returnQueue(ctx, q, sliceResult{empty: true})
	assert.False(t, m.qm.IsLive("A"))
	_, ok = m.qm.EmptySince("A")
	assert.False(t, ok)
	names, err := store.Registry().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReturnQueueKeepsQueueThatReceivedItems(t *testing.T) {
	ctx := context.Background()
	fc := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := queue.NewMemoryStore()
	m, err := New(store, newRecorder().factory, Options{RemoveEmptyQueueAfter: time.Minute},
		WithLogger(zaptest.NewLogger(t)), WithClock(fc))
	require.NoError(t, err)

	q, err := m.qm.GetOrAddQueue(ctx, "A")
	require.NoError(t, err)
	_, _ = m.qm.TakeQueue()
	m.returnQueue(ctx, q, sliceResult{empty: true})

	// A producer commits between the two empty observations.
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	b, err := json.Marshal(domain.Envelope{Queue: "A"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, tx, b))
	require.NoError(t, tx.Commit(ctx))

	fc.Step(5 * time.Minute)
	_, _ = m.qm.TakeQueue()
	m.returnQueue(ctx, q, sliceResult{empty: true})

	assert.True(t, m.qm.IsLive("A"))
	_, suspect := m.qm.EmptySince("A")
	assert.False(t, suspect)
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, ok := m.qm.TakeQueue()
	require.True(t, ok)
	assert.Equal(t, "A", got.Name())
}

func TestEmptyQueueRemovedWhileRunning(t *testing.T) {
	ctx := context.Background()
	fc := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := newRecorder()
	m := newTestManager(t, queue.NewMemoryStore(), rec.factory,
		Options{RemoveEmptyQueueAfter: time.Minute, HandlerMode: domain.PerQueue}, WithClock(fc))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.PostWorkItem(ctx, envelope("A", 0)))

	require.Eventually(t, func() bool {
		_, suspect := m.qm.EmptySince("A")
		return m.NumOfBufferedWorkItems() == 0 && suspect
	}, eventually, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.NumOfActiveQueues())

	fc.Step(2 * time.Minute)
	require.Eventually(t, func() bool { return m.NumOfActiveQueues() == 0 }, eventually, time.Millisecond)
	require.Eventually(t, func() bool { return m.NumOfExecuters() == 0 }, eventually, time.Millisecond)
	assert.Zero(t, m.handlers.cachedCount())

	// Posting again brings the queue back.
	require.NoError(t, m.PostWorkItem(ctx, envelope("A", 1)))
	assert.True(t, m.qm.IsLive("A"))
	require.Eventually(t, func() bool { return m.NumOfBufferedWorkItems() == 0 }, eventually, time.Millisecond)
	_, counts := rec.snapshot()
	assert.Equal(t, 2, counts["A"])
}
