package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testclock "k8s.io/utils/clock/testing"
)

type countingReconciler struct {
	calls atomic.Int32
	added int64
	err   error
}

func (c *countingReconciler) ReconcileRegistry(context.Context) (int64, error) {
	c.calls.Add(1)
	return c.added, c.err
}

type fixedLeader struct {
	lead     bool
	err      error
	released atomic.Bool
}

func (f *fixedLeader) TryLead(context.Context) (bool, error) { return f.lead, f.err }

func (f *fixedLeader) Release(context.Context) error {
	f.released.Store(true)
	return nil
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	rec := &countingReconciler{added: 3}

	added, led, err := NewLoop(rec, &fixedLeader{lead: true}, time.Second, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, led)
	assert.Equal(t, int64(3), added)

	added, led, err = NewLoop(rec, &fixedLeader{}, time.Second, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, led)
	assert.Zero(t, added)
	assert.Equal(t, int32(1), rec.calls.Load())

	_, _, err = NewLoop(rec, &fixedLeader{err: errors.New("no db")}, time.Second, nil, nil).RunOnce(ctx)
	assert.ErrorContains(t, err, "leader election")

	rec.err = errors.New("boom")
	_, _, err = NewLoop(rec, &fixedLeader{lead: true}, time.Second, nil, nil).RunOnce(ctx)
	assert.ErrorContains(t, err, "boom")
}

func TestRunTicksUntilCancelled(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	rec := &countingReconciler{added: 1}
	leader := &fixedLeader{lead: true}
	loop := NewLoop(rec, leader, time.Minute, fc, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)
	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.True(t, leader.released.Load())
}

func TestRedisLeader(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := NewRedisLeader(rdb, "workq:reconciler", 10*time.Second)
	b := NewRedisLeader(rdb, "workq:reconciler", 10*time.Second)

	ok, err := a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Renewal keeps a in charge past the original lease.
	mr.FastForward(8 * time.Second)
	ok, err = a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(8 * time.Second)
	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Once a stops renewing, b takes over.
	mr.FastForward(11 * time.Second)
	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, a.Release(ctx))
	assert.Equal(t, b.id, mustGet(t, mr, "workq:reconciler"))
	require.NoError(t, b.Release(ctx))
	assert.False(t, mr.Exists("workq:reconciler"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
