package deferred

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecuterRunsInOrder(t *testing.T) {
	e := New(zaptest.NewLogger(t), nil)
	e.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, e.AddWork(func(ctx context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, e.Drain(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestExecuterReportsErrorsAndContinues(t *testing.T) {
	var reported []error
	var mu sync.Mutex
	e := New(zaptest.NewLogger(t), func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	e.Start()

	var ran atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, e.AddWork(func(context.Context) error { return boom }))
	require.NoError(t, e.AddWork(func(context.Context) error { panic("kaboom") }))
	require.NoError(t, e.AddWork(func(context.Context) error { ran.Add(1); return nil }))
	require.NoError(t, e.Drain(context.Background()))

	assert.Equal(t, int32(1), ran.Load())
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], boom)
	assert.Contains(t, reported[1].Error(), "kaboom")
}

func TestExecuterRejectsWorkAfterDrain(t *testing.T) {
	e := New(zaptest.NewLogger(t), nil)
	e.Start()
	require.NoError(t, e.Drain(context.Background()))
	assert.ErrorIs(t, e.AddWork(func(context.Context) error { return nil }), ErrDraining)
}

func TestExecuterDrainTimeout(t *testing.T) {
	e := New(zaptest.NewLogger(t), nil)
	e.Start()
	release := make(chan struct{})
	require.NoError(t, e.AddWork(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Drain(ctx), context.DeadlineExceeded)
	close(release)
}

func TestExecuterDrainWithoutStart(t *testing.T) {
	e := New(nil, nil)
	assert.NoError(t, e.Drain(context.Background()))
	assert.ErrorIs(t, e.AddWork(func(context.Context) error { return nil }), ErrDraining)
}
