// Package queuetest holds the behaviour every queue.Store backend must share.
package queuetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/workq/internal/queue"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) queue.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueVisibleOnCommit", func(t *testing.T) { testEnqueueVisibleOnCommit(t, newStore(t)) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("RollbackRestoresHead", func(t *testing.T) { testRollbackRestoresHead(t, newStore(t)) })
	t.Run("ReplacementGoesToTail", func(t *testing.T) { testReplacementGoesToTail(t, newStore(t)) })
	t.Run("Registry", func(t *testing.T) { testRegistry(t, newStore(t)) })
	t.Run("DropQueue", func(t *testing.T) { testDropQueue(t, newStore(t)) })
	t.Run("TxDone", func(t *testing.T) { testTxDone(t, newStore(t)) })
}

func enqueue(t *testing.T, s queue.Store, q queue.Queue, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, p := range payloads {
		require.NoError(t, q.Enqueue(ctx, tx, []byte(p)))
	}
	require.NoError(t, tx.Commit(ctx))
}

func dequeue(t *testing.T, s queue.Store, q queue.Queue) (string, bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	val, ok, err := q.TryDequeue(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return string(val), ok
}

func count(t *testing.T, q queue.Queue) int64 {
	t.Helper()
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	return n
}

func testEnqueueVisibleOnCommit(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", q.Name())

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, tx, []byte("x")))
	assert.Equal(t, int64(0), count(t, q))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(1), count(t, q))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, tx, []byte("y")))
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, int64(1), count(t, q))
}

func testFIFO(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "fifo")
	require.NoError(t, err)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, fmt.Sprintf("item-%d", i))
	}
	enqueue(t, s, q, want...)

	var got []string
	for {
		v, ok := dequeue(t, s, q)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, int64(0), count(t, q))
}

func testRollbackRestoresHead(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "rb")
	require.NoError(t, err)
	enqueue(t, s, q, "1", "2", "3")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	v, ok, err := q.TryDequeue(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	v, ok, err = q.TryDequeue(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, int64(3), count(t, q))
	v1, _ := dequeue(t, s, q)
	v2, _ := dequeue(t, s, q)
	v3, _ := dequeue(t, s, q)
	assert.Equal(t, []string{"1", "2", "3"}, []string{v1, v2, v3})
}

func testReplacementGoesToTail(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "re")
	require.NoError(t, err)
	enqueue(t, s, q, "1", "2")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	v, ok, err := q.TryDequeue(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Enqueue(ctx, tx, append(v, '+')))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, int64(2), count(t, q))
	v1, _ := dequeue(t, s, q)
	v2, _ := dequeue(t, s, q)
	assert.Equal(t, []string{"2", "1+"}, []string{v1, v2})
}

func testRegistry(t *testing.T, s queue.Store) {
	ctx := context.Background()
	reg := s.Registry()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	ok, err := reg.Contains(ctx, tx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, reg.Add(ctx, tx, "a"))
	require.NoError(t, reg.Add(ctx, tx, "b"))
	require.NoError(t, tx.Commit(ctx))

	names, err := reg.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	ok, err = reg.Contains(ctx, tx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	removed, err := reg.Remove(ctx, tx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = reg.Remove(ctx, tx, "zzz")
	require.NoError(t, err)
	assert.False(t, removed)
	require.NoError(t, tx.Commit(ctx))

	names, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func testDropQueue(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "drop")
	require.NoError(t, err)
	enqueue(t, s, q, "x")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, s.DropQueue(ctx, tx, "drop"), queue.ErrQueueNotEmpty)
	require.NoError(t, tx.Rollback(ctx))

	_, ok := dequeue(t, s, q)
	require.True(t, ok)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DropQueue(ctx, tx, "drop"))
	require.NoError(t, tx.Commit(ctx))

	// The name stays usable after a drop.
	q, err = s.OpenQueue(ctx, "drop")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count(t, q))
	enqueue(t, s, q, "again")
	v, ok := dequeue(t, s, q)
	assert.True(t, ok)
	assert.Equal(t, "again", v)
}

func testTxDone(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q, err := s.OpenQueue(ctx, "done")
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, q.Enqueue(ctx, tx, []byte("late")), queue.ErrTxDone)
	assert.ErrorIs(t, tx.Commit(ctx), queue.ErrTxDone)
	assert.NoError(t, tx.Rollback(ctx))
}
