package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/workq/internal/queue"
	"github.com/SirClappington/workq/internal/queue/queuetest"
	"github.com/SirClappington/workq/internal/storage"
)

// newPool connects to WORKQ_TEST_POSTGRES_DSN, migrates, and empties the tables.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("WORKQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WORKQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `truncate wm_work_items, wm_queue_registry`)
	require.NoError(t, err)
	return pool
}

func TestStore(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		s := storage.New(newPool(t))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestReconcileRegistry(t *testing.T) {
	ctx := context.Background()
	s := storage.New(newPool(t))
	defer s.Close()

	q, err := s.OpenQueue(ctx, "orphan")
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, tx, []byte("x")))
	require.NoError(t, tx.Commit(ctx))

	n, err := s.ReconcileRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	names, err := s.Registry().List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, names)

	depth, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	n, err = s.ReconcileRegistry(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
