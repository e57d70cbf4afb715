// Package storage is the Postgres implementation of queue.Store.
//
// Every work item is a row in wm_work_items ordered by a bigserial id; the
// registry is wm_queue_registry. Dequeue deletes the head row with
// FOR UPDATE SKIP LOCKED inside the caller's transaction, so a rollback puts
// the row back where it was.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/workq/internal/queue"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

var _ queue.Store = (*Store)(nil)

func pgErr(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(queue.ErrTimeout, msg)
	}
	return errors.Wrap(err, msg)
}

type pgTx struct {
	s    *Store
	tx   pgx.Tx
	done bool
}

func (s *Store) Begin(ctx context.Context) (queue.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, pgErr(ctx, err, "begin")
	}
	return &pgTx{s: s, tx: tx}, nil
}

func (s *Store) tx(tx queue.Tx) (pgx.Tx, error) {
	t, ok := tx.(*pgTx)
	if !ok || t.s != s {
		return nil, queue.ErrForeignTx
	}
	if t.done {
		return nil, queue.ErrTxDone
	}
	return t.tx, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return queue.ErrTxDone
	}
	t.done = true
	return pgErr(ctx, t.tx.Commit(ctx), "commit")
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(context.WithoutCancel(ctx))
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return pgErr(ctx, err, "rollback")
}

// OpenQueue needs no backing state: rows carry their queue name.
func (s *Store) OpenQueue(ctx context.Context, name string) (queue.Queue, error) {
	return &pgQueue{s: s, name: name}, nil
}

func (s *Store) DropQueue(ctx context.Context, tx queue.Tx, name string) error {
	ptx, err := s.tx(tx)
	if err != nil {
		return err
	}
	var exists bool
	if err := ptx.QueryRow(ctx, `select exists(select 1 from wm_work_items where queue = $1)`, name).Scan(&exists); err != nil {
		return pgErr(ctx, err, "check queue")
	}
	if exists {
		return queue.ErrQueueNotEmpty
	}
	return nil
}

func (s *Store) Registry() queue.Registry { return pgRegistry{s} }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

type pgQueue struct {
	s    *Store
	name string
}

func (q *pgQueue) Name() string { return q.name }

func (q *pgQueue) Enqueue(ctx context.Context, tx queue.Tx, payload []byte) error {
	ptx, err := q.s.tx(tx)
	if err != nil {
		return err
	}
	_, err = ptx.Exec(ctx, `insert into wm_work_items(queue, payload) values ($1, $2)`, q.name, payload)
	return pgErr(ctx, err, "enqueue")
}

func (q *pgQueue) TryDequeue(ctx context.Context, tx queue.Tx) ([]byte, bool, error) {
	ptx, err := q.s.tx(tx)
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = ptx.QueryRow(ctx, `
    delete from wm_work_items
     where id = (select id from wm_work_items
                  where queue = $1
                  order by id
                  for update skip locked
                  limit 1)
    returning payload`, q.name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pgErr(ctx, err, "dequeue")
	}
	return payload, true, nil
}

func (q *pgQueue) Count(ctx context.Context) (int64, error) {
	var n int64
	err := q.s.db.QueryRow(ctx, `select count(*) from wm_work_items where queue = $1`, q.name).Scan(&n)
	return n, pgErr(ctx, err, "count")
}

type pgRegistry struct{ s *Store }

func (g pgRegistry) Contains(ctx context.Context, tx queue.Tx, name string) (bool, error) {
	ptx, err := g.s.tx(tx)
	if err != nil {
		return false, err
	}
	var ok bool
	err = ptx.QueryRow(ctx, `select exists(select 1 from wm_queue_registry where name = $1)`, name).Scan(&ok)
	return ok, pgErr(ctx, err, "registry lookup")
}

func (g pgRegistry) Add(ctx context.Context, tx queue.Tx, name string) error {
	ptx, err := g.s.tx(tx)
	if err != nil {
		return err
	}
	_, err = ptx.Exec(ctx, `insert into wm_queue_registry(name) values ($1) on conflict do nothing`, name)
	return pgErr(ctx, err, "registry add")
}

func (g pgRegistry) Remove(ctx context.Context, tx queue.Tx, name string) (bool, error) {
	ptx, err := g.s.tx(tx)
	if err != nil {
		return false, err
	}
	tag, err := ptx.Exec(ctx, `delete from wm_queue_registry where name = $1`, name)
	if err != nil {
		return false, pgErr(ctx, err, "registry remove")
	}
	return tag.RowsAffected() > 0, nil
}

func (g pgRegistry) List(ctx context.Context) ([]string, error) {
	rows, err := g.s.db.Query(ctx, `select name from wm_queue_registry order by name`)
	if err != nil {
		return nil, pgErr(ctx, err, "registry list")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, pgErr(ctx, err, "registry list")
}
