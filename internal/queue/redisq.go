package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisStore keeps each queue in a Redis list. Producers LPUSH, consumers
// LMOVE the tail into a per-queue in-flight list so a crashed consumer's item
// survives; Commit trims the in-flight list and Rollback moves the items back
// to the tail. Pending writes are flushed with a MULTI/EXEC pipeline.
type RedisStore struct {
	rdb    *r.Client
	prefix string

	mu     sync.Mutex
	opened map[string]bool
}

func NewRedisStore(rdb *r.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workq:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, opened: make(map[string]bool)}
}

// Pending and in-flight lists live under disjoint prefixes so that no queue
// name can address another queue's in-flight list.
func (s *RedisStore) queueKey(name string) string    { return s.prefix + "q:" + name }
func (s *RedisStore) inflightKey(name string) string { return s.prefix + "inflight:" + name }
func (s *RedisStore) registryKey() string            { return s.prefix + "registry" }

func redisErr(ctx context.Context, err error, msg string) error {
	if cerr := ctx.Err(); cerr != nil {
		return ctxErr(cerr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ctxErr(err)
	}
	return errors.Wrap(err, msg)
}

type redisTx struct {
	s       *RedisStore
	done    bool
	taken   map[string]int
	pending []func(ctx context.Context, pipe r.Pipeliner)
}

func (s *RedisStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	return &redisTx{s: s, taken: make(map[string]int)}, nil
}

func (s *RedisStore) tx(tx Tx) (*redisTx, error) {
	t, ok := tx.(*redisTx)
	if !ok || t.s != s {
		return nil, ErrForeignTx
	}
	if t.done {
		return nil, ErrTxDone
	}
	return t, nil
}

// OpenQueue returns a handle. The first open in this process moves items left
// in the in-flight list by a previous process back onto the queue.
func (s *RedisStore) OpenQueue(ctx context.Context, name string) (Queue, error) {
	s.mu.Lock()
	first := !s.opened[name]
	s.opened[name] = true
	s.mu.Unlock()

	if first {
		if err := s.restoreInflight(ctx, name, -1); err != nil {
			s.mu.Lock()
			delete(s.opened, name)
			s.mu.Unlock()
			return nil, err
		}
	}
	return &redisQueue{s: s, name: name}, nil
}

// restoreInflight moves up to n (all when n < 0) in-flight items back to the
// consuming end of the queue, newest first, so the original order holds.
func (s *RedisStore) restoreInflight(ctx context.Context, name string, n int) error {
	for i := 0; n < 0 || i < n; i++ {
		err := s.rdb.LMove(ctx, s.inflightKey(name), s.queueKey(name), "LEFT", "RIGHT").Err()
		if errors.Is(err, r.Nil) {
			return nil
		}
		if err != nil {
			return redisErr(ctx, err, "restore in-flight items")
		}
	}
	return nil
}

// DropQueue only verifies the queue is empty: Redis deletes empty lists by
// itself, and an explicit DEL could erase an item committed after the check.
func (s *RedisStore) DropQueue(ctx context.Context, tx Tx, name string) error {
	if _, err := s.tx(tx); err != nil {
		return err
	}
	n, err := s.rdb.LLen(ctx, s.queueKey(name)).Result()
	if err != nil {
		return redisErr(ctx, err, "count queue")
	}
	if n > 0 {
		return ErrQueueNotEmpty
	}
	return nil
}

func (s *RedisStore) Registry() Registry { return redisRegistry{s} }

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (t *redisTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.pending) == 0 && len(t.taken) == 0 {
		return nil
	}
	pipe := t.s.rdb.TxPipeline()
	for name, n := range t.taken {
		pipe.LPopCount(ctx, t.s.inflightKey(name), n)
	}
	for _, op := range t.pending {
		op(ctx, pipe)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, r.Nil) {
		return redisErr(ctx, err, "commit")
	}
	return nil
}

func (t *redisTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	var firstErr error
	for name, n := range t.taken {
		// A cancelled caller context must not strand the items.
		if err := t.s.restoreInflight(context.WithoutCancel(ctx), name, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type redisQueue struct {
	s    *RedisStore
	name string
}

func (q *redisQueue) Name() string { return q.name }

func (q *redisQueue) Enqueue(ctx context.Context, tx Tx, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	t, err := q.s.tx(tx)
	if err != nil {
		return err
	}
	key := q.s.queueKey(q.name)
	val := append([]byte(nil), payload...)
	t.pending = append(t.pending, func(ctx context.Context, pipe r.Pipeliner) {
		pipe.LPush(ctx, key, val)
	})
	return nil
}

func (q *redisQueue) TryDequeue(ctx context.Context, tx Tx) ([]byte, bool, error) {
	t, err := q.s.tx(tx)
	if err != nil {
		return nil, false, err
	}
	val, err := q.s.rdb.LMove(ctx, q.s.queueKey(q.name), q.s.inflightKey(q.name), "RIGHT", "LEFT").Bytes()
	if errors.Is(err, r.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr(ctx, err, "dequeue")
	}
	t.taken[q.name]++
	return val, true, nil
}

func (q *redisQueue) Count(ctx context.Context) (int64, error) {
	n, err := q.s.rdb.LLen(ctx, q.s.queueKey(q.name)).Result()
	if err != nil {
		return 0, redisErr(ctx, err, "count queue")
	}
	return n, nil
}

type redisRegistry struct{ s *RedisStore }

func (g redisRegistry) Contains(ctx context.Context, tx Tx, name string) (bool, error) {
	if _, err := g.s.tx(tx); err != nil {
		return false, err
	}
	ok, err := g.s.rdb.HExists(ctx, g.s.registryKey(), name).Result()
	if err != nil {
		return false, redisErr(ctx, err, "registry lookup")
	}
	return ok, nil
}

func (g redisRegistry) Add(ctx context.Context, tx Tx, name string) error {
	t, err := g.s.tx(tx)
	if err != nil {
		return err
	}
	key := g.s.registryKey()
	t.pending = append(t.pending, func(ctx context.Context, pipe r.Pipeliner) {
		pipe.HSet(ctx, key, name, 1)
	})
	return nil
}

func (g redisRegistry) Remove(ctx context.Context, tx Tx, name string) (bool, error) {
	ok, err := g.Contains(ctx, tx, name)
	if err != nil {
		return false, err
	}
	t, _ := g.s.tx(tx)
	key := g.s.registryKey()
	t.pending = append(t.pending, func(ctx context.Context, pipe r.Pipeliner) {
		pipe.HDel(ctx, key, name)
	})
	return ok, nil
}

func (g redisRegistry) List(ctx context.Context) ([]string, error) {
	names, err := g.s.rdb.HKeys(ctx, g.s.registryKey()).Result()
	if err != nil {
		return nil, redisErr(ctx, err, "registry list")
	}
	return names, nil
}

// ReconcileRegistry registers every queue that has a list (pending or
// in-flight) but no registry entry. It returns the number of names added.
func (s *RedisStore) ReconcileRegistry(ctx context.Context) (int64, error) {
	seen := make(map[string]struct{})
	for _, p := range []string{s.prefix + "q:", s.prefix + "inflight:"} {
		iter := s.rdb.Scan(ctx, 0, p+"*", 256).Iterator()
		for iter.Next(ctx) {
			seen[strings.TrimPrefix(iter.Val(), p)] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			return 0, redisErr(ctx, err, "scan queues")
		}
	}
	var added int64
	for name := range seen {
		ok, err := s.rdb.HSetNX(ctx, s.registryKey(), name, 1).Result()
		if err != nil {
			return added, redisErr(ctx, err, "reconcile registry")
		}
		if ok {
			added++
		}
	}
	return added, nil
}
