package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// AdvisoryLockKey is the pg_advisory_lock key shared by all reconcilers.
const AdvisoryLockKey int64 = 0x776f726b71

// PGLeader elects via a session-level advisory lock. The lock lives on one
// pooled connection that is held for as long as this process leads.
type PGLeader struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewPGLeader(pool *pgxpool.Pool, key int64) *PGLeader {
	return &PGLeader{pool: pool, key: key}
}

func (l *PGLeader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// The session died and took the lock with it.
		l.conn.Release()
		l.conn = nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGLeader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	return errors.Wrap(err, "advisory unlock")
}

// RedisLeader elects with a SET NX lease that the holder renews on every
// tick. A crashed leader is replaced once the lease expires.
type RedisLeader struct {
	rdb *r.Client
	key string
	ttl time.Duration
	id  string
}

// renewScript extends the lease only while we still own it.
var renewScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

func NewRedisLeader(rdb *r.Client, key string, ttl time.Duration) *RedisLeader {
	return &RedisLeader{rdb: rdb, key: key, ttl: ttl, id: uuid.NewString()}
}

func (l *RedisLeader) TryLead(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "renew lease")
	}
	return n == 1, nil
}

func (l *RedisLeader) Release(ctx context.Context) error {
	return errors.Wrap(releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Err(), "release lease")
}
