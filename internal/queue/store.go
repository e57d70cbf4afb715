// Package queue defines the durable, transactional queue store the work
// manager runs on and ships the in-memory, Redis and Pebble backends.
//
// A Store owns named FIFO queues plus a registry of queue names. Writes made
// through a Tx (enqueues, registry changes, drops) become visible on Commit.
// A dequeued item is removed on Commit and goes back to the head of its queue
// on Rollback. Callers must not dequeue from the same queue in two open
// transactions at once; the work manager guarantees this by handing each queue
// to a single executer.
package queue

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when a store call runs past its context deadline.
	// It is expected under contention and safe to retry.
	ErrTimeout = errors.New("queue: operation timed out")
	// ErrQueueNotEmpty is returned by DropQueue when the queue still holds items.
	ErrQueueNotEmpty = errors.New("queue: queue is not empty")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("queue: transaction already committed or rolled back")
	// ErrForeignTx is returned when a transaction from another store is passed in.
	ErrForeignTx = errors.New("queue: transaction belongs to a different store")
	// ErrInvalidQueueName is returned for names a backend cannot key.
	ErrInvalidQueueName = errors.New("queue: invalid queue name")
)

// Tx groups store writes into one atomic unit.
type Tx interface {
	Commit(ctx context.Context) error
	// Rollback discards pending writes. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// Queue is a handle to one named queue.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, tx Tx, payload []byte) error
	// TryDequeue returns ok=false when the queue is empty.
	TryDequeue(ctx context.Context, tx Tx) (payload []byte, ok bool, err error)
	// Count returns the number of committed items.
	Count(ctx context.Context) (int64, error)
}

// Registry is the durable set of queue names used to rebuild the queue list
// after a restart.
type Registry interface {
	Contains(ctx context.Context, tx Tx, name string) (bool, error)
	Add(ctx context.Context, tx Tx, name string) error
	// Remove reports whether the name was present.
	Remove(ctx context.Context, tx Tx, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Store is the durable transactional queue store.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// OpenQueue returns a handle for name, creating backing state if needed.
	OpenQueue(ctx context.Context, name string) (Queue, error)
	// DropQueue clears the queue's backing state when tx commits. It fails
	// with ErrQueueNotEmpty if the queue holds committed items.
	DropQueue(ctx context.Context, tx Tx, name string) error
	Registry() Registry
	Close() error
}

// IsTimeout reports whether err is a deadline or ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// ctxErr maps context errors onto the store taxonomy.
func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return err
}
