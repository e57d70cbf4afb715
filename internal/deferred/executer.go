// Package deferred runs administrative work (scale decisions, handler
// teardown) one item at a time on a single background goroutine, away from
// the latency-sensitive post and dequeue paths.
package deferred

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDraining is returned by AddWork once Drain has been called.
var ErrDraining = errors.New("deferred: executer is draining")

// Work is one unit of deferred work.
type Work func(ctx context.Context) error

// Executer is a single-consumer, unbounded work queue.
type Executer struct {
	log     *zap.Logger
	onError func(error)

	mu       sync.Mutex
	queue    []Work
	draining bool
	started  bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an idle executer. onError receives errors and recovered panics
// from work items; the loop keeps going after reporting them. With a nil
// onError they are logged at warn level instead.
func New(logger *zap.Logger, onError func(error)) *Executer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executer{
		log:     logger,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background loop. Calling it twice is a no-op.
func (e *Executer) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.loop()
}

// AddWork queues w. It never blocks.
func (e *Executer) AddWork(w Work) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return ErrDraining
	}
	e.queue = append(e.queue, w)
	e.mu.Unlock()
	e.signal()
	return nil
}

// Pending returns the number of queued, not yet started items.
func (e *Executer) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Drain stops accepting work, lets the queued items finish and waits for the
// loop to exit. If ctx ends first the loop is cancelled and ctx's error returned.
func (e *Executer) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	started := e.started
	e.mu.Unlock()
	if !started {
		e.cancel()
		return nil
	}
	e.signal()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-e.done
		return ctx.Err()
	}
}

func (e *Executer) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executer) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			draining := e.draining
			e.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-e.wake:
				continue
			case <-e.ctx.Done():
				return
			}
		}
		w := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.run(w); err != nil {
			if e.onError != nil {
				e.onError(err)
			} else {
				e.log.Warn("deferred work failed", zap.Error(err))
			}
		}
		if e.ctx.Err() != nil {
			return
		}
	}
}

func (e *Executer) run(w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return w(e.ctx)
}
