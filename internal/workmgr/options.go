package workmgr

import (
	"runtime"
	"time"

	"github.com/SirClappington/workq/internal/domain"
)

const (
	// MaxWorkersCeiling bounds Options.MaxNumOfWorkers.
	MaxWorkersCeiling = 1024
	// MaxBufferedCeiling bounds Options.MaxNumOfBufferedWorkItems.
	MaxBufferedCeiling = 1_000_000

	DefaultMaxNumOfBufferedWorkItems = 10_000
	DefaultYieldQueueAfter           = 10
	DefaultRemoveEmptyQueueAfter     = 30 * time.Second
	DefaultDequeueTimeout            = 2 * time.Second
	DefaultIdleBackoff               = 250 * time.Millisecond
	DefaultPausePoll                 = 100 * time.Millisecond
	DefaultDrainPoll                 = 100 * time.Millisecond
)

// Options configures a WorkManager. Zero values take defaults.
type Options struct {
	// MaxNumOfWorkers caps the executer pool. Defaults to 2 x NumCPU.
	MaxNumOfWorkers int
	// MaxNumOfBufferedWorkItems rejects posts once this many items are buffered.
	MaxNumOfBufferedWorkItems int64
	// YieldQueueAfter is the number of items an executer takes from one queue
	// before handing it back.
	YieldQueueAfter int
	// RemoveEmptyQueueAfter is the grace period between the two empty
	// observations that remove a queue.
	RemoveEmptyQueueAfter time.Duration
	HandlerMode           domain.HandlerMode

	// DequeueTimeout bounds a single dequeue call.
	DequeueTimeout time.Duration
	// IdleBackoff is how long an executer sleeps when it finds no queue, or
	// finds its queue empty.
	IdleBackoff time.Duration
	// PausePoll is the sleep interval of a paused executer.
	PausePoll time.Duration
	// DrainPoll is how often DrainAndStop checks the buffered count.
	DrainPoll time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxNumOfWorkers <= 0 {
		o.MaxNumOfWorkers = runtime.NumCPU() * 2
	}
	if o.MaxNumOfWorkers > MaxWorkersCeiling {
		o.MaxNumOfWorkers = MaxWorkersCeiling
	}
	if o.MaxNumOfBufferedWorkItems <= 0 {
		o.MaxNumOfBufferedWorkItems = DefaultMaxNumOfBufferedWorkItems
	}
	if o.MaxNumOfBufferedWorkItems > MaxBufferedCeiling {
		o.MaxNumOfBufferedWorkItems = MaxBufferedCeiling
	}
	if o.YieldQueueAfter <= 0 {
		o.YieldQueueAfter = DefaultYieldQueueAfter
	}
	if o.RemoveEmptyQueueAfter <= 0 {
		o.RemoveEmptyQueueAfter = DefaultRemoveEmptyQueueAfter
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = DefaultDequeueTimeout
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = DefaultIdleBackoff
	}
	if o.PausePoll <= 0 {
		o.PausePoll = DefaultPausePoll
	}
	if o.DrainPoll <= 0 {
		o.DrainPoll = DefaultDrainPoll
	}
	return o
}
