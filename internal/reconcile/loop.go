// Package reconcile repairs the queue registry of a shared store. Only the
// elected leader among running reconcilers does the work on each tick.
package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Reconciler registers queues that hold items but lack a registry entry.
type Reconciler interface {
	ReconcileRegistry(ctx context.Context) (int64, error)
}

// Leader reports whether this process currently holds leadership, trying to
// acquire it if not.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Loop struct {
	rec      Reconciler
	leader   Leader
	interval time.Duration
	clock    clock.WithTicker
	log      *zap.Logger
}

func NewLoop(rec Reconciler, leader Leader, interval time.Duration, clk clock.WithTicker, logger *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{rec: rec, leader: leader, interval: interval, clock: clk, log: logger}
}

// RunOnce performs one tick. led is false when another process is leader.
func (l *Loop) RunOnce(ctx context.Context) (added int64, led bool, err error) {
	led, err = l.leader.TryLead(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "leader election")
	}
	if !led {
		return 0, false, nil
	}
	added, err = l.rec.ReconcileRegistry(ctx)
	return added, true, errors.Wrap(err, "reconcile")
}

// Run ticks until ctx ends, then releases leadership.
func (l *Loop) Run(ctx context.Context) error {
	t := l.clock.NewTicker(l.interval)
	defer t.Stop()
	defer func() {
		if err := l.leader.Release(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("releasing leadership failed", zap.Error(err))
		}
	}()

	for {
		added, led, err := l.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			l.log.Error("reconcile tick failed", zap.Error(err))
		case added > 0:
			l.log.Info("registry repaired", zap.Int64("added", added))
		case led:
			l.log.Debug("registry consistent")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
		}
	}
}
