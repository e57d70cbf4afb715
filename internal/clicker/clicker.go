// Package clicker counts timestamped events over sliding windows without
// keeping histograms.
//
// A Clicker is a newest-first singly linked list hanging off a sentinel node.
// Writers prepend with a compare-and-swap on the sentinel's next pointer, so
// concurrent clicks are never lost. A background trim cuts the tail once it is
// older than the retention window and hands the cut nodes to a roll-up
// callback. Readers walk a snapshot of the list and never mutate it.
package clicker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Click is one counted event.
type Click struct {
	When  time.Time
	Value int64
}

type node struct {
	click Click
	next  atomic.Pointer[node]
}

// TrimFunc receives the clicks dropped by a trim, oldest first.
type TrimFunc func(discarded []Click)

type Clicker struct {
	clock   clock.WithTicker
	keepFor time.Duration
	onTrim  TrimFunc

	head   node
	trimMu sync.Mutex

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Clicker that retains clicks for keepFor. onTrim may be nil.
func New(clk clock.WithTicker, keepFor time.Duration, onTrim TrimFunc) *Clicker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Clicker{clock: clk, keepFor: keepFor, onTrim: onTrim}
}

// Click records a single event now.
func (c *Clicker) Click() { c.Add(Click{When: c.clock.Now(), Value: 1}) }

// ClickN records an event of weight n now.
func (c *Clicker) ClickN(n int64) { c.Add(Click{When: c.clock.Now(), Value: n}) }

// Add prepends a click.
func (c *Clicker) Add(click Click) {
	n := &node{click: click}
	for {
		first := c.head.next.Load()
		n.next.Store(first)
		if c.head.next.CompareAndSwap(first, n) {
			return
		}
	}
}

// Snapshot returns the clicks newer than now-window, newest first.
func (c *Clicker) Snapshot(window time.Duration) []Click {
	cutoff := c.clock.Now().Add(-window)
	var out []Click
	for n := c.head.next.Load(); n != nil; n = n.next.Load() {
		if n.click.When.Before(cutoff) {
			break
		}
		out = append(out, n.click)
	}
	return out
}

// Count sums click values inside the window.
func (c *Clicker) Count(window time.Duration) int64 {
	return Do(c, window, int64(0), func(acc int64, click Click) int64 { return acc + click.Value })
}

// Do folds fn over a snapshot of the clicks inside the window.
func Do[T any](c *Clicker, window time.Duration, seed T, fn func(T, Click) T) T {
	acc := seed
	for _, click := range c.Snapshot(window) {
		acc = fn(acc, click)
	}
	return acc
}

// Trim drops clicks older than the retention window and returns how many
// were dropped.
func (c *Clicker) Trim() int {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	cutoff := c.clock.Now().Add(-c.keepFor)
	for {
		prev := &c.head
		cur := prev.next.Load()
		for cur != nil && !cur.click.When.Before(cutoff) {
			prev = cur
			cur = cur.next.Load()
		}
		if cur == nil {
			return 0
		}
		if prev == &c.head {
			// Writers race on the sentinel; retry if one got in first.
			if !c.head.next.CompareAndSwap(cur, nil) {
				continue
			}
		} else {
			prev.next.Store(nil)
		}

		var discarded []Click
		for n := cur; n != nil; n = n.next.Load() {
			discarded = append(discarded, n.click)
		}
		for i, j := 0, len(discarded)-1; i < j; i, j = i+1, j-1 {
			discarded[i], discarded[j] = discarded[j], discarded[i]
		}
		if c.onTrim != nil {
			c.onTrim(discarded)
		}
		return len(discarded)
	}
}

// Start runs the trim loop every retention window until Stop.
func (c *Clicker) Start() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	ticker := c.clock.NewTicker(c.keepFor)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.Trim()
			}
		}
	}()
}

// Stop ends the trim loop and waits for it.
func (c *Clicker) Stop() {
	c.stopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
