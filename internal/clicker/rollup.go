package clicker

import (
	"time"

	"k8s.io/utils/clock"
)

// Rollup keeps per-event clicks for a minute and folds trimmed minutes into
// an hourly clicker, one summed click per trim.
type Rollup struct {
	minute *Clicker
	hour   *Clicker
}

func NewRollup(clk clock.WithTicker) *Rollup {
	hour := New(clk, time.Hour, nil)
	minute := New(clk, time.Minute, func(discarded []Click) {
		var sum int64
		for _, c := range discarded {
			sum += c.Value
		}
		hour.Add(Click{When: discarded[len(discarded)-1].When, Value: sum})
	})
	return &Rollup{minute: minute, hour: hour}
}

func (r *Rollup) Click()         { r.minute.Click() }
func (r *Rollup) ClickN(n int64) { r.minute.ClickN(n) }

func (r *Rollup) LastMinute() int64 { return r.minute.Count(time.Minute) }

func (r *Rollup) LastHour() int64 {
	return r.hour.Count(time.Hour) + r.minute.Count(time.Hour)
}

// AveragePerMinuteLastHour spreads LastHour over sixty minutes.
func (r *Rollup) AveragePerMinuteLastHour() float64 {
	return float64(r.LastHour()) / 60
}

// Trim trims the minute clicker, then the hour clicker.
func (r *Rollup) Trim() {
	r.minute.Trim()
	r.hour.Trim()
}

func (r *Rollup) Start() {
	r.minute.Start()
	r.hour.Start()
}

func (r *Rollup) Stop() {
	r.minute.Stop()
	r.hour.Stop()
}
