// Package metrics exposes WorkManager telemetry as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/workmgr"
)

const collectTimeout = 5 * time.Second

var (
	descBuffered = prometheus.NewDesc(
		"workq_buffered_work_items",
		"Number of posted work items not yet processed.",
		nil, nil,
	)
	descCapacity = prometheus.NewDesc(
		"workq_buffered_work_items_limit",
		"Buffered work item count at which posts are rejected.",
		nil, nil,
	)
	descQueues = prometheus.NewDesc(
		"workq_active_queues",
		"Number of live queues.",
		nil, nil,
	)
	descExecuters = prometheus.NewDesc(
		"workq_executers",
		"Number of running work executers.",
		nil, nil,
	)
	descMaxWorkers = prometheus.NewDesc(
		"workq_executers_limit",
		"Upper bound of the executer pool.",
		nil, nil,
	)
	descWindow = prometheus.NewDesc(
		"workq_work_items",
		"Work items seen in the trailing window, by kind.",
		[]string{"kind", "window"}, nil,
	)
	descRate = prometheus.NewDesc(
		"workq_work_items_per_minute",
		"Average work items per minute over the last hour, by kind.",
		[]string{"kind"}, nil,
	)
	descStatus = prometheus.NewDesc(
		"workq_status",
		"Current lifecycle status of the work manager (1 for the active one).",
		[]string{"status"}, nil,
	)
	descAvailable = prometheus.NewDesc(
		"workq_available_queues",
		"Live queues waiting for an executer.",
		nil, nil,
	)
	descDeferred = prometheus.NewDesc(
		"workq_deferred_pending",
		"Administrative tasks queued on the deferred executer.",
		nil, nil,
	)
	descFailures = prometheus.NewDesc(
		"workq_failures_total",
		"Executer loops ended by a store error and failed deferred tasks, by source.",
		[]string{"source"}, nil,
	)
	descDepth = prometheus.NewDesc(
		"workq_queue_depth",
		"Committed work items per live queue.",
		[]string{"queue"}, nil,
	)
)

var statuses = []domain.Status{domain.New, domain.Working, domain.Paused, domain.Draining, domain.Stopped}

// Source is the view of a work manager the collector reads.
type Source interface {
	Stats() workmgr.Stats
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

type collector struct {
	src Source
}

var _ prometheus.Collector = &collector{}

// NewCollector returns a collector that snapshots src on every scrape.
func NewCollector(src Source) prometheus.Collector {
	return &collector{src: src}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descBuffered
	ch <- descCapacity
	ch <- descQueues
	ch <- descExecuters
	ch <- descMaxWorkers
	ch <- descWindow
	ch <- descRate
	ch <- descStatus
	ch <- descAvailable
	ch <- descDeferred
	ch <- descFailures
	ch <- descDepth
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(descBuffered, float64(st.BufferedWorkItems))
	gauge(descCapacity, float64(st.MaxNumOfBufferedWorkItems))
	gauge(descQueues, float64(st.ActiveQueues))
	gauge(descExecuters, float64(st.Executers))
	gauge(descMaxWorkers, float64(st.MaxNumOfWorkers))
	gauge(descWindow, float64(st.TotalPostedLastMinute), "posted", "1m")
	gauge(descWindow, float64(st.TotalPostedLastHour), "posted", "1h")
	gauge(descWindow, float64(st.TotalProcessedLastMinute), "processed", "1m")
	gauge(descWindow, float64(st.TotalProcessedLastHour), "processed", "1h")
	gauge(descRate, st.AveragePostedPerMinLastHour, "posted")
	gauge(descRate, st.AverageProcessedPerMinLastHour, "processed")
	for _, s := range statuses {
		v := 0.0
		if s == st.Status {
			v = 1
		}
		gauge(descStatus, v, s.String())
	}
	gauge(descAvailable, float64(st.AvailableQueues))
	gauge(descDeferred, float64(st.DeferredPending))
	ch <- prometheus.MustNewConstMetric(descFailures, prometheus.CounterValue, float64(st.ExecuterFailures), "executer")
	ch <- prometheus.MustNewConstMetric(descFailures, prometheus.CounterValue, float64(st.DeferredFailures), "deferred")

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	depths, err := c.src.QueueDepths(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(descDepth, err)
		return
	}
	for name, n := range depths {
		gauge(descDepth, float64(n), name)
	}
}
