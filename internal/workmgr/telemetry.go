package workmgr

import (
	"context"

	"github.com/SirClappington/workq/internal/domain"
)

// Telemetry getters are computed from the click windows on every call.

func (m *WorkManager) TotalPostedLastMinute() int64    { return m.posted.LastMinute() }
func (m *WorkManager) TotalPostedLastHour() int64      { return m.posted.LastHour() }
func (m *WorkManager) TotalProcessedLastMinute() int64 { return m.processed.LastMinute() }
func (m *WorkManager) TotalProcessedLastHour() int64   { return m.processed.LastHour() }

func (m *WorkManager) AveragePostedPerMinLastHour() float64 {
	return m.posted.AveragePerMinuteLastHour()
}

func (m *WorkManager) AverageProcessedPerMinLastHour() float64 {
	return m.processed.AveragePerMinuteLastHour()
}

// NumOfBufferedWorkItems is the number of posted items not yet processed.
func (m *WorkManager) NumOfBufferedWorkItems() int64 { return m.buffered.Load() }

func (m *WorkManager) NumOfActiveQueues() int { return m.qm.LiveCount() }

func (m *WorkManager) NumOfExecuters() int {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return len(m.executers)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Status                         domain.Status      `json:"status"`
	HandlerMode                    domain.HandlerMode `json:"handlerMode"`
	BufferedWorkItems              int64              `json:"bufferedWorkItems"`
	ActiveQueues                   int                `json:"activeQueues"`
	Executers                      int                `json:"executers"`
	MaxNumOfWorkers                int                `json:"maxNumOfWorkers"`
	MaxNumOfBufferedWorkItems      int64              `json:"maxNumOfBufferedWorkItems"`
	TotalPostedLastMinute          int64              `json:"totalPostedLastMinute"`
	TotalPostedLastHour            int64              `json:"totalPostedLastHour"`
	TotalProcessedLastMinute       int64              `json:"totalProcessedLastMinute"`
	TotalProcessedLastHour         int64              `json:"totalProcessedLastHour"`
	AveragePostedPerMinLastHour    float64            `json:"averagePostedPerMinLastHour"`
	AverageProcessedPerMinLastHour float64            `json:"averageProcessedPerMinLastHour"`
	AvailableQueues                int                `json:"availableQueues"`
	DeferredPending                int                `json:"deferredPending"`
	ExecuterFailures               int64              `json:"executerFailures"`
	DeferredFailures               int64              `json:"deferredFailures"`
	LastExecuterError              string             `json:"lastExecuterError,omitempty"`
}

func (m *WorkManager) Stats() Stats {
	st := Stats{
		Status:                         m.Status(),
		HandlerMode:                    m.HandlerMode(),
		BufferedWorkItems:              m.NumOfBufferedWorkItems(),
		ActiveQueues:                   m.NumOfActiveQueues(),
		Executers:                      m.NumOfExecuters(),
		MaxNumOfWorkers:                m.opts.MaxNumOfWorkers,
		MaxNumOfBufferedWorkItems:      m.opts.MaxNumOfBufferedWorkItems,
		TotalPostedLastMinute:          m.TotalPostedLastMinute(),
		TotalPostedLastHour:            m.TotalPostedLastHour(),
		TotalProcessedLastMinute:       m.TotalProcessedLastMinute(),
		TotalProcessedLastHour:         m.TotalProcessedLastHour(),
		AveragePostedPerMinLastHour:    m.AveragePostedPerMinLastHour(),
		AverageProcessedPerMinLastHour: m.AverageProcessedPerMinLastHour(),
		AvailableQueues:                m.qm.Available(),
		DeferredPending:                m.deferred.Pending(),
		ExecuterFailures:               m.executerFailures.Load(),
		DeferredFailures:               m.deferredFailures.Load(),
	}
	if err := m.lastExecuterError(); err != nil {
		st.LastExecuterError = err.Error()
	}
	return st
}

// QueueDepths returns the committed item count of every live queue.
func (m *WorkManager) QueueDepths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, q := range m.qm.Queues() {
		n, err := q.Count(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Name()] = n
	}
	return out, nil
}
