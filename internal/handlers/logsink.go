// Package handlers holds the work item handlers shipped with the API host.
package handlers

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/workmgr"
)

// LogSink writes every work item to a structured log and drops it.
type LogSink struct {
	log     *zap.Logger
	queue   string
	handled atomic.Int64
}

// NewLogSinkFactory returns a factory building one LogSink per handler scope.
func NewLogSinkFactory(logger *zap.Logger) workmgr.HandlerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(queue string) workmgr.Handler {
		l := logger.Named("logsink")
		if queue != "" {
			l = l.With(zap.String("queue", queue))
		}
		return &LogSink{log: l, queue: queue}
	}
}

func (s *LogSink) HandleWorkItem(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	fields := []zap.Field{zap.String("item_queue", item.QueueName())}
	if e, ok := item.(domain.Envelope); ok {
		fields = append(fields, zap.ByteString("payload", e.Payload), zap.Int("hops", e.Hops))
	}
	s.log.Info("work item", fields...)
	s.handled.Add(1)
	return nil, nil
}

// Handled returns how many items this sink has seen.
func (s *LogSink) Handled() int64 { return s.handled.Load() }

// Close logs a summary when the handler's scope ends.
func (s *LogSink) Close() error {
	s.log.Debug("log sink closed", zap.Int64("handled", s.handled.Load()))
	return nil
}
