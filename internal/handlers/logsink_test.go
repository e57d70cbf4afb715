package handlers

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/workq/internal/domain"
)

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewLogSinkFactory(zap.New(core))("orders")

	next, err := h.HandleWorkItem(context.Background(), domain.Envelope{
		Queue:   "orders",
		Payload: json.RawMessage(`{"id":1}`),
		Hops:    2,
	})
	require.NoError(t, err)
	assert.Nil(t, next)

	entries := logs.FilterMessage("work item").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "orders", ctx["queue"])
	assert.Equal(t, "orders", ctx["item_queue"])
	assert.Equal(t, `{"id":1}`, ctx["payload"])
	assert.EqualValues(t, 2, ctx["hops"])

	sink := h.(*LogSink)
	assert.Equal(t, int64(1), sink.Handled())
	require.Implements(t, (*io.Closer)(nil), h)
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, logs.FilterMessage("log sink closed").Len())
}

func TestLogSinkSingletonScope(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewLogSinkFactory(zap.New(core))("")
	_, err := h.HandleWorkItem(context.Background(), domain.Envelope{Queue: "x"})
	require.NoError(t, err)

	ctx := logs.All()[0].ContextMap()
	_, scoped := ctx["queue"]
	assert.False(t, scoped)
	assert.Equal(t, "x", ctx["item_queue"])
}
