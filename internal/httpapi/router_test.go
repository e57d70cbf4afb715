package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/queue"
	"github.com/SirClappington/workq/internal/workmgr"
)

type sink struct {
	mu    sync.Mutex
	items []domain.Envelope
	gate  chan struct{}
}

func (s *sink) factory(string) workmgr.Handler {
	return workmgr.HandlerFunc(func(_ context.Context, item domain.WorkItem) (domain.WorkItem, error) {
		if s.gate != nil {
			<-s.gate
		}
		s.mu.Lock()
		s.items = append(s.items, item.(domain.Envelope))
		s.mu.Unlock()
		return nil, nil
	})
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newServer(t *testing.T, s *sink, opts workmgr.Options) (*httptest.Server, *workmgr.WorkManager) {
	t.Helper()
	opts.IdleBackoff = 5 * time.Millisecond
	opts.PausePoll = 5 * time.Millisecond
	opts.DrainPoll = 5 * time.Millisecond
	m, err := workmgr.New(queue.NewMemoryStore(), s.factory, opts, workmgr.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(m, zaptest.NewLogger(t), http.NotFoundHandler()))
	t.Cleanup(func() {
		srv.Close()
		switch m.Status() {
		case domain.Working, domain.Paused, domain.Draining:
			_ = m.Stop(context.Background())
		}
	})
	return srv, m
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := &sink{}
	srv, m := newServer(t, s, workmgr.Options{})

	resp := post(t, srv.URL+"/v1/queues/orders/items", `{"id":1}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "posting before start")

	resp = post(t, srv.URL+"/v1/manager/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st workmgr.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, domain.Working, st.Status)

	resp = post(t, srv.URL+"/v1/manager/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/queues/orders/items", `{"id":1}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return s.len() == 1 }, 5*time.Second, time.Millisecond)
	assert.JSONEq(t, `{"id":1}`, string(s.items[0].Payload))
	assert.Equal(t, "orders", s.items[0].Queue)

	var queues struct {
		Queues []struct {
			Name  string `json:"name"`
			Depth int64  `json:"depth"`
		} `json:"queues"`
	}
	get(t, srv.URL+"/v1/queues", &queues)
	require.Len(t, queues.Queues, 1)
	assert.Equal(t, "orders", queues.Queues[0].Name)
	assert.Zero(t, queues.Queues[0].Depth)

	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/manager/pause", "").StatusCode)
	assert.Equal(t, domain.Paused, m.Status())
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/v1/queues/orders/items", `{}`).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/manager/resume", "").StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/manager/drain?timeout=5s", "").StatusCode)
	assert.Equal(t, domain.Stopped, m.Status())

	var health map[string]string
	resp = get(t, srv.URL+"/healthz", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "stopped", health["status"])
}

func TestPostValidation(t *testing.T) {
	srv, m := newServer(t, &sink{}, workmgr.Options{})
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/v1/queues/a/items", `{not json`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/queues/a/items", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/v1/manager/explode", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/v1/manager/drain?timeout=soon", "").StatusCode)
}

func TestCapacityIsBackpressure(t *testing.T) {
	s := &sink{gate: make(chan struct{})}
	srv, m := newServer(t, s, workmgr.Options{MaxNumOfBufferedWorkItems: 1})
	require.NoError(t, m.Start(context.Background()))
	defer close(s.gate)

	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/queues/a/items", `1`).StatusCode)
	resp := post(t, srv.URL+"/v1/queues/a/items", `2`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestDrainTimeoutLeavesManagerDraining(t *testing.T) {
	s := &sink{gate: make(chan struct{})}
	srv, m := newServer(t, s, workmgr.Options{})
	require.NoError(t, m.Start(context.Background()))
	defer close(s.gate)

	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/v1/queues/a/items", `1`).StatusCode)
	resp := post(t, srv.URL+"/v1/manager/drain?timeout=50ms", "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, domain.Draining, m.Status())

	var st workmgr.Stats
	get(t, srv.URL+"/v1/manager/stats", &st)
	assert.Equal(t, domain.Draining, st.Status)
	assert.Equal(t, int64(1), st.BufferedWorkItems)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(workmgr.ErrInvalidItem))
	assert.Equal(t, http.StatusConflict, statusFor(errors.Wrap(workmgr.ErrInvalidState, "x")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.Wrap(workmgr.ErrCapacity, "x")))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
