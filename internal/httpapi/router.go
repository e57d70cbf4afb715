// Package httpapi is the HTTP surface of the API host: posting work items,
// driving the work manager lifecycle and reading telemetry.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/workmgr"
)

const (
	maxPayloadBytes     = 1 << 20
	defaultDrainTimeout = 30 * time.Second
	retryAfterSeconds   = 1
)

// Manager is the part of *workmgr.WorkManager the router drives.
type Manager interface {
	Status() domain.Status
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	DrainAndStop(ctx context.Context) error
	Stop(ctx context.Context) error
	PostWorkItem(ctx context.Context, item domain.WorkItem) error
	Stats() workmgr.Stats
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

type api struct {
	m   Manager
	log *zap.Logger
}

// NewRouter wires every route. metrics may be nil.
func NewRouter(m Manager, logger *zap.Logger, metrics http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{m: m, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/queues/{queue}/items", a.postItem)
		r.Get("/queues", a.listQueues)
		r.Get("/manager/stats", a.stats)
		r.Post("/manager/{action}", a.control)
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := a.m.Status()
	code := http.StatusOK
	if status == domain.Stopped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status.String()})
}

func (a *api) postItem(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, errors.Wrap(workmgr.ErrInvalidItem, err.Error()))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, errors.Wrap(workmgr.ErrInvalidItem, "payload is not valid JSON"))
		return
	}
	item := domain.Envelope{Queue: queue, Payload: body}
	if err := a.m.PostWorkItem(r.Context(), item); err != nil {
		a.log.Warn("post work item failed", zap.String("queue", queue), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue": queue})
}

type queueDepth struct {
	Name  string `json:"name"`
	Depth int64  `json:"depth"`
}

func (a *api) listQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := a.m.QueueDepths(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]queueDepth, 0, len(depths))
	for name, n := range depths {
		out = append(out, queueDepth{Name: name, Depth: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.m.Stats())
}

func (a *api) control(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		err = a.m.Start(ctx)
	case "pause":
		err = a.m.Pause(ctx)
	case "resume":
		err = a.m.Resume(ctx)
	case "stop":
		err = a.m.Stop(ctx)
	case "drain":
		timeout := defaultDrainTimeout
		if v := r.URL.Query().Get("timeout"); v != "" {
			if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid timeout " + strconv.Quote(v)})
				return
			}
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err = a.m.DrainAndStop(dctx)
		cancel()
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + strconv.Quote(action)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	a.log.Info("work manager control", zap.String("action", chi.URLParam(r, "action")), zap.Stringer("status", a.m.Status()))
	writeJSON(w, http.StatusOK, a.m.Stats())
}
