package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/workq/internal/config"
	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/handlers"
	"github.com/SirClappington/workq/internal/httpapi"
	"github.com/SirClappington/workq/internal/metrics"
	"github.com/SirClappington/workq/internal/queue"
	"github.com/SirClappington/workq/internal/storage"
	"github.com/SirClappington/workq/internal/workmgr"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Dev() {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return l.With(zap.String("app_env", cfg.AppEnv))
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logger.Info("store opened", zap.String("backend", cfg.StoreBackend))

	m, err := workmgr.New(store, handlers.NewLogSinkFactory(logger), cfg.WorkManager.Options(),
		workmgr.WithLogger(logger.Named("workmgr")))
	if err != nil {
		return err
	}
	if cfg.AutoStart {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: httpapi.NewRouter(m, logger.Named("http"), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return multierr.Append(errors.Wrap(err, "serve"), shutdownManager(cfg, m, logger))
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return multierr.Combine(srv.Shutdown(sctx), shutdownManager(cfg, m, logger))
}

// shutdownManager drains buffered work within the shutdown budget and falls
// back to a hard stop. Undrained items stay in the store for the next start.
func shutdownManager(cfg config.Config, m *workmgr.WorkManager, logger *zap.Logger) error {
	switch m.Status() {
	case domain.Working, domain.Paused:
	case domain.Draining:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return m.Stop(ctx)
	default:
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := m.DrainAndStop(ctx)
	if err == nil {
		return nil
	}
	logger.Warn("drain did not finish, stopping", zap.Error(err), zap.Int64("buffered", m.NumOfBufferedWorkItems()))
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	return m.Stop(sctx)
}

func openStore(ctx context.Context, cfg config.Config) (queue.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "ping redis")
		}
		return queue.NewRedisStore(rdb, cfg.RedisPrefix), nil
	case config.BackendPostgres:
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		if err := storage.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return storage.New(db), nil
	case config.BackendPebble:
		return queue.OpenPebbleStore(queue.PebbleOptions{Dir: cfg.PebbleDir, Sync: true})
	default:
		return queue.NewMemoryStore(), nil
	}
}
