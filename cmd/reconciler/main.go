package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/workq/internal/config"
	"github.com/SirClappington/workq/internal/queue"
	"github.com/SirClappington/workq/internal/reconcile"
	"github.com/SirClappington/workq/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, err := zap.NewProduction()
	if cfg.Dev() {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		rec    reconcile.Reconciler
		leader reconcile.Leader
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		rec = storage.New(db)
		leader = reconcile.NewPGLeader(db, reconcile.AdvisoryLockKey)
	case config.BackendRedis:
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		rec = queue.NewRedisStore(rdb, cfg.RedisPrefix)
		leader = reconcile.NewRedisLeader(rdb, cfg.RedisPrefix+"reconciler", 2*cfg.ReconcileInterval)
	default:
		logger.Fatal("reconciler needs a shared store", zap.String("backend", cfg.StoreBackend))
	}

	logger.Info("reconciler started",
		zap.String("backend", cfg.StoreBackend),
		zap.Duration("interval", cfg.ReconcileInterval))
	loop := reconcile.NewLoop(rec, leader, cfg.ReconcileInterval, nil, logger.Named("reconcile"))
	if err := loop.Run(ctx); err != nil {
		logger.Error("reconciler exited", zap.Error(err))
	}
}
