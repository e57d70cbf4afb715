package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/workq/internal/domain"
	"github.com/SirClappington/workq/internal/workmgr"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
)

type Config struct {
	AppEnv            string        `env:"APP_ENV" envDefault:"prod"`
	APIAddr           string        `env:"API_ADDR" envDefault:":8080"`
	StoreBackend      string        `env:"STORE_BACKEND" envDefault:"memory"`
	PostgresDSN       string        `env:"POSTGRES_DSN"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisPrefix       string        `env:"REDIS_PREFIX" envDefault:"workq:"`
	PebbleDir         string        `env:"PEBBLE_DIR" envDefault:"data/workq"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	AutoStart         bool          `env:"AUTO_START" envDefault:"true"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	WorkManager WorkManager `envPrefix:"WM_"`
}

// WorkManager mirrors workmgr.Options. Zero values fall back to the
// library defaults.
type WorkManager struct {
	MaxNumOfWorkers           int                `env:"MAX_NUM_OF_WORKERS"`
	MaxNumOfBufferedWorkItems int64              `env:"MAX_NUM_OF_BUFFERED_WORK_ITEMS"`
	YieldQueueAfter           int                `env:"YIELD_QUEUE_AFTER"`
	RemoveEmptyQueueAfter     time.Duration      `env:"REMOVE_EMPTY_QUEUE_AFTER"`
	HandlerMode               domain.HandlerMode `env:"HANDLER_MODE" envDefault:"singleton"`
	DequeueTimeout            time.Duration      `env:"DEQUEUE_TIMEOUT"`
	IdleBackoff               time.Duration      `env:"IDLE_BACKOFF"`
	PausePoll                 time.Duration      `env:"PAUSE_POLL"`
	DrainPoll                 time.Duration      `env:"DRAIN_POLL"`
}

func (w WorkManager) Options() workmgr.Options {
	return workmgr.Options{
		MaxNumOfWorkers:           w.MaxNumOfWorkers,
		MaxNumOfBufferedWorkItems: w.MaxNumOfBufferedWorkItems,
		YieldQueueAfter:           w.YieldQueueAfter,
		RemoveEmptyQueueAfter:     w.RemoveEmptyQueueAfter,
		HandlerMode:               w.HandlerMode,
		DequeueTimeout:            w.DequeueTimeout,
		IdleBackoff:               w.IdleBackoff,
		PausePoll:                 w.PausePoll,
		DrainPoll:                 w.DrainPoll,
	}
}

// Dev reports whether APP_ENV selects development logging.
func (c Config) Dev() bool { return c.AppEnv == "dev" }

// Parse reads the environment and checks that the selected backend has what
// it needs.
func Parse() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendPebble:
		if c.PebbleDir == "" {
			return errors.New("PEBBLE_DIR is required for the pebble backend")
		}
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
