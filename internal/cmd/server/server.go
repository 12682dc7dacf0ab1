// Package server parses server command flags and starts the API runtime.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/temporalstate/temporalstate/internal/api/httpapi"
	"github.com/temporalstate/temporalstate/internal/cache"
	"github.com/temporalstate/temporalstate/internal/engine"
	"github.com/temporalstate/temporalstate/internal/notify"
	entrypoint "github.com/temporalstate/temporalstate/internal/platform/cmd"
	"github.com/temporalstate/temporalstate/internal/storage/sqlite"
)

// Config holds server command configuration.
type Config struct {
	Port               int           `env:"TEMPORALSTATE_PORT" envDefault:"8080"`
	Addr               string        `env:"TEMPORALSTATE_ADDR"`
	DBPath             string        `env:"TEMPORALSTATE_DB_PATH"`
	RedisAddr          string        `env:"TEMPORALSTATE_REDIS_ADDR"`
	NATSURL            string        `env:"TEMPORALSTATE_NATS_URL"`
	SnapshotInterval   uint64        `env:"TEMPORALSTATE_SNAPSHOT_INTERVAL" envDefault:"10"`
	CacheTTL           time.Duration `env:"TEMPORALSTATE_CACHE_TTL" envDefault:"1h"`
	OutboxPollInterval time.Duration `env:"TEMPORALSTATE_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"TEMPORALSTATE_OUTBOX_BATCH" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The API server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The API server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "temporalstate.db")
	}
	return cfg, nil
}

// Run starts the API service and, when NATS is configured, an embedded
// notification worker.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		var stateCache cache.Cache
		if cfg.RedisAddr != "" {
			redisCache, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.CacheTTL)
			if err != nil {
				return fmt.Errorf("connect cache: %w", err)
			}
			stateCache = redisCache
		} else {
			log.Printf("server: redis address not set, using in-memory cache")
			stateCache = cache.NewMemoryCache(cfg.CacheTTL)
		}
		defer stateCache.Close()

		eng := engine.New(store, stateCache, nil, cfg.SnapshotInterval)

		if cfg.NATSURL != "" {
			publisher, err := notify.ConnectNATS(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			defer publisher.Close()

			worker := notify.NewWorker(store, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
			go func() {
				if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("server: notification worker stopped: %v", err)
				}
			}()
		} else {
			log.Printf("server: NATS url not set, notifications stay queued in the outbox")
		}

		addr := cfg.Addr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Port)
		}
		log.Printf("server: listening on %s", addr)
		return httpapi.NewServer(addr, httpapi.NewHandler(eng)).Run(ctx)
	})
}
