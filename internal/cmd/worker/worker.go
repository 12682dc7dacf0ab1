// Package worker parses worker command flags and runs the standalone
// notification outbox worker.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/temporalstate/temporalstate/internal/notify"
	entrypoint "github.com/temporalstate/temporalstate/internal/platform/cmd"
	"github.com/temporalstate/temporalstate/internal/storage/sqlite"
)

// Config holds worker command configuration.
type Config struct {
	DBPath       string        `env:"TEMPORALSTATE_DB_PATH"`
	NATSURL      string        `env:"TEMPORALSTATE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	PollInterval time.Duration `env:"TEMPORALSTATE_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"TEMPORALSTATE_OUTBOX_BATCH" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "temporalstate.db")
	}
	return cfg, nil
}

// Run drains the notification outbox until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		publisher, err := notify.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer publisher.Close()

		worker := notify.NewWorker(store, publisher, cfg.PollInterval, cfg.BatchSize)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
