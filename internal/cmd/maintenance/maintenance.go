// Package maintenance implements the operational CLI for the notification
// outbox: depth reporting and dead-row requeue.
package maintenance

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	entrypoint "github.com/temporalstate/temporalstate/internal/platform/cmd"
	"github.com/temporalstate/temporalstate/internal/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath       string        `env:"TEMPORALSTATE_DB_PATH"`
	Timeout      time.Duration `env:"TEMPORALSTATE_MAINTENANCE_TIMEOUT" envDefault:"1m"`
	OutboxReport bool
	RequeueDead  bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	fs.BoolVar(&cfg.OutboxReport, "outbox-report", false, "report notification outbox depth by status")
	fs.BoolVar(&cfg.RequeueDead, "outbox-requeue-dead", false, "requeue dead notification outbox rows")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "temporalstate.db")
	}
	return cfg, nil
}

// Run executes the selected maintenance actions.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if !cfg.OutboxReport && !cfg.RequeueDead {
		return errors.New("no action selected: use -outbox-report or -outbox-requeue-dead")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if cfg.OutboxReport {
		summary, err := store.NotifyOutboxSummary(ctx)
		if err != nil {
			return fmt.Errorf("outbox summary: %w", err)
		}
		fmt.Fprintf(out, "outbox: pending=%d processing=%d failed=%d dead=%d\n",
			summary.Pending, summary.Processing, summary.Failed, summary.Dead)
	}

	if cfg.RequeueDead {
		requeued, err := store.RequeueDeadNotifications(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("requeue dead notifications: %w", err)
		}
		fmt.Fprintf(out, "requeued %d dead notifications\n", requeued)
	}
	return nil
}
