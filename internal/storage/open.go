package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"chronod/pkg/logx"
)

// Store is the persistence API used by the engine and the builtin tasks.
type Store interface {
	AppendRun(ctx context.Context, rec RunRecord) error
	// PruneRuns deletes records older than cutoff and reports how many went away.
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
	// TaskStats aggregates records started at or after since, one row per task,
	// ordered by task name.
	TaskStats(ctx context.Context, since time.Time) ([]TaskStat, error)
	// Ping verifies the backend is reachable. The database health probe uses it.
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
