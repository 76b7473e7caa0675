package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the run-history store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free append-only JSON Lines backend
//
// If Driver is empty or "none", storage is disabled and run records are
// kept only in the engine's in-memory history ring.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one terminal firing outcome, persisted for the cleanup,
// report, and metrics-aggregation tasks to consume later.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID    string
	Task     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Status   string // completed | degraded | error
	Error    string
	Payload  string // JSON, optional
}

// TaskStat is an aggregate over RunRecords for one task.
type TaskStat struct {
	Task          string
	Runs          int64
	Failures      int64
	Retries       int64 // attempts beyond the first, summed
	AvgDurationMS int64
	LastRun       time.Time
}

// EncodePayload renders a result payload as compact JSON, best-effort.
func EncodePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}
