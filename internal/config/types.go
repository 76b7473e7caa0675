package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the run-history store.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Engine controls execution settings for task firings.
	Engine *EngineConfig `json:"engine,omitempty"`

	// Broker controls triggering.
	Broker *BrokerConfig `json:"broker,omitempty"`

	Health  HealthConfig   `json:"health"`
	Alerts  *AlertConfig   `json:"alerts,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`

	// Tasks overrides schedules and retry policy per builtin task.
	// Schedule changes require a restart: the registry is fixed once
	// registration completes.
	Tasks map[string]TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chronod.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// EngineConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - history_size: 200
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
type EngineConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
}

type BrokerConfig struct {
	// TaskTimeout bounds one attempt of any firing. "0s" disables the bound.
	TaskTimeout string `json:"task_timeout,omitempty"`
}

type HealthConfig struct {
	Cache   CacheProbeConfig   `json:"cache,omitempty"`
	Network NetworkProbeConfig `json:"network,omitempty"`
}

// CacheProbeConfig points the cache probe at Redis. An empty addr means
// "not configured", which the aggregator treats as a pass.
type CacheProbeConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type NetworkProbeConfig struct {
	Enabled    bool   `json:"enabled"`
	Timeout    string `json:"timeout,omitempty"`
	MaxLatency string `json:"max_latency,omitempty"`
}

type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskConfig overrides one task's declaration.
type TaskConfig struct {
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Retry     *RetryConfig     `json:"retry,omitempty"`
}

// ScheduleConfig is the persisted schedule declaration format: a 5-field
// cron string plus the arguments bound to that trigger.
type ScheduleConfig struct {
	Cron   string         `json:"cron"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type RetryConfig struct {
	Enabled    bool `json:"enabled"`
	MaxRetries int  `json:"max_retries,omitempty"`
}

// ParseDuration parses a Go duration string from a named config field,
// falling back to def when the field is empty.
func ParseDuration(field, v string, def time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}
