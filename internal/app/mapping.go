package app

import (
	"fmt"
	"strings"
	"time"

	"chronod/internal/alert"
	"chronod/internal/broker"
	"chronod/internal/config"
	"chronod/internal/engine"
	"chronod/internal/health"
	"chronod/internal/observability/metrics"
	"chronod/internal/registry"
	"chronod/internal/storage"
	"chronod/internal/tasks"
)

// Mapping functions translate persisted config into per-component runtime
// config. Each one validates as it maps, so the config watcher's validator
// can reuse them to reject bad reloads before commit.

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	var ec config.EngineConfig
	if cfg != nil && cfg.Engine != nil {
		ec = *cfg.Engine
	}
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	// Negative retry_jitter is the "no jitter" sentinel; zero means default.
	if ec.RetryJitter > 1 {
		return engine.Config{}, fmt.Errorf("engine.retry_jitter must be <= 1")
	}
	defTimeout, err := config.ParseDuration("engine.default_timeout", ec.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDuration("engine.retry_base", ec.RetryBase, 0)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax, err := config.ParseDuration("engine.retry_max_delay", ec.RetryMaxDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    ec.HistorySize,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		RetryJitter:    ec.RetryJitter,
	}, nil
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, error) {
	var raw string
	if cfg != nil && cfg.Broker != nil {
		raw = cfg.Broker.TaskTimeout
	}
	timeout, err := config.ParseDuration("broker.task_timeout", raw, 0)
	if err != nil {
		return broker.Config{}, err
	}
	return broker.Config{TaskTimeout: timeout}, nil
}

func mapHealthProbes(cfg *config.Config, store storage.Store) ([]health.Probe, error) {
	var hc config.HealthConfig
	if cfg != nil {
		hc = cfg.Health
	}

	dbTimeout := 3 * time.Second

	cacheTimeout, err := config.ParseDuration("health.cache.timeout", hc.Cache.Timeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	netTimeout, err := config.ParseDuration("health.network.timeout", hc.Network.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	maxLatency, err := config.ParseDuration("health.network.max_latency", hc.Network.MaxLatency, 0)
	if err != nil {
		return nil, err
	}

	return []health.Probe{
		&health.DatabaseProbe{Store: store, Timeout: dbTimeout},
		&health.CacheProbe{
			Addr:     strings.TrimSpace(hc.Cache.Addr),
			Password: hc.Cache.Password,
			DB:       hc.Cache.DB,
			Timeout:  cacheTimeout,
		},
		&health.NetworkProbe{
			Enabled:    hc.Network.Enabled,
			Timeout:    netTimeout,
			MaxLatency: maxLatency,
		},
	}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	if cfg == nil || cfg.Metrics == nil {
		return metrics.Config{}, nil
	}
	mc := cfg.Metrics
	readT, err := config.ParseDuration("metrics.read_timeout", mc.ReadTimeout, 0)
	if err != nil {
		return metrics.Config{}, err
	}
	writeT, err := config.ParseDuration("metrics.write_timeout", mc.WriteTimeout, 0)
	if err != nil {
		return metrics.Config{}, err
	}
	idleT, err := config.ParseDuration("metrics.idle_timeout", mc.IdleTimeout, 0)
	if err != nil {
		return metrics.Config{}, err
	}
	return metrics.Config{
		Enabled:      mc.Enabled,
		Addr:         strings.TrimSpace(mc.Addr),
		ReadTimeout:  readT,
		WriteTimeout: writeT,
		IdleTimeout:  idleT,
	}, nil
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	if cfg == nil || cfg.Alerts == nil {
		return alert.Config{}
	}
	ac := cfg.Alerts
	return alert.Config{
		Enabled:    ac.Enabled,
		Token:      ac.Token,
		ChatID:     ac.ChatID,
		RatePerMin: ac.RatePerMin,
	}
}

// mapTaskOverrides translates the "tasks" config section into registration
// overrides. Cron validation happens later in broker registration, where
// field-level errors are reported.
func mapTaskOverrides(cfg *config.Config) (map[string]tasks.Override, error) {
	if cfg == nil || len(cfg.Tasks) == 0 {
		return nil, nil
	}
	out := make(map[string]tasks.Override, len(cfg.Tasks))
	for name, tc := range cfg.Tasks {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("tasks: empty task name")
		}
		var ov tasks.Override
		for i, sc := range tc.Schedules {
			if strings.TrimSpace(sc.Cron) == "" {
				return nil, fmt.Errorf("tasks.%s.schedules[%d].cron is required", name, i)
			}
			ov.Schedules = append(ov.Schedules, registry.ScheduleDescriptor{
				Cron:   sc.Cron,
				Args:   sc.Args,
				Kwargs: sc.Kwargs,
			})
		}
		if tc.Retry != nil {
			if tc.Retry.MaxRetries < 0 {
				return nil, fmt.Errorf("tasks.%s.retry.max_retries must be >= 0", name)
			}
			ov.Retry = &registry.RetryPolicy{
				Enabled:    tc.Retry.Enabled,
				MaxRetries: tc.Retry.MaxRetries,
			}
		}
		out[name] = ov
	}
	return out, nil
}
