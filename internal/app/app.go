// Package app wires configuration, storage, the execution engine, the cron
// broker, and the observability services into one daemon lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chronod/internal/alert"
	"chronod/internal/broker"
	"chronod/internal/config"
	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/health"
	"chronod/internal/observability/metrics"
	"chronod/internal/registry"
	"chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/tasks"
	logx "chronod/pkg/logx"
)

// StopReason tags the shutdown path for log correlation.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	reg    *registry.Registry
	engine *engine.Service
	broker *broker.Adapter
	agg    *health.Aggregator
	probes []health.Probe
	mtr    *metrics.Service
	alerts *alert.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, store)

	mtrCfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mtr := metrics.New(mtrCfg, log.With(logx.String("comp", "metrics")))

	probes, err := mapHealthProbes(cfg, store)
	if err != nil {
		return nil, err
	}
	agg := health.NewAggregator(log.With(logx.String("comp", "health")), bus, probes...)

	// Registry: builtin declarations, optionally overridden from config.
	// The set is fixed from here on.
	overrides, err := mapTaskOverrides(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	if err := tasks.Register(reg, tasks.Deps{
		Log:     log.With(logx.String("comp", "tasks")),
		Store:   store,
		Health:  agg,
		Metrics: mtr,
	}, overrides); err != nil {
		return nil, err
	}

	brkCfg, err := mapBrokerConfig(cfg)
	if err != nil {
		return nil, err
	}
	brk := broker.New(brkCfg, engineSvc, log.With(logx.String("comp", "broker")))
	report, err := brk.RegisterAll(reg)
	if err != nil {
		return nil, err
	}
	log.Info("tasks registered",
		logx.Int("count", report.Count),
		logx.Strings("tasks", report.Tasks))

	alerts, err := alert.New(mapAlertConfig(cfg), log.With(logx.String("comp", "alerts")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		engine:  engineSvc,
		broker:  brk,
		agg:     agg,
		probes:  probes,
		mtr:     mtr,
		alerts:  alerts,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBrokerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHealthProbes(cfg, nil); err != nil {
			return err
		}
		if _, err := mapMetricsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTaskOverrides(cfg); err != nil {
			return err
		}
		return nil
	})

	a.engine.Start(a.sup.Context())
	if a.mtr.Enabled() {
		a.mtr.Handle("/debug/tasks", http.HandlerFunc(a.serveDebug))
		a.mtr.Start(a.sup.Context(), a.bus)
	}
	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context(), a.bus)
	}
	a.broker.Start(a.sup.Context())

	// Debug-level event trace; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections := changedSections(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.applyReload(newCfg, sections)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload hot-applies what can change at runtime and flags the rest.
// The registry is fixed after start-up: schedule-affecting sections only
// take effect on restart.
func (a *App) applyReload(cfg *config.Config, sections []string) {
	a.log.Info("config reloaded", logx.Strings("changed", sections))

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		default:
			a.log.Warn("config change requires restart to take effect",
				logx.String("section", s))
		}
	}
}

// changedSections compares top-level config sections by serialized form.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	eq := func(a, b any) bool {
		ab, errA := json.Marshal(a)
		bb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ab) == string(bb)
	}
	var out []string
	if !eq(prev.Logging, next.Logging) {
		out = append(out, "logging")
	}
	if !eq(prev.Storage, next.Storage) {
		out = append(out, "storage")
	}
	if !eq(prev.Engine, next.Engine) {
		out = append(out, "engine")
	}
	if !eq(prev.Broker, next.Broker) {
		out = append(out, "broker")
	}
	if !eq(prev.Health, next.Health) {
		out = append(out, "health")
	}
	if !eq(prev.Alerts, next.Alerts) {
		out = append(out, "alerts")
	}
	if !eq(prev.Metrics, next.Metrics) {
		out = append(out, "metrics")
	}
	if !eq(prev.Tasks, next.Tasks) {
		out = append(out, "tasks")
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so no new firings land in the queue, then the engine
	// so in-flight attempts drain, then the passive services.
	step("broker", 2*time.Second, func(c context.Context) error { a.broker.Stop(c); return nil })
	step("engine", 4*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", 1*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error { a.mtr.Stop(c); return nil })
	step("probes", 1*time.Second, func(c context.Context) error {
		for _, p := range a.probes {
			if cl, ok := p.(interface{ Close() error }); ok {
				_ = cl.Close()
			}
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event trace).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Snapshot exposes the engine state for operational introspection.
func (a *App) Snapshot() engine.Snapshot { return a.engine.Snapshot() }

// NextRuns previews upcoming firings for one task.
func (a *App) NextRuns(task string, n int) []time.Time { return a.broker.NextRuns(task, n) }

// TaskNames lists registered task names in registration order.
func (a *App) TaskNames() []string { return a.reg.Names() }

// serveDebug reports registered tasks, their upcoming firings, and the
// engine snapshot. Mounted on the metrics listener as /debug/tasks.
func (a *App) serveDebug(w http.ResponseWriter, r *http.Request) {
	type taskView struct {
		Task     string      `json:"task"`
		NextRuns []time.Time `json:"next_runs"`
	}
	view := struct {
		Tasks  []taskView      `json:"tasks"`
		Engine engine.Snapshot `json:"engine"`
	}{Engine: a.Snapshot()}
	for _, name := range a.TaskNames() {
		view.Tasks = append(view.Tasks, taskView{Task: name, NextRuns: a.NextRuns(name, 3)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
