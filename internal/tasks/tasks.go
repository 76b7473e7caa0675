// Package tasks declares the builtin scheduled task set.
//
// Schedules are five-field cron strings evaluated in UTC:
//
//	"0 2 * * *"     - daily at 2:00 AM
//	"*/15 * * * *"  - every 15 minutes
//	"0 6 * * 0"     - Sunday at 6:00 AM
package tasks

import (
	"context"
	"time"

	"chronod/internal/health"
	"chronod/internal/observability/metrics"
	"chronod/internal/registry"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// Deps carries the collaborators the builtin units close over.
type Deps struct {
	Log     logx.Logger
	Store   storage.Store
	Health  *health.Aggregator
	Metrics *metrics.Service
}

// Override replaces parts of a builtin definition before registration.
// Used for operator config ("tasks" section): declarations are fixed once
// registered, so overrides apply only at start-up.
type Override struct {
	Schedules []registry.ScheduleDescriptor
	Retry     *registry.RetryPolicy
}

// Register adds every builtin definition to the registry.
func Register(reg *registry.Registry, d Deps, overrides map[string]Override) error {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	defs := []registry.TaskDefinition{
		{
			Name: "daily_cleanup",
			Unit: cleanupUnit(d),
			Schedules: []registry.ScheduleDescriptor{
				{Cron: "0 2 * * *", Kwargs: map[string]any{"older_than_days": 30}},
			},
			Description: "Clean up expired run records daily at 2:00 AM UTC",
		},
		{
			Name: "hourly_health_check",
			Unit: d.Health.Unit(),
			Schedules: []registry.ScheduleDescriptor{
				{Cron: "0 * * * *"},
			},
			Description: "Check external service health every hour",
		},
		{
			Name: "weekly_report_generation",
			Unit: reportUnit(d),
			Schedules: []registry.ScheduleDescriptor{
				{Cron: "0 6 * * 0"},
			},
			Retry:       registry.RetryPolicy{Enabled: true, MaxRetries: 2},
			Description: "Generate weekly summary reports on Sunday",
		},
		{
			Name: "metrics_aggregation",
			Unit: metricsUnit(d),
			Schedules: []registry.ScheduleDescriptor{
				{Cron: "*/15 * * * *", Kwargs: map[string]any{"interval_minutes": 15}},
			},
			Description: "Aggregate metrics every 15 minutes",
		},
	}
	for _, def := range defs {
		if ov, ok := overrides[def.Name]; ok {
			if len(ov.Schedules) > 0 {
				def.Schedules = ov.Schedules
			}
			if ov.Retry != nil {
				def.Retry = *ov.Retry
			}
			d.Log.Info("task declaration overridden",
				logx.String("task", def.Name),
				logx.Int("schedules", len(def.Schedules)),
				logx.Bool("retry", def.Retry.Enabled))
		}
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// cleanupUnit prunes run records older than the bound cutoff.
func cleanupUnit(d Deps) registry.Unit {
	log := d.Log.With(logx.Source("tasks"), logx.String("task", "daily_cleanup"))
	return func(ctx context.Context, call registry.Call) (registry.Result, error) {
		olderThanDays := call.IntKwarg("older_than_days", 30)
		log.Info("starting cleanup", logx.Int("older_than_days", olderThanDays))

		if d.Store == nil {
			return registry.Completed(map[string]any{
				"older_than_days": olderThanDays,
				"pruned_runs":     0,
				"storage":         "disabled",
			}), nil
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
		pruned, err := d.Store.PruneRuns(ctx, cutoff)
		if err != nil {
			return registry.Result{}, err
		}

		log.Info("cleanup completed", logx.Int64("pruned_runs", pruned))
		return registry.Completed(map[string]any{
			"older_than_days": olderThanDays,
			"pruned_runs":     pruned,
		}), nil
	}
}

// reportUnit summarizes the past week's run history.
func reportUnit(d Deps) registry.Unit {
	log := d.Log.With(logx.Source("tasks"), logx.String("task", "weekly_report_generation"))
	return func(ctx context.Context, _ registry.Call) (registry.Result, error) {
		log.Info("starting weekly report generation")

		if d.Store == nil {
			return registry.Completed(map[string]any{
				"reports_generated": 0,
				"storage":           "disabled",
			}), nil
		}

		since := time.Now().UTC().AddDate(0, 0, -7)
		stats, err := d.Store.TaskStats(ctx, since)
		if err != nil {
			return registry.Result{}, err
		}

		rows := make([]map[string]any, 0, len(stats))
		for _, st := range stats {
			rows = append(rows, map[string]any{
				"task":            st.Task,
				"runs":            st.Runs,
				"failures":        st.Failures,
				"retries":         st.Retries,
				"avg_duration_ms": st.AvgDurationMS,
				"last_run":        st.LastRun.Format(time.RFC3339),
			})
		}

		log.Info("weekly report generated", logx.Int("tasks", len(rows)))
		return registry.Completed(map[string]any{
			"reports_generated": len(rows),
			"window_days":       7,
			"report":            rows,
		}), nil
	}
}

// metricsUnit folds recent run history into the exported window gauges.
func metricsUnit(d Deps) registry.Unit {
	log := d.Log.With(logx.Source("tasks"), logx.String("task", "metrics_aggregation"))
	return func(ctx context.Context, call registry.Call) (registry.Result, error) {
		intervalMinutes := call.IntKwarg("interval_minutes", 15)
		log.Debug("starting metrics aggregation", logx.Int("interval_minutes", intervalMinutes))

		if d.Store == nil {
			return registry.Completed(map[string]any{
				"interval_minutes":   intervalMinutes,
				"metrics_aggregated": 0,
				"storage":            "disabled",
			}), nil
		}

		since := time.Now().UTC().Add(-time.Duration(intervalMinutes) * time.Minute)
		stats, err := d.Store.TaskStats(ctx, since)
		if err != nil {
			return registry.Result{}, err
		}
		if d.Metrics != nil {
			d.Metrics.SetWindowStats(stats)
		}

		log.Debug("metrics aggregation completed", logx.Int("metrics_aggregated", len(stats)))
		return registry.Completed(map[string]any{
			"interval_minutes":   intervalMinutes,
			"metrics_aggregated": len(stats),
		}), nil
	}
}
