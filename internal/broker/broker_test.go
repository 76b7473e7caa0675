package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronod/internal/engine"
	"chronod/internal/registry"
	"chronod/pkg/logx"
)

func noopUnit(ctx context.Context, call registry.Call) (registry.Result, error) {
	return registry.Completed(nil), nil
}

func mustRegistry(t *testing.T, defs ...registry.TaskDefinition) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s) error: %v", d.Name, err)
		}
	}
	return reg
}

func def(name string, crons ...string) registry.TaskDefinition {
	d := registry.TaskDefinition{Name: name, Unit: noopUnit}
	for _, c := range crons {
		d.Schedules = append(d.Schedules, registry.ScheduleDescriptor{Cron: c})
	}
	return d
}

func TestRegisterAllValid(t *testing.T) {
	t.Parallel()
	a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
	reg := mustRegistry(t,
		def("daily_cleanup", "0 2 * * *"),
		def("hourly_health_check", "0 * * * *"),
		def("metrics_aggregation", "*/15 * * * *"),
		def("weekly_report_generation", "0 6 * * 0"),
	)
	report, err := a.RegisterAll(reg)
	if err != nil {
		t.Fatalf("RegisterAll error: %v", err)
	}
	if report.Count != 4 {
		t.Fatalf("report.Count = %d, want 4", report.Count)
	}
	if len(a.NextRuns("daily_cleanup", 2)) != 2 {
		t.Fatal("NextRuns returned no preview for registered task")
	}
}

func TestRegisterAllFieldIsolation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		spec  string
		field string
	}{
		{name: "bad minute", spec: "61 * * * *", field: "minute"},
		{name: "bad hour", spec: "0 25 * * *", field: "hour"},
		{name: "bad day of month", spec: "0 0 32 * *", field: "day_of_month"},
		{name: "bad month", spec: "0 0 * 13 *", field: "month"},
		{name: "bad day of week", spec: "0 0 * * 8", field: "day_of_week"},
		{name: "too few fields", spec: "0 2 * *", field: "expression"},
		{name: "six fields", spec: "0 0 2 * * *", field: "expression"},
		{name: "garbage minute", spec: "x * * * *", field: "minute"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
			reg := mustRegistry(t, def("broken", tt.spec))
			_, err := a.RegisterAll(reg)
			if err == nil {
				t.Fatalf("RegisterAll accepted invalid spec %q", tt.spec)
			}
			var ise *InvalidScheduleError
			if !errors.As(err, &ise) {
				t.Fatalf("error type = %T, want *InvalidScheduleError", err)
			}
			if ise.Task != "broken" {
				t.Fatalf("Task = %q, want broken", ise.Task)
			}
			if ise.Field != tt.field {
				t.Fatalf("Field = %q, want %q (spec %q)", ise.Field, tt.field, tt.spec)
			}
			if ise.Spec != tt.spec {
				t.Fatalf("Spec = %q, want %q", ise.Spec, tt.spec)
			}
		})
	}
}

func TestRegisterAllAllOrNothing(t *testing.T) {
	t.Parallel()
	a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
	reg := mustRegistry(t,
		def("ok_one", "0 2 * * *"),
		def("bad_middle", "0 99 * * *"),
		def("ok_two", "*/5 * * * *"),
	)
	_, err := a.RegisterAll(reg)
	if err == nil {
		t.Fatal("RegisterAll succeeded with one invalid definition")
	}
	// Nothing may have been registered, including the valid ones.
	for _, name := range []string{"ok_one", "bad_middle", "ok_two"} {
		if runs := a.NextRuns(name, 1); len(runs) != 0 {
			t.Fatalf("task %s has live entries after failed registration", name)
		}
	}
}

func TestRegisterAllIdempotent(t *testing.T) {
	t.Parallel()
	a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
	reg := mustRegistry(t, def("daily_cleanup", "0 2 * * *"))

	if _, err := a.RegisterAll(reg); err != nil {
		t.Fatalf("first RegisterAll error: %v", err)
	}
	if _, err := a.RegisterAll(reg); err != nil {
		t.Fatalf("second RegisterAll error: %v", err)
	}
	// Re-registering must replace, not accumulate, entries.
	a.mu.Lock()
	n := len(a.entries["daily_cleanup"])
	a.mu.Unlock()
	if n != 1 {
		t.Fatalf("entry count = %d after re-register, want 1", n)
	}
}

func TestNextRunsUTC(t *testing.T) {
	t.Parallel()
	a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
	reg := mustRegistry(t, def("daily_cleanup", "0 2 * * *"))
	if _, err := a.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll error: %v", err)
	}
	runs := a.NextRuns("daily_cleanup", 3)
	if len(runs) != 3 {
		t.Fatalf("NextRuns len = %d, want 3", len(runs))
	}
	for i, r := range runs {
		if r.Hour() != 2 || r.Minute() != 0 {
			t.Fatalf("run[%d] = %v, want 02:00 UTC", i, r)
		}
		if i > 0 && !runs[i-1].Before(r) {
			t.Fatalf("runs out of order: %v then %v", runs[i-1], r)
		}
	}
	if got := a.NextRuns("unknown", 3); len(got) != 0 {
		t.Fatalf("NextRuns for unknown task = %v, want empty", got)
	}
}

func TestValidateSpecStepValues(t *testing.T) {
	t.Parallel()
	a := New(Config{}, engine.New(engine.Config{}, logx.Nop(), nil, nil), logx.Nop())
	valid := []string{
		"*/15 * * * *",
		"0 6 * * 0",
		"0 0 1 1 *",
		"5,35 * * * *",
		"0-30/10 * * * *",
	}
	for _, spec := range valid {
		if field, err := a.validateSpec(spec); err != nil {
			t.Fatalf("validateSpec(%q) = (%s, %v), want ok", spec, field, err)
		}
	}
}

func TestFireOverlapSkipIsQuiet(t *testing.T) {
	t.Parallel()
	// A skipped trigger is normal operation; it must not reach warn level.
	eng := engine.New(engine.Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil, nil)
	a := New(Config{}, eng, logx.Nop())

	block := make(chan struct{})
	d := registry.TaskDefinition{
		Name: "slow",
		Unit: func(ctx context.Context, call registry.Call) (registry.Result, error) {
			<-block
			return registry.Completed(nil), nil
		},
		Schedules: []registry.ScheduleDescriptor{{Cron: "* * * * *"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer func() {
		close(block)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		eng.Stop(stopCtx)
	}()

	sched := d.Schedules[0]
	a.fire(d, sched) // occupies the single worker
	// Give the worker a moment to pick the firing up.
	deadline := time.Now().Add(time.Second)
	for {
		if err := eng.Enqueue(engine.Firing{Task: d, Schedule: sched.Cron}); err == engine.ErrOverlapSkip {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second firing never reported overlap skip")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// fire() must swallow the skip without panicking or blocking.
	a.fire(d, sched)
}
