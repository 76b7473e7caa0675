package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/health"
	"chronod/internal/registry"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

func TestRecordRunEvents(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	s.record(eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: engine.RunEvent{
		Task: "daily_cleanup", Status: registry.StatusCompleted, Duration: 120 * time.Millisecond, Attempts: 1,
	}})
	s.record(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: engine.RunEvent{
		Task: "weekly_report_generation", Status: registry.StatusError, Attempts: 3,
	}})
	s.record(eventbus.Event{Type: eventbus.TypeTaskSkipped, Data: engine.RunEvent{Task: "daily_cleanup"}})

	if got := testutil.ToFloat64(s.runsTotal.WithLabelValues("daily_cleanup", "completed")); got != 1 {
		t.Fatalf("runs_total completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.runsTotal.WithLabelValues("weekly_report_generation", "error")); got != 1 {
		t.Fatalf("runs_total error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.retriesTotal.WithLabelValues("weekly_report_generation")); got != 2 {
		t.Fatalf("retries_total = %v, want 2 (attempts beyond the first)", got)
	}
	if got := testutil.ToFloat64(s.skippedTotal.WithLabelValues("daily_cleanup")); got != 1 {
		t.Fatalf("skipped_total = %v, want 1", got)
	}
}

func TestRecordHealthFold(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	s.record(eventbus.Event{Type: eventbus.TypeHealthFolded, Data: health.FoldedEvent{
		Status: "degraded",
		Checks: map[string]health.Outcome{
			"database":  {Status: health.StatusHealthy},
			"cache":     {Status: health.StatusNotConfigured},
			"network":   {Status: health.StatusUnhealthy},
			"misnamed?": {Status: health.StatusError},
		},
	}})

	tests := []struct {
		check string
		want  float64
	}{
		{check: "database", want: 1},
		{check: "cache", want: 1}, // not_configured is a pass
		{check: "network", want: 0},
		{check: "unknown", want: 0}, // stray names collapse to one label
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(s.healthGauge.WithLabelValues(tt.check)); got != tt.want {
			t.Fatalf("health gauge %s = %v, want %v", tt.check, got, tt.want)
		}
	}
}

func TestSetWindowStatsReplacesPrevious(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	s.SetWindowStats([]storage.TaskStat{{Task: "old_task", Runs: 9, Failures: 1}})
	s.SetWindowStats([]storage.TaskStat{{Task: "daily_cleanup", Runs: 4}})

	if got := testutil.ToFloat64(s.windowRuns.WithLabelValues("daily_cleanup")); got != 4 {
		t.Fatalf("window runs = %v, want 4", got)
	}
	// Reset between windows: stale series must not linger.
	if n := testutil.CollectAndCount(s.windowRuns); n != 1 {
		t.Fatalf("window runs series = %d, want 1 after reset", n)
	}
}

func TestHTTPEndpoint(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, bus)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		t.Fatal("metrics listener not started")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", ln.Addr().String()))
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "chronod_task_runs_total") {
		t.Fatal("exposition missing chronod_task_runs_total help text")
	}
}

func TestHandleMountsExtraRoute(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.Handle("/debug/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, nil)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	// Registration after Start must be a no-op.
	s.Handle("/debug/late", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		t.Fatal("metrics listener not started")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/debug/tasks", ln.Addr().String()))
	if err != nil {
		t.Fatalf("GET /debug/tasks error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `"tasks"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestStartDisabledServesNothing(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, eventbus.New())
	defer s.Stop(context.Background())

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		t.Fatal("disabled metrics service opened a listener")
	}
}
