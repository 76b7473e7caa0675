package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chronod/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	ext := "db"
	if driver == "file" {
		ext = "jsonl"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "runs."+ext)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(task string, started time.Time, attempts int, status string, dur time.Duration) RunRecord {
	return RunRecord{
		RunID:    fmt.Sprintf("run-%s-%d", task, started.UnixNano()),
		Task:     task,
		Started:  started,
		Duration: dur,
		Attempts: attempts,
		Status:   status,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil (disabled)", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("Open with unknown driver succeeded")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			ctx := context.Background()

			if err := st.Ping(ctx); err != nil {
				t.Fatalf("Ping error: %v", err)
			}

			now := time.Now().UTC().Truncate(time.Millisecond)
			old := now.Add(-40 * 24 * time.Hour)
			records := []RunRecord{
				rec("daily_cleanup", old, 1, "completed", 100*time.Millisecond),
				rec("daily_cleanup", now.Add(-time.Hour), 1, "completed", 300*time.Millisecond),
				rec("weekly_report_generation", now.Add(-30*time.Minute), 3, "error", 2*time.Second),
				rec("weekly_report_generation", now.Add(-10*time.Minute), 2, "completed", 1*time.Second),
			}
			for _, r := range records {
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun error: %v", err)
				}
			}

			// Stats over the last day exclude the 40-day-old record.
			stats, err := st.TaskStats(ctx, now.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("TaskStats error: %v", err)
			}
			if len(stats) != 2 {
				t.Fatalf("TaskStats len = %d, want 2: %+v", len(stats), stats)
			}
			// Ordered by task name.
			if stats[0].Task != "daily_cleanup" || stats[1].Task != "weekly_report_generation" {
				t.Fatalf("stats order = %s, %s", stats[0].Task, stats[1].Task)
			}
			dc := stats[0]
			if dc.Runs != 1 || dc.Failures != 0 || dc.Retries != 0 {
				t.Fatalf("daily_cleanup stats = %+v", dc)
			}
			wr := stats[1]
			if wr.Runs != 2 || wr.Failures != 1 {
				t.Fatalf("weekly stats = %+v", wr)
			}
			if wr.Retries != 3 { // (3-1) + (2-1)
				t.Fatalf("weekly retries = %d, want 3", wr.Retries)
			}
			if wr.AvgDurationMS != 1500 {
				t.Fatalf("weekly avg duration = %d, want 1500", wr.AvgDurationMS)
			}
			if wr.LastRun.Before(now.Add(-11 * time.Minute)) {
				t.Fatalf("weekly LastRun = %v", wr.LastRun)
			}

			// Prune the old record only.
			n, err := st.PruneRuns(ctx, now.Add(-30*24*time.Hour))
			if err != nil {
				t.Fatalf("PruneRuns error: %v", err)
			}
			if n != 1 {
				t.Fatalf("PruneRuns = %d, want 1", n)
			}

			// A wide stats window now sees only the survivors.
			stats, err = st.TaskStats(ctx, now.Add(-365*24*time.Hour))
			if err != nil {
				t.Fatalf("TaskStats after prune error: %v", err)
			}
			var total int64
			for _, s := range stats {
				total += s.Runs
			}
			if total != 3 {
				t.Fatalf("runs after prune = %d, want 3", total)
			}

			// Second prune with the same cutoff is a no-op.
			n, err = st.PruneRuns(ctx, now.Add(-30*24*time.Hour))
			if err != nil {
				t.Fatalf("second PruneRuns error: %v", err)
			}
			if n != 0 {
				t.Fatalf("second PruneRuns = %d, want 0", n)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	now := time.Now().UTC()
	if err := st.AppendRun(ctx, rec("daily_cleanup", now, 1, "completed", time.Second)); err != nil {
		t.Fatalf("AppendRun error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Records survive a process restart.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("re-Open error: %v", err)
	}
	defer st2.Close()
	stats, err := st2.TaskStats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TaskStats error: %v", err)
	}
	if len(stats) != 1 || stats[0].Runs != 1 {
		t.Fatalf("stats after reopen = %+v", stats)
	}
}

func TestEncodePayload(t *testing.T) {
	t.Parallel()
	if got := EncodePayload(nil); got != "" {
		t.Fatalf("EncodePayload(nil) = %q, want empty", got)
	}
	got := EncodePayload(map[string]any{"deleted": 3})
	if got != `{"deleted":3}` {
		t.Fatalf("EncodePayload = %s", got)
	}
}
