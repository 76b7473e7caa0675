package alert

import (
	"strings"
	"testing"

	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/health"
	"chronod/pkg/logx"
)

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if s.Enabled() {
		t.Fatal("disabled config produced an enabled service")
	}
	// Start/Stop on the no-op service must be safe.
	s.Start(nil, eventbus.New())
	s.Stop(nil)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing token", cfg: Config{Enabled: true, ChatID: 42}},
		{name: "blank token", cfg: Config{Enabled: true, Token: "  ", ChatID: 42}},
		{name: "missing chat", cfg: Config{Enabled: true, Token: "123:abc"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, logx.Nop()); err == nil {
				t.Fatal("New accepted invalid alert config")
			}
		})
	}
}

func TestFormatTaskFailed(t *testing.T) {
	t.Parallel()
	s := &Service{log: logx.Nop()}
	msg := s.format(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: engine.RunEvent{
		Task:     "weekly_report_generation",
		Attempts: 3,
		Error:    "downstream unavailable",
	}})
	if !strings.Contains(msg, "[ERROR]") {
		t.Fatalf("message missing severity tag: %q", msg)
	}
	if !strings.Contains(msg, "weekly_report_generation") || !strings.Contains(msg, "3 attempt(s)") {
		t.Fatalf("message = %q", msg)
	}
	if !strings.Contains(msg, "downstream unavailable") {
		t.Fatalf("message lost the error text: %q", msg)
	}
}

func TestFormatHealthDegraded(t *testing.T) {
	t.Parallel()
	s := &Service{log: logx.Nop()}
	msg := s.format(eventbus.Event{Type: eventbus.TypeHealthFolded, Data: health.FoldedEvent{
		Status: "degraded",
		Checks: map[string]health.Outcome{
			"database": {Status: health.StatusHealthy},
			"cache":    {Status: health.StatusError, Detail: map[string]any{"error": "connection refused"}},
		},
	}})
	if !strings.Contains(msg, "[WARN] health degraded") {
		t.Fatalf("message = %q", msg)
	}
	if !strings.Contains(msg, "cache=error") || !strings.Contains(msg, "connection refused") {
		t.Fatalf("degraded message missing failing check: %q", msg)
	}
	if strings.Contains(msg, "database") {
		t.Fatalf("healthy check should not be listed: %q", msg)
	}
}

func TestFormatIgnoresQuietEvents(t *testing.T) {
	t.Parallel()
	s := &Service{log: logx.Nop()}
	quiet := []eventbus.Event{
		{Type: eventbus.TypeTaskCompleted, Data: engine.RunEvent{Task: "x"}},
		{Type: eventbus.TypeTaskStarted, Data: engine.RunEvent{Task: "x"}},
		{Type: eventbus.TypeTaskSkipped, Data: engine.RunEvent{Task: "x"}},
		{Type: eventbus.TypeHealthFolded, Data: health.FoldedEvent{Status: "healthy"}},
		{Type: eventbus.TypeTaskFailed, Data: "wrong payload type"},
	}
	for _, e := range quiet {
		if msg := s.format(e); msg != "" {
			t.Fatalf("event %s produced alert %q, want none", e.Type, msg)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "short", max: 100, want: "short"},
		{in: "abcdefghijkl", max: 12, want: "abcdefghijkl"},
		{in: "abcdefghijklm", max: 12, want: "abcdefghi..."},
		{in: "abcdef", max: 3, want: "abc"},
		{in: "anything", max: 0, want: "anything"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
