package engine

import (
	"sync"
	"time"

	"chronod/internal/registry"
)

// Config controls the execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a single attempt when the firing has no own timeout.
	// 0 disables the default bound.
	DefaultTimeout time.Duration

	HistorySize int

	// Backoff between retry attempts. The retry COUNT comes from the task's
	// RetryPolicy; these only shape the delays.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is the jitter fraction of each delay (0.2 = 20%).
	// Zero means default; negative disables jitter entirely.
	RetryJitter float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	switch {
	case c.RetryJitter < 0:
		c.RetryJitter = 0
	case c.RetryJitter == 0:
		c.RetryJitter = 0.2
	}
	return c
}

// Firing is one due invocation of a task: the definition plus the arguments
// bound to the schedule that fired. The attempt counter always starts fresh;
// retries never carry over between firings.
type Firing struct {
	Task     registry.TaskDefinition
	Call     registry.Call
	Schedule string // cron spec that triggered this firing, for observability
	Timeout  time.Duration
}

// RunState tracks whether a task is already in-flight.
// Overlap policy is skip-if-running, where "running" includes "already
// queued"; that prevents queue blow-ups when a schedule triggers faster
// than execution.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// HistoryItem is one completed (or terminally failed) firing in the in-memory ring.
type HistoryItem struct {
	ID       string
	Task     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Status   registry.Status
	Error    string
}

// RunEvent is the payload of task.* events on the bus.
type RunEvent struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	Schedule string          `json:"schedule,omitempty"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Attempts int             `json:"attempts"`
	Status   registry.Status `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Executed uint64
	Failed   uint64
	Retried  uint64
	Skipped  uint64

	History []HistoryItem
}
