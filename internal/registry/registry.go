// Package registry holds the static set of scheduled task definitions.
//
// The registry is built once at process start and is read-only afterwards;
// concurrent reads need no locking. Anything dynamic (triggering, retries,
// execution) lives in broker/engine.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status classifies the outcome of one task firing.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusDegraded  Status = "degraded"
	StatusError     Status = "error"
)

// Call carries the arguments bound to a schedule at registration time.
// They are passed verbatim to the unit on every firing of that schedule.
type Call struct {
	Args   []any
	Kwargs map[string]any
}

// IntKwarg returns the named kwarg as an int, tolerating the numeric types
// that survive a YAML/JSON round trip. Missing or non-numeric values yield def.
func (c Call) IntKwarg(key string, def int) int {
	v, ok := c.Kwargs[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// Result is the structured outcome of one firing. It is ephemeral: consumed
// by logging/observability and then discarded.
type Result struct {
	Status      Status
	Payload     map[string]any
	CompletedAt time.Time
}

// Completed builds a successful Result stamped with the current UTC time.
func Completed(payload map[string]any) Result {
	return Result{Status: StatusCompleted, Payload: payload, CompletedAt: time.Now().UTC()}
}

// Unit is a single schedulable operation. It must be safe to re-run from
// scratch: the broker guarantees at-least-once delivery, not exactly-once.
type Unit func(ctx context.Context, call Call) (Result, error)

// ScheduleDescriptor binds one cron trigger (5-field, evaluated in UTC) to a
// task, together with the arguments for that trigger.
type ScheduleDescriptor struct {
	Cron   string
	Args   []any
	Kwargs map[string]any
}

// RetryPolicy is declarative metadata interpreted by the execution engine.
// The zero value means "no retry": any failure is terminal for that firing.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
}

// MaxAttempts returns the total number of execution attempts for one firing.
func (p RetryPolicy) MaxAttempts() int {
	if !p.Enabled || p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// TaskDefinition is one named unit of work with its schedules and retry
// metadata. Definitions are immutable for the life of the process.
type TaskDefinition struct {
	Name        string
	Unit        Unit
	Schedules   []ScheduleDescriptor
	Retry       RetryPolicy
	Description string
}

// DuplicateTaskError reports a name collision during registration.
// Duplicate names are fatal at start-up: a registry with ambiguous names
// cannot be registered with the broker.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task definition %q", e.Name)
}

// Registry is the authoritative name -> definition mapping.
type Registry struct {
	defs   []TaskDefinition
	byName map[string]int
}

func New() *Registry {
	return &Registry{byName: map[string]int{}}
}

// Register adds a definition. It fails with *DuplicateTaskError if the name
// is already present, and with a plain error if the definition is malformed.
func (r *Registry) Register(def TaskDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if def.Unit == nil {
		return fmt.Errorf("task %q: unit is required", name)
	}
	if len(def.Schedules) == 0 {
		return fmt.Errorf("task %q: at least one schedule is required", name)
	}
	if def.Retry.MaxRetries < 0 {
		return fmt.Errorf("task %q: max_retries must be >= 0", name)
	}
	if _, exists := r.byName[name]; exists {
		return &DuplicateTaskError{Name: name}
	}
	def.Name = name
	r.byName[name] = len(r.defs)
	r.defs = append(r.defs, def)
	return nil
}

// All returns definitions in registration order. The slice is a copy; the
// definitions themselves are shared and must not be mutated.
func (r *Registry) All() []TaskDefinition {
	out := make([]TaskDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Get looks a definition up by name.
func (r *Registry) Get(name string) (TaskDefinition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return TaskDefinition{}, false
	}
	return r.defs[i], true
}

// Names returns task names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.Name
	}
	return out
}

func (r *Registry) Len() int { return len(r.defs) }
