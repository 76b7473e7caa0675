// Package broker translates task definitions into cron entries.
//
// It owns wall-clock triggering only: when a schedule is due, the broker
// enqueues a firing into the execution engine and goes back to sleep.
// Registration is all-or-nothing: every cron expression of every definition
// is validated before the first entry is added, so the process either boots
// with the complete schedule table or not at all.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"chronod/internal/engine"
	"chronod/internal/registry"
	"chronod/pkg/logx"
)

// Config controls the broker adapter.
type Config struct {
	// TaskTimeout bounds one attempt of any firing. 0 disables the bound.
	TaskTimeout time.Duration
}

// InvalidScheduleError reports a cron expression that failed validation,
// naming the offending task and field. Fatal at start-up.
type InvalidScheduleError struct {
	Task  string
	Field string // minute | hour | day_of_month | month | day_of_week | expression
	Spec  string
	Err   error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("task %q: invalid cron %q (field %s): %v", e.Task, e.Spec, e.Field, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// RegistrationReport summarizes a successful RegisterAll for structured logging.
type RegistrationReport struct {
	Count int
	Tasks []string
}

type entry struct {
	task string
	spec string
	id   cron.EntryID
}

// Adapter registers task definitions with the cron runtime.
type Adapter struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	engine  *engine.Service
	parser  cron.Parser
	c       *cron.Cron
	entries map[string][]entry // task name -> live cron entries

	// enqueue failures can be bursty (queue full during slow runs); keep the
	// log volume bounded.
	warnLimit *rate.Limiter
}

func New(cfg Config, eng *engine.Service, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Strict five-field cron (minute hour dom month dow), evaluated in UTC.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Adapter{
		cfg:       cfg,
		log:       log,
		engine:    eng,
		parser:    parser,
		c:         cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		entries:   map[string][]entry{},
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// RegisterAll validates and registers every definition in the registry.
//
// On any invalid schedule it returns *InvalidScheduleError and registers
// nothing. Re-registering a name that is already present replaces its
// entries (idempotent under process restart).
func (a *Adapter) RegisterAll(reg *registry.Registry) (RegistrationReport, error) {
	defs := reg.All()

	// Phase 1: validate everything before touching cron state.
	for _, def := range defs {
		for _, sched := range def.Schedules {
			if field, err := a.validateSpec(sched.Cron); err != nil {
				return RegistrationReport{}, &InvalidScheduleError{
					Task:  def.Name,
					Field: field,
					Spec:  sched.Cron,
					Err:   err,
				}
			}
		}
	}

	// Phase 2: add entries. These Parse calls cannot fail anymore.
	a.mu.Lock()
	defer a.mu.Unlock()
	report := RegistrationReport{Tasks: make([]string, 0, len(defs))}
	for _, def := range defs {
		a.removeLocked(def.Name)
		for _, sched := range def.Schedules {
			def := def
			sched := sched
			id, err := a.c.AddFunc(sched.Cron, func() {
				a.fire(def, sched)
			})
			if err != nil {
				// Unreachable after phase 1; fail closed anyway.
				a.removeLocked(def.Name)
				return RegistrationReport{}, &InvalidScheduleError{Task: def.Name, Field: "expression", Spec: sched.Cron, Err: err}
			}
			a.entries[def.Name] = append(a.entries[def.Name], entry{task: def.Name, spec: sched.Cron, id: id})
		}
		report.Tasks = append(report.Tasks, def.Name)
	}
	report.Count = len(report.Tasks)

	a.log.Info("scheduled tasks registered",
		logx.Int("task_count", report.Count),
		logx.Strings("tasks", report.Tasks),
	)
	return report, nil
}

func (a *Adapter) fire(def registry.TaskDefinition, sched registry.ScheduleDescriptor) {
	err := a.engine.Enqueue(engine.Firing{
		Task:     def,
		Call:     registry.Call{Args: sched.Args, Kwargs: sched.Kwargs},
		Schedule: sched.Cron,
		Timeout:  a.cfg.TaskTimeout,
	})
	if err == nil {
		return
	}
	if err == engine.ErrOverlapSkip {
		// Normal under the skip-if-running overlap policy.
		a.log.Debug("trigger skipped", logx.String("task", def.Name), logx.Err(err))
		return
	}
	if a.warnLimit.Allow() {
		a.log.Warn("trigger failed to enqueue firing", logx.String("task", def.Name), logx.Err(err))
	}
}

// Start begins wall-clock triggering.
func (a *Adapter) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven stop policies
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.Start()
	n := 0
	for _, es := range a.entries {
		n += len(es)
	}
	a.log.Info("broker started", logx.String("tz", "UTC"), logx.Int("entries", n))
}

// Stop halts triggering and waits for any in-progress trigger callbacks.
func (a *Adapter) Stop(ctx context.Context) {
	a.mu.Lock()
	c := a.c
	a.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	a.log.Info("broker stopped")
}

// NextRuns previews upcoming run times for a task, for diagnostics.
func (a *Adapter) NextRuns(task string, n int) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []time.Time
	for _, e := range a.entries[task] {
		sched, err := a.parser.Parse(e.spec)
		if err != nil {
			continue
		}
		t := time.Now().UTC()
		for i := 0; i < n; i++ {
			t = sched.Next(t)
			if t.IsZero() {
				break
			}
			out = append(out, t)
		}
	}
	return out
}

func (a *Adapter) removeLocked(task string) {
	for _, e := range a.entries[task] {
		a.c.Remove(e.id)
	}
	delete(a.entries, task)
}

var cronFieldNames = [5]string{"minute", "hour", "day_of_month", "month", "day_of_week"}

// validateSpec checks a five-field cron expression and, on failure, isolates
// the offending field by probing each field against a wildcard template.
func (a *Adapter) validateSpec(spec string) (field string, err error) {
	fields := strings.Fields(strings.TrimSpace(spec))
	if len(fields) != 5 {
		return "expression", fmt.Errorf("expected 5 fields (minute hour day-of-month month day-of-week), got %d", len(fields))
	}
	if _, err := a.parser.Parse(spec); err == nil {
		return "", nil
	}
	for i, f := range fields {
		probe := []string{"*", "*", "*", "*", "*"}
		probe[i] = f
		if _, perr := a.parser.Parse(strings.Join(probe, " ")); perr != nil {
			return cronFieldNames[i], perr
		}
	}
	// Fields are individually fine but the combination is not; report whole.
	_, err = a.parser.Parse(spec)
	return "expression", err
}
