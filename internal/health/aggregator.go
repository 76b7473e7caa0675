// Package health fans out to independent subsystem probes and folds their
// outcomes into one status.
//
// Isolation is the point: probes run concurrently, each failure (error
// return or panic) is captured as a synthetic error outcome, and no probe
// can abort its siblings or the aggregator itself.
package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/registry"
	"chronod/pkg/logx"
)

// FoldedEvent is published on the bus after every aggregation.
type FoldedEvent struct {
	Status string             `json:"status"` // healthy | degraded
	Checks map[string]Outcome `json:"checks"`
}

type Aggregator struct {
	log    logx.Logger
	bus    eventbus.Bus
	probes []Probe
}

// NewAggregator builds an aggregator over the given probes. bus may be nil.
func NewAggregator(log logx.Logger, bus eventbus.Bus, probes ...Probe) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{log: log, bus: bus, probes: probes}
}

// Unit adapts the aggregator to the task registry's unit signature.
func (a *Aggregator) Unit() registry.Unit {
	return func(ctx context.Context, _ registry.Call) (registry.Result, error) {
		return a.Run(ctx), nil
	}
}

// Run launches all probes concurrently, joins on every outcome, and folds.
//
// The aggregator itself always completes: degraded subsystem health is
// reported in the payload, never as a task failure.
func (a *Aggregator) Run(ctx context.Context) registry.Result {
	var (
		mu     sync.Mutex
		checks = make(map[string]Outcome, len(a.probes))
		wg     sync.WaitGroup
	)

	for _, p := range a.probes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := a.checkOne(ctx, p)
			mu.Lock()
			checks[string(p.Source())] = outcome
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Fold: healthy iff every probe passed or was intentionally disabled.
	// The rule is symmetric in probe order.
	allHealthy := true
	for _, out := range checks {
		if out.Status != StatusHealthy && out.Status != StatusNotConfigured {
			allHealthy = false
			break
		}
	}
	folded := "healthy"
	level := logx.LevelInfo
	if !allHealthy {
		folded = "degraded"
		level = logx.LevelWarn
	}

	// Severity selection is part of the contract: info when healthy,
	// warn when degraded.
	a.log.Log(level, "health check completed",
		logx.String("status", folded),
		logx.Int("checks", len(checks)),
		logx.Any("results", checks),
	)

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeHealthFolded,
			Time: time.Now(),
			Data: FoldedEvent{Status: folded, Checks: checks},
		})
	}

	return registry.Completed(map[string]any{
		"status": folded,
		"checks": checks,
	})
}

// checkOne runs a single probe, converting error returns and panics into
// synthetic error outcomes.
func (a *Aggregator) checkOne(ctx context.Context, p Probe) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("probe panicked",
				logx.String("probe", string(p.Source())),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = Outcome{
				Status: StatusError,
				Detail: map[string]any{"error": fmt.Sprintf("panic: %v", r)},
			}
		}
	}()

	outcome, err := p.Check(ctx)
	if err != nil {
		return Outcome{
			Status: StatusError,
			Detail: map[string]any{"error": err.Error()},
		}
	}
	if outcome.Status == "" {
		outcome.Status = StatusError
		if outcome.Detail == nil {
			outcome.Detail = map[string]any{"error": "probe returned empty status"}
		}
	}
	return outcome
}
