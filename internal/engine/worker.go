package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/registry"
	"chronod/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedFiring, idx int) {
	// Per-worker RNG: avoids global lock contention when several tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qf, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qf, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qf queuedFiring, rng *rand.Rand) {
	defer qf.state.release()

	f := qf.firing
	start := time.Now()
	runID := s.newRunID(start)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Debug("firing started",
		logx.String("task", f.Task.Name),
		logx.String("schedule", f.Schedule),
		logx.String("run_id", runID),
	)
	s.publish(eventbus.TypeTaskStarted, RunEvent{ID: runID, Task: f.Task.Name, Schedule: f.Schedule, Started: start})

	maxAttempts := f.Task.Retry.MaxAttempts()

	var result registry.Result
	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if f.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		}
		// Guard against unit panics: convert to error so one bad task can't
		// crash the process or permanently kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("unit panicked",
						logx.String("task", f.Task.Name),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			result, err = f.Task.Unit(runCtx, f.Call)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		// Units may mark failures as permanently non-retryable.
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		atomic.AddUint64(&s.retried, 1)
		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("retry scheduled",
			logx.String("task", f.Task.Name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			err = errors.New("engine stopped during retry wait")
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	atomic.AddUint64(&s.executed, 1)

	item := HistoryItem{ID: runID, Task: f.Task.Name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		// FailedTerminal: the firing is abandoned, visibly.
		atomic.AddUint64(&s.failed, 1)
		item.Status = registry.StatusError
		item.Error = err.Error()
		s.log.Error("firing failed terminally",
			logx.String("task", f.Task.Name),
			logx.String("run_id", runID),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		s.publish(eventbus.TypeTaskFailed, RunEvent{ID: runID, Task: f.Task.Name, Schedule: f.Schedule, Started: start, Duration: dur, Attempts: attempts, Status: registry.StatusError, Error: item.Error})
	} else {
		if result.Status == "" {
			result.Status = registry.StatusCompleted
		}
		if result.CompletedAt.IsZero() {
			result.CompletedAt = time.Now().UTC()
		}
		item.Status = result.Status
		s.log.Info("firing completed",
			logx.String("task", f.Task.Name),
			logx.String("run_id", runID),
			logx.String("status", string(result.Status)),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
		)
		s.publish(eventbus.TypeTaskCompleted, RunEvent{ID: runID, Task: f.Task.Name, Schedule: f.Schedule, Started: start, Duration: dur, Attempts: attempts, Status: result.Status})
	}

	s.appendHistory(item)
	s.recordRun(item, result)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
