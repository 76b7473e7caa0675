// Package engine executes task firings on a small worker pool and enforces
// the per-firing retry contract:
//
//	Pending -> Running -> Succeeded                    (terminal)
//	                 \-> Failed -> Pending (attempt+1) while attempts remain
//	                          \-> FailedTerminal       (terminal)
//
// Attempt counters are scoped to one firing; a new cron tick always starts
// at attempt 1. Terminal failures are surfaced to observability and never
// re-raised to the process.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	"chronod/internal/registry"
	"chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	q        chan queuedFiring
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *supervisor.Supervisor

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight int32
	idSeq    uint64

	executed uint64
	failed   uint64
	retried  uint64
	skipped  uint64
}

type queuedFiring struct {
	firing     Firing
	enqueuedAt time.Time
	state      *RunState
}

// New constructs an engine. bus and store may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		states: make(map[string]*RunState),
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedFiring, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) {
			s.worker(c, stopCh, queue, idx)
		})
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop drains in-flight work and joins the workers.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		// Workers are gone; anything still queued never ran. Release its
		// overlap state so a later Start can fire those tasks again.
		for {
			select {
			case qf := <-queue:
				qf.state.release()
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue accepts a firing without blocking. The overlap policy is
// skip-if-running: if a previous firing of the same task is still queued or
// executing, the new one is dropped with ErrOverlapSkip.
func (s *Service) Enqueue(f Firing) error {
	if f.Task.Unit == nil {
		return fmt.Errorf("firing unit is nil")
	}
	name := strings.TrimSpace(f.Task.Name)
	if name == "" {
		return fmt.Errorf("firing task name is required")
	}
	f.Task.Name = name

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	if f.Timeout <= 0 {
		f.Timeout = cfg.DefaultTimeout
	}

	now := time.Now()
	st := s.stateFor(name)
	if !st.tryAcquire() {
		atomic.AddUint64(&s.skipped, 1)
		s.publish(eventbus.TypeTaskSkipped, RunEvent{ID: s.newRunID(now), Task: name, Schedule: f.Schedule, Started: now, Error: "overlap_skip"})
		s.log.Debug("firing skipped: previous run still in flight", logx.String("task", name))
		return ErrOverlapSkip
	}

	select {
	case q <- queuedFiring{firing: f, enqueuedAt: now, state: st}:
		return nil
	default:
		st.release()
		s.log.Warn("firing dropped: queue full",
			logx.String("task", name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Executed: atomic.LoadUint64(&s.executed),
		Failed:   atomic.LoadUint64(&s.failed),
		Retried:  atomic.LoadUint64(&s.retried),
		Skipped:  atomic.LoadUint64(&s.skipped),
		History:  h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newRunID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("run-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) recordRun(item HistoryItem, result registry.Result) {
	if s.store == nil {
		return
	}
	rec := storage.RunRecord{
		RunID:    item.ID,
		Task:     item.Task,
		Started:  item.Started.UTC(),
		Duration: item.Duration,
		Attempts: item.Attempts,
		Status:   string(item.Status),
		Error:    item.Error,
	}
	if result.Payload != nil {
		rec.Payload = storage.EncodePayload(result.Payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.log.Warn("run record write failed", logx.String("task", item.Task), logx.Err(err))
	}
}
