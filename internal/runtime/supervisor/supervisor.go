// Package supervisor owns named goroutines tied to a shared context.
//
// Components hand their background loops to a Supervisor instead of spawning
// bare goroutines, so shutdown has a single join point and a panicking loop
// cannot take the process down silently.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chronod/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger
	wg  sync.WaitGroup

	started uint64
	active  int64
	panics  uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Go runs fn in a named, panic-recovering goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer s.recoverPanic(name)
		fn(s.ctx)
	}()
}

// GoRestart runs fn like Go, but restarts it after a panic (with a small
// backoff) until the supervisor context is cancelled. Clean returns are
// treated as final.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		backoff := 250 * time.Millisecond
		for {
			panicked := s.runOnce(name, fn)
			if !panicked {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			atomic.AddUint64(&s.panics, 1)
			s.log.Error("goroutine panicked",
				logx.String("goroutine", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(s.ctx)
	return false
}

func (s *Supervisor) recoverPanic(name string) {
	if r := recover(); r != nil {
		atomic.AddUint64(&s.panics, 1)
		s.log.Error("goroutine panicked",
			logx.String("goroutine", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
	}
}

// Wait blocks until all goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor wait: %w", ctx.Err())
	}
}

// Counters reports best-effort goroutine counters (operational signal only).
func (s *Supervisor) Counters() (active int64, started, panics uint64) {
	return atomic.LoadInt64(&s.active), atomic.LoadUint64(&s.started), atomic.LoadUint64(&s.panics)
}
