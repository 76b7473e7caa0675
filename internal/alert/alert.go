// Package alert pushes operator notifications to Telegram.
//
// It listens on the event bus for terminal task failures and degraded
// health folds. Delivery is best-effort: the queue is bounded, sends are
// rate-limited, and a slow or unreachable Telegram API never blocks the
// scheduling core.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/health"
	"chronod/internal/runtime/supervisor"
	"chronod/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// RatePerMin caps outgoing messages. Default 20.
	RatePerMin int
}

type Service struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	queue   chan string

	sup   *supervisor.Supervisor
	unsub func()
}

// New builds the notifier. A disabled config returns a no-op service.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is required when alerts are enabled")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: telegram chat_id is required when alerts are enabled")
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert: telegram bot init: %w", err)
	}

	rpm := cfg.RatePerMin
	if rpm <= 0 {
		rpm = 20
	}
	s.bot = bot
	s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 2)
	s.queue = make(chan string, 64)
	return s, nil
}

func (s *Service) Enabled() bool { return s != nil && s.bot != nil }

// Start subscribes to the bus and launches the sender loop.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	if !s.Enabled() || bus == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	events, unsub := bus.Subscribe(64)
	s.unsub = unsub
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.sup.Go("bus_consumer", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if msg := s.format(e); msg != "" {
					s.enqueue(msg)
				}
			}
		}
	})
	s.sup.Go("sender", func(c context.Context) {
		s.sender(c)
	})

	s.log.Info("alert notifier started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.sup != nil {
		s.sup.Cancel()
		_ = s.sup.Wait(ctx)
		s.sup = nil
	}
}

func (s *Service) format(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeTaskFailed:
		ev, ok := e.Data.(engine.RunEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("[ERROR] task %s failed terminally after %d attempt(s)\n%s",
			ev.Task, ev.Attempts, truncate(ev.Error, 600))
	case eventbus.TypeHealthFolded:
		ev, ok := e.Data.(health.FoldedEvent)
		if !ok || ev.Status != "degraded" {
			return ""
		}
		var b strings.Builder
		b.WriteString("[WARN] health degraded")
		for check, out := range ev.Checks {
			if out.Status == health.StatusHealthy || out.Status == health.StatusNotConfigured {
				continue
			}
			fmt.Fprintf(&b, "\n- %s=%s", check, out.Status)
			if msg, ok := out.Detail["error"].(string); ok {
				b.WriteString(": ")
				b.WriteString(truncate(msg, 300))
			}
		}
		return b.String()
	default:
		return ""
	}
}

// enqueue never blocks the bus consumer; alerts drop under pressure.
func (s *Service) enqueue(msg string) {
	select {
	case s.queue <- msg:
	default:
		s.log.Debug("alert dropped (queue full)")
	}
}

func (s *Service) sender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), msg); err != nil {
				s.log.Warn("alert send failed", logx.Err(err))
			}
		}
	}
}

func truncate(v string, maxN int) string {
	if maxN <= 0 || len(v) <= maxN {
		return v
	}
	if maxN < 10 {
		return v[:maxN]
	}
	return v[:maxN-3] + "..."
}
