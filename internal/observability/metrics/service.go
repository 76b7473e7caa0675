// Package metrics exposes execution metrics over HTTP.
//
// It subscribes to the event bus (never polls the engine) and serves
// Prometheus metrics plus pprof on one loopback-by-default listener.
package metrics

import (
	"context"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/health"
	"chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// Config controls the optional metrics HTTP server.
//
// Security: prefer binding to localhost (default). This endpoint carries no
// auth of its own.
type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	reg *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	skippedTotal *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	healthGauge  *prometheus.GaugeVec
	windowRuns   *prometheus.GaugeVec
	windowFails  *prometheus.GaugeVec

	extra map[string]http.Handler

	ln    net.Listener
	srv   *http.Server
	sup   *supervisor.Supervisor
	unsub func()
}

// Handle mounts an extra diagnostics handler on the metrics listener.
// Must be called before Start; later calls are ignored.
func (s *Service) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = h
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()

	s := &Service{
		log: log,
		cfg: cfg,
		reg: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronod_task_runs_total",
			Help: "Terminal task firings by task and status.",
		}, []string{"task", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronod_task_retries_total",
			Help: "Retry attempts beyond the first, by task.",
		}, []string{"task"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronod_task_skipped_total",
			Help: "Firings skipped by the overlap policy, by task.",
		}, []string{"task"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronod_task_run_seconds",
			Help:    "Firing duration in seconds, by task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		healthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronod_health_status",
			Help: "Per-probe health (1 = healthy or not_configured, 0 = anything else).",
		}, []string{"check"}),
		windowRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronod_window_runs",
			Help: "Runs in the last aggregation window, by task.",
		}, []string{"task"}),
		windowFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronod_window_failures",
			Help: "Failures in the last aggregation window, by task.",
		}, []string{"task"}),
	}
	reg.MustRegister(s.runsTotal, s.retriesTotal, s.skippedTotal, s.runDuration, s.healthGauge, s.windowRuns, s.windowFails)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start subscribes to the bus and, if enabled, serves HTTP.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	extra := s.extra
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	if bus != nil {
		events, unsub := bus.Subscribe(64)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
		sup.Go("bus_consumer", func(c context.Context) {
			s.consume(c, events)
		})
	}

	if !cfg.Enabled {
		return
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	sup.Go("http", func(c context.Context) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server error", logx.Err(err))
		}
	})

	s.log.Info("metrics server started", logx.String("addr", ln.Addr().String()))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	sup := s.sup
	s.sup = nil
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.record(e)
		}
	}
}

func (s *Service) record(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed:
		ev, ok := e.Data.(engine.RunEvent)
		if !ok {
			return
		}
		status := string(ev.Status)
		if status == "" {
			status = "error"
		}
		s.runsTotal.WithLabelValues(ev.Task, status).Inc()
		s.runDuration.WithLabelValues(ev.Task).Observe(ev.Duration.Seconds())
		if ev.Attempts > 1 {
			s.retriesTotal.WithLabelValues(ev.Task).Add(float64(ev.Attempts - 1))
		}
	case eventbus.TypeTaskSkipped:
		ev, ok := e.Data.(engine.RunEvent)
		if !ok {
			return
		}
		s.skippedTotal.WithLabelValues(ev.Task).Inc()
	case eventbus.TypeHealthFolded:
		ev, ok := e.Data.(health.FoldedEvent)
		if !ok {
			return
		}
		for check, out := range ev.Checks {
			v := 0.0
			if out.Status == health.StatusHealthy || out.Status == health.StatusNotConfigured {
				v = 1.0
			}
			// Snap labels to the closed source set so a stray probe name
			// cannot grow gauge cardinality.
			s.healthGauge.WithLabelValues(string(health.ParseSource(check))).Set(v)
		}
	}
}

// SetWindowStats publishes the metrics-aggregation task's windowed view.
func (s *Service) SetWindowStats(stats []storage.TaskStat) {
	s.windowRuns.Reset()
	s.windowFails.Reset()
	for _, st := range stats {
		s.windowRuns.WithLabelValues(st.Task).Set(float64(st.Runs))
		s.windowFails.WithLabelValues(st.Task).Set(float64(st.Failures))
	}
}
