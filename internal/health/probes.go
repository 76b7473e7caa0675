package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	st "github.com/showwin/speedtest-go/speedtest"

	"chronod/internal/storage"
)

// Probe verifies liveness of one subsystem. A probe either returns an
// Outcome or an error; the aggregator converts errors into synthetic
// error outcomes so they never abort sibling probes.
//
// Each probe bounds its own work (the aggregator does not impose a timeout
// on top).
type Probe interface {
	Source() Source
	Check(ctx context.Context) (Outcome, error)
}

// ---- database ----

// DatabaseProbe pings the run-history store.
type DatabaseProbe struct {
	Store   storage.Store
	Timeout time.Duration
}

func (p *DatabaseProbe) Source() Source { return SourceDatabase }

func (p *DatabaseProbe) Check(ctx context.Context) (Outcome, error) {
	if p.Store == nil {
		return Outcome{Status: StatusNotConfigured}, nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := p.Store.Ping(ctx); err != nil {
		return Outcome{}, fmt.Errorf("store ping: %w", err)
	}
	return Outcome{
		Status: StatusHealthy,
		Detail: map[string]any{"latency_ms": time.Since(start).Milliseconds()},
	}, nil
}

// ---- cache ----

// CacheProbe pings Redis. An empty address means the cache is intentionally
// not configured, which counts as a pass.
type CacheProbe struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration

	client *redis.Client
}

func (p *CacheProbe) Source() Source { return SourceCache }

func (p *CacheProbe) Check(ctx context.Context) (Outcome, error) {
	if p.Addr == "" {
		return Outcome{Status: StatusNotConfigured}, nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if p.client == nil {
		p.client = redis.NewClient(&redis.Options{
			Addr:        p.Addr,
			Password:    p.Password,
			DB:          p.DB,
			DialTimeout: timeout,
			ReadTimeout: timeout,
		})
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return Outcome{}, fmt.Errorf("redis ping: %w", err)
	}
	return Outcome{
		Status: StatusHealthy,
		Detail: map[string]any{"latency_ms": time.Since(start).Milliseconds()},
	}, nil
}

func (p *CacheProbe) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// ---- network ----

// NetworkProbe pings the nearest speedtest server. This is a latency check
// only; it never runs a full bandwidth test.
type NetworkProbe struct {
	Enabled    bool
	Timeout    time.Duration
	MaxLatency time.Duration // above this the network counts as unhealthy
}

func (p *NetworkProbe) Source() Source { return SourceNetwork }

func (p *NetworkProbe) Check(ctx context.Context) (Outcome, error) {
	if !p.Enabled {
		return Outcome{Status: StatusNotConfigured}, nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxLatency := p.MaxLatency
	if maxLatency <= 0 {
		maxLatency = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Avoid package-level speedtest helpers; speedtest-go can keep
	// package-level state.
	client := st.New()
	defer client.Reset()

	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Outcome{}, fmt.Errorf("no speedtest servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })

	srv := servers[0]
	if err := srv.PingTestContext(ctx, nil); err != nil {
		return Outcome{}, fmt.Errorf("ping test: %w", err)
	}

	detail := map[string]any{
		"server":     srv.Name,
		"latency_ms": srv.Latency.Milliseconds(),
	}
	if srv.Latency > maxLatency {
		return Outcome{Status: StatusUnhealthy, Detail: detail}, nil
	}
	return Outcome{Status: StatusHealthy, Detail: detail}, nil
}
