package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronod/internal/storage"
)

type pingStore struct {
	err error
}

func (p *pingStore) AppendRun(ctx context.Context, rec storage.RunRecord) error { return nil }
func (p *pingStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (p *pingStore) TaskStats(ctx context.Context, since time.Time) ([]storage.TaskStat, error) {
	return nil, nil
}
func (p *pingStore) Ping(ctx context.Context) error { return p.err }
func (p *pingStore) Close() error                   { return nil }

func TestDatabaseProbeNotConfigured(t *testing.T) {
	t.Parallel()
	p := &DatabaseProbe{}
	out, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if out.Status != StatusNotConfigured {
		t.Fatalf("status = %s, want not_configured for nil store", out.Status)
	}
}

func TestDatabaseProbeHealthy(t *testing.T) {
	t.Parallel()
	p := &DatabaseProbe{Store: &pingStore{}}
	out, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if out.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", out.Status)
	}
	if _, ok := out.Detail["latency_ms"]; !ok {
		t.Fatal("healthy outcome missing latency detail")
	}
}

func TestDatabaseProbePingFailure(t *testing.T) {
	t.Parallel()
	p := &DatabaseProbe{Store: &pingStore{err: errors.New("database is locked")}}
	_, err := p.Check(context.Background())
	if err == nil {
		t.Fatal("Check succeeded with failing ping")
	}
}

func TestCacheProbeNotConfigured(t *testing.T) {
	t.Parallel()
	p := &CacheProbe{}
	out, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if out.Status != StatusNotConfigured {
		t.Fatalf("status = %s, want not_configured for empty addr", out.Status)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestCacheProbeUnreachable(t *testing.T) {
	t.Parallel()
	// Reserved TEST-NET-1 address: connection must fail fast.
	p := &CacheProbe{Addr: "192.0.2.1:6379", Timeout: 200 * time.Millisecond}
	defer p.Close()
	_, err := p.Check(context.Background())
	if err == nil {
		t.Fatal("Check succeeded against unreachable redis")
	}
}

func TestNetworkProbeDisabled(t *testing.T) {
	t.Parallel()
	p := &NetworkProbe{}
	out, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if out.Status != StatusNotConfigured {
		t.Fatalf("status = %s, want not_configured when disabled", out.Status)
	}
}
