package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plexarhq/plexar/internal/providers"
)

// fakeClient serves canned health answers per arm.
type fakeClient struct {
	mu      sync.Mutex
	healthy map[string]bool
	calls   map[string]int
	block   chan struct{} // when set, HealthCheck blocks until closed
}

func (f *fakeClient) Execute(ctx context.Context, arm string, req providers.ExecRequest) (providers.ExecResult, error) {
	return providers.ExecResult{}, errors.New("not used")
}

func (f *fakeClient) HealthCheck(ctx context.Context, arm string) (providers.HealthStatus, error) {
	f.mu.Lock()
	f.calls[arm]++
	healthy := f.healthy[arm]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return providers.HealthStatus{}, ctx.Err()
		}
	}
	if !healthy {
		return providers.HealthStatus{OK: false, LatencyMs: 10}, nil
	}
	return providers.HealthStatus{OK: true, LatencyMs: 5}, nil
}

func TestProbeFeedsResults(t *testing.T) {
	fc := &fakeClient{
		healthy: map[string]bool{"openai": true, "vllm": false},
		calls:   map[string]int{},
	}

	var mu sync.Mutex
	results := map[string]bool{}
	p := NewProber(ProberConfig{Interval: time.Hour, ProbeTimeout: time.Second},
		fc, []string{"openai", "vllm"}, nil,
		WithOnResult(func(arm string, ok bool, latencyMs float64) {
			mu.Lock()
			results[arm] = ok
			mu.Unlock()
		}))

	p.probeAll()

	mu.Lock()
	defer mu.Unlock()
	if !results["openai"] || results["vllm"] {
		t.Fatalf("unexpected probe results: %v", results)
	}

	sts := p.Statuses()
	if !sts["openai"].OK || sts["vllm"].OK {
		t.Fatalf("statuses out of sync: %+v", sts)
	}
}

func TestProbeTimeoutReportedAsFailure(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fc := &fakeClient{
		healthy: map[string]bool{"openai": true},
		calls:   map[string]int{},
		block:   block,
	}

	var got *bool
	p := NewProber(ProberConfig{Interval: time.Hour, ProbeTimeout: 20 * time.Millisecond},
		fc, []string{"openai"}, nil,
		WithOnResult(func(arm string, ok bool, latencyMs float64) { got = &ok }))

	p.probeAll()
	if got == nil || *got {
		t.Fatal("timed-out probe must report unhealthy")
	}
	if p.Statuses()["openai"].Error == "" {
		t.Fatal("timeout should be recorded in the status error")
	}
}

func TestStartStop(t *testing.T) {
	fc := &fakeClient{healthy: map[string]bool{"openai": true}, calls: map[string]int{}}
	p := NewProber(ProberConfig{Interval: 10 * time.Millisecond, ProbeTimeout: time.Second},
		fc, []string{"openai"}, nil)

	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.calls["openai"] < 2 {
		t.Fatalf("expected repeated probes, got %d", fc.calls["openai"])
	}
}
