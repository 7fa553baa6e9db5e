// Package health probes provider arms on a fixed interval and feeds the
// results to the circuit breaker (a successful probe lets an open arm start
// recovering) and to a gauge callback. Probes are coalesced: at most one is
// in flight per arm at any time.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/plexarhq/plexar/internal/providers"
)

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Status is an arm's last observed probe result.
type Status struct {
	Arm       string    `json:"arm"`
	OK        bool      `json:"ok"`
	LatencyMs float64   `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Prober periodically health-checks every arm through the provider client.
type Prober struct {
	cfg    ProberConfig
	client providers.Client
	logger *slog.Logger

	// onResult receives every probe outcome (breaker wiring, gauges).
	onResult func(arm string, ok bool, latencyMs float64)

	stop chan struct{}
	done chan struct{}

	mu       sync.RWMutex
	arms     []string
	inflight map[string]bool
	last     map[string]Status
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithOnResult registers the probe-outcome callback.
func WithOnResult(fn func(arm string, ok bool, latencyMs float64)) ProberOption {
	return func(p *Prober) { p.onResult = fn }
}

// NewProber creates a health check prober over the given arms.
func NewProber(cfg ProberConfig, client providers.Client, arms []string, logger *slog.Logger, opts ...ProberOption) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		arms:     append([]string(nil), arms...),
		inflight: make(map[string]bool),
		last:     make(map[string]Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

// probeAll launches one probe per arm, skipping arms whose previous probe
// is still in flight.
func (p *Prober) probeAll() {
	var wg sync.WaitGroup
	for _, arm := range p.arms {
		p.mu.Lock()
		if p.inflight[arm] {
			p.mu.Unlock()
			continue
		}
		p.inflight[arm] = true
		p.mu.Unlock()

		wg.Add(1)
		go func(arm string) {
			defer wg.Done()
			p.probe(arm)
			p.mu.Lock()
			p.inflight[arm] = false
			p.mu.Unlock()
		}(arm)
	}
	wg.Wait()
}

func (p *Prober) probe(arm string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	st := Status{Arm: arm, CheckedAt: time.Now().UTC()}
	hs, err := p.client.HealthCheck(ctx, arm)
	if err != nil {
		st.Error = err.Error()
		p.logger.Warn("health probe failed",
			slog.String("arm", arm),
			slog.String("error", err.Error()))
	} else {
		st.OK = hs.OK
		st.LatencyMs = hs.LatencyMs
	}

	p.mu.Lock()
	p.last[arm] = st
	p.mu.Unlock()

	if p.onResult != nil {
		p.onResult(arm, st.OK, st.LatencyMs)
	}
}

// Statuses returns the last probe result per arm.
func (p *Prober) Statuses() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Status, len(p.last))
	for arm, st := range p.last {
		out[arm] = st
	}
	return out
}
