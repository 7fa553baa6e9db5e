// Package traffic maintains the dynamic traffic allocation across arms.
// Allocations are recomputed from per-arm composite scores on a periodic
// tick, smoothed against the previous allocation, and published
// copy-on-write so the request hot path reads one consistent snapshot
// without taking the allocator's lock.
package traffic

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// Allocation maps arms to traffic shares. Shares sum to 1 and every arm
// holds at least the configured minimum.
type Allocation map[string]float64

// ArmMetrics carries the inputs to the composite score for one arm.
type ArmMetrics struct {
	WinRate      float64
	AvgLatencyMs float64
	AvgCostEUR   float64
	Trials       uint64
}

// CompositeScore computes the allocator's arm score: a weighted blend of
// win rate, latency headroom, cost headroom, and trial confidence. Arms
// with no data sit at the neutral 0.5.
func CompositeScore(m ArmMetrics) float64 {
	if m.Trials == 0 {
		return 0.5
	}
	latencyScore := 1 - m.AvgLatencyMs/3000
	if latencyScore < 0 {
		latencyScore = 0
	}
	costScore := 1 - m.AvgCostEUR/0.20
	if costScore < 0 {
		costScore = 0
	}
	confidenceScore := float64(m.Trials) / 50
	if confidenceScore > 1 {
		confidenceScore = 1
	}
	return 0.4*m.WinRate + 0.3*latencyScore + 0.2*costScore + 0.1*confidenceScore
}

// Config holds the allocator knobs.
type Config struct {
	MinShare  float64
	Smoothing float64
}

// DefaultConfig returns the reference allocator settings.
func DefaultConfig() Config {
	return Config{MinShare: 0.05, Smoothing: 0.3}
}

// Allocator owns the published allocation for a fixed arm set.
type Allocator struct {
	cfg  Config
	arms []string

	// published is the copy-on-write snapshot read by the hot path.
	published atomic.Pointer[Allocation]

	// tickMu serializes Tick against itself; it is never taken on the
	// request path.
	tickMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRand sets the sampling source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(a *Allocator) { a.rng = rng }
}

// New creates an allocator starting from a uniform allocation.
func New(arms []string, cfg Config, opts ...Option) *Allocator {
	if cfg.MinShare <= 0 {
		cfg.MinShare = 0.05
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 0.3
	}
	a := &Allocator{
		cfg:  cfg,
		arms: append([]string(nil), arms...),
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(a)
	}
	uniform := make(Allocation, len(arms))
	for _, arm := range arms {
		uniform[arm] = 1.0 / float64(len(arms))
	}
	a.published.Store(&uniform)
	return a
}

// Current returns the published allocation snapshot. The returned map is
// shared and must not be mutated.
func (a *Allocator) Current() Allocation {
	return *a.published.Load()
}

// Tick recomputes the target allocation from the given metrics, applies the
// exploration bonus, enforces the minimum share, smooths against the
// previous allocation, and publishes the result.
func (a *Allocator) Tick(metrics map[string]ArmMetrics) Allocation {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	prev := a.Current()

	// Proportional shares from composite scores.
	scores := make(map[string]float64, len(a.arms))
	var scoreSum float64
	var maxTrials uint64
	for _, arm := range a.arms {
		m := metrics[arm]
		s := CompositeScore(m)
		scores[arm] = s
		scoreSum += s
		if m.Trials > maxTrials {
			maxTrials = m.Trials
		}
	}
	if scoreSum <= 0 {
		return prev
	}

	target := make(Allocation, len(a.arms))
	for _, arm := range a.arms {
		share := scores[arm] / scoreSum
		if maxTrials > 0 {
			share += float64(maxTrials-metrics[arm].Trials) / (float64(maxTrials) * 10)
		}
		target[arm] = share
	}
	a.normalize(target)

	// Smooth toward the target so allocation moves gradually.
	next := make(Allocation, len(a.arms))
	for _, arm := range a.arms {
		next[arm] = prev[arm] + a.cfg.Smoothing*(target[arm]-prev[arm])
	}
	a.normalize(next)

	a.published.Store(&next)
	return next
}

// normalize clamps every share up to the minimum and rescales to sum 1,
// repeating until the floor holds after rescaling.
func (a *Allocator) normalize(alloc Allocation) {
	for i := 0; i < 8; i++ {
		var sum float64
		belowFloor := false
		for _, arm := range a.arms {
			if alloc[arm] < a.cfg.MinShare {
				alloc[arm] = a.cfg.MinShare
			}
			sum += alloc[arm]
		}
		for _, arm := range a.arms {
			alloc[arm] /= sum
			if alloc[arm] < a.cfg.MinShare-1e-12 {
				belowFloor = true
			}
		}
		if !belowFloor {
			return
		}
	}
}

// Sample draws one arm from the published allocation restricted to the
// permitted set, renormalized. It returns false when no permitted arm
// carries any share.
func (a *Allocator) Sample(permitted []string) (string, bool) {
	alloc := a.Current()

	var total float64
	for _, arm := range permitted {
		total += alloc[arm]
	}
	if total <= 0 {
		return "", false
	}

	a.rngMu.Lock()
	roll := a.rng.Float64() * total
	a.rngMu.Unlock()

	var acc float64
	for _, arm := range permitted {
		acc += alloc[arm]
		if roll < acc {
			return arm, true
		}
	}
	return permitted[len(permitted)-1], true
}

// Restore replaces the published allocation, normalizing the input. Used
// by snapshot import.
func (a *Allocator) Restore(alloc Allocation) {
	cp := make(Allocation, len(a.arms))
	for _, arm := range a.arms {
		cp[arm] = alloc[arm]
	}
	a.normalize(cp)
	a.published.Store(&cp)
}
