// Package costopt implements cost-aware routing bias: it maintains a
// cost/performance profile per arm and can override the bandit's candidate
// with a cheaper arm, subject to the configured strategy's performance
// constraints. It also tracks progress toward a cost-reduction target.
package costopt

import (
	"math"
	"sync"
	"time"
)

// Strategy selects the override rule applied during arm selection.
type Strategy string

const (
	// AggressiveCost always picks the cheapest arm that still succeeds at
	// least half the time.
	AggressiveCost Strategy = "aggressive_cost"
	// BalancedCostPerf trades cost, success rate, and latency by weighted
	// score.
	BalancedCostPerf Strategy = "balanced_cost_performance"
	// PerformanceAware is Balanced with a hard latency-degradation ceiling.
	PerformanceAware Strategy = "performance_aware"
	// DynamicTime is Aggressive during off-peak hours, Balanced otherwise.
	DynamicTime Strategy = "dynamic_time"
)

// RouteProfile is the learned cost/performance profile of one arm.
type RouteProfile struct {
	Arm                 string  `json:"arm"`
	AvgCostPerRequest   float64 `json:"avg_cost_per_request"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	SuccessRate         float64 `json:"success_rate"`
	CostEfficiencyScore float64 `json:"cost_efficiency_score"`
	Trials              uint64  `json:"trials"`
}

// Config holds the optimizer knobs.
type Config struct {
	Strategy            Strategy
	CostWeight          float64
	PerformanceWeight   float64
	LatencyWeight       float64
	MaxDegradationFrac  float64
	OffPeakHours        []int
	TargetCostReduction float64
	BaselineCostPerReq  float64
	// Smoothing is the EMA factor applied to new observations.
	Smoothing float64
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:            BalancedCostPerf,
		CostWeight:          0.4,
		PerformanceWeight:   0.4,
		LatencyWeight:       0.2,
		MaxDegradationFrac:  0.5,
		OffPeakHours:        []int{0, 1, 2, 3, 4, 5, 6, 22, 23},
		TargetCostReduction: 0.20,
		BaselineCostPerReq:  0.05,
		Smoothing:           0.1,
	}
}

// Optimizer tracks per-arm route profiles and applies cost-aware selection.
type Optimizer struct {
	cfg     Config
	nowFunc func() time.Time

	mu       sync.RWMutex
	profiles map[string]*RouteProfile
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithNowFunc overrides the clock used by the DynamicTime strategy.
func WithNowFunc(now func() time.Time) Option {
	return func(o *Optimizer) { o.nowFunc = now }
}

// New creates a cost optimizer with empty profiles.
func New(cfg Config, opts ...Option) *Optimizer {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 0.1
	}
	if cfg.TargetCostReduction <= 0 {
		cfg.TargetCostReduction = 0.20
	}
	if cfg.Strategy == "" {
		cfg.Strategy = BalancedCostPerf
	}
	o := &Optimizer{
		cfg:      cfg,
		nowFunc:  time.Now,
		profiles: make(map[string]*RouteProfile),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Record folds one outcome into the arm's profile using an exponential
// moving average, so recent behaviour dominates without discarding history.
func (o *Optimizer) Record(arm string, success bool, costEUR, latencyMs float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.profiles[arm]
	if !ok {
		p = &RouteProfile{Arm: arm}
		o.profiles[arm] = p
	}

	succ := 0.0
	if success {
		succ = 1.0
	}

	if p.Trials == 0 {
		p.AvgCostPerRequest = costEUR
		p.AvgLatencyMs = latencyMs
		p.SuccessRate = succ
	} else {
		a := o.cfg.Smoothing
		p.AvgCostPerRequest = (1-a)*p.AvgCostPerRequest + a*costEUR
		p.AvgLatencyMs = (1-a)*p.AvgLatencyMs + a*latencyMs
		p.SuccessRate = (1-a)*p.SuccessRate + a*succ
	}
	p.Trials++
	// Successes delivered per euro; the cheap-and-reliable arm scores highest.
	p.CostEfficiencyScore = p.SuccessRate / (p.AvgCostPerRequest + 1e-4)
}

// Profile returns a copy of the arm's profile and whether it exists.
func (o *Optimizer) Profile(arm string) (RouteProfile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.profiles[arm]
	if !ok {
		return RouteProfile{}, false
	}
	return *p, true
}

// Profiles returns a copy of every known profile.
func (o *Optimizer) Profiles() map[string]RouteProfile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]RouteProfile, len(o.profiles))
	for arm, p := range o.profiles {
		out[arm] = *p
	}
	return out
}

// SelectArm applies the configured strategy over the candidate arms and
// returns the cost-aware choice. The bandit's candidate survives when the
// strategy has no grounds to override (no profiled arm qualifies).
func (o *Optimizer) SelectArm(candidate string, arms []string) string {
	switch o.effectiveStrategy() {
	case AggressiveCost:
		return o.selectAggressive(candidate, arms)
	case PerformanceAware:
		return o.selectBalanced(candidate, arms, true)
	default:
		return o.selectBalanced(candidate, arms, false)
	}
}

// effectiveStrategy resolves DynamicTime to Aggressive or Balanced by hour.
func (o *Optimizer) effectiveStrategy() Strategy {
	s := o.cfg.Strategy
	if s != DynamicTime {
		return s
	}
	hour := o.nowFunc().Hour()
	for _, h := range o.cfg.OffPeakHours {
		if h == hour {
			return AggressiveCost
		}
	}
	return BalancedCostPerf
}

func (o *Optimizer) selectAggressive(candidate string, arms []string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	best := ""
	bestCost := math.Inf(1)
	for _, arm := range arms {
		p, ok := o.profiles[arm]
		if !ok || p.SuccessRate < 0.5 {
			continue
		}
		if p.AvgCostPerRequest < bestCost {
			bestCost = p.AvgCostPerRequest
			best = arm
		}
	}
	if best == "" {
		return candidate
	}
	return best
}

func (o *Optimizer) selectBalanced(candidate string, arms []string, latencyCeiling bool) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	minCost, maxCost := math.Inf(1), math.Inf(-1)
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	profiled := 0
	for _, arm := range arms {
		p, ok := o.profiles[arm]
		if !ok {
			continue
		}
		profiled++
		minCost = math.Min(minCost, p.AvgCostPerRequest)
		maxCost = math.Max(maxCost, p.AvgCostPerRequest)
		minLat = math.Min(minLat, p.AvgLatencyMs)
		maxLat = math.Max(maxLat, p.AvgLatencyMs)
	}
	if profiled == 0 {
		return candidate
	}

	best := ""
	bestScore := math.Inf(-1)
	for _, arm := range arms {
		p, ok := o.profiles[arm]
		if !ok {
			continue
		}
		if latencyCeiling && p.AvgLatencyMs > (1+o.cfg.MaxDegradationFrac)*minLat {
			continue
		}
		score := o.cfg.CostWeight*(1-norm(p.AvgCostPerRequest, minCost, maxCost)) +
			o.cfg.PerformanceWeight*p.SuccessRate -
			o.cfg.LatencyWeight*norm(p.AvgLatencyMs, minLat, maxLat)
		if score > bestScore {
			bestScore = score
			best = arm
		}
	}
	if best == "" {
		return candidate
	}
	return best
}

// norm maps v into [0,1] over the observed [lo,hi] range.
func norm(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// ReductionStatus reports progress toward the cost-reduction target.
type ReductionStatus struct {
	BaselineCostPerReq float64 `json:"baseline_cost_per_req"`
	ActualCostPerReq   float64 `json:"actual_cost_per_req"`
	CurrentReduction   float64 `json:"current_reduction"`
	Target             float64 `json:"target"`
	TargetMet          bool    `json:"target_met"`
}

// Reduction computes the current cost reduction against the configured
// baseline, weighting each arm's average cost by its trial count.
func (o *Optimizer) Reduction() ReductionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var totalCost float64
	var totalTrials uint64
	for _, p := range o.profiles {
		totalCost += p.AvgCostPerRequest * float64(p.Trials)
		totalTrials += p.Trials
	}

	st := ReductionStatus{
		BaselineCostPerReq: o.cfg.BaselineCostPerReq,
		Target:             o.cfg.TargetCostReduction,
	}
	if totalTrials == 0 || o.cfg.BaselineCostPerReq <= 0 {
		return st
	}
	st.ActualCostPerReq = totalCost / float64(totalTrials)
	st.CurrentReduction = 1 - st.ActualCostPerReq/o.cfg.BaselineCostPerReq
	st.TargetMet = st.CurrentReduction >= o.cfg.TargetCostReduction
	return st
}

// Export returns a copy of the profiles for snapshot persistence.
func (o *Optimizer) Export() map[string]RouteProfile {
	return o.Profiles()
}

// Import replaces the profiles with a previously exported copy.
func (o *Optimizer) Import(profiles map[string]RouteProfile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.profiles = make(map[string]*RouteProfile, len(profiles))
	for arm, p := range profiles {
		cp := p
		o.profiles[arm] = &cp
	}
}
