// Package deploy gates how much live traffic reaches the new routing
// pipeline. The controller implements the dark/shadow/canary/active modes,
// the shadow-side comparison record, and the canary sampling window that
// feeds rollback evaluation; the rollback manager walks traffic back down
// when the window breaches its thresholds.
package deploy

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/montanaflynn/stats"
)

// Mode is the deployment gate for the new pipeline.
type Mode string

const (
	// Dark serves no real traffic: requests get a synthesized response.
	Dark Mode = "dark"
	// Shadow serves from the primary path and mirrors a copy to the new
	// pipeline for comparison only.
	Shadow Mode = "shadow"
	// Canary routes a percentage of traffic through the new pipeline.
	Canary Mode = "canary"
	// Active routes everything through the new pipeline.
	Active Mode = "active"
)

// Route is the controller's verdict for one request.
type Route int

const (
	// RouteDark means do not dispatch; synthesize a fallback response.
	RouteDark Route = iota
	// RoutePrimary means dispatch on the primary (legacy) path only.
	RoutePrimary
	// RouteNew means dispatch on the new pipeline.
	RouteNew
	// RouteShadowed means dispatch on the primary path and mirror a copy
	// to the new pipeline.
	RouteShadowed
)

// Thresholds are the immutable rollback limits attached to a deployment.
type Thresholds struct {
	MaxErrorRate          float64 `json:"max_error_rate"`
	MaxP95LatencyMs       float64 `json:"max_p95_latency_ms"`
	MaxCostMultiplier     float64 `json:"max_cost_multiplier"`
	BaselineCostEUR       float64 `json:"baseline_cost_eur"`
	SLOViolationThreshold int     `json:"slo_violation_threshold"`
}

// DefaultThresholds returns the reference limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:          0.05,
		MaxP95LatencyMs:       5000,
		MaxCostMultiplier:     2.0,
		BaselineCostEUR:       0.02,
		SLOViolationThreshold: 3,
	}
}

// State is the externally-owned deployment state the controller reads.
type State struct {
	Mode      Mode    `json:"mode"`
	CanaryPct float64 `json:"canary_pct"`
}

// Sample is one canary/active observation used for rollback evaluation.
type Sample struct {
	Success   bool
	LatencyMs float64
	CostEUR   float64
}

// Comparison is the record produced for one shadow dispatch.
type Comparison struct {
	LatencyDeltaMs float64  `json:"latency_delta_ms"`
	CostDeltaEUR   float64  `json:"cost_delta_eur"`
	Similarity     float64  `json:"similarity"`
	Errors         []string `json:"errors,omitempty"`
}

// rollbackWindow is how many trailing samples rollback evaluation sees.
const rollbackWindow = 20

// evaluateEvery triggers an evaluation after this many recorded samples.
const evaluateEvery = 10

// Controller owns the deployment gating decisions for the router.
type Controller struct {
	thresholds Thresholds

	rngMu sync.Mutex
	rng   *rand.Rand

	mu           sync.Mutex
	state        State
	samples      []Sample
	sinceEval    int
	sloStreak    int
	onBreach     func(reason string, severe bool)
	onModeChange func(old, new State)
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand sets the canary coin source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// WithOnBreach registers the callback fired when the sample window breaches
// a rollback threshold. severe marks breaches that warrant an emergency
// rollback rather than a gradual one.
func WithOnBreach(fn func(reason string, severe bool)) Option {
	return func(c *Controller) { c.onBreach = fn }
}

// WithOnModeChange registers a callback fired whenever SetState changes the
// deployment mode.
func WithOnModeChange(fn func(old, new State)) Option {
	return func(c *Controller) { c.onModeChange = fn }
}

// NewController creates a controller in the given initial state.
func NewController(initial State, thresholds Thresholds, opts ...Option) *Controller {
	if initial.Mode == "" {
		initial.Mode = Active
	}
	c := &Controller{
		thresholds: thresholds,
		state:      initial,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current deployment state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Thresholds returns the immutable rollback limits.
func (c *Controller) Thresholds() Thresholds { return c.thresholds }

// SetState replaces the deployment state (normally driven by the
// feature-flag service or a rollback).
func (c *Controller) SetState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	fn := c.onModeChange
	c.mu.Unlock()
	if fn != nil && old != s {
		fn(old, s)
	}
}

// Decide returns the route for one request under the current mode.
func (c *Controller) Decide() Route {
	st := c.State()
	switch st.Mode {
	case Dark:
		return RouteDark
	case Shadow:
		return RouteShadowed
	case Canary:
		c.rngMu.Lock()
		roll := c.rng.Float64() * 100
		c.rngMu.Unlock()
		if roll < st.CanaryPct {
			return RouteNew
		}
		return RoutePrimary
	default:
		return RouteNew
	}
}

// RecordSample appends one canary/active observation and evaluates the
// rollback triggers every tenth sample.
func (c *Controller) RecordSample(s Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	if len(c.samples) > rollbackWindow {
		c.samples = c.samples[len(c.samples)-rollbackWindow:]
	}
	c.sinceEval++
	due := c.sinceEval >= evaluateEvery
	if due {
		c.sinceEval = 0
	}
	c.mu.Unlock()

	if due {
		c.Evaluate()
	}
}

// RecordSLOViolation notes one externally-reported SLO breach. Once the
// streak of consecutive breaches reaches the threshold, each further breach
// triggers a rollback; any clean report resets the streak.
func (c *Controller) RecordSLOViolation(violated bool) {
	c.mu.Lock()
	if violated {
		c.sloStreak++
	} else {
		c.sloStreak = 0
	}
	streak := c.sloStreak
	threshold := c.thresholds.SLOViolationThreshold
	fn := c.onBreach
	c.mu.Unlock()

	if threshold > 0 && streak >= threshold && fn != nil {
		fn("consecutive SLO violations", false)
	}
}

// Evaluate checks the trailing sample window against the rollback
// thresholds and fires the breach callback on the first violated limit.
// An error rate above double the limit is treated as severe.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	window := append([]Sample(nil), c.samples...)
	fn := c.onBreach
	th := c.thresholds
	c.mu.Unlock()

	if len(window) == 0 || fn == nil {
		return
	}

	var errors int
	var costSum float64
	latencies := make([]float64, 0, len(window))
	for _, s := range window {
		if !s.Success {
			errors++
		}
		costSum += s.CostEUR
		latencies = append(latencies, s.LatencyMs)
	}
	n := float64(len(window))
	errorRate := float64(errors) / n

	if th.MaxErrorRate > 0 && errorRate > th.MaxErrorRate {
		fn("error rate over limit", errorRate > 2*th.MaxErrorRate)
		return
	}
	if th.MaxP95LatencyMs > 0 {
		p95, err := stats.Percentile(stats.Float64Data(latencies), 95)
		if err == nil && p95 > th.MaxP95LatencyMs {
			fn("p95 latency over limit", false)
			return
		}
	}
	if th.MaxCostMultiplier > 0 && th.BaselineCostEUR > 0 {
		if costSum/n > th.MaxCostMultiplier*th.BaselineCostEUR {
			fn("cost over baseline multiple", false)
		}
	}
}

// Compare builds the shadow comparison record for one mirrored dispatch.
// shadowErr carries the shadow-side failure, which never affects the
// primary response.
func Compare(primaryText string, primaryLatencyMs, primaryCostEUR float64,
	shadowText string, shadowLatencyMs, shadowCostEUR float64, shadowErr error) Comparison {

	cmp := Comparison{
		LatencyDeltaMs: shadowLatencyMs - primaryLatencyMs,
		CostDeltaEUR:   shadowCostEUR - primaryCostEUR,
	}
	if shadowErr != nil {
		cmp.Errors = append(cmp.Errors, "shadow_failed")
		return cmp
	}
	cmp.Similarity = jaccard(primaryText, shadowText)
	return cmp
}

// jaccard computes set similarity over whitespace-separated tokens.
func jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}
