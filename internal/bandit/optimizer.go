package bandit

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyUCB      Strategy = "ucb"
	StrategyThompson Strategy = "thompson"
	StrategyHybrid   Strategy = "hybrid"
)

// Source identifies which layer produced a routing decision.
type Source string

const (
	SourceExperiment Source = "experiment"
	SourceBandit     Source = "bandit"
	SourceTraffic    Source = "traffic"
	SourceDefault    Source = "default"
)

// Assignment is an experiment-manager arm assignment for a request.
type Assignment struct {
	Arm            string
	ExperimentName string
	Confidence     float64
}

// AssignmentSource is the slice of the experiment manager the optimizer
// consults before falling back to its own strategies. Implementations must
// treat failures as non-fatal; the optimizer logs and falls through.
type AssignmentSource interface {
	GetAssignment(ctx *Context) (*Assignment, error)
}

// Pick is the optimizer's decision for one request.
type Pick struct {
	Arm               string
	Strategy          Strategy
	Source            Source
	Confidence        float64
	ExperimentName    string
	ExplorationNeeded bool
}

// RecommendationType classifies optimizer advice.
type RecommendationType string

const (
	RecExploration     RecommendationType = "exploration"
	RecExploitation    RecommendationType = "exploitation"
	RecContextSpecific RecommendationType = "context_specific"
	RecExperiment      RecommendationType = "experiment"
)

// Priority orders recommendations for the optimization loop.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Recommendation is one piece of optimizer advice surfaced to the active
// optimization loop.
type Recommendation struct {
	Type       RecommendationType `json:"type"`
	Priority   Priority           `json:"priority"`
	Arm        string             `json:"arm,omitempty"`
	ContextKey string             `json:"context_key,omitempty"`
	Reason     string             `json:"reason"`
}

// OptimizerConfig holds the optimizer tuning knobs.
type OptimizerConfig struct {
	ExplorationRate        float64
	MinTrialsForConfidence uint64
	OptimizationInterval   time.Duration
	ExplorationDecayAfter  time.Duration
}

// DefaultOptimizerConfig returns the reference configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		ExplorationRate:        0.1,
		MinTrialsForConfidence: 20,
		OptimizationInterval:   60 * time.Minute,
		ExplorationDecayAfter:  30 * time.Minute,
	}
}

// Optimizer wraps the bandit with UCB / Thompson / hybrid selection,
// experiment-first arm lookup, recommendations, and exploration-rate
// auto-tuning.
type Optimizer struct {
	bandit      *Bandit
	experiments AssignmentSource // nil = disabled
	logger      *slog.Logger

	mu          sync.Mutex
	cfg         OptimizerConfig
	decayTimer  *time.Timer
	preTuneRate float64
	tuned       bool
}

// NewOptimizer creates an optimizer over the given bandit. experiments may
// be nil when no experiment manager is configured.
func NewOptimizer(b *Bandit, cfg OptimizerConfig, experiments AssignmentSource, logger *slog.Logger) *Optimizer {
	if cfg.ExplorationRate <= 0 {
		cfg.ExplorationRate = 0.1
	}
	if cfg.MinTrialsForConfidence == 0 {
		cfg.MinTrialsForConfidence = 20
	}
	if cfg.OptimizationInterval <= 0 {
		cfg.OptimizationInterval = 60 * time.Minute
	}
	if cfg.ExplorationDecayAfter <= 0 {
		cfg.ExplorationDecayAfter = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{bandit: b, experiments: experiments, cfg: cfg, logger: logger}
}

// Bandit returns the wrapped bandit.
func (o *Optimizer) Bandit() *Bandit { return o.bandit }

// ExplorationRate returns the current (possibly auto-tuned) rate.
func (o *Optimizer) ExplorationRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.ExplorationRate
}

// Interval returns the recommendation interval for the optimization loop.
func (o *Optimizer) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.OptimizationInterval
}

// SelectUCB picks the arm with the highest upper confidence bound in the
// context. Unplayed arms score +Inf so every arm is tried at least once.
func (o *Optimizer) SelectUCB(ctx *Context) Pick {
	stats := o.bandit.Stats(ctx)
	rate := o.ExplorationRate()

	var totalTrials uint64
	for _, s := range stats {
		totalTrials += s.Trials
	}

	best := o.bandit.DefaultArm()
	bestScore := math.Inf(-1)
	var bestStats ArmStats
	for _, arm := range o.bandit.Arms() {
		s := stats[arm]
		var score float64
		if s.Trials == 0 {
			score = math.Inf(1)
		} else {
			radius := math.Sqrt(2 * math.Log(float64(totalTrials)) / float64(s.Trials))
			score = s.WinRate() + rate*radius
		}
		if score > bestScore {
			bestScore = score
			best = arm
			bestStats = s
		}
	}

	return Pick{
		Arm:               best,
		Strategy:          StrategyUCB,
		Source:            SourceBandit,
		Confidence:        armConfidence(bestStats),
		ExplorationNeeded: explorationNeeded(bestStats, totalTrials, rate, o.minTrials()),
	}
}

func (o *Optimizer) minTrials() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MinTrialsForConfidence
}

// explorationNeeded is true while the confidence radius stays wide or the
// arm has too few trials to trust.
func explorationNeeded(s ArmStats, totalTrials uint64, rate float64, minTrials uint64) bool {
	if s.Trials < minTrials {
		return true
	}
	if totalTrials == 0 || s.Trials == 0 {
		return true
	}
	radius := rate * math.Sqrt(2*math.Log(float64(totalTrials))/float64(s.Trials))
	return radius > 0.1
}

// SelectThompson delegates to the bandit's surrogate sampler and annotates
// the pick with the arm's confidence.
func (o *Optimizer) SelectThompson(ctx *Context) Pick {
	arm := o.bandit.Choose(ctx)
	s := o.bandit.Stats(ctx)[arm]
	return Pick{
		Arm:        arm,
		Strategy:   StrategyThompson,
		Source:     SourceBandit,
		Confidence: armConfidence(s),
	}
}

// SelectHybrid uses UCB while total evidence is thin, then Thompson.
func (o *Optimizer) SelectHybrid(ctx *Context) Pick {
	stats := o.bandit.Stats(ctx)
	var totalTrials uint64
	for _, s := range stats {
		totalTrials += s.Trials
	}
	if totalTrials < 3*o.minTrials() {
		p := o.SelectUCB(ctx)
		p.Strategy = StrategyHybrid
		return p
	}
	p := o.SelectThompson(ctx)
	p.Strategy = StrategyHybrid
	return p
}

// GetOptimalArm consults the experiment manager first; a valid assignment
// wins with Source=experiment. On lookup error or no assignment it falls
// through to the hybrid strategy.
func (o *Optimizer) GetOptimalArm(ctx *Context) Pick {
	if o.experiments != nil {
		a, err := o.experiments.GetAssignment(ctx)
		if err != nil {
			o.logger.Warn("experiment assignment lookup failed",
				slog.String("error", err.Error()))
		} else if a != nil {
			return Pick{
				Arm:            a.Arm,
				Strategy:       StrategyHybrid,
				Source:         SourceExperiment,
				Confidence:     a.Confidence,
				ExperimentName: a.ExperimentName,
			}
		}
	}
	p := o.SelectHybrid(ctx)
	p.Source = SourceBandit
	return p
}

// Recommendations inspects the current statistics and returns tuning advice
// for the active optimization loop.
func (o *Optimizer) Recommendations() []Recommendation {
	minTrials := o.minTrials()
	var recs []Recommendation

	global := o.bandit.Table().Snapshot(GlobalKey)
	for _, arm := range o.bandit.Arms() {
		if global[arm].Trials < minTrials {
			recs = append(recs, Recommendation{
				Type:     RecExploration,
				Priority: PriorityHigh,
				Arm:      arm,
				Reason:   "arm is below the minimum trial count for confident routing",
			})
		}
	}

	baseline := 1.0 / float64(len(o.bandit.Arms()))
	for _, key := range o.bandit.Table().Keys() {
		stats := o.bandit.Table().Snapshot(key)

		bestRate := 0.0
		var bestArm string
		var bestStats ArmStats
		var contextTrials uint64
		for arm, s := range stats {
			contextTrials += s.Trials
			if wr := s.WinRate(); s.Trials > 0 && wr >= bestRate {
				bestRate = wr
				bestArm = arm
				bestStats = s
			}
		}
		if contextTrials == 0 {
			continue
		}

		if bestStats.Trials > 50 && armConfidence(bestStats) > 0.9 {
			recs = append(recs, Recommendation{
				Type:       RecExploitation,
				Priority:   PriorityLow,
				Arm:        bestArm,
				ContextKey: key,
				Reason:     "arm dominates this context with high confidence",
			})
		}

		improvement := bestRate - baseline
		if improvement < 0.1 {
			recs = append(recs, Recommendation{
				Type:       RecContextSpecific,
				Priority:   PriorityMedium,
				ContextKey: key,
				Reason:     "no arm meaningfully beats the uniform baseline in this context",
			})
		}
		if improvement > 0.2 && bestStats.Trials > 30 && o.experiments != nil {
			recs = append(recs, Recommendation{
				Type:       RecExperiment,
				Priority:   PriorityMedium,
				Arm:        bestArm,
				ContextKey: key,
				Reason:     "improvement is large enough to confirm with a controlled experiment",
			})
		}
	}
	return recs
}

// AutoTune reacts to a high-priority exploration recommendation by bumping
// the exploration rate (×1.2, capped at 0.3) and scheduling a decay back to
// max(0.05, 0.9×previous). The decay timer is the only self-modifying knob.
func (o *Optimizer) AutoTune(recs []Recommendation) bool {
	needsBoost := false
	for _, r := range recs {
		if r.Type == RecExploration && r.Priority == PriorityHigh {
			needsBoost = true
			break
		}
	}
	if !needsBoost {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.tuned {
		o.preTuneRate = o.cfg.ExplorationRate
	}
	o.cfg.ExplorationRate = min(0.3, o.cfg.ExplorationRate*1.2)
	o.tuned = true

	if o.decayTimer != nil {
		o.decayTimer.Stop()
	}
	o.decayTimer = time.AfterFunc(o.cfg.ExplorationDecayAfter, o.decayExploration)

	o.logger.Info("exploration rate boosted",
		slog.Float64("rate", o.cfg.ExplorationRate))
	return true
}

func (o *Optimizer) decayExploration() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.ExplorationRate = max(0.05, o.preTuneRate*0.9)
	o.tuned = false
	o.logger.Info("exploration rate decayed",
		slog.Float64("rate", o.cfg.ExplorationRate))
}

// Close stops any pending decay timer.
func (o *Optimizer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decayTimer != nil {
		o.decayTimer.Stop()
		o.decayTimer = nil
	}
}
