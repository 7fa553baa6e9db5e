// Package optimize runs the two periodic control tasks: the optimization
// cycle (recommendations, exploration auto-tuning, experiment lifecycle)
// and the traffic allocation cycle (recompute and smooth arm shares). Both
// run as plain goroutines coordinated by a shutdown signal.
package optimize

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/plexarhq/plexar/internal/bandit"
	"github.com/plexarhq/plexar/internal/costopt"
	"github.com/plexarhq/plexar/internal/events"
	"github.com/plexarhq/plexar/internal/experiments"
	"github.com/plexarhq/plexar/internal/metrics"
	"github.com/plexarhq/plexar/internal/traffic"
)

// Config holds the loop intervals and experiment policy.
type Config struct {
	OptimizationInterval      time.Duration
	TrafficAllocationInterval time.Duration
	SignificanceThreshold     float64
	AutoStopExperiments       bool
	AutoApplyRecommendations  bool
	TrafficAllocationEnabled  bool
}

// DefaultConfig returns the reference loop settings.
func DefaultConfig() Config {
	return Config{
		OptimizationInterval:      30 * time.Minute,
		TrafficAllocationInterval: 15 * time.Minute,
		SignificanceThreshold:     0.95,
		AutoStopExperiments:       true,
		AutoApplyRecommendations:  true,
		TrafficAllocationEnabled:  true,
	}
}

// Loop owns the periodic optimization tasks.
type Loop struct {
	cfg       Config
	optimizer *bandit.Optimizer
	cost      *costopt.Optimizer
	alloc     *traffic.Allocator
	exps      experiments.Manager // nil = no experiment lifecycle
	bus       *events.Bus
	metrics   *metrics.Registry
	logger    *slog.Logger

	stop chan struct{}
	done chan struct{}

	// cycleHook runs at the end of every optimization cycle (deployment
	// rollback evaluation is wired here).
	cycleHook func()

	targetWasMet bool
}

// SetCycleHook registers a function invoked after each optimization cycle.
// Must be called before Start.
func (l *Loop) SetCycleHook(fn func()) { l.cycleHook = fn }

// New creates a loop. Start must be called to begin ticking.
func New(cfg Config, optimizer *bandit.Optimizer, cost *costopt.Optimizer, alloc *traffic.Allocator, exps experiments.Manager, bus *events.Bus, m *metrics.Registry, logger *slog.Logger) *Loop {
	if cfg.OptimizationInterval <= 0 {
		cfg.OptimizationInterval = 30 * time.Minute
	}
	if cfg.TrafficAllocationInterval <= 0 {
		cfg.TrafficAllocationInterval = 15 * time.Minute
	}
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = 0.95
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		optimizer: optimizer,
		cost:      cost,
		alloc:     alloc,
		exps:      exps,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic tasks.
func (l *Loop) Start() {
	go l.run()
}

// Stop signals shutdown and waits for the loop to exit.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)

	optTicker := time.NewTicker(l.cfg.OptimizationInterval)
	defer optTicker.Stop()
	allocTicker := time.NewTicker(l.cfg.TrafficAllocationInterval)
	defer allocTicker.Stop()

	for {
		select {
		case <-optTicker.C:
			l.RunOptimizationCycle()
		case <-allocTicker.C:
			l.RunAllocationCycle()
		case <-l.stop:
			return
		}
	}
}

// RunOptimizationCycle refreshes recommendations, applies the low-risk
// ones, tracks the cost target, and stops experiments that have reached
// significance.
func (l *Loop) RunOptimizationCycle() {
	recs := l.optimizer.Recommendations()
	if l.cfg.AutoApplyRecommendations && l.optimizer.AutoTune(recs) {
		l.logger.Info("applied exploration recommendation",
			slog.Float64("exploration_rate", l.optimizer.ExplorationRate()))
	}
	if l.metrics != nil {
		l.metrics.ExplorationRate.Set(l.optimizer.ExplorationRate())
	}

	if l.cost != nil {
		red := l.cost.Reduction()
		if l.metrics != nil {
			l.metrics.CostReduction.Set(red.CurrentReduction)
		}
		if red.TargetMet && !l.targetWasMet {
			l.publish(events.Event{
				Type:   events.EventTargetMet,
				Reason: "cost reduction target reached",
			})
		}
		l.targetWasMet = red.TargetMet
	}

	if l.cycleHook != nil {
		defer l.cycleHook()
	}
	defer l.publish(events.Event{
		Type:   events.EventOptimization,
		Reason: fmt.Sprintf("%d recommendations", len(recs)),
	})

	if l.exps == nil || !l.cfg.AutoStopExperiments {
		return
	}
	for _, name := range l.exps.ListActive() {
		analysis, err := l.exps.Analyze(name)
		if err != nil {
			l.logger.Warn("experiment analysis failed",
				slog.String("experiment", name),
				slog.String("error", err.Error()))
			continue
		}
		if analysis.Confidence > l.cfg.SignificanceThreshold {
			if err := l.exps.Stop(name, "significance reached"); err != nil {
				l.logger.Warn("experiment stop failed",
					slog.String("experiment", name),
					slog.String("error", err.Error()))
				continue
			}
			l.publish(events.Event{
				Type:           events.EventExperimentStop,
				ExperimentName: name,
				Arm:            analysis.Winner,
				Reason:         "significance reached",
			})
		}
	}
}

// RunAllocationCycle recomputes the traffic allocation from the bandit's
// global arm statistics and publishes the result.
func (l *Loop) RunAllocationCycle() {
	if !l.cfg.TrafficAllocationEnabled || l.alloc == nil {
		return
	}

	global := l.optimizer.Bandit().Table().Snapshot(bandit.GlobalKey)
	armMetrics := make(map[string]traffic.ArmMetrics, len(global))
	for _, arm := range l.optimizer.Bandit().Arms() {
		s := global[arm]
		armMetrics[arm] = traffic.ArmMetrics{
			WinRate:      s.WinRate(),
			AvgLatencyMs: s.AvgLatencyMs(),
			AvgCostEUR:   s.AvgCostEUR(),
			Trials:       s.Trials,
		}
	}

	alloc := l.alloc.Tick(armMetrics)
	if l.metrics != nil {
		for arm, share := range alloc {
			l.metrics.TrafficShare.WithLabelValues(arm).Set(share)
		}
	}
	l.publish(events.Event{
		Type:       events.EventAllocationUpdate,
		Allocation: map[string]float64(alloc),
	})
}

func (l *Loop) publish(e events.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}
