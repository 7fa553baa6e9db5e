// Package orchestrator owns the control plane's components and their
// lifecycle. A process creates exactly one Orchestrator via Init and routes
// every inference request through it; Shutdown stops the periodic tasks
// and flushes the audit sink. There are no package-level singletons.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/plexarhq/plexar/internal/audit"
	"github.com/plexarhq/plexar/internal/bandit"
	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/costopt"
	"github.com/plexarhq/plexar/internal/deploy"
	"github.com/plexarhq/plexar/internal/events"
	"github.com/plexarhq/plexar/internal/experiments"
	"github.com/plexarhq/plexar/internal/flags"
	"github.com/plexarhq/plexar/internal/governance"
	"github.com/plexarhq/plexar/internal/guardrail"
	"github.com/plexarhq/plexar/internal/health"
	"github.com/plexarhq/plexar/internal/metrics"
	"github.com/plexarhq/plexar/internal/optimize"
	"github.com/plexarhq/plexar/internal/providers"
	"github.com/plexarhq/plexar/internal/router"
	"github.com/plexarhq/plexar/internal/stats"
	"github.com/plexarhq/plexar/internal/tracing"
	"github.com/plexarhq/plexar/internal/traffic"
	"github.com/plexarhq/plexar/internal/vault"
	"github.com/plexarhq/plexar/internal/winrate"
)

// DefaultArms is the reference three-arm configuration.
func DefaultArms() []string {
	return []string{"anthropic", "openai", "vllm"}
}

// Config collects the knobs for every component. Zero values fall back to
// the per-component defaults.
type Config struct {
	Region      string
	ProjectName string

	Arms            []string
	DirectEndpoints map[string]providers.Endpoint
	GatewayURL      string
	GatewayRefs     map[string]string

	Breaker    circuitbreaker.Config
	Optimizer  bandit.OptimizerConfig
	BiasRules  []bandit.BiasRule
	Cost       costopt.Config
	Guardrail  guardrail.Config
	Traffic    traffic.Config
	Deployment deploy.State
	Thresholds deploy.Thresholds
	Rollback   deploy.RollbackConfig
	Loop       optimize.Config
	Router     router.Config
	Health     health.ProberConfig

	// StartLoops controls whether the optimization loop and health prober
	// run; tests drive the cycles manually.
	StartLoops bool

	// VaultEnabled seals provider credentials at rest.
	VaultEnabled bool

	// Seed fixes the RNG for deterministic tests; 0 means random.
	Seed int64
}

// Orchestrator is the owning root of C1–C11. Components hold no pointers
// back to it; all cross-component wiring goes through injected callbacks.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	bus       *events.Bus
	metrics   *metrics.Registry
	collector *stats.Collector
	sink      *audit.Sink

	bandit     *bandit.Bandit
	optimizer  *bandit.Optimizer
	cost       *costopt.Optimizer
	guard      *guardrail.Guardrail
	breakers   *circuitbreaker.Registry
	alloc      *traffic.Allocator
	deployment *deploy.Controller
	rollback   *deploy.RollbackManager
	loop       *optimize.Loop
	prober     *health.Prober
	router     *router.Router
	vault      *vault.Vault

	experiments experiments.Manager
	flags       *flags.Static

	comparator *winrate.Comparator
	aggregator *winrate.Aggregator
}

// Option overrides wiring during Init, mainly for tests.
type Option func(*initState)

type initState struct {
	direct     providers.Client
	mediated   providers.Client
	exps       experiments.Manager
	compliance governance.ComplianceChecker
	safety     governance.ContentChecker
	auditWrite audit.Writer
	logger     *slog.Logger
}

// WithClients injects provider transports (tests use mocks).
func WithClients(direct, mediated providers.Client) Option {
	return func(s *initState) { s.direct, s.mediated = direct, mediated }
}

// WithExperiments injects an experiment manager.
func WithExperiments(m experiments.Manager) Option {
	return func(s *initState) { s.exps = m }
}

// WithGovernance injects compliance and safety checkers.
func WithGovernance(c governance.ComplianceChecker, s governance.ContentChecker) Option {
	return func(st *initState) { st.compliance, st.safety = c, s }
}

// WithAuditWriter attaches a persistent audit writer.
func WithAuditWriter(w audit.Writer) Option {
	return func(s *initState) { s.auditWrite = w }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *initState) { s.logger = l }
}

// Init validates the configuration and builds the orchestrator. Config
// errors are fatal at startup and never surface later.
func Init(cfg Config, opts ...Option) (*Orchestrator, error) {
	if len(cfg.Arms) == 0 {
		cfg.Arms = DefaultArms()
	}
	if len(cfg.Arms) < 2 {
		return nil, fmt.Errorf("config: at least two arms required, got %d", len(cfg.Arms))
	}
	if cfg.Guardrail.RestrictedArm == "" {
		cfg.Guardrail = guardrail.DefaultConfig()
	}

	st := &initState{}
	for _, o := range opts {
		o(st)
	}
	logger := st.logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		bus:       events.NewBus(),
		metrics:   metrics.New(),
		collector: stats.NewCollector(),
		vault:     vault.New(cfg.VaultEnabled),
	}

	var sinkOpts []audit.SinkOption
	if st.auditWrite != nil {
		sinkOpts = append(sinkOpts, audit.WithWriter(st.auditWrite))
	}
	o.sink = audit.NewSink(logger, sinkOpts...)

	rng := func(offset int64) *rand.Rand {
		if cfg.Seed != 0 {
			return rand.New(rand.NewSource(cfg.Seed + offset))
		}
		return rand.New(rand.NewSource(rand.Int63()))
	}

	banditOpts := []bandit.Option{bandit.WithRand(rng(1))}
	if cfg.BiasRules != nil {
		banditOpts = append(banditOpts, bandit.WithBiasRules(cfg.BiasRules))
	}
	o.bandit = bandit.New(cfg.Arms, banditOpts...)

	o.experiments = st.exps
	var assignments bandit.AssignmentSource
	if o.experiments != nil {
		assignments = o.experiments
	}
	o.optimizer = bandit.NewOptimizer(o.bandit, cfg.Optimizer, assignments, logger)

	if cfg.Cost.Strategy == "" {
		cfg.Cost = costopt.DefaultConfig()
	}
	o.cost = costopt.New(cfg.Cost)
	o.guard = guardrail.New(cfg.Guardrail)

	o.breakers = circuitbreaker.NewRegistry(cfg.Arms, cfg.Breaker,
		circuitbreaker.WithOnStateChange(func(arm string, from, to circuitbreaker.State) {
			o.metrics.BreakerState.WithLabelValues(arm).Set(float64(to))
			o.bus.Publish(events.Event{
				Type:     events.EventBreakerChange,
				Arm:      arm,
				OldState: from.String(),
				NewState: to.String(),
			})
		}))

	o.alloc = traffic.New(cfg.Arms, cfg.Traffic, traffic.WithRand(rng(2)))
	o.flags = flags.NewStatic(flags.Defaults())

	o.deployment = deploy.NewController(cfg.Deployment, cfg.Thresholds,
		deploy.WithRand(rng(3)),
		deploy.WithOnBreach(func(reason string, severe bool) {
			o.rollback.HandleBreach(reason, severe)
		}),
		deploy.WithOnModeChange(func(old, new deploy.State) {
			o.bus.Publish(events.Event{
				Type:     events.EventDeploymentChange,
				OldState: string(old.Mode),
				NewState: string(new.Mode),
			})
		}))

	o.rollback = deploy.NewRollbackManager(cfg.Rollback, o.deployment, logger,
		deploy.WithEmergencyHook(func() {
			// Emergency cutover: no arm may serve traffic until a probe or
			// the recovery timeout moves its breaker to half-open, and
			// bandit routing is flipped off.
			o.breakers.TripAll()
			f := o.flags.Snapshot()
			f.BanditMode = flags.BanditOff
			o.flags.Store(f)
			o.metrics.RollbacksTotal.WithLabelValues(string(deploy.RollbackEmergency)).Inc()
			o.bus.Publish(events.Event{Type: events.EventRollbackStarted, Reason: "emergency"})
		}),
		deploy.WithStepHook(func(pct float64) {
			o.metrics.RollbacksTotal.WithLabelValues(string(deploy.RollbackGradual)).Inc()
			o.bus.Publish(events.Event{
				Type:   events.EventRollbackStep,
				Reason: fmt.Sprintf("traffic at %.0f%%", pct),
			})
		}))

	o.comparator = winrate.NewComparator(nil)
	o.aggregator = winrate.NewAggregator()

	httpClient := &http.Client{
		Transport: tracing.HTTPTransport(nil),
		Timeout:   60 * time.Second,
	}
	direct := st.direct
	if direct == nil {
		direct = providers.NewDirect(cfg.DirectEndpoints, o.vault.Credential, httpClient)
	}
	mediated := st.mediated
	if mediated == nil && cfg.GatewayURL != "" {
		mediated = providers.NewMediated(cfg.GatewayURL, cfg.GatewayRefs, o.vault.Credential, httpClient)
	}

	o.router = router.New(cfg.Router, router.Deps{
		Arms:       cfg.Arms,
		Optimizer:  o.optimizer,
		Cost:       o.cost,
		Guard:      o.guard,
		Breakers:   o.breakers,
		Alloc:      o.alloc,
		Deployment: o.deployment,
		Flags:      o.flags,
		Compliance: st.compliance,
		Safety:     st.safety,
		Direct:     direct,
		Mediated:   mediated,
		Bus:        o.bus,
		Audit:      o.sink,
		Metrics:    o.metrics,
		Collector:  o.collector,
		Logger:     logger,
		OnCompare: func(primary, shadow router.Response, cmp deploy.Comparison) {
			o.aggregator.Record(o.comparator.Compare(
				winrate.Sample{Text: primary.Text, LatencyMs: primary.LatencyMs, CostEUR: primary.CostEUR},
				winrate.Sample{Text: shadow.Text, LatencyMs: shadow.LatencyMs, CostEUR: shadow.CostEUR},
			))
		},
	})

	o.loop = optimize.New(cfg.Loop, o.optimizer, o.cost, o.alloc, o.experiments, o.bus, o.metrics, logger)
	o.loop.SetCycleHook(o.deployment.Evaluate)

	o.prober = health.NewProber(cfg.Health, direct, cfg.Arms, logger,
		health.WithOnResult(func(arm string, ok bool, latencyMs float64) {
			v := 0.0
			if ok {
				v = 1
				o.breakers.ProbeSuccess(arm)
			}
			o.metrics.ArmHealthState.WithLabelValues(arm).Set(v)
		}))

	if cfg.StartLoops {
		o.loop.Start()
		o.prober.Start()
	}

	logger.Info("orchestrator initialized",
		slog.String("project", cfg.ProjectName),
		slog.String("region", cfg.Region),
		slog.Int("arms", len(cfg.Arms)))
	return o, nil
}

// Shutdown stops the periodic tasks and flushes the audit sink.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.cfg.StartLoops {
		o.loop.Stop()
		o.prober.Stop()
	}
	o.rollback.Cancel()
	o.optimizer.Close()
	o.sink.Close()
	o.logger.Info("orchestrator shut down")
}

// ExecuteSupportOperation routes one request through the decision core.
func (o *Orchestrator) ExecuteSupportOperation(ctx context.Context, req router.Request) router.Response {
	return o.router.ExecuteSupportOperation(ctx, req)
}

// Accessors for the operational surface. All returned values are copies or
// concurrency-safe components.

func (o *Orchestrator) Events() *events.Bus              { return o.bus }
func (o *Orchestrator) Metrics() *metrics.Registry       { return o.metrics }
func (o *Orchestrator) Flags() *flags.Static             { return o.flags }
func (o *Orchestrator) Vault() *vault.Vault              { return o.vault }
func (o *Orchestrator) Collector() *stats.Collector      { return o.collector }
func (o *Orchestrator) Guardrail() *guardrail.Guardrail  { return o.guard }
func (o *Orchestrator) Allocation() traffic.Allocation   { return o.alloc.Current() }
func (o *Orchestrator) Deployment() deploy.State         { return o.deployment.State() }
func (o *Orchestrator) SetDeployment(s deploy.State)     { o.deployment.SetState(s) }
func (o *Orchestrator) Rollbacks() []deploy.RollbackEvent { return o.rollback.History() }
func (o *Orchestrator) RecentAudit(n int) []audit.Entry  { return o.sink.Recent(n) }
func (o *Orchestrator) WinRate() winrate.Metrics         { return o.aggregator.Metrics() }

// BreakerStates returns a copy of every arm's breaker state.
func (o *Orchestrator) BreakerStates() map[string]circuitbreaker.ArmState {
	return o.breakers.Snapshot()
}

// ArmStats returns the bandit's per-arm stats for the global context.
func (o *Orchestrator) ArmStats() map[string]bandit.ArmStats {
	return o.bandit.Table().Snapshot(bandit.GlobalKey)
}

// RunOptimizationCycle triggers one optimization cycle out of schedule.
func (o *Orchestrator) RunOptimizationCycle() { o.loop.RunOptimizationCycle() }

// RunAllocationCycle triggers one allocation tick out of schedule.
func (o *Orchestrator) RunAllocationCycle() { o.loop.RunAllocationCycle() }
