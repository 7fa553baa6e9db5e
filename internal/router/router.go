// Package router composes the decision layers (deployment gate, guardrail,
// experiments, cost optimizer, traffic allocator, bandit, circuit breaker)
// into the single dispatcher behind ExecuteSupportOperation, including the
// fallback iteration over permitted arms and outcome recording.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/plexarhq/plexar/internal/audit"
	"github.com/plexarhq/plexar/internal/bandit"
	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/costopt"
	"github.com/plexarhq/plexar/internal/deploy"
	"github.com/plexarhq/plexar/internal/events"
	"github.com/plexarhq/plexar/internal/flags"
	"github.com/plexarhq/plexar/internal/governance"
	"github.com/plexarhq/plexar/internal/guardrail"
	"github.com/plexarhq/plexar/internal/metrics"
	"github.com/plexarhq/plexar/internal/providers"
	"github.com/plexarhq/plexar/internal/stats"
	"github.com/plexarhq/plexar/internal/traffic"
)

// Config toggles the optional decision layers.
type Config struct {
	CostEnabled    bool
	TrafficEnabled bool
	ShadowTimeout  time.Duration
}

// Router is the intelligent request dispatcher. All collaborators are
// injected by the orchestrator; the router stores no back-pointers.
type Router struct {
	cfg  Config
	arms []string

	optimizer  *bandit.Optimizer
	cost       *costopt.Optimizer
	guard      *guardrail.Guardrail
	breakers   *circuitbreaker.Registry
	alloc      *traffic.Allocator
	deployment *deploy.Controller

	flagsSvc   flags.Service
	compliance governance.ComplianceChecker
	safety     governance.ContentChecker

	direct   providers.Client
	mediated providers.Client

	bus       *events.Bus
	sink      *audit.Sink
	metrics   *metrics.Registry
	collector *stats.Collector
	logger    *slog.Logger

	// onOutcome receives every recorded outcome (optimization loop,
	// win-rate feeds). Registered at construction; never mutated after.
	onOutcome []func(Outcome)

	// compare receives shadow comparisons.
	compare func(primary, shadow Response, cmp deploy.Comparison)
}

// Deps bundles the router's collaborators.
type Deps struct {
	Arms       []string
	Optimizer  *bandit.Optimizer
	Cost       *costopt.Optimizer
	Guard      *guardrail.Guardrail
	Breakers   *circuitbreaker.Registry
	Alloc      *traffic.Allocator
	Deployment *deploy.Controller
	Flags      flags.Service
	Compliance governance.ComplianceChecker
	Safety     governance.ContentChecker
	Direct     providers.Client
	Mediated   providers.Client
	Bus        *events.Bus
	Audit      *audit.Sink
	Metrics    *metrics.Registry
	Collector  *stats.Collector
	Logger     *slog.Logger
	OnOutcome  []func(Outcome)
	OnCompare  func(primary, shadow Response, cmp deploy.Comparison)
}

// New creates a router over the given collaborators.
func New(cfg Config, deps Deps) *Router {
	if cfg.ShadowTimeout <= 0 {
		cfg.ShadowTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compliance := deps.Compliance
	if compliance == nil {
		compliance = governance.Permissive{}
	}
	safety := deps.Safety
	if safety == nil {
		safety = governance.Permissive{}
	}
	return &Router{
		cfg:        cfg,
		arms:       append([]string(nil), deps.Arms...),
		optimizer:  deps.Optimizer,
		cost:       deps.Cost,
		guard:      deps.Guard,
		breakers:   deps.Breakers,
		alloc:      deps.Alloc,
		deployment: deps.Deployment,
		flagsSvc:   deps.Flags,
		compliance: compliance,
		safety:     safety,
		direct:     deps.Direct,
		mediated:   deps.Mediated,
		bus:        deps.Bus,
		sink:       deps.Audit,
		metrics:    deps.Metrics,
		collector:  deps.Collector,
		logger:     logger,
		onOutcome:  deps.OnOutcome,
		compare:    deps.OnCompare,
	}
}

// ExecuteSupportOperation routes, executes, and records one request.
func (r *Router) ExecuteSupportOperation(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()

	fl := r.snapshot()
	if !fl.EgressEnabled {
		return r.darkResponse(req)
	}

	// Content safety precedes any provider work.
	verdict, err := r.safety.CheckContent(ctx, req.Prompt, "inbound")
	if err != nil {
		r.logger.Warn("safety check failed, proceeding", slog.String("error", err.Error()))
	} else if !verdict.Allowed {
		return r.failed(req, "", CodeSafetyBlocked, "content rejected by safety policy", start, ResponseMetadata{Source: bandit.SourceDefault})
	}

	switch r.deployment.Decide() {
	case deploy.RouteDark:
		return r.darkResponse(req)
	case deploy.RouteShadowed:
		primary := r.dispatchPrimary(ctx, req, start)
		go r.dispatchShadow(req, fl, primary)
		return primary
	case deploy.RoutePrimary:
		return r.dispatchPrimary(ctx, req, start)
	default:
		resp := r.dispatchPipeline(ctx, req, fl, start)
		mode := r.deployment.State().Mode
		if mode == deploy.Canary || mode == deploy.Active {
			r.deployment.RecordSample(deploy.Sample{
				Success:   resp.Success,
				LatencyMs: resp.LatencyMs,
				CostEUR:   resp.CostEUR,
			})
		}
		if !resp.Success && mode == deploy.Active && fl.FallbackEnabled {
			return r.dispatchPrimary(ctx, req, start)
		}
		return resp
	}
}

func (r *Router) snapshot() flags.Flags {
	if r.flagsSvc == nil {
		return flags.Defaults()
	}
	return r.flagsSvc.Snapshot()
}

// decide runs the guardrail and selection layers and returns the ordered
// attempt plan for the new pipeline.
func (r *Router) decide(req Request, fl flags.Flags) (arms []string, meta ResponseMetadata, blocked *Response) {
	d := r.guard.Authorize(req.Prompt, req.Context.Domain, req.Context.Intent, req.Context.PreferredArm)
	meta = ResponseMetadata{
		Role:        d.TaskType,
		Delegated:   d.Delegated,
		OriginalArm: d.OriginalArm,
		Source:      bandit.SourceDefault,
	}
	if d.Delegated {
		if r.metrics != nil {
			r.metrics.GuardrailTotal.WithLabelValues(string(guardrail.ActionDelegated)).Inc()
		}
		r.publish(events.Event{
			Type:      events.EventViolation,
			RequestID: req.ID,
			Arm:       d.OriginalArm,
			Reason:    "arm not permitted for task type",
		})
	}

	permitted := make([]string, 0, len(d.Arms))
	for _, arm := range d.Arms {
		if fl.ArmAllowed(arm) {
			permitted = append(permitted, arm)
		}
	}
	if len(permitted) == 0 {
		r.guard.RecordBlocked(req.Prompt, d.TaskType, req.Context.PreferredArm)
		if r.metrics != nil {
			r.metrics.GuardrailTotal.WithLabelValues(string(guardrail.ActionBlocked)).Inc()
		}
		resp := r.failed(req, "", CodeGuardrailBlocked, "no permitted arm for task type", time.Now(), meta)
		return nil, meta, &resp
	}

	// With bandit routing flipped off (e.g. after an emergency rollback)
	// requests take the guardrail's first arm and nothing else.
	if fl.BanditMode == flags.BanditOff {
		meta.Confidence = 0.5
		return permitted, meta, nil
	}

	bctx := req.BanditContext()

	// Experiment assignment wins when it lands on a permitted arm.
	pick := r.optimizer.GetOptimalArm(bctx)
	if pick.Source == bandit.SourceExperiment && contains(permitted, pick.Arm) {
		meta.Source = bandit.SourceExperiment
		meta.Confidence = pick.Confidence
		meta.ExperimentName = pick.ExperimentName
		return frontload(permitted, pick.Arm), meta, nil
	}

	if req.Emergency() {
		// Critical traffic takes the guardrail's first arm on the direct
		// path; cost and traffic shaping do not apply.
		meta.Confidence = 0.5
		return permitted, meta, nil
	}

	candidate := ""
	if r.cfg.TrafficEnabled && r.alloc != nil {
		if arm, ok := r.alloc.Sample(permitted); ok {
			candidate = arm
			meta.Source = bandit.SourceTraffic
			meta.Confidence = 0.5
		}
	}
	if candidate == "" {
		hybrid := r.optimizer.SelectHybrid(bctx)
		if contains(permitted, hybrid.Arm) {
			candidate = hybrid.Arm
			meta.Source = bandit.SourceBandit
			meta.Confidence = hybrid.Confidence
		} else {
			candidate = permitted[0]
			meta.Confidence = 0.5
		}
	}
	if r.cfg.CostEnabled && r.cost != nil {
		candidate = r.cost.SelectArm(candidate, permitted)
	}
	return frontload(permitted, candidate), meta, nil
}

// dispatchPipeline is the full decision pipeline over the new routing path.
func (r *Router) dispatchPipeline(ctx context.Context, req Request, fl flags.Flags, start time.Time) Response {
	arms, meta, blocked := r.decide(req, fl)
	if blocked != nil {
		return *blocked
	}

	routeType := "mediated"
	if req.Emergency() {
		routeType = "direct"
	}
	cv, err := r.compliance.ValidateRoutingPath(ctx, governance.RoutingCheck{
		RouteType: routeType,
		Arm:       arms[0],
		Operation: string(req.Operation),
		Priority:  string(req.Priority),
	}, req.ID)
	if err != nil {
		r.logger.Warn("compliance check failed, proceeding", slog.String("error", err.Error()))
	} else if !cv.Compliant && cv.HasCritical() {
		return r.failed(req, arms[0], CodeComplianceBlocked, "routing path rejected by compliance", start, meta)
	}

	client := r.mediated
	if req.Emergency() || client == nil {
		client = r.direct
	}
	return r.execute(ctx, req, arms, client, meta, start)
}

// dispatchPrimary is the legacy path: guardrail order, direct transport, no
// bandit, cost, or traffic shaping.
func (r *Router) dispatchPrimary(ctx context.Context, req Request, start time.Time) Response {
	d := r.guard.Authorize(req.Prompt, req.Context.Domain, req.Context.Intent, req.Context.PreferredArm)
	meta := ResponseMetadata{
		Role:        d.TaskType,
		Delegated:   d.Delegated,
		OriginalArm: d.OriginalArm,
		Source:      bandit.SourceDefault,
		Confidence:  0.5,
	}
	if len(d.Arms) == 0 {
		return r.failed(req, "", CodeGuardrailBlocked, "no permitted arm for task type", start, meta)
	}
	return r.execute(ctx, req, d.Arms, r.direct, meta, start)
}

// execute walks the attempt plan through the circuit breaker until one arm
// succeeds or the plan is exhausted. Every attempt, including partial
// failures, is recorded against the arm that served it.
func (r *Router) execute(parent context.Context, req Request, arms []string, client providers.Client, meta ResponseMetadata, start time.Time) Response {
	var lastErr error
	attempts := 0

	for i, arm := range arms {
		if !r.breakers.IsAvailable(arm) {
			continue
		}
		if i > 0 {
			meta.FallbackHops++
			if r.metrics != nil {
				r.metrics.FallbacksTotal.WithLabelValues(arms[i-1], arm).Inc()
			}
			r.publish(events.Event{
				Type:      events.EventFallback,
				RequestID: req.ID,
				Arm:       arm,
				Operation: string(req.Operation),
				Reason:    errReason(lastErr),
			})
		}
		attempts++

		ctx, cancel := context.WithTimeout(parent, req.Timeout())
		var result providers.ExecResult
		latency, err := r.breakers.Execute(arm, func() error {
			var execErr error
			result, execErr = client.Execute(ctx, arm, providers.ExecRequest{
				RequestID: req.ID,
				Prompt:    req.Prompt,
				Tools:     req.Tools,
			})
			return execErr
		})
		cancel()

		latencyMs := float64(latency.Milliseconds())
		if err != nil {
			lastErr = err
			// Partial outcome: the failed attempt still counts against
			// the arm, with whatever latency was measured.
			r.record(req, Outcome{
				RequestID: req.ID,
				Arm:       arm,
				Success:   false,
				LatencyMs: latencyMs,
			})
			if !recoverable(err) {
				return r.failed(req, arm, errorCode(err), err.Error(), start, meta)
			}
			continue
		}

		r.record(req, Outcome{
			RequestID: req.ID,
			Arm:       arm,
			Success:   true,
			LatencyMs: latencyMs,
			CostEUR:   result.CostEUR,
		})
		return Response{
			RequestID: req.ID,
			Arm:       arm,
			ModelRef:  result.ModelRef,
			Text:      result.Text,
			LatencyMs: float64(time.Since(start).Milliseconds()),
			CostEUR:   result.CostEUR,
			Success:   true,
			Metadata:  meta,
		}
	}

	if lastErr == nil {
		// Every arm was filtered out by its breaker.
		lastErr = &circuitbreaker.OpenError{Arm: firstOr(arms, "")}
	}
	err := &AllArmsFailedError{Attempts: attempts, LastErr: lastErr}
	return r.failed(req, lastOr(arms, ""), errorCodeForExhaustion(attempts, lastErr, err), err.Error(), start, meta)
}

// errorCodeForExhaustion keeps the breaker-open code visible when nothing
// was ever attempted; otherwise the stable code is all_arms_failed.
func errorCodeForExhaustion(attempts int, lastErr, exhausted error) string {
	if attempts == 0 {
		return errorCode(lastErr)
	}
	return errorCode(exhausted)
}

// dispatchShadow mirrors the request through the new pipeline's transport
// and logs a comparison. Shadow failures never touch breaker or bandit
// state, and never reach the caller.
func (r *Router) dispatchShadow(req Request, fl flags.Flags, primary Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("shadow dispatch panicked", slog.Any("panic", rec))
		}
	}()

	arms, _, blocked := r.decide(req, fl)
	if blocked != nil {
		return
	}
	client := r.mediated
	if client == nil {
		client = r.direct
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShadowTimeout)
	defer cancel()

	shadowStart := time.Now()
	result, err := client.Execute(ctx, arms[0], providers.ExecRequest{
		RequestID: req.ID,
		Prompt:    req.Prompt,
		Tools:     req.Tools,
	})
	shadowLatency := float64(time.Since(shadowStart).Milliseconds())

	cmp := deploy.Compare(primary.Text, primary.LatencyMs, primary.CostEUR,
		result.Text, shadowLatency, result.CostEUR, err)

	if r.metrics != nil {
		r.metrics.ShadowDiffsTotal.Inc()
	}
	r.publish(events.Event{
		Type:      events.EventShadowComparison,
		RequestID: req.ID,
		Arm:       arms[0],
		LatencyMs: cmp.LatencyDeltaMs,
		CostEUR:   cmp.CostDeltaEUR,
		Reason:    firstOr(cmp.Errors, ""),
	})
	if r.compare != nil {
		shadowResp := Response{
			RequestID: req.ID,
			Arm:       arms[0],
			Text:      result.Text,
			LatencyMs: shadowLatency,
			CostEUR:   result.CostEUR,
			Success:   err == nil,
		}
		r.compare(primary, shadowResp, cmp)
	}
}

// record pushes one outcome into every learning component and observer.
func (r *Router) record(req Request, o Outcome) {
	bctx := req.BanditContext()
	if r.optimizer != nil {
		r.optimizer.Bandit().Record(o.Arm, o.Success, o.CostEUR, o.LatencyMs, bctx)
	}
	if r.cost != nil {
		r.cost.Record(o.Arm, o.Success, o.CostEUR, o.LatencyMs)
	}
	if r.collector != nil {
		r.collector.Record(stats.Snapshot{
			Arm:       o.Arm,
			Operation: string(req.Operation),
			Mode:      string(r.deployment.State().Mode),
			LatencyMs: o.LatencyMs,
			CostEUR:   o.CostEUR,
			Success:   o.Success,
		})
	}
	if r.metrics != nil {
		status := "ok"
		if !o.Success {
			status = "error"
		}
		r.metrics.RequestsTotal.WithLabelValues(o.Arm, string(req.Operation), "pipeline", status).Inc()
		r.metrics.RequestLatency.WithLabelValues(o.Arm, string(req.Operation)).Observe(o.LatencyMs)
		if o.CostEUR > 0 {
			r.metrics.CostEUR.WithLabelValues(o.Arm).Add(o.CostEUR)
		}
	}
	eventType := events.EventRouteSuccess
	if !o.Success {
		eventType = events.EventRouteError
	}
	r.publish(events.Event{
		Type:      eventType,
		RequestID: o.RequestID,
		Arm:       o.Arm,
		Operation: string(req.Operation),
		LatencyMs: o.LatencyMs,
		CostEUR:   o.CostEUR,
	})
	if r.sink != nil {
		outcome := "success"
		if !o.Success {
			outcome = "failure"
		}
		r.sink.Emit(audit.Entry{
			Kind:      "route",
			RequestID: o.RequestID,
			Arm:       o.Arm,
			Outcome:   outcome,
		})
	}
	for _, fn := range r.onOutcome {
		fn(o)
	}
}

// darkResponse is the synthesized answer served when no real dispatch is
// allowed.
func (r *Router) darkResponse(req Request) Response {
	return Response{
		RequestID: req.ID,
		Success:   true,
		Metadata:  ResponseMetadata{Source: bandit.SourceDefault, Confidence: 0},
	}
}

// failed builds a failure response with a stable code and cumulative
// latency, and emits the audit record.
func (r *Router) failed(req Request, arm, code, msg string, start time.Time, meta ResponseMetadata) Response {
	if r.sink != nil {
		r.sink.Emit(audit.Entry{
			Kind:      "route",
			RequestID: req.ID,
			Arm:       arm,
			Outcome:   "blocked",
			Detail:    code,
		})
	}
	return Response{
		RequestID: req.ID,
		Arm:       arm,
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Success:   false,
		ErrorCode: code,
		Error:     msg,
		Metadata:  meta,
	}
}

func (r *Router) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func contains(arms []string, arm string) bool {
	for _, a := range arms {
		if a == arm {
			return true
		}
	}
	return false
}

func frontload(arms []string, arm string) []string {
	out := make([]string, 0, len(arms))
	out = append(out, arm)
	for _, a := range arms {
		if a != arm {
			out = append(out, a)
		}
	}
	return out
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}

func lastOr(list []string, def string) string {
	if len(list) > 0 {
		return list[len(list)-1]
	}
	return def
}

func errReason(err error) string {
	if err == nil {
		return "breaker_unavailable"
	}
	return err.Error()
}
