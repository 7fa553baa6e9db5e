package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the Prometheus collectors for the orchestrator.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostEUR        *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec

	BreakerState     *prometheus.GaugeVec // 0=closed, 1=open, 2=half-open
	ArmHealthState   *prometheus.GaugeVec // 1=healthy, 0=down
	TrafficShare     *prometheus.GaugeVec
	ExplorationRate  prometheus.Gauge
	CostReduction    prometheus.Gauge
	GuardrailTotal   *prometheus.CounterVec
	RollbacksTotal   *prometheus.CounterVec
	ShadowDiffsTotal prometheus.Counter
	RateLimitedTotal prometheus.Counter
}

// New creates a registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexar_requests_total",
			Help: "Total requests routed through the orchestrator",
		}, []string{"arm", "operation", "source", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plexar_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"arm", "operation"}),
		CostEUR: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexar_cost_eur_total",
			Help: "Estimated EUR cost per arm",
		}, []string{"arm"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexar_fallbacks_total",
			Help: "Fallback hops taken during request execution",
		}, []string{"from_arm", "to_arm"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plexar_breaker_state",
			Help: "Circuit breaker state per arm (0=closed, 1=open, 2=half-open)",
		}, []string{"arm"}),
		ArmHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plexar_arm_health",
			Help: "Last health probe result per arm (1=healthy, 0=down)",
		}, []string{"arm"}),
		TrafficShare: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plexar_traffic_share",
			Help: "Current traffic allocation share per arm",
		}, []string{"arm"}),
		ExplorationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plexar_exploration_rate",
			Help: "Current bandit exploration rate",
		}),
		CostReduction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plexar_cost_reduction",
			Help: "Current cost reduction vs baseline (1.0 = 100%)",
		}),
		GuardrailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexar_guardrail_actions_total",
			Help: "Guardrail interventions by action",
		}, []string{"action"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plexar_rollbacks_total",
			Help: "Deployment rollbacks by kind",
		}, []string{"kind"}),
		ShadowDiffsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexar_shadow_comparisons_total",
			Help: "Shadow-mode comparisons recorded",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plexar_rate_limited_total",
			Help: "Requests rejected by the ops listener rate limiter",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostEUR, m.FallbacksTotal,
		m.BreakerState, m.ArmHealthState, m.TrafficShare,
		m.ExplorationRate, m.CostReduction, m.GuardrailTotal,
		m.RollbacksTotal, m.ShadowDiffsTotal, m.RateLimitedTotal,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
