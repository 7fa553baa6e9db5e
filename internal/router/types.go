package router

import (
	"time"

	"github.com/plexarhq/plexar/internal/bandit"
	"github.com/plexarhq/plexar/internal/guardrail"
	"github.com/plexarhq/plexar/internal/providers"
)

// Priority grades how urgent a request is.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Operation classifies what kind of work the request performs.
type Operation string

const (
	OpStandard       Operation = "standard"
	OpEmergency      Operation = "emergency"
	OpInfrastructure Operation = "infrastructure"
	OpImplementation Operation = "implementation"
	OpMetaMonitor    Operation = "meta_monitor"
)

// RequestContext carries the optional routing labels attached to a request.
type RequestContext struct {
	Domain       string `json:"domain,omitempty"`
	Intent       string `json:"intent,omitempty"`
	BudgetTier   string `json:"budget_tier,omitempty"`
	SLAMs        int    `json:"sla_ms,omitempty"`
	PreferredArm string `json:"preferred_arm,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	PIIExpected  bool   `json:"pii_expected,omitempty"`
}

// Request is one inference request submitted to the orchestrator.
type Request struct {
	ID        string               `json:"id,omitempty"`
	Prompt    string               `json:"prompt"`
	Context   RequestContext       `json:"context"`
	Tools     []providers.ToolSpec `json:"tools,omitempty"`
	Priority  Priority             `json:"priority,omitempty"`
	Operation Operation            `json:"operation,omitempty"`
}

// Timeout returns the per-call deadline for the request's operation and
// priority class. An explicit SLA tightens, never loosens, the class value.
func (r Request) Timeout() time.Duration {
	var d time.Duration
	switch r.Operation {
	case OpEmergency:
		d = 5 * time.Second
	case OpInfrastructure, OpMetaMonitor:
		d = 10 * time.Second
	case OpImplementation:
		d = 15 * time.Second
	default:
		d = 30 * time.Second
	}
	if r.Context.SLAMs > 0 {
		if sla := time.Duration(r.Context.SLAMs) * time.Millisecond; sla < d {
			d = sla
		}
	}
	return d
}

// Emergency reports whether the request bypasses cost optimization and is
// forced onto the direct path.
func (r Request) Emergency() bool {
	return r.Operation == OpEmergency || r.Priority == PriorityCritical
}

// BanditContext derives the stratification labels for the bandit.
func (r Request) BanditContext() *bandit.Context {
	return &bandit.Context{
		Domain:       r.Context.Domain,
		BudgetTier:   r.Context.BudgetTier,
		RequireTools: len(r.Tools) > 0,
		UserID:       r.Context.UserID,
	}
}

// ResponseMetadata explains how the response's arm was chosen.
type ResponseMetadata struct {
	Delegated      bool               `json:"delegated,omitempty"`
	OriginalArm    string             `json:"original_arm,omitempty"`
	Role           guardrail.TaskType `json:"role,omitempty"`
	Source         bandit.Source      `json:"source"`
	Confidence     float64            `json:"confidence"`
	ExperimentName string             `json:"experiment_name,omitempty"`
	FallbackHops   int                `json:"fallback_hops,omitempty"`
}

// Response is the orchestrator's answer for one request.
type Response struct {
	RequestID string           `json:"request_id"`
	Arm       string           `json:"arm,omitempty"`
	ModelRef  string           `json:"model_ref,omitempty"`
	Text      string           `json:"text,omitempty"`
	LatencyMs float64          `json:"latency_ms"`
	CostEUR   float64          `json:"cost_eur"`
	Success   bool             `json:"success"`
	ErrorCode string           `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Metadata  ResponseMetadata `json:"metadata"`
}

// Outcome is the recorded result of one provider attempt.
type Outcome struct {
	RequestID    string  `json:"request_id"`
	Arm          string  `json:"arm"`
	Success      bool    `json:"success"`
	LatencyMs    float64 `json:"latency_ms"`
	CostEUR      float64 `json:"cost_eur"`
	QualityScore float64 `json:"quality_score,omitempty"` // 0..1, 0 = unscored
	UserRating   float64 `json:"user_rating,omitempty"`   // 1..5, 0 = unrated
}
