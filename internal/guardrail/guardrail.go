// Package guardrail enforces the architectural policy on (arm, task-role)
// combinations. Requests are classified into a task type from prompt
// keywords and context overrides; arms that are not permitted for the task
// are redirected to a prioritized fallback list, and every redirect or block
// is retained in a bounded violation ring for introspection.
package guardrail

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TaskType classifies the role a request plays.
type TaskType string

const (
	TaskSystem   TaskType = "system"
	TaskUser     TaskType = "user"
	TaskAudience TaskType = "audience"
)

// Action records how a violation was resolved.
type Action string

const (
	ActionDelegated Action = "delegated"
	ActionBlocked   Action = "blocked"
	ActionCorrected Action = "corrected"
)

// Violation is one guardrail intervention.
type Violation struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	RequestExcerpt string   `json:"request_excerpt"`
	TaskType       TaskType `json:"task_type"`
	AttemptedArm   string   `json:"attempted_arm"`
	RedirectedTo   string   `json:"redirected_to,omitempty"`
	Action         Action   `json:"action"`
}

// Config holds the classification keywords and per-task fallback orders.
type Config struct {
	// RestrictedArm may only serve TaskSystem requests.
	RestrictedArm string

	SystemKeywords   []string
	AudienceKeywords []string

	// Fallbacks gives the permitted arm order per task type.
	Fallbacks map[TaskType][]string

	MaxViolations int
}

// DefaultConfig returns the reference policy for the three-arm setup.
func DefaultConfig() Config {
	return Config{
		RestrictedArm: "anthropic",
		SystemKeywords: []string{
			"system", "infrastructure", "deploy", "rollback",
			"monitor", "configuration", "orchestrat",
		},
		AudienceKeywords: []string{
			"audience", "demographic", "target group", "segment",
			"persona", "campaign",
		},
		Fallbacks: map[TaskType][]string{
			TaskSystem:   {"anthropic", "openai", "vllm"},
			TaskUser:     {"openai", "vllm"},
			TaskAudience: {"vllm", "openai"},
		},
		MaxViolations: 1000,
	}
}

// Decision is the guardrail's answer for one request: the classification,
// the ordered permitted arms, and whether the intended arm was redirected.
type Decision struct {
	TaskType    TaskType
	Arms        []string
	Delegated   bool
	OriginalArm string
}

// Guardrail classifies requests and enforces the arm policy.
type Guardrail struct {
	cfg Config

	mu         sync.RWMutex
	violations []Violation
}

// New creates a guardrail with the given policy.
func New(cfg Config) *Guardrail {
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 1000
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = DefaultConfig().Fallbacks
	}
	return &Guardrail{cfg: cfg}
}

// Classify derives the task type from context overrides first, then prompt
// keywords. Unmatched prompts default to TaskUser.
func (g *Guardrail) Classify(prompt, domain, intent string) TaskType {
	switch strings.ToLower(intent) {
	case "system", "infrastructure", "operations":
		return TaskSystem
	case "audience", "audience_analysis", "marketing":
		return TaskAudience
	case "user", "support", "conversation":
		return TaskUser
	}
	switch strings.ToLower(domain) {
	case "infrastructure", "operations":
		return TaskSystem
	case "marketing", "audience":
		return TaskAudience
	}

	lower := strings.ToLower(prompt)
	for _, kw := range g.cfg.AudienceKeywords {
		if strings.Contains(lower, kw) {
			return TaskAudience
		}
	}
	for _, kw := range g.cfg.SystemKeywords {
		if strings.Contains(lower, kw) {
			return TaskSystem
		}
	}
	return TaskUser
}

// Authorize classifies the request and returns the ordered permitted arms.
// A preferred arm moves to the front of the order when the policy allows it;
// when it is disallowed the request is delegated to the task's fallback list
// and a violation is recorded.
func (g *Guardrail) Authorize(prompt, domain, intent, preferredArm string) Decision {
	task := g.Classify(prompt, domain, intent)
	permitted := g.permittedFor(task)

	d := Decision{TaskType: task, Arms: permitted}
	if preferredArm == "" {
		return d
	}

	if g.allowed(preferredArm, task) {
		d.Arms = frontload(permitted, preferredArm)
		return d
	}

	// Preferred arm is disallowed for this task: delegate to the fallback
	// order and keep a record.
	d.Delegated = true
	d.OriginalArm = preferredArm
	redirect := ""
	if len(permitted) > 0 {
		redirect = permitted[0]
	}
	g.record(Violation{
		ID:             uuid.NewString(),
		Kind:           "arm_task_mismatch",
		RequestExcerpt: excerpt(prompt),
		TaskType:       task,
		AttemptedArm:   preferredArm,
		RedirectedTo:   redirect,
		Action:         ActionDelegated,
	})
	return d
}

// RecordBlocked notes that a request was rejected outright (no fallback arm
// was available or policy forbade execution).
func (g *Guardrail) RecordBlocked(prompt string, task TaskType, attemptedArm string) {
	g.record(Violation{
		ID:             uuid.NewString(),
		Kind:           "no_permitted_arm",
		RequestExcerpt: excerpt(prompt),
		TaskType:       task,
		AttemptedArm:   attemptedArm,
		Action:         ActionBlocked,
	})
}

// allowed reports whether the arm may serve the task type.
func (g *Guardrail) allowed(arm string, task TaskType) bool {
	if arm == g.cfg.RestrictedArm && task != TaskSystem {
		return false
	}
	for _, a := range g.permittedFor(task) {
		if a == arm {
			return true
		}
	}
	return false
}

func (g *Guardrail) permittedFor(task TaskType) []string {
	arms, ok := g.cfg.Fallbacks[task]
	if !ok {
		arms = g.cfg.Fallbacks[TaskUser]
	}
	return append([]string(nil), arms...)
}

// frontload moves arm to the head of the order, keeping the rest stable.
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

// excerpt bounds the stored prompt fragment.
func excerpt(prompt string) string {
	const maxLen = 120
	if len(prompt) <= maxLen {
		return prompt
	}
	return prompt[:maxLen]
}

// record appends to the bounded violation ring, dropping the oldest entry
// when full.
func (g *Guardrail) record(v Violation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations = append(g.violations, v)
	if len(g.violations) > g.cfg.MaxViolations {
		g.violations = g.violations[len(g.violations)-g.cfg.MaxViolations:]
	}
}

// Violations returns a copy of the retained violations, oldest first.
func (g *Guardrail) Violations() []Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Violation(nil), g.violations...)
}
