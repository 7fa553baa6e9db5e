package deploy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RollbackKind distinguishes the two rollback paths.
type RollbackKind string

const (
	RollbackGradual   RollbackKind = "gradual"
	RollbackEmergency RollbackKind = "emergency"
)

// RollbackEvent is one entry in the bounded rollback history.
type RollbackEvent struct {
	ID        string       `json:"id"`
	Kind      RollbackKind `json:"kind"`
	Reason    string       `json:"reason"`
	StartedAt time.Time    `json:"started_at"`
	FinalPct  float64      `json:"final_pct"`
}

// RollbackConfig holds the rollback manager knobs.
type RollbackConfig struct {
	// Steps is the traffic-percentage ladder a gradual rollback walks down.
	Steps []float64
	// StepDwell is how long traffic holds at each step.
	StepDwell time.Duration
	// Cooldown suppresses new rollbacks for this long after the previous
	// one was triggered.
	Cooldown time.Duration
	// MaxHistory bounds the retained rollback events.
	MaxHistory int
}

// DefaultRollbackConfig returns the reference ladder and timings.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		Steps:      []float64{90, 70, 50, 30, 10},
		StepDwell:  time.Minute,
		Cooldown:   10 * time.Minute,
		MaxHistory: 100,
	}
}

// RollbackManager reacts to SLO breaches by walking canary traffic down a
// step ladder, or by cutting over to dark mode immediately in an emergency.
type RollbackManager struct {
	cfg        RollbackConfig
	controller *Controller
	logger     *slog.Logger
	nowFunc    func() time.Time

	// onEmergency runs the side effects of an emergency cutover (opening
	// breakers, flipping flags). Wired by the orchestrator.
	onEmergency func()
	// onStep is invoked at each gradual step with the new percentage.
	onStep func(pct float64)

	mu          sync.Mutex
	history     []RollbackEvent
	lastTrigger time.Time
	inProgress  bool
	stopStep    chan struct{}
}

// RollbackOption configures a RollbackManager.
type RollbackOption func(*RollbackManager)

// WithEmergencyHook registers the emergency side-effect callback.
func WithEmergencyHook(fn func()) RollbackOption {
	return func(m *RollbackManager) { m.onEmergency = fn }
}

// WithStepHook registers the per-step callback of a gradual rollback.
func WithStepHook(fn func(pct float64)) RollbackOption {
	return func(m *RollbackManager) { m.onStep = fn }
}

// WithRollbackNowFunc overrides the clock, for deterministic tests.
func WithRollbackNowFunc(now func() time.Time) RollbackOption {
	return func(m *RollbackManager) { m.nowFunc = now }
}

// NewRollbackManager creates a rollback manager bound to a controller.
func NewRollbackManager(cfg RollbackConfig, controller *Controller, logger *slog.Logger, opts ...RollbackOption) *RollbackManager {
	if len(cfg.Steps) == 0 {
		cfg.Steps = DefaultRollbackConfig().Steps
	}
	if cfg.StepDwell <= 0 {
		cfg.StepDwell = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &RollbackManager{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// HandleBreach is the controller's breach callback: severe breaches cut
// over immediately, the rest roll back gradually.
func (m *RollbackManager) HandleBreach(reason string, severe bool) {
	if severe {
		m.TriggerEmergency(reason)
		return
	}
	m.TriggerGradual(reason)
}

// TriggerEmergency switches deployment to dark immediately and runs the
// emergency side effects. Honors the cooldown.
func (m *RollbackManager) TriggerEmergency(reason string) bool {
	if !m.begin() {
		return false
	}

	m.logger.Error("emergency rollback triggered", slog.String("reason", reason))
	m.controller.SetState(State{Mode: Dark})
	if m.onEmergency != nil {
		m.onEmergency()
	}

	m.finish(RollbackEvent{
		ID:        uuid.NewString(),
		Kind:      RollbackEmergency,
		Reason:    reason,
		StartedAt: m.nowFunc(),
		FinalPct:  0,
	})
	return true
}

// TriggerGradual walks the canary percentage down the configured ladder,
// dwelling at each step, and lands in dark mode. Honors the cooldown; a
// second trigger while one is in progress is ignored.
func (m *RollbackManager) TriggerGradual(reason string) bool {
	if !m.begin() {
		return false
	}

	m.logger.Warn("gradual rollback triggered", slog.String("reason", reason))

	stop := make(chan struct{})
	m.mu.Lock()
	m.stopStep = stop
	m.mu.Unlock()

	started := m.nowFunc()
	go func() {
		for _, pct := range m.cfg.Steps {
			m.controller.SetState(State{Mode: Canary, CanaryPct: pct})
			if m.onStep != nil {
				m.onStep(pct)
			}
			select {
			case <-time.After(m.cfg.StepDwell):
			case <-stop:
				m.finish(RollbackEvent{
					ID: uuid.NewString(), Kind: RollbackGradual, Reason: reason,
					StartedAt: started, FinalPct: pct,
				})
				return
			}
		}
		m.controller.SetState(State{Mode: Dark})
		m.finish(RollbackEvent{
			ID: uuid.NewString(), Kind: RollbackGradual, Reason: reason,
			StartedAt: started, FinalPct: 0,
		})
	}()
	return true
}

// Cancel aborts an in-progress gradual rollback.
func (m *RollbackManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopStep != nil {
		close(m.stopStep)
		m.stopStep = nil
	}
}

// begin checks the cooldown and in-progress guard.
func (m *RollbackManager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	if m.inProgress {
		return false
	}
	if !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.cfg.Cooldown {
		return false
	}
	m.inProgress = true
	m.lastTrigger = now
	return true
}

// finish records the event in the bounded history and clears the guard.
func (m *RollbackManager) finish(ev RollbackEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = false
	m.stopStep = nil
	m.history = append(m.history, ev)
	if len(m.history) > m.cfg.MaxHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
	}
}

// History returns a copy of the retained rollback events, oldest first.
func (m *RollbackManager) History() []RollbackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RollbackEvent(nil), m.history...)
}
