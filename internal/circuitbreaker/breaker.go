// Package circuitbreaker implements the per-arm circuit breaker that gates
// provider dispatch. Each arm trips independently after a configurable number
// of failures, cools down, and recovers through a half-open probing window
// that requires consecutive successes before closing again.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of one arm's breaker.
type State int

const (
	// Closed is the normal operating state: requests flow to the arm.
	Closed State = iota
	// Open means the arm has tripped: requests are rejected until the
	// recovery timeout elapses or a health probe succeeds.
	Open
	// HalfOpen admits trial requests to test recovery until HalfOpenMaxCalls
	// of them have succeeded.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the arm's breaker
// is open and the recovery timeout has not elapsed.
type OpenError struct{ Arm string }

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for arm %q", e.Arm)
}

// HalfOpenFullError is returned when the arm is half-open and its count of
// half-open successes has already reached HalfOpenMaxCalls. Admitted calls
// that have not yet reported an outcome are not counted.
type HalfOpenFullError struct{ Arm string }

func (e *HalfOpenFullError) Error() string {
	return fmt.Sprintf("circuit breaker half-open window full for arm %q", e.Arm)
}

// Config holds the breaker thresholds shared by all arms.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// ArmState is a point-in-time snapshot of one arm's breaker, suitable for
// introspection and snapshot export.
type ArmState struct {
	Arm                string    `json:"arm"`
	State              string    `json:"state"`
	FailureCount       int       `json:"failure_count"`
	LastFailureAt      time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt      time.Time `json:"last_success_at,omitempty"`
	NextAttemptAt      time.Time `json:"next_attempt_at,omitempty"`
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	HalfOpenAttempts   int       `json:"half_open_attempts"`
}

// armBreaker holds the mutable state for one arm. Each arm carries its own
// lock so breakers never contend across arms.
type armBreaker struct {
	mu sync.Mutex

	state              State
	failureCount       int
	lastFailureAt      time.Time
	lastSuccessAt      time.Time
	nextAttemptAt      time.Time
	totalRequests      uint64
	successfulRequests uint64
	halfOpenAttempts   int
}

// Registry owns one breaker per known arm. Breakers are created eagerly at
// construction so state queries never race slot creation.
type Registry struct {
	cfg           Config
	onStateChange func(arm string, from, to State)
	nowFunc       func() time.Time

	mu   sync.RWMutex
	arms map[string]*armBreaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnStateChange registers a callback fired on every state transition.
// The callback runs while the arm's lock is held; it must not call back
// into the registry.
func WithOnStateChange(fn func(arm string, from, to State)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// NewRegistry creates a breaker registry with one Closed breaker per arm.
func NewRegistry(arms []string, cfg Config, opts ...Option) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	r := &Registry{
		cfg:     cfg,
		nowFunc: time.Now,
		arms:    make(map[string]*armBreaker, len(arms)),
	}
	for _, arm := range arms {
		r.arms[arm] = &armBreaker{state: Closed}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// breaker returns the arm's breaker, creating one for unknown arms so the
// registry never rejects a late-registered arm.
func (r *Registry) breaker(arm string) *armBreaker {
	r.mu.RLock()
	b, ok := r.arms[arm]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.arms[arm]; ok {
		return b
	}
	b = &armBreaker{state: Closed}
	r.arms[arm] = b
	return b
}

// setState transitions the arm and fires the callback. Caller holds b.mu.
func (r *Registry) setState(arm string, b *armBreaker, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if r.onStateChange != nil {
		r.onStateChange(arm, from, to)
	}
}

// Allow reports whether a call to the arm may proceed, transitioning
// Open→HalfOpen when the recovery timeout has elapsed. A nil error means
// the call is admitted; the caller must follow with RecordSuccess or
// RecordFailure.
func (r *Registry) Allow(arm string) error {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if r.nowFunc().Before(b.nextAttemptAt) {
			return &OpenError{Arm: arm}
		}
		r.setState(arm, b, HalfOpen)
		b.halfOpenAttempts = 0
		return nil
	case HalfOpen:
		if b.halfOpenAttempts >= r.cfg.HalfOpenMaxCalls {
			return &HalfOpenFullError{Arm: arm}
		}
		return nil
	}
	return &OpenError{Arm: arm}
}

// IsAvailable reports whether the arm would currently admit a call, without
// mutating state.
func (r *Registry) IsAvailable(arm string) bool {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.halfOpenAttempts < r.cfg.HalfOpenMaxCalls
	case Open:
		return !r.nowFunc().Before(b.nextAttemptAt)
	}
	return false
}

// RecordSuccess records a successful call. In Closed state it resets the
// failure counter. In HalfOpen it counts one consecutive success and closes
// the breaker once the half-open window is filled; it never touches the
// failure counter.
func (r *Registry) RecordSuccess(arm string) {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.successfulRequests++
	b.lastSuccessAt = r.nowFunc()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.halfOpenAttempts++
		if b.halfOpenAttempts >= r.cfg.HalfOpenMaxCalls {
			r.setState(arm, b, Closed)
			b.failureCount = 0
			b.halfOpenAttempts = 0
			b.nextAttemptAt = time.Time{}
		}
	}
}

// RecordFailure records a failed call. In Closed state it trips the breaker
// once the threshold is reached; in HalfOpen any failure reopens immediately.
func (r *Registry) RecordFailure(arm string) {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.nowFunc()
	b.totalRequests++
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case Closed:
		if b.failureCount >= r.cfg.FailureThreshold {
			r.setState(arm, b, Open)
			b.nextAttemptAt = now.Add(r.cfg.RecoveryTimeout)
		}
	case HalfOpen:
		r.setState(arm, b, Open)
		b.halfOpenAttempts = 0
		b.nextAttemptAt = now.Add(r.cfg.RecoveryTimeout)
	}
}

// ProbeSuccess reports a successful out-of-band health probe. An Open arm
// moves to HalfOpen so live traffic can finish the recovery; other states
// are unaffected.
func (r *Registry) ProbeSuccess(arm string) {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		r.setState(arm, b, HalfOpen)
		b.halfOpenAttempts = 0
	}
}

// Execute runs op through the arm's breaker: admission check, timing, and
// outcome recording. The returned latency covers only the op itself.
func (r *Registry) Execute(arm string, op func() error) (time.Duration, error) {
	if err := r.Allow(arm); err != nil {
		return 0, err
	}
	start := r.nowFunc()
	err := op()
	latency := r.nowFunc().Sub(start)
	if err != nil {
		r.RecordFailure(arm)
		return latency, err
	}
	r.RecordSuccess(arm)
	return latency, nil
}

// TripAll forces every breaker open immediately. Used by emergency rollback.
func (r *Registry) TripAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.nowFunc()
	for arm, b := range r.arms {
		b.mu.Lock()
		if b.state != Open {
			r.setState(arm, b, Open)
			b.nextAttemptAt = now.Add(r.cfg.RecoveryTimeout)
			b.halfOpenAttempts = 0
		}
		b.mu.Unlock()
	}
}

// CurrentState returns the arm's state without the Open→HalfOpen check.
func (r *Registry) CurrentState(arm string) State {
	b := r.breaker(arm)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of every arm's breaker state.
func (r *Registry) Snapshot() map[string]ArmState {
	r.mu.RLock()
	arms := make(map[string]*armBreaker, len(r.arms))
	for arm, b := range r.arms {
		arms[arm] = b
	}
	r.mu.RUnlock()

	out := make(map[string]ArmState, len(arms))
	for arm, b := range arms {
		b.mu.Lock()
		out[arm] = ArmState{
			Arm:                arm,
			State:              b.state.String(),
			FailureCount:       b.failureCount,
			LastFailureAt:      b.lastFailureAt,
			LastSuccessAt:      b.lastSuccessAt,
			NextAttemptAt:      b.nextAttemptAt,
			TotalRequests:      b.totalRequests,
			SuccessfulRequests: b.successfulRequests,
			HalfOpenAttempts:   b.halfOpenAttempts,
		}
		b.mu.Unlock()
	}
	return out
}

// Restore replaces breaker state from a snapshot. Unknown states restore
// as Closed.
func (r *Registry) Restore(states map[string]ArmState) {
	for arm, st := range states {
		b := r.breaker(arm)
		b.mu.Lock()
		switch st.State {
		case Open.String():
			b.state = Open
		case HalfOpen.String():
			b.state = HalfOpen
		default:
			b.state = Closed
		}
		b.failureCount = st.FailureCount
		b.lastFailureAt = st.LastFailureAt
		b.lastSuccessAt = st.LastSuccessAt
		b.nextAttemptAt = st.NextAttemptAt
		b.totalRequests = st.TotalRequests
		b.successfulRequests = st.SuccessfulRequests
		b.halfOpenAttempts = st.HalfOpenAttempts
		b.mu.Unlock()
	}
}
