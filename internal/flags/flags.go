// Package flags exposes the feature-flag snapshot the router reads to gate
// egress, per-arm availability, and the bandit rollout mode. The snapshot
// is swapped atomically so the hot path never blocks on flag updates.
package flags

import "sync/atomic"

// BanditMode is the staged rollout setting for bandit-driven routing.
type BanditMode string

const (
	BanditOff    BanditMode = "off"
	BanditShadow BanditMode = "shadow"
	BanditCanary BanditMode = "canary"
	BanditActive BanditMode = "active"
)

// Flags is one consistent flag snapshot.
type Flags struct {
	EgressEnabled   bool            `json:"egress_enabled"`
	ArmEnabled      map[string]bool `json:"arm_enabled"`
	BanditMode      BanditMode      `json:"bandit_mode"`
	FallbackEnabled bool            `json:"fallback_enabled"`
}

// ArmAllowed reports whether the arm is enabled; arms without an explicit
// entry default to enabled.
func (f Flags) ArmAllowed(arm string) bool {
	if f.ArmEnabled == nil {
		return true
	}
	enabled, ok := f.ArmEnabled[arm]
	return !ok || enabled
}

// Service provides flag snapshots. Reads must be cheap: the router calls
// Snapshot at most once per request.
type Service interface {
	Snapshot() Flags
}

// Static is an in-memory Service with atomic swap semantics.
type Static struct {
	current atomic.Pointer[Flags]
}

// NewStatic creates a service serving the given initial snapshot.
func NewStatic(initial Flags) *Static {
	s := &Static{}
	s.Store(initial)
	return s
}

// Defaults returns the all-enabled flag set with bandit routing active.
func Defaults() Flags {
	return Flags{
		EgressEnabled:   true,
		BanditMode:      BanditActive,
		FallbackEnabled: true,
	}
}

// Snapshot returns the current flags.
func (s *Static) Snapshot() Flags {
	return *s.current.Load()
}

// Store atomically replaces the snapshot.
func (s *Static) Store(f Flags) {
	cp := f
	if f.ArmEnabled != nil {
		cp.ArmEnabled = make(map[string]bool, len(f.ArmEnabled))
		for k, v := range f.ArmEnabled {
			cp.ArmEnabled[k] = v
		}
	}
	s.current.Store(&cp)
}

// SetArmEnabled flips one arm's flag, preserving the rest of the snapshot.
func (s *Static) SetArmEnabled(arm string, enabled bool) {
	f := s.Snapshot()
	if f.ArmEnabled == nil {
		f.ArmEnabled = make(map[string]bool)
	}
	f.ArmEnabled[arm] = enabled
	s.Store(f)
}
