package flags

import "testing"

func TestDefaultsAllowEverything(t *testing.T) {
	s := NewStatic(Defaults())
	f := s.Snapshot()
	if !f.EgressEnabled || !f.FallbackEnabled {
		t.Fatalf("defaults should enable egress and fallback: %+v", f)
	}
	if !f.ArmAllowed("anthropic") {
		t.Fatal("arms without entries default to enabled")
	}
}

func TestSetArmEnabled(t *testing.T) {
	s := NewStatic(Defaults())
	s.SetArmEnabled("vllm", false)

	f := s.Snapshot()
	if f.ArmAllowed("vllm") {
		t.Fatal("vllm should be disabled")
	}
	if !f.ArmAllowed("openai") {
		t.Fatal("other arms stay enabled")
	}
}

func TestStoreCopiesMap(t *testing.T) {
	src := Defaults()
	src.ArmEnabled = map[string]bool{"openai": true}
	s := NewStatic(src)

	// Mutating the caller's map must not leak into published snapshots.
	src.ArmEnabled["openai"] = false
	if !s.Snapshot().ArmAllowed("openai") {
		t.Fatal("snapshot should be isolated from the source map")
	}
}
