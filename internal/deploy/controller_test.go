package deploy

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestDecidePerMode(t *testing.T) {
	c := NewController(State{Mode: Dark}, DefaultThresholds())
	if c.Decide() != RouteDark {
		t.Fatal("dark mode must not dispatch")
	}
	c.SetState(State{Mode: Shadow})
	if c.Decide() != RouteShadowed {
		t.Fatal("shadow mode must mirror")
	}
	c.SetState(State{Mode: Active})
	if c.Decide() != RouteNew {
		t.Fatal("active mode must use the new pipeline")
	}
}

func TestCanaryCoinApproximatesPercentage(t *testing.T) {
	c := NewController(State{Mode: Canary, CanaryPct: 25}, DefaultThresholds(),
		WithRand(rand.New(rand.NewSource(3))))
	hits := 0
	const n = 4000
	for i := 0; i < n; i++ {
		if c.Decide() == RouteNew {
			hits++
		}
	}
	got := float64(hits) / n
	if got < 0.20 || got > 0.30 {
		t.Fatalf("canary rate = %f, want ~0.25", got)
	}
}

func TestEvaluateErrorRateBreach(t *testing.T) {
	var reason string
	var severe bool
	c := NewController(State{Mode: Canary, CanaryPct: 50}, DefaultThresholds(),
		WithOnBreach(func(r string, s bool) { reason, severe = r, s }))

	// 10 samples, 1 failure: 10% error rate over the 5% limit but under 2x... (10% = 2x5%: not > 2x)
	for i := 0; i < 9; i++ {
		c.RecordSample(Sample{Success: true, LatencyMs: 100, CostEUR: 0.01})
	}
	c.RecordSample(Sample{Success: false, LatencyMs: 100, CostEUR: 0.01})

	if reason == "" {
		t.Fatal("breach callback should have fired on the 10th sample")
	}
	if severe {
		t.Fatal("10% error rate is not a severe breach at a 5% limit")
	}
}

func TestEvaluateSevereBreach(t *testing.T) {
	var severe bool
	c := NewController(State{Mode: Canary, CanaryPct: 50}, DefaultThresholds(),
		WithOnBreach(func(r string, s bool) { severe = s }))

	for i := 0; i < 10; i++ {
		c.RecordSample(Sample{Success: i%2 == 0, LatencyMs: 100, CostEUR: 0.01})
	}
	if !severe {
		t.Fatal("50% error rate must be severe")
	}
}

func TestEvaluateP95Breach(t *testing.T) {
	var reason string
	th := DefaultThresholds()
	th.MaxP95LatencyMs = 1000
	c := NewController(State{Mode: Canary, CanaryPct: 50}, th,
		WithOnBreach(func(r string, s bool) { reason = r }))

	for i := 0; i < 10; i++ {
		lat := 100.0
		if i >= 8 {
			lat = 5000
		}
		c.RecordSample(Sample{Success: true, LatencyMs: lat, CostEUR: 0.01})
	}
	if reason != "p95 latency over limit" {
		t.Fatalf("expected p95 breach, got %q", reason)
	}
}

func TestEvaluateCostBreach(t *testing.T) {
	var reason string
	th := DefaultThresholds()
	th.BaselineCostEUR = 0.01
	th.MaxCostMultiplier = 2
	c := NewController(State{Mode: Canary, CanaryPct: 50}, th,
		WithOnBreach(func(r string, s bool) { reason = r }))

	for i := 0; i < 10; i++ {
		c.RecordSample(Sample{Success: true, LatencyMs: 100, CostEUR: 0.05})
	}
	if reason != "cost over baseline multiple" {
		t.Fatalf("expected cost breach, got %q", reason)
	}
}

func TestSLOViolationStreak(t *testing.T) {
	calls := 0
	c := NewController(State{Mode: Canary, CanaryPct: 50}, DefaultThresholds(),
		WithOnBreach(func(r string, s bool) { calls++ }))

	c.RecordSLOViolation(true)
	c.RecordSLOViolation(true)
	c.RecordSLOViolation(false) // reset
	c.RecordSLOViolation(true)
	c.RecordSLOViolation(true)
	if calls != 0 {
		t.Fatal("streak below threshold should not trigger")
	}
	c.RecordSLOViolation(true)
	if calls != 1 {
		t.Fatalf("three consecutive violations should trigger once, got %d", calls)
	}
}

func TestCompareShadowFailureIsolated(t *testing.T) {
	cmp := Compare("OK-primary", 800, 0.02, "", 200, 0, errors.New("shadow blew up"))
	if len(cmp.Errors) != 1 || cmp.Errors[0] != "shadow_failed" {
		t.Fatalf("expected shadow_failed marker, got %+v", cmp)
	}
	if cmp.LatencyDeltaMs != -600 {
		t.Fatalf("latency delta = %f, want -600", cmp.LatencyDeltaMs)
	}
}

func TestCompareJaccard(t *testing.T) {
	cmp := Compare("the quick brown fox", 100, 0.01, "the quick red fox", 120, 0.01, nil)
	// tokens: {the,quick,brown,fox} vs {the,quick,red,fox}: 3 shared, 5 union.
	if math.Abs(cmp.Similarity-0.6) > 1e-12 {
		t.Fatalf("similarity = %f, want 0.6", cmp.Similarity)
	}
	if identical := Compare("same text", 1, 0, "same text", 1, 0, nil); identical.Similarity != 1 {
		t.Fatalf("identical text similarity = %f, want 1", identical.Similarity)
	}
}

func TestRollbackEmergencyCutsToDark(t *testing.T) {
	c := NewController(State{Mode: Active}, DefaultThresholds())
	tripped := false
	m := NewRollbackManager(DefaultRollbackConfig(), c, nil,
		WithEmergencyHook(func() { tripped = true }))

	if !m.TriggerEmergency("error rate spike") {
		t.Fatal("emergency rollback should fire")
	}
	if c.State().Mode != Dark {
		t.Fatalf("expected dark mode, got %s", c.State().Mode)
	}
	if !tripped {
		t.Fatal("emergency hook should run")
	}
	hist := m.History()
	if len(hist) != 1 || hist[0].Kind != RollbackEmergency {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestRollbackCooldownPreventsThrash(t *testing.T) {
	now := time.Now()
	c := NewController(State{Mode: Active}, DefaultThresholds())
	cfg := DefaultRollbackConfig()
	cfg.Cooldown = 10 * time.Minute
	m := NewRollbackManager(cfg, c, nil,
		WithRollbackNowFunc(func() time.Time { return now }))

	if !m.TriggerEmergency("first") {
		t.Fatal("first trigger should fire")
	}
	if m.TriggerEmergency("second") {
		t.Fatal("trigger inside cooldown must be suppressed")
	}
	now = now.Add(11 * time.Minute)
	if !m.TriggerEmergency("third") {
		t.Fatal("trigger after cooldown should fire")
	}
}

func TestGradualRollbackWalksLadder(t *testing.T) {
	c := NewController(State{Mode: Canary, CanaryPct: 100}, DefaultThresholds())
	cfg := DefaultRollbackConfig()
	cfg.StepDwell = 5 * time.Millisecond
	cfg.Cooldown = time.Millisecond

	var steps []float64
	stepCh := make(chan float64, 10)
	m := NewRollbackManager(cfg, c, nil, WithStepHook(func(pct float64) { stepCh <- pct }))

	if !m.TriggerGradual("p95 breach") {
		t.Fatal("gradual rollback should start")
	}

	deadline := time.After(2 * time.Second)
	for len(steps) < 5 {
		select {
		case pct := <-stepCh:
			steps = append(steps, pct)
		case <-deadline:
			t.Fatalf("ladder incomplete: %v", steps)
		}
	}
	want := []float64{90, 70, 50, 30, 10}
	for i, pct := range want {
		if steps[i] != pct {
			t.Fatalf("step %d = %f, want %f", i, steps[i], pct)
		}
	}

	// Wait for the final dark cutover.
	for i := 0; i < 200; i++ {
		if c.State().Mode == Dark {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.State().Mode != Dark {
		t.Fatalf("gradual rollback should land in dark, got %s", c.State().Mode)
	}
}
