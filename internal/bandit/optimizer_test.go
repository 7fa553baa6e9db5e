package bandit

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

type stubAssignments struct {
	assignment *Assignment
	err        error
}

func (s *stubAssignments) GetAssignment(ctx *Context) (*Assignment, error) {
	return s.assignment, s.err
}

func newTestOptimizer(seed int64, experiments AssignmentSource) *Optimizer {
	b := New(testArms(), WithRand(rand.New(rand.NewSource(seed))))
	cfg := DefaultOptimizerConfig()
	cfg.ExplorationDecayAfter = 10 * time.Millisecond
	return NewOptimizer(b, cfg, experiments, nil)
}

func TestUCBPrefersUnplayedArms(t *testing.T) {
	o := newTestOptimizer(1, nil)
	o.bandit.Record("anthropic", true, 0.02, 500, nil)

	pick := o.SelectUCB(nil)
	// anthropic has data; openai and vllm are unplayed and score +Inf.
	// Insertion order breaks the tie toward openai.
	if pick.Arm != "openai" {
		t.Fatalf("expected first unplayed arm, got %q", pick.Arm)
	}
	if !pick.ExplorationNeeded {
		t.Fatal("unplayed arm must flag exploration")
	}
}

func TestUCBConvergesOnWinner(t *testing.T) {
	o := newTestOptimizer(2, nil)
	for i := 0; i < 100; i++ {
		o.bandit.Record("openai", true, 0.01, 100, nil)
		o.bandit.Record("anthropic", false, 0.05, 900, nil)
		o.bandit.Record("vllm", false, 0.001, 400, nil)
	}
	pick := o.SelectUCB(nil)
	if pick.Arm != "openai" {
		t.Fatalf("UCB should exploit the winning arm, got %q", pick.Arm)
	}
	if pick.Strategy != StrategyUCB {
		t.Fatalf("unexpected strategy %q", pick.Strategy)
	}
}

func TestHybridSwitchesStrategies(t *testing.T) {
	o := newTestOptimizer(3, nil)
	// Below 3*minTrials total the hybrid must behave like UCB: openai is
	// unplayed so it wins on +Inf despite anthropic's perfect record.
	for i := 0; i < 10; i++ {
		o.bandit.Record("anthropic", true, 0.02, 500, nil)
	}
	pick := o.SelectHybrid(nil)
	if pick.Arm == "anthropic" {
		t.Fatal("hybrid below the trial floor should explore unplayed arms")
	}

	for i := 0; i < 100; i++ {
		o.bandit.Record("anthropic", true, 0.02, 500, nil)
		o.bandit.Record("openai", false, 0.01, 100, nil)
		o.bandit.Record("vllm", false, 0.001, 400, nil)
	}
	wins := 0
	for i := 0; i < 100; i++ {
		if o.SelectHybrid(nil).Arm == "anthropic" {
			wins++
		}
	}
	if wins < 90 {
		t.Fatalf("hybrid past the trial floor should exploit, got %d/100", wins)
	}
}

func TestGetOptimalArmPrefersExperiment(t *testing.T) {
	exp := &stubAssignments{assignment: &Assignment{
		Arm: "vllm", ExperimentName: "cheap-arm-rollout", Confidence: 0.8,
	}}
	o := newTestOptimizer(4, exp)

	pick := o.GetOptimalArm(nil)
	if pick.Source != SourceExperiment || pick.Arm != "vllm" {
		t.Fatalf("expected experiment assignment, got %+v", pick)
	}
	if pick.ExperimentName != "cheap-arm-rollout" {
		t.Fatalf("missing experiment name: %+v", pick)
	}
}

func TestGetOptimalArmSurvivesExperimentError(t *testing.T) {
	o := newTestOptimizer(5, &stubAssignments{err: errors.New("manager down")})
	pick := o.GetOptimalArm(nil)
	if pick.Source != SourceBandit {
		t.Fatalf("expected bandit fallback on experiment error, got %+v", pick)
	}
}

func TestRecommendationsExploration(t *testing.T) {
	o := newTestOptimizer(6, nil)
	recs := o.Recommendations()

	found := false
	for _, r := range recs {
		if r.Type == RecExploration && r.Priority == PriorityHigh {
			found = true
		}
	}
	if !found {
		t.Fatal("cold-start optimizer must recommend exploration")
	}
}

func TestRecommendationsExploitation(t *testing.T) {
	o := newTestOptimizer(7, nil)
	for i := 0; i < 100; i++ {
		o.bandit.Record("openai", true, 0.01, 100, nil)
		o.bandit.Record("anthropic", false, 0.05, 900, nil)
		o.bandit.Record("vllm", false, 0.001, 400, nil)
	}
	var exploit *Recommendation
	for _, r := range o.Recommendations() {
		if r.Type == RecExploitation {
			rc := r
			exploit = &rc
		}
	}
	if exploit == nil {
		t.Fatal("dominant arm should yield an exploitation recommendation")
	}
	if exploit.Arm != "openai" || exploit.Priority != PriorityLow {
		t.Fatalf("unexpected exploitation recommendation: %+v", exploit)
	}
}

func TestAutoTuneBoostsAndDecays(t *testing.T) {
	o := newTestOptimizer(8, nil)

	if !o.AutoTune(o.Recommendations()) {
		t.Fatal("cold-start recommendations should trigger auto-tune")
	}
	boosted := o.ExplorationRate()
	if boosted <= 0.1 {
		t.Fatalf("rate should be boosted above 0.1, got %f", boosted)
	}

	// Boost repeatedly: must never exceed the 0.3 cap.
	for i := 0; i < 20; i++ {
		o.AutoTune([]Recommendation{{Type: RecExploration, Priority: PriorityHigh}})
	}
	if o.ExplorationRate() > 0.3 {
		t.Fatalf("rate exceeded cap: %f", o.ExplorationRate())
	}

	time.Sleep(50 * time.Millisecond)
	decayed := o.ExplorationRate()
	if decayed > boosted {
		t.Fatalf("rate should decay after the window, got %f", decayed)
	}
	o.Close()
}
