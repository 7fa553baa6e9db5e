package traffic

import (
	"math"
	"math/rand"
	"testing"
)

func testArms() []string { return []string{"anthropic", "openai", "vllm"} }

func assertValidAllocation(t *testing.T, alloc Allocation) {
	t.Helper()
	var sum float64
	for arm, share := range alloc {
		if share < 0.05-1e-9 {
			t.Fatalf("arm %q below minimum share: %f", arm, share)
		}
		sum += share
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("allocation sums to %f, want 1", sum)
	}
}

func TestCompositeScoreNeutralWhenUnplayed(t *testing.T) {
	if got := CompositeScore(ArmMetrics{}); got != 0.5 {
		t.Fatalf("unplayed arm score = %f, want 0.5", got)
	}
}

func TestCompositeScoreClamps(t *testing.T) {
	// Latency and cost far past the scale must clamp at zero, not go negative.
	s := CompositeScore(ArmMetrics{WinRate: 1, AvgLatencyMs: 10000, AvgCostEUR: 1, Trials: 100})
	want := 0.4*1 + 0 + 0 + 0.1*1
	if math.Abs(s-want) > 1e-12 {
		t.Fatalf("score = %f, want %f", s, want)
	}
}

func TestInitialAllocationUniform(t *testing.T) {
	a := New(testArms(), DefaultConfig())
	alloc := a.Current()
	assertValidAllocation(t, alloc)
	for _, share := range alloc {
		if math.Abs(share-1.0/3) > 1e-9 {
			t.Fatalf("expected uniform start, got %v", alloc)
		}
	}
}

func strongMetrics() map[string]ArmMetrics {
	return map[string]ArmMetrics{
		"openai":    {WinRate: 0.9, AvgLatencyMs: 400, AvgCostEUR: 0.01, Trials: 667},
		"anthropic": {WinRate: 0.5, AvgLatencyMs: 1500, AvgCostEUR: 0.05, Trials: 667},
		"vllm":      {WinRate: 0.5, AvgLatencyMs: 1500, AvgCostEUR: 0.05, Trials: 667},
	}
}

func TestAllocationConvergesToBestArm(t *testing.T) {
	a := New(testArms(), DefaultConfig())
	m := strongMetrics()

	var alloc Allocation
	for i := 0; i < 10; i++ {
		alloc = a.Tick(m)
		assertValidAllocation(t, alloc)
	}

	if alloc["openai"] < 0.41 {
		t.Fatalf("best arm should dominate, got %f", alloc["openai"])
	}
	for _, other := range []string{"anthropic", "vllm"} {
		if alloc["openai"]-alloc[other] < 0.05 {
			t.Fatalf("best arm should lead %s by >= 0.05: %v", other, alloc)
		}
	}
}

func TestAllocationIdempotentAtFixedPoint(t *testing.T) {
	a := New(testArms(), DefaultConfig())
	m := strongMetrics()

	// Converge to the fixed point, then one more tick must be a no-op.
	for i := 0; i < 100; i++ {
		a.Tick(m)
	}
	prev := a.Current()
	next := a.Tick(m)
	for _, arm := range testArms() {
		if math.Abs(next[arm]-prev[arm]) > 1e-9 {
			t.Fatalf("tick at fixed point moved %s: %f -> %f", arm, prev[arm], next[arm])
		}
	}
}

func TestMinShareHoldsUnderExtremeScores(t *testing.T) {
	a := New(testArms(), DefaultConfig())
	m := map[string]ArmMetrics{
		"openai":    {WinRate: 1, AvgLatencyMs: 100, AvgCostEUR: 0.001, Trials: 1000},
		"anthropic": {WinRate: 0, AvgLatencyMs: 3000, AvgCostEUR: 0.5, Trials: 1000},
		"vllm":      {WinRate: 0, AvgLatencyMs: 3000, AvgCostEUR: 0.5, Trials: 1000},
	}
	for i := 0; i < 50; i++ {
		assertValidAllocation(t, a.Tick(m))
	}
}

func TestExplorationBonusLiftsUndertriedArms(t *testing.T) {
	a := New(testArms(), DefaultConfig())
	even := map[string]ArmMetrics{
		"openai":    {WinRate: 0.6, AvgLatencyMs: 800, AvgCostEUR: 0.02, Trials: 1000},
		"anthropic": {WinRate: 0.6, AvgLatencyMs: 800, AvgCostEUR: 0.02, Trials: 1000},
		"vllm":      {WinRate: 0.6, AvgLatencyMs: 800, AvgCostEUR: 0.02, Trials: 10},
	}
	var alloc Allocation
	for i := 0; i < 50; i++ {
		alloc = a.Tick(even)
	}
	// Identical performance, far fewer trials: the bonus must lift vllm
	// above the established arms despite its lower confidence score.
	if alloc["vllm"] <= alloc["openai"] {
		t.Fatalf("undertried arm should receive an exploration boost: %v", alloc)
	}
}

func TestSampleRespectsPermittedSet(t *testing.T) {
	a := New(testArms(), DefaultConfig(), WithRand(rand.New(rand.NewSource(1))))
	for i := 0; i < 100; i++ {
		arm, ok := a.Sample([]string{"openai", "vllm"})
		if !ok {
			t.Fatal("sampling from permitted arms should succeed")
		}
		if arm == "anthropic" {
			t.Fatal("sampled an arm outside the permitted set")
		}
	}
	if _, ok := a.Sample(nil); ok {
		t.Fatal("empty permitted set must not sample")
	}
}

func TestSampleFollowsShares(t *testing.T) {
	a := New(testArms(), DefaultConfig(), WithRand(rand.New(rand.NewSource(7))))
	a.Restore(Allocation{"anthropic": 0.05, "openai": 0.95, "vllm": 0.05})

	hits := 0
	const n = 2000
	for i := 0; i < n; i++ {
		arm, _ := a.Sample(testArms())
		if arm == "openai" {
			hits++
		}
	}
	if float64(hits)/n < 0.75 {
		t.Fatalf("dominant arm undersampled: %d/%d", hits, n)
	}
}
