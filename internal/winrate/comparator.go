// Package winrate performs paired comparison of control and treatment
// responses and aggregates the results into promote/rollback advice with
// statistical significance.
package winrate

import (
	"math"
	"sync"

	"github.com/montanaflynn/stats"
)

// Winner labels the outcome of one paired comparison.
type Winner string

const (
	WinnerControl   Winner = "control"
	WinnerTreatment Winner = "treatment"
	WinnerTie       Winner = "tie"
)

// Action is the aggregate recommendation.
type Action string

const (
	ActionPromote  Action = "promote"
	ActionRollback Action = "rollback"
	ActionContinue Action = "continue"
)

// Sample is one side of a paired comparison.
type Sample struct {
	Text         string
	LatencyMs    float64
	CostEUR      float64
	Satisfaction float64 // user rating on the 1..5 scale; 0 when absent
}

// Comparison is the scored outcome of one control/treatment pair.
type Comparison struct {
	Winner     Winner  `json:"winner"`
	Score      float64 `json:"score"` // positive = treatment better
	Confidence float64 `json:"confidence"`
}

// QualityScorer maps a response text to a quality value. The default
// scorer rewards responses whose length is near 500 characters; it stands
// in for a future grader and is kept pluggable for that reason.
type QualityScorer func(text string) float64

// LengthQuality is the default scorer: 1 at length 500, falling linearly
// to 0 at 0 or 1000 characters.
func LengthQuality(text string) float64 {
	d := math.Abs(float64(len(text)) - 500)
	if d > 500 {
		d = 500
	}
	return 1 - d/500
}

const tieEpsilon = 1e-3

// Comparator scores paired responses.
type Comparator struct {
	quality QualityScorer
}

// NewComparator creates a comparator. A nil scorer uses LengthQuality.
func NewComparator(quality QualityScorer) *Comparator {
	if quality == nil {
		quality = LengthQuality
	}
	return &Comparator{quality: quality}
}

// normDelta normalizes treatment−control into [−1, +1] by the larger
// magnitude of the two values.
func normDelta(control, treatment float64) float64 {
	denom := math.Max(math.Abs(control), math.Max(math.Abs(treatment), 1e-9))
	d := (treatment - control) / denom
	return math.Max(-1, math.Min(1, d))
}

// Compare scores one pair. Positive deltas favor the treatment; latency and
// cost are flipped so that lower is better.
func (c *Comparator) Compare(control, treatment Sample) Comparison {
	dQuality := normDelta(c.quality(control.Text), c.quality(treatment.Text))
	dLatency := -normDelta(control.LatencyMs, treatment.LatencyMs)
	dCost := -normDelta(control.CostEUR, treatment.CostEUR)

	dSatisfaction := 0.0
	if control.Satisfaction > 0 && treatment.Satisfaction > 0 {
		dSatisfaction = normDelta(control.Satisfaction, treatment.Satisfaction)
	}

	s := 0.4*dQuality + 0.2*dLatency + 0.2*dCost + 0.2*dSatisfaction

	cmp := Comparison{
		Score:      s,
		Confidence: math.Min(0.95, 0.5+math.Abs(s)),
	}
	switch {
	case s > tieEpsilon:
		cmp.Winner = WinnerTreatment
	case s < -tieEpsilon:
		cmp.Winner = WinnerControl
	default:
		cmp.Winner = WinnerTie
	}
	return cmp
}

// minSampleSize is the floor below which the only recommendation is to
// keep collecting data.
const minSampleSize = 100

// Metrics aggregates an experiment's paired comparisons.
type Metrics struct {
	ControlWins      int     `json:"control_wins"`
	TreatmentWins    int     `json:"treatment_wins"`
	Ties             int     `json:"ties"`
	SampleSize       int     `json:"sample_size"`
	TreatmentWinRate float64 `json:"treatment_win_rate"`
	AvgScore         float64 `json:"avg_score"`
	PValue           float64 `json:"p_value"`
	Significance     float64 `json:"significance"`
	ConfidenceLow    float64 `json:"confidence_low"`
	ConfidenceHigh   float64 `json:"confidence_high"`
}

// Advice is the aggregate promote/rollback verdict.
type Advice struct {
	Action         Action  `json:"action"`
	ShouldPromote  bool    `json:"should_promote"`
	ShouldRollback bool    `json:"should_rollback"`
	Significance   float64 `json:"significance"`
}

// Aggregator accumulates comparisons for one experiment.
type Aggregator struct {
	mu            sync.Mutex
	controlWins   int
	treatmentWins int
	ties          int
	scores        []float64
	revenueLift   float64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record folds one comparison into the aggregate.
func (a *Aggregator) Record(cmp Comparison) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch cmp.Winner {
	case WinnerControl:
		a.controlWins++
	case WinnerTreatment:
		a.treatmentWins++
	default:
		a.ties++
	}
	a.scores = append(a.scores, cmp.Score)
}

// SetRevenueLift records the externally-measured revenue delta of the
// treatment, as a fraction.
func (a *Aggregator) SetRevenueLift(lift float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revenueLift = lift
}

// Metrics computes the aggregate statistics: win rate over decisive pairs,
// a two-sided z-test against the 0.5 null, and a 95% Wald interval.
func (a *Aggregator) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := Metrics{
		ControlWins:   a.controlWins,
		TreatmentWins: a.treatmentWins,
		Ties:          a.ties,
		SampleSize:    a.controlWins + a.treatmentWins + a.ties,
	}
	if len(a.scores) > 0 {
		m.AvgScore, _ = stats.Mean(stats.Float64Data(a.scores))
	}

	decisive := a.controlWins + a.treatmentWins
	if decisive == 0 {
		return m
	}
	p := float64(a.treatmentWins) / float64(decisive)
	m.TreatmentWinRate = p

	n := float64(decisive)
	z := (p - 0.5) / math.Sqrt(0.25/n)
	m.PValue = 2 * (1 - normalCDF(math.Abs(z)))
	m.Significance = 1 - m.PValue

	half := 1.96 * math.Sqrt(p*(1-p)/n)
	m.ConfidenceLow = math.Max(0, p-half)
	m.ConfidenceHigh = math.Min(1, p+half)
	return m
}

// Recommend returns the aggregate advice. Below the minimum sample size the
// answer is always to continue collecting.
func (a *Aggregator) Recommend() Advice {
	m := a.Metrics()

	a.mu.Lock()
	lift := a.revenueLift
	a.mu.Unlock()

	adv := Advice{Action: ActionContinue, Significance: m.Significance}
	if m.SampleSize < minSampleSize {
		return adv
	}

	switch {
	case m.TreatmentWinRate > 0.85 && m.Significance > 0.95 && lift > 0.02:
		adv.Action = ActionPromote
		adv.ShouldPromote = true
	case m.TreatmentWinRate < 0.5 && m.Significance > 0.95 && lift < -0.05:
		adv.Action = ActionRollback
		adv.ShouldRollback = true
	}
	return adv
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
