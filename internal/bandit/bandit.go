// Package bandit implements the contextual multi-armed bandit that picks a
// provider arm for each request and learns from recorded outcomes.
//
// Selection uses a Beta-mean surrogate: each arm is scored by the mean of its
// Beta(1+wins, 1+trials-wins) posterior plus uniform jitter, then adjusted by
// a configurable per-context bias table. This is deliberately lighter than a
// full Beta sampler; the posterior mean plus jitter is enough to separate
// arms once trial counts grow, and it keeps selection cheap on the hot path.
package bandit

import (
	"fmt"
	"math/rand"
	"sync"
)

// Context carries the discrete request labels the bandit stratifies on.
// UserID is kept for experiment bucketing but never becomes part of the
// context key.
type Context struct {
	Domain       string
	BudgetTier   string
	RequireTools bool
	UserID       string
}

// Key derives the deterministic context key. Missing labels fall back to
// "general" / "standard" / "no-tools" so that equivalent contexts always
// collapse onto the same slot.
func (c *Context) Key() string {
	if c == nil {
		return GlobalKey
	}
	domain := c.Domain
	if domain == "" {
		domain = "general"
	}
	tier := c.BudgetTier
	if tier == "" {
		tier = "standard"
	}
	tools := "no-tools"
	if c.RequireTools {
		tools = "tools"
	}
	return fmt.Sprintf("%s|%s|%s", domain, tier, tools)
}

// BiasRule is one additive adjustment applied to an arm's selection score
// when the request context matches. Exactly one of Arm / NotArm is set:
// Arm applies the delta to that arm, NotArm applies it to every other arm.
type BiasRule struct {
	Domain       string  `json:"domain,omitempty"`
	BudgetTier   string  `json:"budget_tier,omitempty"`
	RequireTools *bool   `json:"require_tools,omitempty"`
	Arm          string  `json:"arm,omitempty"`
	NotArm       string  `json:"not_arm,omitempty"`
	Delta        float64 `json:"delta"`
}

// matches reports whether the rule's conditions hold for the context.
func (r BiasRule) matches(c *Context) bool {
	if c == nil {
		return false
	}
	if r.Domain != "" && r.Domain != c.Domain {
		return false
	}
	if r.BudgetTier != "" && r.BudgetTier != c.BudgetTier {
		return false
	}
	if r.RequireTools != nil && *r.RequireTools != c.RequireTools {
		return false
	}
	return true
}

// applies reports whether the matched rule's delta targets the given arm.
func (r BiasRule) applies(arm string) bool {
	if r.NotArm != "" {
		return arm != r.NotArm
	}
	return r.Arm == arm
}

func boolPtr(b bool) *bool { return &b }

// DefaultBiasRules returns the reference bias table for the three-arm
// configuration (anthropic / openai / vllm).
func DefaultBiasRules() []BiasRule {
	return []BiasRule{
		{Domain: "legal", Arm: "anthropic", Delta: 0.10},
		{Domain: "culinary", Arm: "openai", Delta: 0.05},
		{Domain: "medical", NotArm: "anthropic", Delta: -0.20},
		{BudgetTier: "low", Arm: "vllm", Delta: 0.10},
		{BudgetTier: "premium", Arm: "anthropic", Delta: 0.05},
		{RequireTools: boolPtr(true), Arm: "vllm", Delta: -0.30},
	}
}

// Selection is the outcome of a bandit or optimizer pick.
type Selection struct {
	Arm        string
	Confidence float64
}

// Bandit is the contextual bandit over a fixed, ordered arm set. The arm
// order is significant: ties during selection resolve to the earlier arm,
// and the first arm is the deterministic default.
type Bandit struct {
	arms  []string
	table *Table
	bias  []BiasRule

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Bandit.
type Option func(*Bandit)

// WithBiasRules replaces the default context bias table.
func WithBiasRules(rules []BiasRule) Option {
	return func(b *Bandit) { b.bias = rules }
}

// WithRand sets the random source. Inject a seeded source in tests to make
// selection deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(b *Bandit) { b.rng = rng }
}

// New creates a bandit over the given arms with empty statistics.
func New(arms []string, opts ...Option) *Bandit {
	b := &Bandit{
		arms:  append([]string(nil), arms...),
		table: NewTable(),
		bias:  DefaultBiasRules(),
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Arms returns the configured arm set in insertion order.
func (b *Bandit) Arms() []string {
	return append([]string(nil), b.arms...)
}

// DefaultArm returns the deterministic fallback arm (the first configured).
func (b *Bandit) DefaultArm() string {
	return b.arms[0]
}

// Table exposes the backing stats table for snapshot export/import.
func (b *Bandit) Table() *Table { return b.table }

func (b *Bandit) jitter() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return (b.rng.Float64() - 0.5) * 0.1
}

// Choose picks one arm for the context. A nil or malformed context behaves
// as if no context was given and scores against the global slot. Choose
// never fails: with no recorded data every arm sits at the uniform prior
// and the jitter decides.
func (b *Bandit) Choose(ctx *Context) string {
	stats := b.table.Snapshot(ctx.Key())

	best := b.arms[0]
	bestScore := -1.0
	for _, arm := range b.arms {
		s := stats[arm]
		alpha := 1.0 + float64(s.Wins)
		beta := 1.0 + float64(s.Trials-s.Wins)
		score := alpha/(alpha+beta) + b.jitter()
		for _, rule := range b.bias {
			if rule.matches(ctx) && rule.applies(arm) {
				score += rule.Delta
			}
		}
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		if score > bestScore {
			bestScore = score
			best = arm
		}
	}
	return best
}

// Record stores one outcome against the context slot and the global slot.
func (b *Bandit) Record(arm string, success bool, costEUR, latencyMs float64, ctx *Context) {
	b.table.Record(ctx.Key(), arm, success, costEUR, latencyMs)
}

// Stats returns a copy of the per-arm statistics for the context.
func (b *Bandit) Stats(ctx *Context) map[string]ArmStats {
	return b.table.Snapshot(ctx.Key())
}

// BestArm returns the arm with the highest win rate among arms with more
// than 10 trials in the context, with a confidence estimate. When no arm
// qualifies it returns the default arm at confidence 0.5.
func (b *Bandit) BestArm(ctx *Context) Selection {
	stats := b.table.Snapshot(ctx.Key())

	sel := Selection{Arm: b.DefaultArm(), Confidence: 0.5}
	bestRate := -1.0
	for _, arm := range b.arms {
		s, ok := stats[arm]
		if !ok || s.Trials <= 10 {
			continue
		}
		if wr := s.WinRate(); wr > bestRate {
			bestRate = wr
			sel = Selection{Arm: arm, Confidence: armConfidence(s)}
		}
	}
	return sel
}

// armConfidence estimates how much to trust an arm's win rate: generous once
// past 50 trials, floored at 0.5 before that.
func armConfidence(s ArmStats) float64 {
	wr := s.WinRate()
	if s.Trials > 50 {
		return min(0.95, wr+0.1)
	}
	return max(0.5, wr)
}

// ResetContext drops the stats slot for the given context.
func (b *Bandit) ResetContext(ctx *Context) {
	b.table.Reset(ctx.Key())
}
