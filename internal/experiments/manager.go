// Package experiments defines the experiment-manager collaborator the
// router and optimizer consult, plus an in-memory reference implementation.
// Manager failures are always non-fatal to callers: the router continues
// without experiment routing when lookups fail.
package experiments

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/plexarhq/plexar/internal/bandit"
)

// ErrNotFound is returned for operations on unknown experiments.
var ErrNotFound = errors.New("experiment not found")

// Analysis summarizes an experiment's current evidence.
type Analysis struct {
	Winner     string  `json:"winner,omitempty"`
	Confidence float64 `json:"confidence"`
	Samples    uint64  `json:"samples"`
}

// Manager is the experiment-manager contract consumed by the core.
type Manager interface {
	GetAssignment(ctx *bandit.Context) (*bandit.Assignment, error)
	RecordOutcome(ctx *bandit.Context, arm string, success bool) error
	ListActive() []string
	Analyze(name string) (Analysis, error)
	Stop(name, reason string) error
}

// Experiment is one live A/B test over a subset of arms.
type Experiment struct {
	Name            string
	Arms            []string
	TrafficFraction float64 // share of eligible traffic assigned

	trials map[string]uint64
	wins   map[string]uint64
}

// InMemory is the reference Manager: deterministic hash-based assignment
// with per-arm outcome counters.
type InMemory struct {
	defaultTraffic float64

	mu     sync.RWMutex
	active map[string]*Experiment
}

// InMemoryOption configures the in-memory manager.
type InMemoryOption func(*InMemory)

// WithDefaultTraffic sets the traffic fraction used when Start is called
// with zero (the minTrafficForExperiment config knob).
func WithDefaultTraffic(fraction float64) InMemoryOption {
	return func(m *InMemory) {
		if fraction > 0 && fraction <= 1 {
			m.defaultTraffic = fraction
		}
	}
}

// NewInMemory creates an empty in-memory manager.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		defaultTraffic: 1,
		active:         make(map[string]*Experiment),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start registers a new experiment.
func (m *InMemory) Start(name string, arms []string, trafficFraction float64) error {
	if name == "" || len(arms) < 2 {
		return fmt.Errorf("experiment needs a name and at least two arms")
	}
	if trafficFraction <= 0 || trafficFraction > 1 {
		trafficFraction = m.defaultTraffic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[name]; ok {
		return fmt.Errorf("experiment %q already active", name)
	}
	m.active[name] = &Experiment{
		Name:            name,
		Arms:            append([]string(nil), arms...),
		TrafficFraction: trafficFraction,
		trials:          make(map[string]uint64),
		wins:            make(map[string]uint64),
	}
	return nil
}

// GetAssignment deterministically buckets the request's user into an active
// experiment. Users outside every experiment's traffic fraction get nil.
func (m *InMemory) GetAssignment(ctx *bandit.Context) (*bandit.Assignment, error) {
	if ctx == nil || ctx.UserID == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, exp := range m.active {
		h := bucket(ctx.UserID + "|" + exp.Name)
		if h >= exp.TrafficFraction {
			continue
		}
		arm := exp.Arms[armIndex(ctx.UserID, exp.Name, len(exp.Arms))]
		return &bandit.Assignment{
			Arm:            arm,
			ExperimentName: exp.Name,
			Confidence:     0.5,
		}, nil
	}
	return nil, nil
}

// RecordOutcome folds one outcome into the experiment covering the user.
func (m *InMemory) RecordOutcome(ctx *bandit.Context, arm string, success bool) error {
	if ctx == nil || ctx.UserID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exp := range m.active {
		if bucket(ctx.UserID+"|"+exp.Name) >= exp.TrafficFraction {
			continue
		}
		exp.trials[arm]++
		if success {
			exp.wins[arm]++
		}
		return nil
	}
	return nil
}

// ListActive returns the names of all running experiments.
func (m *InMemory) ListActive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	return names
}

// Analyze reports the current winner and a two-proportion confidence for a
// two-arm experiment. With more arms the best win rate is reported against
// the pooled rest.
func (m *InMemory) Analyze(name string) (Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.active[name]
	if !ok {
		return Analysis{}, ErrNotFound
	}

	var best string
	bestRate := -1.0
	var bestTrials, totalTrials, restWins, restTrials uint64
	for _, arm := range exp.Arms {
		trials := exp.trials[arm]
		totalTrials += trials
		if trials == 0 {
			continue
		}
		rate := float64(exp.wins[arm]) / float64(trials)
		if rate > bestRate {
			bestRate = rate
			best = arm
			bestTrials = trials
		}
	}
	for _, arm := range exp.Arms {
		if arm == best {
			continue
		}
		restWins += exp.wins[arm]
		restTrials += exp.trials[arm]
	}

	a := Analysis{Samples: totalTrials}
	if best == "" || restTrials == 0 {
		return a, nil
	}
	a.Winner = best

	p1 := bestRate
	p2 := float64(restWins) / float64(restTrials)
	pPool := float64(exp.wins[best]+restWins) / float64(bestTrials+restTrials)
	se := math.Sqrt(pPool * (1 - pPool) * (1/float64(bestTrials) + 1/float64(restTrials)))
	if se == 0 {
		return a, nil
	}
	z := (p1 - p2) / se
	a.Confidence = 1 - 2*(1-normalCDF(math.Abs(z)))
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	return a, nil
}

// Stop removes the experiment from the active set.
func (m *InMemory) Stop(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[name]; !ok {
		return ErrNotFound
	}
	delete(m.active, name)
	return nil
}

// bucket hashes a key into [0, 1).
func bucket(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()) / float64(math.MaxUint32+1)
}

// armIndex deterministically spreads users across an experiment's arms.
func armIndex(userID, name string, arms int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name + "#" + userID))
	return int(h.Sum32() % uint32(arms))
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
