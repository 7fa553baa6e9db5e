// Package stats keeps a rolling window of per-request snapshots and
// aggregates them over named time windows for the operational surface and
// the optimization loop.
package stats

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Snapshot is a single data point recorded for a request.
type Snapshot struct {
	Timestamp time.Time
	Arm       string
	Operation string
	Mode      string
	LatencyMs float64
	CostEUR   float64
	Success   bool
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window       string  `json:"window"`
	Arm          string  `json:"arm,omitempty"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	TotalCostEUR float64 `json:"total_cost_eur"`
}

// Collector maintains rolling snapshots for aggregation.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // keep slightly more than largest window
	}
}

// Record adds a new snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Seed bulk-loads historical snapshots (e.g. from a restored state export)
// so aggregates are not blank after a restart.
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshots...)
	c.mu.Unlock()
}

// pruneLocked removes expired snapshots. Caller must hold c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune acquires a write lock, prunes expired snapshots, and
// returns a copy of the current data.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// Summary returns aggregated stats for all windows grouped by arm.
func (c *Collector) Summary() map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		byArm := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				byArm[s.Arm] = append(byArm[s.Arm], s)
			}
		}

		for arm, snaps := range byArm {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, arm, snaps))
		}
	}

	return result
}

// ArmAggregate computes the aggregate for one arm over one duration.
func (c *Collector) ArmAggregate(arm string, d time.Duration) Aggregate {
	snapshots := c.snapshotsAfterPrune()
	cutoff := time.Now().Add(-d)

	var filtered []Snapshot
	for _, s := range snapshots {
		if s.Arm == arm && s.Timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	return computeAggregate(d.String(), arm, filtered)
}

func computeAggregate(window, arm string, snaps []Snapshot) Aggregate {
	agg := Aggregate{Window: window, Arm: arm, RequestCount: len(snaps)}
	if len(snaps) == 0 {
		return agg
	}

	latencies := make([]float64, 0, len(snaps))
	var latencySum float64
	for _, s := range snaps {
		if !s.Success {
			agg.ErrorCount++
		}
		agg.TotalCostEUR += s.CostEUR
		latencies = append(latencies, s.LatencyMs)
		latencySum += s.LatencyMs
	}
	agg.ErrorRate = float64(agg.ErrorCount) / float64(len(snaps))
	agg.AvgLatencyMs = latencySum / float64(len(snaps))
	if p95, err := stats.Percentile(stats.Float64Data(latencies), 95); err == nil {
		agg.P95LatencyMs = p95
	}
	return agg
}
