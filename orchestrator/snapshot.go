package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/plexarhq/plexar/internal/audit"
	"github.com/plexarhq/plexar/internal/bandit"
	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/costopt"
	"github.com/plexarhq/plexar/internal/deploy"
)

// SnapshotVersion is bumped when the export format changes shape.
const SnapshotVersion = 1

// Snapshot is the versioned state export. Importing it restores a runtime
// to an equivalent decision state: the same statistics, profiles, breaker
// positions, allocation, and deployment mode.
type Snapshot struct {
	Version     int    `json:"version"`
	Region      string `json:"region,omitempty"`
	ProjectName string `json:"project_name,omitempty"`

	ContextTables     map[string]map[string]bandit.ArmStats `json:"context_tables"`
	RouteProfiles     map[string]costopt.RouteProfile       `json:"route_profiles"`
	BreakerStates     map[string]circuitbreaker.ArmState    `json:"breaker_states"`
	TrafficAllocation map[string]float64                    `json:"traffic_allocation"`
	DeploymentMode    deploy.State                          `json:"deployment_mode"`
	EventHistory      []audit.Entry                         `json:"event_history,omitempty"`
}

// maxExportedEvents bounds the event history carried in a snapshot.
const maxExportedEvents = 200

// Export serializes the current decision state.
func (o *Orchestrator) Export() ([]byte, error) {
	snap := Snapshot{
		Version:           SnapshotVersion,
		Region:            o.cfg.Region,
		ProjectName:       o.cfg.ProjectName,
		ContextTables:     o.bandit.Table().Export(),
		RouteProfiles:     o.cost.Export(),
		BreakerStates:     o.breakers.Snapshot(),
		TrafficAllocation: o.alloc.Current(),
		DeploymentMode:    o.deployment.State(),
		EventHistory:      o.sink.Recent(maxExportedEvents),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	return data, nil
}

// Import restores a previously exported state. Unknown versions are
// rejected rather than partially applied.
func (o *Orchestrator) Import(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	o.bandit.Table().Import(snap.ContextTables)
	o.cost.Import(snap.RouteProfiles)
	o.breakers.Restore(snap.BreakerStates)
	if len(snap.TrafficAllocation) > 0 {
		o.alloc.Restore(snap.TrafficAllocation)
	}
	if snap.DeploymentMode.Mode != "" {
		o.deployment.SetState(snap.DeploymentMode)
	}
	return nil
}
