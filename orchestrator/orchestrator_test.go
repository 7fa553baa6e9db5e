package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/deploy"
	"github.com/plexarhq/plexar/internal/providers"
	"github.com/plexarhq/plexar/internal/router"
)

// scriptedClient answers every arm successfully unless told otherwise.
type scriptedClient struct {
	mu   sync.Mutex
	fail map[string]error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{fail: map[string]error{}}
}

func (c *scriptedClient) Execute(ctx context.Context, arm string, req providers.ExecRequest) (providers.ExecResult, error) {
	c.mu.Lock()
	err := c.fail[arm]
	c.mu.Unlock()
	if err != nil {
		return providers.ExecResult{}, err
	}
	return providers.ExecResult{Text: "answer from " + arm, ModelRef: "model-" + arm, CostEUR: 0.01}, nil
}

func (c *scriptedClient) HealthCheck(ctx context.Context, arm string) (providers.HealthStatus, error) {
	return providers.HealthStatus{OK: true, LatencyMs: 2}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *scriptedClient) {
	t.Helper()
	client := newScriptedClient()
	o, err := Init(Config{
		ProjectName: "plexar-test",
		Deployment:  deploy.State{Mode: deploy.Active},
		Seed:        42,
	}, WithClients(client, client))
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o, client
}

func TestInitRejectsBadConfig(t *testing.T) {
	_, err := Init(Config{Arms: []string{"only-one"}})
	require.Error(t, err)
}

func TestEndToEndRequestFlow(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	resp := o.ExecuteSupportOperation(context.Background(), router.Request{
		Prompt:    "what is on the menu tonight",
		Operation: router.OpStandard,
		Priority:  router.PriorityMedium,
	})
	require.True(t, resp.Success, "response: %+v", resp)
	require.NotEmpty(t, resp.Arm)
	require.NotEqual(t, "anthropic", resp.Arm, "user task must not reach the restricted arm")

	stats := o.ArmStats()
	require.Equal(t, uint64(1), stats[resp.Arm].Trials)
}

func TestExportImportRestoresDecisionState(t *testing.T) {
	o, client := newTestOrchestrator(t)

	// Build up some state: outcomes, an open breaker, a moved allocation.
	for i := 0; i < 60; i++ {
		o.ExecuteSupportOperation(context.Background(), router.Request{
			Prompt: "hello", Operation: router.OpStandard,
		})
	}
	client.mu.Lock()
	client.fail["vllm"] = &providers.StatusError{StatusCode: 503, Body: "down"}
	client.mu.Unlock()
	for i := 0; i < 10; i++ {
		o.ExecuteSupportOperation(context.Background(), router.Request{
			Prompt: "hello", Context: router.RequestContext{PreferredArm: "vllm"},
		})
	}
	o.RunAllocationCycle()

	data, err := o.Export()
	require.NoError(t, err)

	restored, err := Init(Config{
		ProjectName: "plexar-restored",
		Deployment:  deploy.State{Mode: deploy.Active},
		Seed:        42,
	}, WithClients(newScriptedClient(), nil))
	require.NoError(t, err)
	defer restored.Shutdown(context.Background())
	require.NoError(t, restored.Import(data))

	require.Equal(t, o.ArmStats(), restored.ArmStats())
	for arm, want := range o.BreakerStates() {
		got := restored.BreakerStates()[arm]
		require.Equal(t, want.State, got.State, "arm %s", arm)
		require.Equal(t, want.FailureCount, got.FailureCount, "arm %s", arm)
		require.Equal(t, want.TotalRequests, got.TotalRequests, "arm %s", arm)
		require.Equal(t, want.SuccessfulRequests, got.SuccessfulRequests, "arm %s", arm)
		require.True(t, want.NextAttemptAt.Equal(got.NextAttemptAt), "arm %s", arm)
	}
	require.InDelta(t, 1.0, sum(restored.Allocation()), 1e-9)
	for arm, share := range o.Allocation() {
		require.InDelta(t, share, restored.Allocation()[arm], 1e-9)
	}
	require.Equal(t, o.Deployment(), restored.Deployment())
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.Error(t, o.Import([]byte(`{"version": 99}`)))
}

func TestEmergencyRollbackTripsBreakers(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.rollback.TriggerEmergency("test breach")

	require.Equal(t, deploy.Dark, o.Deployment().Mode)
	for arm, st := range o.BreakerStates() {
		require.Equal(t, circuitbreaker.Open.String(), st.State, "arm %s", arm)
	}
	require.Len(t, o.Rollbacks(), 1)
	// Dark mode synthesizes responses without touching providers.
	resp := o.ExecuteSupportOperation(context.Background(), router.Request{Prompt: "hi"})
	require.True(t, resp.Success)
	require.Empty(t, resp.Arm)
}

func TestAuditTrailRecordsRoutes(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.ExecuteSupportOperation(context.Background(), router.Request{Prompt: "hello"})

	require.Eventually(t, func() bool {
		return len(o.RecentAudit(10)) > 0
	}, time.Second, 10*time.Millisecond, "audit sink should drain")
}

func sum(alloc map[string]float64) float64 {
	var s float64
	for _, v := range alloc {
		s += v
	}
	return s
}
