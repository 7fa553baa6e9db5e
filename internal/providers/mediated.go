package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Mediated is the gateway transport: every arm is reached through one
// shared endpoint that multiplexes on an arm header. It trades a hop of
// latency for centralized policy, which is why critical traffic bypasses
// it in favor of the direct path.
type Mediated struct {
	gatewayURL string
	cred       CredentialFunc
	client     *http.Client
	modelRefs  map[string]string
}

// NewMediated creates a mediated transport against the gateway URL.
func NewMediated(gatewayURL string, modelRefs map[string]string, cred CredentialFunc, client *http.Client) *Mediated {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	refs := make(map[string]string, len(modelRefs))
	for arm, ref := range modelRefs {
		refs[arm] = ref
	}
	return &Mediated{gatewayURL: gatewayURL, modelRefs: refs, cred: cred, client: client}
}

// Execute sends the request through the gateway with the arm in a header.
func (m *Mediated) Execute(ctx context.Context, arm string, req ExecRequest) (ExecResult, error) {
	ref, ok := m.modelRefs[arm]
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}

	headers := map[string]string{"X-Plexar-Arm": arm}
	if m.cred != nil {
		key, err := m.cred(arm)
		if err != nil {
			return ExecResult{}, fmt.Errorf("resolve credential for %s: %w", arm, err)
		}
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	ctx = WithRequestID(ctx, req.RequestID)
	body, err := doJSON(ctx, m.client, m.gatewayURL+"/v1/route", wirePayload{
		Model:  ref,
		Prompt: req.Prompt,
		Tools:  req.Tools,
		Params: req.Params,
	}, headers)
	if err != nil {
		return ExecResult{}, err
	}

	var wr wireResult
	if err := json.Unmarshal(body, &wr); err != nil {
		return ExecResult{}, fmt.Errorf("decode gateway response for %s: %w", arm, err)
	}
	res := ExecResult{Text: wr.Text, ModelRef: wr.ModelRef, CostEUR: wr.CostEUR}
	if res.ModelRef == "" {
		res.ModelRef = ref
	}
	return res, nil
}

// HealthCheck probes the gateway's per-arm health endpoint.
func (m *Mediated) HealthCheck(ctx context.Context, arm string) (HealthStatus, error) {
	if _, ok := m.modelRefs[arm]; !ok {
		return HealthStatus{}, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.gatewayURL+"/healthz", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	req.Header.Set("X-Plexar-Arm", arm)

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	return HealthStatus{
		OK:        resp.StatusCode == http.StatusOK,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}
