package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Endpoint is the wire configuration for one arm on the direct path.
type Endpoint struct {
	BaseURL  string
	ModelRef string
}

// CredentialFunc resolves the API credential for an arm at call time, so
// keys can live in the vault and rotate without rebuilding clients.
type CredentialFunc func(arm string) (string, error)

// Direct is the low-latency transport: each arm has its own endpoint and
// credential, and calls go straight to the provider.
type Direct struct {
	endpoints map[string]Endpoint
	cred      CredentialFunc
	client    *http.Client
}

// NewDirect creates a direct transport over the given per-arm endpoints.
// The http.Client's timeout is a backstop; per-request deadlines come from
// the caller's context.
func NewDirect(endpoints map[string]Endpoint, cred CredentialFunc, client *http.Client) *Direct {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	eps := make(map[string]Endpoint, len(endpoints))
	for arm, ep := range endpoints {
		eps[arm] = ep
	}
	return &Direct{endpoints: eps, cred: cred, client: client}
}

// wirePayload is the request body both transports send.
type wirePayload struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Tools  []ToolSpec     `json:"tools,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// wireResult is the response body both transports expect.
type wireResult struct {
	Text     string  `json:"text"`
	ModelRef string  `json:"model_ref"`
	CostEUR  float64 `json:"cost_eur"`
}

// Execute sends the request to the arm's own endpoint.
func (d *Direct) Execute(ctx context.Context, arm string, req ExecRequest) (ExecResult, error) {
	ep, ok := d.endpoints[arm]
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}

	headers := map[string]string{}
	if d.cred != nil {
		key, err := d.cred(arm)
		if err != nil {
			return ExecResult{}, fmt.Errorf("resolve credential for %s: %w", arm, err)
		}
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	ctx = WithRequestID(ctx, req.RequestID)
	body, err := doJSON(ctx, d.client, ep.BaseURL+"/v1/complete", wirePayload{
		Model:  ep.ModelRef,
		Prompt: req.Prompt,
		Tools:  req.Tools,
		Params: req.Params,
	}, headers)
	if err != nil {
		return ExecResult{}, err
	}

	var wr wireResult
	if err := json.Unmarshal(body, &wr); err != nil {
		return ExecResult{}, fmt.Errorf("decode response from %s: %w", arm, err)
	}
	res := ExecResult{Text: wr.Text, ModelRef: wr.ModelRef, CostEUR: wr.CostEUR}
	if res.ModelRef == "" {
		res.ModelRef = ep.ModelRef
	}
	return res, nil
}

// HealthCheck probes the arm's health endpoint.
func (d *Direct) HealthCheck(ctx context.Context, arm string) (HealthStatus, error) {
	ep, ok := d.endpoints[arm]
	if !ok {
		return HealthStatus{}, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+"/healthz", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	return HealthStatus{
		OK:        resp.StatusCode == http.StatusOK,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}
