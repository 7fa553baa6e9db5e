package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.DBDSN = "file:" + filepath.Join(t.TempDir(), "plexar.sqlite")
	cfg.AdminToken = "test-admin-token"
	cfg.LogLevel = "error"
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOpsEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/ops/v1/stats",
		"/ops/v1/arms",
		"/ops/v1/allocation",
		"/ops/v1/violations",
		"/ops/v1/rollbacks",
		"/ops/v1/winrate",
		"/ops/v1/flags",
	} {
		rec := get(t, s, path)
		require.Equal(t, http.StatusOK, rec.Code, "path %s", path)
		require.Contains(t, rec.Header().Get("Content-Type"), "application/json", "path %s", path)
	}
}

func TestAllocationSumsToOne(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/ops/v1/allocation")

	var alloc map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))
	var sum float64
	for _, v := range alloc {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSnapshotRequiresAdminToken(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/ops/v1/snapshot")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ops/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"version":1`)
}

func TestSetDeploymentValidatesMode(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/ops/v1/deployment",
		strings.NewReader(`{"mode":"bogus"}`))
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/ops/v1/deployment",
		strings.NewReader(`{"mode":"canary","canary_pct":25}`))
	req.Header.Set("Authorization", "Bearer test-admin-token")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.FailureThreshold = 0
	require.Error(t, cfg.Validate())

	cfg = testConfig(t)
	cfg.Arms = []string{"solo"}
	require.Error(t, cfg.Validate())

	cfg = testConfig(t)
	cfg.SignificanceThreshold = 1.5
	require.Error(t, cfg.Validate())
}
