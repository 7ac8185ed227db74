package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mkeyconform/internal/conformance"
	"github.com/piwi3910/mkeyconform/internal/results"
	"github.com/piwi3910/mkeyconform/internal/verbs/sim"
)

func newTestServer(t *testing.T) (*Server, *results.Store) {
	t.Helper()
	b := sim.New()
	require.NoError(t, b.Init())
	store, err := results.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New("127.0.0.1:0", Options{Provider: b, Device: "mlx5_0", Store: store}), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = get(t, s, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadinessFailsForMissingDevice(t *testing.T) {
	b := sim.New()
	require.NoError(t, b.Init())
	s := New("127.0.0.1:0", Options{Provider: b, Device: "mlx5_7"})

	rec := get(t, s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunsAPI(t *testing.T) {
	s, store := newTestServer(t)

	rec := get(t, s, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, store.Save(&conformance.Report{
		RunID:     "run-1",
		Device:    "mlx5_0",
		StartedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Summary:   conformance.Summary{Total: 1, Failed: 1},
	}))

	rec = get(t, s, "/api/v1/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []conformance.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Summary.Failed)

	rec = get(t, s, "/api/v1/runs/run-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/api/v1/runs/run-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/api/v1/runs?limit=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevicesAndCaps(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/v1/devices")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices devicesView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices.Provider, 2)
	assert.Equal(t, "mlx5_0", devices.Provider[0].Name)

	rec = get(t, s, "/api/v1/devices/mlx5_1/caps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"crc32c"`)

	rec = get(t, s, "/api/v1/devices/mlx5_9/caps")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuitesAPI(t *testing.T) {
	s := New("127.0.0.1:0", Options{})

	rec := get(t, s, "/api/v1/suites")
	require.Equal(t, http.StatusOK, rec.Code)
	var suites []suiteView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &suites))
	assert.Len(t, suites, len(conformance.All()))

	// Routes without a source are not mounted.
	rec = get(t, s, "/api/v1/runs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
