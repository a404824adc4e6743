package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "no components", components: map[string]bool{}, want: "healthy"},
		{name: "all healthy", components: map[string]bool{"containerd": true, "queue": true}, want: "healthy"},
		{name: "one unhealthy", components: map[string]bool{"containerd": true, "queue": false}, want: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.NotEmpty(t, health.Uptime)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "all critical ready", components: map[string]bool{"containerd": true, "queue": true}, want: "ready"},
		{name: "queue missing", components: map[string]bool{"containerd": true}, want: "not_ready"},
		{name: "containerd unhealthy", components: map[string]bool{"containerd": false, "queue": true}, want: "not_ready"},
		{name: "non-critical ignored", components: map[string]bool{"containerd": true, "queue": true, "gc": false}, want: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness(context.Background())
			assert.Equal(t, tt.want, readiness.Status)
			if tt.want == "not_ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestGetReadiness_RunsProbes(t *testing.T) {
	resetHealth(t)
	RegisterComponent("containerd", true, "")

	queueErr := errors.New("connection refused")
	RegisterProbe("queue", func(ctx context.Context) error { return queueErr })

	readiness := GetReadiness(context.Background())
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: connection refused", readiness.Components["queue"])

	queueErr = nil
	RegisterProbe("queue", func(ctx context.Context) error { return queueErr })

	readiness = GetReadiness(context.Background())
	assert.Equal(t, "ready", readiness.Status)
}

func TestHealthHandler(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	RegisterComponent("gc", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth(t)
	RegisterComponent("gc", false, "disk full")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("containerd", true, "")
	RegisterComponent("queue", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	UpdateComponent("queue", false, "paused")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
