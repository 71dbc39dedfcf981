package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type component struct {
	name    string
	healthy bool
	message string
}

func reset(t *testing.T, comps ...component) {
	t.Helper()
	healthChecker = newHealthChecker()
	for _, c := range comps {
		RegisterComponent(c.name, c.healthy, c.message)
	}
}

func allCritical() []component {
	return []component{
		{name: "store", healthy: true},
		{name: "scheduler", healthy: true},
		{name: "runner", healthy: true},
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components []component
		wantStatus string
		wantEntry  map[string]string
	}{
		{
			name:       "all healthy",
			components: allCritical(),
			wantStatus: StatusHealthy,
		},
		{
			name:       "watcher failing degrades",
			components: append(allCritical(), component{name: "bundle_watcher", message: "dir removed"}),
			wantStatus: StatusDegraded,
			wantEntry:  map[string]string{"bundle_watcher": "unhealthy: dir removed"},
		},
		{
			name: "critical failing",
			components: []component{
				{name: "store", healthy: true},
				{name: "scheduler", message: "stopped"},
				{name: "reconciler", message: "cycle failed"},
			},
			wantStatus: StatusUnhealthy,
			wantEntry:  map[string]string{"scheduler": "unhealthy: stopped", "store": StatusHealthy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t, tt.components...)
			SetVersion("1.0.0")

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
			for name, want := range tt.wantEntry {
				assert.Equal(t, want, health.Components[name])
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components []component
		wantStatus string
	}{
		{name: "all critical up", components: allCritical(), wantStatus: StatusReady},
		{name: "runner missing", components: allCritical()[:2], wantStatus: StatusNotReady},
		{
			name: "store down",
			components: []component{
				{name: "store", message: "closed"},
				{name: "scheduler", healthy: true},
				{name: "runner", healthy: true},
			},
			wantStatus: StatusNotReady,
		},
		{
			name:       "non-critical ignored",
			components: append(allCritical(), component{name: "bundle_watcher"}),
			wantStatus: StatusReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t, tt.components...)
			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus == StatusNotReady {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		components []component
		wantCode   int
		wantStatus string
	}{
		{"health ok", HealthHandler(), allCritical(), http.StatusOK, StatusHealthy},
		{"health degraded", HealthHandler(), append(allCritical(), component{name: "reconciler"}), http.StatusOK, StatusDegraded},
		{"health down", HealthHandler(), []component{{name: "store"}}, http.StatusServiceUnavailable, StatusUnhealthy},
		{"ready", ReadyHandler(), allCritical(), http.StatusOK, StatusReady},
		{"not ready", ReadyHandler(), nil, http.StatusServiceUnavailable, StatusNotReady},
		{"live", LivenessHandler(), nil, http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset(t, tt.components...)
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestUpdateComponent(t *testing.T) {
	reset(t, component{name: "runner", healthy: true, message: "ok"})
	UpdateComponent("runner", false, "stopped")

	comp := healthChecker.components["runner"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "stopped", comp.Message)
}
