package observability

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

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	healthy   = pingFunc(func(context.Context) error { return nil })
	unhealthy = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name  string
		store Pinger
		redis Pinger
		want  string
	}{
		{"all healthy", healthy, healthy, StatusHealthy},
		{"redis down degrades", healthy, unhealthy, StatusDegraded},
		{"store down", unhealthy, healthy, StatusUnhealthy},
		{"both down", unhealthy, unhealthy, StatusUnhealthy},
		{"no redis configured", healthy, nil, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewHealthChecker("test", tt.store, tt.redis).Check(context.Background())
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, "test", status.Version)
		})
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthChecker("v", unhealthy, nil).Readiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "connection refused", status.Dependencies["database"].Message)

	w = httptest.NewRecorder()
	NewHealthChecker("v", healthy, unhealthy).Readiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthChecker_Liveness(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthChecker("v", unhealthy, nil).Liveness(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
