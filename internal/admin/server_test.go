package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/coordinator"
	"github.com/andeerc/pg-multiverse/internal/driver/drivertest"
	"github.com/andeerc/pg-multiverse/internal/metrics"
)

func setup(t *testing.T) http.Handler {
	t.Helper()
	fake := drivertest.NewFake()
	cfg := coordinator.Config{}
	cfg.Migrations.Dir = t.TempDir()

	coord, err := coordinator.New(cfg, fake, zerolog.Nop())
	require.NoError(t, err)

	doc := config.Document{
		"cluster_a": &config.ClusterConfig{
			Schemas: []string{"users"},
			Primary: &config.Connection{Host: "a-primary", Port: 5432, Database: "app", User: "u", Password: "p"},
		},
	}
	require.NoError(t, coord.Initialize(context.Background(), doc))
	t.Cleanup(func() { coord.Close(context.Background()) })

	return NewHandler(coord, metrics.NewRegistry(coord), zerolog.Nop())
}

func TestHealthz(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload, "cluster_a")
	assert.True(t, payload["cluster_a"].Healthy)
}

func TestClustersEndpoint(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clusters", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var clusters []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	require.Len(t, clusters, 1)
	assert.Equal(t, "cluster_a", clusters[0]["id"])
}

func TestStatsEndpoint(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clusters")
}

func TestMetricsEndpoint(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pgm_pool_total_conns")
}
