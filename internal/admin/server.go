// Package admin serves the operational HTTP surface: cluster health, stats,
// and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/andeerc/pg-multiverse/internal/coordinator"
)

// NewHandler builds the admin router over a coordinator.
func NewHandler(coord *coordinator.Coordinator, reg *prometheus.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		healths := coord.HealthCheck(req.Context())
		status := http.StatusOK
		for _, h := range healths {
			if !h.Healthy {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, healths, logger)
	})

	r.Get("/clusters", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, coord.GetClusters(), logger)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, coord.GetMetrics(), logger)
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// NewServer wraps the handler in an http.Server bound to addr.
func NewServer(addr string, coord *coordinator.Coordinator, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewHandler(coord, reg, logger),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("encode admin response")
	}
}
