// Package server wires the relay's endpoints into a chi router.
package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the relay's routes: health check, realtime channel,
// file upload/download gateways, and Prometheus metrics.
func SetupRoutes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware())

	r.Get("/", h.Health)
	r.Get("/ws", h.WebSocket)
	r.Post("/upload", h.Upload)
	r.Get("/download/{handle}", h.Download)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
