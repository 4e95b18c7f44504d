// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ops serves the operator-facing HTTP surface: probes and metrics.
package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/qodbroker/internal/health"
	"github.com/ManuGH/qodbroker/internal/netutil"
)

// Config wires the ops router.
type Config struct {
	ServiceName string
	Health      *health.Manager
	// AllowList restricts callers; nil or empty admits everyone.
	AllowList *netutil.AllowList
	// RateLimit is requests per minute per client IP; 0 disables.
	RateLimit int
	// Metrics defaults to the Prometheus default registry.
	Metrics http.Handler
}

// NewRouter builds the ops handler.
func NewRouter(cfg Config) http.Handler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(cfg.AllowList.Middleware)
	r.Use(RateLimit(cfg.RateLimit))
	if cfg.ServiceName != "" {
		r.Use(Tracing(cfg.ServiceName))
	}
	r.Use(AccessLog)

	r.Get("/healthz", cfg.Health.ServeHealth)
	r.Get("/readyz", cfg.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}
