// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/database"
	"github.com/tomtom215/daruma/internal/middleware"
)

// NewRouter wires the full HTTP surface.
//
// /health, /stats, and /metrics are public; everything under /v1 sits behind
// the X-API-Key check, rate limiting, and Prometheus instrumentation.
func NewRouter(db *database.DB, cfg *config.Config) http.Handler {
	h := NewHandler(db, cfg)

	r := chi.NewRouter()

	// Global stack, applied to every route
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(cfg))
	r.Use(middleware.Compression)

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if !cfg.Security.RateLimitDisabled {
			r.Use(httprate.LimitByIP(cfg.Security.RateLimitReqs, cfg.Security.RateLimitWindow))
		}
		r.Use(middleware.Prometheus)
		r.Use(middleware.APIKeyAuth(cfg.Security.APIKey))

		r.Post("/entity", h.CreateEntity)
		r.Post("/entities/batch", h.CreateEntitiesBatch)

		r.Post("/query/time", h.QueryTime)
		r.Post("/query/bbox", h.QueryBBox)
		r.Get("/query/export", h.Export)

		r.Get("/places", h.ListPlaces)
		r.Get("/places/{id}", h.GetPlace)
		r.Patch("/places/{id}", h.UpdatePlace)

		r.Delete("/visits", h.DeleteVisits)
	})

	return r
}

// corsMiddleware builds the CORS policy from the configured origins. An empty
// origin list denies cross-origin browser access, which is the right default
// for a personal single-user service.
func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	origins := cfg.Security.CORSOrigins
	if len(origins) == 0 {
		origins = []string{}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
