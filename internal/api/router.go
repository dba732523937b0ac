/**
 * @description
 * This file sets up the HTTP router for the payroll-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, timeouts and internal-key
 * authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PayrollRoutes creates and returns the router for the payroll service.
func PayrollRoutes(h *PayrollHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Internal-key-protected payroll API.
	r.Route("/internal/payroll", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/previews", h.PreviewHandler)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.CreateRunHandler)
			r.Get("/", h.ListRunsHandler)
			r.Get("/{runID}", h.GetRunHandler)
			r.Post("/{runID}/execute", h.ExecuteRunHandler)
			r.Post("/{runID}/cancel", h.CancelRunHandler)
			r.Get("/{runID}/payouts", h.ListPayoutsHandler)
			r.Get("/{runID}/artifacts", h.ListArtifactsHandler)
		})

		r.Route("/contributors", func(r chi.Router) {
			r.Put("/", h.UpsertContributorHandler)
			r.Get("/", h.ListContributorsHandler)
		})
	})

	return r
}
