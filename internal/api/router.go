package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the database probe in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/signs", func(r chi.Router) {
			r.Get("/", s.handleListSigns)

			// Streams are registered before /{id} so the literal paths win.
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebSocket)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSign)
				r.Post("/status", s.handleReportStatus)
				r.Get("/command", s.handlePollCommand)
				r.Post("/command", s.handleSetCommand)
				r.Put("/name", s.handleRename)
				r.Get("/commands", s.handleCommandHistory)
				r.Get("/telemetry", s.handleTelemetry)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
// A failing database turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"signs":   s.registry.Count(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check: database unavailable", "error", err)
			body["status"] = "degraded"
			body["database"] = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	writeJSON(w, http.StatusOK, body)
}
