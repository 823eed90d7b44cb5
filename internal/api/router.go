// Package api assembles the HTTP router for the trustplane query, mutation,
// and export surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentmesh/trustplane/internal/api/handlers"
	"github.com/agentmesh/trustplane/internal/api/middleware"
	"github.com/agentmesh/trustplane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Get("/sync-events", h.ListAgentSyncEvents)
			})
		})

		// Workflows
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Get("/{workflowID}", h.GetWorkflow)
		})

		// Sync ingestion
		r.Post("/sync/events", h.RecordSyncEvent)

		// Drift incidents & root-cause analyses
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", h.ListIncidents)
			r.Route("/{incidentID}", func(r chi.Router) {
				r.Get("/", h.GetIncident)
				r.Get("/analyses", h.ListAnalyses)
				r.Post("/analyze", h.AnalyzeIncident)
			})
		})

		// Trust scoring
		r.Route("/trust/{entityID}", func(r chi.Router) {
			r.Get("/", h.GetTrustScore)
			r.Get("/history", h.ListTrustHistory)
			r.Get("/trend", h.GetTrustTrend)
			r.Post("/score", h.ScoreEntity)
		})

		// Predictions
		r.Get("/predictions/{entityID}", h.ListPredictions)

		// Discovery scans
		r.Route("/scan", func(r chi.Router) {
			r.Post("/", h.TriggerScan)
			r.Get("/last", h.LastScan)
		})

		// Dashboard, reports, exports
		r.Get("/dashboard", h.GetDashboard)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/roi", h.GetROIReport)
			r.Get("/compliance", h.GetComplianceReport)
		})
		r.Route("/exports", func(r chi.Router) {
			r.Get("/flat", h.ExportFlat)
			r.Get("/json", h.ExportJSON)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "trustplane",
		})
	}
}
