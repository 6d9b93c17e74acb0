package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/permitsight/permitsight/pipeline/internal/api/handlers"
	"github.com/permitsight/permitsight/pipeline/internal/api/middleware"
	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/sched"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Telemetry)
	r.Use(middleware.Logger)
	r.Use(h.Usage.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Get("/status", h.Status)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/entities", func(r chi.Router) {
			r.Get("/search", h.SearchEntities)
			r.Route("/{entityID}", func(r chi.Router) {
				r.Get("/", h.GetEntity)
				r.Get("/network", h.EntityNetwork)
			})
		})

		r.Get("/inspectors/{inspector}/links", h.InspectorLinks)
		r.Get("/clusters", h.FindClusters)
		r.Get("/anomalies", h.AnomalyScan)

		r.Route("/permits/{permitNumber}", func(r chi.Router) {
			r.Get("/", h.GetPermit)
			r.Get("/diagnosis", h.DiagnosePermit)
		})
		r.Post("/timeline", h.EstimateTimeline)

		r.Get("/properties/{block}/{lot}/health", h.PropertyHealth)
		r.Get("/velocity", h.Velocity)
	})

	// Cron triggers, guarded by the shared secret
	r.Route("/cron", func(r chi.Router) {
		r.Use(middleware.CronSecret(cfg.Cron.Secret))
		r.Post("/ingest_nightly", h.TriggerNightly)
		r.Post("/refresh_signals", h.TriggerStep(sched.StepSignals))
		r.Post("/refresh_velocity", h.TriggerStep(sched.StepVelocity))
		r.Post("/backup", h.TriggerStep(sched.StepBackup))
		r.Post("/aggregate_api_usage", h.AggregateUsage)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "permitsight-pipeline",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
