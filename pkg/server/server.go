// Package server is the public entry point for composing the permit
// pipeline service: store, source client, pipeline components, scheduler,
// and the HTTP router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/permitsight/permitsight/pipeline/internal/api"
	"github.com/permitsight/permitsight/pipeline/internal/api/handlers"
	"github.com/permitsight/permitsight/pipeline/internal/api/middleware"
	"github.com/permitsight/permitsight/pipeline/internal/config"
	"github.com/permitsight/permitsight/pipeline/internal/graph"
	"github.com/permitsight/permitsight/pipeline/internal/ingest"
	"github.com/permitsight/permitsight/pipeline/internal/notify"
	"github.com/permitsight/permitsight/pipeline/internal/query"
	"github.com/permitsight/permitsight/pipeline/internal/resolve"
	"github.com/permitsight/permitsight/pipeline/internal/retention"
	"github.com/permitsight/permitsight/pipeline/internal/sched"
	"github.com/permitsight/permitsight/pipeline/internal/signals"
	"github.com/permitsight/permitsight/pipeline/internal/soda"
	"github.com/permitsight/permitsight/pipeline/internal/store"
	"github.com/permitsight/permitsight/pipeline/internal/telemetry"
	"github.com/permitsight/permitsight/pipeline/internal/velocity"
)

// Server holds the initialized permit pipeline service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store.
	Store store.Store

	// Scheduler owns the pipeline steps and background loops.
	Scheduler *sched.Scheduler

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and
// starts the scheduler's background loops.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		defer cancel()
		dataStore, err = store.NewPostgresStore(connectCtx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	client := soda.New(cfg.Source.BaseURL, cfg.Source.AppToken, cfg.Source.RateLimitQPS)

	notifier := notify.NewService(cfg.Cron.AdminEmail)
	if cfg.Cron.NotifyWebhookURL != "" {
		notifier.Register(notify.NewWebhookSink(cfg.Cron.NotifyWebhookURL, cfg.Cron.Secret))
	}

	runner := ingest.NewRunner(client, dataStore, cfg)
	resolver := resolve.New(dataStore)
	builder := graph.NewBuilder(dataStore)
	detector := signals.NewDetector(dataStore)
	computer := velocity.NewComputer(dataStore, cfg.Velocity)
	scheduler := sched.New(dataStore, runner, resolver, builder, detector, computer,
		notifier, cfg.Pipeline)
	scheduler.Start(ctx)

	janitor := retention.NewJanitor(dataStore, 6*time.Hour, cfg.Pipeline.OpsLogRetentionDays)
	go janitor.Start(ctx)

	queries := query.NewService(dataStore)
	usage := middleware.NewUsageCounter()
	h := handlers.New(dataStore, queries, scheduler, runner, usage, cfg)
	router := api.NewRouter(cfg, h)

	log.Info().Str("source", cfg.Source.BaseURL).Msg("Permit pipeline initialized")

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Scheduler:    scheduler,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
