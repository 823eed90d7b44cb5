// Package server provides the public entry point for initializing the
// trustplane server: configuration, store selection, pipeline engines, the
// background scheduler, and the HTTP router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentmesh/trustplane/internal/api"
	"github.com/agentmesh/trustplane/internal/api/handlers"
	"github.com/agentmesh/trustplane/internal/config"
	"github.com/agentmesh/trustplane/internal/discovery"
	"github.com/agentmesh/trustplane/internal/notify"
	"github.com/agentmesh/trustplane/internal/predict"
	"github.com/agentmesh/trustplane/internal/report"
	"github.com/agentmesh/trustplane/internal/rootcause"
	"github.com/agentmesh/trustplane/internal/scheduler"
	"github.com/agentmesh/trustplane/internal/store"
	"github.com/agentmesh/trustplane/internal/syncmon"
	"github.com/agentmesh/trustplane/internal/telemetry"
	"github.com/agentmesh/trustplane/internal/trust"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized trustplane pipeline and HTTP surface.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the registry store backing the pipeline.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	Config    *config.Config
	Discovery *discovery.Engine
	Scheduler *scheduler.Runner

	telemetryShutdown func(context.Context) error
}

// New initializes all pipeline components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the pipeline with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher := notify.NewPublisher(cfg.Notify)

	disc := discovery.New(dataStore, cfg.Discovery, publisher, buildSources(cfg.Discovery), buildExecutionSource(cfg.Discovery))
	analyzer := syncmon.New(dataStore, cfg.Sync, publisher)
	trustEng := trust.New(dataStore, cfg.Trust)
	predictEng := predict.New(dataStore, cfg.Predict, cfg.Sync, trustEng)
	rca := rootcause.New(dataStore)

	reports, err := report.New(dataStore, trustEng, analyzer, cfg.Report)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("init report aggregator: %w", err)
	}

	runner := scheduler.NewRunner()
	runner.Add("discovery_scan", cfg.Discovery.Interval, func(ctx context.Context) error {
		_, err := disc.Scan(ctx)
		return err
	})
	runner.Add("predict_cycle", cfg.Predict.Interval, func(ctx context.Context) error {
		predictEng.Cycle(ctx)
		return nil
	})

	h := handlers.New(dataStore, disc, analyzer, trustEng, predictEng, rca, reports)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Port:              cfg.Port,
		Config:            cfg,
		Discovery:         disc,
		Scheduler:         runner,
		telemetryShutdown: shutdown,
	}, nil
}

// Start launches the background pipeline tasks.
func (s *Server) Start(ctx context.Context) {
	s.Scheduler.Start(ctx)
}

// Shutdown stops background tasks, flushes telemetry, and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	s.Scheduler.Stop()
	if err := s.telemetryShutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}

// newStore selects PostgreSQL when DATABASE_URL is set, otherwise the
// in-memory store with snapshot persistence.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info().Msg("PostgreSQL store initialized")
		return s, nil
	}
	log.Info().Msg("In-memory store initialized")
	return store.NewMemoryStore(), nil
}

// buildSources wires the configured discovery sources. A source with no URL
// is left out rather than configured to fail every cycle.
func buildSources(cfg config.DiscoveryConfig) []discovery.Source {
	var sources []discovery.Source
	if cfg.RegistryURL != "" {
		sources = append(sources, discovery.NewRegistrySource(cfg.RegistryURL, cfg.SourceTimeout, cfg.MaxRetries, cfg.HeartbeatStaleAfter))
	}
	if cfg.MeshURL != "" {
		sources = append(sources, discovery.NewMeshSource(cfg.MeshURL, cfg.SourceTimeout, cfg.MaxRetries, cfg.HeartbeatStaleAfter))
	}
	if cfg.TelemetryURL != "" {
		sources = append(sources, discovery.NewTelemetrySource(cfg.TelemetryURL, cfg.SourceTimeout, cfg.MaxRetries, cfg.HeartbeatStaleAfter))
	}
	if len(sources) == 0 {
		log.Warn().Msg("No discovery sources configured; scans will only derive workflows")
	}
	return sources
}

func buildExecutionSource(cfg config.DiscoveryConfig) discovery.ExecutionSource {
	if cfg.ExecutionLogURL == "" {
		return nil
	}
	return discovery.NewExecutionLogSource(cfg.ExecutionLogURL, cfg.SourceTimeout, cfg.MaxRetries)
}
