package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/urfave/cli/v3"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/api"
	"github.com/artpar/shipline/internal/shell/engine"
	"github.com/artpar/shipline/internal/shell/store"
	"github.com/artpar/shipline/internal/shell/workers"
)

// =============================================================================
// Server
// =============================================================================

// Server serves the trigger API and runs queued executions of one pipeline.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      *store.SQLiteStore
	backend    engineHandle
	worker     *workers.PipelineWorker
	logger     *slog.Logger
}

// NewServer resolves the topology and wires the store, engine, worker and
// API together.
func NewServer(ctx context.Context, cfg *Config, inputs topology.Inputs, logger *slog.Logger) (*Server, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	objects, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	backend, err := newBackend(ctx, cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	def, err := synthesize(ctx, backend.Backend, inputs)
	if err != nil {
		backend.Close()
		s.Close()
		return nil, err
	}

	runner := engine.NewRunner(backend.Backend, objects, s, logger)
	worker := workers.NewPipelineWorker(s, runner, def, workers.PipelineWorkerConfig{
		Interval:         cfg.Worker.Interval,
		ExecutionTimeout: cfg.Worker.ExecutionTimeout,
	}, logger)

	handler := api.NewHandler(api.Config{
		Store:      s,
		Definition: def,
		Notifier:   worker,
		ReadyChecks: map[string]api.ReadyCheck{
			"database": s.Ping,
			"registry": func(ctx context.Context) error {
				_, err := backend.Registry.Reference(ctx, def.Inputs.RegistryURI)
				return err
			},
		},
		SharedSecret: cfg.Server.SharedSecret,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		backend:    backend,
		worker:     worker,
		logger:     logger,
	}, nil
}

// Start runs until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.worker.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ExitError{Op: "ListenAndServe", Err: err, ExitCode: ExitHTTPServerError}
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Interrupts an execution in flight; it resumes on the next start
	s.worker.Stop()

	if err := s.backend.Close(); err != nil {
		s.logger.Error("engine close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return &ExitError{Op: "Shutdown", Err: err, ExitCode: ExitDatabaseError}
	}

	s.logger.Info("shutdown complete")
	return nil
}

func (c *commands) serve(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	e.logger.Info("starting shipline",
		"version", Version,
		"engine", e.cfg.Engine.Name,
		"app", e.inputs.AppName,
	)

	server, err := NewServer(ctx, e.cfg, e.inputs, e.logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}
