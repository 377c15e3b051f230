// Package server wires the generic pool engine and one configured Adapter
// onto the demo HTTP façade. The façade itself is a separate concern from
// the pool engine proper; this package exists only to give the engine
// somewhere to run for manual exercise and integration testing.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"serverlesspool/internal/api"
	"serverlesspool/internal/config"
	"serverlesspool/internal/pool"
)

// Server owns the HTTP listener and the one Pool it fronts.
type Server struct {
	httpServer *http.Server
	pool       *pool.Pool
	deps       *Dependency
	logger     *slog.Logger
}

// New builds a Server from cfg and deps, wiring a fresh Pool around
// deps.Adapter.
func New(cfg *config.Config, deps *Dependency, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg := pool.Config{
		ManagerName:       "serverlesspool-" + cfg.ResourceKind,
		MaxPoolSize:       cfg.Pool.MaxPoolSize,
		MinPoolSize:       cfg.Pool.MinPoolSize,
		PoolCheckInterval: cfg.Pool.PoolCheckInterval,
		MonitorInterval:   cfg.Pool.MonitorInterval,
		ShutdownTimeout:   cfg.Pool.ShutdownTimeout,
	}
	p := pool.New(deps.Adapter, poolCfg, logger)

	router := api.NewRouter(p, deps.Decoder, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{httpServer: httpServer, pool: p, deps: deps, logger: logger}
}

// Start runs the HTTP server until ctx is cancelled (or it fails outright),
// then drains the pool and shuts the listener down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining pool")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown drains the pool and stops the HTTP listener. Safe to call once;
// the underlying Pool.Shutdown is itself idempotent.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("pool shutdown error", "error", err)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
	if err := s.deps.Close(); err != nil {
		s.logger.Error("dependency close error", "error", err)
	}
	return nil
}
