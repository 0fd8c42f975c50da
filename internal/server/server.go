// Package server exposes liveness and readiness endpoints for dengon processes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/dengon/internal/search"
)

// Pinger is any dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the dependencies probed by /readyz. Searcher is optional.
type Config struct {
	DB       Pinger
	Bus      Pinger
	Searcher search.Searcher
	Logger   *slog.Logger

	Port         int
	Version      string
	CheckTimeout time.Duration // per readiness probe; defaults to 2s
}

// Server is the health HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a health server with its routes and middleware.
func New(cfg Config) *Server {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	h := &handlers{
		db:        cfg.DB,
		bus:       cfg.Bus,
		searcher:  cfg.Searcher,
		version:   cfg.Version,
		timeout:   cfg.CheckTimeout,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("health server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("health server shutting down")
	return s.httpServer.Shutdown(ctx)
}
