// Package server owns the HTTP listener lifecycle: route assembly,
// middleware, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pulseboard/agentbridge/internal/config"
	"github.com/pulseboard/agentbridge/internal/handlers"
	"github.com/pulseboard/agentbridge/internal/logging"
	"github.com/pulseboard/agentbridge/internal/middleware"
)

// Server is the bridge's HTTP front.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// New assembles the server from config and the handler set.
func New(cfg config.ServerConfig, h *handlers.Handlers, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}

	mux := http.NewServeMux()
	h.Register(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      middleware.RequestID(mux),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
