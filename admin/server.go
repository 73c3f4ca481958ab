package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/trigon-io/trigon/telemetry"
	"github.com/trigon-io/trigon/trigger"
)

// Server exposes monitor status and Prometheus metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds the admin HTTP server.
func NewServer(address string, port int, registry *trigger.Registry) *Server {
	handlers := NewHandlers(registry)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handlers.handleHealth)
	r.Get("/monitors", handlers.handleListMonitors)

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", address, port),
			Handler: r,
		},
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.srv.Addr).Msg("Admin API listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown failed")
	}
}
