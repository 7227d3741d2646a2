// Package core provides the HTTP chassis for panelhub: a chi router with the
// cross-cutting middleware (recovery, request ids, logging, metrics, gateway
// identity, throttling, idempotency) applied before requests reach the
// handlers registered by the application entry point.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"panelhub/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// RouteRegistrar mounts routes on a router group.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies. Optional collaborators left nil disable
// the middleware that uses them.
type Server struct {
	Config           *config.Config
	Logger           *slog.Logger
	Validator        *Validator
	Metrics          MetricsCollector
	RateLimitStore   RateLimitStore
	IdempotencyStore IdempotencyStore
	HealthProbes     []HealthProbe

	// V1RouteRegistrars mount gateway-authenticated routes under /v1.
	V1RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount unauthenticated routes at the root, such
	// as the subscription endpoints.
	PublicRouteRegistrars []RouteRegistrar

	// OnShutdown hooks run in order during Shutdown.
	OnShutdown []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer validates the required configuration and prepares an empty
// router. Callers set optional collaborators and registrars, then call
// MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the OnShutdown hooks, returning the first error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	var first error
	for _, hook := range s.OnShutdown {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	s.Logger.Info("server shutdown complete")
	return first
}
