// Package core is the HTTP chassis for the mailmerge service. It owns the chi
// router, the cross-cutting middleware (panic recovery, request IDs, logging,
// timeouts, CORS, metrics), JSON response helpers and request validation.
// Domain handlers are mounted under /v1 through route registrars supplied by
// the entry point.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mailmerge/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handlers on the /v1 router.
type RouteRegistrar func(r chi.Router)

// ShutdownHook releases a component owned by the running service.
type ShutdownHook func(ctx context.Context) error

// Server bundles the router with the dependencies the middleware needs.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	HealthProbes      []HealthProbe
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
	hooks  []ShutdownHook
}

// NewServer validates its inputs and prepares an empty router. Routes are
// mounted separately by MountRoutes so tests can register their own.
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

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a hook run by Shutdown. Hooks run in registration order.
func (s *Server) OnShutdown(hook ShutdownHook) {
	s.hooks = append(s.hooks, hook)
}

// Shutdown runs every registered hook, even when an earlier one fails, and
// returns the joined errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated", "hooks", len(s.hooks))

	var errs []error
	for i, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "index", i, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutting down: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
