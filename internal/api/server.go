// Package api provides the HTTP API server of the app factory.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narvanalabs/appfactory/internal/api/handlers"
	"github.com/narvanalabs/appfactory/internal/api/health"
	"github.com/narvanalabs/appfactory/internal/api/middleware"
	"github.com/narvanalabs/appfactory/internal/auth"
	"github.com/narvanalabs/appfactory/internal/registry"
	"github.com/narvanalabs/appfactory/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	registry   *registry.Service
	auth       *auth.Service
	health     *health.Checker
	metrics    *middleware.HTTPMetrics
	gatherer   prometheus.Gatherer
	config     *config.Config
	logger     *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithMetricsRegistry registers HTTP metrics with reg and serves reg on
// /metrics instead of the default registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = middleware.NewHTTPMetrics(reg)
		s.gatherer = reg
	}
}

// NewServer creates a new API server. A nil authSvc leaves /v1 open.
func NewServer(cfg *config.Config, reg *registry.Service, checker *health.Checker, authSvc *auth.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(Version)
	}

	s := &Server{
		registry: reg,
		auth:     authSvc,
		health:   checker,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = middleware.NewHTTPMetrics(prometheus.DefaultRegisterer)
		s.gatherer = prometheus.DefaultGatherer
	}
	if authSvc == nil {
		logger.Warn("JWT_SECRET not set, /v1 API is unauthenticated")
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.metrics.Instrument)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// unauthenticated
	r.Get("/health", s.health.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	companies := handlers.NewCompanyHandler(s.registry, s.logger)
	templates := handlers.NewTemplateHandler(s.registry, s.logger)
	apps := handlers.NewAppHandler(s.registry, s.logger)
	builds := handlers.NewBuildHandler(s.registry, s.logger)

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(middleware.NewAuthMiddleware(s.auth, s.logger).Authenticate)
		}

		r.Route("/companies", func(r chi.Router) {
			r.Post("/", companies.Create)
			r.Get("/", companies.List)
			r.Route("/{companyID}", func(r chi.Router) {
				r.Get("/", companies.Get)
				r.Get("/apps", apps.List)
				r.Post("/builds", builds.Create)
				r.Get("/builds", builds.List)
			})
		})

		// templates are also exposed as projects
		for _, prefix := range []string{"/templates", "/projects"} {
			r.Route(prefix, func(r chi.Router) {
				r.Post("/", templates.Create)
				r.Get("/", templates.List)
				r.Get("/{templateID}", templates.Get)
			})
		}

		r.Route("/apps", func(r chi.Router) {
			r.Post("/", apps.Create)
			r.Get("/", apps.List)
			r.Get("/{appID}", apps.Get)
		})

		r.Get("/builds/{buildID}", builds.Get)
	})

	s.router = r
}

// Start serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
