// Package api exposes the compliance engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, evalCache *cache.EvaluationCache, bus domain.EventBus, engine *rules.Engine, m *metrics.Metrics, version string) *Server {
	handler := NewHandler(repo, evalCache, bus, engine, m, version)
	router := chi.NewRouter()

	// Recover must stay inside Tracing; it logs the request ID.
	router.Use(middleware.CleanPath)
	router.Use(middleware.RealIP)
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(InstrumentMiddleware(m))
	router.Use(RecoverMiddleware)
	router.Use(middleware.Compress(5, "application/json"))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/metrics", handler.Metrics)

	router.Route("/compliance", func(r chi.Router) {
		r.Post("/applicable", handler.Applicable)
		r.Post("/mandatory", handler.Mandatory)
		r.Post("/optional", handler.Optional)
		r.Post("/cost", handler.Cost)
		r.Post("/timeline", handler.Timeline)
	})

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.SearchRules)
		r.Get("/stats", handler.RuleStats)
		r.Get("/{id}", handler.GetRule)
		r.Post("/reload", handler.ReloadRules)
	})

	router.Route("/platforms", func(r chi.Router) {
		r.Get("/", handler.ListPlatforms)
		r.Get("/{name}", handler.GetPlatform)
		r.Post("/{name}/eligibility", handler.CheckEligibility)
	})

	router.Route("/businesses/{id}/results", func(r chi.Router) {
		r.Get("/", handler.ListResults)
		r.Post("/", handler.CreateResults)
		r.Put("/{ruleId}", handler.UpdateResult)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
