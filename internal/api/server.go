// Package api is the operator-facing control surface: start, resume,
// cancel and observe dispatch runs, and hand payload sets to the
// scheduler outbox.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobiliza/disparo/internal/config"
	"github.com/mobiliza/disparo/internal/dispatch"
	"github.com/mobiliza/disparo/internal/schedule"
	"github.com/mobiliza/disparo/internal/store"
)

// Server is the HTTP control API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	runner     *dispatch.Runner
	scheduler  *dispatch.Scheduler
	outbox     *schedule.Outbox
	recipients *store.RecipientStore
	templates  *store.TemplateStore
	config     *config.Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new control API server.
func NewServer(runner *dispatch.Runner, scheduler *dispatch.Scheduler, outbox *schedule.Outbox, recipients *store.RecipientStore, templates *store.TemplateStore, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		runner:     runner,
		scheduler:  scheduler,
		outbox:     outbox,
		recipients: recipients,
		templates:  templates,
		config:     cfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/current", s.handleRunStatus)
		r.Delete("/runs/current", s.handleClearRun)
		r.Post("/runs/{id}/resume", s.handleResumeRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)

		r.Get("/coordinators", s.handleCoordinatorSearch)
		r.Get("/templates", s.handleTemplateList)

		r.Post("/schedules", s.handleSchedule)
		r.Get("/schedules/due", s.handleDueJobs)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
