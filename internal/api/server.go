// Package api exposes the engine to the browser extension over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/engine"
)

// Config holds the ingress server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server is the event ingress HTTP server.
type Server struct {
	engine   *engine.Engine
	validate *validator.Validate
	router   chi.Router
	server   *http.Server
	listener net.Listener // set when systemd passes a socket
	logger   zerolog.Logger
}

// NewServer creates the ingress server for eng.
func NewServer(cfg Config, eng *engine.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		engine:   eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   chi.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes(cfg.AllowedOrigins)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(origins []string) {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events/tab", s.handleTab)
		r.Post("/events/idle", s.handleIdle)

		r.Get("/tracking", s.handleGetTracking)
		r.Put("/tracking", s.handleSetTracking)

		r.Route("/policy", func(r chi.Router) {
			r.Get("/", s.handleGetPolicy)
			r.Put("/", s.handleUpdatePolicy)
			r.Put("/global", s.handleSetGlobalLimit)
			r.Put("/sites/{domain}", s.handleSetSiteLimit)
			r.Delete("/sites/{domain}", s.handleRemoveSiteLimit)
		})

		r.Get("/sites", s.handleGetSites)
		r.Put("/sites", s.handleUpdateSites)

		r.Get("/settings/notifications", s.handleGetNotificationSettings)
		r.Put("/settings/notifications", s.handleUpdateNotificationSettings)

		r.Get("/stats", s.handleStats)
		r.Get("/limit", s.handleLimit)
		r.Get("/limit/{domain}", s.handleDomainLimit)
		r.Post("/limit/{domain}/check", s.handleCheckLimit)

		r.Get("/snooze", s.handleSnoozeStatus)
		r.Post("/snooze", s.handleSnooze)
		r.Delete("/snooze", s.handleCancelSnooze)

		r.Post("/reset", s.handleReset)
		r.Get("/reset/history", s.handleResetHistory)

		r.Post("/activity-completed", s.handleActivityCompleted)

		r.Get("/sync/queue", s.handleSyncQueue)
		r.Delete("/sync/queue", s.handleDrainSyncQueue)

		r.Post("/state/flush", s.handleFlush)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
