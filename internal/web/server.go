// Package web is the HTTP surface: token bootstrap, provider proxies, import
// upload, the progress stream, and the live interaction endpoint.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAddr is the default server address.
const DefaultAddr = ":8080"

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr     string
	Handlers *Handlers
	Log      *log.Logger
}

// Server is the Riffle HTTP server.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	log      *log.Logger
}

// NewServer creates the server with the standard middleware stack and all
// routes mounted.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Log == nil {
		cfg.Log = log.New(io.Discard)
	}

	s := &Server{
		router:   chi.NewRouter(),
		handlers: cfg.Handlers,
		log:      cfg.Log,
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the progress stream holds its response open
		// for the lifetime of an import job.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.Get("/healthz", h.Healthz)
	s.router.Post("/store-token", h.StoreToken)
	s.router.Post("/refresh-token", h.RefreshToken)

	s.router.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/me", h.Me)
		r.Get("/me/top/artists", h.TopArtists)
		r.Get("/me/top/tracks", h.TopTracks)
		r.Post("/import-history/{userID}", h.ImportHistory)
		r.Get("/import-progress/{userID}", h.ImportProgress)
		r.Post("/track-interaction/{userID}/{trackID}", h.TrackInteraction)
	})
}

// Router exposes the configured router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and handles graceful shutdown on interrupt signals.
func (s *Server) Run() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		s.log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.log.Info("server stopped")
	return nil
}
