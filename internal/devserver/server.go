// Package devserver is a local implementation of the remote job service.
// Jobs run on the subprocess engine; images are ignored.
package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"computecannon/internal/devserver/handlers"
	"computecannon/internal/devserver/middleware"
	"computecannon/internal/devserver/service"
)

// Config configures a Server.
type Config struct {
	Addr string
	// WorkRoot holds job directories. Empty means a fresh temp directory.
	WorkRoot  string
	RateLimit float64
	RateBurst int
	// Metrics is served on /metrics when set
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the dev job service.
type Server struct {
	httpServer *http.Server
	svc        *service.Service
}

// New creates a new dev server.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	svc, err := service.New(service.Config{Root: cfg.WorkRoot, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(svc, cfg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		svc: svc,
	}, nil
}

// NewRouter wires the routes around svc.
func NewRouter(svc *service.Service, cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := handlers.New(svc, cfg.Logger)
	limiter := middleware.NewRateLimiter(
		middleware.WithRate(cfg.RateLimit),
		middleware.WithBurst(cfg.RateBurst),
	)

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.RequestID(cfg.Logger)))

	rpc := r.PathPrefix("/api/rpc").Subrouter()
	rpc.Use(mux.MiddlewareFunc(limiter.Middleware()))
	rpc.HandleFunc("", h.RPC).Methods(http.MethodPost)
	rpc.HandleFunc("/", h.RPC).Methods(http.MethodPost)
	rpc.HandleFunc("", h.Methods).Methods(http.MethodGet)
	rpc.HandleFunc("/", h.Methods).Methods(http.MethodGet)

	// Job files: stdout, stderr and outputs/
	r.PathPrefix("/files/").Handler(
		http.StripPrefix("/files/", http.FileServer(http.Dir(svc.Root()))),
	).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	return r
}

// Len returns how many jobs the service knows about.
func (s *Server) Len() int { return s.svc.Len() }

// WorkRoot returns the directory holding job directories.
func (s *Server) WorkRoot() string { return s.svc.Root() }

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server and kills the jobs still running.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.svc.Close()
	return err
}
