// Package api serves the HTTP inspection and submission API of a running
// session.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/service"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/tracker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the session components the API reads from and submits to.
type Deps struct {
	Store    store.Store
	Services *service.Registry
	Pool     *daemon.Pool
	Runners  *runner.Registry
	Executor *executor.Executor
	Tracker  *tracker.Tracker
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	services *service.Registry
	pool     *daemon.Pool
	runners  *runner.Registry
	executor *executor.Executor
	tracker  *tracker.Tracker
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    deps.Store,
		services: deps.Services,
		pool:     deps.Pool,
		runners:  deps.Runners,
		executor: deps.Executor,
		tracker:  deps.Tracker,
		logger:   logger,
		addr:     cfg.ListenAddr,
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(requestIDHeader)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/services", s.handleListServices)
	s.router.Get("/v1/daemons", s.handleListDaemons)
	s.router.Get("/v1/runners", s.handleListRunners)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/work", func(r chi.Router) {
		r.Post("/", s.handleSubmitWork)
		r.Get("/", s.handleListWork)
		r.Get("/{id}", s.handleGetWork)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})

	s.router.Route("/v1/operations", func(r chi.Router) {
		r.Get("/", s.handleListOperations)
		r.Get("/{id}", s.handleGetOperation)
		r.Post("/{id}/work", s.handleSubmitOperationWork)
		r.Post("/{id}/wait", s.handleWaitOperation)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// requestIDHeader echoes the request id assigned by middleware.RequestID.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
