package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/events"
)

// Host is the bridge surface served over HTTP.
type Host interface {
	Perform(ctx context.Context, operation string, payload json.RawMessage) bridge.Result
	Status() bridge.Status
	Ready() bool
	Restart(ctx context.Context) error
	Shutdown()
	Exit()
	Reload(ctx context.Context) []bridge.Result
	Paths() bridge.Paths
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Attach(session string) (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// CallLister reads finished calls, newest first.
type CallLister interface {
	List(ctx context.Context, limit int) ([]dispatch.CallRecord, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Operations are listed in the OpenAPI document.
	Operations []string
	Version    string
	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	host      Host
	events    EventSource
	calls     CallLister
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. calls may be nil when the journal
// is disabled.
func New(config Config, host Host, events EventSource, calls CallLister, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		host:      host,
		events:    events,
		calls:     calls,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done. Request contexts derive
// from ctx so open event streams end with it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Operations can hold the worker for a long time; event streams
		// clear their own deadline.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeOperationsRW)).Post("/operations/{operation}", s.handleOperation)

		r.With(s.requireScopes(auth.ScopeWorkerRO)).Get("/worker", s.handleWorkerStatus)
		r.With(s.requireScopes(auth.ScopeWorkerRW)).Post("/worker/restart", s.handleWorkerRestart)
		r.With(s.requireScopes(auth.ScopeWorkerRW)).Post("/worker/shutdown", s.handleWorkerShutdown)
		r.With(s.requireScopes(auth.ScopeWorkerRW)).Post("/shutdown", s.handleShutdown)
		r.With(s.requireScopes(auth.ScopeWorkerRW)).Post("/reload", s.handleReload)

		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeCallsRO)).Get("/calls", s.handleListCalls)
		r.With(s.requireScopes(auth.ScopeOperationsRO, auth.ScopeWorkerRO)).Get("/paths", s.handlePaths)
		r.Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
