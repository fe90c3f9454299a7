package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lumatel/callguard/internal/ratelimit"
)

// Server is the engine's HTTP front end.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings for creating a Server.
// Limiter is optional (nil = no ingest rate limiting).
type Config struct {
	Handlers *Handlers
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion (rate limited by client IP).
	mux.Handle("POST /v1/events", ingestRL(http.HandlerFunc(h.HandleIngestEvent)))

	// Query endpoints.
	mux.HandleFunc("GET /v1/sessions/{call_id}", h.HandleGetSession)
	mux.HandleFunc("GET /v1/routes/{route_id}/sla", h.HandleGetRouteSLA)
	mux.HandleFunc("GET /v1/calls/{call_id}/decisions", h.HandleGetCallDecisions)
	mux.HandleFunc("GET /v1/decisions/recent", h.HandleRecentDecisions)

	// Health (no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
