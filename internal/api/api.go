// Package api provides the HTTP surface of the mindframe session
// orchestration engine.
//
// It exposes RESTful endpoints for client profiles, session lifecycle, and
// conversational turns, delegating all session semantics to the flow
// orchestrator.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindframe-health/mindframe/internal/flow"
	"github.com/mindframe-health/mindframe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Server hosts the HTTP API over the store and the session orchestrator.
type Server struct {
	store        store.Store
	orchestrator *flow.Orchestrator
	addr         string
	httpServer   *http.Server
}

// Opts holds configuration for Server construction.
type Opts struct {
	Addr string
}

// Option configures Server construction.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// NewServer creates an API server over the given store and orchestrator.
func NewServer(st store.Store, orch *flow.Orchestrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{store: st, orchestrator: orch, addr: cfg.Addr}
}

// Handler returns the routed HTTP handler. Exposed separately from Run so
// tests can drive the API through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles", s.profilesHandler)
	mux.HandleFunc("/profiles/", s.profileHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
