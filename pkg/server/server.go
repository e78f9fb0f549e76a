// Package server exposes the HTTP surface: the streaming query endpoint,
// the local-agent endpoints, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scintilla-hq/scintilla/pkg/auth"
	"github.com/scintilla-hq/scintilla/pkg/broker"
	"github.com/scintilla-hq/scintilla/pkg/catalog"
	"github.com/scintilla-hq/scintilla/pkg/config"
	"github.com/scintilla-hq/scintilla/pkg/loop"
	"github.com/scintilla-hq/scintilla/pkg/observability"
)

// Server hosts the HTTP API.
type Server struct {
	cfg        *config.ServerConfig
	router     chi.Router
	httpServer *http.Server

	loop    *loop.Loop
	broker  *broker.Broker
	catalog *catalog.Service
	metrics *observability.Metrics
}

// Deps carries the wired components the server serves.
type Deps struct {
	Loop           *loop.Loop
	Broker         *broker.Broker
	Catalog        *catalog.Service
	Metrics        *observability.Metrics
	JWTValidator   *auth.JWTValidator
	AgentValidator *auth.AgentTokenValidator
}

// New builds the router and the server around it.
func New(cfg *config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		loop:    deps.Loop,
		broker:  deps.Broker,
		catalog: deps.Catalog,
		metrics: deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.PrincipalMiddleware(deps.JWTValidator))
		r.Post("/query", s.handleQuery)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Use(auth.AgentTokenMiddleware(deps.AgentValidator))
		r.Post("/register", s.handleAgentRegister)
		r.Post("/poll/{agent_id}", s.handleAgentPoll)
		r.Post("/results/{task_id}", s.handleAgentResult)
		r.Post("/refresh-tools", s.handleRefreshTools)
		r.Get("/status", s.handleAgentStatus)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeAgentError uses the {success, message} shape local agents expect on
// every /agents endpoint, matching the agent-token middleware.
func writeAgentError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
