// Package server wires the broker's HTTP surface: the WebSocket upgrade
// endpoint plus the operational endpoints a deployment needs around it
// (spec.md's "Supplemented Features" — health, metrics, and a debug view
// of in-flight state). Grounded on the teacher's chi + go-chi/cors router
// setup (go-opencode/internal/server/server.go).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/toolbroker/internal/dispatcher"
	"github.com/opencode-ai/toolbroker/internal/permission"
	"github.com/opencode-ai/toolbroker/internal/planapproval"
	"github.com/opencode-ai/toolbroker/internal/wsserver"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":4096",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: WebSocket connections stay open indefinitely
	}
}

// Server is the broker's HTTP server: one WebSocket endpoint plus
// operational endpoints.
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server

	dispatcher *dispatcher.Dispatcher
	ws         *wsserver.Server
	perm       *permission.Manager
	plans      *planapproval.Manager
}

// New creates a Server wired to the given broker components.
func New(cfg Config, d *dispatcher.Dispatcher, perm *permission.Manager, plans *planapproval.Manager) *Server {
	s := &Server{
		cfg:        cfg,
		router:     chi.NewRouter(),
		dispatcher: d,
		ws:         wsserver.New(d),
		perm:       perm,
		plans:      plans,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/debug/requests", s.handleDebugRequests)
	s.router.Get("/ws", s.handleWS)
}

// handleWS upgrades the connection, deriving the client's sessionId from a
// query parameter (the surrounding application is responsible for having
// already authenticated and scoped that session before opening a socket —
// out of scope per spec.md §1).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = wsserver.NewClientID()
	}
	s.ws.HandleWS(w, r, clientID, sessionID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleMetrics exposes the Permission Manager's and Plan Approval
// Manager's lifetime counters plus the current connection count, as plain
// JSON (spec.md carries no metrics format requirement; this is a
// supplemented operational surface, not a Prometheus exporter).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	permCounters := s.perm.Counters()
	approved, rejected, timedOut := s.plans.Counters()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"permission": map[string]uint64{
			"total":    permCounters.Total,
			"approved": permCounters.Approved,
			"denied":   permCounters.Denied,
			"timedOut": permCounters.TimedOut,
			"aborted":  permCounters.Aborted,
		},
		"plan": map[string]uint64{
			"approved": approved,
			"rejected": rejected,
			"timedOut": timedOut,
		},
		"connectedClients": s.dispatcher.ClientCount(),
		"pendingRequests":  s.perm.Len(),
	})
}

// handleDebugRequests lists the pending requests of the session named by
// the sessionId query parameter — for operators, not clients (spec.md's
// debug endpoint is a supplemented feature, never part of the client-facing
// wire protocol). Without sessionId the list is empty; requests of all
// sessions are not listed together.
func (s *Server) handleDebugRequests(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	var pending []permission.RequestSummary
	if sessionID != "" {
		pending = s.perm.RequestsForSession(sessionID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"pendingRequests": pending})
}

// Start starts the HTTP server; it blocks until Shutdown is called or a
// fatal listen error occurs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }
