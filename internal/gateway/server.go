// Package gateway serves the web chat surface: a WebSocket endpoint
// streaming conversation turns as JSON frames, plus a small read-only
// HTTP API for health, history, and active-conversation introspection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/buildinfo"
	"github.com/EduMMorenolp/argenteia/internal/experts"
	"github.com/EduMMorenolp/argenteia/internal/memory"
)

// Runner executes conversation turns. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, cb *agent.Callbacks) (*agent.Response, error)
	ActiveConversations() []string
}

// Server is the web gateway.
type Server struct {
	address  string
	port     int
	runner   Runner
	durable  *memory.SQLiteStore // optional
	profiles *experts.Store      // optional
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the gateway. durable may be nil; without it the
// history endpoints report not-found and turns are not logged. profiles
// may be nil; without it the management endpoints report not-found.
func NewServer(address string, port int, runner Runner, durable *memory.SQLiteStore, profiles *experts.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		runner:   runner,
		durable:  durable,
		profiles: profiles,
		logger:   logger,
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can serve it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/active", s.handleActive)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)
	mux.HandleFunc("GET /api/experts", s.handleListExperts)
	mux.HandleFunc("POST /api/experts", s.handleSaveExpert)
	mux.HandleFunc("DELETE /api/experts/{name}", s.handleDeleteExpert)
	mux.HandleFunc("POST /api/models", s.handleSaveModelEntry)
	mux.HandleFunc("DELETE /api/models/{name}", s.handleDeleteModelEntry)
	mux.HandleFunc("GET /ws", s.handleWS)

	return s.withLogging(mux)
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: websocket connections are long-lived
	}

	s.logger.Info("gateway listening", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}, s.logger)
}

// handleActive reports conversation ids currently inside the loop. The
// set is advisory: a UI uses it to show processing indicators, nothing
// more.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	ids := s.runner.ActiveConversations()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ids}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.durable == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history not available"}, s.logger)
		return
	}

	limit := 100
	msgs, err := s.durable.History(id, limit)
	if err != nil {
		s.logger.Error("history lookup failed", "conversation", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history lookup failed"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	}, s.logger)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.durable == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history not available"}, s.logger)
		return
	}
	ids, err := s.durable.Conversations()
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "conversation list failed"}, s.logger)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": ids}, s.logger)
}
