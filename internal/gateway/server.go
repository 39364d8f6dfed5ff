// Package gateway exposes the engine to the host app: a JSON HTTP API for
// session management and control, and a websocket stream for per-turn
// events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pilot/internal/engine"
	ws "pilot/internal/gateway/websocket"
	"pilot/internal/session"
	"pilot/internal/source"
	"pilot/pkg/logger"
)

// Server is the HTTP gateway.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *ws.Hub
	store      *session.Store
	runtimes   *RuntimeManager
	registry   source.Registry
	watcher    interface{ Stop() }
}

// NewServer wires the gateway. registry may be nil when no tool sources
// are configured.
func NewServer(addr string, store *session.Store, registry source.Registry, factory RuntimeFactory) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		hub:      ws.NewHub(),
		store:    store,
		runtimes: NewRuntimeManager(factory),
		registry: registry,
	}
	s.routes()

	s.hub.SetPermissionHandler(s.resolvePermissionFromSocket)
	s.hub.SetChatHandler(s.chatFromSocket)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      recovery(logging(s.router)),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetWatcher attaches a config watcher stopped on shutdown.
func (s *Server) SetWatcher(w interface{ Stop() }) {
	s.watcher = w
}

// Router returns the router, for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpServer.Addr).Msg("starting gateway")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("shutting down gateway")
	if s.watcher != nil {
		s.watcher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	api.HandleFunc("/sessions/{id}/messages", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/mode", s.handleGetMode).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/mode/cycle", s.handleCycleMode).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/permissions/{request_id}", s.handleResolvePermission).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(s.hub, w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []source.Source{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Sources())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title      string `json:"title"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	sess, err := s.store.Create(req.Title, req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.runtimes.Drop(id)
	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	rt, sess, ok := s.loadRuntime(w, r)
	if !ok {
		return
	}

	events := s.startTurn(rt, sess.ID, req.Message)
	go func() {
		for data := range events {
			s.hub.Broadcast(sess.ID, data)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rt, ok := s.runtimes.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no active runtime for session")
		return
	}
	rt.Orchestrator.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	rt, _, ok := s.loadRuntime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(rt.Policy.Mode())})
}

func (s *Server) handleCycleMode(w http.ResponseWriter, r *http.Request) {
	rt, sess, ok := s.loadRuntime(w, r)
	if !ok {
		return
	}
	mode := rt.Policy.CycleMode()
	if err := s.store.SetPermissionMode(sess.ID, mode); err != nil {
		logger.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist permission mode")
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	rt, _, ok := s.loadRuntime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Pending.List())
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowed     bool `json:"allowed"`
		AlwaysAllow bool `json:"always_allow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	vars := mux.Vars(r)
	rt, ok := s.runtimes.Peek(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no active runtime for session")
		return
	}
	if err := rt.Pending.Resolve(vars["request_id"], req.Allowed, req.AlwaysAllow); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// startTurn runs one turn and returns the marshaled event stream. The
// per-turn pipeline is lossless; slow websocket clients are shed by the
// hub, never here. The resume token is mirrored to the store when the turn
// completes.
func (s *Server) startTurn(rt *Runtime, sessionID, message string) <-chan []byte {
	events := rt.Orchestrator.Turn(context.Background(), message)
	out := make(chan []byte, 100)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type == engine.EventComplete {
				if err := s.store.SetResumeToken(sessionID, rt.Continuity.ResumeToken()); err != nil {
					logger.Warn().Err(err).Str("session", sessionID).Msg("failed to persist resume token")
				}
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			out <- data
		}
	}()
	return out
}

func (s *Server) chatFromSocket(sessionID, message string) (<-chan []byte, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	rt, err := s.runtimes.Get(sess)
	if err != nil {
		return nil, err
	}
	return s.startTurn(rt, sessionID, message), nil
}

func (s *Server) resolvePermissionFromSocket(sessionID, requestID string, allowed, alwaysAllow bool) error {
	rt, ok := s.runtimes.Peek(sessionID)
	if !ok {
		return fmt.Errorf("no active runtime for session %s", sessionID)
	}
	return rt.Pending.Resolve(requestID, allowed, alwaysAllow)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return nil, false
	}
	return sess, true
}

func (s *Server) loadRuntime(w http.ResponseWriter, r *http.Request) (*Runtime, *session.Session, bool) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return nil, nil, false
	}
	rt, err := s.runtimes.Get(sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return nil, nil, false
	}
	return rt, sess, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
