// Package server exposes the runtime over HTTP: a health endpoint, a guarded
// workspace file listing, and a WebSocket JSON-RPC surface that frames
// requests into session-manager calls and pushes runtime notifications to
// connected clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/aiwhisperer/aiwhisperer/pkg/config"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// Server is the interactive HTTP/WebSocket front of the runtime.
type Server struct {
	cfg     config.ServerConfig
	manager *orchestrator.Manager
	mailbox *mailbox.Mailbox
	hub     *Hub
	files   *fileLister

	http     *http.Server
	upgrader websocket.Upgrader
}

// New builds the server. The hub is passed in because it is created before
// the session manager (it serves as the manager's notifier).
func New(cfg config.ServerConfig, manager *orchestrator.Manager, mb *mailbox.Mailbox, ws *workspace.Workspace, hub *Hub) (*Server, error) {
	files, err := newFileLister(ws)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		mailbox: mb,
		hub:     hub,
		files:   files,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.http = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the chi route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/workspace/files", s.handleWorkspaceFiles)
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server listening", "addr", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()
	active := 0
	for _, status := range statuses {
		if status.State == orchestrator.StateActive {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents":        len(statuses),
		"active_agents": active,
		"clients":       s.hub.ClientCount(),
		"active_models": s.manager.ActiveModels(),
	})
}

func (s *Server) handleWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	listing, err := s.files.List(path)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrPathEscape):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "path outside workspace"})
		case os.IsNotExist(err):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "path not found"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	s.hub.register(c)
	go c.writePump()
	slog.Debug("WebSocket client connected", "remote", conn.RemoteAddr())

	defer func() {
		s.hub.unregister(c)
		slog.Debug("WebSocket client disconnected", "remote", conn.RemoteAddr())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpcRequest
		var resp rpcResponse
		if err := json.Unmarshal(data, &req); err != nil {
			resp = errorResponse(nil, codeParseError, "invalid JSON-RPC frame")
		} else {
			resp = s.dispatch(req)
		}

		frame, err := json.Marshal(resp)
		if err != nil {
			slog.Warn("Failed to encode response", "error", err)
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Outbound queue full; the client is too far behind to keep.
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
