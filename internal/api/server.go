// Package api provides the HTTP server and handlers of the node repository.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/auth"
	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

// Server is the HTTP server.
type Server struct {
	svc     *repository.Service
	auth    *auth.Auth // nil disables authentication
	methods *Methods
	logger  *zap.Logger

	// SSE and RPC notifications
	broadcaster *events.Broadcaster
	upgrader    websocket.Upgrader
}

// NewServer creates a new server. A nil authHandler serves every route
// without authentication.
func NewServer(svc *repository.Service, authHandler *auth.Auth, logger *zap.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	return &Server{
		svc:         svc,
		auth:        authHandler,
		methods:     NewMethods(svc),
		logger:      logger,
		broadcaster: svc.Events(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Methods returns the nodes/* JSON-RPC method table.
func (s *Server) Methods() *Methods {
	return s.methods
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()

	// Explorers
	protected.HandleFunc("GET /api/v1/explorers", s.handleListExplorers)
	protected.HandleFunc("GET /api/v1/explorers/{explorerId}", s.handleExplorer)
	protected.HandleFunc("POST /api/v1/explorers/{rootId}/configure", s.handleConfigure)

	// Nodes
	protected.HandleFunc("GET /api/v1/nodes/{id}", s.handleNode)
	protected.HandleFunc("PUT /api/v1/nodes/{id}", s.handleUpdateNode)
	protected.HandleFunc("DELETE /api/v1/nodes/{id}", s.handleDeleteNode)
	protected.HandleFunc("GET /api/v1/nodes/{id}/children", s.handleChildren)
	protected.HandleFunc("POST /api/v1/nodes/{id}/children", s.handleCreateNode)
	protected.HandleFunc("POST /api/v1/nodes/{id}/collapsed", s.handleCollapsed)
	protected.HandleFunc("POST /api/v1/nodes/{id}/changed", s.handleChanged)

	// Change notifications
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("GET /rpc", s.handleRPC)

	var authed http.Handler = protected
	if s.auth != nil {
		// Refresh validates the presented token itself.
		mux.HandleFunc("POST /api/v1/auth/refresh", s.auth.HandleRefresh)
		authed = s.auth.Middleware(protected)
	}
	mux.Handle("/api/v1/", authed)
	mux.Handle("/rpc", authed)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── Explorers ──────────────────────────────────────────────────────────────

func (s *Server) handleListExplorers(w http.ResponseWriter, r *http.Request) {
	roots, err := s.svc.Store().Explorers(r.Context())
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, roots)
}

func (s *Server) handleExplorer(w http.ResponseWriter, r *http.Request) {
	explorerID := r.PathValue("explorerId")
	info, err := s.svc.ExplorerManager(r.Context(), explorerID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if info == nil {
		s.sendError(w, http.StatusNotFound, "unsupported view: "+explorerID)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	rootID, ok := s.pathID(w, r, "rootId")
	if !ok {
		return
	}
	var req protocol.ConfigureParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Configure(r.Context(), rootID, req.ExportClasses); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Nodes ──────────────────────────────────────────────────────────────────

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	info, err := s.svc.Info(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ids, err := s.svc.Children(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int{}
	}
	s.sendJSON(w, http.StatusOK, protocol.ChildrenResponse{Children: ids})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	parentID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req protocol.CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	info, err := s.svc.Create(r.Context(), parentID, req)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, info)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req protocol.UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	info, err := s.svc.UpdateNode(r.Context(), id, req)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	deleted, err := s.svc.Destroy(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DeleteResponse{Deleted: deleted})
}

func (s *Server) handleCollapsed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.svc.Collapsed(r.Context(), id); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChanged lets an external producer announce that a node changed
// without going through the node API.
func (s *Server) handleChanged(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.svc.Invalidate(r.Context(), id); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid node id: "+r.PathValue(name))
		return 0, false
	}
	return id, true
}

func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidNode):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrUnsupported):
		s.sendError(w, http.StatusNotImplemented, err.Error())
	default:
		logging.WithContext(r.Context()).Error("request failed", logging.Err(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
