package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

// Methods serves the nodes/* JSON-RPC methods from a repository service. It
// backs both the /rpc websocket endpoint and the LSP server.
type Methods struct {
	svc *repository.Service
}

// NewMethods creates the nodes/* method table for svc.
func NewMethods(svc *repository.Service) *Methods {
	return &Methods{svc: svc}
}

// Handles reports whether method is one of the nodes/* methods.
func (m *Methods) Handles(method string) bool {
	return strings.HasPrefix(method, "nodes/") && method != protocol.MethodNodeChanged
}

// Call runs a nodes/* method. Errors are *jsonrpc2.Error values carrying the
// protocol error codes.
func (m *Methods) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodExplorerManager:
		var p protocol.ExplorerManagerParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		info, err := m.svc.ExplorerManager(ctx, p.ExplorerID)
		if err != nil {
			return nil, rpcError(err)
		}
		if info == nil {
			return nil, &jsonrpc2.Error{Code: protocol.CodeUnsupportedView, Message: "unsupported view: " + p.ExplorerID}
		}
		return info, nil

	case protocol.MethodChildren:
		var p protocol.NodeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ids, err := m.svc.Children(ctx, p.NodeID)
		if err != nil {
			return nil, rpcError(err)
		}
		if ids == nil {
			ids = []int{}
		}
		return ids, nil

	case protocol.MethodInfo:
		var p protocol.NodeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		info, err := m.svc.Info(ctx, p.NodeID)
		if err != nil {
			return nil, rpcError(err)
		}
		return info, nil

	case protocol.MethodDelete:
		var p protocol.NodeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		ok, err := m.svc.Destroy(ctx, p.NodeID)
		if err != nil {
			return nil, rpcError(err)
		}
		return ok, nil

	case protocol.MethodCollapsed:
		var p protocol.NodeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := m.svc.Collapsed(ctx, p.NodeID); err != nil {
			return nil, rpcError(err)
		}
		return nil, nil

	case protocol.MethodConfigure:
		var p protocol.ConfigureParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := m.svc.Configure(ctx, p.RootNodeID, p.ExportClasses); err != nil {
			return nil, rpcError(err)
		}
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + method}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func rpcError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &jsonrpc2.Error{Code: protocol.CodeNodeNotFound, Message: err.Error()}
	case errors.Is(err, repository.ErrInvalidNode):
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	default:
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
}

// rpcConn is one /rpc websocket connection.
type rpcConn struct {
	methods *Methods
	logger  *zap.Logger
}

func (c *rpcConn) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"capabilities": map[string]any{},
			"serverInfo":   map[string]string{"name": "explorer-server"},
		}, nil
	case "initialized", "shutdown", "exit", "$/cancelRequest":
		return nil, nil
	}

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	result, err := c.methods.Call(ctx, req.Method, params)
	if err != nil {
		c.logger.Debug("rpc request failed", zap.String("method", req.Method), logging.Err(err))
		return nil, err
	}
	return result, nil
}

// handleRPC upgrades to a websocket and serves JSON-RPC on it. Change events
// are pushed as nodes/nodeChanged notifications until the peer disconnects.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", logging.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	handler := &rpcConn{methods: s.methods, logger: s.logger}
	conn := jsonrpc2.NewConn(ctx, wsjsonrpc2.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(handler.handle)))
	defer conn.Close()

	metrics.AddRPCConnections(1)
	defer metrics.AddRPCConnections(-1)
	s.logger.Info("rpc connection opened", zap.String("remote_addr", r.RemoteAddr))

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	for {
		select {
		case <-conn.DisconnectNotify():
			s.logger.Info("rpc connection closed", zap.String("remote_addr", r.RemoteAddr))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.EventNodeChanged {
				continue
			}
			if err := conn.Notify(ctx, protocol.MethodNodeChanged, ev.Params()); err != nil {
				s.logger.Debug("rpc notify failed", logging.Err(err))
			}
		}
	}
}
