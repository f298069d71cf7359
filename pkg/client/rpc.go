package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/pkg/models"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

// RPCClient is a node repository reached over a JSON-RPC connection.
type RPCClient struct {
	conn     *jsonrpc2.Conn
	logger   *zap.Logger
	handlers *handlerSet
}

// DialRPC connects to addr, which is tcp://host:port (header framed) or a
// ws:// or wss:// URL.
func DialRPC(ctx context.Context, addr string, logger *zap.Logger) (*RPCClient, error) {
	var stream jsonrpc2.ObjectStream
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		stream = jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		stream = wsjsonrpc2.NewObjectStream(conn)
	default:
		return nil, fmt.Errorf("unsupported rpc address %q: want tcp://, ws:// or wss://", addr)
	}
	return NewRPCClient(ctx, stream, logger), nil
}

// NewRPCClient runs a JSON-RPC connection over stream.
func NewRPCClient(ctx context.Context, stream jsonrpc2.ObjectStream, logger *zap.Logger) *RPCClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RPCClient{logger: logger, handlers: newHandlerSet()}
	c.conn = jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(c.handle)))
	return c
}

func (c *RPCClient) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case protocol.MethodNodeChanged:
		if req.Params == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
		}
		var p models.NodeChangedParams
		if err := json.Unmarshal(*req.Params, &p); err != nil {
			c.logger.Warn("malformed nodeChanged notification", zap.Error(err))
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		c.handlers.dispatch(p)
		return nil, nil
	default:
		if !req.Notif {
			c.logger.Debug("unhandled request from server", zap.String("method", req.Method))
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
	}
}

type initializeParams struct {
	ProcessID    int            `json:"processId"`
	ClientInfo   clientInfo     `json:"clientInfo"`
	Capabilities map[string]any `json:"capabilities"`
}

type clientInfo struct {
	Name string `json:"name"`
}

// Initialize performs the initialize/initialized handshake some servers
// require before any other request.
func (c *RPCClient) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProcessID:    os.Getpid(),
		ClientInfo:   clientInfo{Name: "explorer"},
		Capabilities: map[string]any{},
	}
	var result json.RawMessage
	if err := c.conn.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.conn.Notify(ctx, "initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// mapRPCError makes a NodeNotFound error match protocol.ErrNodeNotFound. LSP
// servers report handler errors as invalid requests, so the message is
// checked too.
func mapRPCError(err error) error {
	var re *jsonrpc2.Error
	if !errors.As(err, &re) {
		return err
	}
	if re.Code == protocol.CodeNodeNotFound || strings.Contains(re.Message, protocol.ErrNodeNotFound.Error()) {
		return fmt.Errorf("%w: %w", protocol.ErrNodeNotFound, err)
	}
	return err
}

// ExplorerManager resolves a view id to its root node. An unknown view yields
// a nil node and a nil error.
func (c *RPCClient) ExplorerManager(ctx context.Context, explorerID string) (*models.NodeInfo, error) {
	var info *models.NodeInfo
	err := c.conn.Call(ctx, protocol.MethodExplorerManager, protocol.ExplorerManagerParams{ExplorerID: explorerID}, &info)
	var re *jsonrpc2.Error
	if errors.As(err, &re) && re.Code == protocol.CodeUnsupportedView {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Children returns the child ids of a node in display order.
func (c *RPCClient) Children(ctx context.Context, nodeID int) ([]int, error) {
	var ids []int
	if err := c.conn.Call(ctx, protocol.MethodChildren, protocol.NodeParams{NodeID: nodeID}, &ids); err != nil {
		return nil, mapRPCError(err)
	}
	return ids, nil
}

// Info returns the presentation snapshot of a node.
func (c *RPCClient) Info(ctx context.Context, nodeID int) (*models.NodeInfo, error) {
	var info *models.NodeInfo
	if err := c.conn.Call(ctx, protocol.MethodInfo, protocol.NodeParams{NodeID: nodeID}, &info); err != nil {
		return nil, mapRPCError(err)
	}
	return info, nil
}

// Destroy asks the server to delete a node.
func (c *RPCClient) Destroy(ctx context.Context, nodeID int) (bool, error) {
	var ok bool
	if err := c.conn.Call(ctx, protocol.MethodDelete, protocol.NodeParams{NodeID: nodeID}, &ok); err != nil {
		if errors.Is(mapRPCError(err), protocol.ErrNodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Collapsed notifies the server that a node was collapsed.
func (c *RPCClient) Collapsed(ctx context.Context, nodeID int) error {
	return c.conn.Notify(ctx, protocol.MethodCollapsed, protocol.NodeParams{NodeID: nodeID})
}

// Configure sends view settings for the explorer rooted at rootID.
func (c *RPCClient) Configure(ctx context.Context, rootID int, exportClasses []string) error {
	params := protocol.ConfigureParams{RootNodeID: rootID, ExportClasses: exportClasses}
	return c.conn.Call(ctx, protocol.MethodConfigure, params, nil)
}

// OnNodeChanged registers a handler for nodes/nodeChanged notifications.
func (c *RPCClient) OnNodeChanged(h func(models.NodeChangedParams)) func() {
	return c.handlers.add(h)
}

// DisconnectNotify is closed when the connection goes away.
func (c *RPCClient) DisconnectNotify() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// Close closes the connection.
func (c *RPCClient) Close() error {
	return c.conn.Close()
}
