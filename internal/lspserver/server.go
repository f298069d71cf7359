// Package lspserver serves the nodes/* methods over the Language Server
// Protocol base layer, so editor extensions can use the node repository as
// a language server.
package lspserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/api"
	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	nodeproto "github.com/fruitsalade/explorer/pkg/protocol"
)

// Name identifies the server to LSP clients and prefixes glsp's own loggers.
const Name = "explorer"

// Server accepts LSP connections. Each connection gets its own session so
// nodeChanged notifications reach every client that initialized.
type Server struct {
	methods     *api.Methods
	broadcaster *events.Broadcaster
	version     string
	debug       bool
	logger      *zap.Logger

	sessions atomic.Int64
}

// New creates an LSP server for methods. Change events published on
// broadcaster are forwarded to initialized clients.
func New(methods *api.Methods, broadcaster *events.Broadcaster, version string, debug bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	return &Server{
		methods:     methods,
		broadcaster: broadcaster,
		version:     version,
		debug:       debug,
		logger:      logger.Named("lsp"),
	}
}

// Serve listens on listen, which is "stdio", "tcp:ADDR" or "ws:ADDR", until
// ctx is cancelled or the stdio peer goes away.
func (s *Server) Serve(ctx context.Context, listen string) error {
	switch {
	case listen == "stdio":
		return s.serveStdio(ctx)
	case strings.HasPrefix(listen, "tcp:"):
		return s.serveTCP(ctx, strings.TrimPrefix(listen, "tcp:"))
	case strings.HasPrefix(listen, "ws:"):
		return s.serveWebSocket(ctx, strings.TrimPrefix(listen, "ws:"))
	}
	return fmt.Errorf("unsupported lsp listener %q", listen)
}

func (s *Server) serveStdio(ctx context.Context) error {
	sess := s.newSession()
	defer sess.stop()

	srv := server.NewServer(sess, Name, s.debug)
	srv.Context = ctx
	s.logger.Info("serving lsp on stdio")
	return srv.RunStdio()
}

func (s *Server) serveTCP(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("serving lsp on tcp", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs one header-framed connection, the way glsp serves stdio and
// raw TCP streams.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := s.newSession()
	defer sess.stop()

	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
	rpc := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(sess.serveJSONRPC))
	defer rpc.Close()

	metrics.AddRPCConnections(1)
	defer metrics.AddRPCConnections(-1)
	sess.logger.Info("lsp connection opened", zap.String("remote_addr", conn.RemoteAddr().String()))

	select {
	case <-rpc.DisconnectNotify():
	case <-ctx.Done():
	}
	sess.logger.Info("lsp connection closed")
}

func (s *Server) serveWebSocket(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.WebSocketHandler(ctx)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info("serving lsp on websocket", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WebSocketHandler upgrades every request to a websocket carrying one LSP
// session.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Info("websocket upgrade failed", logging.Err(err))
			return
		}
		defer conn.Close()

		sess := s.newSession()
		defer sess.stop()

		metrics.AddRPCConnections(1)
		defer metrics.AddRPCConnections(-1)
		sess.logger.Info("lsp connection opened", zap.String("remote_addr", r.RemoteAddr))

		srv := server.NewServer(sess, Name, s.debug)
		srv.Context = ctx
		srv.ServeWebSocket(conn)
		sess.logger.Info("lsp connection closed")
	})
}

// session is the state of one LSP connection.
type session struct {
	srv      *Server
	logger   *zap.Logger
	protocol protocol.Handler

	mu  sync.Mutex
	sub chan events.Event
}

func (s *Server) newSession() *session {
	sess := &session{
		srv:    s,
		logger: s.logger.With(zap.Int64("session", s.sessions.Add(1))),
	}
	sess.protocol = protocol.Handler{
		Initialize:  sess.initialize,
		Initialized: sess.initialized,
		Shutdown:    sess.shutdown,
		Exit:        sess.exit,
		SetTrace:    sess.setTrace,
	}
	return sess
}

// Handle implements glsp.Handler. Lifecycle messages go to the protocol
// handler; nodes/* requests are answered from the repository once the client
// initialized.
func (sess *session) Handle(ctx *glsp.Context) (r any, validMethod bool, validParams bool, err error) {
	if !sess.srv.methods.Handles(ctx.Method) {
		return sess.protocol.Handle(ctx)
	}
	if !sess.protocol.IsInitialized() {
		return nil, true, true, errors.New("server not initialized")
	}
	sess.watch(ctx.Notify)

	result, err := sess.srv.methods.Call(context.Background(), ctx.Method, ctx.Params)
	if err == nil {
		return result, true, true, nil
	}
	sess.logger.Debug("request failed", zap.String("method", ctx.Method), logging.Err(err))

	var re *jsonrpc2.Error
	if !errors.As(err, &re) {
		return nil, true, true, err
	}
	switch re.Code {
	case jsonrpc2.CodeMethodNotFound:
		return nil, false, false, nil
	case jsonrpc2.CodeInvalidParams:
		return nil, true, false, errors.New(re.Message)
	case nodeproto.CodeUnsupportedView:
		// LSP clients receive null for a view this server does not know.
		return nil, true, true, nil
	}
	return nil, true, true, errors.New(re.Message)
}

// serveJSONRPC adapts the session to a raw jsonrpc2 connection, reporting
// failures with the same codes glsp uses.
func (sess *session) serveJSONRPC(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	gctx := &glsp.Context{
		Method: req.Method,
		Notify: func(method string, params any) {
			if err := conn.Notify(ctx, method, params); err != nil {
				sess.logger.Debug("notify failed", zap.String("method", method), logging.Err(err))
			}
		},
		Call: func(method string, params any, result any) {
			if err := conn.Call(ctx, method, params, result); err != nil {
				sess.logger.Debug("call failed", zap.String("method", method), logging.Err(err))
			}
		},
	}
	if req.Params != nil {
		gctx.Params = *req.Params
	}

	if req.Method == protocol.MethodExit {
		sess.Handle(gctx)
		return nil, conn.Close()
	}

	r, validMethod, validParams, err := sess.Handle(gctx)
	switch {
	case !validMethod:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
	case !validParams:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg}
	case err != nil:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: err.Error()}
	}
	return r, nil
}

func (sess *session) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	client := "unknown"
	if params.ClientInfo != nil {
		client = params.ClientInfo.Name
	}
	sess.logger.Info("client initialized", zap.String("client", client))

	version := sess.srv.version
	return &protocol.InitializeResult{
		Capabilities: sess.protocol.CreateServerCapabilities(),
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &version,
		},
	}, nil
}

func (sess *session) initialized(ctx *glsp.Context, _ *protocol.InitializedParams) error {
	sess.watch(ctx.Notify)
	return nil
}

func (sess *session) shutdown(*glsp.Context) error {
	sess.stop()
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (sess *session) exit(*glsp.Context) error {
	sess.stop()
	return nil
}

func (sess *session) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

// watch starts forwarding change events through notify. Only the first call
// after initialization subscribes.
func (sess *session) watch(notify glsp.NotifyFunc) {
	if notify == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sub != nil {
		return
	}
	sess.sub = sess.srv.broadcaster.Subscribe()

	go func(ch chan events.Event) {
		for ev := range ch {
			if ev.Type != events.EventNodeChanged {
				continue
			}
			notify(nodeproto.MethodNodeChanged, ev.Params())
		}
	}(sess.sub)
}

// stop ends event forwarding. Stopping twice is a no-op.
func (sess *session) stop() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sub == nil {
		return
	}
	sess.srv.broadcaster.Unsubscribe(sess.sub)
	sess.sub = nil
}
