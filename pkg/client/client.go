// Package client talks to a node repository server over HTTP, with retry,
// online tracking, bearer auth and SSE change notifications.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/pkg/models"
	"github.com/fruitsalade/explorer/pkg/protocol"
	"github.com/fruitsalade/explorer/pkg/retry"
)

// Client is an HTTP node repository.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	logger      *zap.Logger

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string

	handlers *handlerSet

	rootsMu sync.Mutex
	roots   map[int]struct{} // explorer roots resolved through this client
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	Logger      *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		logger:      cfg.Logger,
		online:      true,
		authToken:   cfg.AuthToken,
		handlers:    newHandlerSet(),
		roots:       make(map[int]struct{}),
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

// IsOnline returns true if the server is reachable.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.logger.Info("server is back online", zap.String("server", c.baseURL))
		} else {
			c.logger.Error("server is offline", zap.String("server", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Is makes a 404 match protocol.ErrNodeNotFound.
func (e *APIError) Is(target error) bool {
	return target == protocol.ErrNodeNotFound && e.Status == http.StatusNotFound
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// do sends one JSON request with retry. Network errors and 5xx are retried.
// A 2xx body is decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return retry.Retryable(decodeAPIError(resp))
		}
		c.setOnline(true)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return decodeAPIError(resp)
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func decodeAPIError(resp *http.Response) error {
	ae := &APIError{Status: resp.StatusCode}
	var er protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&er) == nil {
		ae.Message = er.Error
		ae.Details = er.Details
	}
	return ae
}

func nodePath(id int, suffix string) string {
	return "/api/v1/nodes/" + strconv.Itoa(id) + suffix
}

// ExplorerManager resolves a view id to its root node. An unknown view yields
// a nil node and a nil error.
func (c *Client) ExplorerManager(ctx context.Context, explorerID string) (*models.NodeInfo, error) {
	var info models.NodeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/explorers/"+url.PathEscape(explorerID), nil, &info)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.rootsMu.Lock()
	c.roots[info.ID] = struct{}{}
	c.rootsMu.Unlock()
	return &info, nil
}

// Children returns the child ids of a node in display order.
func (c *Client) Children(ctx context.Context, nodeID int) ([]int, error) {
	var resp protocol.ChildrenResponse
	if err := c.do(ctx, http.MethodGet, nodePath(nodeID, "/children"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// Info returns the presentation snapshot of a node.
func (c *Client) Info(ctx context.Context, nodeID int) (*models.NodeInfo, error) {
	var info models.NodeInfo
	if err := c.do(ctx, http.MethodGet, nodePath(nodeID, ""), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Destroy asks the server to delete a node. A missing node counts as refused.
func (c *Client) Destroy(ctx context.Context, nodeID int) (bool, error) {
	var resp protocol.DeleteResponse
	err := c.do(ctx, http.MethodDelete, nodePath(nodeID, ""), nil, &resp)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Collapsed tells the server a node was collapsed.
func (c *Client) Collapsed(ctx context.Context, nodeID int) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID, "/collapsed"), nil, nil)
}

// Configure sends view settings for the explorer rooted at rootID.
func (c *Client) Configure(ctx context.Context, rootID int, exportClasses []string) error {
	body := protocol.ConfigureParams{RootNodeID: rootID, ExportClasses: exportClasses}
	return c.do(ctx, http.MethodPost, "/api/v1/explorers/"+strconv.Itoa(rootID)+"/configure", body, nil)
}

// CreateNode adds a child below parentID and returns the created node.
func (c *Client) CreateNode(ctx context.Context, parentID int, req protocol.CreateNodeRequest) (*models.NodeInfo, error) {
	var info models.NodeInfo
	if err := c.do(ctx, http.MethodPost, nodePath(parentID, "/children"), req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateNode changes presentation fields of a node.
func (c *Client) UpdateNode(ctx context.Context, nodeID int, req protocol.UpdateNodeRequest) (*models.NodeInfo, error) {
	var info models.NodeInfo
	if err := c.do(ctx, http.MethodPut, nodePath(nodeID, ""), req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// OnNodeChanged registers a handler for change notifications received by Watch.
func (c *Client) OnNodeChanged(h func(models.NodeChangedParams)) func() {
	return c.handlers.add(h)
}

// Watch follows the server's event stream until ctx is done, dispatching
// nodeChanged events to the registered handlers. It reconnects on errors; after
// a reconnect every known explorer root gets a whole-view change, since
// notifications sent during the outage are gone.
func (c *Client) Watch(ctx context.Context) error {
	sse := NewSSEClient(c.baseURL, c.logger)
	sse.SetAuthToken(c.token())

	events, errs := sse.Subscribe(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			switch ev.Type {
			case protocol.EventNodeChanged:
				c.handlers.dispatch(ev.Params())
			case protocol.EventReconnected:
				for _, root := range c.knownRoots() {
					c.handlers.dispatch(models.ViewChanged(root))
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) knownRoots() []int {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()
	roots := make([]int, 0, len(c.roots))
	for id := range c.roots {
		roots = append(roots, id)
	}
	slices.Sort(roots)
	return roots
}

// handlerSet is a registry of notification handlers shared by the transports.
type handlerSet struct {
	mu   sync.RWMutex
	next int
	m    map[int]func(models.NodeChangedParams)
}

func newHandlerSet() *handlerSet {
	return &handlerSet{m: make(map[int]func(models.NodeChangedParams))}
}

func (s *handlerSet) add(h func(models.NodeChangedParams)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.m[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
	}
}

func (s *handlerSet) dispatch(p models.NodeChangedParams) {
	s.mu.RLock()
	hs := make([]func(models.NodeChangedParams), 0, len(s.m))
	for _, h := range s.m {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	for _, h := range hs {
		h(p)
	}
}

func (s *handlerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
