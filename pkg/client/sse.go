package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/pkg/protocol"
)

// SSEClient handles Server-Sent Events from the server.
type SSEClient struct {
	baseURL      string
	httpClient   *http.Client
	logger       *zap.Logger
	reconnectMin time.Duration
	reconnectMax time.Duration
	mu           sync.RWMutex
	authToken    string
}

// NewSSEClient creates a new SSE client. A nil logger discards output.
func NewSSEClient(baseURL string, logger *zap.Logger) *SSEClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		logger:       logger,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// SetAuthToken sets the JWT auth token for SSE requests.
func (c *SSEClient) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// Subscribe connects to the SSE endpoint and returns a channel of events. Both
// channels are closed once ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context) (<-chan protocol.SSEEvent, <-chan error) {
	events := make(chan protocol.SSEEvent, 100)
	errs := make(chan error, 1)

	go c.subscribeLoop(ctx, events, errs)

	return events, errs
}

// subscribeLoop keeps the stream open. Every attempt waits at least
// reconnectMin, also after a clean close, and the delay doubles while attempts
// fail to connect. A stream that comes back after having been up is announced
// with an EventReconnected event.
func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- protocol.SSEEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)

	reconnectDelay := c.reconnectMin
	wasConnected := false

	for {
		connected, err := c.connect(ctx, events, wasConnected)
		if ctx.Err() != nil {
			return
		}
		if connected {
			wasConnected = true
			reconnectDelay = c.reconnectMin
		}

		c.logger.Warn("event stream interrupted, reconnecting",
			zap.Error(err), zap.Duration("delay", reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

// connect reads one stream until it ends. connected reports whether the server
// accepted the stream at all.
func (c *SSEClient) connect(ctx context.Context, events chan<- protocol.SSEEvent, announce bool) (connected bool, err error) {
	url := c.baseURL + "/api/v1/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.logger.Info("event stream connected", zap.String("url", url))
	if announce && !send(ctx, events, protocol.SSEEvent{Type: protocol.EventReconnected, Timestamp: time.Now().Unix()}) {
		return true, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data string

	for scanner.Scan() {
		line := scanner.Text()

		if ctx.Err() != nil {
			return true, nil
		}

		if line == "" {
			if data != "" {
				var event protocol.SSEEvent
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					c.logger.Warn("malformed event dropped", zap.Error(err))
				} else {
					if eventType != "" {
						event.Type = eventType
					}
					if !send(ctx, events, event) {
						return true, nil
					}
				}
			}
			eventType = ""
			data = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read: %w", err)
	}

	return true, fmt.Errorf("connection closed")
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, events chan<- protocol.SSEEvent, ev protocol.SSEEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
