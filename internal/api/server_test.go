package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/auth"
	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/internal/repository/memory"
	"github.com/fruitsalade/explorer/pkg/client"
	"github.com/fruitsalade/explorer/pkg/models"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

func newTestServer(t *testing.T, authHandler *auth.Auth) (*httptest.Server, *repository.Service) {
	t.Helper()
	seed, err := repository.LoadSeed("../repository/testdata/seed.yaml")
	require.NoError(t, err)
	store, err := memory.FromSeed(seed)
	require.NoError(t, err)
	svc := repository.NewService(store, events.NewBroadcaster(), zap.NewNop())

	srv := httptest.NewServer(NewServer(svc, authHandler, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var health protocol.HealthResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
}

func TestExplorerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var root models.NodeInfo
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/explorers/projects", nil, &root))
	assert.Equal(t, 1, root.ID)
	assert.Equal(t, "Projects", root.Label)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/v1/explorers/unknown", nil, nil))

	var all map[string]int
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/explorers", nil, &all))
	assert.Equal(t, map[string]int{"projects": 1, "services": 10}, all)

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodPost, srv.URL+"/api/v1/explorers/1/configure",
		protocol.ConfigureParams{ExportClasses: []string{"java"}}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/api/v1/explorers/2/configure",
		protocol.ConfigureParams{}, nil))
}

func TestNodeEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var children protocol.ChildrenResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/1/children", nil, &children))
	assert.Equal(t, []int{2, 3}, children.Children)

	var leaf protocol.ChildrenResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/3/children", nil, &leaf))
	assert.NotNil(t, leaf.Children)
	assert.Empty(t, leaf.Children)

	var info models.NodeInfo
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/5", nil, &info))
	assert.Equal(t, "pom.xml", info.Label)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/404", nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/abc", nil, nil))

	var created models.NodeInfo
	assert.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes/3/children",
		protocol.CreateNodeRequest{NodeInfo: models.NodeInfo{Label: "util"}, Deletable: true}, &created))
	assert.Equal(t, "util", created.Label)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes/3/children",
		protocol.CreateNodeRequest{}, nil))

	label := "utilities"
	var updated models.NodeInfo
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, srv.URL+"/api/v1/nodes/12",
		protocol.UpdateNodeRequest{Label: &label}, &updated))
	assert.Equal(t, "utilities", updated.Label)

	var del protocol.DeleteResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/api/v1/nodes/3", nil, &del))
	assert.False(t, del.Deleted, "lib is not deletable")
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/api/v1/nodes/12", nil, &del))
	assert.True(t, del.Deleted)

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes/2/collapsed", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes/404/collapsed", nil, nil))
}

func TestEventsStream(t *testing.T) {
	srv, svc := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return svc.Events().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes/4/changed", nil, nil))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, protocol.EventNodeChanged, eventLine)

	var ev protocol.SSEEvent
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, models.NodeChanged(1, 4), ev.Params())
}

func TestAuthProtectsAPI(t *testing.T) {
	a := auth.New("secret", time.Hour)
	srv, _ := newTestServer(t, a)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, http.MethodGet, srv.URL+"/api/v1/nodes/1", nil, nil))

	token, _, err := a.IssueToken("alice", 0)
	require.NoError(t, err)

	c := client.New(client.Config{BaseURL: srv.URL, AuthToken: token})
	info, err := c.Info(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Projects", info.Label)

	refreshed, err := c.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, token, refreshed.Token)

	_, err = a.Validate(token)
	assert.ErrorIs(t, err, auth.ErrRevoked)
}

// The HTTP client and SSE watch drive a registry end to end.
func TestClientOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(client.Config{BaseURL: srv.URL})
	go c.Watch(ctx)
	require.Eventually(t, func() bool { return svc.Events().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	reg := explorer.NewRegistry(c, explorer.RegistryConfig{Logger: zap.NewNop()})
	defer reg.Close()

	e, err := reg.CreateView(ctx, "projects")
	require.NoError(t, err)
	top, err := e.Children(ctx, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)

	changes, stop := e.Subscribe(8)
	defer stop()

	label := "lib (3)"
	_, err = svc.UpdateNode(ctx, 3, protocol.UpdateNodeRequest{Label: &label})
	require.NoError(t, err)

	select {
	case ev := <-changes:
		assert.Same(t, top[1], ev.Item)
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}
	item, err := e.TreeItem(ctx, top[1])
	require.NoError(t, err)
	assert.Equal(t, "lib (3)", item.Label)

	_, err = reg.CreateView(ctx, "unknown")
	assert.ErrorIs(t, err, explorer.ErrUnsupportedView)
}

func TestClientOverRPC(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	ctx := context.Background()

	rc, err := client.DialRPC(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/rpc", zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()
	require.NoError(t, rc.Initialize(ctx))

	root, err := rc.ExplorerManager(ctx, "projects")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, 1, root.ID)

	missing, err := rc.ExplorerManager(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ids, err := rc.Children(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, ids)

	_, err = rc.Info(ctx, 404)
	assert.ErrorIs(t, err, explorer.ErrNodeNotFound)

	got := make(chan models.NodeChangedParams, 4)
	unsubscribe := rc.OnNodeChanged(func(p models.NodeChangedParams) { got <- p })
	defer unsubscribe()
	require.Eventually(t, func() bool { return svc.Events().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ok, err := rc.Destroy(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case p := <-got:
		assert.Equal(t, models.NodeChanged(1, 2), p)
	case <-time.After(3 * time.Second):
		t.Fatal("no nodeChanged notification")
	}

	require.NoError(t, rc.Configure(ctx, 1, []string{"java"}))
	assert.Equal(t, []string{"java"}, svc.ExportClasses(1))

	require.NoError(t, rc.Collapsed(ctx, 2))
	assert.Eventually(t, func() bool { return svc.IsCollapsed(2) }, 2*time.Second, 10*time.Millisecond)
}

func TestMethodsRejectsBadParams(t *testing.T) {
	_, svc := newTestServer(t, nil)
	m := NewMethods(svc)

	assert.True(t, m.Handles(protocol.MethodInfo))
	assert.False(t, m.Handles(protocol.MethodNodeChanged))
	assert.False(t, m.Handles("textDocument/hover"))

	_, err := m.Call(context.Background(), protocol.MethodInfo, nil)
	assert.Error(t, err)
	_, err = m.Call(context.Background(), protocol.MethodInfo, json.RawMessage(`{"nodeId":"x"}`))
	assert.Error(t, err)
	_, err = m.Call(context.Background(), "nodes/unknown", json.RawMessage(`{}`))
	assert.Error(t, err)
}
