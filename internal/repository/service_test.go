package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/internal/repository/memory"
	"github.com/fruitsalade/explorer/pkg/models"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

func newService(t *testing.T) *repository.Service {
	t.Helper()
	seed, err := repository.LoadSeed("testdata/seed.yaml")
	require.NoError(t, err)
	store, err := memory.FromSeed(seed)
	require.NoError(t, err)
	return repository.NewService(store, events.NewBroadcaster(), zap.NewNop())
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return events.Event{}
	}
}

func TestServiceReads(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	root, err := svc.ExplorerManager(ctx, "projects")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, 1, root.ID)

	missing, err := svc.ExplorerManager(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	info, err := svc.Info(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "pom.xml", info.Label)

	_, err = svc.Info(ctx, 404)
	assert.ErrorIs(t, err, explorer.ErrNodeNotFound)
}

func TestServiceDestroyPublishes(t *testing.T) {
	svc := newService(t)
	ch := svc.Events().Subscribe()
	defer svc.Events().Unsubscribe(ch)

	ok, err := svc.Destroy(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, ok)

	ev := nextEvent(t, ch)
	assert.Equal(t, models.NodeChanged(1, 2), ev.Params())

	// A child of the root changes the whole view.
	ok, err = svc.Destroy(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, nextEvent(t, ch).Params().WholeView())
}

func TestServiceDestroyRefused(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ok, err := svc.Destroy(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Destroy(ctx, 404)
	require.NoError(t, err)
	assert.False(t, ok, "unknown nodes cannot be deleted")
}

func TestServiceCreateAndUpdate(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	ch := svc.Events().Subscribe()
	defer svc.Events().Unsubscribe(ch)

	_, err := svc.Create(ctx, 4, protocol.CreateNodeRequest{})
	assert.ErrorIs(t, err, repository.ErrInvalidNode)

	info, err := svc.Create(ctx, 4, protocol.CreateNodeRequest{
		NodeInfo:  models.NodeInfo{Label: "Util.java"},
		Deletable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, info.ID)
	assert.Equal(t, models.NodeChanged(1, 4), nextEvent(t, ch).Params())

	label := "Utils.java"
	updated, err := svc.UpdateNode(ctx, info.ID, protocol.UpdateNodeRequest{Label: &label})
	require.NoError(t, err)
	assert.Equal(t, "Utils.java", updated.Label)
	assert.Equal(t, models.NodeChanged(1, 12), nextEvent(t, ch).Params())

	_, err = svc.UpdateNode(ctx, 404, protocol.UpdateNodeRequest{Label: &label})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestServiceCollapsed(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Collapsed(ctx, 2))
	assert.True(t, svc.IsCollapsed(2))

	_, err := svc.Children(ctx, 2)
	require.NoError(t, err)
	assert.False(t, svc.IsCollapsed(2), "reading children clears the mark")

	assert.ErrorIs(t, svc.Collapsed(ctx, 404), repository.ErrNotFound)
}

func TestServiceConfigure(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Configure(ctx, 1, []string{"java.project"}))
	assert.Equal(t, []string{"java.project"}, svc.ExportClasses(1))

	err := svc.Configure(ctx, 2, nil)
	assert.ErrorIs(t, err, repository.ErrInvalidNode)
}

func TestServiceReload(t *testing.T) {
	svc := newService(t)
	ch := svc.Events().Subscribe()
	defer svc.Events().Unsubscribe(ch)

	seed := &repository.Seed{Explorers: []repository.SeedExplorer{
		{ID: "projects", Root: repository.SeedNode{ID: 1, Label: "Projects"}},
	}}
	require.NoError(t, svc.Reload(context.Background(), seed))

	ev := nextEvent(t, ch)
	assert.Equal(t, models.ViewChanged(1), ev.Params())

	ids, err := svc.Children(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type fixedStore struct {
	repository.Store
}

func TestServiceReloadUnsupported(t *testing.T) {
	svc := newService(t)
	wrapped := repository.NewService(fixedStore{svc.Store()}, events.NewBroadcaster(), zap.NewNop())
	err := wrapped.Reload(context.Background(), &repository.Seed{})
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestServiceOnNodeChanged(t *testing.T) {
	svc := newService(t)
	got := make(chan models.NodeChangedParams, 4)
	unsubscribe := svc.OnNodeChanged(func(p models.NodeChangedParams) { got <- p })

	svc.Publish(models.NodeChanged(1, 3))
	select {
	case p := <-got:
		assert.Equal(t, models.NodeChanged(1, 3), p)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, svc.Events().Count())
}

// A handler that stalls during a burst still learns about every root that
// changed: the overflow arrives as a whole-view change.
func TestServiceOnNodeChangedBurst(t *testing.T) {
	svc := newService(t)
	release := make(chan struct{})
	got := make(chan models.NodeChangedParams, 512)
	unsubscribe := svc.OnNodeChanged(func(p models.NodeChangedParams) {
		<-release
		got <- p
	})
	defer unsubscribe()

	for i := 0; i < 200; i++ {
		svc.Publish(models.NodeChanged(1, 1000+i))
	}
	close(release)

	var last models.NodeChangedParams
	delivered := 0
	for {
		select {
		case p := <-got:
			last = p
			delivered++
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}
	assert.Less(t, delivered, 201)
	assert.True(t, last.WholeView(), "last notification %s should cover the whole view", last)
	assert.Equal(t, 1, last.RootID)
}

// The service serves an engine in process: a node created on the server shows
// up in the view after the change notification.
func TestServiceBacksRegistry(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	reg := explorer.NewRegistry(svc, explorer.RegistryConfig{Logger: zap.NewNop()})
	defer reg.Close()

	e, err := reg.CreateView(ctx, "projects")
	require.NoError(t, err)

	top, err := e.Children(ctx, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)
	app := top[0]
	assert.Equal(t, "app", app.Label())

	changes, cancel := e.Subscribe(8)
	defer cancel()

	label := "application"
	_, err = svc.UpdateNode(ctx, app.ID(), protocol.UpdateNodeRequest{Label: &label})
	require.NoError(t, err)

	select {
	case ev := <-changes:
		require.False(t, ev.All)
		assert.Same(t, app, ev.Item)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}

	item, err := e.TreeItem(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, "application", item.Label)
	assert.Same(t, app, top[0], "identity survives the refresh")

	ok, err := svc.Destroy(ctx, app.ID())
	require.NoError(t, err)
	require.True(t, ok)

	top, err = e.Children(ctx, nil)
	require.NoError(t, err)
	require.Len(t, top, 1)
	_, cached := e.Cached(app.ID())
	assert.False(t, cached)
}
