package explorer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/pkg/models"
)

func newTestRegistry(t *testing.T, repo *fakeRepo, notifier Notifier) *Registry {
	t.Helper()
	r := NewRegistry(repo, RegistryConfig{Notifier: notifier, Logger: zap.NewNop()})
	t.Cleanup(r.Close)
	return r
}

func TestCreateViewIsIdempotent(t *testing.T) {
	repo := projectTree()
	r := newTestRegistry(t, repo, nil)

	first, err := r.CreateView(context.Background(), "projects")
	require.NoError(t, err)
	second, err := r.CreateView(context.Background(), "projects")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, repo.explorerCalls)
	assert.Equal(t, 1, first.RootID())
}

func TestCreateViewConcurrentCallsShareOneRequest(t *testing.T) {
	repo := projectTree()
	gate := make(chan struct{})
	repo.explorerGate = gate
	r := newTestRegistry(t, repo, nil)

	const callers = 8
	engines := make([]*Engine, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engines[i], errs[i] = r.CreateView(context.Background(), "projects")
		}()
	}

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.explorerCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, engines[0], engines[i])
	}
	assert.Equal(t, 1, repo.explorerCalls)
}

func TestCreateViewUnsupported(t *testing.T) {
	repo := projectTree()
	r := newTestRegistry(t, repo, nil)

	ok, err := r.CreateView(context.Background(), "projects")
	require.NoError(t, err)

	_, err = r.CreateView(context.Background(), "no-such-view")
	require.ErrorIs(t, err, ErrUnsupportedView)

	e, found := r.View("projects")
	require.True(t, found)
	assert.Same(t, ok, e)
	_, found = r.View("no-such-view")
	assert.False(t, found)
}

func TestSingleNotificationSubscription(t *testing.T) {
	repo := projectTree()
	repo.addRoot("services", 100, "Services")
	repo.addRoot("favorites", 200, "Favorites")
	r := newTestRegistry(t, repo, nil)

	for _, view := range []string{"projects", "services", "favorites"} {
		_, err := r.CreateView(context.Background(), view)
		require.NoError(t, err)
		assert.Equal(t, 1, repo.activeHandlers())
	}
	assert.Equal(t, 3, repo.subscribeCalls)
	assert.Len(t, r.Engines(), 3)
}

func TestNotificationsRouteToTheirView(t *testing.T) {
	ctx := context.Background()
	repo := projectTree()
	repo.addRoot("services", 100, "Services")
	repo.add(100, 101, "Databases")
	r := newTestRegistry(t, repo, nil)

	projects, err := r.CreateView(ctx, "projects")
	require.NoError(t, err)
	services, err := r.CreateView(ctx, "services")
	require.NoError(t, err)
	_, err = services.Children(ctx, nil)
	require.NoError(t, err)

	events, cancel := services.Subscribe(4)
	defer cancel()

	repo.push(models.NodeChanged(100, 101))
	assert.True(t, services.IsPending(101))
	assert.False(t, projects.IsPending(101))

	select {
	case ev := <-events:
		require.NotNil(t, ev.Item)
		assert.Equal(t, 101, ev.Item.ID())
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
}

func TestNotificationForUnknownRootIsDropped(t *testing.T) {
	repo := projectTree()
	r := newTestRegistry(t, repo, nil)
	e, err := r.CreateView(context.Background(), "projects")
	require.NoError(t, err)
	events, cancel := e.Subscribe(4)
	defer cancel()

	assert.NotPanics(t, func() {
		repo.push(models.NodeChanged(999, 2))
		repo.push(models.ViewChanged(999))
	})
	assert.False(t, e.IsPending(2))
	assert.Empty(t, events)
}

func TestDeleteNode(t *testing.T) {
	ctx := context.Background()
	repo := projectTree()
	repo.deletable[3] = true

	var messages []string
	r := newTestRegistry(t, repo, NotifierFunc(func(_ context.Context, msg string) {
		messages = append(messages, msg)
	}))
	e, err := r.CreateView(ctx, "projects")
	require.NoError(t, err)
	kids, err := e.Children(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, r.DeleteNode(ctx, kids[0]))
	assert.Equal(t, []string{"Cannot delete node app"}, messages)

	require.NoError(t, r.DeleteNode(ctx, kids[1]))
	assert.Len(t, messages, 1)
}

type failingDestroyRepo struct {
	*fakeRepo
}

func (f failingDestroyRepo) Destroy(context.Context, int) (bool, error) {
	return false, errors.New("connection reset")
}

func TestDeleteNodeTransportError(t *testing.T) {
	repo := projectTree()
	called := false
	r := NewRegistry(failingDestroyRepo{repo}, RegistryConfig{
		Logger:   zap.NewNop(),
		Notifier: NotifierFunc(func(context.Context, string) { called = true }),
	})
	defer r.Close()

	err := r.DeleteNode(context.Background(), NewVisualizer(models.NodeInfo{ID: 2, Label: "app"}, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete node 2")
	assert.False(t, called)
}

func TestRegistryClose(t *testing.T) {
	repo := projectTree()
	r := NewRegistry(repo, RegistryConfig{Logger: zap.NewNop()})

	e, err := r.CreateView(context.Background(), "projects")
	require.NoError(t, err)
	d := &countingDecorator{}
	e.AddDecorator(d)

	r.Close()
	r.Close()

	assert.Equal(t, 1, d.disposed)
	assert.Equal(t, 0, repo.activeHandlers())
	assert.Empty(t, r.Engines())

	_, err = r.CreateView(context.Background(), "projects")
	assert.ErrorIs(t, err, ErrClosed)
}
