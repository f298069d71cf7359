package explorer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fruitsalade/explorer/pkg/models"
)

// fakeRepo is an in-memory Repository whose Info calls can be held open.
type fakeRepo struct {
	mu        sync.Mutex
	explorers map[string]int
	nodes     map[int]models.NodeInfo
	children  map[int][]int
	deletable map[int]bool

	infoCalls     map[int]int
	explorerCalls int
	collapsed     []int
	configured    map[int][]string

	// gates hold the first Info call for an id until the channel is closed;
	// entered receives the id once the call has taken its snapshot.
	gates   map[int]chan struct{}
	entered chan int

	// explorerGate, when set, holds every ExplorerManager call.
	explorerGate chan struct{}

	// afterInfo runs after each Info snapshot, outside the lock.
	afterInfo func(id, call int)

	handlers       map[int]func(models.NodeChangedParams)
	nextHandler    int
	subscribeCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		explorers:  make(map[string]int),
		nodes:      make(map[int]models.NodeInfo),
		children:   make(map[int][]int),
		deletable:  make(map[int]bool),
		infoCalls:  make(map[int]int),
		configured: make(map[int][]string),
		gates:      make(map[int]chan struct{}),
		entered:    make(chan int, 16),
		handlers:   make(map[int]func(models.NodeChangedParams)),
	}
}

func (f *fakeRepo) addRoot(view string, id int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.explorers[view] = id
	f.nodes[id] = models.NodeInfo{ID: id, Label: label, CollapsibleState: models.Expanded}
}

func (f *fakeRepo) add(parent, id int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = models.NodeInfo{ID: id, Label: label, CollapsibleState: models.Collapsed}
	f.children[parent] = append(f.children[parent], id)
}

func (f *fakeRepo) setInfo(info models.NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[info.ID] = info
}

func (f *fakeRepo) setLabel(id int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[id]
	n.Label = label
	f.nodes[id] = n
}

func (f *fakeRepo) setChildren(parent int, ids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = ids
}

func (f *fakeRepo) hold(id int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeRepo) calls(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoCalls[id]
}

func (f *fakeRepo) activeHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeRepo) push(p models.NodeChangedParams) {
	f.mu.Lock()
	hs := make([]func(models.NodeChangedParams), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(p)
	}
}

func (f *fakeRepo) ExplorerManager(ctx context.Context, explorerID string) (*models.NodeInfo, error) {
	f.mu.Lock()
	f.explorerCalls++
	gate := f.explorerGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.explorers[explorerID]
	if !ok {
		return nil, nil
	}
	info := f.nodes[id]
	return &info, nil
}

func (f *fakeRepo) Children(_ context.Context, nodeID int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.children[nodeID]...), nil
}

func (f *fakeRepo) Info(ctx context.Context, nodeID int) (*models.NodeInfo, error) {
	f.mu.Lock()
	f.infoCalls[nodeID]++
	call := f.infoCalls[nodeID]
	info, ok := f.nodes[nodeID]
	gate := f.gates[nodeID]
	if call == 1 {
		delete(f.gates, nodeID)
	} else {
		gate = nil
	}
	hook := f.afterInfo
	f.mu.Unlock()

	if gate != nil {
		f.entered <- nodeID
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		hook(nodeID, call)
	}
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (f *fakeRepo) Destroy(_ context.Context, nodeID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deletable[nodeID] {
		return false, nil
	}
	delete(f.nodes, nodeID)
	for p, ids := range f.children {
		f.children[p] = deleteID(ids, nodeID)
	}
	return true, nil
}

func (f *fakeRepo) OnNodeChanged(h func(models.NodeChangedParams)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.subscribeCalls++
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeRepo) Collapsed(_ context.Context, nodeID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = append(f.collapsed, nodeID)
	return nil
}

func (f *fakeRepo) Configure(_ context.Context, rootID int, exportClasses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured[rootID] = exportClasses
	return nil
}

// newTestEngine builds an engine over repo for the view "projects", whose root
// must have been added already.
func newTestEngine(t *testing.T, repo *fakeRepo, cfg EngineConfig) *Engine {
	t.Helper()
	root, err := repo.ExplorerManager(context.Background(), "projects")
	require.NoError(t, err)
	require.NotNil(t, root)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := NewEngine("projects", *root, repo, nil, cfg)
	t.Cleanup(e.Close)
	return e
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// projectTree builds: 1 root, 2 "app" -> {4 "src" -> {6 "Main.java"}, 5 "pom.xml"}, 3 "lib".
func projectTree() *fakeRepo {
	repo := newFakeRepo()
	repo.addRoot("projects", 1, "Projects")
	repo.add(1, 2, "app")
	repo.add(1, 3, "lib")
	repo.add(2, 4, "src")
	repo.add(2, 5, "pom.xml")
	repo.add(4, 6, "Main.java")
	return repo
}

func ids(vs []*Visualizer) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = v.ID()
	}
	return out
}
