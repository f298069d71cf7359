package explorer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/pkg/models"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Engine   EngineConfig
	Notifier Notifier   // default: LogNotifier
	Icons    *IconCache // default: a cache shared by all views of the registry
	Logger   *zap.Logger
}

// Registry hosts one engine per view id and routes change notifications to
// them. It holds a single notification subscription on the repository no
// matter how many views are open.
type Registry struct {
	repo     Repository
	cfg      RegistryConfig
	icons    *IconCache
	notifier Notifier
	logger   *zap.Logger
	group    singleflight.Group

	mu          sync.RWMutex
	views       map[string]*Engine
	roots       map[int]*Engine
	unsubscribe func()
	closed      bool

	subMu sync.Mutex
}

// NewRegistry creates an empty registry over repo.
func NewRegistry(repo Repository, cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	if cfg.Icons == nil {
		cfg.Icons = NewIconCache()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	return &Registry{
		repo:     repo,
		cfg:      cfg,
		icons:    cfg.Icons,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		views:    make(map[string]*Engine),
		roots:    make(map[int]*Engine),
	}
}

// CreateView returns the engine of viewID, creating it on first use. Concurrent
// first calls share one explorermanager request. An unknown view fails with
// ErrUnsupportedView and leaves other views alone.
func (r *Registry) CreateView(ctx context.Context, viewID string) (*Engine, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if e, ok := r.views[viewID]; ok {
		r.mu.RUnlock()
		return e, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(viewID, func() (any, error) {
		r.mu.RLock()
		e, ok := r.views[viewID]
		r.mu.RUnlock()
		if ok {
			return e, nil
		}

		root, err := r.repo.ExplorerManager(ctx, viewID)
		if err != nil {
			return nil, fmt.Errorf("resolve view %s: %w", viewID, err)
		}
		if root == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedView, viewID)
		}

		e = NewEngine(viewID, *root, r.repo, r.icons, r.cfg.Engine)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			e.Close()
			return nil, ErrClosed
		}
		r.views[viewID] = e
		r.roots[e.RootID()] = e
		n := len(r.views)
		r.mu.Unlock()

		r.resubscribe()
		metrics.SetOpenViews(n)
		r.logger.Info("view created", logging.ViewID(viewID), logging.RootID(e.RootID()))
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// resubscribe disposes the current notification subscription and registers a
// new one, so exactly one exists.
func (r *Registry) resubscribe() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	old := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if old != nil {
		old()
	}

	unsub := r.repo.OnNodeChanged(r.HandleNotification)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsubscribe = unsub
	r.mu.Unlock()
}

// View returns the engine of viewID if it was created.
func (r *Registry) View(viewID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.views[viewID]
	return e, ok
}

// Engines returns all open engines.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.views))
	for _, e := range r.views {
		out = append(out, e)
	}
	return out
}

// HandleNotification routes a nodeChanged notification to the engine of its
// root. Notifications for roots without an engine are dropped; views may
// legitimately be closed.
func (r *Registry) HandleNotification(p models.NodeChangedParams) {
	r.mu.RLock()
	e, ok := r.roots[p.RootID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("notification for unknown root dropped", logging.RootID(p.RootID))
		metrics.RecordNotification(ScopeNone.String())
		return
	}
	e.Refresh(p)
}

// DeleteNode asks the repository to delete v. A refusal is shown to the user
// through the notifier and is not an error.
func (r *Registry) DeleteNode(ctx context.Context, v *Visualizer) error {
	ok, err := r.repo.Destroy(ctx, v.ID())
	if err != nil {
		return fmt.Errorf("delete node %d: %w", v.ID(), err)
	}
	if !ok {
		r.notifier.ShowError(ctx, "Cannot delete node "+v.Label())
	}
	return nil
}

// Close disposes every engine and the notification subscription and clears
// the registry. It is safe to call more than once.
func (r *Registry) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	engines := r.views
	unsub := r.unsubscribe
	r.views = make(map[string]*Engine)
	r.roots = make(map[int]*Engine)
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, e := range engines {
		e.Close()
	}
	metrics.SetOpenViews(0)
}
