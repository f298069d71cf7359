package explorer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/pkg/models"
)

// EngineConfig tunes a tree sync engine.
type EngineConfig struct {
	// MaxFetchRetries bounds how many times a fetch is discarded and reissued
	// because newer change notifications kept arriving while it was in flight.
	// Zero means the default; a negative value disables retries.
	MaxFetchRetries int

	// FetchConcurrency limits parallel info requests while enumerating children.
	FetchConcurrency int

	// DuplicateWindow is how close together two differing presentations of the
	// same node must be produced to be reported as a consistency problem.
	DuplicateWindow time.Duration

	// EventBuffer is the default channel size for Subscribe.
	EventBuffer int

	Logger *zap.Logger
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxFetchRetries:  8,
		FetchConcurrency: 8,
		DuplicateWindow:  100 * time.Millisecond,
		EventBuffer:      64,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	switch {
	case c.MaxFetchRetries == 0:
		c.MaxFetchRetries = d.MaxFetchRetries
	case c.MaxFetchRetries < 0:
		c.MaxFetchRetries = 0
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Logger == nil {
		c.Logger = logging.L()
	}
	return c
}

// ChangeEvent tells a renderer what to redisplay. All means the whole view.
type ChangeEvent struct {
	All  bool
	Item *Visualizer
}

type returnedItem struct {
	item TreeItem
	gen  uint64
	at   time.Time
}

// Engine mirrors one explorer view. It fetches children lazily when a node is
// expanded, patches the cache when the repository pushes change notifications,
// and passes items through the decoration pipeline before display.
type Engine struct {
	viewID string
	rootID int
	root   *Visualizer

	repo    Repository
	icons   *IconCache
	cfg     EngineConfig
	logger  *zap.Logger
	cache   *arena
	pending *PendingSet

	mu          sync.Mutex
	decorators  []*registeredDecorator
	translators []*registeredTranslator
	subscribers map[int]chan ChangeEvent
	nextSubID   int
	returned    map[int]returnedItem
	inflight    map[int]int
	closed      bool
}

// NewEngine creates an engine for the view whose root node is root. Icons may
// be shared between engines; nil creates a private cache.
func NewEngine(viewID string, root models.NodeInfo, repo Repository, icons *IconCache, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	if icons == nil {
		icons = NewIconCache()
	}
	e := &Engine{
		viewID:      viewID,
		rootID:      root.ID,
		repo:        repo,
		icons:       icons,
		cfg:         cfg,
		logger:      cfg.Logger.With(logging.ViewID(viewID), logging.RootID(root.ID)),
		cache:       newArena(),
		pending:     NewPendingSet(),
		translators: []*registeredTranslator{{OpenResourceTranslator}},
		subscribers: make(map[int]chan ChangeEvent),
		returned:    make(map[int]returnedItem),
		inflight:    make(map[int]int),
	}
	e.root = e.newVisualizer(root)
	e.cache.putRoot(e.root)
	e.updateGauge()
	return e
}

// ViewID returns the id of the view this engine serves.
func (e *Engine) ViewID() string { return e.viewID }

// RootID returns the node id of the view's root.
func (e *Engine) RootID() int { return e.rootID }

// Root returns the canonical root visualizer.
func (e *Engine) Root() *Visualizer { return e.root }

// Cached returns the canonical visualizer of id, if cached.
func (e *Engine) Cached(id int) (*Visualizer, bool) {
	return e.cache.get(id)
}

// Parent returns the cached parent of v.
func (e *Engine) Parent(v *Visualizer) (*Visualizer, bool) {
	return e.cache.parent(v.ID())
}

// CachedChildren returns the children recorded by the last enumeration of v.
func (e *Engine) CachedChildren(v *Visualizer) ([]*Visualizer, bool) {
	return e.cache.childrenOf(v.ID())
}

// Len returns the number of cached visualizers.
func (e *Engine) Len() int { return e.cache.len() }

// IsPending reports whether id must be re-fetched before its next display.
func (e *Engine) IsPending(id int) bool { return e.pending.Has(id) }

// Children enumerates the children of parent (the root when parent is nil),
// fetches each child's presentation and reconciles the result with the cache.
// Children already cached are updated in place and returned as the same
// objects. The result is in server order.
func (e *Engine) Children(ctx context.Context, parent *Visualizer) ([]*Visualizer, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	parentID := e.rootID
	if parent != nil {
		parentID = parent.ID()
	}

	ids, err := e.repo.Children(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("children of node %d: %w", parentID, err)
	}
	e.track(ids, 1)
	defer func() {
		e.track(ids, -1)
		e.prune()
	}()

	fetched := make([]*Visualizer, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			v, err := e.fetchItem(gctx, id)
			if errors.Is(err, ErrNodeNotFound) {
				// Deleted between the children and info requests.
				e.logger.Debug("child vanished during enumeration", logging.NodeID(id))
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch node %d: %w", id, err)
			}
			fetched[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	fetched = slices.DeleteFunc(fetched, func(v *Visualizer) bool { return v == nil })

	result, evicted, attached := e.cache.reconcile(parentID, fetched)
	if !attached {
		e.logger.Debug("parent evicted while its children were fetched", logging.NodeID(parentID))
	}
	if n := len(evicted); n > 0 {
		metrics.RecordEvictions(n)
		e.logger.Debug("evicted stale visualizers",
			logging.NodeID(parentID), zap.Int("count", n))
	}
	e.updateGauge()
	return result, nil
}

// TreeItem is the display request for a single item. A pending item is first
// re-fetched and updated in place; the presentation then passes through the
// decorators, starting from a copy so the cached visualizer is never touched.
func (e *Engine) TreeItem(ctx context.Context, v *Visualizer) (TreeItem, error) {
	if e.isClosed() {
		return TreeItem{}, ErrClosed
	}
	id := v.ID()
	if e.pending.Take(id) {
		fresh, err := e.fetchItem(ctx, id)
		if err != nil {
			e.pending.Mark(id)
			return TreeItem{}, fmt.Errorf("refresh node %d: %w", id, err)
		}
		v.Update(fresh)
		if c, ok := e.cache.get(id); ok && c != v {
			c.Update(fresh)
		}
	}

	item := e.decorate(ctx, v)
	e.checkDuplicate(v, item)
	return item, nil
}

// fetchItem requests the current info of id. When id was marked pending while
// the request was in flight, the response may be stale and the request is
// reissued; each retry consumes one mark. A mark set before the request is
// consumed without a retry. After MaxFetchRetries retries the mark is restored
// and the last response is used, so the next display pass fetches again.
func (e *Engine) fetchItem(ctx context.Context, id int) (*Visualizer, error) {
	for retries := 0; ; retries++ {
		since := e.pending.Seq()
		info, err := e.repo.Info(ctx, id)
		metrics.RecordFetch(err == nil)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, fmt.Errorf("node %d: %w", id, ErrNodeNotFound)
		}
		if !e.pending.TakeAfter(id, since) {
			return e.newVisualizer(*info), nil
		}

		metrics.RecordFetchRetry()
		if retries >= e.cfg.MaxFetchRetries {
			e.pending.Mark(id)
			metrics.RecordFetchRetryCap()
			e.logger.Warn("node keeps changing, giving up on refetching it for now",
				logging.NodeID(id), zap.Int("retries", retries))
			return e.newVisualizer(*info), nil
		}
	}
}

func (e *Engine) newVisualizer(info models.NodeInfo) *Visualizer {
	v := NewVisualizer(info, e.icons.Resolve(info))
	if info.Command != "" {
		e.mu.Lock()
		translators := make([]CommandTranslator, len(e.translators))
		for i, rt := range e.translators {
			translators[i] = rt.CommandTranslator
		}
		e.mu.Unlock()
		v.setCommand(translateCommand(translators, v))
	}
	return v
}

// AddCommandTranslator registers a translator consulted before the built-in
// ones. The returned function unregisters it.
func (e *Engine) AddCommandTranslator(t CommandTranslator) (remove func()) {
	rt := &registeredTranslator{t}
	e.mu.Lock()
	e.translators = append([]*registeredTranslator{rt}, e.translators...)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if i := slices.Index(e.translators, rt); i >= 0 {
			e.translators = slices.Delete(e.translators, i, i+1)
		}
	}
}

// Refresh applies a change notification. A whole-view change fires a full
// redisplay. A node change marks the node pending and, if it is cached, fires a
// change event for it; the pending mark decides whether the next display
// re-fetches.
func (e *Engine) Refresh(p models.NodeChangedParams) Scope {
	scope := Route(e.rootID, p)
	switch scope.Kind {
	case ScopeView:
		e.fire(ChangeEvent{All: true})
	case ScopeNode:
		e.pending.Mark(scope.NodeID)
		if v, ok := e.cache.get(scope.NodeID); ok {
			e.fire(ChangeEvent{Item: v})
		}
	}
	metrics.RecordNotification(scope.Kind.String())
	return scope
}

// FireItemChange asks renderers to redisplay v, or the whole view when v is nil.
func (e *Engine) FireItemChange(v *Visualizer) {
	if v == nil {
		e.fire(ChangeEvent{All: true})
		return
	}
	e.fire(ChangeEvent{Item: v})
}

// Collapse tells the repository that v was collapsed so it may release the
// children, and drops the cached subtree below v.
func (e *Engine) Collapse(ctx context.Context, v *Visualizer) error {
	if n := len(e.cache.dropChildren(v.ID())); n > 0 {
		metrics.RecordEvictions(n)
		e.updateGauge()
		e.prune()
	}
	if c, ok := e.repo.(Collapser); ok {
		if err := c.Collapsed(ctx, v.ID()); err != nil {
			return fmt.Errorf("collapse node %d: %w", v.ID(), err)
		}
	}
	return nil
}

// Configure passes view settings to the repository, when it supports them.
func (e *Engine) Configure(ctx context.Context, exportClasses []string) error {
	c, ok := e.repo.(Configurer)
	if !ok {
		return errors.ErrUnsupported
	}
	if err := c.Configure(ctx, e.rootID, exportClasses); err != nil {
		return fmt.Errorf("configure view %s: %w", e.viewID, err)
	}
	return nil
}

// Subscribe returns a channel of change events and a function that cancels the
// subscription. A buffer of 0 uses the configured default. Events are dropped
// for a subscriber whose buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = e.cfg.EventBuffer
	}
	ch := make(chan ChangeEvent, buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(c)
			}
		})
	}
}

func (e *Engine) fire(ev ChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			metrics.RecordChangeEventDropped()
		}
	}
}

// AddDecorator appends d to the decoration pipeline. The returned function
// removes it and disposes it; calling it again does nothing.
func (e *Engine) AddDecorator(d Decorator) (remove func()) {
	rd := &registeredDecorator{Decorator: d}
	e.mu.Lock()
	e.decorators = append(e.decorators, rd)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		idx := slices.Index(e.decorators, rd)
		if idx >= 0 {
			e.decorators = slices.Delete(e.decorators, idx, idx+1)
		}
		e.mu.Unlock()
		if idx >= 0 {
			rd.dispose()
		}
	}
}

// decorate runs the decorators in registration order, each receiving the
// previous output. A failing decorator aborts the chain and the last good
// presentation is used.
func (e *Engine) decorate(ctx context.Context, v *Visualizer) TreeItem {
	e.mu.Lock()
	chain := slices.Clone(e.decorators)
	e.mu.Unlock()

	item := v.Copy().Item()
	for i, d := range chain {
		out, err := d.invoke(ctx, v, item)
		if err != nil {
			metrics.RecordDecoratorFailure()
			e.logger.Warn("decorator failed, using last good presentation",
				logging.NodeID(v.ID()), zap.Int("decorator", i), logging.Err(err))
			return item
		}
		item = out
	}
	return item
}

// checkDuplicate warns when two different presentations of the same node,
// without an update in between, are produced within DuplicateWindow. That
// points at overlapping fetches or a nondeterministic decorator.
func (e *Engine) checkDuplicate(v *Visualizer, item TreeItem) {
	now := time.Now()
	gen := v.Generation()

	e.mu.Lock()
	prev, ok := e.returned[v.ID()]
	e.returned[v.ID()] = returnedItem{item: item, gen: gen, at: now}
	e.mu.Unlock()

	if ok && prev.gen == gen && now.Sub(prev.at) < e.cfg.DuplicateWindow && !prev.item.Equal(item) {
		e.logger.Warn("different presentations produced for the same node",
			logging.NodeID(v.ID()), zap.Duration("apart", now.Sub(prev.at)))
	}
}

// track adjusts the count of fetches in flight for each of ids.
func (e *Engine) track(ids []int, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if n := e.inflight[id] + delta; n > 0 {
			e.inflight[id] = n
		} else {
			delete(e.inflight, id)
		}
	}
}

// prune drops the pending marks and presentation records of ids that are no
// longer cached. Marks of ids being fetched are kept: the fetch decides on them.
func (e *Engine) prune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.returned {
		if _, ok := e.cache.get(id); !ok {
			delete(e.returned, id)
		}
	}
	e.pending.DropFunc(func(id int) bool {
		if e.inflight[id] > 0 {
			return false
		}
		_, ok := e.cache.get(id)
		return !ok
	})
}

func (e *Engine) updateGauge() {
	metrics.SetCachedVisualizers(e.viewID, e.cache.len())
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close disposes every decorator, ends all subscriptions and drops the cache.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	decorators := e.decorators
	e.decorators = nil
	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}
	clear(e.returned)
	clear(e.inflight)
	e.mu.Unlock()

	for _, d := range decorators {
		d.dispose()
	}
	e.cache.clear()
	e.pending.Clear()
	metrics.DeleteCachedVisualizers(e.viewID)
}
