package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/pkg/models"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

var (
	_ explorer.Repository = (*Service)(nil)
	_ explorer.Collapser  = (*Service)(nil)
	_ explorer.Configurer = (*Service)(nil)
)

// Service is the node repository exposed to clients. Every mutation publishes
// a nodeChanged event for the affected node.
type Service struct {
	store  Store
	events *events.Broadcaster
	logger *zap.Logger

	mu        sync.Mutex
	collapsed map[int]struct{}
	exports   map[int][]string
}

// NewService wraps store. A nil logger uses the global one.
func NewService(store Store, broadcaster *events.Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		store:     store,
		events:    broadcaster,
		logger:    logger,
		collapsed: make(map[int]struct{}),
		exports:   make(map[int][]string),
	}
}

// Store returns the backing store.
func (s *Service) Store() Store { return s.store }

// Events returns the broadcaster change events are published on.
func (s *Service) Events() *events.Broadcaster { return s.events }

// ExplorerManager returns the root of an explorer view, or nil when the view
// does not exist.
func (s *Service) ExplorerManager(ctx context.Context, explorerID string) (*models.NodeInfo, error) {
	n, err := s.store.Explorer(ctx, explorerID)
	if err != nil || n == nil {
		return nil, err
	}
	return &n.NodeInfo, nil
}

// Children returns the ordered child ids of a node. Reading them clears the
// node's collapsed mark.
func (s *Service) Children(ctx context.Context, nodeID int) ([]int, error) {
	ids, err := s.store.Children(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.collapsed, nodeID)
	s.mu.Unlock()
	return ids, nil
}

// Info returns the presentation of a node.
func (s *Service) Info(ctx context.Context, nodeID int) (*models.NodeInfo, error) {
	n, err := s.store.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return &n.NodeInfo, nil
}

// Node returns the full record of a node.
func (s *Service) Node(ctx context.Context, nodeID int) (*models.Node, error) {
	return s.store.Node(ctx, nodeID)
}

// Destroy deletes a node when it is deletable and announces the change on
// its parent.
func (s *Service) Destroy(ctx context.Context, nodeID int) (bool, error) {
	n, err := s.store.Node(ctx, nodeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	root, err := s.store.RootOf(ctx, nodeID)
	if err != nil {
		return false, err
	}

	ok, err := s.store.Delete(ctx, nodeID)
	if err != nil || !ok {
		return ok, err
	}

	s.logger.Info("node deleted", logging.NodeID(nodeID), logging.RootID(root))
	if n.ParentID != nil {
		s.publish(changed(root, *n.ParentID))
	}
	s.updateCount(ctx)
	return true, nil
}

// Create appends a child below parentID.
func (s *Service) Create(ctx context.Context, parentID int, req protocol.CreateNodeRequest) (*models.NodeInfo, error) {
	if req.Label == "" {
		return nil, fmt.Errorf("%w: label is required", ErrInvalidNode)
	}
	root, err := s.store.RootOf(ctx, parentID)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Insert(ctx, parentID, models.Node{NodeInfo: req.NodeInfo, Deletable: req.Deletable})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node created", logging.NodeID(n.ID), zap.Int("parent_id", parentID))
	s.publish(changed(root, parentID))
	s.updateCount(ctx)
	return &n.NodeInfo, nil
}

// UpdateNode applies presentation changes to a node.
func (s *Service) UpdateNode(ctx context.Context, nodeID int, req protocol.UpdateNodeRequest) (*models.NodeInfo, error) {
	n, err := s.store.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	root, err := s.store.RootOf(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	info := n.NodeInfo
	req.Apply(&info)
	info.ID = nodeID
	if err := s.store.Update(ctx, info); err != nil {
		return nil, err
	}

	s.publish(changed(root, nodeID))
	return &info, nil
}

// Collapsed records that a client collapsed a node.
func (s *Service) Collapsed(ctx context.Context, nodeID int) error {
	if _, err := s.store.Node(ctx, nodeID); err != nil {
		return err
	}
	s.mu.Lock()
	s.collapsed[nodeID] = struct{}{}
	s.mu.Unlock()

	metrics.RecordCollapsed()
	s.logger.Debug("node collapsed", logging.NodeID(nodeID))
	return nil
}

// IsCollapsed reports whether a client collapsed nodeID since its children
// were last read.
func (s *Service) IsCollapsed(nodeID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collapsed[nodeID]
	return ok
}

// Configure stores the export classes of the view rooted at rootID.
func (s *Service) Configure(ctx context.Context, rootID int, exportClasses []string) error {
	n, err := s.store.Node(ctx, rootID)
	if err != nil {
		return err
	}
	if !n.IsRoot() {
		return fmt.Errorf("%w: node %d is not an explorer root", ErrInvalidNode, rootID)
	}
	s.mu.Lock()
	s.exports[rootID] = slices.Clone(exportClasses)
	s.mu.Unlock()

	s.logger.Info("explorer configured", logging.RootID(rootID), zap.Strings("export_classes", exportClasses))
	return nil
}

// ExportClasses returns the classes configured for a view.
func (s *Service) ExportClasses(rootID int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.exports[rootID])
}

// Reload swaps the store content for seed and invalidates every view.
func (s *Service) Reload(ctx context.Context, seed *Seed) error {
	r, ok := s.store.(Replacer)
	if !ok {
		return fmt.Errorf("store does not support reload: %w", errors.ErrUnsupported)
	}
	if err := r.Replace(ctx, seed); err != nil {
		metrics.RecordSeedReload(false)
		return fmt.Errorf("replace store content: %w", err)
	}
	metrics.RecordSeedReload(true)

	s.mu.Lock()
	clear(s.collapsed)
	s.mu.Unlock()

	roots, err := s.store.Explorers(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		s.publish(models.ViewChanged(root))
	}
	s.updateCount(ctx)
	s.logger.Info("seed reloaded", zap.Int("explorers", len(roots)))
	return nil
}

// OnNodeChanged subscribes h to the change events of this service.
func (s *Service) OnNodeChanged(h func(models.NodeChangedParams)) func() {
	ch := s.events.Subscribe()
	go func() {
		for ev := range ch {
			if ev.Type == events.EventNodeChanged {
				h(ev.Params())
			}
		}
	}()
	return func() { s.events.Unsubscribe(ch) }
}

// Invalidate announces that nodeID changed outside the service, so clients
// refetch it. Invalidating a root refreshes the whole view.
func (s *Service) Invalidate(ctx context.Context, nodeID int) error {
	root, err := s.store.RootOf(ctx, nodeID)
	if err != nil {
		return err
	}
	s.Publish(changed(root, nodeID))
	return nil
}

// Publish announces a change made outside the service.
func (s *Service) Publish(p models.NodeChangedParams) {
	s.publish(p)
}

func (s *Service) publish(p models.NodeChangedParams) {
	s.events.Publish(events.NodeChanged(p))
	s.logger.Debug("node changed", zap.Stringer("change", p))
}

func (s *Service) updateCount(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn("count nodes", logging.Err(err))
		return
	}
	metrics.SetRepositoryNodes(n)
}

// changed is the notification for a change below parent: the whole view when
// parent is the root itself.
func changed(root, parent int) models.NodeChangedParams {
	if parent == root {
		return models.ViewChanged(root)
	}
	return models.NodeChanged(root, parent)
}
