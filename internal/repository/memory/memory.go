// Package memory provides an in-memory node store, loaded from a YAML seed.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/pkg/models"
)

var (
	_ repository.Store    = (*Store)(nil)
	_ repository.Replacer = (*Store)(nil)
)

// Store keeps the node tree in maps guarded by a mutex.
type Store struct {
	mu        sync.RWMutex
	nodes     map[int]*models.Node
	explorers map[string]int
	nextID    int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes:     make(map[int]*models.Node),
		explorers: make(map[string]int),
		nextID:    1,
	}
}

// FromSeed creates a store holding seed.
func FromSeed(seed *repository.Seed) (*Store, error) {
	s := New()
	if err := s.Replace(context.Background(), seed); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole content for seed. On error the store is unchanged.
func (s *Store) Replace(_ context.Context, seed *repository.Seed) error {
	if err := seed.Normalize(); err != nil {
		return err
	}
	nodes := make(map[int]*models.Node)
	explorers := make(map[string]int)
	maxID := 0

	err := seed.Walk(func(explorerID string, parent, n *repository.SeedNode) error {
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: duplicate id %d", repository.ErrInvalidNode, n.ID)
		}
		node := &models.Node{NodeInfo: n.Info(parent == nil), Deletable: n.Deletable}
		if parent == nil {
			explorers[explorerID] = n.ID
			node.ExplorerID = explorerID
		} else {
			pid := parent.ID
			node.ParentID = &pid
			nodes[pid].Children = append(nodes[pid].Children, n.ID)
		}
		nodes[n.ID] = node
		maxID = max(maxID, n.ID)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.nodes = nodes
	s.explorers = explorers
	s.nextID = maxID + 1
	s.mu.Unlock()
	return nil
}

func clone(n *models.Node) *models.Node {
	c := *n
	c.Children = slices.Clone(n.Children)
	if n.ParentID != nil {
		pid := *n.ParentID
		c.ParentID = &pid
	}
	return &c
}

// Explorer returns the root of explorerID, or nil.
func (s *Store) Explorer(_ context.Context, explorerID string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.explorers[explorerID]
	if !ok {
		return nil, nil
	}
	return clone(s.nodes[id]), nil
}

// Explorers returns every explorer id with its root id.
func (s *Store) Explorers(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.explorers))
	for k, v := range s.explorers {
		out[k] = v
	}
	return out, nil
}

// Node returns a copy of the node.
func (s *Store) Node(_ context.Context, id int) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	return clone(n), nil
}

// Children returns the ordered child ids.
func (s *Store) Children(_ context.Context, id int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	return slices.Clone(n.Children), nil
}

// RootOf walks parent links up to the root.
func (s *Store) RootOf(_ context.Context, id int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for steps := 0; steps <= len(s.nodes); steps++ {
		n, ok := s.nodes[id]
		if !ok {
			return 0, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
		}
		if n.ParentID == nil {
			return id, nil
		}
		id = *n.ParentID
	}
	return 0, fmt.Errorf("node %d: parent cycle", id)
}

// Insert appends node below parentID, assigning an id when it has none.
func (s *Store) Insert(_ context.Context, parentID int, node models.Node) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("parent %d: %w", parentID, repository.ErrNotFound)
	}
	if node.ID == 0 {
		node.ID = s.nextID
	}
	if _, dup := s.nodes[node.ID]; dup {
		return nil, fmt.Errorf("%w: id %d in use", repository.ErrInvalidNode, node.ID)
	}
	s.nextID = max(s.nextID, node.ID+1)

	pid := parentID
	node.ParentID = &pid
	node.ExplorerID = ""
	node.Children = nil
	s.nodes[node.ID] = &node
	parent.Children = append(parent.Children, node.ID)
	if parent.CollapsibleState == models.None {
		parent.CollapsibleState = models.Collapsed
	}
	return clone(&node), nil
}

// Update replaces the presentation of an existing node.
func (s *Store) Update(_ context.Context, info models.NodeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[info.ID]
	if !ok {
		return fmt.Errorf("node %d: %w", info.ID, repository.ErrNotFound)
	}
	n.NodeInfo = info
	return nil
}

// Delete removes a deletable, non-root node with its subtree.
func (s *Store) Delete(_ context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	if n.ParentID == nil || !n.Deletable {
		return false, nil
	}

	if p, ok := s.nodes[*n.ParentID]; ok {
		p.Children = slices.DeleteFunc(p.Children, func(c int) bool { return c == id })
	}
	stack := []int{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c, ok := s.nodes[cur]; ok {
			stack = append(stack, c.Children...)
			delete(s.nodes, cur)
		}
	}
	return true, nil
}

// Count returns the number of nodes.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), nil
}

// Close does nothing.
func (s *Store) Close() error { return nil }
