// Package repository holds the server-side node repository: the Store
// backends, the Service that publishes change events for every mutation, and
// the seed file loader and watcher.
package repository

import (
	"context"
	"errors"

	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/pkg/models"
)

var (
	// ErrNotFound is returned for an unknown node id. It is the engine's
	// not-found error so a Service can back an engine in process.
	ErrNotFound = explorer.ErrNodeNotFound

	// ErrInvalidNode is returned when a node cannot be stored as given.
	ErrInvalidNode = errors.New("invalid node")
)

// Store persists the node tree.
type Store interface {
	// Explorer returns the root node of an explorer view, or nil when the view
	// does not exist.
	Explorer(ctx context.Context, explorerID string) (*models.Node, error)

	// Explorers returns every explorer id with its root node id.
	Explorers(ctx context.Context) (map[string]int, error)

	// Node returns a node with its ordered child ids.
	Node(ctx context.Context, id int) (*models.Node, error)

	// Children returns the ordered child ids of a node.
	Children(ctx context.Context, id int) ([]int, error)

	// RootOf returns the id of the root above id (id itself for a root).
	RootOf(ctx context.Context, id int) (int, error)

	// Insert appends a child below parentID. A zero node id is assigned.
	Insert(ctx context.Context, parentID int, node models.Node) (*models.Node, error)

	// Update replaces the presentation fields of an existing node.
	Update(ctx context.Context, info models.NodeInfo) error

	// Delete removes a node and its subtree. False means the node may not be
	// deleted: it is a root or is not marked deletable.
	Delete(ctx context.Context, id int) (bool, error)

	// Count returns the number of stored nodes.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Replacer is implemented by stores whose whole content can be swapped for a
// seed at once.
type Replacer interface {
	Replace(ctx context.Context, seed *Seed) error
}
