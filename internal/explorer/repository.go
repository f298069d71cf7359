package explorer

import (
	"context"

	"github.com/fruitsalade/explorer/pkg/models"
)

// Repository is the node repository as seen by the tree sync engine.
type Repository interface {
	// ExplorerManager resolves a view id to its root node. A nil node with a nil
	// error means the view is not supported.
	ExplorerManager(ctx context.Context, explorerID string) (*models.NodeInfo, error)

	// Children returns child ids in display order.
	Children(ctx context.Context, nodeID int) ([]int, error)

	// Info returns the presentation snapshot of one node.
	Info(ctx context.Context, nodeID int) (*models.NodeInfo, error)

	// Destroy asks the repository to delete a node. False means it refused.
	Destroy(ctx context.Context, nodeID int) (bool, error)

	// OnNodeChanged registers a handler for nodeChanged notifications and
	// returns a function that unregisters it.
	OnNodeChanged(handler func(models.NodeChangedParams)) (unsubscribe func())
}

// Collapser is implemented by repositories that want to hear when a subtree
// was collapsed, so they may release its children.
type Collapser interface {
	Collapsed(ctx context.Context, nodeID int) error
}

// Configurer is implemented by repositories that accept per-view settings.
type Configurer interface {
	Configure(ctx context.Context, rootID int, exportClasses []string) error
}
