package explorer

import "github.com/fruitsalade/explorer/pkg/models"

// ScopeKind says how much of a view a change notification invalidates.
type ScopeKind int

const (
	// ScopeNone: the notification is not for this view.
	ScopeNone ScopeKind = iota
	// ScopeView: the whole view must be redisplayed.
	ScopeView
	// ScopeNode: a single node must be re-fetched before its next display.
	ScopeNode
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeView:
		return "view"
	case ScopeNode:
		return "node"
	default:
		return "none"
	}
}

// Scope is the outcome of routing a notification to a view.
type Scope struct {
	Kind   ScopeKind
	NodeID int
}

func (s Scope) String() string {
	if s.Kind == ScopeNode {
		return "node " + itoa(s.NodeID)
	}
	return s.Kind.String()
}

// Route decides what a notification means for the view rooted at rootID. It has
// no side effects.
func Route(rootID int, p models.NodeChangedParams) Scope {
	if p.RootID != rootID {
		return Scope{Kind: ScopeNone}
	}
	if p.NodeID == nil || *p.NodeID == rootID {
		return Scope{Kind: ScopeView}
	}
	return Scope{Kind: ScopeNode, NodeID: *p.NodeID}
}
