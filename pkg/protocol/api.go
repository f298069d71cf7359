// Package protocol defines the wire types spoken between explorer clients and the
// node repository, over both HTTP and JSON-RPC.
package protocol

import (
	"errors"

	"github.com/fruitsalade/explorer/pkg/models"
)

// ErrNodeNotFound is returned when the repository no longer knows a node id.
var ErrNodeNotFound = errors.New("node not found")

// JSON-RPC method names. Requests unless noted.
const (
	MethodExplorerManager = "nodes/explorermanager"
	MethodChildren        = "nodes/children"
	MethodInfo            = "nodes/info"
	MethodDelete          = "nodes/delete"
	MethodCollapsed       = "nodes/collapsed"   // notification, client -> server
	MethodConfigure       = "nodes/configure"
	MethodNodeChanged     = "nodes/nodeChanged" // notification, server -> client
)

// JSON-RPC error codes beyond the standard set.
const (
	CodeNodeNotFound    int64 = -32001
	CodeUnsupportedView int64 = -32002
)

// EventNodeChanged is the SSE event type carrying NodeChangedParams.
const EventNodeChanged = "nodeChanged"

// EventReconnected is emitted by the SSE client when the stream comes back
// after an interruption. Notifications sent meanwhile are lost.
const EventReconnected = "reconnected"

// ExplorerManagerParams resolves a view id to its root node.
type ExplorerManagerParams struct {
	ExplorerID string `json:"explorerId"`
}

// NodeParams addresses a single node.
type NodeParams struct {
	NodeID int `json:"nodeId"`
}

// ConfigureParams is the body of nodes/configure and
// POST /api/v1/explorers/{rootId}/configure.
type ConfigureParams struct {
	RootNodeID    int      `json:"rootNodeId"`
	ExportClasses []string `json:"exportClasses,omitempty"`
}

// ChildrenResponse is returned by GET /api/v1/nodes/{id}/children.
type ChildrenResponse struct {
	Children []int `json:"children"`
}

// DeleteResponse is returned by DELETE /api/v1/nodes/{id}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// CreateNodeRequest is the body for POST /api/v1/nodes/{id}/children.
type CreateNodeRequest struct {
	models.NodeInfo
	Deletable bool `json:"deletable"`
}

// UpdateNodeRequest is the body for PUT /api/v1/nodes/{id}. Nil fields are left alone.
type UpdateNodeRequest struct {
	Label            *string                  `json:"label,omitempty"`
	Description      *string                  `json:"description,omitempty"`
	Tooltip          *string                  `json:"tooltip,omitempty"`
	IconURI          *string                  `json:"iconUri,omitempty"`
	IconIndex        *int                     `json:"iconIndex,omitempty"`
	ResourceURI      *string                  `json:"resourceUri,omitempty"`
	ContextValue     *string                  `json:"contextValue,omitempty"`
	Command          *string                  `json:"command,omitempty"`
	CollapsibleState *models.CollapsibleState `json:"collapsibleState,omitempty"`
}

// Apply copies the set fields onto info.
func (r UpdateNodeRequest) Apply(info *models.NodeInfo) {
	if r.Label != nil {
		info.Label = *r.Label
	}
	if r.Description != nil {
		info.Description = *r.Description
	}
	if r.Tooltip != nil {
		info.Tooltip = *r.Tooltip
	}
	if r.IconURI != nil {
		info.IconURI = *r.IconURI
	}
	if r.IconIndex != nil {
		info.IconIndex = *r.IconIndex
	}
	if r.ResourceURI != nil {
		info.ResourceURI = *r.ResourceURI
	}
	if r.ContextValue != nil {
		info.ContextValue = *r.ContextValue
	}
	if r.Command != nil {
		info.Command = *r.Command
	}
	if r.CollapsibleState != nil {
		info.CollapsibleState = *r.CollapsibleState
	}
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent represents a server-sent event for real-time sync.
type SSEEvent struct {
	Type      string `json:"type"`
	RootID    int    `json:"rootId"`
	NodeID    *int   `json:"nodeId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Params extracts the change notification carried by the event.
func (e SSEEvent) Params() models.NodeChangedParams {
	return models.NodeChangedParams{RootID: e.RootID, NodeID: e.NodeID}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
