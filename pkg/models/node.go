// Package models contains the data types shared by the explorer client and server.
package models

import (
	"fmt"
	"strconv"
)

// CollapsibleState tells a tree renderer whether a node can be expanded.
type CollapsibleState int

const (
	None      CollapsibleState = 0
	Collapsed CollapsibleState = 1
	Expanded  CollapsibleState = 2
)

func (s CollapsibleState) String() string {
	switch s {
	case None:
		return "none"
	case Collapsed:
		return "collapsed"
	case Expanded:
		return "expanded"
	default:
		return "CollapsibleState(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseCollapsibleState accepts either the numeric or the named form.
func ParseCollapsibleState(s string) (CollapsibleState, error) {
	switch s {
	case "", "none", "0":
		return None, nil
	case "collapsed", "1":
		return Collapsed, nil
	case "expanded", "2":
		return Expanded, nil
	}
	return None, fmt.Errorf("invalid collapsible state %q", s)
}

// NodeInfo is the presentation snapshot of one node, as served by the repository.
type NodeInfo struct {
	ID               int              `json:"id"`
	Name             string           `json:"name,omitempty"`
	Label            string           `json:"label"`
	Description      string           `json:"description,omitempty"`
	Tooltip          string           `json:"tooltip,omitempty"`
	IconURI          string           `json:"iconUri,omitempty"`
	IconIndex        int              `json:"iconIndex"`
	ResourceURI      string           `json:"resourceUri,omitempty"`
	ContextValue     string           `json:"contextValue,omitempty"`
	Command          string           `json:"command,omitempty"`
	CollapsibleState CollapsibleState `json:"collapsibleState"`
}

// Node is the repository-side record behind a NodeInfo.
type Node struct {
	NodeInfo
	ParentID   *int   `json:"parentId,omitempty"`
	ExplorerID string `json:"explorerId,omitempty"`
	Deletable  bool   `json:"deletable"`
	Children   []int  `json:"children,omitempty"`
}

// IsRoot reports whether the node is the root of an explorer view.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// NodeChangedParams is pushed by the repository whenever a node's presentation or
// child structure changes. A nil NodeID marks the whole view dirty.
type NodeChangedParams struct {
	RootID int  `json:"rootId"`
	NodeID *int `json:"nodeId,omitempty"`
}

// WholeView reports whether the notification invalidates the entire view.
func (p NodeChangedParams) WholeView() bool {
	return p.NodeID == nil
}

func (p NodeChangedParams) String() string {
	if p.NodeID == nil {
		return fmt.Sprintf("root=%d", p.RootID)
	}
	return fmt.Sprintf("root=%d node=%d", p.RootID, *p.NodeID)
}

// NodeChanged builds a per-node notification.
func NodeChanged(rootID, nodeID int) NodeChangedParams {
	return NodeChangedParams{RootID: rootID, NodeID: &nodeID}
}

// ViewChanged builds a whole-view notification.
func ViewChanged(rootID int) NodeChangedParams {
	return NodeChangedParams{RootID: rootID}
}
