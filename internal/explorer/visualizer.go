// Package explorer mirrors a server-held tree of nodes into a client-side tree of
// visualizers and keeps it in sync with change notifications pushed by the server.
package explorer

import (
	"reflect"
	"slices"
	"sync"

	"github.com/fruitsalade/explorer/pkg/models"
)

// Command is an invocable action attached to a tree item.
type Command struct {
	Name      string
	Title     string
	Arguments []any
}

func (c *Command) clone() *Command {
	if c == nil {
		return nil
	}
	return &Command{Name: c.Name, Title: c.Title, Arguments: slices.Clone(c.Arguments)}
}

// TreeItem is the presentation of one node as handed to a renderer.
type TreeItem struct {
	ID               int
	Label            string
	Description      string
	Tooltip          string
	IconURI          string
	ResourceURI      string
	ContextValue     string
	CollapsibleState models.CollapsibleState
	Command          *Command
}

// Clone returns a deep copy of the item.
func (t TreeItem) Clone() TreeItem {
	t.Command = t.Command.clone()
	return t
}

// Equal compares two items field by field. Visualizer arguments compare by id.
func (t TreeItem) Equal(o TreeItem) bool {
	if t.ID != o.ID || t.Label != o.Label || t.Description != o.Description ||
		t.Tooltip != o.Tooltip || t.IconURI != o.IconURI || t.ResourceURI != o.ResourceURI ||
		t.ContextValue != o.ContextValue || t.CollapsibleState != o.CollapsibleState {
		return false
	}
	if (t.Command == nil) != (o.Command == nil) {
		return false
	}
	if t.Command == nil {
		return true
	}
	if t.Command.Name != o.Command.Name || t.Command.Title != o.Command.Title ||
		len(t.Command.Arguments) != len(o.Command.Arguments) {
		return false
	}
	for i, a := range t.Command.Arguments {
		b := o.Command.Arguments[i]
		va, aok := a.(*Visualizer)
		vb, bok := b.(*Visualizer)
		if aok || bok {
			if !aok || !bok || va.ID() != vb.ID() {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(a, b) {
			return false
		}
	}
	return true
}

// Visualizer is the client-side projection of one node. Its id never changes;
// everything else is replaced wholesale by Update, so references held by a
// renderer stay valid across refreshes.
type Visualizer struct {
	id int

	mu   sync.RWMutex
	data models.NodeInfo
	icon string
	item TreeItem
	gen  uint64
}

// NewVisualizer builds a visualizer from a node snapshot and a resolved icon.
func NewVisualizer(info models.NodeInfo, icon string) *Visualizer {
	return &Visualizer{
		id:   info.ID,
		data: info,
		icon: icon,
		item: TreeItem{
			ID:               info.ID,
			Label:            info.Label,
			Description:      info.Description,
			Tooltip:          info.Tooltip,
			IconURI:          icon,
			ResourceURI:      info.ResourceURI,
			ContextValue:     info.ContextValue,
			CollapsibleState: info.CollapsibleState,
		},
	}
}

// ID returns the node id.
func (v *Visualizer) ID() int {
	return v.id
}

// Data returns the last fetched node snapshot.
func (v *Visualizer) Data() models.NodeInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data
}

// Icon returns the resolved icon reference.
func (v *Visualizer) Icon() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.icon
}

// Label returns the current label.
func (v *Visualizer) Label() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.item.Label
}

// Item returns a deep copy of the current presentation.
func (v *Visualizer) Item() TreeItem {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.item.Clone()
}

// Generation counts the updates applied to this visualizer.
func (v *Visualizer) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.gen
}

// Copy returns an independent visualizer with the same presentation.
func (v *Visualizer) Copy() *Visualizer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &Visualizer{
		id:   v.id,
		data: v.data,
		icon: v.icon,
		item: v.item.Clone(),
		gen:  v.gen,
	}
}

// Update overwrites every presentation field, the node snapshot, the icon and
// the command with those of other. The id is preserved. A command argument
// bound to other is rebound to v.
func (v *Visualizer) Update(other *Visualizer) {
	if other == v {
		return
	}
	if other.id != v.id {
		panic("explorer: update of visualizer " + itoa(v.id) + " from visualizer " + itoa(other.id))
	}

	other.mu.RLock()
	data, icon, item := other.data, other.icon, other.item.Clone()
	other.mu.RUnlock()

	if item.Command != nil {
		for i, a := range item.Command.Arguments {
			if av, ok := a.(*Visualizer); ok && av == other {
				item.Command.Arguments[i] = v
			}
		}
	}

	v.mu.Lock()
	v.data = data
	v.icon = icon
	v.item = item
	v.gen++
	v.mu.Unlock()
}

func (v *Visualizer) setCommand(c *Command) {
	v.mu.Lock()
	v.item.Command = c
	v.mu.Unlock()
}

func (v *Visualizer) String() string {
	return "Visualizer(" + itoa(v.id) + ")"
}
