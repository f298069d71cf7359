package repository

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/explorer/pkg/models"
)

// Seed is the YAML description of a set of explorer views.
//
//	explorers:
//	  - id: projects
//	    root:
//	      label: Projects
//	      children:
//	        - label: app
//	          contextValue: project
//	          children: [...]
type Seed struct {
	Explorers []SeedExplorer `yaml:"explorers"`
}

// SeedExplorer is one explorer view with its root node.
type SeedExplorer struct {
	ID   string   `yaml:"id"`
	Root SeedNode `yaml:"root"`
}

// SeedNode is one node of a seed tree. A zero ID is assigned on load.
type SeedNode struct {
	ID           int        `yaml:"id,omitempty"`
	Name         string     `yaml:"name,omitempty"`
	Label        string     `yaml:"label"`
	Description  string     `yaml:"description,omitempty"`
	Tooltip      string     `yaml:"tooltip,omitempty"`
	Icon         string     `yaml:"icon,omitempty"`
	IconIndex    int        `yaml:"iconIndex,omitempty"`
	Resource     string     `yaml:"resource,omitempty"`
	ContextValue string     `yaml:"contextValue,omitempty"`
	Command      string     `yaml:"command,omitempty"`
	Collapsible  string     `yaml:"collapsible,omitempty"`
	Deletable    bool       `yaml:"deletable,omitempty"`
	Children     []SeedNode `yaml:"children,omitempty"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed and assigns missing ids.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Normalize checks explorer and node ids for duplicates and numbers the nodes
// that have none, after the highest explicit id.
func (s *Seed) Normalize() error {
	views := make(map[string]bool)
	seen := make(map[int]bool)
	maxID := 0

	var collect func(n *SeedNode) error
	collect = func(n *SeedNode) error {
		if n.ID < 0 {
			return fmt.Errorf("%w: negative id %d", ErrInvalidNode, n.ID)
		}
		if n.ID > 0 {
			if seen[n.ID] {
				return fmt.Errorf("%w: duplicate id %d", ErrInvalidNode, n.ID)
			}
			seen[n.ID] = true
			maxID = max(maxID, n.ID)
		}
		if _, err := models.ParseCollapsibleState(n.Collapsible); err != nil {
			return fmt.Errorf("node %q: %w", n.Label, err)
		}
		for i := range n.Children {
			if err := collect(&n.Children[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range s.Explorers {
		e := &s.Explorers[i]
		if e.ID == "" {
			return fmt.Errorf("%w: explorer without id", ErrInvalidNode)
		}
		if views[e.ID] {
			return fmt.Errorf("%w: duplicate explorer %q", ErrInvalidNode, e.ID)
		}
		views[e.ID] = true
		if err := collect(&e.Root); err != nil {
			return fmt.Errorf("explorer %q: %w", e.ID, err)
		}
	}

	next := maxID + 1
	var assign func(n *SeedNode)
	assign = func(n *SeedNode) {
		if n.ID == 0 {
			n.ID = next
			next++
		}
		for i := range n.Children {
			assign(&n.Children[i])
		}
	}
	for i := range s.Explorers {
		assign(&s.Explorers[i].Root)
	}
	return nil
}

// Walk visits every node of every explorer depth first, parents before
// children. parent is nil for roots.
func (s *Seed) Walk(fn func(explorerID string, parent *SeedNode, n *SeedNode) error) error {
	var walk func(id string, parent, n *SeedNode) error
	walk = func(id string, parent, n *SeedNode) error {
		if err := fn(id, parent, n); err != nil {
			return err
		}
		for i := range n.Children {
			if err := walk(id, n, &n.Children[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range s.Explorers {
		e := &s.Explorers[i]
		if err := walk(e.ID, nil, &e.Root); err != nil {
			return err
		}
	}
	return nil
}

// Info converts a seed node to its presentation. Roots and nodes with
// children default to expanded and collapsed respectively.
func (n *SeedNode) Info(isRoot bool) models.NodeInfo {
	state, _ := models.ParseCollapsibleState(n.Collapsible)
	if n.Collapsible == "" {
		switch {
		case isRoot:
			state = models.Expanded
		case len(n.Children) > 0:
			state = models.Collapsed
		}
	}
	return models.NodeInfo{
		ID:               n.ID,
		Name:             n.Name,
		Label:            n.Label,
		Description:      n.Description,
		Tooltip:          n.Tooltip,
		IconURI:          n.Icon,
		IconIndex:        n.IconIndex,
		ResourceURI:      n.Resource,
		ContextValue:     n.ContextValue,
		Command:          n.Command,
		CollapsibleState: state,
	}
}
