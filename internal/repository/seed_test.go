package repository

import (
	"errors"
	"testing"

	"github.com/fruitsalade/explorer/pkg/models"
)

func TestLoadSeed_AssignsMissingIDs(t *testing.T) {
	seed, err := LoadSeed("testdata/seed.yaml")
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seed.Explorers) != 2 {
		t.Fatalf("expected 2 explorers, got %d", len(seed.Explorers))
	}
	main := seed.Explorers[0].Root.Children[0].Children[0].Children[0]
	if main.Label != "Main.java" {
		t.Fatalf("unexpected node %q", main.Label)
	}
	// Highest explicit id is 10.
	if main.ID != 11 {
		t.Errorf("expected assigned id 11, got %d", main.ID)
	}
}

func TestParseSeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate id", `
explorers:
  - id: a
    root: {id: 1, label: A, children: [{id: 1, label: B}]}
`},
		{"duplicate explorer", `
explorers:
  - id: a
    root: {label: A}
  - id: a
    root: {label: B}
`},
		{"missing explorer id", `
explorers:
  - root: {label: A}
`},
		{"negative id", `
explorers:
  - id: a
    root: {id: -4, label: A}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidNode) {
				t.Errorf("expected ErrInvalidNode, got %v", err)
			}
		})
	}
}

func TestParseSeed_BadCollapsibleState(t *testing.T) {
	_, err := ParseSeed([]byte(`
explorers:
  - id: a
    root: {label: A, collapsible: sideways}
`))
	if err == nil {
		t.Fatal("expected an error for an unknown collapsible state")
	}
}

func TestParseSeed_Malformed(t *testing.T) {
	if _, err := ParseSeed([]byte("explorers: [")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestSeedNode_InfoDefaults(t *testing.T) {
	leaf := SeedNode{ID: 3, Label: "leaf"}
	if got := leaf.Info(false).CollapsibleState; got != models.None {
		t.Errorf("leaf: expected none, got %s", got)
	}
	if got := leaf.Info(true).CollapsibleState; got != models.Expanded {
		t.Errorf("root: expected expanded, got %s", got)
	}

	parent := SeedNode{ID: 4, Label: "dir", Children: []SeedNode{{ID: 5}}}
	if got := parent.Info(false).CollapsibleState; got != models.Collapsed {
		t.Errorf("parent: expected collapsed, got %s", got)
	}

	explicit := SeedNode{ID: 6, Label: "x", Collapsible: "expanded", Icon: "i", Resource: "r"}
	info := explicit.Info(false)
	if info.CollapsibleState != models.Expanded {
		t.Errorf("explicit: expected expanded, got %s", info.CollapsibleState)
	}
	if info.IconURI != "i" || info.ResourceURI != "r" {
		t.Errorf("icon/resource not copied: %+v", info)
	}
}

func TestSeed_WalkParentsFirst(t *testing.T) {
	seed, err := LoadSeed("testdata/seed.yaml")
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	seen := make(map[int]bool)
	err = seed.Walk(func(explorerID string, parent, n *SeedNode) error {
		if parent != nil && !seen[parent.ID] {
			t.Errorf("node %d visited before its parent %d", n.ID, parent.ID)
		}
		if parent == nil && explorerID == "" {
			t.Errorf("root %d without explorer id", n.ID)
		}
		seen[n.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(seen) != 7 {
		t.Errorf("expected 7 nodes, got %d", len(seen))
	}
}
