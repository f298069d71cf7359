package memory

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/pkg/models"
)

func loadStore(t *testing.T) *Store {
	t.Helper()
	seed, err := repository.LoadSeed("../testdata/seed.yaml")
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	s, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return s
}

func TestStore_Explorers(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()

	roots, err := s.Explorers(ctx)
	if err != nil {
		t.Fatalf("Explorers: %v", err)
	}
	if roots["projects"] != 1 || roots["services"] != 10 {
		t.Errorf("unexpected roots %v", roots)
	}

	root, err := s.Explorer(ctx, "projects")
	if err != nil || root == nil {
		t.Fatalf("Explorer: %v %v", root, err)
	}
	if !root.IsRoot() || root.ExplorerID != "projects" {
		t.Errorf("unexpected root %+v", root)
	}
	if root.CollapsibleState != models.Expanded {
		t.Errorf("root should default to expanded, got %s", root.CollapsibleState)
	}

	missing, err := s.Explorer(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown explorer, got %v %v", missing, err)
	}
}

func TestStore_ChildrenInSeedOrder(t *testing.T) {
	s := loadStore(t)
	ids, err := s.Children(context.Background(), 1)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if !slices.Equal(ids, []int{2, 3}) {
		t.Errorf("expected [2 3], got %v", ids)
	}

	// The returned slice is a copy.
	ids[0] = 99
	again, _ := s.Children(context.Background(), 1)
	if again[0] != 2 {
		t.Error("Children leaked internal state")
	}
}

func TestStore_UnknownNode(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()
	if _, err := s.Node(ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Node: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Children(ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Children: expected ErrNotFound, got %v", err)
	}
	if _, err := s.RootOf(ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("RootOf: expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, models.NodeInfo{ID: 404}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
}

func TestStore_RootOf(t *testing.T) {
	s := loadStore(t)
	root, err := s.RootOf(context.Background(), 11)
	if err != nil {
		t.Fatalf("RootOf: %v", err)
	}
	if root != 1 {
		t.Errorf("expected root 1, got %d", root)
	}
}

func TestStore_Insert(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()

	n, err := s.Insert(ctx, 3, models.Node{NodeInfo: models.NodeInfo{Label: "util"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n.ID != 12 {
		t.Errorf("expected id 12, got %d", n.ID)
	}
	if n.ParentID == nil || *n.ParentID != 3 {
		t.Errorf("unexpected parent %v", n.ParentID)
	}
	ids, _ := s.Children(ctx, 3)
	if !slices.Equal(ids, []int{12}) {
		t.Errorf("expected [12], got %v", ids)
	}

	// A leaf that gains a child becomes expandable.
	if _, err := s.Insert(ctx, 5, models.Node{NodeInfo: models.NodeInfo{Label: "x"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pom, _ := s.Node(ctx, 5)
	if pom.CollapsibleState != models.Collapsed {
		t.Errorf("expected collapsed, got %s", pom.CollapsibleState)
	}

	if _, err := s.Insert(ctx, 404, models.Node{}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown parent, got %v", err)
	}
	if _, err := s.Insert(ctx, 1, models.Node{NodeInfo: models.NodeInfo{ID: 2}}); !errors.Is(err, repository.ErrInvalidNode) {
		t.Errorf("expected ErrInvalidNode for a taken id, got %v", err)
	}
}

func TestStore_DeleteCascades(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()

	before, _ := s.Count(ctx)
	ok, err := s.Delete(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("Delete: %v %v", ok, err)
	}
	after, _ := s.Count(ctx)
	// app, src, Main.java and pom.xml
	if before-after != 4 {
		t.Errorf("expected 4 nodes removed, got %d", before-after)
	}
	for _, id := range []int{2, 4, 5, 11} {
		if _, err := s.Node(ctx, id); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("node %d still present", id)
		}
	}
	ids, _ := s.Children(ctx, 1)
	if !slices.Equal(ids, []int{3}) {
		t.Errorf("expected [3], got %v", ids)
	}
}

func TestStore_DeleteRefused(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()

	for _, id := range []int{1, 3} {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			t.Fatalf("Delete(%d): %v", id, err)
		}
		if ok {
			t.Errorf("Delete(%d) should be refused", id)
		}
	}
	if _, err := s.Delete(ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ReplaceKeepsContentOnError(t *testing.T) {
	s := loadStore(t)
	ctx := context.Background()

	bad := &repository.Seed{Explorers: []repository.SeedExplorer{
		{ID: "x", Root: repository.SeedNode{ID: 1, Label: "X", Children: []repository.SeedNode{{ID: 1}}}},
	}}
	if err := s.Replace(ctx, bad); err == nil {
		t.Fatal("expected an error")
	}
	if n, _ := s.Count(ctx); n != 7 {
		t.Errorf("store changed after failed replace: %d nodes", n)
	}

	good := &repository.Seed{Explorers: []repository.SeedExplorer{
		{ID: "only", Root: repository.SeedNode{Label: "Only"}},
	}}
	if err := s.Replace(ctx, good); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	roots, _ := s.Explorers(ctx)
	if len(roots) != 1 || roots["only"] != 1 {
		t.Errorf("unexpected roots %v", roots)
	}
}
