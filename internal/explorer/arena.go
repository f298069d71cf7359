package explorer

import "sync"

// arena is the visualizer cache: visualizers indexed by node id, plus a parent
// id map and the ordered child ids of every enumerated node. It replaces
// parent/child pointers between visualizers.
type arena struct {
	mu       sync.RWMutex
	nodes    map[int]*Visualizer
	parents  map[int]int
	children map[int][]int // absent until the node's children are enumerated
}

func newArena() *arena {
	return &arena{
		nodes:    make(map[int]*Visualizer),
		parents:  make(map[int]int),
		children: make(map[int][]int),
	}
}

func (a *arena) get(id int) (*Visualizer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.nodes[id]
	return v, ok
}

// putRoot registers a visualizer without a parent.
func (a *arena) putRoot(v *Visualizer) {
	a.mu.Lock()
	a.nodes[v.ID()] = v
	delete(a.parents, v.ID())
	a.mu.Unlock()
}

func (a *arena) parent(id int) (*Visualizer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.parents[id]
	if !ok {
		return nil, false
	}
	v, ok := a.nodes[p]
	return v, ok
}

// childrenOf returns the cached children in display order. ok is false when the
// node's children were never enumerated.
func (a *arena) childrenOf(id int) ([]*Visualizer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids, ok := a.children[id]
	if !ok {
		return nil, false
	}
	out := make([]*Visualizer, 0, len(ids))
	for _, c := range ids {
		if v, ok := a.nodes[c]; ok {
			out = append(out, v)
		}
	}
	return out, true
}

func (a *arena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// reconcile replaces the children of parentID with the freshly fetched
// visualizers. A fetched visualizer whose id is already cached updates the
// cached instance in place, and the cached instance is returned in its place.
// A child that was listed under another parent moves: it leaves that parent's
// child list. Previous children missing from fetched are evicted with their
// subtrees and returned as evicted. The result keeps the fetch order. attached
// is false when the parent itself is no longer cached; nothing is recorded then.
func (a *arena) reconcile(parentID int, fetched []*Visualizer) (result []*Visualizer, evicted []int, attached bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.nodes[parentID]; !ok {
		return fetched, nil, false
	}

	seen := make(map[int]struct{}, len(fetched))
	ids := make([]int, 0, len(fetched))
	result = make([]*Visualizer, 0, len(fetched))
	for _, f := range fetched {
		id := f.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		v := f
		if cur, ok := a.nodes[id]; ok {
			cur.Update(f)
			v = cur
		}
		if old, ok := a.parents[id]; ok && old != parentID {
			a.children[old] = deleteID(a.children[old], id)
		}
		a.nodes[id] = v
		a.parents[id] = parentID
		ids = append(ids, id)
		result = append(result, v)
	}

	var removed []int
	for _, id := range a.children[parentID] {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	a.children[parentID] = ids

	return result, a.evictLocked(removed, parentID), true
}

// dropChildren evicts everything below id but keeps id itself.
func (a *arena) dropChildren(id int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	kids := a.children[id]
	delete(a.children, id)
	return a.evictLocked(kids, id)
}

func (a *arena) clear() {
	a.mu.Lock()
	clear(a.nodes)
	clear(a.parents)
	clear(a.children)
	a.mu.Unlock()
}

// evictLocked removes ids, which were children of parent, and cascades to
// every id formerly listed as their children. Leaves are evicted too. An id
// that has since been re-parented elsewhere is left alone along with its
// subtree. It returns the evicted ids.
func (a *arena) evictLocked(ids []int, parent int) []int {
	type entry struct{ id, parent int }
	stack := make([]entry, 0, len(ids))
	for _, id := range ids {
		stack = append(stack, entry{id, parent})
	}

	var evicted []int
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p, ok := a.parents[e.id]; ok && p != e.parent {
			continue
		}
		if _, ok := a.nodes[e.id]; !ok {
			continue
		}
		for _, c := range a.children[e.id] {
			stack = append(stack, entry{c, e.id})
		}
		delete(a.nodes, e.id)
		delete(a.parents, e.id)
		delete(a.children, e.id)
		evicted = append(evicted, e.id)
	}
	return evicted
}

func deleteID(ids []int, id int) []int {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
