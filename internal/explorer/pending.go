package explorer

import "sync"

// PendingSet holds the ids whose presentation must be re-fetched before they
// are displayed again. Each mark is consumed exactly once. Marks carry a
// sequence number so a fetch can tell marks set while it was in flight from
// older ones.
type PendingSet struct {
	mu  sync.Mutex
	seq uint64
	ids map[int]uint64
}

// NewPendingSet creates an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{ids: make(map[int]uint64)}
}

// Mark adds id to the set.
func (p *PendingSet) Mark(id int) {
	p.mu.Lock()
	p.seq++
	p.ids[id] = p.seq
	p.mu.Unlock()
}

// Take removes id and reports whether it was present.
func (p *PendingSet) Take(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; !ok {
		return false
	}
	delete(p.ids, id)
	return true
}

// Seq returns the sequence number of the latest mark.
func (p *PendingSet) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// TakeAfter removes id and reports whether it was marked after since. A mark
// at or before since is consumed too: whatever was fetched after it already
// reflects the change.
func (p *PendingSet) TakeAfter(id int, since uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.ids[id]
	if !ok {
		return false
	}
	delete(p.ids, id)
	return s > since
}

// Has reports whether id is marked without consuming it.
func (p *PendingSet) Has(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// Len returns the number of marked ids.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// DropFunc removes every marked id for which drop returns true.
func (p *PendingSet) DropFunc(drop func(id int) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id := range p.ids {
		if drop(id) {
			delete(p.ids, id)
			n++
		}
	}
	return n
}

// Clear drops every mark.
func (p *PendingSet) Clear() {
	p.mu.Lock()
	clear(p.ids)
	p.mu.Unlock()
}
