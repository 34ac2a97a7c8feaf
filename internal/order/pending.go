package order

import "sort"

// PendingEntries maps venue order ids of submitted entries to their intent.
// Not safe for concurrent use; the owning instrument serializes access.
type PendingEntries struct {
	items map[string]PendingEntry
}

func NewPendingEntries() *PendingEntries {
	return &PendingEntries{items: make(map[string]PendingEntry)}
}

func (p *PendingEntries) Add(e PendingEntry) {
	p.items[e.VenueOrderID] = e
}

func (p *PendingEntries) Get(id string) (PendingEntry, bool) {
	e, ok := p.items[id]
	return e, ok
}

func (p *PendingEntries) Remove(id string) {
	delete(p.items, id)
}

// Count returns pending entries on side.
func (p *PendingEntries) Count(side Side) int {
	n := 0
	for _, e := range p.items {
		if e.Side == side {
			n++
		}
	}
	return n
}

func (p *PendingEntries) Len() int { return len(p.items) }

// All returns a copy of every entry.
func (p *PendingEntries) All() []PendingEntry {
	out := make([]PendingEntry, 0, len(p.items))
	for _, e := range p.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *PendingEntries) Reset() {
	p.items = make(map[string]PendingEntry)
}
