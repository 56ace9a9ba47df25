package state

import "sync"

// Table is the device-wide record of resource states as of the most
// recently submitted work.
//
// Entries are created on first observation (or by Register when a resource
// is created) and are updated only when a Batch commits. Table is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[ID]Entry
	// IDs are never reused, so a removed resource is refused for good.
	removed map[ID]struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[ID]Entry), removed: make(map[ID]struct{})}
}

// Register records a newly created resource in state initial.
func (t *Table) Register(r Resource, initial State) {
	t.mu.Lock()
	t.entries[r.ID()] = Uniform{State: initial, N: r.Subresources()}
	t.mu.Unlock()
}

// Remove forgets a destroyed resource. Later batches ignore it.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.removed[id] = struct{}{}
	t.mu.Unlock()
}

// Lookup returns the recorded entry for id.
func (t *Table) Lookup(id ID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// SubresourceCount returns the recorded subresource count for r, or
// r.Subresources() when the table has not seen r.
func (t *Table) SubresourceCount(r Resource) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[r.ID()]; ok {
		return e.Count()
	}
	return r.Subresources()
}

// Len returns the number of tracked resources.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ResolveAndCommit resolves one context and commits it right away. It is
// Batch, Resolve and Commit in one call.
func (t *Table) ResolveAndCommit(pending []Barrier, final map[ID]Entry) []Barrier {
	b := t.Batch()
	out := b.Resolve(pending, final)
	b.Commit()
	return out
}

// Batch starts resolving a sequence of contexts that are submitted
// together. The table is left untouched until Commit.
//
// Batches must not overlap: the caller resolves and commits one batch at a
// time, so a batch never resolves against states another uncommitted batch
// is about to replace.
func (t *Table) Batch() *Batch {
	return &Batch{t: t, entries: make(map[ID]Entry)}
}

// Batch holds the states a group of contexts will leave behind once their
// submission succeeds.
type Batch struct {
	t       *Table
	entries map[ID]Entry
}

// lookup returns the state of id as seen by the batch. Caller must hold
// b.t.mu.
func (b *Batch) lookup(id ID) (Entry, bool) {
	if e, ok := b.entries[id]; ok {
		return e, true
	}
	e, ok := b.t.entries[id]
	return e, ok
}

// Resolve turns pending barriers into concrete ones and then merges final,
// the local view of the context, into the batch. Contexts resolved later
// in the same batch see the result.
//
// Each pending barrier is compared with the recorded state of its target.
// A resource the table has never seen is created in Common with the
// subresource count the context assumed. A barrier is emitted for every
// subresource whose recorded state differs from the requested one, with
// Before set to the recorded state. Subresources that already match emit
// nothing.
//
// Merging overwrites every subresource that final knows about; Unknown
// subresources keep their recorded state. Removed resources are skipped.
func (b *Batch) Resolve(pending []Barrier, final map[ID]Entry) []Barrier {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Barrier
	for _, p := range pending {
		id := p.Resource.ID()
		if _, gone := t.removed[id]; gone {
			continue
		}
		g, ok := b.lookup(id)
		if !ok {
			n := p.Resource.Subresources()
			if l, ok := final[id]; ok {
				n = l.Count()
			}
			g = Uniform{State: Common, N: n}
			b.entries[id] = g
		}
		out = appendResolved(out, p, g)
	}

	for id, l := range final {
		if _, gone := t.removed[id]; gone {
			continue
		}
		g, ok := b.lookup(id)
		if !ok {
			g = Uniform{State: Common, N: l.Count()}
		}
		b.entries[id] = merge(g, l)
	}
	return out
}

// Commit writes the resolved states into the table. Resources removed
// since they were resolved stay removed.
func (b *Batch) Commit() {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range b.entries {
		if _, gone := t.removed[id]; gone {
			continue
		}
		t.entries[id] = e
	}
	clear(b.entries)
}

// appendResolved emits the concrete barriers needed to move g to p.After.
func appendResolved(out []Barrier, p Barrier, g Entry) []Barrier {
	if p.Subresource != AllSubresources {
		if before := g.At(p.Subresource); before != p.After {
			p.Before = before
			out = append(out, p)
		}
		return out
	}
	switch v := g.(type) {
	case Uniform:
		if v.State != p.After {
			p.Before = v.State
			out = append(out, p)
		}
	case PerSubresource:
		for i, before := range v {
			if before == p.After {
				continue
			}
			b := p
			b.Subresource = uint32(i)
			b.Before = before
			out = append(out, b)
		}
	}
	return out
}

// merge applies the local entry l on top of the recorded entry g.
func merge(g, l Entry) Entry {
	if u, ok := l.(Uniform); ok && u.State != Unknown {
		return u
	}
	n := max(g.Count(), l.Count())
	p := make(PerSubresource, n)
	for i := range p {
		p[i] = g.At(uint32(i))
		if p[i] == Unknown {
			p[i] = Common
		}
		if s := l.At(uint32(i)); s != Unknown {
			p[i] = s
		}
	}
	return Collapse(p)
}
