package state

import "github.com/cockroachdb/errors"

// openBarrier is the most recent barrier recorded for a resource since the
// last flush point. While it is open, a further transition of the same
// subresource selection rewrites it instead of appending another barrier.
type openBarrier struct {
	pending bool
	index   int
	sub     uint32
}

// Tracker is the local state tracker of one recording context.
//
// Transitions whose starting state the context already knows produce
// immediate barriers, which the owner drains with Flush before each
// copy, draw or dispatch. Transitions of subresources the context has not
// touched produce pending barriers, which are resolved against the Table at
// submission. Final holds the state every touched subresource is left in.
//
// A Tracker is used by one goroutine at a time.
type Tracker struct {
	table     *Table
	local     map[ID]Entry
	pending   []Barrier
	immediate []Barrier
	open      map[ID]openBarrier
}

// NewTracker creates a tracker that reads subresource counts from table.
// table may be nil, in which case counts come from the resources.
func NewTracker(table *Table) *Tracker {
	return &Tracker{
		table: table,
		local: make(map[ID]Entry),
		open:  make(map[ID]openBarrier),
	}
}

// Transition requests that subresource sub of r (or all of them, with
// AllSubresources) be in state after for the next operation recorded.
func (t *Tracker) Transition(r Resource, after State, sub uint32) {
	if after == Unknown {
		panic(errors.AssertionFailedf("state: transition of resource %d to Unknown", r.ID()))
	}
	id := r.ID()
	e, ok := t.local[id]
	if !ok {
		n := r.Subresources()
		if t.table != nil {
			n = t.table.SubresourceCount(r)
		}
		e = Uniform{State: Unknown, N: n}
	}
	if sub != AllSubresources && int(sub) >= e.Count() {
		panic(errors.AssertionFailedf("state: subresource %d out of range for resource %d (%d subresources)",
			sub, id, e.Count()))
	}

	if sub != AllSubresources {
		t.request(r, sub, e.At(sub), after)
		t.local[id] = Set(e, sub, after)
		return
	}

	switch v := e.(type) {
	case Uniform:
		t.request(r, AllSubresources, v.State, after)
	case PerSubresource:
		for i, before := range v {
			t.request(r, uint32(i), before, after)
		}
	}
	t.local[id] = Uniform{State: after, N: e.Count()}
}

// request records whatever is needed to move one selection from before to
// after.
func (t *Tracker) request(r Resource, sub uint32, before, after State) {
	id := r.ID()
	if o, ok := t.open[id]; ok && o.sub == sub {
		if o.pending {
			t.pending[o.index].After = after
		} else {
			t.immediate[o.index].After = after
		}
		return
	}
	if before == after {
		return
	}
	b := Barrier{Kind: KindTransition, Resource: r, Subresource: sub, Before: before, After: after}
	if before == Unknown {
		t.pending = append(t.pending, b)
		t.open[id] = openBarrier{pending: true, index: len(t.pending) - 1, sub: sub}
		return
	}
	t.immediate = append(t.immediate, b)
	t.open[id] = openBarrier{index: len(t.immediate) - 1, sub: sub}
}

// UAV records an unordered-access barrier on r.
func (t *Tracker) UAV(r Resource) {
	t.immediate = append(t.immediate, Barrier{Kind: KindUAV, Resource: r, Subresource: AllSubresources})
	delete(t.open, r.ID())
}

// Aliasing records that after starts using memory previously used by
// before. before may be nil.
func (t *Tracker) Aliasing(before, after Resource) {
	t.immediate = append(t.immediate, Barrier{
		Kind:        KindAliasing,
		Resource:    after,
		Aliased:     before,
		Subresource: AllSubresources,
	})
	delete(t.open, after.ID())
	if before != nil {
		delete(t.open, before.ID())
	}
}

// Flush returns the immediate barriers recorded since the previous flush,
// in order, and marks a flush point. Transitions rewritten into no-ops are
// dropped.
func (t *Tracker) Flush() []Barrier {
	clear(t.open)
	if len(t.immediate) == 0 {
		return nil
	}
	out := make([]Barrier, 0, len(t.immediate))
	for _, b := range t.immediate {
		if b.Kind == KindTransition && b.Before == b.After {
			continue
		}
		out = append(out, b)
	}
	t.immediate = t.immediate[:0]
	return out
}

// HasImmediate reports whether Flush would return any barriers.
func (t *Tracker) HasImmediate() bool {
	for _, b := range t.immediate {
		if b.Kind != KindTransition || b.Before != b.After {
			return true
		}
	}
	return false
}

// Pending returns the barriers whose starting state must be resolved at
// submission. The slice is owned by the tracker.
func (t *Tracker) Pending() []Barrier { return t.pending }

// Final returns the local view: the state this context leaves every touched
// resource in. Subresources it never touched are Unknown. The map is owned
// by the tracker.
func (t *Tracker) Final() map[ID]Entry { return t.local }

// Local returns the local entry for id.
func (t *Tracker) Local(id ID) (Entry, bool) {
	e, ok := t.local[id]
	return e, ok
}

// Reset forgets everything, ready for the next recording.
func (t *Tracker) Reset() {
	clear(t.local)
	clear(t.open)
	t.pending = t.pending[:0]
	t.immediate = t.immediate[:0]
}
