package state

// Entry is the recorded state of one resource. It is either [Uniform]
// (every subresource shares one state) or [PerSubresource] (states may
// differ). No other implementations exist.
type Entry interface {
	// Count returns the number of subresources the entry describes.
	Count() int

	// At returns the state of subresource i.
	At(i uint32) State

	isEntry()
}

// Uniform is an entry where all N subresources are in State.
type Uniform struct {
	State State
	N     int
}

// Count implements Entry.
func (u Uniform) Count() int { return u.N }

// At implements Entry.
func (u Uniform) At(uint32) State { return u.State }

func (Uniform) isEntry() {}

// PerSubresource holds one state per subresource.
type PerSubresource []State

// Count implements Entry.
func (p PerSubresource) Count() int { return len(p) }

// At implements Entry.
func (p PerSubresource) At(i uint32) State {
	if int(i) >= len(p) {
		return Unknown
	}
	return p[i]
}

func (PerSubresource) isEntry() {}

// Set returns e with subresource sub set to s. Setting AllSubresources
// always yields a Uniform. A PerSubresource whose states become equal is
// collapsed back to a Uniform; a Uniform is expanded only when the new state
// differs from the shared one. e is not modified.
func Set(e Entry, sub uint32, s State) Entry {
	if sub == AllSubresources {
		return Uniform{State: s, N: e.Count()}
	}
	switch v := e.(type) {
	case Uniform:
		if v.State == s {
			return v
		}
		if v.N <= 1 {
			return Uniform{State: s, N: max(v.N, 1)}
		}
		p := make(PerSubresource, v.N)
		for i := range p {
			p[i] = v.State
		}
		p[sub] = s
		return p
	case PerSubresource:
		p := make(PerSubresource, len(v))
		copy(p, v)
		p[sub] = s
		return Collapse(p)
	}
	panic("state: unexpected entry type")
}

// Collapse returns a Uniform if every state in p is equal, p otherwise.
func Collapse(p PerSubresource) Entry {
	if len(p) == 0 {
		return Uniform{}
	}
	for _, s := range p[1:] {
		if s != p[0] {
			return p
		}
	}
	return Uniform{State: p[0], N: len(p)}
}

// Equal reports whether a and b describe the same states.
func Equal(a, b Entry) bool {
	if a.Count() != b.Count() {
		return false
	}
	for i := range a.Count() {
		if a.At(uint32(i)) != b.At(uint32(i)) {
			return false
		}
	}
	return true
}
