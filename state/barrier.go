package state

import "fmt"

// BarrierKind distinguishes the three kinds of barrier a context records.
type BarrierKind uint8

const (
	// KindTransition changes the usage state of a resource.
	KindTransition BarrierKind = iota
	// KindUAV orders unordered-access writes to the same resource.
	KindUAV
	// KindAliasing orders two placed resources that share memory.
	KindAliasing
)

// String returns the kind name.
func (k BarrierKind) String() string {
	switch k {
	case KindTransition:
		return "Transition"
	case KindUAV:
		return "UAV"
	case KindAliasing:
		return "Aliasing"
	default:
		return fmt.Sprintf("BarrierKind(%d)", k)
	}
}

// Barrier is one recorded synchronization point.
//
// For pending transitions Before is Unknown until the barrier is resolved
// against the Table at submission. For aliasing barriers Resource is the
// resource that becomes active and Aliased the one that is retired (may be
// nil).
type Barrier struct {
	Kind        BarrierKind
	Resource    Resource
	Aliased     Resource
	Subresource uint32
	Before      State
	After       State
}

func (b Barrier) String() string {
	switch b.Kind {
	case KindTransition:
		sub := "all"
		if b.Subresource != AllSubresources {
			sub = fmt.Sprint(b.Subresource)
		}
		return fmt.Sprintf("transition(%d[%s]: %v -> %v)", b.Resource.ID(), sub, b.Before, b.After)
	case KindAliasing:
		if b.Aliased == nil {
			return fmt.Sprintf("aliasing(-> %d)", b.Resource.ID())
		}
		return fmt.Sprintf("aliasing(%d -> %d)", b.Aliased.ID(), b.Resource.ID())
	default:
		return fmt.Sprintf("uav(%d)", b.Resource.ID())
	}
}
