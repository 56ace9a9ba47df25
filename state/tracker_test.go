package state

import (
	"testing"
)

func transitions(bs []Barrier) []Barrier {
	var out []Barrier
	for _, b := range bs {
		if b.Kind == KindTransition {
			out = append(out, b)
		}
	}
	return out
}

func TestTrackerFirstUseIsPending(t *testing.T) {
	tr := NewTracker(nil)
	buf := testResource{id: 1, subs: 1}

	tr.Transition(buf, CopyDst, AllSubresources)

	if got := tr.Flush(); len(got) != 0 {
		t.Errorf("Flush() = %v, want no immediate barriers", got)
	}
	pending := tr.Pending()
	if len(pending) != 1 {
		t.Fatalf("len(Pending()) = %d, want 1", len(pending))
	}
	if pending[0].Before != Unknown || pending[0].After != CopyDst {
		t.Errorf("Pending()[0] = %v, want ? -> CopyDst", pending[0])
	}
}

func TestTrackerKnownStateIsImmediate(t *testing.T) {
	tr := NewTracker(nil)
	buf := testResource{id: 1, subs: 1}

	tr.Transition(buf, CopyDst, AllSubresources)
	tr.Flush()
	tr.Transition(buf, ShaderRead, AllSubresources)

	got := tr.Flush()
	if len(got) != 1 {
		t.Fatalf("Flush() = %v, want one barrier", got)
	}
	if got[0].Before != CopyDst || got[0].After != ShaderRead {
		t.Errorf("Flush()[0] = %v, want CopyDst -> ShaderRead", got[0])
	}
	if len(tr.Pending()) != 1 {
		t.Errorf("len(Pending()) = %d, want 1", len(tr.Pending()))
	}
}

func TestTrackerSameStateEmitsNothing(t *testing.T) {
	tr := NewTracker(nil)
	buf := testResource{id: 1, subs: 1}

	tr.Transition(buf, CopySrc, AllSubresources)
	tr.Flush()
	tr.Transition(buf, CopySrc, AllSubresources)

	if got := tr.Flush(); len(got) != 0 {
		t.Errorf("Flush() = %v, want none", got)
	}
}

func TestTrackerCoalescesUntilFlushPoint(t *testing.T) {
	tr := NewTracker(nil)
	tex := testResource{id: 7, subs: 1}

	tr.Transition(tex, CopyDst, AllSubresources)
	tr.Transition(tex, ShaderRead, AllSubresources)

	if got := tr.Flush(); len(got) != 0 {
		t.Errorf("Flush() = %v, want none", got)
	}
	pending := tr.Pending()
	if len(pending) != 1 || pending[0].After != ShaderRead {
		t.Fatalf("Pending() = %v, want one barrier to ShaderRead", pending)
	}

	tr.Transition(tex, CopySrc, AllSubresources)
	tr.Transition(tex, ShaderRead, AllSubresources)
	if got := tr.Flush(); len(got) != 0 {
		t.Errorf("Flush() after round trip = %v, want none", got)
	}
}

func TestTrackerHeterogeneousAllTransition(t *testing.T) {
	tr := NewTracker(nil)
	tex := testResource{id: 3, subs: 4}

	tr.Transition(tex, ShaderRead, AllSubresources)
	tr.Flush()
	tr.Transition(tex, CopyDst, 1)
	tr.Transition(tex, RenderTarget, 2)
	tr.Flush()

	tr.Transition(tex, ShaderRead, AllSubresources)
	got := transitions(tr.Flush())
	if len(got) != 2 {
		t.Fatalf("Flush() = %v, want two per-subresource barriers", got)
	}
	want := []Barrier{
		{Subresource: 1, Before: CopyDst, After: ShaderRead},
		{Subresource: 2, Before: RenderTarget, After: ShaderRead},
	}
	for i, w := range want {
		if got[i].Subresource != w.Subresource || got[i].Before != w.Before || got[i].After != w.After {
			t.Errorf("barrier %d = %v, want sub %d %v -> %v", i, got[i], w.Subresource, w.Before, w.After)
		}
	}
	e, _ := tr.Local(3)
	if u, ok := e.(Uniform); !ok || u.State != ShaderRead {
		t.Errorf("Local() = %#v, want Uniform ShaderRead", e)
	}
}

func TestTrackerUnknownSubresourcesBecomePending(t *testing.T) {
	tr := NewTracker(nil)
	tex := testResource{id: 5, subs: 3}

	tr.Transition(tex, CopyDst, 0)
	tr.Flush()
	tr.Transition(tex, ShaderRead, AllSubresources)

	imm := tr.Flush()
	if len(imm) != 1 || imm[0].Subresource != 0 || imm[0].Before != CopyDst {
		t.Errorf("Flush() = %v, want sub 0 CopyDst -> ShaderRead", imm)
	}
	// sub 0 pending from the first transition, subs 1 and 2 from the second.
	pending := tr.Pending()
	if len(pending) != 3 {
		t.Fatalf("Pending() = %v, want 3", pending)
	}
	for i, p := range pending[1:] {
		if p.Subresource != uint32(i+1) || p.After != ShaderRead {
			t.Errorf("Pending()[%d] = %v, want sub %d -> ShaderRead", i+1, p, i+1)
		}
	}
}

func TestTrackerUAVAndAliasing(t *testing.T) {
	tr := NewTracker(nil)
	a := testResource{id: 1, subs: 1}
	b := testResource{id: 2, subs: 1}

	tr.UAV(a)
	tr.Aliasing(a, b)
	tr.Aliasing(nil, a)

	got := tr.Flush()
	if len(got) != 3 {
		t.Fatalf("Flush() = %v, want 3 barriers", got)
	}
	kinds := []BarrierKind{KindUAV, KindAliasing, KindAliasing}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("barrier %d kind = %v, want %v", i, got[i].Kind, k)
		}
	}
	if got[1].Aliased.ID() != 1 || got[1].Resource.ID() != 2 {
		t.Errorf("aliasing barrier = %v, want 1 -> 2", got[1])
	}
}

func TestTrackerReadsCountFromTable(t *testing.T) {
	table := NewTable()
	tex := testResource{id: 9, subs: 6}
	table.Register(testResource{id: 9, subs: 2}, Common)

	tr := NewTracker(table)
	tr.Transition(tex, CopyDst, 1)

	e, ok := tr.Local(9)
	if !ok {
		t.Fatal("Local() missing entry")
	}
	if e.Count() != 2 {
		t.Errorf("Local().Count() = %d, want 2 from table", e.Count())
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(nil)
	buf := testResource{id: 1, subs: 1}
	tr.Transition(buf, CopyDst, AllSubresources)
	tr.Flush()
	tr.Transition(buf, CopySrc, AllSubresources)

	tr.Reset()

	if len(tr.Pending()) != 0 || len(tr.Final()) != 0 || tr.HasImmediate() {
		t.Error("Reset() left state behind")
	}
}
