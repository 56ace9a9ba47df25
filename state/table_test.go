package state

import (
	"sync"
	"testing"
)

func TestTableResolveUsesRecordedState(t *testing.T) {
	table := NewTable()
	tex := testResource{id: 1, subs: 1}
	table.Register(tex, Common)

	tr := NewTracker(table)
	tr.Transition(tex, CopyDst, AllSubresources)
	tr.Transition(tex, ShaderRead, AllSubresources)

	got := table.ResolveAndCommit(tr.Pending(), tr.Final())
	if len(got) != 1 {
		t.Fatalf("ResolveAndCommit() = %v, want one barrier", got)
	}
	if got[0].Before != Common || got[0].After != ShaderRead {
		t.Errorf("ResolveAndCommit()[0] = %v, want Common -> ShaderRead", got[0])
	}
	e, _ := table.Lookup(1)
	if u, ok := e.(Uniform); !ok || u.State != ShaderRead {
		t.Errorf("Lookup() after commit = %#v, want Uniform ShaderRead", e)
	}
}

func TestTableResolveSkipsMatchingState(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 1, subs: 1}
	table.Register(buf, CopyDst)

	tr := NewTracker(table)
	tr.Transition(buf, CopyDst, AllSubresources)

	if got := table.ResolveAndCommit(tr.Pending(), tr.Final()); len(got) != 0 {
		t.Errorf("ResolveAndCommit() = %v, want none", got)
	}
}

func TestTableCreatesEntryOnFirstObservation(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 42, subs: 1}

	tr := NewTracker(table)
	tr.Transition(buf, IndexBuffer, AllSubresources)

	got := table.ResolveAndCommit(tr.Pending(), tr.Final())
	if len(got) != 1 || got[0].Before != Common {
		t.Errorf("ResolveAndCommit() = %v, want Common -> IndexBuffer", got)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestTableResolveAllAgainstPerSubresource(t *testing.T) {
	table := NewTable()
	tex := testResource{id: 2, subs: 3}
	table.Register(tex, ShaderRead)

	first := NewTracker(table)
	first.Transition(tex, RenderTarget, 1)
	table.ResolveAndCommit(first.Pending(), first.Final())

	second := NewTracker(table)
	second.Transition(tex, CopySrc, AllSubresources)
	got := table.ResolveAndCommit(second.Pending(), second.Final())

	if len(got) != 3 {
		t.Fatalf("ResolveAndCommit() = %v, want one barrier per subresource", got)
	}
	wantBefore := []State{ShaderRead, RenderTarget, ShaderRead}
	for i, b := range got {
		if b.Subresource != uint32(i) || b.Before != wantBefore[i] || b.After != CopySrc {
			t.Errorf("barrier %d = %v, want sub %d %v -> CopySrc", i, b, i, wantBefore[i])
		}
	}
}

func TestTableMergeKeepsUnknownSubresources(t *testing.T) {
	table := NewTable()
	tex := testResource{id: 3, subs: 4}
	table.Register(tex, ShaderRead)

	tr := NewTracker(table)
	tr.Transition(tex, CopyDst, 2)
	table.ResolveAndCommit(tr.Pending(), tr.Final())

	e, _ := table.Lookup(3)
	want := PerSubresource{ShaderRead, ShaderRead, CopyDst, ShaderRead}
	if !Equal(e, want) {
		t.Errorf("Lookup() = %v, want %v", e, want)
	}

	// Moving the last odd subresource back collapses the entry.
	tr.Reset()
	tr.Transition(tex, ShaderRead, 2)
	table.ResolveAndCommit(tr.Pending(), tr.Final())
	e, _ = table.Lookup(3)
	if _, ok := e.(Uniform); !ok {
		t.Errorf("Lookup() = %#v, want collapsed Uniform", e)
	}
}

// Contexts resolved in submission order see each other's final states.
func TestTableSequentialContexts(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 1, subs: 1}
	table.Register(buf, Common)

	a := NewTracker(table)
	a.Transition(buf, CopyDst, AllSubresources)
	b := NewTracker(table)
	b.Transition(buf, VertexBuffer, AllSubresources)

	ra := table.ResolveAndCommit(a.Pending(), a.Final())
	rb := table.ResolveAndCommit(b.Pending(), b.Final())

	if len(ra) != 1 || ra[0].Before != Common {
		t.Errorf("first resolve = %v, want Common -> CopyDst", ra)
	}
	if len(rb) != 1 || rb[0].Before != CopyDst {
		t.Errorf("second resolve = %v, want CopyDst -> VertexBuffer", rb)
	}
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := testResource{id: ID(i), subs: 1}
			table.Register(r, Common)
			tr := NewTracker(table)
			for range 100 {
				tr.Reset()
				tr.Transition(r, CopyDst, AllSubresources)
				table.ResolveAndCommit(tr.Pending(), tr.Final())
			}
		}()
	}
	wg.Wait()
	if table.Len() != 8 {
		t.Errorf("Len() = %d, want 8", table.Len())
	}
}

func TestTableRemove(t *testing.T) {
	table := NewTable()
	table.Register(testResource{id: 1, subs: 1}, Common)
	table.Remove(1)
	if _, ok := table.Lookup(1); ok {
		t.Error("Lookup() after Remove() should fail")
	}
}

func TestBatchCommitsOnlyOnCommit(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 1, subs: 1}
	table.Register(buf, Common)

	a := NewTracker(table)
	a.Transition(buf, CopyDst, AllSubresources)
	b := NewTracker(table)
	b.Transition(buf, VertexBuffer, AllSubresources)

	batch := table.Batch()
	ra := batch.Resolve(a.Pending(), a.Final())
	rb := batch.Resolve(b.Pending(), b.Final())
	if len(ra) != 1 || len(rb) != 1 || rb[0].Before != CopyDst {
		t.Errorf("Resolve() = %v, %v, want the second context to start at CopyDst", ra, rb)
	}
	if e, _ := table.Lookup(1); e.At(0) != Common {
		t.Errorf("Lookup() before Commit() = %v, want Common", e)
	}

	batch.Commit()
	if e, _ := table.Lookup(1); e.At(0) != VertexBuffer {
		t.Errorf("Lookup() after Commit() = %v, want VertexBuffer", e)
	}
}

func TestBatchDroppedWithoutCommit(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 7, subs: 1}

	tr := NewTracker(table)
	tr.Transition(buf, CopyDst, AllSubresources)
	table.Batch().Resolve(tr.Pending(), tr.Final())

	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for an uncommitted batch", table.Len())
	}
}

func TestTableRefusesRemovedResources(t *testing.T) {
	table := NewTable()
	buf := testResource{id: 1, subs: 1}
	table.Register(buf, Common)

	tr := NewTracker(table)
	tr.Transition(buf, CopyDst, AllSubresources)
	table.Remove(1)

	if got := table.ResolveAndCommit(tr.Pending(), tr.Final()); len(got) != 0 {
		t.Errorf("ResolveAndCommit() = %v, want nothing for a removed resource", got)
	}
	if _, ok := table.Lookup(1); ok {
		t.Error("removed resource is back in the table")
	}

	// Removed between resolve and commit.
	other := testResource{id: 2, subs: 1}
	tr.Reset()
	tr.Transition(other, ShaderRead, AllSubresources)
	batch := table.Batch()
	batch.Resolve(tr.Pending(), tr.Final())
	table.Remove(2)
	batch.Commit()
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}
