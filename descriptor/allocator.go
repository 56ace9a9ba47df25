package descriptor

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// DefaultPageSize is the number of descriptors in a persistent page.
const DefaultPageSize = 256

// block is a run of free slots in a page.
type block struct {
	start, count uint32
}

// Page is a CPU-visible page of persistent descriptors.
type Page struct {
	heap  HeapType
	index int
	slots []Descriptor

	// Guarded by the owning Allocator's mutex.
	free    []block
	numFree uint32
}

// Size returns the number of slots in the page.
func (p *Page) Size() uint32 { return uint32(len(p.slots)) }

// take carves count slots out of the first free block that fits.
func (p *Page) take(count uint32) (uint32, bool) {
	for i, b := range p.free {
		if b.count < count {
			continue
		}
		start := b.start
		if b.count == count {
			p.free = slices.Delete(p.free, i, i+1)
		} else {
			p.free[i] = block{start: b.start + count, count: b.count - count}
		}
		p.numFree -= count
		return start, true
	}
	return 0, false
}

// give returns a run of slots, merging it with adjacent free blocks. A run
// that overlaps a free block was freed twice.
func (p *Page) give(start, count uint32) {
	i, _ := slices.BinarySearchFunc(p.free, start, func(b block, s uint32) int {
		return int(b.start) - int(s)
	})
	if (i < len(p.free) && start+count > p.free[i].start) ||
		(i > 0 && p.free[i-1].start+p.free[i-1].count > start) {
		panic(errors.AssertionFailedf("descriptor: %v page %d slots [%d, %d) freed twice",
			p.heap, p.index, start, start+count))
	}
	p.free = slices.Insert(p.free, i, block{start: start, count: count})
	if i+1 < len(p.free) && p.free[i].start+p.free[i].count == p.free[i+1].start {
		p.free[i].count += p.free[i+1].count
		p.free = slices.Delete(p.free, i+1, i+2)
	}
	if i > 0 && p.free[i-1].start+p.free[i-1].count == p.free[i].start {
		p.free[i-1].count += p.free[i].count
		p.free = slices.Delete(p.free, i, i+1)
	}
	p.numFree += count
	clear(p.slots[start : start+count])
}

// Handle is the CPU address of one descriptor slot.
type Handle struct {
	page  *Page
	index uint32
}

// IsNull reports whether h refers to nothing.
func (h Handle) IsNull() bool { return h.page == nil }

// Heap returns the heap type of the page h points into.
func (h Handle) Heap() HeapType { return h.page.heap }

// Descriptor returns the descriptor stored at h. A null handle reads as an
// empty descriptor.
func (h Handle) Descriptor() Descriptor {
	if h.page == nil {
		return Descriptor{}
	}
	return h.page.slots[h.index]
}

// Write stores d at h. Writes to distinct handles may happen concurrently.
func (h Handle) Write(d Descriptor) { h.page.slots[h.index] = d }

// Offset returns the handle n slots after h.
func (h Handle) Offset(n uint32) Handle { return Handle{page: h.page, index: h.index + n} }

func (h Handle) String() string {
	if h.page == nil {
		return "Handle(null)"
	}
	return fmt.Sprintf("Handle(%v page %d slot %d)", h.page.heap, h.page.index, h.index)
}

// Allocation is a contiguous run of persistent descriptors.
type Allocation struct {
	alloc *Allocator
	base  Handle
	count uint32
}

// IsNull reports whether a holds no descriptors.
func (a Allocation) IsNull() bool { return a.count == 0 }

// Count returns the number of descriptors.
func (a Allocation) Count() uint32 { return a.count }

// Handle returns the i-th handle of the allocation.
func (a Allocation) Handle(i uint32) Handle {
	if i >= a.count {
		panic(errors.AssertionFailedf("descriptor: handle %d out of range [0, %d)", i, a.count))
	}
	return a.base.Offset(i)
}

// Free schedules the descriptors for reuse once frame is no longer in use
// by the GPU. The slots come back at the first ReleaseStale(f) with f >= frame.
// Freeing an allocation twice panics.
func (a Allocation) Free(frame uint64) {
	if a.count == 0 {
		return
	}
	a.alloc.mu.Lock()
	defer a.alloc.mu.Unlock()
	for _, s := range a.alloc.stale {
		if s.page == a.base.page && s.start < a.base.index+a.count && a.base.index < s.start+s.count {
			panic(errors.AssertionFailedf("descriptor: %v freed twice", a.base))
		}
	}
	a.alloc.stale = append(a.alloc.stale, staleRange{
		page:  a.base.page,
		start: a.base.index,
		count: a.count,
		frame: frame,
	})
}

type staleRange struct {
	page         *Page
	start, count uint32
	frame        uint64
}

// AllocatorStats describes allocator usage.
type AllocatorStats struct {
	Heap        HeapType
	Pages       int
	Descriptors uint32
	Free        uint32
	Stale       int
}

func (s AllocatorStats) String() string {
	return fmt.Sprintf("Descriptors[%v: %d pages, %d/%d free, %d stale ranges]",
		s.Heap, s.Pages, s.Free, s.Descriptors, s.Stale)
}

// Allocator hands out persistent descriptors of one heap type.
//
// Pages with free capacity are scanned in creation order and the first one
// holding a contiguous run large enough wins. When none does, a new page of
// max(pageSize, count) slots is created. Allocator is safe for concurrent use.
type Allocator struct {
	heap     HeapType
	pageSize uint32

	mu        sync.Mutex
	pages     []*Page
	available []int // indices of pages with free slots, ascending
	stale     []staleRange
}

// NewAllocator creates an allocator of heap-type descriptors.
func NewAllocator(heap HeapType, pageSize uint32) *Allocator {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &Allocator{heap: heap, pageSize: pageSize}
}

// Heap returns the heap type served by a.
func (a *Allocator) Heap() HeapType { return a.heap }

// Allocate returns count contiguous descriptors. It never fails; a new page
// is created when no existing page can satisfy the request.
func (a *Allocator) Allocate(count uint32) Allocation {
	if count == 0 {
		return Allocation{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(a.available); i++ {
		p := a.pages[a.available[i]]
		if p.numFree < count {
			continue
		}
		start, ok := p.take(count)
		if !ok {
			continue
		}
		if p.numFree == 0 {
			a.available = slices.Delete(a.available, i, i+1)
		}
		return Allocation{alloc: a, base: Handle{page: p, index: start}, count: count}
	}

	size := max(a.pageSize, count)
	p := &Page{
		heap:    a.heap,
		index:   len(a.pages),
		slots:   make([]Descriptor, size),
		free:    []block{{start: 0, count: size}},
		numFree: size,
	}
	a.pages = append(a.pages, p)
	start, _ := p.take(count)
	if p.numFree > 0 {
		a.available = append(a.available, p.index)
	}
	return Allocation{alloc: a, base: Handle{page: p, index: start}, count: count}
}

// ReleaseStale returns every range freed at or before frame to its page.
func (a *Allocator) ReleaseStale(frame uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	kept := a.stale[:0]
	for _, s := range a.stale {
		if s.frame > frame {
			kept = append(kept, s)
			continue
		}
		wasFull := s.page.numFree == 0
		s.page.give(s.start, s.count)
		if wasFull {
			i, _ := slices.BinarySearch(a.available, s.page.index)
			a.available = slices.Insert(a.available, i, s.page.index)
		}
		released++
	}
	clear(a.stale[len(kept):])
	a.stale = kept
	return released
}

// Stats returns a snapshot of allocator usage.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := AllocatorStats{Heap: a.heap, Pages: len(a.pages), Stale: len(a.stale)}
	for _, p := range a.pages {
		s.Descriptors += p.Size()
		s.Free += p.numFree
	}
	return s
}
