package descriptor

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/cmdq/layout"
)

// Dynamic heap errors.
var (
	// ErrLayoutTooLarge is returned when a layout needs more descriptors
	// than the staging area or a page can hold.
	ErrLayoutTooLarge = errors.New("descriptor: layout exceeds dynamic heap capacity")

	// ErrNotTable is returned when staging into a slot that is not a table
	// of this heap type.
	ErrNotTable = errors.New("descriptor: slot is not a table of this heap type")

	// ErrTableOverflow is returned when staging past the end of a table.
	ErrTableOverflow = errors.New("descriptor: staged range exceeds table size")
)

// DefaultStagingCapacity is the number of descriptors a dynamic heap can
// stage across all tables of one layout.
const DefaultStagingCapacity = 1024

// TableBinder binds a committed table to a root parameter slot. It is
// implemented by the graphics and compute binding paths of a recording
// context.
type TableBinder interface {
	BindTable(slot uint32, table GPUHandle)
}

// TableBinderFunc adapts a function to TableBinder.
type TableBinderFunc func(slot uint32, table GPUHandle)

// BindTable implements TableBinder.
func (f TableBinderFunc) BindTable(slot uint32, table GPUHandle) { f(slot, table) }

type tableCache struct {
	base, count uint32
}

// DynamicHeap stages descriptors for the tables of the current pipeline
// layout and copies them into shader-visible pages at commit.
//
// Only tables whose contents changed since the last commit are copied. When
// the current page cannot hold every dirty table a fresh page is taken and
// all tables are copied again, since the old page is no longer bound.
// Pages stay with the heap until Reset, which runs once the owning context's
// GPU work has completed.
//
// A DynamicHeap belongs to one recording context and is not safe for
// concurrent use.
type DynamicHeap struct {
	heap    HeapType
	pool    *PagePool
	staging []Handle

	tables    [layout.MaxParameters]tableCache
	tableMask uint32
	dirty     uint32

	current     *GPUPage
	cursor      uint32
	outstanding []*GPUPage
}

// NewDynamicHeap creates a heap that stages up to capacity descriptors and
// commits into pages from pool.
func NewDynamicHeap(pool *PagePool, capacity uint32) *DynamicHeap {
	if capacity == 0 {
		capacity = DefaultStagingCapacity
	}
	return &DynamicHeap{
		heap:    pool.Heap(),
		pool:    pool,
		staging: make([]Handle, capacity),
	}
}

// Heap returns the heap type the dynamic heap serves.
func (h *DynamicHeap) Heap() HeapType { return h.heap }

// ParseLayout prepares the per-slot table caches for l. Tables of other heap
// types are ignored. Any previously staged descriptors are discarded.
func (h *DynamicHeap) ParseLayout(l *layout.PipelineLayout) error {
	h.tables = [layout.MaxParameters]tableCache{}
	h.tableMask = 0
	h.dirty = 0
	clear(h.staging)

	samplers := h.heap == HeapSampler
	var base uint32
	for slot, p := range l.Parameters {
		if p.Kind != layout.ParamTable || p.IsSamplerTable() != samplers {
			continue
		}
		if slot >= layout.MaxParameters {
			return errors.Wrapf(layout.ErrTooManyParameters, "%q slot %d", l.Label, slot)
		}
		n := p.DescriptorCount()
		h.tables[slot] = tableCache{base: base, count: n}
		h.tableMask |= 1 << slot
		base += n
	}
	if base > uint32(len(h.staging)) {
		return errors.Wrapf(ErrLayoutTooLarge, "%q needs %d %v descriptors, staging holds %d",
			l.Label, base, h.heap, len(h.staging))
	}
	if base > h.pool.PageSize() {
		return errors.Wrapf(ErrLayoutTooLarge, "%q needs %d %v descriptors, pages hold %d",
			l.Label, base, h.heap, h.pool.PageSize())
	}
	return nil
}

// Stage copies src into the table at slot starting at offset and marks the
// table dirty. The descriptors themselves are read at Commit.
func (h *DynamicHeap) Stage(slot, offset uint32, src []Handle) error {
	if slot >= layout.MaxParameters || h.tableMask&(1<<slot) == 0 {
		return errors.Wrapf(ErrNotTable, "%v slot %d", h.heap, slot)
	}
	t := h.tables[slot]
	if offset+uint32(len(src)) > t.count {
		return errors.Wrapf(ErrTableOverflow, "%v slot %d: [%d, %d) of %d",
			h.heap, slot, offset, offset+uint32(len(src)), t.count)
	}
	copy(h.staging[t.base+offset:], src)
	h.dirty |= 1 << slot
	return nil
}

// Dirty returns the bit set of tables awaiting commit.
func (h *DynamicHeap) Dirty() uint32 { return h.dirty }

// Commit copies every dirty table into the current page and binds it
// through b. It does nothing when no table is dirty.
//
// A page that runs out of room is swapped for a fresh one from the pool.
// The old page is not handed back to the pool right away: work already
// recorded in the list still reads it, so it waits for Reset, which runs
// once the GPU has finished the list.
func (h *DynamicHeap) Commit(b TableBinder) error {
	if h.dirty == 0 {
		return nil
	}
	need := h.count(h.dirty)
	if h.current == nil || h.current.Size()-h.cursor < need {
		if h.current != nil {
			h.outstanding = append(h.outstanding, h.current)
		}
		pg, err := h.pool.Acquire()
		if err != nil {
			return err
		}
		h.current = pg
		h.cursor = 0
		h.dirty = h.tableMask
	}

	for mask := h.dirty; mask != 0; mask &= mask - 1 {
		slot := uint32(bits.TrailingZeros32(mask))
		t := h.tables[slot]
		h.current.write(h.cursor, h.staging[t.base:t.base+t.count])
		b.BindTable(slot, GPUHandle{Page: h.current, Offset: h.cursor})
		h.cursor += t.count
	}
	h.dirty = 0
	return nil
}

// Pages returns the number of pages the heap holds.
func (h *DynamicHeap) Pages() int {
	n := len(h.outstanding)
	if h.current != nil {
		n++
	}
	return n
}

// Reset returns every page to the pool and forgets the layout.
func (h *DynamicHeap) Reset() {
	if h.current != nil {
		h.outstanding = append(h.outstanding, h.current)
		h.current = nil
	}
	h.pool.Release(h.outstanding...)
	clear(h.outstanding)
	h.outstanding = h.outstanding[:0]
	h.cursor = 0
	h.dirty = 0
	h.tableMask = 0
	h.tables = [layout.MaxParameters]tableCache{}
	clear(h.staging)
}

func (h *DynamicHeap) count(mask uint32) uint32 {
	var n uint32
	for ; mask != 0; mask &= mask - 1 {
		n += h.tables[bits.TrailingZeros32(mask)].count
	}
	return n
}
