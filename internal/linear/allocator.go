package linear

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
)

// Allocation errors.
var (
	// ErrAllocationTooLarge is returned when a request exceeds the page size.
	ErrAllocationTooLarge = errors.New("linear: allocation larger than page size")

	// ErrBadAlignment is returned when the alignment is not a power of two.
	ErrBadAlignment = errors.New("linear: alignment must be a power of two")
)

// Allocation is a region of upload memory.
//
// CPU is writable until the owning allocator is reset; the GPU reads the
// same bytes at Offset within Buffer.
type Allocation struct {
	CPU    []byte
	Buffer hal.Buffer
	Offset uint64
	Size   uint64
}

// Allocator hands out upload memory for one recording context.
// It is not safe for concurrent use.
type Allocator struct {
	pool    *Pool
	current *Page
	retired []*Page
}

// NewAllocator creates an allocator drawing pages from pool.
func NewAllocator(pool *Pool) *Allocator {
	return &Allocator{pool: pool}
}

// Allocate returns size bytes aligned to alignment.
//
// A request larger than a page fails with ErrAllocationTooLarge before any
// memory is touched. When the current page cannot fit the request it is
// retired and a page is taken from the pool.
func (a *Allocator) Allocate(size, alignment uint64) (Allocation, error) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return Allocation{}, errors.Wrapf(ErrBadAlignment, "alignment %d", alignment)
	}
	if size > a.pool.pageSize {
		return Allocation{}, errors.Wrapf(ErrAllocationTooLarge, "%d bytes > %d", size, a.pool.pageSize)
	}

	if a.current != nil {
		off := alignUp(a.current.offset, alignment)
		if off+size <= a.current.Size() {
			return a.take(off, size), nil
		}
		a.retired = append(a.retired, a.current)
		a.current = nil
	}

	pg, err := a.pool.acquire()
	if err != nil {
		return Allocation{}, err
	}
	a.current = pg
	return a.take(0, size), nil
}

func (a *Allocator) take(off, size uint64) Allocation {
	pg := a.current
	pg.offset = off + size
	return Allocation{
		CPU:    pg.cpu[off : off+size : off+size],
		Buffer: pg.buffer,
		Offset: off,
		Size:   size,
	}
}

// Pages returns the number of pages the allocator currently holds.
func (a *Allocator) Pages() int {
	n := len(a.retired)
	if a.current != nil {
		n++
	}
	return n
}

// Reset returns every page to the pool. Calling Reset again is a no-op.
func (a *Allocator) Reset() {
	if a.current != nil {
		a.retired = append(a.retired, a.current)
		a.current = nil
	}
	a.pool.release(a.retired)
	clear(a.retired)
	a.retired = a.retired[:0]
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
