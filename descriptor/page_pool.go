package descriptor

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
)

// DefaultGPUPageSize is the number of descriptors in a shader-visible page.
const DefaultGPUPageSize = 1024

// Backing is the GPU memory behind a shader-visible page: a storage buffer
// holding RecordSize-byte records, its persistently mapped bytes, and a
// bind group exposing the buffer with a dynamic offset.
type Backing struct {
	Buffer hal.Buffer
	Memory []byte
	Group  hal.BindGroup
}

// BackingFunc creates the backing for a page of size descriptors.
type BackingFunc func(heap HeapType, size uint32) (Backing, error)

// GPUPage is a shader-visible descriptor page. Tables are copied into it
// and bound by offset; the page is reused after its context is reclaimed.
type GPUPage struct {
	heap    HeapType
	id      int
	slots   []Descriptor
	backing Backing
}

// Heap returns the heap type of the page.
func (p *GPUPage) Heap() HeapType { return p.heap }

// ID returns the page number within its pool.
func (p *GPUPage) ID() int { return p.id }

// Size returns the number of descriptors the page holds.
func (p *GPUPage) Size() uint32 { return uint32(len(p.slots)) }

// BindGroup returns the bind group of the page, nil for CPU-only pages.
func (p *GPUPage) BindGroup() hal.BindGroup { return p.backing.Group }

// Buffer returns the storage buffer of the page, nil for CPU-only pages.
func (p *GPUPage) Buffer() hal.Buffer { return p.backing.Buffer }

// Descriptor returns the descriptor at index i.
func (p *GPUPage) Descriptor(i uint32) Descriptor { return p.slots[i] }

// write stores the descriptors of src at offset, mirroring them into the
// mapped buffer when there is one.
func (p *GPUPage) write(offset uint32, src []Handle) {
	for i, h := range src {
		d := h.Descriptor()
		p.slots[offset+uint32(i)] = d
		if p.backing.Memory != nil {
			at := (offset + uint32(i)) * RecordSize
			d.encode(p.backing.Memory[at : at+RecordSize])
		}
	}
}

// GPUHandle addresses a descriptor table inside a shader-visible page.
type GPUHandle struct {
	Page   *GPUPage
	Offset uint32
}

// ByteOffset returns the dynamic offset of the table within the page buffer.
func (h GPUHandle) ByteOffset() uint32 { return h.Offset * RecordSize }

func (h GPUHandle) String() string {
	return fmt.Sprintf("GPUHandle(%v page %d +%d)", h.Page.heap, h.Page.id, h.Offset)
}

// PagePoolStats describes pool usage.
type PagePoolStats struct {
	Heap      HeapType
	Pages     int
	FreePages int
}

func (s PagePoolStats) String() string {
	return fmt.Sprintf("PagePool[%v: %d pages, %d free]", s.Heap, s.Pages, s.FreePages)
}

// PagePool owns the shader-visible pages of one heap type. Pages are
// created on demand and never destroyed before Destroy. PagePool is safe for
// concurrent use.
type PagePool struct {
	heap    HeapType
	size    uint32
	backing BackingFunc

	mu    sync.Mutex
	pages []*GPUPage
	free  []*GPUPage
}

// NewPagePool creates a pool of size-descriptor pages. backing may be nil,
// in which case pages have no GPU memory (useful for tests and for
// validating recording without a device).
func NewPagePool(heap HeapType, size uint32, backing BackingFunc) *PagePool {
	if size == 0 {
		size = DefaultGPUPageSize
	}
	return &PagePool{heap: heap, size: size, backing: backing}
}

// Heap returns the heap type of the pool.
func (p *PagePool) Heap() HeapType { return p.heap }

// PageSize returns the number of descriptors per page.
func (p *PagePool) PageSize() uint32 { return p.size }

// Acquire returns a free page, creating one when the free list is empty.
func (p *PagePool) Acquire() (*GPUPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		pg := p.free[n-1]
		p.free = p.free[:n-1]
		return pg, nil
	}

	pg := &GPUPage{heap: p.heap, id: len(p.pages), slots: make([]Descriptor, p.size)}
	if p.backing != nil {
		b, err := p.backing(p.heap, p.size)
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor: create %v page", p.heap)
		}
		pg.backing = b
	}
	p.pages = append(p.pages, pg)
	return pg, nil
}

// Release returns pages to the free list.
func (p *PagePool) Release(pages ...*GPUPage) {
	if len(pages) == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, pages...)
	p.mu.Unlock()
}

// Stats returns a snapshot of pool usage.
func (p *PagePool) Stats() PagePoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PagePoolStats{Heap: p.heap, Pages: len(p.pages), FreePages: len(p.free)}
}

// Destroy passes the backing of every page to release and empties the pool.
func (p *PagePool) Destroy(release func(Backing)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if release != nil {
		for _, pg := range p.pages {
			if pg.backing.Buffer != nil || pg.backing.Group != nil {
				release(pg.backing)
			}
		}
	}
	p.pages = nil
	p.free = nil
}
