// Package linear implements the per-context upload allocator: a bump
// allocator over persistently mapped, CPU-writable GPU buffers that are
// recycled when the owning context is reclaimed.
package linear

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// DefaultPageSize is the page size used when none is configured (2 MiB).
const DefaultPageSize = 2 << 20

// pageUsage covers every way recorded commands read upload memory.
const pageUsage = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc |
	gputypes.BufferUsageUniform | gputypes.BufferUsageVertex | gputypes.BufferUsageIndex

// Page is one mapped upload buffer.
type Page struct {
	buffer hal.Buffer
	cpu    []byte
	offset uint64
}

// Buffer returns the GPU buffer backing the page.
func (p *Page) Buffer() hal.Buffer { return p.buffer }

// Size returns the page capacity in bytes.
func (p *Page) Size() uint64 { return uint64(len(p.cpu)) }

// PoolStats describes page pool usage.
type PoolStats struct {
	Pages     int
	FreePages int
	PageSize  uint64
}

// String returns a human-readable summary.
func (s PoolStats) String() string {
	return fmt.Sprintf("LinearPool[%d pages, %d free, %d KiB each]",
		s.Pages, s.FreePages, s.PageSize/1024)
}

// Pool owns every upload page of a device and hands them out to
// allocators. Pages are created on demand and live until Destroy.
//
// Pool is safe for concurrent use.
type Pool struct {
	device   hal.Device
	pageSize uint64

	mu    sync.Mutex
	pages []*Page
	free  []*Page
}

// NewPool creates a pool of pageSize-byte upload pages on device.
func NewPool(device hal.Device, pageSize uint64) *Pool {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &Pool{device: device, pageSize: pageSize}
}

// PageSize returns the capacity of every page.
func (p *Pool) PageSize() uint64 { return p.pageSize }

// acquire returns a free page, creating one if the free list is empty.
func (p *Pool) acquire() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		pg := p.free[n-1]
		p.free = p.free[:n-1]
		return pg, nil
	}

	buf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("linear page %d", len(p.pages)),
		Size:  p.pageSize,
		Usage: pageUsage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "linear: create page")
	}
	m, err := p.device.MapBuffer(buf, 0, p.pageSize)
	if err != nil {
		p.device.DestroyBuffer(buf)
		return nil, errors.Wrap(err, "linear: map page")
	}
	pg := &Page{
		buffer: buf,
		cpu:    unsafe.Slice((*byte)(m.Ptr), p.pageSize),
	}
	p.pages = append(p.pages, pg)
	return pg, nil
}

// release puts pages back on the free list with their cursors reset.
func (p *Pool) release(pages []*Page) {
	if len(pages) == 0 {
		return
	}
	p.mu.Lock()
	for _, pg := range pages {
		pg.offset = 0
		p.free = append(p.free, pg)
	}
	p.mu.Unlock()
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Pages: len(p.pages), FreePages: len(p.free), PageSize: p.pageSize}
}

// Destroy unmaps and destroys every page. The pool must not be used
// afterwards, and no allocator may still hold pages.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pg := range p.pages {
		_ = p.device.UnmapBuffer(pg.buffer)
		p.device.DestroyBuffer(pg.buffer)
	}
	p.pages = nil
	p.free = nil
}
