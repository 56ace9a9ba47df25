// Package descriptor manages descriptors: small records telling shaders
// where a resource lives.
//
// Descriptors are created in CPU-visible pages by a persistent [Allocator]
// and stay there for the life of the resource view they describe. Before a
// draw or dispatch the descriptors a pipeline needs are copied into a
// shader-visible [GPUPage] by the per-context [DynamicHeap], which binds the
// copied range to the pipeline's descriptor table slots.
package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// HeapType is a class of descriptor storage. Descriptors of different heap
// types are never mixed in one page.
type HeapType uint8

const (
	// HeapResource holds constant buffer, shader resource and unordered access views.
	HeapResource HeapType = iota
	// HeapSampler holds samplers.
	HeapSampler
	// HeapRenderTarget holds render target views.
	HeapRenderTarget
	// HeapDepthStencil holds depth-stencil views.
	HeapDepthStencil

	// NumHeapTypes is the number of heap types.
	NumHeapTypes
)

func (h HeapType) String() string {
	switch h {
	case HeapResource:
		return "Resource"
	case HeapSampler:
		return "Sampler"
	case HeapRenderTarget:
		return "RenderTarget"
	case HeapDepthStencil:
		return "DepthStencil"
	default:
		return fmt.Sprintf("HeapType(%d)", h)
	}
}

// ShaderVisible reports whether descriptors of this type can be bound to
// pipeline tables.
func (h HeapType) ShaderVisible() bool {
	return h == HeapResource || h == HeapSampler
}

// Kind is the type of view a descriptor describes.
type Kind uint8

const (
	KindNone Kind = iota
	KindConstantBuffer
	KindShaderResource
	KindUnorderedAccess
	KindSampler
	KindRenderTarget
	KindDepthStencil
)

// Heap returns the heap type descriptors of kind k live in.
func (k Kind) Heap() HeapType {
	switch k {
	case KindSampler:
		return HeapSampler
	case KindRenderTarget:
		return HeapRenderTarget
	case KindDepthStencil:
		return HeapDepthStencil
	default:
		return HeapResource
	}
}

// Descriptor describes one view. Buffer views use Buffer, Offset and Size;
// texture views use View; samplers use Sampler.
type Descriptor struct {
	Kind    Kind
	Buffer  hal.Buffer
	Offset  uint64
	Size    uint64
	View    hal.TextureView
	Sampler hal.Sampler
}

// RecordSize is the size in bytes of one descriptor in a shader-visible page.
const RecordSize = 32

// encode writes the shader-visible record of d into dst:
// kind (u32), reserved (u32), native handle (u64), offset (u64), size (u64).
func (d Descriptor) encode(dst []byte) {
	var handle uintptr
	switch {
	case d.Buffer != nil:
		handle = d.Buffer.NativeHandle()
	case d.View != nil:
		handle = d.View.NativeHandle()
	case d.Sampler != nil:
		handle = d.Sampler.NativeHandle()
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(d.Kind))
	binary.LittleEndian.PutUint32(dst[4:], 0)
	binary.LittleEndian.PutUint64(dst[8:], uint64(handle))
	binary.LittleEndian.PutUint64(dst[16:], d.Offset)
	binary.LittleEndian.PutUint64(dst[24:], d.Size)
}
