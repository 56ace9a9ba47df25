package cmdq

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdq/state"
)

// Resource is a buffer or texture created by a Device. Its state is tracked
// across command lists and queues, and it remembers the last fence value of
// every queue that used it so destruction can be checked or deferred.
type Resource struct {
	dev   *Device
	id    state.ID
	label string

	buffer hal.Buffer
	size   uint64

	texture hal.Texture
	extent  hal.Extent3D
	format  gputypes.TextureFormat
	mips    uint32
	layers  uint32

	lastUse   [numQueueKinds]atomic.Uint64
	recording atomic.Int32 // unsubmitted lists referencing r
	destroyed atomic.Bool
}

// ID implements state.Resource.
func (r *Resource) ID() state.ID { return r.id }

// Subresources implements state.Resource. Buffers have one; textures have
// one per mip level and array layer.
func (r *Resource) Subresources() int {
	if r.texture == nil {
		return 1
	}
	return int(r.mips * r.layers)
}

// Label returns the debug label given at creation.
func (r *Resource) Label() string { return r.label }

// Buffer returns the HAL buffer, nil for textures.
func (r *Resource) Buffer() hal.Buffer { return r.buffer }

// Texture returns the HAL texture, nil for buffers.
func (r *Resource) Texture() hal.Texture { return r.texture }

// Size returns the byte size of a buffer.
func (r *Resource) Size() uint64 { return r.size }

// MipLevels returns the number of mip levels of a texture.
func (r *Resource) MipLevels() uint32 { return r.mips }

// ArrayLayers returns the number of array layers of a texture.
func (r *Resource) ArrayLayers() uint32 { return r.layers }

// Subresource returns the tracking index of one mip level of one array layer.
func (r *Resource) Subresource(mip, layer uint32) uint32 {
	return mip + layer*r.mips
}

// mipExtent returns the size of a mip level, one layer deep.
func (r *Resource) mipExtent(mip uint32) hal.Extent3D {
	return hal.Extent3D{
		Width:              max(r.extent.Width>>mip, 1),
		Height:             max(r.extent.Height>>mip, 1),
		DepthOrArrayLayers: 1,
	}
}

// textureRange returns the HAL range covering sub.
func (r *Resource) textureRange(sub uint32) hal.TextureRange {
	if sub == state.AllSubresources {
		return hal.TextureRange{
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   r.mips,
			ArrayLayerCount: r.layers,
		}
	}
	return hal.TextureRange{
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    sub % r.mips,
		MipLevelCount:   1,
		BaseArrayLayer:  sub / r.mips,
		ArrayLayerCount: 1,
	}
}

// markUsed records that work signaled by value on queue kind uses r.
func (r *Resource) markUsed(kind QueueKind, value uint64) {
	last := &r.lastUse[kind]
	for {
		old := last.Load()
		if old >= value || last.CompareAndSwap(old, value) {
			return
		}
	}
}

// busy returns a queue whose recorded use of r has not completed yet.
func (r *Resource) busy() (QueueKind, uint64, bool) {
	for k := range numQueueKinds {
		v := r.lastUse[k].Load()
		if v != 0 && v > r.dev.queues[k].Completed() {
			return k, v, true
		}
	}
	return 0, 0, false
}

// Destroy releases the resource.
//
// By default nothing may still use it: destroying a resource that an
// unsubmitted command list records, or that submitted work has not finished
// with, is a fatal ErrResourceInFlight and the resource is kept. With
// WithDeferredRelease the resource is instead released once those lists are
// submitted and every queue that used it has completed that work. Destroy
// is idempotent.
func (r *Resource) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	d := r.dev
	if d.opts.deferred {
		d.bury(r)
		return
	}
	if n := r.recording.Load(); n > 0 {
		r.destroyed.Store(false)
		d.fail(errors.Wrapf(ErrResourceInFlight, "%v recorded by %d unsubmitted command lists", r, n))
		return
	}
	if k, v, busy := r.busy(); busy {
		r.destroyed.Store(false)
		d.fail(errors.Wrapf(ErrResourceInFlight, "%v used by %v queue fence %d (completed %d)",
			r, k, v, d.queues[k].Completed()))
		return
	}
	r.release()
}

// release destroys the HAL object and forgets the resource state.
func (r *Resource) release() {
	d := r.dev
	d.table.Remove(r.id)
	if r.buffer != nil {
		d.hal.DestroyBuffer(r.buffer)
	}
	if r.texture != nil {
		d.hal.DestroyTexture(r.texture)
	}
}

func (r *Resource) String() string {
	kind := "buffer"
	if r.texture != nil {
		kind = "texture"
	}
	if r.label == "" {
		return fmt.Sprintf("%s#%d", kind, r.id)
	}
	return fmt.Sprintf("%s#%d(%q)", kind, r.id, r.label)
}
