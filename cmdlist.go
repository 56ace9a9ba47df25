package cmdq

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdq/descriptor"
	"github.com/gogpu/cmdq/internal/linear"
	"github.com/gogpu/cmdq/layout"
	"github.com/gogpu/cmdq/state"
)

// Texture uploads are placed at this alignment within upload pages.
const textureUploadAlignment = 512

// Buffer copies and uploads are placed at this alignment.
const copyAlignment = 4

// listState is the lifecycle of a command list.
type listState uint8

const (
	listFree listState = iota
	listRecording
	listClosed
	listInFlight
)

func (s listState) String() string {
	switch s {
	case listFree:
		return "free"
	case listRecording:
		return "recording"
	case listClosed:
		return "closed"
	case listInFlight:
		return "in flight"
	default:
		return fmt.Sprintf("listState(%d)", s)
	}
}

// BindPoint selects the pipeline type a layout is bound for.
type BindPoint uint8

const (
	// BindGraphics binds tables for draws.
	BindGraphics BindPoint = iota
	// BindCompute binds tables for dispatches.
	BindCompute
)

func (b BindPoint) String() string {
	if b == BindCompute {
		return "compute"
	}
	return "graphics"
}

// UploadAllocation is scratch memory written by the CPU and read by the GPU
// until the list that allocated it is reclaimed.
type UploadAllocation = linear.Allocation

// ColorTarget is a color attachment of a render pass.
type ColorTarget struct {
	Texture *Resource
	View    hal.TextureView
	Mip     uint32
	Layer   uint32
	Load    gputypes.LoadOp
	Store   gputypes.StoreOp
	Clear   gputypes.Color
}

// DepthTarget is the depth-stencil attachment of a render pass.
type DepthTarget struct {
	Texture    *Resource
	View       hal.TextureView
	Mip        uint32
	Layer      uint32
	ReadOnly   bool
	Load       gputypes.LoadOp
	Store      gputypes.StoreOp
	ClearDepth float32
}

// computeBind is a table binding to restore when a compute pass reopens.
type computeBind struct {
	group  hal.BindGroup
	offset uint32
}

// CommandList records GPU work for one queue.
//
// A list is obtained from Queue.Acquire, recorded by one goroutine, and
// handed back with Queue.Submit; the queue recycles it once the GPU is done.
// Every operation transitions the resources it touches, and the barriers
// this produces are recorded right before the operation. Transitions of
// resources the list has not seen yet are resolved at submission.
//
// Recording errors (a barrier inside a render pass, an oversized upload, a
// layout too large for the descriptor heaps) are fatal and go to the
// device's fatal handler.
type CommandList struct {
	queue *Queue
	aux   bool
	label string

	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer
	state   listState
	auxList *CommandList

	tracker *state.Tracker
	heaps   [2]*descriptor.DynamicHeap
	upload  *linear.Allocator
	used    map[state.ID]*Resource

	layout    *layout.PipelineLayout
	bindPoint BindPoint

	render          hal.RenderPassEncoder
	compute         hal.ComputePassEncoder
	computePipeline hal.ComputePipeline
	computeBinds    map[uint32]computeBind
}

func newCommandList(q *Queue, aux bool, n int) (*CommandList, error) {
	d := q.dev
	label := fmt.Sprintf("%v list %d", q.kind, n)
	if aux {
		label = fmt.Sprintf("%v transitions %d", q.kind, n)
	}
	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, errors.Wrapf(err, "cmdq: create encoder for %s", label)
	}
	l := &CommandList{
		queue:   q,
		aux:     aux,
		label:   label,
		encoder: enc,
	}
	if aux {
		return l, nil
	}
	l.tracker = state.NewTracker(d.table)
	l.heaps[0] = descriptor.NewDynamicHeap(d.pages[0], d.cfg.StagingDescriptors)
	l.heaps[1] = descriptor.NewDynamicHeap(d.pages[1], d.cfg.StagingDescriptors)
	l.upload = linear.NewAllocator(d.linear)
	l.used = make(map[state.ID]*Resource)
	l.computeBinds = make(map[uint32]computeBind)
	return l, nil
}

func (l *CommandList) String() string { return l.label }

// Queue returns the queue the list records for.
func (l *CommandList) Queue() *Queue { return l.queue }

func (l *CommandList) fail(err error) { l.queue.dev.fail(err) }

// expect asserts the lifecycle state.
func (l *CommandList) expect(s listState) bool {
	if l.state != s {
		l.fail(errors.Wrapf(ErrListState, "%v is %v, want %v", l, l.state, s))
		return false
	}
	return true
}

// ============================================================================
// Lifecycle
// ============================================================================

func (l *CommandList) begin() bool {
	if !l.expect(listFree) {
		return false
	}
	if err := l.encoder.BeginEncoding(l.label); err != nil {
		l.fail(errors.Wrapf(err, "cmdq: begin %v", l))
		return false
	}
	l.state = listRecording
	return true
}

// close ends open passes, flushes the remaining barriers and ends encoding.
func (l *CommandList) close() bool {
	if !l.expect(listRecording) {
		return false
	}
	if !l.aux {
		if l.render != nil {
			l.fail(errors.Wrapf(ErrListState, "%v closed inside a render pass", l))
			return false
		}
		l.FlushBarriers()
		l.endCompute()
	}
	buf, err := l.encoder.EndEncoding()
	if err != nil {
		l.fail(errors.Wrapf(err, "cmdq: end %v", l))
		return false
	}
	l.cmdBuf = buf
	l.state = listClosed
	return true
}

// discard abandons an auxiliary list that recorded nothing.
func (l *CommandList) discard() {
	l.encoder.DiscardEncoding()
	l.state = listFree
}

// reset makes a completed list reusable and returns its auxiliary list,
// which is reset too.
func (l *CommandList) reset() *CommandList {
	if l.cmdBuf != nil {
		l.encoder.ResetAll([]hal.CommandBuffer{l.cmdBuf})
		l.cmdBuf = nil
	}
	l.state = listFree
	aux := l.auxList
	l.auxList = nil
	if aux != nil {
		aux.reset()
	}
	if l.aux {
		return aux
	}
	l.tracker.Reset()
	for _, h := range l.heaps {
		h.Reset()
	}
	l.upload.Reset()
	l.unuse()
	clear(l.computeBinds)
	l.layout = nil
	l.computePipeline = nil
	return aux
}

// destroy releases the HAL encoder of a free list.
func (l *CommandList) destroy() {
	l.encoder.Destroy()
}

// use records that the list references r. Until the list is submitted or
// dropped, r cannot be destroyed.
func (l *CommandList) use(r *Resource) {
	if _, ok := l.used[r.id]; !ok {
		l.used[r.id] = r
		r.recording.Add(1)
	}
}

// unuse drops the references taken by use.
func (l *CommandList) unuse() {
	for _, r := range l.used {
		r.recording.Add(-1)
	}
	clear(l.used)
}

// ============================================================================
// Barriers
// ============================================================================

// Transition requests that every subresource of r be in state s for the
// next operation recorded.
func (l *CommandList) Transition(r *Resource, s state.State) {
	if !l.expect(listRecording) {
		return
	}
	l.use(r)
	l.tracker.Transition(r, s, state.AllSubresources)
}

// TransitionSubresource requests that one mip level of one array layer of a
// texture be in state s.
func (l *CommandList) TransitionSubresource(r *Resource, s state.State, mip, layer uint32) {
	if !l.expect(listRecording) {
		return
	}
	l.use(r)
	l.tracker.Transition(r, s, r.Subresource(mip, layer))
}

// UAVBarrier orders unordered-access writes to r before later accesses.
func (l *CommandList) UAVBarrier(r *Resource) {
	if !l.expect(listRecording) {
		return
	}
	l.use(r)
	l.tracker.UAV(r)
}

// AliasingBarrier records that after takes over memory used by before.
// before may be nil.
func (l *CommandList) AliasingBarrier(before, after *Resource) {
	if !l.expect(listRecording) {
		return
	}
	l.use(after)
	if before == nil {
		l.tracker.Aliasing(nil, after)
		return
	}
	l.use(before)
	l.tracker.Aliasing(before, after)
}

// FlushBarriers records the barriers requested so far. Copies, draws and
// dispatches do this themselves.
func (l *CommandList) FlushBarriers() {
	if l.expect(listRecording) {
		l.flush()
	}
}

// flush records the immediate barriers, closing an open compute pass
// first. It fails if a render pass is open and there is anything to record.
func (l *CommandList) flush() bool {
	if l.render != nil && l.tracker.HasImmediate() {
		l.fail(errors.Wrapf(ErrBarrierInPass, "%v", l))
		return false
	}
	bs := l.tracker.Flush()
	if len(bs) == 0 {
		return true
	}
	l.endCompute()
	l.emit(bs)
	return true
}

// emit records bs into the encoder. Buffer barriers are recorded before
// texture barriers; order within each kind is preserved.
func (l *CommandList) emit(bs []state.Barrier) {
	var (
		bufs []hal.BufferBarrier
		texs []hal.TextureBarrier
	)
	for _, b := range bs {
		r := b.Resource.(*Resource)
		before, after := b.Before, b.After
		switch b.Kind {
		case state.KindUAV:
			before, after = state.ShaderWrite, state.ShaderWrite
		case state.KindAliasing:
			before = state.Unknown
			if e, ok := l.localState(r, b.Subresource); ok {
				after = e
			} else {
				after = state.Common
			}
		}
		if r.buffer != nil {
			bufs = append(bufs, hal.BufferBarrier{
				Buffer: r.buffer,
				Usage:  hal.BufferUsageTransition{OldUsage: before.BufferUsage(), NewUsage: after.BufferUsage()},
			})
			continue
		}
		texs = append(texs, hal.TextureBarrier{
			Texture: r.texture,
			Range:   r.textureRange(b.Subresource),
			Usage:   hal.TextureUsageTransition{OldUsage: before.TextureUsage(), NewUsage: after.TextureUsage()},
		})
	}
	if len(bufs) > 0 {
		l.encoder.TransitionBuffers(bufs)
	}
	if len(texs) > 0 {
		l.encoder.TransitionTextures(texs)
	}
}

// localState returns the state this list last requested for r.
func (l *CommandList) localState(r *Resource, sub uint32) (state.State, bool) {
	if l.tracker == nil {
		return state.Unknown, false
	}
	e, ok := l.tracker.Local(r.id)
	if !ok {
		return state.Unknown, false
	}
	if sub == state.AllSubresources {
		sub = 0
	}
	s := e.At(sub)
	return s, s != state.Unknown
}

// ============================================================================
// Copies and uploads
// ============================================================================

// prepareCopy flushes barriers and leaves no pass open.
func (l *CommandList) prepareCopy() bool {
	if l.render != nil {
		l.fail(errors.Wrapf(ErrListState, "%v: copy inside a render pass", l))
		return false
	}
	l.FlushBarriers()
	l.endCompute()
	return true
}

func (l *CommandList) buffers(rs ...*Resource) bool {
	for _, r := range rs {
		if r.buffer == nil {
			l.fail(errors.Wrapf(ErrWrongKind, "%v: %v is not a buffer", l, r))
			return false
		}
	}
	return true
}

func (l *CommandList) textures(rs ...*Resource) bool {
	for _, r := range rs {
		if r.texture == nil {
			l.fail(errors.Wrapf(ErrWrongKind, "%v: %v is not a texture", l, r))
			return false
		}
	}
	return true
}

// CopyBuffer copies all of src into dst, up to the smaller size.
func (l *CommandList) CopyBuffer(dst, src *Resource) {
	if !l.buffers(dst, src) {
		return
	}
	l.CopyBufferRegion(dst, 0, src, 0, min(dst.size, src.size))
}

// CopyBufferRegion copies size bytes from src at srcOffset to dst at
// dstOffset.
func (l *CommandList) CopyBufferRegion(dst *Resource, dstOffset uint64, src *Resource, srcOffset, size uint64) {
	if !l.expect(listRecording) || !l.buffers(dst, src) {
		return
	}
	l.Transition(dst, state.CopyDst)
	l.Transition(src, state.CopySrc)
	if !l.prepareCopy() {
		return
	}
	l.encoder.CopyBufferToBuffer(src.buffer, dst.buffer, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
}

// CopyTexture copies every subresource of src into dst. Both textures must
// have the same size, mip count and layer count.
func (l *CommandList) CopyTexture(dst, src *Resource) {
	if !l.expect(listRecording) || !l.textures(dst, src) {
		return
	}
	l.Transition(dst, state.CopyDst)
	l.Transition(src, state.CopySrc)
	if !l.prepareCopy() {
		return
	}
	mips := min(dst.mips, src.mips)
	regions := make([]hal.TextureCopy, 0, mips)
	for mip := range mips {
		size := src.mipExtent(mip)
		size.DepthOrArrayLayers = min(dst.layers, src.layers)
		regions = append(regions, hal.TextureCopy{
			SrcBase: hal.ImageCopyTexture{Texture: src.texture, MipLevel: mip, Aspect: gputypes.TextureAspectAll},
			DstBase: hal.ImageCopyTexture{Texture: dst.texture, MipLevel: mip, Aspect: gputypes.TextureAspectAll},
			Size:    size,
		})
	}
	l.encoder.CopyTextureToTexture(src.texture, dst.texture, regions)
}

// ClearBuffer fills size bytes of r at offset with zeros.
func (l *CommandList) ClearBuffer(r *Resource, offset, size uint64) {
	if !l.expect(listRecording) || !l.buffers(r) {
		return
	}
	l.Transition(r, state.CopyDst)
	if !l.prepareCopy() {
		return
	}
	l.encoder.ClearBuffer(r.buffer, offset, size)
}

// AllocateUpload returns size bytes of upload memory aligned to alignment.
// The memory stays valid until the list is reclaimed. A request larger than
// an upload page is fatal.
func (l *CommandList) AllocateUpload(size, alignment uint64) UploadAllocation {
	if !l.expect(listRecording) {
		return UploadAllocation{}
	}
	a, err := l.upload.Allocate(size, alignment)
	if err != nil {
		l.fail(errors.Wrapf(err, "%v", l))
		return UploadAllocation{}
	}
	return a
}

// UploadBuffer copies data into dst at offset through upload memory.
func (l *CommandList) UploadBuffer(dst *Resource, offset uint64, data []byte) {
	if !l.buffers(dst) {
		return
	}
	a := l.AllocateUpload(uint64(len(data)), copyAlignment)
	if a.Buffer == nil {
		return
	}
	copy(a.CPU, data)
	l.Transition(dst, state.CopyDst)
	if !l.prepareCopy() {
		return
	}
	l.encoder.CopyBufferToBuffer(a.Buffer, dst.buffer, []hal.BufferCopy{{
		SrcOffset: a.Offset,
		DstOffset: offset,
		Size:      a.Size,
	}})
}

// UploadTexture copies data into one mip level of one array layer of dst.
// bytesPerRow is the row pitch of data.
func (l *CommandList) UploadTexture(dst *Resource, mip, layer uint32, data []byte, bytesPerRow uint32) {
	if !l.textures(dst) {
		return
	}
	a := l.AllocateUpload(uint64(len(data)), textureUploadAlignment)
	if a.Buffer == nil {
		return
	}
	copy(a.CPU, data)
	l.TransitionSubresource(dst, state.CopyDst, mip, layer)
	if !l.prepareCopy() {
		return
	}
	size := dst.mipExtent(mip)
	l.encoder.CopyBufferToTexture(a.Buffer, dst.texture, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       a.Offset,
			BytesPerRow:  bytesPerRow,
			RowsPerImage: size.Height,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  dst.texture,
			MipLevel: mip,
			Origin:   hal.Origin3D{Z: layer},
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: size,
	}})
}

// ============================================================================
// Descriptors
// ============================================================================

// SetPipelineLayout sets the layout whose tables later StageDescriptors
// calls fill, for the given bind point. Staged descriptors are discarded.
func (l *CommandList) SetPipelineLayout(pl *layout.PipelineLayout, bp BindPoint) {
	if !l.expect(listRecording) {
		return
	}
	if err := pl.Validate(); err != nil {
		l.fail(errors.Wrapf(err, "%v", l))
		return
	}
	for _, h := range l.heaps {
		if err := h.ParseLayout(pl); err != nil {
			l.fail(errors.Wrapf(err, "%v", l))
			return
		}
	}
	l.layout = pl
	l.bindPoint = bp
	clear(l.computeBinds)
}

// StageDescriptors copies handles into the table at slot starting at
// offset. They are copied to the GPU at the next draw or dispatch.
func (l *CommandList) StageDescriptors(slot, offset uint32, handles []descriptor.Handle) {
	if !l.expect(listRecording) {
		return
	}
	if l.layout == nil {
		l.fail(errors.Wrapf(ErrNoLayout, "%v: stage slot %d", l, slot))
		return
	}
	h := l.heaps[0]
	if int(slot) < len(l.layout.Parameters) && l.layout.Parameters[slot].IsSamplerTable() {
		h = l.heaps[1]
	}
	if err := h.Stage(slot, offset, handles); err != nil {
		l.fail(errors.Wrapf(err, "%v", l))
	}
}

// commitDescriptors copies dirty tables to the GPU and binds them.
func (l *CommandList) commitDescriptors(bp BindPoint, b descriptor.TableBinder) bool {
	if l.layout == nil {
		return true
	}
	if l.bindPoint != bp {
		l.fail(errors.Wrapf(ErrListState, "%v: %v layout used for %v work", l, l.bindPoint, bp))
		return false
	}
	for _, h := range l.heaps {
		if err := h.Commit(b); err != nil {
			l.fail(errors.Wrapf(err, "%v", l))
			return false
		}
	}
	return true
}

// ============================================================================
// Graphics
// ============================================================================

// BeginRenderPass transitions the attachments and opens a render pass.
// depth may be nil. No barriers may be recorded until EndRenderPass.
func (l *CommandList) BeginRenderPass(colors []ColorTarget, depth *DepthTarget) {
	if !l.expect(listRecording) {
		return
	}
	if l.render != nil {
		l.fail(errors.Wrapf(ErrListState, "%v: render pass already open", l))
		return
	}
	desc := &hal.RenderPassDescriptor{Label: l.label}
	for _, c := range colors {
		if !l.textures(c.Texture) {
			return
		}
		l.TransitionSubresource(c.Texture, state.RenderTarget, c.Mip, c.Layer)
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       c.View,
			LoadOp:     c.Load,
			StoreOp:    c.Store,
			ClearValue: c.Clear,
		})
	}
	if depth != nil {
		if !l.textures(depth.Texture) {
			return
		}
		s := state.DepthWrite
		if depth.ReadOnly {
			s = state.DepthRead
		}
		l.TransitionSubresource(depth.Texture, s, depth.Mip, depth.Layer)
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            depth.View,
			DepthLoadOp:     depth.Load,
			DepthStoreOp:    depth.Store,
			DepthClearValue: depth.ClearDepth,
			DepthReadOnly:   depth.ReadOnly,
		}
	}
	l.FlushBarriers()
	l.endCompute()
	l.render = l.encoder.BeginRenderPass(desc)
}

// EndRenderPass closes the open render pass.
func (l *CommandList) EndRenderPass() {
	if l.render == nil {
		l.fail(errors.Wrapf(ErrListState, "%v: no render pass open", l))
		return
	}
	l.render.End()
	l.render = nil
}

func (l *CommandList) inRenderPass(op string) bool {
	if !l.expect(listRecording) {
		return false
	}
	if l.render == nil {
		l.fail(errors.Wrapf(ErrListState, "%v: %s outside a render pass", l, op))
		return false
	}
	return true
}

// SetRenderPipeline binds a render pipeline.
func (l *CommandList) SetRenderPipeline(p hal.RenderPipeline) {
	if l.inRenderPass("SetRenderPipeline") {
		l.render.SetPipeline(p)
	}
}

// SetVertexBuffer binds r at offset to a vertex buffer slot. r must already
// be in the VertexBuffer state.
func (l *CommandList) SetVertexBuffer(slot uint32, r *Resource, offset uint64) {
	if l.inRenderPass("SetVertexBuffer") && l.buffers(r) {
		l.use(r)
		l.render.SetVertexBuffer(slot, r.buffer, offset)
	}
}

// SetIndexBuffer binds r at offset as the index buffer. r must already be
// in the IndexBuffer state.
func (l *CommandList) SetIndexBuffer(r *Resource, format gputypes.IndexFormat, offset uint64) {
	if l.inRenderPass("SetIndexBuffer") && l.buffers(r) {
		l.use(r)
		l.render.SetIndexBuffer(r.buffer, format, offset)
	}
}

// bindGraphics binds a committed table to the render pass.
func (l *CommandList) bindGraphics(slot uint32, t descriptor.GPUHandle) {
	if g := t.Page.BindGroup(); g != nil {
		l.render.SetBindGroup(slot, g, []uint32{t.ByteOffset()})
	}
}

func (l *CommandList) prepareDraw() bool {
	if !l.inRenderPass("draw") || !l.flush() {
		return false
	}
	return l.commitDescriptors(BindGraphics, descriptor.TableBinderFunc(l.bindGraphics))
}

// Draw records a non-indexed draw.
func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if l.prepareDraw() {
		l.render.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// DrawIndexed records an indexed draw.
func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if l.prepareDraw() {
		l.render.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	}
}

// ============================================================================
// Compute
// ============================================================================

// SetComputePipeline sets the pipeline used by later dispatches.
func (l *CommandList) SetComputePipeline(p hal.ComputePipeline) {
	if !l.expect(listRecording) {
		return
	}
	l.computePipeline = p
	if l.compute != nil {
		l.compute.SetPipeline(p)
	}
}

// ensureCompute opens a compute pass and restores its bindings.
func (l *CommandList) ensureCompute() {
	if l.compute != nil {
		return
	}
	l.compute = l.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: l.label})
	if l.computePipeline != nil {
		l.compute.SetPipeline(l.computePipeline)
	}
	for slot, b := range l.computeBinds {
		l.compute.SetBindGroup(slot, b.group, []uint32{b.offset})
	}
}

// endCompute closes the compute pass if one is open.
func (l *CommandList) endCompute() {
	if l.compute != nil {
		l.compute.End()
		l.compute = nil
	}
}

func (l *CommandList) bindCompute(slot uint32, t descriptor.GPUHandle) {
	g := t.Page.BindGroup()
	if g == nil {
		return
	}
	b := computeBind{group: g, offset: t.ByteOffset()}
	l.computeBinds[slot] = b
	l.compute.SetBindGroup(slot, b.group, []uint32{b.offset})
}

// Dispatch records a compute dispatch.
func (l *CommandList) Dispatch(x, y, z uint32) {
	if !l.expect(listRecording) {
		return
	}
	if l.render != nil {
		l.fail(errors.Wrapf(ErrListState, "%v: dispatch inside a render pass", l))
		return
	}
	if l.computePipeline == nil {
		l.fail(errors.Wrapf(ErrListState, "%v: dispatch without a compute pipeline", l))
		return
	}
	l.FlushBarriers()
	l.ensureCompute()
	if !l.commitDescriptors(BindCompute, descriptor.TableBinderFunc(l.bindCompute)) {
		return
	}
	l.compute.Dispatch(x, y, z)
}
