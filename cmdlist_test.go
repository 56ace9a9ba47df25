package cmdq

import (
	"fmt"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdq/descriptor"
	"github.com/gogpu/cmdq/internal/linear"
	"github.com/gogpu/cmdq/layout"
	"github.com/gogpu/cmdq/state"
)

// submitted submits l, lets the GPU run it and returns the transitions list
// (nil if there was none) and the list as executed.
func submitted(t *testing.T, td *testDevice, l *CommandList) (aux, main *recCmdBuf) {
	t.Helper()
	q := l.Queue()
	v := q.Submit(l)
	if v == 0 {
		t.Fatalf("Submit() failed: %v", td.fatal.list())
	}
	td.advance(q.Kind(), v)
	batch := td.ran.batch(q.Kind(), v)
	switch len(batch) {
	case 1:
		return nil, batch[0]
	case 2:
		return batch[0], batch[1]
	default:
		t.Fatalf("submission ran %d command buffers", len(batch))
		return nil, nil
	}
}

func wantOps(t *testing.T, got *recCmdBuf, want ...string) {
	t.Helper()
	if !slices.Equal(got.ops, want) {
		t.Errorf("%s ops =\n  %q\nwant\n  %q", got.label, got.ops, want)
	}
}

func wantFatal(t *testing.T, td *testDevice, target error) {
	t.Helper()
	errs := td.fatal.list()
	if len(errs) != 1 || !errors.Is(errs[0], target) {
		t.Errorf("fatal errors = %v, want one %v", errs, target)
	}
}

func color(tex *Resource) []ColorTarget {
	return []ColorTarget{{
		Texture: tex,
		Load:    gputypes.LoadOpClear,
		Store:   gputypes.StoreOpStore,
		Clear:   gputypes.Color{A: 1},
	}}
}

func TestTransitionSubresource(t *testing.T) {
	td := newTestDevice(t)
	tex := td.texture(t, "atlas", 16, 16, 2, 3)
	if got := tex.Subresources(); got != 6 {
		t.Fatalf("Subresources() = %d, want 6", got)
	}

	l := td.Queue(QueueGraphics).Acquire()
	l.TransitionSubresource(tex, state.ShaderRead, 1, 2)
	aux, _ := submitted(t, td, l)

	if aux == nil || len(aux.textures) != 1 {
		t.Fatalf("transitions list = %+v, want one texture barrier", aux)
	}
	r := aux.textures[0].Range
	if r.BaseMipLevel != 1 || r.MipLevelCount != 1 || r.BaseArrayLayer != 2 || r.ArrayLayerCount != 1 {
		t.Errorf("barrier range = %+v, want mip 1 layer 2", r)
	}

	e, _ := td.States().Lookup(tex.ID())
	if got := e.At(tex.Subresource(1, 2)); got != state.ShaderRead {
		t.Errorf("state of mip 1 layer 2 = %v, want ShaderRead", got)
	}
	if got := e.At(tex.Subresource(0, 2)); got != state.Common {
		t.Errorf("state of mip 0 layer 2 = %v, want Common", got)
	}
}

func TestUploadTexture(t *testing.T) {
	td := newTestDevice(t)
	tex := td.texture(t, "sprite", 4, 4, 3, 2)

	l := td.Queue(QueueCopy).Acquire()
	l.UploadTexture(tex, 1, 1, make([]byte, 2*2*4), 8)
	aux, main := submitted(t, td, l)

	wantOps(t, main, "copy to texture mip 1 layer 1 2x2")
	if aux == nil || len(aux.textures) != 1 {
		t.Fatalf("transitions list = %+v, want one texture barrier", aux)
	}
	if u := aux.textures[0].Usage; u.NewUsage != state.CopyDst.TextureUsage() {
		t.Errorf("barrier usage = %+v, want CopyDst", u)
	}
}

func TestCopyTexture(t *testing.T) {
	td := newTestDevice(t)
	src := td.texture(t, "src", 8, 8, 3, 1)
	dst := td.texture(t, "dst", 8, 8, 3, 1)

	l := td.Queue(QueueGraphics).Acquire()
	l.CopyTexture(dst, src)
	aux, main := submitted(t, td, l)

	wantOps(t, main, "copy texture 3")
	if aux == nil || len(aux.textures) != 2 {
		t.Fatalf("transitions list = %+v, want a barrier per texture", aux)
	}
}

func TestCopyBufferUsesSmallerSize(t *testing.T) {
	td := newTestDevice(t)
	src := td.buffer(t, "src", 128)
	dst := td.buffer(t, "dst", 64)

	l := td.Queue(QueueCopy).Acquire()
	l.CopyBuffer(dst, src)
	_, main := submitted(t, td, l)
	wantOps(t, main, "copy buffer 64")
}

func TestWrongResourceKind(t *testing.T) {
	td := newTestDevice(t)
	buf := td.buffer(t, "buf", 64)
	tex := td.texture(t, "tex", 8, 8, 1, 1)

	l := td.Queue(QueueGraphics).Acquire()
	l.CopyBuffer(tex, buf)
	wantFatal(t, td, ErrWrongKind)
	td.Queue(QueueGraphics).Submit(l)
}

func TestAllocateUpload(t *testing.T) {
	td := newTestDevice(t)
	l := td.Queue(QueueGraphics).Acquire()

	a := l.AllocateUpload(10, 4)
	b := l.AllocateUpload(16, 256)
	if len(a.CPU) != 10 || len(b.CPU) != 16 {
		t.Errorf("allocation sizes = %d, %d, want 10, 16", len(a.CPU), len(b.CPU))
	}
	if b.Offset%256 != 0 || b.Offset < a.Offset+a.Size {
		t.Errorf("second allocation at %d, want 256-aligned after %d", b.Offset, a.Offset+a.Size)
	}

	if c := l.AllocateUpload(8192, 4); c.Buffer != nil {
		t.Error("AllocateUpload() larger than a page returned memory")
	}
	wantFatal(t, td, linear.ErrAllocationTooLarge)

	gfx := td.Queue(QueueGraphics)
	v := gfx.Submit(l)
	td.advance(QueueGraphics, v)
	flush(t, gfx)
	if s := td.Stats().Linear; s.Pages != 1 || s.FreePages != 1 {
		t.Errorf("linear pool = %v, want its page back", s)
	}
}

func TestBarrierInsideRenderPass(t *testing.T) {
	td := newTestDevice(t)
	buf := td.buffer(t, "vertices", 64)
	rt := td.texture(t, "target", 32, 32, 1, 1)

	l := td.Queue(QueueGraphics).Acquire()
	l.UploadBuffer(buf, 0, make([]byte, 32))
	l.BeginRenderPass(color(rt), nil)
	l.Transition(buf, state.VertexBuffer)
	l.Draw(3, 1, 0, 0)
	wantFatal(t, td, ErrBarrierInPass)
	l.EndRenderPass()

	_, main := submitted(t, td, l)
	wantOps(t, main, "copy buffer 32", "begin render 1", "end render", "buffer barriers 1")
}

// A first use inside a render pass needs no barrier in the list: it is
// resolved at submission.
func TestFirstUseInsideRenderPass(t *testing.T) {
	td := newTestDevice(t)
	buf := td.buffer(t, "vertices", 64)
	rt := td.texture(t, "target", 32, 32, 1, 1)

	l := td.Queue(QueueGraphics).Acquire()
	l.BeginRenderPass(color(rt), nil)
	l.Transition(buf, state.VertexBuffer)
	l.SetVertexBuffer(0, buf, 0)
	l.Draw(3, 1, 0, 0)
	l.EndRenderPass()

	aux, main := submitted(t, td, l)
	if errs := td.fatal.list(); len(errs) != 0 {
		t.Fatalf("fatal errors: %v", errs)
	}
	wantOps(t, main, "begin render 1", "draw 3", "end render")
	if aux == nil || len(aux.buffers) != 1 || len(aux.textures) != 1 {
		t.Fatalf("transitions list = %+v, want the vertex buffer and the target", aux)
	}
	if got := aux.ops; !slices.Equal(got, []string{"buffer barriers 1", "texture barriers 1"}) {
		t.Errorf("transitions list ops = %q, want buffers before textures", got)
	}
}

func TestDrawOutsideRenderPass(t *testing.T) {
	td := newTestDevice(t)
	l := td.Queue(QueueGraphics).Acquire()
	l.Draw(3, 1, 0, 0)
	wantFatal(t, td, ErrListState)
	td.Queue(QueueGraphics).Submit(l)
}

func TestDepthTarget(t *testing.T) {
	td := newTestDevice(t)
	rt := td.texture(t, "color", 32, 32, 1, 1)
	depth, err := td.CreateTexture(&hal.TextureDescriptor{
		Label:         "depth",
		Size:          hal.Extent3D{Width: 32, Height: 32, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatDepth32Float,
		Usage:         gputypes.TextureUsageRenderAttachment,
	}, state.DepthWrite)
	if err != nil {
		t.Fatal(err)
	}

	l := td.Queue(QueueGraphics).Acquire()
	l.BeginRenderPass(color(rt), &DepthTarget{Texture: depth, ReadOnly: true, ClearDepth: 1})
	l.EndRenderPass()
	submitted(t, td, l)

	e, _ := td.States().Lookup(depth.ID())
	if got := e.At(0); got != state.DepthRead {
		t.Errorf("depth state = %v, want DepthRead", got)
	}
}

func graphicsLayout() *layout.PipelineLayout {
	return &layout.PipelineLayout{
		Label: "sprite",
		Parameters: []layout.Parameter{
			layout.Table(gputypes.ShaderStagesAll, layout.Range{Type: layout.RangeShaderResource, Count: 2}),
			layout.Table(gputypes.ShaderStagesAll, layout.Range{Type: layout.RangeSampler, Count: 1}),
		},
	}
}

func TestDrawCommitsDescriptors(t *testing.T) {
	td := newTestDevice(t)
	rt := td.texture(t, "target", 32, 32, 1, 1)
	views := td.AllocateDescriptors(descriptor.HeapResource, 2)
	samplers := td.AllocateDescriptors(descriptor.HeapSampler, 1)

	l := td.Queue(QueueGraphics).Acquire()
	l.SetPipelineLayout(graphicsLayout(), BindGraphics)
	l.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0), views.Handle(1)})
	l.StageDescriptors(1, 0, []descriptor.Handle{samplers.Handle(0)})
	l.BeginRenderPass(color(rt), nil)
	l.Draw(3, 1, 0, 0)
	l.Draw(3, 1, 0, 0)
	l.StageDescriptors(0, 1, []descriptor.Handle{views.Handle(0)})
	l.Draw(6, 1, 0, 0)
	l.EndRenderPass()

	_, main := submitted(t, td, l)
	if errs := td.fatal.list(); len(errs) != 0 {
		t.Fatalf("fatal errors: %v", errs)
	}
	wantOps(t, main,
		"begin render 1",
		"bind 0@[0]", "bind 1@[0]", "draw 3",
		"draw 3",
		fmt.Sprintf("bind 0@[%d]", 2*descriptor.RecordSize), "draw 6",
		"end render")
}

func TestStageDescriptorsErrors(t *testing.T) {
	td := newTestDevice(t)
	views := td.AllocateDescriptors(descriptor.HeapResource, 3)

	l := td.Queue(QueueGraphics).Acquire()
	l.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0)})
	wantFatal(t, td, ErrNoLayout)

	l.SetPipelineLayout(graphicsLayout(), BindGraphics)
	l.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0), views.Handle(1), views.Handle(2)})
	if errs := td.fatal.list(); len(errs) != 2 || !errors.Is(errs[1], descriptor.ErrTableOverflow) {
		t.Errorf("fatal errors = %v, want table overflow", errs)
	}

	bad := &layout.PipelineLayout{Label: "bad", Parameters: []layout.Parameter{
		layout.Table(gputypes.ShaderStagesAll, layout.Range{Type: layout.RangeShaderResource}),
	}}
	l.SetPipelineLayout(bad, BindGraphics)
	if errs := td.fatal.list(); len(errs) != 3 || !errors.Is(errs[2], layout.ErrEmptyRange) {
		t.Errorf("fatal errors = %v, want empty range", errs)
	}
	td.Queue(QueueGraphics).Submit(l)
}

func computeLayout() *layout.PipelineLayout {
	return &layout.PipelineLayout{
		Label: "scale",
		Parameters: []layout.Parameter{
			layout.Table(gputypes.ShaderStageCompute, layout.Range{Type: layout.RangeUnorderedAccess, Count: 1}),
		},
	}
}

// A barrier between dispatches closes the compute pass; the next dispatch
// reopens it and restores the pipeline and tables.
func TestDispatchAcrossBarrier(t *testing.T) {
	td := newTestDevice(t)
	buf := td.buffer(t, "particles", 256)
	uav := td.AllocateDescriptors(descriptor.HeapResource, 1)
	uav.Handle(0).Write(descriptor.Descriptor{Kind: descriptor.KindUnorderedAccess, Buffer: buf.Buffer(), Size: 256})
	pipe, err := td.HAL().CreateComputePipeline(&hal.ComputePipelineDescriptor{})
	if err != nil {
		t.Fatal(err)
	}

	l := td.Queue(QueueCompute).Acquire()
	l.SetComputePipeline(pipe)
	l.SetPipelineLayout(computeLayout(), BindCompute)
	l.StageDescriptors(0, 0, []descriptor.Handle{uav.Handle(0)})
	l.Transition(buf, state.ShaderWrite)
	l.Dispatch(4, 1, 1)
	l.UAVBarrier(buf)
	l.Dispatch(4, 1, 1)

	aux, main := submitted(t, td, l)
	if errs := td.fatal.list(); len(errs) != 0 {
		t.Fatalf("fatal errors: %v", errs)
	}
	wantOps(t, main,
		"begin compute", "pipeline", "bind 0@[0]", "dispatch 4x1x1",
		"end compute", "buffer barriers 1",
		"begin compute", "pipeline", "bind 0@[0]", "dispatch 4x1x1",
		"end compute")
	if u := main.buffers[0].Usage; u.OldUsage != state.ShaderWrite.BufferUsage() || u.NewUsage != state.ShaderWrite.BufferUsage() {
		t.Errorf("UAV barrier = %+v, want ShaderWrite -> ShaderWrite", u)
	}
	if aux == nil || len(aux.buffers) != 1 {
		t.Errorf("transitions list = %+v, want Common -> ShaderWrite", aux)
	}
}

func TestDispatchErrors(t *testing.T) {
	td := newTestDevice(t)
	l := td.Queue(QueueCompute).Acquire()
	l.Dispatch(1, 1, 1)
	wantFatal(t, td, ErrListState)

	pipe, _ := td.HAL().CreateComputePipeline(&hal.ComputePipelineDescriptor{})
	views := td.AllocateDescriptors(descriptor.HeapResource, 2)
	l.SetComputePipeline(pipe)
	l.SetPipelineLayout(graphicsLayout(), BindGraphics)
	l.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0), views.Handle(1)})
	l.Dispatch(1, 1, 1)
	if errs := td.fatal.list(); len(errs) != 2 || !errors.Is(errs[1], ErrListState) {
		t.Errorf("fatal errors = %v, want a bind point mismatch", errs)
	}
	td.Queue(QueueCompute).Submit(l)
}

func TestAliasingBarrier(t *testing.T) {
	td := newTestDevice(t)
	a := td.buffer(t, "a", 64)
	b := td.buffer(t, "b", 64)

	l := td.Queue(QueueGraphics).Acquire()
	l.ClearBuffer(b, 0, 64)
	l.AliasingBarrier(a, b)
	l.FlushBarriers()
	_, main := submitted(t, td, l)

	wantOps(t, main, "clear 0+64", "buffer barriers 1")
	if u := main.buffers[0].Usage; u.NewUsage != state.CopyDst.BufferUsage() {
		t.Errorf("aliasing barrier = %+v, want it to enter the local state", u)
	}
}

func TestListReusedAfterReclaim(t *testing.T) {
	td := newTestDevice(t)
	gfx := td.Queue(QueueGraphics)
	buf := td.buffer(t, "b", 64)
	views := td.AllocateDescriptors(descriptor.HeapResource, 2)
	rt := td.texture(t, "target", 8, 8, 1, 1)

	l := gfx.Acquire()
	l.UploadBuffer(buf, 0, make([]byte, 8))
	l.SetPipelineLayout(graphicsLayout(), BindGraphics)
	l.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0), views.Handle(1)})
	l.BeginRenderPass(color(rt), nil)
	l.Draw(3, 1, 0, 0)
	l.EndRenderPass()
	submitted(t, td, l)
	flush(t, gfx)

	s := td.Stats()
	if s.Pages[0].Pages != 1 || s.Pages[0].FreePages != 1 {
		t.Errorf("resource page pool = %v, want its page back", s.Pages[0])
	}

	again := gfx.Acquire()
	if again != l {
		t.Fatal("Acquire() did not reuse the reclaimed list")
	}
	// The layout was forgotten.
	again.StageDescriptors(0, 0, []descriptor.Handle{views.Handle(0)})
	wantFatal(t, td, ErrNoLayout)
	gfx.Submit(again)
}
