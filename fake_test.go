package cmdq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/cmdq/hw"
	"github.com/gogpu/cmdq/state"
)

// recDevice is a noop HAL device whose command encoders record what they
// are asked to do.
type recDevice struct {
	noop.Device
}

func (d *recDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return &recEncoder{label: desc.Label}, nil
}

// recCmdBuf is the command buffer a recEncoder produces.
type recCmdBuf struct {
	label    string
	ops      []string
	buffers  []hal.BufferBarrier
	textures []hal.TextureBarrier
}

func (*recCmdBuf) Destroy() {}

// barriers returns the number of buffer and texture barriers recorded.
func (c *recCmdBuf) barriers() int { return len(c.buffers) + len(c.textures) }

type recEncoder struct {
	noop.CommandEncoder
	label string
	cur   *recCmdBuf
}

func (e *recEncoder) BeginEncoding(label string) error {
	e.cur = &recCmdBuf{label: label}
	return nil
}

func (e *recEncoder) EndEncoding() (hal.CommandBuffer, error) {
	c := e.cur
	e.cur = nil
	return c, nil
}

func (e *recEncoder) DiscardEncoding() { e.cur = nil }

func (e *recEncoder) op(format string, args ...any) {
	e.cur.ops = append(e.cur.ops, fmt.Sprintf(format, args...))
}

func (e *recEncoder) TransitionBuffers(bs []hal.BufferBarrier) {
	e.cur.buffers = append(e.cur.buffers, bs...)
	e.op("buffer barriers %d", len(bs))
}

func (e *recEncoder) TransitionTextures(bs []hal.TextureBarrier) {
	e.cur.textures = append(e.cur.textures, bs...)
	e.op("texture barriers %d", len(bs))
}

func (e *recEncoder) ClearBuffer(_ hal.Buffer, offset, size uint64) {
	e.op("clear %d+%d", offset, size)
}

func (e *recEncoder) CopyBufferToBuffer(_, _ hal.Buffer, regions []hal.BufferCopy) {
	e.op("copy buffer %d", regions[0].Size)
}

func (e *recEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, regions []hal.BufferTextureCopy) {
	r := regions[0]
	e.op("copy to texture mip %d layer %d %dx%d", r.TextureBase.MipLevel, r.TextureBase.Origin.Z, r.Size.Width, r.Size.Height)
}

func (e *recEncoder) CopyTextureToTexture(_, _ hal.Texture, regions []hal.TextureCopy) {
	e.op("copy texture %d", len(regions))
}

func (e *recEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	e.op("begin render %d", len(desc.ColorAttachments))
	return &recRenderPass{enc: e}
}

func (e *recEncoder) BeginComputePass(*hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.op("begin compute")
	return &recComputePass{enc: e}
}

type recRenderPass struct {
	noop.RenderPassEncoder
	enc *recEncoder
}

func (p *recRenderPass) End() { p.enc.op("end render") }

func (p *recRenderPass) SetBindGroup(slot uint32, _ hal.BindGroup, offsets []uint32) {
	p.enc.op("bind %d@%v", slot, offsets)
}

func (p *recRenderPass) Draw(vertices, _, _, _ uint32) { p.enc.op("draw %d", vertices) }

type recComputePass struct {
	noop.ComputePassEncoder
	enc *recEncoder
}

func (p *recComputePass) End() { p.enc.op("end compute") }

func (p *recComputePass) SetPipeline(hal.ComputePipeline) { p.enc.op("pipeline") }

func (p *recComputePass) SetBindGroup(slot uint32, _ hal.BindGroup, offsets []uint32) {
	p.enc.op("bind %d@%v", slot, offsets)
}

func (p *recComputePass) Dispatch(x, y, z uint32) { p.enc.op("dispatch %dx%dx%d", x, y, z) }

// fatals collects errors passed to the fatal handler.
type fatals struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatals) handle(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fatals) list() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

type batchKey struct {
	kind  QueueKind
	value uint64
}

// executed collects the command buffers the soft timelines ran.
type executed struct {
	mu      sync.Mutex
	batches map[batchKey][]*recCmdBuf
}

func (x *executed) recorder(kind QueueKind) func(uint64, []hal.CommandBuffer) {
	return func(value uint64, cmds []hal.CommandBuffer) {
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.batches == nil {
			x.batches = make(map[batchKey][]*recCmdBuf)
		}
		k := batchKey{kind, value}
		for _, c := range cmds {
			x.batches[k] = append(x.batches[k], c.(*recCmdBuf))
		}
	}
}

// batch returns the command buffers of the submission that signaled value
// on the queue of the given kind.
func (x *executed) batch(kind QueueKind, value uint64) []*recCmdBuf {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.batches[batchKey{kind, value}]
}

// testDevice is a device over recDevice with manual timelines.
type testDevice struct {
	*Device
	timelines [numQueueKinds]*hw.Soft
	fatal     *fatals
	ran       *executed
}

func newTestDevice(t *testing.T, opts ...Option) *testDevice {
	t.Helper()
	td := &testDevice{fatal: &fatals{}, ran: &executed{}}
	all := []Option{
		WithFatalHandler(td.fatal.handle),
		WithConfig(Config{
			LinearPageSize:  4096,
			DynamicPageSize: 64,
		}),
	}
	for k := range numQueueKinds {
		td.timelines[k] = hw.NewSoft(hw.ManualCompletion(), hw.OnExecute(td.ran.recorder(k)))
		all = append(all, WithTimeline(k, td.timelines[k]))
	}
	dev, err := Open(&recDevice{}, nil, append(all, opts...)...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	td.Device = dev
	t.Cleanup(func() {
		td.complete()
		if err := dev.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return td
}

// complete lets the GPU finish everything submitted so far.
func (td *testDevice) complete() {
	for range numQueueKinds {
		for _, tl := range td.timelines {
			tl.Advance(^uint64(0))
		}
	}
}

// advance completes the queue's work up to value.
func (td *testDevice) advance(kind QueueKind, value uint64) {
	td.timelines[kind].Advance(value)
}

func (td *testDevice) buffer(t *testing.T, label string, size uint64) *Resource {
	t.Helper()
	r, err := td.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage | gputypes.BufferUsageVertex,
	}, state.Common)
	if err != nil {
		t.Fatalf("CreateBuffer(%q) error = %v", label, err)
	}
	return r
}

func (td *testDevice) texture(t *testing.T, label string, w, h, mips, layers uint32) *Resource {
	t.Helper()
	r, err := td.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: layers},
		MipLevelCount: mips,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment,
	}, state.Common)
	if err != nil {
		t.Fatalf("CreateTexture(%q) error = %v", label, err)
	}
	return r
}

// flush waits for the queue to reclaim everything, failing the test after
// a second.
func flush(t *testing.T, q *Queue) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- q.Flush() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush() did not return")
	}
}

func wait(t *testing.T, q *Queue, value uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Wait(ctx, value); err != nil {
		t.Fatalf("Wait(%d) error = %v", value, err)
	}
}
