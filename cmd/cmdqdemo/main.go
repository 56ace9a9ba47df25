// Command cmdqdemo drives the cmdq submission layer through a few frames of
// copy, compute and graphics work on the noop HAL backend and prints the
// resulting bookkeeping.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/cmdq"
	"github.com/gogpu/cmdq/descriptor"
	"github.com/gogpu/cmdq/hw"
	"github.com/gogpu/cmdq/state"
)

const particleShader = `
@group(0) @binding(0) var<storage, read_write> particles: array<vec4<f32>>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    particles[id.x] = particles[id.x] + vec4<f32>(0.0, -0.01, 0.0, 0.0);
}
`

func main() {
	var (
		frames   = flag.Int("frames", 3, "number of frames to record")
		backend  = flag.String("backend", hw.BackendHAL, "timeline backend ("+strings.Join(hw.Available(), ", ")+")")
		deferred = flag.Bool("deferred", false, "release resources once the GPU is done with them")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	cmdq.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := []cmdq.Option{
		cmdq.WithTimelineBackend(*backend),
		cmdq.WithFatalHandler(func(err error) { log.Fatalf("fatal: %+v", err) }),
	}
	if *deferred {
		opts = append(opts, cmdq.WithDeferredRelease())
	}
	dev, err := cmdq.Open(&noop.Device{}, &noop.Queue{}, opts...)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}

	s, err := newScene(dev)
	if err != nil {
		log.Fatalf("Failed to create scene: %v", err)
	}
	for i := range *frames {
		if err := s.frame(i); err != nil {
			log.Fatalf("Frame %d: %v", i, err)
		}
	}
	s.destroy()

	log.Print(dev.Stats())
	if err := dev.Close(); err != nil {
		log.Fatalf("Failed to close device: %v", err)
	}
}

// scene holds the resources the demo frames use.
type scene struct {
	dev       *cmdq.Device
	vertices  *cmdq.Resource
	particles *cmdq.Resource
	target    *cmdq.Resource
	views     descriptor.Allocation
	pipeline  hal.ComputePipeline
	fence     uint64
}

func newScene(dev *cmdq.Device) (*scene, error) {
	s := &scene{dev: dev}
	var err error
	s.vertices, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "vertices",
		Size:  3 * 16,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	}, state.Common)
	if err != nil {
		return nil, err
	}
	s.particles, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "particles",
		Size:  1024 * 16,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	}, state.Common)
	if err != nil {
		return nil, err
	}
	s.target, err = dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "target",
		Size:          hal.Extent3D{Width: 256, Height: 256, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}, state.Common)
	if err != nil {
		return nil, err
	}
	s.pipeline, err = dev.HAL().CreateComputePipeline(&hal.ComputePipelineDescriptor{Label: "particles"})
	if err != nil {
		return nil, err
	}
	s.views = dev.AllocateDescriptors(descriptor.HeapResource, 1)
	s.views.Handle(0).Write(descriptor.Descriptor{
		Kind:   descriptor.KindUnorderedAccess,
		Buffer: s.particles.Buffer(),
		Size:   s.particles.Size(),
	})
	return s, nil
}

// frame uploads vertices on the copy queue, simulates particles on the
// compute queue and draws both on the graphics queue.
func (s *scene) frame(n int) error {
	copyQ := s.dev.Queue(cmdq.QueueCopy)
	computeQ := s.dev.Queue(cmdq.QueueCompute)
	gfx := s.dev.Queue(cmdq.QueueGraphics)

	// The previous frame may still read the vertices.
	if s.fence != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := gfx.Wait(ctx, s.fence)
		cancel()
		if err != nil {
			return err
		}
	}

	up := copyQ.Acquire()
	data := make([]byte, s.vertices.Size())
	data[0] = byte(n)
	up.UploadBuffer(s.vertices, 0, data)
	copyQ.Submit(up)

	layout, err := s.dev.ReflectLayout("particles", particleShader)
	if err != nil {
		return err
	}
	sim := computeQ.Acquire()
	sim.SetComputePipeline(s.pipeline)
	sim.SetPipelineLayout(layout, cmdq.BindCompute)
	sim.StageDescriptors(0, 0, []descriptor.Handle{s.views.Handle(0)})
	sim.Transition(s.particles, state.ShaderWrite)
	sim.Dispatch(16, 1, 1)
	sim.UAVBarrier(s.particles)
	sim.Dispatch(16, 1, 1)
	computeQ.Submit(sim)

	gfx.WaitFor(copyQ)
	gfx.WaitFor(computeQ)
	draw := gfx.Acquire()
	draw.Transition(s.vertices, state.VertexBuffer)
	draw.Transition(s.particles, state.VertexBuffer)
	draw.BeginRenderPass([]cmdq.ColorTarget{{
		Texture: s.target,
		Load:    gputypes.LoadOpClear,
		Store:   gputypes.StoreOpStore,
		Clear:   gputypes.Color{R: 0.1, G: 0.1, B: 0.2, A: 1},
	}}, nil)
	draw.SetVertexBuffer(0, s.vertices, 0)
	draw.SetVertexBuffer(1, s.particles, 0)
	draw.Draw(3, 1024, 0, 0)
	draw.EndRenderPass()
	draw.Transition(s.target, state.ShaderRead)
	s.fence = gfx.Submit(draw)

	log.Printf("Frame %d submitted (graphics fence %d)", n, s.fence)
	return nil
}

func (s *scene) destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.dev.Queue(cmdq.QueueGraphics).Wait(ctx, s.fence); err != nil {
		log.Printf("Wait for last frame: %v", err)
	}
	if err := s.dev.Flush(); err != nil {
		log.Printf("Flush: %v", err)
	}
	s.views.Free(s.fence)
	s.dev.ReleaseStaleDescriptors(s.fence)
	s.vertices.Destroy()
	s.particles.Destroy()
	s.target.Destroy()
	s.dev.HAL().DestroyComputePipeline(s.pipeline)
}
