package cmdq

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/cmdq/descriptor"
	"github.com/gogpu/cmdq/hw"
	"github.com/gogpu/cmdq/internal/linear"
	"github.com/gogpu/cmdq/layout"
	"github.com/gogpu/cmdq/state"
)

// layoutCacheSize bounds the number of reflected pipeline layouts kept.
const layoutCacheSize = 128

// deferredBacklog is the graveyard size above which a warning is logged.
const deferredBacklog = 4096

// Device is the explicit context every queue, list and resource hangs off.
// It replaces process-wide state: several devices may coexist.
//
// Device is safe for concurrent use.
type Device struct {
	hal  hal.Device
	cfg  Config
	opts deviceOptions
	log  *slog.Logger

	table    *state.Table
	submitMu sync.Mutex
	queues   [numQueueKinds]*Queue

	persistent [descriptor.NumHeapTypes]*descriptor.Allocator
	pages      [2]*descriptor.PagePool // resource, sampler
	pageLayout hal.BindGroupLayout
	linear     *linear.Pool
	layouts    *layout.Cache

	nextID atomic.Uint64

	graveMu   sync.Mutex
	graveyard []*Resource

	closed atomic.Bool
}

// Open creates a device over a HAL device and queue.
//
// Queue timelines come from WithTimeline, else from the backend selected by
// WithTimelineBackend, else from the highest-priority registered backend.
// queue may be nil when no timeline needs it.
func Open(dev hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.fatal == nil {
		o.fatal = defaultFatal
	}

	d := &Device{
		hal:   dev,
		cfg:   o.config.withDefaults(),
		opts:  o,
		log:   o.logger,
		table: state.NewTable(),
	}

	timelines, err := d.timelines(queue)
	if err != nil {
		return nil, err
	}

	d.pageLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "descriptor page",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStagesAll,
			Buffer: &gputypes.BufferBindingLayout{
				Type:             gputypes.BufferBindingTypeReadOnlyStorage,
				HasDynamicOffset: true,
			},
		}},
	})
	if err != nil {
		closeTimelines(timelines)
		return nil, errors.Wrap(err, "cmdq: create descriptor page layout")
	}

	for h := range descriptor.NumHeapTypes {
		d.persistent[h] = descriptor.NewAllocator(h, d.cfg.PersistentPageSize)
	}
	d.pages[0] = descriptor.NewPagePool(descriptor.HeapResource, d.cfg.DynamicPageSize, d.createPageBacking)
	d.pages[1] = descriptor.NewPagePool(descriptor.HeapSampler, d.cfg.DynamicPageSize, d.createPageBacking)
	d.linear = linear.NewPool(dev, d.cfg.LinearPageSize)
	d.layouts = layout.NewCache(layoutCacheSize)

	for k := range numQueueKinds {
		d.queues[k] = newQueue(d, k, timelines[k])
	}

	d.logger().Info("cmdq: device opened", "config", d.cfg.String())
	return d, nil
}

// OpenProvider creates a device from a gpucontext.DeviceProvider whose
// Device and Queue are HAL objects.
func OpenProvider(p gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	dev, ok := p.Device().(hal.Device)
	if !ok {
		return nil, errors.Wrapf(ErrNoHALDevice, "device is %T", p.Device())
	}
	queue, ok := p.Queue().(hal.Queue)
	if !ok {
		return nil, errors.Wrapf(ErrNoHALDevice, "queue is %T", p.Queue())
	}
	d, err := Open(dev, queue, opts...)
	if err != nil {
		return nil, err
	}
	info := p.AdapterInfo()
	d.logger().Info("cmdq: adapter", "name", info.Name, "type", info.Type.String())
	return d, nil
}

// timelines builds the timeline of every queue.
func (d *Device) timelines(queue hal.Queue) ([numQueueKinds]hw.Timeline, error) {
	out := d.opts.timelines
	var shared *hw.HALQueue
	if queue != nil {
		shared = hw.NewHALQueue(queue, d.cfg.PollInterval, d.cfg.MaxPollInterval)
	}
	name := d.opts.backend
	for k := range numQueueKinds {
		if out[k] != nil {
			continue
		}
		var f hw.Factory
		if name == "" {
			name, f = hw.Default()
		} else {
			f, _ = hw.Lookup(name)
		}
		if f == nil {
			closeTimelines(out)
			return out, errors.Wrapf(ErrUnknownBackend, "%q (available: %s)",
				name, strings.Join(hw.Available(), ", "))
		}
		if name == hw.BackendHAL && shared == nil {
			closeTimelines(out)
			return out, errors.Newf("cmdq: %v queue needs a HAL queue for backend %q", k, name)
		}
		out[k] = f(shared)
	}
	return out, nil
}

func closeTimelines(ts [numQueueKinds]hw.Timeline) {
	for _, t := range ts {
		if t != nil {
			_ = t.Close()
		}
	}
}

// createPageBacking allocates the storage buffer and bind group of a
// shader-visible descriptor page. The buffer holds two pages so a window
// of one page is valid at every table offset.
func (d *Device) createPageBacking(heap descriptor.HeapType, size uint32) (descriptor.Backing, error) {
	window := uint64(size) * descriptor.RecordSize
	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("%v descriptor page", heap),
		Size:  2 * window,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageMapWrite,
	})
	if err != nil {
		return descriptor.Backing{}, err
	}
	m, err := d.hal.MapBuffer(buf, 0, window)
	if err != nil {
		d.hal.DestroyBuffer(buf)
		return descriptor.Backing{}, err
	}
	group, err := d.hal.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("%v descriptor page", heap),
		Layout: d.pageLayout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Size: window},
		}},
	})
	if err != nil {
		_ = d.hal.UnmapBuffer(buf)
		d.hal.DestroyBuffer(buf)
		return descriptor.Backing{}, err
	}
	d.logger().Debug("cmdq: descriptor page created", "heap", heap, "descriptors", size)
	return descriptor.Backing{
		Buffer: buf,
		Memory: unsafe.Slice((*byte)(m.Ptr), window),
		Group:  group,
	}, nil
}

func (d *Device) releasePageBacking(b descriptor.Backing) {
	if b.Group != nil {
		d.hal.DestroyBindGroup(b.Group)
	}
	if b.Buffer != nil {
		_ = d.hal.UnmapBuffer(b.Buffer)
		d.hal.DestroyBuffer(b.Buffer)
	}
}

func (d *Device) logger() *slog.Logger {
	if d.log != nil {
		return d.log
	}
	return Logger()
}

// fail logs err and hands it to the fatal handler.
func (d *Device) fail(err error) {
	d.logger().Error("cmdq: fatal error", "err", err)
	d.opts.fatal(err)
}

// HAL returns the underlying HAL device.
func (d *Device) HAL() hal.Device { return d.hal }

// Config returns the resolved configuration.
func (d *Device) Config() Config { return d.cfg }

// Queue returns the queue of the given kind.
func (d *Device) Queue(kind QueueKind) *Queue { return d.queues[kind] }

// States returns the device-wide resource state table.
func (d *Device) States() *state.Table { return d.table }

// ============================================================================
// Resources
// ============================================================================

func (d *Device) newResource(label string) (*Resource, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &Resource{dev: d, id: state.ID(d.nextID.Add(1)), label: label}, nil
}

// CreateBuffer creates a buffer whose tracked state starts at initial
// (Common if Unknown).
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor, initial state.State) (*Resource, error) {
	r, err := d.newResource(desc.Label)
	if err != nil {
		return nil, err
	}
	buf, err := d.hal.CreateBuffer(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "cmdq: create buffer %q", desc.Label)
	}
	r.buffer = buf
	r.size = desc.Size
	d.register(r, initial)
	return r, nil
}

// CreateTexture creates a texture whose subresources all start at initial
// (Common if Unknown).
func (d *Device) CreateTexture(desc *hal.TextureDescriptor, initial state.State) (*Resource, error) {
	r, err := d.newResource(desc.Label)
	if err != nil {
		return nil, err
	}
	tex, err := d.hal.CreateTexture(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "cmdq: create texture %q", desc.Label)
	}
	r.texture = tex
	r.extent = desc.Size
	r.format = desc.Format
	r.mips = max(desc.MipLevelCount, 1)
	r.layers = 1
	if desc.Dimension != gputypes.TextureDimension3D {
		r.layers = max(desc.Size.DepthOrArrayLayers, 1)
	}
	d.register(r, initial)
	return r, nil
}

func (d *Device) register(r *Resource, initial state.State) {
	if initial == state.Unknown {
		initial = state.Common
	}
	d.table.Register(r, initial)
}

// bury queues r for release once the GPU is done with it.
func (d *Device) bury(r *Resource) {
	d.graveMu.Lock()
	d.graveyard = append(d.graveyard, r)
	n := len(d.graveyard)
	d.graveMu.Unlock()
	if n%deferredBacklog == 0 {
		d.logger().Warn("cmdq: deferred release backlog", "resources", n)
	}
	d.sweep()
}

// sweep releases buried resources no list or queue still uses.
func (d *Device) sweep() {
	d.graveMu.Lock()
	defer d.graveMu.Unlock()
	kept := d.graveyard[:0]
	for _, r := range d.graveyard {
		// Submit marks the use before it drops the recording reference,
		// so the reference is checked first.
		if r.recording.Load() > 0 {
			kept = append(kept, r)
			continue
		}
		if _, _, busy := r.busy(); busy {
			kept = append(kept, r)
			continue
		}
		r.release()
	}
	clear(d.graveyard[len(kept):])
	d.graveyard = kept
}

// ============================================================================
// Descriptors and layouts
// ============================================================================

// AllocateDescriptors returns count contiguous persistent descriptors of
// the given heap type.
func (d *Device) AllocateDescriptors(heap descriptor.HeapType, count uint32) descriptor.Allocation {
	return d.persistent[heap].Allocate(count)
}

// ReleaseStaleDescriptors returns every persistent descriptor range freed
// at or before frame to its allocator, and reports how many ranges were
// released. Callers pass the newest frame the GPU has finished.
func (d *Device) ReleaseStaleDescriptors(frame uint64) int {
	n := 0
	for _, a := range d.persistent {
		n += a.ReleaseStale(frame)
	}
	return n
}

// ReflectLayout returns the pipeline layout of a WGSL shader, cached by
// source.
func (d *Device) ReflectLayout(label, source string) (*layout.PipelineLayout, error) {
	return d.layouts.Reflect(label, source)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Flush blocks until every queue has completed and reclaimed all submitted
// work.
func (d *Device) Flush() error {
	var g errgroup.Group
	for _, q := range d.queues {
		g.Go(q.Flush)
	}
	return g.Wait()
}

// Close waits for submitted work, stops reclamation and releases every
// pool and any resource still awaiting deferred release. Resources the
// caller still holds are not destroyed.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := d.Flush()

	var g errgroup.Group
	for _, q := range d.queues {
		g.Go(q.stop)
	}
	stopErr := g.Wait()

	d.graveMu.Lock()
	for _, r := range d.graveyard {
		r.release()
	}
	d.graveyard = nil
	d.graveMu.Unlock()

	d.linear.Destroy()
	for _, p := range d.pages {
		p.Destroy(d.releasePageBacking)
	}
	d.hal.DestroyBindGroupLayout(d.pageLayout)

	d.logger().Info("cmdq: device closed")
	if flushErr != nil {
		return flushErr
	}
	return stopErr
}

// Stats is a snapshot of device bookkeeping.
type Stats struct {
	Queues     [numQueueKinds]QueueStats
	Resources  int
	Deferred   int
	Linear     linear.PoolStats
	Pages      [2]descriptor.PagePoolStats
	Persistent [descriptor.NumHeapTypes]descriptor.AllocatorStats
}

// String returns a human-readable summary.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device[%d resources, %d deferred]\n", s.Resources, s.Deferred)
	for _, q := range s.Queues {
		fmt.Fprintf(&b, "  %v\n", q)
	}
	fmt.Fprintf(&b, "  %v\n", s.Linear)
	for _, p := range s.Pages {
		fmt.Fprintf(&b, "  %v\n", p)
	}
	for _, p := range s.Persistent {
		fmt.Fprintf(&b, "  %v\n", p)
	}
	return b.String()
}

// Stats returns a snapshot of device bookkeeping.
func (d *Device) Stats() Stats {
	s := Stats{
		Resources: d.table.Len(),
		Linear:    d.linear.Stats(),
	}
	for k, q := range d.queues {
		s.Queues[k] = q.Stats()
	}
	for i, p := range d.pages {
		s.Pages[i] = p.Stats()
	}
	for h, a := range d.persistent {
		s.Persistent[h] = a.Stats()
	}
	d.graveMu.Lock()
	s.Deferred = len(d.graveyard)
	d.graveMu.Unlock()
	return s
}
