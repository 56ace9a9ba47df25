package hw

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
)

// SoftOption configures a software timeline.
type SoftOption func(*softConfig)

type softConfig struct {
	manual   bool
	latency  time.Duration
	executed func(value uint64, cmds []hal.CommandBuffer)
}

// ManualCompletion makes the timeline complete work only when Advance is
// called.
func ManualCompletion() SoftOption {
	return func(c *softConfig) { c.manual = true }
}

// WithLatency makes every batch take d to execute in automatic mode.
func WithLatency(d time.Duration) SoftOption {
	return func(c *softConfig) { c.latency = d }
}

// OnExecute registers fn to be called, in order, as each batch completes.
func OnExecute(fn func(value uint64, cmds []hal.CommandBuffer)) SoftOption {
	return func(c *softConfig) { c.executed = fn }
}

type gpuWait struct {
	on    *Soft
	value uint64
}

type softBatch struct {
	value uint64
	cmds  []hal.CommandBuffer
	waits []gpuWait
}

// Soft is a software Timeline. Batches complete in submission order, each
// only after the GPU waits recorded before it are satisfied.
type Soft struct {
	cfg softConfig

	mu        sync.Mutex
	changed   chan struct{}
	last      uint64
	completed uint64
	batches   []softBatch
	waits     []gpuWait
	err       error
	closed    bool

	wake    chan struct{}
	stop    context.CancelFunc
	stopCtx context.Context
	done    chan struct{}
}

// NewSoft creates a software timeline. Unless ManualCompletion is given, a
// goroutine executes batches as they are submitted; Close stops it.
func NewSoft(opts ...SoftOption) *Soft {
	t := &Soft{
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(&t.cfg)
	}
	t.stopCtx, t.stop = context.WithCancel(context.Background())
	if t.cfg.manual {
		close(t.done)
	} else {
		go t.run()
	}
	return t
}

// notify wakes every Wait. Caller must hold t.mu.
func (t *Soft) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Submit implements Timeline.
func (t *Soft) Submit(cmds []hal.CommandBuffer, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		return ErrClosed
	case t.err != nil:
		return t.err
	case value <= t.last:
		return errors.Wrapf(ErrNotMonotonic, "%d after %d", value, t.last)
	}
	t.batches = append(t.batches, softBatch{value: value, cmds: cmds, waits: t.waits})
	t.waits = nil
	t.last = value
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// WaitGPU implements Timeline.
func (t *Soft) WaitGPU(other Timeline, value uint64) error {
	o, ok := other.(*Soft)
	if !ok {
		return ErrForeignTimeline
	}
	if o == t {
		return nil
	}
	t.mu.Lock()
	t.waits = append(t.waits, gpuWait{on: o, value: value})
	t.mu.Unlock()
	return nil
}

// Completed implements Timeline.
func (t *Soft) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Submitted returns the highest submitted value.
func (t *Soft) Submitted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Wait implements Timeline.
func (t *Soft) Wait(ctx context.Context, value uint64) error {
	for {
		t.mu.Lock()
		switch {
		case t.completed >= value:
			t.mu.Unlock()
			return nil
		case t.err != nil:
			err := t.err
			t.mu.Unlock()
			return err
		case t.closed:
			t.mu.Unlock()
			return ErrClosed
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Advance completes, in order, every batch up to value whose GPU waits are
// satisfied, and returns the new completed value. It is how manual
// timelines make progress.
func (t *Soft) Advance(value uint64) uint64 {
	for {
		t.mu.Lock()
		if len(t.batches) == 0 || t.batches[0].value > value || !t.ready(t.batches[0]) {
			c := t.completed
			t.mu.Unlock()
			return c
		}
		b := t.complete()
		t.mu.Unlock()
		t.executed(b)
	}
}

// Fail puts the timeline into the failed state: pending and future waits
// and submissions return err. It simulates device loss.
func (t *Soft) Fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
		t.notify()
	}
	t.mu.Unlock()
}

// Close implements Timeline.
func (t *Soft) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.notify()
	t.mu.Unlock()
	t.stop()
	<-t.done
	return nil
}

// ready reports whether every GPU wait of b is satisfied. Caller must hold t.mu.
func (t *Soft) ready(b softBatch) bool {
	for _, w := range b.waits {
		if w.on.Completed() < w.value {
			return false
		}
	}
	return true
}

// complete pops the first batch. Caller must hold t.mu.
func (t *Soft) complete() softBatch {
	b := t.batches[0]
	t.batches[0] = softBatch{}
	t.batches = t.batches[1:]
	t.completed = b.value
	t.notify()
	return b
}

func (t *Soft) executed(b softBatch) {
	if t.cfg.executed != nil {
		t.cfg.executed(b.value, b.cmds)
	}
}

// run executes batches in automatic mode.
func (t *Soft) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		if len(t.batches) == 0 {
			t.mu.Unlock()
			select {
			case <-t.stopCtx.Done():
				return
			case <-t.wake:
				continue
			}
		}
		if t.err != nil {
			t.mu.Unlock()
			<-t.stopCtx.Done()
			return
		}
		b := t.batches[0]
		t.mu.Unlock()

		for _, w := range b.waits {
			if err := w.on.Wait(t.stopCtx, w.value); err != nil {
				if t.stopCtx.Err() != nil {
					return
				}
				t.Fail(errors.Wrapf(err, "hw: waiting on value %d", w.value))
				break
			}
		}
		if t.cfg.latency > 0 {
			select {
			case <-t.stopCtx.Done():
				return
			case <-time.After(t.cfg.latency):
			}
		}

		t.mu.Lock()
		if t.err != nil {
			t.mu.Unlock()
			continue
		}
		b = t.complete()
		t.mu.Unlock()
		t.executed(b)
	}
}
