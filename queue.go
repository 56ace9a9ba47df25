package cmdq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdq/hw"
)

// QueueKind identifies one of the hardware queues of a device.
type QueueKind uint8

const (
	// QueueGraphics accepts every kind of work.
	QueueGraphics QueueKind = iota
	// QueueCompute accepts compute and copy work.
	QueueCompute
	// QueueCopy accepts copy work.
	QueueCopy

	numQueueKinds
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	default:
		return fmt.Sprintf("QueueKind(%d)", k)
	}
}

// inflight is a submitted command list awaiting its fence value.
type inflight struct {
	list  *CommandList
	value uint64
}

// QueueStats is a snapshot of queue bookkeeping.
type QueueStats struct {
	Kind       QueueKind
	Fence      uint64
	Completed  uint64
	InFlight   int
	FreeLists  int
	FreeAux    int
	Created    int
	CreatedAux int
}

// String returns a human-readable summary.
func (s QueueStats) String() string {
	return fmt.Sprintf("Queue[%v: fence %d/%d, %d in flight, %d/%d lists free, %d/%d aux free]",
		s.Kind, s.Completed, s.Fence, s.InFlight, s.FreeLists, s.Created, s.FreeAux, s.CreatedAux)
}

// Queue schedules command lists on one hardware queue.
//
// Each submission advances the queue's fence by one. A reclamation
// goroutine waits for the fence of every submitted list, resets the list
// and returns it to the free pool, so lists are recycled without the
// submitting goroutine ever blocking. Queue is safe for concurrent use.
type Queue struct {
	dev      *Device
	kind     QueueKind
	timeline hw.Timeline

	// fence is the last value signaled; written under dev.submitMu.
	fence atomic.Uint64

	mu         sync.Mutex
	cond       *sync.Cond
	free       []*CommandList
	freeAux    []*CommandList
	pending    []inflight
	created    int
	createdAux int
	stopping   bool
	failed     error
	done       chan struct{}
}

func newQueue(d *Device, kind QueueKind, t hw.Timeline) *Queue {
	q := &Queue{
		dev:      d,
		kind:     kind,
		timeline: t,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.reclaim()
	return q
}

// Kind returns the queue kind.
func (q *Queue) Kind() QueueKind { return q.kind }

// Acquire returns a command list ready for recording, reusing a reclaimed
// one when available. It returns nil only if creating a list failed and the
// fatal handler returned.
func (q *Queue) Acquire() *CommandList {
	l := q.pop(false)
	if l == nil {
		return nil
	}
	if !l.begin() {
		return nil
	}
	return l
}

// pop takes a list from the primary or auxiliary free pool, creating one
// when the pool is empty.
func (q *Queue) pop(aux bool) *CommandList {
	q.mu.Lock()
	pool := &q.free
	if aux {
		pool = &q.freeAux
	}
	if n := len(*pool); n > 0 {
		l := (*pool)[n-1]
		(*pool)[n-1] = nil
		*pool = (*pool)[:n-1]
		q.mu.Unlock()
		return l
	}
	var n int
	if aux {
		q.createdAux++
		n = q.createdAux
	} else {
		q.created++
		n = q.created
	}
	q.mu.Unlock()

	l, err := newCommandList(q, aux, n)
	if err != nil {
		q.dev.fail(err)
		return nil
	}
	q.dev.logger().Debug("cmdq: new command list", "queue", q.kind, "aux", aux, "n", n)
	return l
}

// push returns a reset list to its pool. Caller must hold q.mu.
func (q *Queue) push(l *CommandList) {
	if l.aux {
		q.freeAux = append(q.freeAux, l)
	} else {
		q.free = append(q.free, l)
	}
}

// Submit closes lists and submits them, in order, as one batch, and returns
// the fence value that signals their completion.
//
// Barriers whose starting state was unknown while recording are resolved
// against the device state table here and recorded into an auxiliary list
// submitted right before their list. Submit never waits for the GPU.
// Submitting no lists just advances the fence.
//
// If the batch cannot be submitted the fatal handler is called, the lists
// are returned to the pool with their work dropped, and Submit returns 0.
// Neither the fence nor the state table change.
func (q *Queue) Submit(lists ...*CommandList) uint64 {
	d := q.dev
	for i, l := range lists {
		if l.queue != q {
			d.fail(errors.Wrapf(ErrListState, "%v submitted to %v queue", l, q.kind))
			q.abandon(lists[:i]...)
			return 0
		}
		if !l.close() {
			q.abandon(lists[:i+1]...)
			return 0
		}
	}
	auxes := make([]*CommandList, len(lists))
	for i := range lists {
		a := q.pop(true)
		if a != nil && !a.begin() {
			q.mu.Lock()
			q.push(a)
			q.mu.Unlock()
			a = nil
		}
		if a == nil {
			q.abandon(auxes...)
			q.abandon(lists...)
			return 0
		}
		auxes[i] = a
	}

	d.submitMu.Lock()
	batch := d.table.Batch()
	cmds := make([]hal.CommandBuffer, 0, 2*len(lists))
	var failed error
	for i, l := range lists {
		barriers := batch.Resolve(l.tracker.Pending(), l.tracker.Final())
		// Resolved against the state left by the lists before it in the
		// batch, so it runs right before its own list.
		if aux := auxes[i]; len(barriers) > 0 {
			aux.emit(barriers)
			if !aux.close() {
				failed = ErrListState
				break
			}
			l.auxList = aux
			cmds = append(cmds, aux.cmdBuf)
		}
		cmds = append(cmds, l.cmdBuf)
	}
	for i, l := range lists {
		if a := auxes[i]; a != l.auxList {
			if a.state == listRecording {
				a.discard()
			}
			if a.state == listFree {
				q.mu.Lock()
				q.push(a)
				q.mu.Unlock()
			}
		}
	}
	value := q.fence.Load() + 1
	if failed == nil {
		failed = q.timeline.Submit(cmds, value)
	}
	if failed == nil {
		q.fence.Store(value)
		batch.Commit()
		for _, l := range lists {
			for _, r := range l.used {
				r.markUsed(q.kind, value)
			}
			l.unuse()
		}
		q.mu.Lock()
		for _, l := range lists {
			l.state = listInFlight
			q.pending = append(q.pending, inflight{list: l, value: value})
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	d.submitMu.Unlock()

	if failed != nil {
		q.abandon(lists...)
		d.fail(errors.Wrapf(failed, "cmdq: %v queue submit of fence %d", q.kind, value))
		return 0
	}

	d.logger().Debug("cmdq: submitted", "queue", q.kind, "fence", value, "lists", len(lists), "buffers", len(cmds))
	return value
}

// abandon drops the work of lists that never reached the GPU and returns
// them, with their auxiliary lists, to the pools. Lists of other queues
// and lists that are free or in flight are left alone.
func (q *Queue) abandon(lists ...*CommandList) {
	for _, l := range lists {
		if l == nil || l.queue != q {
			continue
		}
		switch l.state {
		case listRecording:
			l.encoder.DiscardEncoding()
		case listClosed:
		default:
			continue
		}
		l.render, l.compute = nil, nil
		aux := l.reset()
		q.mu.Lock()
		q.push(l)
		if aux != nil {
			q.push(aux)
		}
		q.mu.Unlock()
	}
}

// Signal advances the fence without submitting work and returns the new
// value, or 0 if the timeline refused it. It completes once all previously
// submitted work has.
func (q *Queue) Signal() uint64 {
	d := q.dev
	d.submitMu.Lock()
	value := q.fence.Load() + 1
	err := q.timeline.Submit(nil, value)
	if err == nil {
		q.fence.Store(value)
	}
	d.submitMu.Unlock()
	if err != nil {
		d.fail(errors.Wrapf(err, "cmdq: %v queue signal of fence %d", q.kind, value))
		return 0
	}
	return value
}

// WaitFor makes work submitted to q after this call wait, on the GPU, for
// all work submitted to other before it. The calling goroutine does not
// block.
func (q *Queue) WaitFor(other *Queue) {
	if other == q {
		return
	}
	d := q.dev
	if other.dev != d {
		d.fail(errors.Wrapf(ErrForeignQueue, "%v queue waiting for %v queue", q.kind, other.kind))
		return
	}
	value := other.Signal()
	if value == 0 {
		return
	}
	d.submitMu.Lock()
	err := q.timeline.WaitGPU(other.timeline, value)
	d.submitMu.Unlock()
	if err != nil {
		d.fail(errors.Wrapf(err, "cmdq: %v queue waiting for %v queue fence %d", q.kind, other.kind, value))
	}
}

// Fence returns the last value signaled on the queue.
func (q *Queue) Fence() uint64 { return q.fence.Load() }

// Completed returns the highest fence value the GPU has completed.
func (q *Queue) Completed() uint64 { return q.timeline.Completed() }

// IsComplete reports whether value has completed.
func (q *Queue) IsComplete(value uint64) bool { return value <= q.Completed() }

// Wait blocks until value has completed or ctx is done.
func (q *Queue) Wait(ctx context.Context, value uint64) error {
	if f := q.fence.Load(); value > f {
		return errors.Newf("cmdq: wait for fence %d on %v queue, last signaled %d", value, q.kind, f)
	}
	return q.timeline.Wait(ctx, value)
}

// Flush blocks until every submitted list has completed and been
// reclaimed. It returns the device failure that stopped reclamation, if
// any.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 && q.failed == nil {
		q.cond.Wait()
	}
	return q.failed
}

// Stats returns a snapshot of queue bookkeeping.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Kind:       q.kind,
		Fence:      q.fence.Load(),
		Completed:  q.timeline.Completed(),
		InFlight:   len(q.pending),
		FreeLists:  len(q.free),
		FreeAux:    len(q.freeAux),
		Created:    q.created,
		CreatedAux: q.createdAux,
	}
}

// reclaim returns submitted lists to the free pool as their fence values
// complete. It exits when the queue is stopped and drained, or on a device
// failure.
func (q *Queue) reclaim() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.mu.Unlock()

		if err := q.timeline.Wait(context.Background(), e.value); err != nil {
			err = errors.Wrapf(err, "cmdq: %v queue waiting for fence %d", q.kind, e.value)
			q.mu.Lock()
			q.failed = err
			q.cond.Broadcast()
			q.mu.Unlock()
			q.dev.fail(err)
			return
		}

		aux := e.list.reset()
		q.mu.Lock()
		q.pending[0] = inflight{}
		q.pending = q.pending[1:]
		q.push(e.list)
		if aux != nil {
			q.push(aux)
		}
		q.cond.Broadcast()
		q.mu.Unlock()

		q.dev.logger().Debug("cmdq: reclaimed", "queue", q.kind, "fence", e.value)
		q.dev.sweep()
	}
}

// stop ends reclamation once pending work is done and destroys the free
// lists and the timeline.
func (q *Queue) stop() error {
	q.mu.Lock()
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done

	q.mu.Lock()
	for _, l := range q.free {
		l.destroy()
	}
	for _, l := range q.freeAux {
		l.destroy()
	}
	q.free, q.freeAux = nil, nil
	failed := q.failed
	q.mu.Unlock()

	if err := q.timeline.Close(); err != nil {
		return errors.Wrapf(err, "cmdq: close %v timeline", q.kind)
	}
	return failed
}
