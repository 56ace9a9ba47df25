package hw

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
)

// Poll intervals used while waiting on a HAL timeline.
const (
	DefaultMinPoll = 100 * time.Microsecond
	DefaultMaxPoll = 2 * time.Millisecond
)

// HALQueue serializes access to a hal.Queue shared by several timelines.
//
// A hal.Queue executes submissions in order, so timelines created on the
// same HALQueue are ordered with respect to each other and a GPU wait
// between them needs no extra synchronization.
type HALQueue struct {
	queue   hal.Queue
	minPoll time.Duration
	maxPoll time.Duration

	mu        sync.Mutex
	lastIndex uint64
}

// NewHALQueue wraps queue. minPoll and maxPoll bound the backoff used when
// waiting for completion; zero values select the defaults.
func NewHALQueue(queue hal.Queue, minPoll, maxPoll time.Duration) *HALQueue {
	if minPoll <= 0 {
		minPoll = DefaultMinPoll
	}
	if maxPoll < minPoll {
		maxPoll = max(DefaultMaxPoll, minPoll)
	}
	return &HALQueue{queue: queue, minPoll: minPoll, maxPoll: maxPoll}
}

// Queue returns the wrapped queue.
func (q *HALQueue) Queue() hal.Queue { return q.queue }

// submit hands cmds to the queue and returns the submission index that
// covers them. A signal without commands reuses the latest index, which
// completes once all earlier work has.
func (q *HALQueue) submit(cmds []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(cmds) == 0 {
		return q.lastIndex, nil
	}
	idx, err := q.queue.Submit(cmds)
	if err != nil {
		return 0, err
	}
	q.lastIndex = idx
	return idx, nil
}

func (q *HALQueue) poll() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.PollCompleted()
}

type mark struct {
	value uint64
	index uint64
}

// HALTimeline is a Timeline over a HALQueue. Fence values are mapped to the
// queue's submission indices; completion is observed by polling.
type HALTimeline struct {
	q *HALQueue

	mu     sync.Mutex
	marks  []mark
	last   uint64
	closed bool

	completed atomic.Uint64
}

// NewHAL creates a timeline submitting to q.
func NewHAL(q *HALQueue) *HALTimeline {
	return &HALTimeline{q: q}
}

// Submit implements Timeline.
func (t *HALTimeline) Submit(cmds []hal.CommandBuffer, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if value <= t.last {
		return errors.Wrapf(ErrNotMonotonic, "%d after %d", value, t.last)
	}
	idx, err := t.q.submit(cmds)
	if err != nil {
		return errors.Wrapf(err, "hw: submit %d command buffers for value %d", len(cmds), value)
	}
	t.marks = append(t.marks, mark{value: value, index: idx})
	t.last = value
	slogger().Debug("hw: submitted", "value", value, "index", idx, "buffers", len(cmds))
	return nil
}

// WaitGPU implements Timeline. Only timelines on the same HALQueue are
// accepted, and those are already ordered by the queue.
func (t *HALTimeline) WaitGPU(other Timeline, value uint64) error {
	o, ok := other.(*HALTimeline)
	if !ok || o.q != t.q {
		return ErrForeignTimeline
	}
	o.mu.Lock()
	submitted := o.last
	o.mu.Unlock()
	if value > submitted {
		return errors.Newf("hw: wait on value %d that was never submitted (last %d)", value, submitted)
	}
	return nil
}

// Completed implements Timeline.
func (t *HALTimeline) Completed() uint64 {
	polled := t.q.poll()

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.marks {
		if m.index > polled {
			break
		}
		t.completed.Store(m.value)
		n++
	}
	if n > 0 {
		t.marks = append(t.marks[:0], t.marks[n:]...)
	}
	return t.completed.Load()
}

// Wait implements Timeline. It polls with exponential backoff.
func (t *HALTimeline) Wait(ctx context.Context, value uint64) error {
	if t.completed.Load() >= value {
		return nil
	}
	delay := t.q.minPoll
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		if t.Completed() >= value {
			return nil
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(2*delay, t.q.maxPoll)
		timer.Reset(delay)
	}
}

// Close implements Timeline.
func (t *HALTimeline) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
