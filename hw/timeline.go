// Package hw abstracts the hardware side of a command queue: a timeline of
// monotonically increasing fence values that the GPU signals as submitted
// work completes.
//
// Two implementations exist. [NewHAL] drives a real hal.Queue and derives
// completion from its submission indices. [NewSoft] is a software timeline
// whose completion is either automatic or driven by the caller, used to run
// queues without a GPU and to test ordering and failure handling.
package hw

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"
)

// Timeline errors.
var (
	// ErrClosed is returned by operations on a closed timeline.
	ErrClosed = errors.New("hw: timeline closed")

	// ErrNotMonotonic is returned when a signal value does not increase.
	ErrNotMonotonic = errors.New("hw: signal value must increase")

	// ErrForeignTimeline is returned when a GPU wait targets a timeline the
	// receiver cannot synchronize with.
	ErrForeignTimeline = errors.New("hw: cannot wait on a foreign timeline")
)

// Timeline is the hardware queue behind one command queue.
//
// Calls to Submit and WaitGPU on one timeline must be serialized by the
// caller; Completed and Wait may be called from any goroutine.
type Timeline interface {
	// Submit executes cmds in order and signals value when they complete.
	// value must be greater than every previously submitted value. Submit
	// does not wait for execution.
	Submit(cmds []hal.CommandBuffer, value uint64) error

	// WaitGPU makes work submitted after this call wait, on the GPU, until
	// other reaches value. The calling goroutine is not blocked.
	WaitGPU(other Timeline, value uint64) error

	// Completed returns the highest value known to have completed.
	Completed() uint64

	// Wait blocks until value has completed, the timeline fails, or ctx is
	// done.
	Wait(ctx context.Context, value uint64) error

	// Close releases the timeline. Pending waits return ErrClosed.
	Close() error
}
