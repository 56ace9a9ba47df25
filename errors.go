package cmdq

import (
	"github.com/cockroachdb/errors"
)

// Device errors.
var (
	// ErrResourceInFlight is raised when a resource is destroyed while
	// submitted work that uses it has not completed.
	ErrResourceInFlight = errors.New("cmdq: resource destroyed while in use by the GPU")

	// ErrBarrierInPass is raised when barriers must be flushed while a
	// render pass is open.
	ErrBarrierInPass = errors.New("cmdq: barriers cannot be recorded inside a render pass")

	// ErrListState is raised when a command list is used in a state that
	// does not allow the operation.
	ErrListState = errors.New("cmdq: command list in wrong state")

	// ErrNoLayout is raised when descriptors are staged or committed with no
	// pipeline layout set.
	ErrNoLayout = errors.New("cmdq: no pipeline layout set")

	// ErrWrongKind is raised when a buffer operation gets a texture or the
	// reverse.
	ErrWrongKind = errors.New("cmdq: wrong resource kind")

	// ErrForeignQueue is raised when WaitFor is given a queue of another
	// device.
	ErrForeignQueue = errors.New("cmdq: queue belongs to another device")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("cmdq: device closed")

	// ErrUnknownBackend is returned by Open when the requested timeline
	// backend is not registered.
	ErrUnknownBackend = errors.New("cmdq: unknown timeline backend")

	// ErrNoHALDevice is returned by OpenProvider when the provider does not
	// expose HAL objects.
	ErrNoHALDevice = errors.New("cmdq: provider does not expose a HAL device and queue")
)

// defaultFatal ends the program. The device has already logged err.
func defaultFatal(err error) {
	panic(err)
}
