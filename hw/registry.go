package hw

import (
	"sort"

	"github.com/gogpu/gpucontext"
)

// Backend names.
const (
	BackendHAL  = "hal"
	BackendSoft = "soft"
)

// Factory creates a timeline for one command queue. q is the HAL queue
// shared by every timeline of a device; backends that do not submit to the
// GPU ignore it.
type Factory func(q *HALQueue) Timeline

// backends holds registered timeline factories. HAL wins over soft when
// both are available.
var backends = gpucontext.NewRegistry[Factory](gpucontext.WithPriority(BackendHAL, BackendSoft))

func init() {
	Register(BackendHAL, func(q *HALQueue) Timeline { return NewHAL(q) })
	Register(BackendSoft, func(*HALQueue) Timeline { return NewSoft() })
}

// Register registers a timeline factory under name, replacing any previous
// registration.
func Register(name string, f Factory) {
	backends.Register(name, func() Factory { return f })
}

// Unregister removes a backend. This is useful for testing.
func Unregister(name string) {
	backends.Unregister(name)
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	f := backends.Get(name)
	return f, f != nil
}

// Default returns the name and factory of the highest-priority backend.
func Default() (string, Factory) {
	name := backends.BestName()
	return name, backends.Get(name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	names := backends.Available()
	sort.Strings(names)
	return names
}
