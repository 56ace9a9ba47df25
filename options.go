package cmdq

import (
	"log/slog"

	"github.com/gogpu/cmdq/hw"
)

// Option configures a Device during Open.
//
// Example:
//
//	// Default HAL timelines, immediate release checks
//	dev, err := cmdq.Open(halDevice, halQueue)
//
//	// Deferred resource release and a custom fatal handler
//	dev, err := cmdq.Open(halDevice, halQueue,
//	    cmdq.WithDeferredRelease(),
//	    cmdq.WithFatalHandler(func(err error) { log.Fatal(err) }))
type Option func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	config    Config
	logger    *slog.Logger
	timelines [numQueueKinds]hw.Timeline
	backend   string
	deferred  bool
	fatal     func(error)
}

// defaultOptions returns the default device options.
func defaultOptions() deviceOptions {
	return deviceOptions{
		backend: "", // highest-priority registered backend
	}
}

// WithConfig sets the sizing parameters of the device.
func WithConfig(c Config) Option {
	return func(o *deviceOptions) {
		o.config = c
	}
}

// WithLogger sets the logger the device writes to. Without it the device
// uses the package logger (see SetLogger).
func WithLogger(l *slog.Logger) Option {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithTimeline makes the queue of the given kind run on t instead of a
// timeline from the backend registry. The device takes ownership of t and
// closes it on Close.
func WithTimeline(kind QueueKind, t hw.Timeline) Option {
	return func(o *deviceOptions) {
		if kind < numQueueKinds {
			o.timelines[kind] = t
		}
	}
}

// WithTimelineBackend selects the registered timeline backend by name
// (see hw.Available). Open fails if the name is not registered.
func WithTimelineBackend(name string) Option {
	return func(o *deviceOptions) {
		o.backend = name
	}
}

// WithDeferredRelease makes Resource.Destroy queue the resource until the
// GPU has finished with it instead of requiring that it is already idle.
func WithDeferredRelease() Option {
	return func(o *deviceOptions) {
		o.deferred = true
	}
}

// WithFatalHandler replaces the handler invoked on unrecoverable errors.
// The default handler logs the error and panics. A handler that returns
// lets the device continue in a degraded state; the failing operation is
// abandoned.
func WithFatalHandler(fn func(error)) Option {
	return func(o *deviceOptions) {
		o.fatal = fn
	}
}
