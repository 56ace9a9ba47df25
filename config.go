package cmdq

import (
	"fmt"
	"time"

	"github.com/gogpu/cmdq/descriptor"
	"github.com/gogpu/cmdq/hw"
	"github.com/gogpu/cmdq/internal/linear"
)

// Config holds the sizing parameters of a Device. Zero fields select the
// defaults.
type Config struct {
	// LinearPageSize is the size in bytes of an upload page.
	// Defaults to 2 MiB if 0.
	LinearPageSize uint64

	// DynamicPageSize is the number of descriptors in a shader-visible page.
	// Defaults to descriptor.DefaultGPUPageSize if 0.
	DynamicPageSize uint32

	// PersistentPageSize is the number of descriptors in a persistent page.
	// Defaults to descriptor.DefaultPageSize if 0.
	PersistentPageSize uint32

	// StagingDescriptors bounds the descriptors one pipeline layout may use
	// per heap type. Defaults to descriptor.DefaultStagingCapacity if 0.
	StagingDescriptors uint32

	// PollInterval is the first delay between completion polls of a HAL
	// timeline; it doubles up to MaxPollInterval.
	// Defaults to 100µs and 2ms if <= 0.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// withDefaults returns c with every zero field replaced by its default.
func (c Config) withDefaults() Config {
	if c.LinearPageSize == 0 {
		c.LinearPageSize = linear.DefaultPageSize
	}
	if c.DynamicPageSize == 0 {
		c.DynamicPageSize = descriptor.DefaultGPUPageSize
	}
	if c.PersistentPageSize == 0 {
		c.PersistentPageSize = descriptor.DefaultPageSize
	}
	if c.StagingDescriptors == 0 {
		c.StagingDescriptors = descriptor.DefaultStagingCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = hw.DefaultMinPoll
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = hw.DefaultMaxPoll
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	return c
}

// String returns a human-readable summary.
func (c Config) String() string {
	return fmt.Sprintf("Config[linear %d KiB, dynamic %d, persistent %d, staging %d, poll %v..%v]",
		c.LinearPageSize/1024, c.DynamicPageSize, c.PersistentPageSize,
		c.StagingDescriptors, c.PollInterval, c.MaxPollInterval)
}
