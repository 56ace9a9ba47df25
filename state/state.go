// Package state tracks the GPU usage state of resources.
//
// Two levels of tracking exist. A [Table] is the device-wide record of the
// state every resource was left in by the most recently submitted work. A
// [Tracker] lives inside one recording context and knows only what that
// context did: transitions it can prove locally become immediate barriers,
// while transitions whose starting state depends on work recorded elsewhere
// become pending barriers that are resolved against the Table at submission.
package state

import (
	"strings"

	"github.com/gogpu/gputypes"
)

// State is a bit set of GPU usages a resource (or one of its subresources)
// is prepared for.
type State uint32

// Unknown marks a subresource this context has not touched yet. It only
// appears in a Tracker's local view; the Table never stores it.
const Unknown State = 0

// Resource states.
const (
	Common State = 1 << iota
	VertexBuffer
	IndexBuffer
	ConstantBuffer
	ShaderRead
	ShaderWrite
	RenderTarget
	DepthWrite
	DepthRead
	CopySrc
	CopyDst
	IndirectArgument
	Present
)

var stateNames = []struct {
	s    State
	name string
}{
	{Common, "Common"},
	{VertexBuffer, "VertexBuffer"},
	{IndexBuffer, "IndexBuffer"},
	{ConstantBuffer, "ConstantBuffer"},
	{ShaderRead, "ShaderRead"},
	{ShaderWrite, "ShaderWrite"},
	{RenderTarget, "RenderTarget"},
	{DepthWrite, "DepthWrite"},
	{DepthRead, "DepthRead"},
	{CopySrc, "CopySrc"},
	{CopyDst, "CopyDst"},
	{IndirectArgument, "IndirectArgument"},
	{Present, "Present"},
}

// String returns the set bits joined by "|", or "Unknown".
func (s State) String() string {
	if s == Unknown {
		return "Unknown"
	}
	var b strings.Builder
	for _, n := range stateNames {
		if s&n.s == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
	}
	return b.String()
}

// BufferUsage converts s to the HAL buffer usage used in barriers.
// Common maps to no usage, which backends treat as "no prior access".
func (s State) BufferUsage() gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if s&VertexBuffer != 0 {
		u |= gputypes.BufferUsageVertex
	}
	if s&IndexBuffer != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if s&ConstantBuffer != 0 {
		u |= gputypes.BufferUsageUniform
	}
	if s&(ShaderRead|ShaderWrite) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if s&CopySrc != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if s&CopyDst != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if s&IndirectArgument != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	return u
}

// TextureUsage converts s to the HAL texture usage used in barriers.
func (s State) TextureUsage() gputypes.TextureUsage {
	var u gputypes.TextureUsage
	if s&ShaderRead != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if s&ShaderWrite != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if s&(RenderTarget|DepthWrite|DepthRead) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if s&CopySrc != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	if s&CopyDst != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	return u
}

// ID identifies a tracked resource. IDs are never reused by a device.
type ID uint64

// AllSubresources selects every subresource of a resource.
const AllSubresources = ^uint32(0)

// Resource is anything whose state can be tracked.
type Resource interface {
	// ID returns the stable identity of the resource.
	ID() ID

	// Subresources returns the number of independently tracked parts
	// (mip levels times array layers for textures, 1 for buffers).
	Subresources() int
}
