// Package layout describes pipeline layouts: the ordered list of root
// parameters a pipeline expects, some of which are descriptor tables that
// the dynamic descriptor heap fills in before each draw or dispatch.
//
// Layouts are usually built by the pipeline-state collaborator. This package
// also derives them from WebGPU bind group layouts and from WGSL source.
package layout

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// Layout errors.
var (
	// ErrEmptyRange is returned for a descriptor range with zero count.
	ErrEmptyRange = errors.New("layout: descriptor range with zero count")

	// ErrMixedTable is returned when a table mixes samplers with other descriptors.
	ErrMixedTable = errors.New("layout: table mixes samplers and resource descriptors")

	// ErrTooManyParameters is returned when a layout exceeds MaxParameters.
	ErrTooManyParameters = errors.New("layout: too many root parameters")

	// ErrUnboundedArray is returned for runtime-sized binding arrays.
	ErrUnboundedArray = errors.New("layout: unbounded binding array")
)

// MaxParameters is the number of root parameter slots a layout may use.
const MaxParameters = 32

// RangeType is the kind of descriptor a table range holds.
type RangeType uint8

const (
	RangeConstantBuffer RangeType = iota
	RangeShaderResource
	RangeUnorderedAccess
	RangeSampler
)

func (t RangeType) String() string {
	switch t {
	case RangeConstantBuffer:
		return "CBV"
	case RangeShaderResource:
		return "SRV"
	case RangeUnorderedAccess:
		return "UAV"
	case RangeSampler:
		return "Sampler"
	default:
		return fmt.Sprintf("RangeType(%d)", t)
	}
}

// Range is a run of descriptors of one type inside a table.
type Range struct {
	Type        RangeType
	Count       uint32
	BaseBinding uint32
	Space       uint32
}

// ParameterKind is the kind of a root parameter.
type ParameterKind uint8

const (
	// ParamTable is a descriptor table.
	ParamTable ParameterKind = iota
	// ParamConstants is a block of inline 32-bit constants.
	ParamConstants
	// ParamConstantBuffer is a root constant buffer address.
	ParamConstantBuffer
	// ParamShaderResource is a root read-only buffer address.
	ParamShaderResource
	// ParamUnorderedAccess is a root read-write buffer address.
	ParamUnorderedAccess
)

func (k ParameterKind) String() string {
	switch k {
	case ParamTable:
		return "Table"
	case ParamConstants:
		return "Constants"
	case ParamConstantBuffer:
		return "CBV"
	case ParamShaderResource:
		return "SRV"
	case ParamUnorderedAccess:
		return "UAV"
	default:
		return fmt.Sprintf("ParameterKind(%d)", k)
	}
}

// Parameter is one root parameter slot.
type Parameter struct {
	Kind       ParameterKind
	Visibility gputypes.ShaderStages

	// Ranges describes a descriptor table (Kind == ParamTable).
	Ranges []Range

	// Constants is the number of 32-bit values (Kind == ParamConstants).
	Constants uint32

	// Binding and Space locate a root descriptor or constant block.
	Binding uint32
	Space   uint32
}

// Table returns a descriptor table parameter.
func Table(visibility gputypes.ShaderStages, ranges ...Range) Parameter {
	return Parameter{Kind: ParamTable, Visibility: visibility, Ranges: ranges}
}

// DescriptorCount returns the number of descriptors in a table parameter,
// 0 for other kinds.
func (p Parameter) DescriptorCount() uint32 {
	if p.Kind != ParamTable {
		return 0
	}
	var n uint32
	for _, r := range p.Ranges {
		n += r.Count
	}
	return n
}

// IsSamplerTable reports whether p is a table of samplers.
func (p Parameter) IsSamplerTable() bool {
	return p.Kind == ParamTable && len(p.Ranges) > 0 && p.Ranges[0].Type == RangeSampler
}

// PipelineLayout is the ordered list of root parameters of a pipeline.
type PipelineLayout struct {
	Label      string
	Parameters []Parameter
}

// Validate checks the structural rules every consumer relies on.
func (l *PipelineLayout) Validate() error {
	if len(l.Parameters) > MaxParameters {
		return errors.Wrapf(ErrTooManyParameters, "%q has %d", l.Label, len(l.Parameters))
	}
	for i, p := range l.Parameters {
		if p.Kind != ParamTable {
			continue
		}
		samplers := 0
		for _, r := range p.Ranges {
			if r.Count == 0 {
				return errors.Wrapf(ErrEmptyRange, "%q parameter %d", l.Label, i)
			}
			if r.Type == RangeSampler {
				samplers++
			}
		}
		if samplers != 0 && samplers != len(p.Ranges) {
			return errors.Wrapf(ErrMixedTable, "%q parameter %d", l.Label, i)
		}
	}
	return nil
}

// TableMask returns a bit set of the table slots. samplers selects sampler
// tables instead of resource tables.
func (l *PipelineLayout) TableMask(samplers bool) uint32 {
	var mask uint32
	for i, p := range l.Parameters {
		if p.Kind == ParamTable && p.IsSamplerTable() == samplers {
			mask |= 1 << i
		}
	}
	return mask
}

func (l *PipelineLayout) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PipelineLayout(%q)[", l.Label)
	for i, p := range l.Parameters {
		if i > 0 {
			b.WriteString(", ")
		}
		if p.Kind != ParamTable {
			b.WriteString(p.Kind.String())
			continue
		}
		b.WriteString("Table{")
		for j, r := range p.Ranges {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%v×%d", r.Type, r.Count)
		}
		b.WriteByte('}')
	}
	b.WriteByte(']')
	return b.String()
}
