package layout

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// FromBindGroups builds a layout from WebGPU bind group layouts.
//
// Each group becomes a resource table followed by a sampler table, omitting
// either when the group has no such entries. Buffers with a dynamic offset
// become root descriptors, since their address changes per draw.
func FromBindGroups(label string, groups []gputypes.BindGroupLayoutDescriptor) (*PipelineLayout, error) {
	l := &PipelineLayout{Label: label}
	for space, g := range groups {
		entries := slices.Clone(g.Entries)
		slices.SortFunc(entries, func(a, b gputypes.BindGroupLayoutEntry) int {
			return int(a.Binding) - int(b.Binding)
		})

		var res, smp Parameter
		res.Kind, smp.Kind = ParamTable, ParamTable
		for _, e := range entries {
			r := Range{Count: 1, BaseBinding: e.Binding, Space: uint32(space)}
			switch {
			case e.Buffer != nil && e.Buffer.HasDynamicOffset:
				l.Parameters = append(l.Parameters, Parameter{
					Kind:       rootKind(e.Buffer.Type),
					Visibility: e.Visibility,
					Binding:    e.Binding,
					Space:      uint32(space),
				})
				continue
			case e.Buffer != nil:
				r.Type = bufferRange(e.Buffer.Type)
			case e.Sampler != nil:
				r.Type = RangeSampler
				smp.Ranges = append(smp.Ranges, r)
				smp.Visibility |= e.Visibility
				continue
			case e.Texture != nil:
				r.Type = RangeShaderResource
			case e.StorageTexture != nil:
				r.Type = RangeUnorderedAccess
				if e.StorageTexture.Access == gputypes.StorageTextureAccessReadOnly {
					r.Type = RangeShaderResource
				}
			default:
				return nil, errors.Newf("layout: %q group %d binding %d has no resource type", label, space, e.Binding)
			}
			res.Ranges = append(res.Ranges, r)
			res.Visibility |= e.Visibility
		}
		if len(res.Ranges) > 0 {
			l.Parameters = append(l.Parameters, res)
		}
		if len(smp.Ranges) > 0 {
			l.Parameters = append(l.Parameters, smp)
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func bufferRange(t gputypes.BufferBindingType) RangeType {
	switch t {
	case gputypes.BufferBindingTypeStorage:
		return RangeUnorderedAccess
	case gputypes.BufferBindingTypeReadOnlyStorage:
		return RangeShaderResource
	default:
		return RangeConstantBuffer
	}
}

func rootKind(t gputypes.BufferBindingType) ParameterKind {
	switch t {
	case gputypes.BufferBindingTypeStorage:
		return ParamUnorderedAccess
	case gputypes.BufferBindingTypeReadOnlyStorage:
		return ParamShaderResource
	default:
		return ParamConstantBuffer
	}
}
