package layout

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/cmdq/internal/cache"
)

// FromWGSL reflects the resource bindings of a WGSL module into a layout.
//
// Bindings are grouped by @group in ascending order. Every group yields a
// resource table and a sampler table (when it has samplers). Uniform
// buffers map to constant buffer ranges, read-only storage buffers and
// sampled textures to shader resource ranges, read-write storage buffers
// and storage textures to unordered access ranges. A fixed-size
// binding_array contributes its element count. Table visibility is the set
// of stages that have an entry point in the module.
func FromWGSL(label, source string) (*PipelineLayout, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, errors.Wrapf(err, "layout: parse %q", label)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, errors.Wrapf(err, "layout: lower %q", label)
	}
	return fromModule(label, module)
}

type binding struct {
	group, binding uint32
	r              Range
}

func fromModule(label string, m *ir.Module) (*PipelineLayout, error) {
	visibility := stages(m)

	var bindings []binding
	for _, gv := range m.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		r, err := reflectRange(m, gv)
		if err != nil {
			return nil, errors.Wrapf(err, "layout: %q variable %s", label, gv.Name)
		}
		r.BaseBinding = gv.Binding.Binding
		r.Space = gv.Binding.Group
		bindings = append(bindings, binding{group: gv.Binding.Group, binding: gv.Binding.Binding, r: r})
	}
	slices.SortFunc(bindings, func(a, b binding) int {
		if c := cmp.Compare(a.group, b.group); c != 0 {
			return c
		}
		return cmp.Compare(a.binding, b.binding)
	})

	l := &PipelineLayout{Label: label}
	for i := 0; i < len(bindings); {
		group := bindings[i].group
		res := Parameter{Kind: ParamTable, Visibility: visibility}
		smp := Parameter{Kind: ParamTable, Visibility: visibility}
		for ; i < len(bindings) && bindings[i].group == group; i++ {
			if bindings[i].r.Type == RangeSampler {
				smp.Ranges = append(smp.Ranges, bindings[i].r)
			} else {
				res.Ranges = append(res.Ranges, bindings[i].r)
			}
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

func reflectRange(m *ir.Module, gv ir.GlobalVariable) (Range, error) {
	r := Range{Count: 1}
	inner := m.Types[gv.Type].Inner
	if arr, ok := inner.(ir.BindingArrayType); ok {
		if arr.Size == nil {
			return r, ErrUnboundedArray
		}
		r.Count = *arr.Size
		inner = m.Types[arr.Base].Inner
	}

	switch gv.Space {
	case ir.SpaceUniform:
		r.Type = RangeConstantBuffer
	case ir.SpaceStorage:
		r.Type = RangeUnorderedAccess
		if gv.Access == ir.StorageRead {
			r.Type = RangeShaderResource
		}
	case ir.SpaceHandle:
		switch t := inner.(type) {
		case ir.SamplerType:
			r.Type = RangeSampler
		case ir.ImageType:
			r.Type = RangeShaderResource
			if t.Class == ir.ImageClassStorage && t.StorageAccess != ir.StorageAccessRead {
				r.Type = RangeUnorderedAccess
			}
		default:
			r.Type = RangeShaderResource
		}
	default:
		return r, errors.Newf("unsupported address space %d for a bound variable", gv.Space)
	}
	return r, nil
}

func stages(m *ir.Module) gputypes.ShaderStages {
	var s gputypes.ShaderStages
	for _, ep := range m.EntryPoints {
		switch ep.Stage {
		case ir.StageVertex:
			s |= gputypes.ShaderStageVertex
		case ir.StageFragment:
			s |= gputypes.ShaderStageFragment
		case ir.StageCompute:
			s |= gputypes.ShaderStageCompute
		}
	}
	if s == 0 {
		s = gputypes.ShaderStagesAll
	}
	return s
}

// Cache memoizes FromWGSL by source text.
type Cache struct {
	layouts *cache.Cache[string, *PipelineLayout]
}

// NewCache creates a reflection cache holding at most limit layouts.
func NewCache(limit int) *Cache {
	return &Cache{layouts: cache.New[string, *PipelineLayout](limit)}
}

// Reflect returns the layout of source, reflecting it on first use.
// Reflection failures are not cached.
func (c *Cache) Reflect(label, source string) (*PipelineLayout, error) {
	return c.layouts.GetOrCreate(source, func() (*PipelineLayout, error) {
		return FromWGSL(label, source)
	})
}

// Len returns the number of cached layouts.
func (c *Cache) Len() int { return c.layouts.Len() }
