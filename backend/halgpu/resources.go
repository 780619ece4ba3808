package halgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gr/backend"
)

// object is embedded by every HAL-backed object. release runs once, on
// the first Destroy.
type object struct {
	owner     *Backend
	destroyed atomic.Bool
	release   func()
}

func (o *object) init(b *Backend, release func()) {
	o.owner = b
	o.release = release
	b.live.Add(1)
}

// Destroy releases the HAL object. Repeated calls are ignored.
func (o *object) Destroy() {
	if !o.destroyed.CompareAndSwap(false, true) {
		return
	}
	if o.release != nil && o.owner.device != nil {
		o.release()
	}
	o.owner.live.Add(-1)
}

// Destroyed reports whether Destroy was called.
func (o *object) Destroyed() bool { return o.destroyed.Load() }

// Buffer wraps a hal.Buffer.
type Buffer struct {
	object
	raw  hal.Buffer
	size uint64
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Texture wraps a hal.Texture. Render attachments carry a default view.
type Texture struct {
	object
	raw  hal.Texture
	view hal.TextureView
	desc backend.TextureDesc
}

// Desc returns the creation descriptor.
func (t *Texture) Desc() backend.TextureDesc { return t.desc }

// Raw returns the HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// Heap is a logical memory range. The HAL has no placed resources, so
// resources placed in a heap are created as standalone allocations and
// the heap only validates their ranges.
type Heap struct {
	object
	size uint64
}

// Size returns the heap size in bytes.
func (h *Heap) Size() uint64 { return h.size }

// Sampler wraps a hal.Sampler.
type Sampler struct {
	object
	raw hal.Sampler
}

// Shader wraps a hal.ShaderModule.
type Shader struct {
	object
	raw hal.ShaderModule
}

// Pipeline wraps a render or compute pipeline and its empty layout.
type Pipeline struct {
	object
	render  hal.RenderPipeline
	compute hal.ComputePipeline
}

// Compute reports whether this is a compute pipeline.
func (p *Pipeline) Compute() bool { return p.compute != nil }

// QueryPool wraps a hal.QuerySet.
type QueryPool struct {
	object
	raw   hal.QuerySet
	kind  backend.QueryKind
	count uint32
}

// Kind returns the query kind.
func (q *QueryPool) Kind() backend.QueryKind { return q.kind }

// Count returns the number of queries in the pool.
func (q *QueryPool) Count() uint32 { return q.count }

func (b *Backend) CreateBuffer(desc *backend.BufferDesc) (backend.Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	usage := desc.Usage
	if desc.HostVisible {
		usage |= gputypes.BufferUsageCopyDst
	}
	raw, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, err))
	}
	buf := &Buffer{raw: raw, size: desc.Size}
	buf.init(b, func() { b.device.DestroyBuffer(raw) })
	return buf, nil
}

func (b *Backend) CreateTexture(desc *backend.TextureDesc) (backend.Texture, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	raw, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.DepthOrLayers, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   max(desc.Samples, 1),
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create texture %q: %w", desc.Label, err))
	}
	t := &Texture{raw: raw, desc: *desc}
	if desc.Usage&gputypes.TextureUsageRenderAttachment != 0 {
		t.view, err = b.device.CreateTextureView(raw, &hal.TextureViewDescriptor{
			Label:         desc.Label,
			Format:        desc.Format,
			Dimension:     gputypes.TextureViewDimension2D,
			Aspect:        gputypes.TextureAspectAll,
			MipLevelCount: 1,
		})
		if err != nil {
			b.device.DestroyTexture(raw)
			return nil, b.fail(fmt.Errorf("halgpu: create view of %q: %w", desc.Label, err))
		}
	}
	view := t.view
	t.init(b, func() {
		if view != nil {
			b.device.DestroyTextureView(view)
		}
		b.device.DestroyTexture(raw)
	})
	return t, nil
}

func (b *Backend) CreateHeap(desc *backend.HeapDesc) (backend.Heap, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	h := &Heap{size: desc.Size}
	h.init(b, nil)
	return h, nil
}

func (b *Backend) placement(heap backend.Heap, offset, size uint64) error {
	h, ok := heap.(*Heap)
	if !ok || h.owner != b {
		return ErrForeignObject
	}
	if align := b.limits.PlacementAlignment; align != 0 && offset%align != 0 {
		return fmt.Errorf("halgpu: placement offset %d not aligned to %d", offset, align)
	}
	if offset+size > h.size {
		return fmt.Errorf("halgpu: placed resource [%d, %d) outside heap of %d bytes", offset, offset+size, h.size)
	}
	return nil
}

func (b *Backend) CreatePlacedTexture(heap backend.Heap, offset uint64, desc *backend.TextureDesc) (backend.Texture, error) {
	if err := b.placement(heap, offset, desc.ByteSize()); err != nil {
		return nil, err
	}
	return b.CreateTexture(desc)
}

func (b *Backend) CreatePlacedBuffer(heap backend.Heap, offset uint64, desc *backend.BufferDesc) (backend.Buffer, error) {
	if err := b.placement(heap, offset, desc.Size); err != nil {
		return nil, err
	}
	return b.CreateBuffer(desc)
}

func (b *Backend) CreateSampler(desc *backend.SamplerDesc) (backend.Sampler, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	raw, err := b.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: desc.AddressMode,
		AddressModeV: desc.AddressMode,
		AddressModeW: desc.AddressMode,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
		LodMinClamp:  desc.LodMinClamp,
		LodMaxClamp:  desc.LodMaxClamp,
		Compare:      desc.Compare,
		Anisotropy:   max(desc.Anisotropy, 1),
	})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create sampler %q: %w", desc.Label, err))
	}
	s := &Sampler{raw: raw}
	s.init(b, func() { b.device.DestroySampler(raw) })
	return s, nil
}

func (b *Backend) CreateShader(desc *backend.ShaderDesc) (backend.Shader, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	raw, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{WGSL: desc.WGSL, SPIRV: desc.SPIRV},
	})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create shader %q: %w", desc.Label, err))
	}
	s := &Shader{raw: raw}
	s.init(b, func() { b.device.DestroyShaderModule(raw) })
	return s, nil
}

func (b *Backend) shader(s backend.Shader) (hal.ShaderModule, error) {
	hs, ok := s.(*Shader)
	if !ok || hs.owner != b {
		return nil, ErrForeignObject
	}
	return hs.raw, nil
}

// layout creates the empty pipeline layout every pipeline is built on.
func (b *Backend) layout(label string) (hal.PipelineLayout, error) {
	l, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: label})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create layout %q: %w", label, err))
	}
	return l, nil
}

func (b *Backend) CreateRenderPipeline(desc *backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	vs, err := b.shader(desc.Vertex)
	if err != nil {
		return nil, err
	}
	hd := &hal.RenderPipelineDescriptor{
		Label:       desc.Label,
		Vertex:      hal.VertexState{Module: vs, EntryPoint: desc.VertexEntry},
		Primitive:   gputypes.PrimitiveState{Topology: desc.Topology},
		Multisample: gputypes.MultisampleState{Count: max(desc.Samples, 1), Mask: ^uint64(0)},
	}
	if desc.Fragment != nil {
		fs, err := b.shader(desc.Fragment)
		if err != nil {
			return nil, err
		}
		targets := make([]gputypes.ColorTargetState, len(desc.ColorFormats))
		for i, f := range desc.ColorFormats {
			targets[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
		}
		hd.Fragment = &hal.FragmentState{Module: fs, EntryPoint: desc.FragmentEntry, Targets: targets}
	}
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		hd.DepthStencil = &hal.DepthStencilState{
			Format:            desc.DepthFormat,
			DepthWriteEnabled: desc.DepthWrite,
			DepthCompare:      desc.DepthCompare,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0xFF,
		}
	}
	if hd.Layout, err = b.layout(desc.Label); err != nil {
		return nil, err
	}
	raw, err := b.device.CreateRenderPipeline(hd)
	if err != nil {
		b.device.DestroyPipelineLayout(hd.Layout)
		return nil, b.fail(fmt.Errorf("halgpu: create render pipeline %q: %w", desc.Label, err))
	}
	layout := hd.Layout
	p := &Pipeline{render: raw}
	p.init(b, func() {
		b.device.DestroyRenderPipeline(raw)
		b.device.DestroyPipelineLayout(layout)
	})
	return p, nil
}

func (b *Backend) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	cs, err := b.shader(desc.Shader)
	if err != nil {
		return nil, err
	}
	layout, err := b.layout(desc.Label)
	if err != nil {
		return nil, err
	}
	raw, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: cs, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		b.device.DestroyPipelineLayout(layout)
		return nil, b.fail(fmt.Errorf("halgpu: create compute pipeline %q: %w", desc.Label, err))
	}
	p := &Pipeline{compute: raw}
	p.init(b, func() {
		b.device.DestroyComputePipeline(raw)
		b.device.DestroyPipelineLayout(layout)
	})
	return p, nil
}

func (b *Backend) CreateQueryPool(desc *backend.QueryPoolDesc) (backend.QueryPool, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var typ hal.QueryType
	switch desc.Kind {
	case backend.QueryOcclusion:
		typ = hal.QueryTypeOcclusion
	case backend.QueryTimestamp:
		if !b.limits.TimestampQueries {
			return nil, fmt.Errorf("halgpu: %w: timestamp queries", backend.ErrUnsupported)
		}
		typ = hal.QueryTypeTimestamp
	default:
		return nil, fmt.Errorf("halgpu: %w: %v queries", backend.ErrUnsupported, desc.Kind)
	}
	raw, err := b.device.CreateQuerySet(&hal.QuerySetDescriptor{Label: desc.Label, Type: typ, Count: desc.Count})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create query set %q: %w", desc.Label, err))
	}
	q := &QueryPool{raw: raw, kind: desc.Kind, count: desc.Count}
	q.init(b, func() { b.device.DestroyQuerySet(raw) })
	return q, nil
}

// WriteBuffer uploads data through the queue.
func (b *Backend) WriteBuffer(buf backend.Buffer, offset uint64, data []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	hb, ok := buf.(*Buffer)
	if !ok || hb.owner != b {
		return ErrForeignObject
	}
	if offset+uint64(len(data)) > hb.size {
		return fmt.Errorf("halgpu: write [%d, %d) outside buffer of %d bytes", offset, offset+uint64(len(data)), hb.size)
	}
	if err := b.queue.WriteBuffer(hb.raw, offset, data); err != nil {
		return b.fail(fmt.Errorf("halgpu: write buffer: %w", err))
	}
	return nil
}
