package gpuobj

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/internal/logx"
)

// PipelineHandle references a Pipeline in a Device.
type PipelineHandle = Handle[*Pipeline]

// maxColorTargets bounds PipelineKey; no backend supports more.
const maxColorTargets = 8

// RenderPipelineInitInfo describes a graphics pipeline. Fragment may be
// zero for depth-only pipelines.
type RenderPipelineInitInfo struct {
	Name         string
	Vertex       ShaderHandle
	Fragment     ShaderHandle
	ColorFormats []gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat
	Samples      uint32
	Topology     gputypes.PrimitiveTopology
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
}

// ComputePipelineInitInfo describes a compute pipeline.
type ComputePipelineInitInfo struct {
	Name   string
	Shader ShaderHandle
}

// PipelineKey identifies a pipeline by the ids of its shaders and its
// fixed-function state. Equal keys share one pipeline.
type PipelineKey struct {
	Compute      bool
	Vertex       ID
	Fragment     ID
	Colors       [maxColorTargets]gputypes.TextureFormat
	NumColors    uint8
	Depth        gputypes.TextureFormat
	Samples      uint32
	Topology     gputypes.PrimitiveTopology
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
}

// Pipeline is a render or compute pipeline. Pipelines are shared through
// the device's pipeline cache.
type Pipeline struct {
	Object
	key    PipelineKey
	native backend.Pipeline
}

func (p *Pipeline) header() *Object                  { return &p.Object }
func (p *Pipeline) nativeResource() backend.Resource { return p.native }

// Compute reports whether this is a compute pipeline.
func (p *Pipeline) Compute() bool { return p.key.Compute }

// Key returns the cache key.
func (p *Pipeline) Key() PipelineKey { return p.key }

// Native returns the backend pipeline.
func (p *Pipeline) Native() backend.Pipeline { return p.native }

func (d *Device) stageShader(op string, h ShaderHandle, stage gputypes.ShaderStage, what string) (*Shader, error) {
	s, ok := d.shaders.Get(h)
	if !ok {
		return nil, invalid(op, ErrInvalidPipeline, "%s shader %v is stale", what, h)
	}
	if s.stage != stage {
		return nil, invalid(op, ErrInvalidPipeline, "%s shader %s has stage %#x", what, s.String(), uint32(s.stage))
	}
	return s, nil
}

// NewRenderPipeline returns the cached pipeline for info or creates one.
func (d *Device) NewRenderPipeline(info RenderPipelineInitInfo) (PipelineHandle, error) {
	const op = "new render pipeline"
	if err := d.checkOpen(op); err != nil {
		return PipelineHandle{}, err
	}
	if info.Samples == 0 {
		info.Samples = 1
	}
	vs, err := d.stageShader(op, info.Vertex, gputypes.ShaderStageVertex, "vertex")
	if err != nil {
		return PipelineHandle{}, err
	}
	var fs *Shader
	if !info.Fragment.IsZero() {
		if fs, err = d.stageShader(op, info.Fragment, gputypes.ShaderStageFragment, "fragment"); err != nil {
			return PipelineHandle{}, err
		}
	}

	limit := min(int(d.limits.MaxColorAttachments), maxColorTargets)
	switch {
	case len(info.ColorFormats) > limit:
		return PipelineHandle{}, invalid(op, ErrExceedsLimit, "%q has %d color targets, max %d", info.Name, len(info.ColorFormats), limit)
	case len(info.ColorFormats) == 0 && info.DepthFormat == gputypes.TextureFormatUndefined:
		return PipelineHandle{}, invalid(op, ErrInvalidPipeline, "%q has no render targets", info.Name)
	case len(info.ColorFormats) > 0 && fs == nil:
		return PipelineHandle{}, invalid(op, ErrInvalidPipeline, "%q writes color without a fragment shader", info.Name)
	case info.DepthFormat != gputypes.TextureFormatUndefined && !info.DepthFormat.HasDepth():
		return PipelineHandle{}, invalid(op, ErrInvalidFormat, "%q depth format %v", info.Name, info.DepthFormat)
	case info.Samples != 1 && info.Samples != 4:
		return PipelineHandle{}, invalid(op, ErrInvalidSampleCount, "%q has %d samples", info.Name, info.Samples)
	}
	for _, f := range info.ColorFormats {
		if f == gputypes.TextureFormatUndefined || f.IsDepthStencil() {
			return PipelineHandle{}, invalid(op, ErrInvalidFormat, "%q color format %v", info.Name, f)
		}
	}

	key := PipelineKey{
		Vertex:       vs.ID(),
		Depth:        info.DepthFormat,
		Samples:      info.Samples,
		Topology:     info.Topology,
		DepthWrite:   info.DepthWrite,
		DepthCompare: info.DepthCompare,
		NumColors:    uint8(len(info.ColorFormats)),
	}
	copy(key.Colors[:], info.ColorFormats)
	if fs != nil {
		key.Fragment = fs.ID()
	}

	return d.cachedPipeline(op, key, info.Name, func() (backend.Pipeline, error) {
		desc := &backend.RenderPipelineDesc{
			Label:        info.Name,
			Vertex:       vs.native,
			VertexEntry:  vs.entry,
			ColorFormats: info.ColorFormats,
			DepthFormat:  info.DepthFormat,
			Samples:      info.Samples,
			Topology:     info.Topology,
			DepthWrite:   info.DepthWrite,
			DepthCompare: info.DepthCompare,
		}
		if fs != nil {
			desc.Fragment = fs.native
			desc.FragmentEntry = fs.entry
		}
		return d.be.CreateRenderPipeline(desc)
	})
}

// NewComputePipeline returns the cached pipeline for info or creates one.
func (d *Device) NewComputePipeline(info ComputePipelineInitInfo) (PipelineHandle, error) {
	const op = "new compute pipeline"
	if err := d.checkOpen(op); err != nil {
		return PipelineHandle{}, err
	}
	cs, err := d.stageShader(op, info.Shader, gputypes.ShaderStageCompute, "compute")
	if err != nil {
		return PipelineHandle{}, err
	}
	key := PipelineKey{Compute: true, Vertex: cs.ID()}
	return d.cachedPipeline(op, key, info.Name, func() (backend.Pipeline, error) {
		return d.be.CreateComputePipeline(&backend.ComputePipelineDesc{
			Label:      info.Name,
			Shader:     cs.native,
			EntryPoint: cs.entry,
		})
	})
}

func (d *Device) cachedPipeline(op string, key PipelineKey, name string, create func() (backend.Pipeline, error)) (PipelineHandle, error) {
	if h, ok := d.pipelineCache.Get(key); ok {
		if _, alive := d.pipelines.Get(h); alive {
			return h, nil
		}
		d.pipelineCache.Delete(key)
	}
	h, hit, err := d.pipelineCache.GetOrCreate(key, func() (PipelineHandle, error) {
		native, err := create()
		if err != nil {
			return PipelineHandle{}, backend.Classify(op, err)
		}
		p := &Pipeline{key: key, native: native}
		p.Init(KindPipeline, name)
		return d.pipelines.Insert(p), nil
	})
	if err == nil && !hit {
		logx.L().Debug("gpuobj: pipeline created", "name", name, "compute", key.Compute)
	}
	return h, err
}

// Pipeline resolves h.
func (d *Device) Pipeline(h PipelineHandle) (*Pipeline, error) {
	return lookup(d.pipelines, h, "pipeline")
}

// DestroyPipeline invalidates h, drops it from the cache and releases the
// pipeline after its last use.
func (d *Device) DestroyPipeline(h PipelineHandle) error {
	if p, ok := d.pipelines.Get(h); ok {
		d.pipelineCache.Delete(p.key)
	}
	return destroy(d, d.pipelines, h, "destroy pipeline")
}
