// Package gpuobj is the handle/object layer: typed pools of GPU objects
// addressed by generation-checked handles.
//
// Every object kind has a factory on Device that validates its init info,
// creates the native object and returns a handle. A failed factory leaves
// no trace: no pool slot is consumed and no native object stays alive.
//
// Destroying a handle invalidates it immediately, but the native object is
// only released by CollectGarbage once the GPU finished the last frame
// that used it (see Object.MarkUsed).
package gpuobj

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/cache"
	"github.com/gogpu/gr/internal/logx"
)

// Validation failures of the factories. They are returned wrapped in a
// grerr.Validation error.
var (
	ErrInvalidSize        = errors.New("gpuobj: invalid size")
	ErrExceedsLimit       = errors.New("gpuobj: exceeds device limit")
	ErrInvalidUsage       = errors.New("gpuobj: invalid usage")
	ErrInvalidFormat      = errors.New("gpuobj: invalid format")
	ErrInvalidSampleCount = errors.New("gpuobj: invalid sample count")
	ErrInvalidMipCount    = errors.New("gpuobj: invalid mip level count")
	ErrInvalidSampler     = errors.New("gpuobj: invalid sampler")
	ErrInvalidShader      = errors.New("gpuobj: invalid shader")
	ErrShaderCompile      = errors.New("gpuobj: shader compilation failed")
	ErrInvalidPipeline    = errors.New("gpuobj: invalid pipeline")
	ErrInvalidQuery       = errors.New("gpuobj: invalid query set")
	ErrStaleHandle        = errors.New("gpuobj: stale or zero handle")
	ErrDeviceClosed       = errors.New("gpuobj: device closed")
)

// DefaultPipelineCacheSize is the pipeline cache capacity used when
// NewDevice is given zero.
const DefaultPipelineCacheSize = 256

func invalid(op string, sentinel error, format string, args ...any) error {
	if format == "" {
		return grerr.Validationf(op, sentinel)
	}
	return grerr.Validationf(op, fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...))
}

// entity is implemented by every pooled object kind.
type entity interface {
	header() *Object
	nativeResource() backend.Resource
}

type retired struct {
	obj    *Object
	native backend.Resource
}

// Device owns the typed pools. It is the explicit context through which
// every higher layer creates GPU objects.
type Device struct {
	be     backend.Backend
	limits backend.Limits

	buffers   *Pool[*Buffer]
	textures  *Pool[*Texture]
	samplers  *Pool[*Sampler]
	shaders   *Pool[*Shader]
	pipelines *Pool[*Pipeline]
	querySets *Pool[*QuerySet]

	pipelineCache *cache.Cache[PipelineKey, PipelineHandle]

	mu        sync.Mutex
	graveyard []retired
	closed    bool
}

// NewDevice creates a Device over an initialized backend.
// pipelineCacheSize bounds the pipeline cache; zero selects
// DefaultPipelineCacheSize.
func NewDevice(be backend.Backend, pipelineCacheSize int) *Device {
	if pipelineCacheSize <= 0 {
		pipelineCacheSize = DefaultPipelineCacheSize
	}
	return &Device{
		be:            be,
		limits:        be.Limits(),
		buffers:       NewPool[*Buffer](),
		textures:      NewPool[*Texture](),
		samplers:      NewPool[*Sampler](),
		shaders:       NewPool[*Shader](),
		pipelines:     NewPool[*Pipeline](),
		querySets:     NewPool[*QuerySet](),
		pipelineCache: cache.New[PipelineKey, PipelineHandle](pipelineCacheSize, nil),
	}
}

// Backend returns the backend the device creates objects on.
func (d *Device) Backend() backend.Backend { return d.be }

// Limits returns the backend limits.
func (d *Device) Limits() backend.Limits { return d.be.Limits() }

func (d *Device) checkOpen(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return grerr.Validationf(op, ErrDeviceClosed)
	}
	return nil
}

func lookup[T entity](p *Pool[T], h Handle[T], op string) (T, error) {
	v, ok := p.Get(h)
	if !ok {
		return v, grerr.Validationf(op, fmt.Errorf("%w: %v", ErrStaleHandle, h))
	}
	return v, nil
}

func destroy[T entity](d *Device, p *Pool[T], h Handle[T], op string) error {
	v, ok := p.Remove(h)
	if !ok {
		return grerr.Validationf(op, fmt.Errorf("%w: %v", ErrStaleHandle, h))
	}
	d.retire(v.header(), v.nativeResource())
	return nil
}

// retire queues a native object for destruction after its last use.
func (d *Device) retire(o *Object, native backend.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graveyard = append(d.graveyard, retired{obj: o, native: native})
}

// CollectGarbage destroys retired native objects whose last use is at or
// before completed, the newest frame serial the GPU finished. It returns
// the number destroyed.
func (d *Device) CollectGarbage(completed uint64) int {
	d.mu.Lock()
	var dead []retired
	keep := d.graveyard[:0]
	for _, r := range d.graveyard {
		if r.obj.LastUse() <= completed {
			dead = append(dead, r)
		} else {
			keep = append(keep, r)
		}
	}
	clear(d.graveyard[len(keep):])
	d.graveyard = keep
	d.mu.Unlock()

	for _, r := range dead {
		r.native.Destroy()
		logx.L().Debug("gpuobj: destroyed", "object", r.obj.String(), "last_use", r.obj.LastUse())
	}
	return len(dead)
}

// PendingDestroy returns the number of retired objects not yet destroyed.
func (d *Device) PendingDestroy() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.graveyard)
}

// Close destroys every live and retired object. The GPU must be idle.
// Later factory calls fail with ErrDeviceClosed.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pipelineCache.Clear()
	n := 0
	for _, v := range d.pipelines.Drain() {
		v.native.Destroy()
		n++
	}
	for _, v := range d.shaders.Drain() {
		v.native.Destroy()
		n++
	}
	for _, v := range d.samplers.Drain() {
		v.native.Destroy()
		n++
	}
	for _, v := range d.querySets.Drain() {
		v.native.Destroy()
		n++
	}
	for _, v := range d.textures.Drain() {
		v.native.Destroy()
		n++
	}
	for _, v := range d.buffers.Drain() {
		v.native.Destroy()
		n++
	}
	n += d.CollectGarbage(^uint64(0))
	logx.L().Info("gpuobj: device closed", "destroyed", n)
}

// Stats is a snapshot of the device pools.
type Stats struct {
	Buffers        int
	Textures       int
	Samplers       int
	Shaders        int
	Pipelines      int
	QuerySets      int
	PendingDestroy int
	PipelineCache  cache.Stats
}

// Live returns the total number of live objects.
func (s Stats) Live() int {
	return s.Buffers + s.Textures + s.Samplers + s.Shaders + s.Pipelines + s.QuerySets
}

// Stats returns a snapshot of the pool sizes.
func (d *Device) Stats() Stats {
	return Stats{
		Buffers:        d.buffers.Len(),
		Textures:       d.textures.Len(),
		Samplers:       d.samplers.Len(),
		Shaders:        d.shaders.Len(),
		Pipelines:      d.pipelines.Len(),
		QuerySets:      d.querySets.Len(),
		PendingDestroy: d.PendingDestroy(),
		PipelineCache:  d.pipelineCache.Stats(),
	}
}
