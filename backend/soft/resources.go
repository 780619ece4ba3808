package soft

import (
	"sync/atomic"

	"github.com/gogpu/gr/backend"
)

// object is embedded by every soft native object for leak accounting.
type object struct {
	owner     *Backend
	label     string
	destroyed atomic.Bool
}

func (o *object) init(b *Backend, label string) {
	o.owner = b
	o.label = label
	b.live.Add(1)
}

// Destroy releases the object. Repeated calls are ignored.
func (o *object) Destroy() {
	if o.destroyed.CompareAndSwap(false, true) {
		o.owner.live.Add(-1)
	}
}

// Label returns the debug label.
func (o *object) Label() string { return o.label }

// Destroyed reports whether Destroy was called.
func (o *object) Destroyed() bool { return o.destroyed.Load() }

// Buffer is a CPU-backed buffer.
type Buffer struct {
	object
	desc   backend.BufferDesc
	data   []byte
	heap   *Heap
	offset uint64
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Bytes returns the CPU copy of a host-visible buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Placement returns the heap and offset of a placed buffer.
func (b *Buffer) Placement() (*Heap, uint64) { return b.heap, b.offset }

// Texture is a texture without storage.
type Texture struct {
	object
	desc   backend.TextureDesc
	heap   *Heap
	offset uint64
}

// Desc returns the creation descriptor.
func (t *Texture) Desc() backend.TextureDesc { return t.desc }

// Placement returns the heap and offset of a placed texture.
func (t *Texture) Placement() (*Heap, uint64) { return t.heap, t.offset }

// Heap is a memory range for placed resources.
type Heap struct {
	object
	size uint64
}

// Size returns the heap size in bytes.
func (h *Heap) Size() uint64 { return h.size }

// Sampler is a sampler description holder.
type Sampler struct {
	object
	desc backend.SamplerDesc
}

// Shader keeps the source it was created from.
type Shader struct {
	object
	desc backend.ShaderDesc
}

// Desc returns the creation descriptor.
func (s *Shader) Desc() backend.ShaderDesc { return s.desc }

// Pipeline is a render or compute pipeline.
type Pipeline struct {
	object
	compute bool
}

// Compute reports whether this is a compute pipeline.
func (p *Pipeline) Compute() bool { return p.compute }

// QueryPool is a fixed-size pool of queries.
type QueryPool struct {
	object
	kind  backend.QueryKind
	count uint32
}

// Kind returns the query kind.
func (q *QueryPool) Kind() backend.QueryKind { return q.kind }

// Count returns the number of queries in the pool.
func (q *QueryPool) Count() uint32 { return q.count }
