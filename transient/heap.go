package transient

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
	"github.com/gogpu/gr/stats"
)

// HeapStats describes the current slot arena.
type HeapStats struct {
	// Capacity is the size of one arena.
	Capacity uint64

	// Used is the number of bytes handed out by AllocRegion this frame.
	Used uint64

	// Peak is the largest Used seen over the heap's lifetime.
	Peak uint64

	// Textures and Buffers count the placed resources cached in the
	// current arena.
	Textures int
	Buffers  int

	// Evicted counts cached resources destroyed for staying unused for a
	// full slot cycle.
	Evicted uint64
}

// String returns a human-readable summary.
func (s HeapStats) String() string {
	return fmt.Sprintf("AttachmentHeap[%d/%d MB used, peak %d MB, %d textures, %d buffers, %d evicted]",
		s.Used>>20, s.Capacity>>20, s.Peak>>20, s.Textures, s.Buffers, s.Evicted)
}

// Labels are not part of the keys, so a renamed transient with the same
// shape at the same offset reuses the placed resource.
type textureKey struct {
	offset uint64
	desc   backend.TextureDesc
}

type bufferKey struct {
	offset uint64
	desc   backend.BufferDesc
}

type placedTexture struct {
	tex   backend.Texture
	cycle uint64
}

type placedBuffer struct {
	buf   backend.Buffer
	cycle uint64
}

// arena is the heap of one frame slot and the placed resources created in
// it. cycle counts how many times the slot has been reset.
type arena struct {
	heap     backend.Heap
	cursor   uint64
	cycle    uint64
	textures map[textureKey]*placedTexture
	buffers  map[bufferKey]*placedBuffer
}

// AttachmentHeap hands out linear regions of a per-slot backend heap and
// caches the textures and buffers placed in them.
//
// AttachmentHeap is safe for concurrent use.
type AttachmentHeap struct {
	be      backend.Backend
	size    uint64
	align   uint64
	counter *stats.Counter

	mu      sync.Mutex
	arenas  []*arena
	cur     *arena
	peak    uint64
	evicted uint64
	closed  bool
}

// NewAttachmentHeap creates slots arenas of size bytes each. The
// high-water mark of each frame is published on counter when non-nil.
func NewAttachmentHeap(be backend.Backend, size uint64, slots int, counter *stats.Counter) (*AttachmentHeap, error) {
	const op = "new attachment heap"
	if slots <= 0 || size == 0 {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %d slots of %d bytes", ErrBadRequest, slots, size))
	}
	h := &AttachmentHeap{
		be:      be,
		size:    size,
		align:   max(be.Limits().PlacementAlignment, 1),
		counter: counter,
		arenas:  make([]*arena, 0, slots),
	}
	for i := range slots {
		native, err := be.CreateHeap(&backend.HeapDesc{Label: fmt.Sprintf("gr attachment heap %d", i), Size: size})
		if err != nil {
			h.Close()
			return nil, backend.Classify(op, err)
		}
		h.arenas = append(h.arenas, &arena{
			heap:     native,
			textures: make(map[textureKey]*placedTexture),
			buffers:  make(map[bufferKey]*placedBuffer),
		})
	}
	h.cur = h.arenas[0]
	return h, nil
}

// Alignment returns the placement alignment of regions.
func (h *AttachmentHeap) Alignment() uint64 { return h.align }

// Capacity returns the size of one arena.
func (h *AttachmentHeap) Capacity() uint64 { return h.size }

// Reset makes slot the current arena and rewinds it. Placed resources not
// used since the previous reset of the slot are destroyed. The caller
// guarantees the GPU no longer uses the arena.
func (h *AttachmentHeap) Reset(slot int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	a := h.arenas[slot%len(h.arenas)]
	var n int
	for k, p := range a.textures {
		if p.cycle < a.cycle {
			p.tex.Destroy()
			delete(a.textures, k)
			n++
		}
	}
	for k, p := range a.buffers {
		if p.cycle < a.cycle {
			p.buf.Destroy()
			delete(a.buffers, k)
			n++
		}
	}
	if n > 0 {
		h.evicted += uint64(n)
		logx.L().Debug("transient: evicted idle placed resources", "slot", slot, "count", n)
	}
	a.cycle++
	a.cursor = 0
	h.cur = a
}

// AllocRegion reserves size bytes in the current arena and returns the
// offset. align is raised to the placement alignment.
func (h *AttachmentHeap) AllocRegion(size, align uint64) (uint64, error) {
	const op = "attachment heap alloc"
	if size == 0 || (align != 0 && bits.OnesCount64(align) != 1) {
		return 0, grerr.Validationf(op, fmt.Errorf("%w: size %d align %d", ErrBadRequest, size, align))
	}
	align = max(align, h.align)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, grerr.Validationf(op, ErrClosed)
	}
	a := h.cur
	offset := backend.AlignUp(a.cursor, align)
	if size > h.size || offset+size > h.size {
		return 0, grerr.Validationf(op, fmt.Errorf("%w: %d bytes requested, %d of %d used",
			ErrHeapCapacity, size, a.cursor, h.size))
	}
	a.cursor = offset + size
	h.peak = max(h.peak, a.cursor)
	return offset, nil
}

// Texture returns the texture placed at offset in the current arena,
// creating it on first use.
func (h *AttachmentHeap) Texture(offset uint64, desc backend.TextureDesc) (backend.Texture, error) {
	const op = "attachment heap texture"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, grerr.Validationf(op, ErrClosed)
	}
	a := h.cur
	key := textureKey{offset: offset, desc: desc}
	if p, ok := a.textures[key]; ok {
		p.cycle = a.cycle
		return p.tex, nil
	}
	tex, err := h.be.CreatePlacedTexture(a.heap, offset, &desc)
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	a.textures[key] = &placedTexture{tex: tex, cycle: a.cycle}
	return tex, nil
}

// Buffer returns the buffer placed at offset in the current arena,
// creating it on first use.
func (h *AttachmentHeap) Buffer(offset uint64, desc backend.BufferDesc) (backend.Buffer, error) {
	const op = "attachment heap buffer"
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, grerr.Validationf(op, ErrClosed)
	}
	a := h.cur
	key := bufferKey{offset: offset, desc: desc}
	if p, ok := a.buffers[key]; ok {
		p.cycle = a.cycle
		return p.buf, nil
	}
	buf, err := h.be.CreatePlacedBuffer(a.heap, offset, &desc)
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	a.buffers[key] = &placedBuffer{buf: buf, cycle: a.cycle}
	return buf, nil
}

// Publish stores the current arena's high-water mark on the stats counter.
func (h *AttachmentHeap) Publish() {
	if h.counter == nil {
		return
	}
	h.mu.Lock()
	used := h.cur.cursor
	h.mu.Unlock()
	h.counter.Set(int64(used)) //nolint:gosec // G115: bounded by heap size
}

// Stats returns usage of the current arena.
func (h *AttachmentHeap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HeapStats{Capacity: h.size, Peak: h.peak, Evicted: h.evicted}
	if h.cur != nil {
		s.Used = h.cur.cursor
		s.Textures = len(h.cur.textures)
		s.Buffers = len(h.cur.buffers)
	}
	return s
}

// Close destroys every placed resource and heap. It is safe to call more
// than once.
func (h *AttachmentHeap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, a := range h.arenas {
		for _, p := range a.textures {
			p.tex.Destroy()
		}
		for _, p := range a.buffers {
			p.buf.Destroy()
		}
		a.heap.Destroy()
	}
	h.arenas = nil
}
