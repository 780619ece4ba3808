// Package transient provides per-frame memory that is never freed
// individually: a scratch ring in one host-visible buffer and an
// attachment heap for render graph transients.
//
// Both allocators are split into one region per frame-in-flight slot. A
// region is reset in bulk when its slot is reused, which the manager does
// only after the slot's fences have signaled.
package transient

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/stats"
)

// Allocator errors.
var (
	// ErrRingCapacity is returned when a scratch request does not fit in
	// the frame's ring region.
	ErrRingCapacity = errors.New("transient: ring capacity exceeded")

	// ErrHeapCapacity is returned when an attachment region does not fit
	// in the slot arena.
	ErrHeapCapacity = errors.New("transient: attachment heap capacity exceeded")

	// ErrBadRequest is returned for zero sizes and alignments that are not
	// powers of two.
	ErrBadRequest = errors.New("transient: bad request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transient: allocator closed")
)

// RingUsage is the usage of the scratch ring buffer.
const RingUsage = gputypes.BufferUsageUniform | gputypes.BufferUsageStorage |
	gputypes.BufferUsageVertex | gputypes.BufferUsageIndex | gputypes.BufferUsageCopySrc

// Allocation is a byte range in the ring buffer. The zero Allocation is
// returned on failure.
type Allocation struct {
	Buffer backend.Buffer
	Offset uint64
	Size   uint64
}

// IsZero reports whether a is the zero Allocation.
func (a Allocation) IsZero() bool { return a.Buffer == nil }

// RingStats describes ring usage.
type RingStats struct {
	// Capacity is the size of one frame region.
	Capacity uint64

	// Used is the number of bytes allocated in the current frame,
	// including alignment padding.
	Used uint64

	// Peak is the largest Used seen over the ring's lifetime.
	Peak uint64

	// Allocations counts successful allocations in the current frame.
	Allocations int

	// Rejected counts requests refused for capacity.
	Rejected uint64
}

// String returns a human-readable summary.
func (s RingStats) String() string {
	return fmt.Sprintf("Ring[%d/%d KB used, peak %d KB, %d allocs, %d rejected]",
		s.Used/1024, s.Capacity/1024, s.Peak/1024, s.Allocations, s.Rejected)
}

// Ring is a linear scratch allocator over one host-visible buffer split
// into one region per frame slot.
//
// Ring is safe for concurrent use; the mutex guards only the cursor.
type Ring struct {
	be         backend.Backend
	buf        backend.Buffer
	regionSize uint64
	regions    int
	align      uint64
	counter    *stats.Counter

	mu     sync.Mutex
	slot   int
	cursor uint64 // relative to the region base
	allocs int
	peak   uint64
	reject uint64
	closed bool
}

// NewRing creates a ring of size bytes split into regions equal parts.
// The high-water mark of each frame is published on counter when non-nil.
func NewRing(be backend.Backend, size uint64, regions int, counter *stats.Counter) (*Ring, error) {
	const op = "new ring"
	if regions <= 0 {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %d regions", ErrBadRequest, regions))
	}
	align := be.Limits().ScratchAlignment
	if align == 0 {
		align = 256
	}
	regionSize := size / uint64(regions) / align * align
	if regionSize == 0 {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %d bytes cannot hold %d regions", ErrBadRequest, size, regions))
	}
	buf, err := be.CreateBuffer(&backend.BufferDesc{
		Label:       "gr transient ring",
		Size:        regionSize * uint64(regions),
		Usage:       RingUsage,
		HostVisible: true,
	})
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	return &Ring{
		be:         be,
		buf:        buf,
		regionSize: regionSize,
		regions:    regions,
		align:      align,
		counter:    counter,
	}, nil
}

// Buffer returns the backing buffer.
func (r *Ring) Buffer() backend.Buffer { return r.buf }

// RegionSize returns the capacity of one frame region.
func (r *Ring) RegionSize() uint64 { return r.regionSize }

// Allocate returns size bytes aligned to align in the current region. A
// zero align uses the device's scratch alignment. A request that does not
// fit fails with ErrRingCapacity and allocates nothing.
func (r *Ring) Allocate(size, align uint64) (Allocation, error) {
	const op = "ring allocate"
	if align == 0 {
		align = r.align
	}
	if size == 0 || bits.OnesCount64(align) != 1 {
		return Allocation{}, grerr.Validationf(op, fmt.Errorf("%w: size %d align %d", ErrBadRequest, size, align))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Allocation{}, grerr.Validationf(op, ErrClosed)
	}
	base := uint64(r.slot) * r.regionSize
	offset := backend.AlignUp(base+r.cursor, align)
	if size > r.regionSize || offset+size > base+r.regionSize {
		r.reject++
		return Allocation{}, grerr.Validationf(op, fmt.Errorf("%w: %d bytes requested, %d of %d left in region %d",
			ErrRingCapacity, size, r.regionSize-min(r.cursor, r.regionSize), r.regionSize, r.slot))
	}
	r.cursor = offset + size - base
	r.allocs++
	r.peak = max(r.peak, r.cursor)
	return Allocation{Buffer: r.buf, Offset: offset, Size: size}, nil
}

// Write uploads data into a. len(data) may be smaller than a.Size.
func (r *Ring) Write(a Allocation, data []byte) error {
	const op = "ring write"
	if a.Buffer != r.buf || uint64(len(data)) > a.Size {
		return grerr.Validationf(op, fmt.Errorf("%w: %d bytes into allocation of %d", ErrBadRequest, len(data), a.Size))
	}
	if err := r.be.WriteBuffer(r.buf, a.Offset, data); err != nil {
		return backend.Classify(op, err)
	}
	return nil
}

// Reset makes slot the current region and discards everything allocated
// in it. The caller guarantees the GPU no longer reads the region.
func (r *Ring) Reset(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot = slot % r.regions
	r.cursor = 0
	r.allocs = 0
}

// Publish stores the current frame's high-water mark on the stats counter.
func (r *Ring) Publish() {
	if r.counter == nil {
		return
	}
	r.mu.Lock()
	used := r.cursor
	r.mu.Unlock()
	r.counter.Set(int64(used)) //nolint:gosec // G115: bounded by region size
}

// Stats returns current usage.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Capacity:    r.regionSize,
		Used:        r.cursor,
		Peak:        r.peak,
		Allocations: r.allocs,
		Rejected:    r.reject,
	}
}

// Close destroys the backing buffer. It is safe to call more than once.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.buf.Destroy()
}
