package transient

import (
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/backend/soft"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/stats"
)

func newSoft(t *testing.T) *soft.Backend {
	t.Helper()
	be := soft.New()
	require.NoError(t, be.Init())
	t.Cleanup(be.Close)
	return be
}

func TestRingAllocate(t *testing.T) {
	be := newSoft(t)
	reg := stats.NewRegistry()
	r, err := NewRing(be, 3*4096, 3, reg.Counter(stats.TransientMem))
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(4096), r.RegionSize())

	r.Reset(1)
	a, err := r.Allocate(100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), a.Offset, "region 1 starts after region 0")
	assert.Equal(t, uint64(100), a.Size)

	b, err := r.Allocate(16, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096+256), b.Offset, "default alignment is the scratch alignment")

	c, err := r.Allocate(4, 4)
	require.NoError(t, err)
	assert.Equal(t, b.Offset+16, c.Offset)

	r.Publish()
	assert.Equal(t, int64(256+16+4), reg.Snapshot()[stats.TransientMem])

	r.Reset(1)
	d, err := r.Allocate(8, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Offset, d.Offset, "reset rewinds the region")
	assert.Equal(t, uint64(256+16+4), r.Stats().Peak)
}

func TestRingOversize(t *testing.T) {
	be := newSoft(t)
	r, err := NewRing(be, 2*1024, 2, nil)
	require.NoError(t, err)
	defer r.Close()
	r.Reset(0)

	a, err := r.Allocate(2048, 0)
	assert.ErrorIs(t, err, ErrRingCapacity)
	assert.ErrorIs(t, err, grerr.ErrValidation)
	assert.True(t, a.IsZero())
	assert.Equal(t, uint64(0), r.Stats().Used, "nothing allocated")

	_, err = r.Allocate(1000, 0)
	require.NoError(t, err)
	a, err = r.Allocate(64, 0)
	assert.ErrorIs(t, err, ErrRingCapacity, "exhausted region")
	assert.True(t, a.IsZero())
	assert.Equal(t, uint64(1000), r.Stats().Used)
	assert.Equal(t, uint64(2), r.Stats().Rejected)
}

func TestRingBadRequests(t *testing.T) {
	be := newSoft(t)
	_, err := NewRing(be, 1024, 0, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = NewRing(be, 100, 4, nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	r, err := NewRing(be, 1024, 1, nil)
	require.NoError(t, err)
	_, err = r.Allocate(0, 0)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = r.Allocate(8, 3)
	assert.ErrorIs(t, err, ErrBadRequest)

	r.Close()
	r.Close()
	_, err = r.Allocate(8, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRingWrite(t *testing.T) {
	be := newSoft(t)
	r, err := NewRing(be, 1024, 1, nil)
	require.NoError(t, err)
	defer r.Close()
	r.Reset(0)

	a, err := r.Allocate(4, 0)
	require.NoError(t, err)
	require.NoError(t, r.Write(a, []byte{1, 2, 3, 4}))
	data := r.Buffer().(*soft.Buffer).Bytes()
	assert.Equal(t, []byte{1, 2, 3, 4}, data[a.Offset:a.Offset+4])

	assert.ErrorIs(t, r.Write(a, make([]byte, 5)), ErrBadRequest)
}

func TestRingConcurrent(t *testing.T) {
	be := newSoft(t)
	r, err := NewRing(be, 1<<20, 1, nil)
	require.NoError(t, err)
	defer r.Close()
	r.Reset(0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				a, err := r.Allocate(64, 64)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[a.Offset] {
					t.Errorf("offset %d handed out twice", a.Offset)
				}
				seen[a.Offset] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 400)
	assert.Equal(t, uint64(400*64), r.Stats().Used)
}

func TestRingBackendFailure(t *testing.T) {
	be := newSoft(t)
	be.FailCreates(1)
	_, err := NewRing(be, 1024, 1, nil)
	assert.ErrorIs(t, err, grerr.ErrBackend)
	assert.Equal(t, int64(0), be.Live())
}

func rtDesc(w, h uint32) backend.TextureDesc {
	return backend.TextureDesc{
		Label:  "rt",
		Width:  w,
		Height: h,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
}

func TestAttachmentHeapRegions(t *testing.T) {
	be := newSoft(t)
	reg := stats.NewRegistry()
	h, err := NewAttachmentHeap(be, 1<<20, 2, reg.Counter(stats.AttachmentMem))
	require.NoError(t, err)
	defer h.Close()
	h.Reset(0)

	a, err := h.AllocRegion(1000, 0)
	require.NoError(t, err)
	b, err := h.AllocRegion(1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a)
	assert.Equal(t, h.Alignment(), b, "regions are placement aligned")

	_, err = h.AllocRegion(1<<20, 0)
	assert.ErrorIs(t, err, ErrHeapCapacity)
	assert.ErrorIs(t, err, grerr.ErrValidation)

	h.Publish()
	assert.Equal(t, int64(h.Alignment()+1000), reg.Snapshot()[stats.AttachmentMem])

	h.Reset(0)
	c, err := h.AllocRegion(64, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c)
}

func TestAttachmentHeapCache(t *testing.T) {
	be := newSoft(t)
	h, err := NewAttachmentHeap(be, 1<<20, 2, nil)
	require.NoError(t, err)
	defer h.Close()

	h.Reset(0)
	off, err := h.AllocRegion(64*64*4, 0)
	require.NoError(t, err)
	t1, err := h.Texture(off, rtDesc(64, 64))
	require.NoError(t, err)
	heap, placed := t1.(*soft.Texture).Placement()
	require.NotNil(t, heap)
	assert.Equal(t, off, placed)

	renamed := rtDesc(64, 64)
	renamed.Label = "other"
	t2, err := h.Texture(off, renamed)
	require.NoError(t, err)
	assert.NotSame(t, t1, t2, "each name gets its own placed texture")
	assert.Equal(t, "other", t2.Desc().Label)
	again, err := h.Texture(off, renamed)
	require.NoError(t, err)
	assert.Same(t, t2, again)

	t3, err := h.Texture(off, rtDesc(32, 32))
	require.NoError(t, err)
	assert.NotSame(t, t1, t3, "aliased shapes get distinct placed textures")

	buf, err := h.Buffer(off, backend.BufferDesc{Size: 256, Usage: gputypes.BufferUsageStorage})
	require.NoError(t, err)
	assert.Equal(t, uint64(256), buf.Size())
	assert.Equal(t, 3, h.Stats().Textures)
	assert.Equal(t, 1, h.Stats().Buffers)

	// Slot 1 has its own arena.
	h.Reset(1)
	t4, err := h.Texture(0, rtDesc(64, 64))
	require.NoError(t, err)
	assert.NotSame(t, t1, t4)

	// Slot 0 again: everything was used during its last occupancy.
	h.Reset(0)
	assert.Equal(t, 3, h.Stats().Textures)
	t5, err := h.Texture(off, rtDesc(64, 64))
	require.NoError(t, err)
	assert.Same(t, t1, t5)

	// A full cycle later only t1 survives.
	h.Reset(1)
	h.Reset(0)
	assert.Equal(t, 1, h.Stats().Textures)
	assert.Equal(t, 0, h.Stats().Buffers)
	assert.True(t, t2.(*soft.Texture).Destroyed())
	assert.True(t, t3.(*soft.Texture).Destroyed())
	assert.False(t, t1.(*soft.Texture).Destroyed())
	assert.Equal(t, uint64(3), h.Stats().Evicted)
}

func TestAttachmentHeapClose(t *testing.T) {
	be := newSoft(t)
	h, err := NewAttachmentHeap(be, 1<<20, 3, nil)
	require.NoError(t, err)
	h.Reset(0)
	_, err = h.Texture(0, rtDesc(16, 16))
	require.NoError(t, err)

	h.Close()
	h.Close()
	assert.Equal(t, int64(0), be.Live())
	_, err = h.AllocRegion(16, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAttachmentHeapFailureCleansUp(t *testing.T) {
	be := newSoft(t)
	be.FailCreates(1)
	_, err := NewAttachmentHeap(be, 1<<16, 2, nil)
	assert.ErrorIs(t, err, grerr.ErrBackend)
	assert.Equal(t, int64(0), be.Live())

	_, err = NewAttachmentHeap(be, 0, 2, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}
