package halgpu_test

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr"
	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/backend/halgpu"
	"github.com/gogpu/gr/rendergraph"
)

func newBackend(t *testing.T) *halgpu.Backend {
	t.Helper()
	b := halgpu.New(halgpu.WithVariant(gputypes.BackendEmpty))
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)
	return b
}

func TestInitOnNoop(t *testing.T) {
	b := newBackend(t)
	assert.Equal(t, backend.NameHAL, b.Name())
	assert.Equal(t, "Noop Adapter", b.AdapterInfo().Name)
	require.NoError(t, b.Init(), "Init is idempotent")

	l := b.Limits()
	assert.Equal(t, [backend.QueueCount]bool{backend.QueueGraphics: true}, l.Queues)
	assert.False(t, l.TimestampQueries)
	assert.False(t, l.SPIRV)
	assert.Equal(t, uint64(256), l.ScratchAlignment)
}

func TestUnknownVariant(t *testing.T) {
	b := halgpu.New(halgpu.WithVariant(gputypes.BackendDX12))
	err := b.Init()
	if err == nil {
		b.Close()
		t.Skip("dx12 registered in this build")
	}
	assert.ErrorIs(t, err, hal.ErrBackendNotFound)
}

func TestNotInitialized(t *testing.T) {
	b := halgpu.New()
	_, err := b.CreateBuffer(&backend.BufferDesc{Size: 16})
	assert.ErrorIs(t, err, backend.ErrNotInitialized)
}

func TestObjectLifecycle(t *testing.T) {
	b := newBackend(t)

	buf, err := b.CreateBuffer(&backend.BufferDesc{Label: "vb", Size: 256, Usage: gputypes.BufferUsageVertex})
	require.NoError(t, err)
	tex, err := b.CreateTexture(&backend.TextureDesc{
		Label: "rt", Width: 32, Height: 32,
		Dimension: gputypes.TextureDimension2D, Format: gputypes.TextureFormatRGBA8Unorm,
		Usage: gputypes.TextureUsageRenderAttachment,
	})
	require.NoError(t, err)
	smp, err := b.CreateSampler(&backend.SamplerDesc{Label: "linear"})
	require.NoError(t, err)
	sh, err := b.CreateShader(&backend.ShaderDesc{Label: "cs", WGSL: "@compute @workgroup_size(1) fn main() {}"})
	require.NoError(t, err)
	pipe, err := b.CreateComputePipeline(&backend.ComputePipelineDesc{Label: "cs", Shader: sh, EntryPoint: "main"})
	require.NoError(t, err)
	assert.True(t, pipe.Compute())
	rp, err := b.CreateRenderPipeline(&backend.RenderPipelineDesc{
		Label: "draw", Vertex: sh, VertexEntry: "vs", Fragment: sh, FragmentEntry: "fs",
		ColorFormats: []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	})
	require.NoError(t, err)
	assert.False(t, rp.Compute())
	// The noop device has no query sets at all; the refusal surfaces as
	// ErrUnsupported and leaves nothing behind.
	_, err = b.CreateQueryPool(&backend.QueryPoolDesc{Label: "occ", Kind: backend.QueryOcclusion, Count: 8})
	assert.ErrorIs(t, err, backend.ErrUnsupported)
	assert.Equal(t, int64(6), b.Live())

	for _, r := range []backend.Resource{buf, tex, smp, sh, pipe, rp} {
		r.Destroy()
		r.Destroy()
	}
	assert.Zero(t, b.Live())

	_, err = b.CreateQueryPool(&backend.QueryPoolDesc{Kind: backend.QueryTimestamp, Count: 2})
	assert.ErrorIs(t, err, backend.ErrUnsupported)
	_, err = b.CreateQueryPool(&backend.QueryPoolDesc{Kind: backend.QueryPipelineStatistics, Count: 2})
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestPlacedResources(t *testing.T) {
	b := newBackend(t)
	heap, err := b.CreateHeap(&backend.HeapDesc{Label: "attachments", Size: 1 << 20})
	require.NoError(t, err)
	defer heap.Destroy()

	desc := &backend.BufferDesc{Label: "placed", Size: 4096}
	buf, err := b.CreatePlacedBuffer(heap, 64<<10, desc)
	require.NoError(t, err)
	buf.Destroy()

	_, err = b.CreatePlacedBuffer(heap, 100, desc)
	assert.Error(t, err, "unaligned offset")
	_, err = b.CreatePlacedBuffer(heap, 1<<20, desc)
	assert.Error(t, err, "outside the heap")

	other := newBackend(t)
	foreign, err := other.CreateHeap(&backend.HeapDesc{Size: 1 << 20})
	require.NoError(t, err)
	defer foreign.Destroy()
	_, err = b.CreatePlacedBuffer(foreign, 0, desc)
	assert.ErrorIs(t, err, halgpu.ErrForeignObject)
}

func TestWriteBuffer(t *testing.T) {
	b := newBackend(t)
	buf, err := b.CreateBuffer(&backend.BufferDesc{Label: "ring", Size: 64, HostVisible: true})
	require.NoError(t, err)
	defer buf.Destroy()

	require.NoError(t, b.WriteBuffer(buf, 8, []byte{1, 2, 3, 4}))
	assert.Error(t, b.WriteBuffer(buf, 62, []byte{1, 2, 3, 4}))

	dev := b.HalDevice().(hal.Device)
	m, err := dev.MapBuffer(buf.(*halgpu.Buffer).Raw(), 8, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, unsafe.Slice((*byte)(m.Ptr), 4))
	require.NoError(t, dev.UnmapBuffer(buf.(*halgpu.Buffer).Raw()))
}

func TestRecordAndSubmit(t *testing.T) {
	b := newBackend(t)
	tex, err := b.CreateTexture(&backend.TextureDesc{
		Label: "color", Width: 16, Height: 16,
		Dimension: gputypes.TextureDimension2D, Format: gputypes.TextureFormatRGBA8Unorm,
		Usage: gputypes.TextureUsageRenderAttachment,
	})
	require.NoError(t, err)
	defer tex.Destroy()
	src, err := b.CreateBuffer(&backend.BufferDesc{Size: 64, Usage: gputypes.BufferUsageCopySrc})
	require.NoError(t, err)
	defer src.Destroy()
	dst, err := b.CreateBuffer(&backend.BufferDesc{Size: 64, Usage: gputypes.BufferUsageCopyDst})
	require.NoError(t, err)
	defer dst.Destroy()

	cb, err := b.CreateCommandBuffer(backend.QueueGraphics, "frame")
	require.NoError(t, err)
	defer cb.Destroy()

	require.NoError(t, cb.Begin("frame"))
	assert.ErrorIs(t, cb.Begin("again"), halgpu.ErrRecording)
	cb.Barrier([]backend.TextureBarrier{{Texture: tex, To: gputypes.TextureUsageRenderAttachment, Discard: true}}, nil)
	require.NoError(t, cb.BeginRenderPass(&backend.RenderPassDesc{
		Label: "clear",
		Color: []backend.ColorAttachment{{Texture: tex, Load: gputypes.LoadOpClear, Store: gputypes.StoreOpStore}},
	}))
	cb.Draw(3, 1, 0, 0)
	cb.EndRenderPass()
	cb.CopyBuffer(src, 0, dst, 0, 64)
	cb.ClearBuffer(dst, 0, 64)
	require.NoError(t, cb.End())

	sem, err := b.CreateSemaphore()
	require.NoError(t, err)
	defer sem.Destroy()
	fence, err := b.CreateFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, b.Submit(backend.QueueGraphics, &backend.Submission{
		CommandBuffers: []backend.CommandBuffer{cb},
		Signals:        []backend.SemaphoreOp{{Semaphore: sem, Value: 1}},
		Fence:          fence,
		FenceValue:     5,
	}))
	ok, err := fence.Wait(5, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), sem.Completed())

	// A compute submission waiting on the graphics signal runs after it.
	require.NoError(t, b.Submit(backend.QueueCompute, &backend.Submission{
		Waits:   []backend.SemaphoreOp{{Semaphore: sem, Value: 1}},
		Signals: []backend.SemaphoreOp{{Semaphore: sem, Value: 2}},
	}))
	require.NoError(t, b.WaitIdle())
	assert.Equal(t, uint64(2), sem.Completed())

	err = b.Submit(backend.QueueGraphics, &backend.Submission{
		Waits: []backend.SemaphoreOp{{Semaphore: sem, Value: 9}},
	})
	assert.ErrorIs(t, err, halgpu.ErrUnsubmittedWait)

	require.NoError(t, cb.Reset())
	err = b.Submit(backend.QueueGraphics, &backend.Submission{CommandBuffers: []backend.CommandBuffer{cb}})
	assert.ErrorIs(t, err, halgpu.ErrNotFinished)
}

func TestRecordingErrors(t *testing.T) {
	b := newBackend(t)
	cb, err := b.CreateCommandBuffer(backend.QueueGraphics, "bad")
	require.NoError(t, err)
	defer cb.Destroy()

	require.NoError(t, cb.Begin("bad"))
	cb.Dispatch(1, 1, 1)
	assert.ErrorIs(t, cb.End(), halgpu.ErrNoPass)

	require.NoError(t, cb.Begin("open"))
	require.NoError(t, cb.BeginComputePass(&backend.ComputePassDesc{Label: "cs"}))
	assert.ErrorIs(t, cb.End(), halgpu.ErrPassOpen)

	assert.ErrorIs(t, cb.End(), halgpu.ErrNotRecording)
}

func TestTimelineWaitTimesOut(t *testing.T) {
	b := newBackend(t)
	fence, err := b.CreateFence()
	require.NoError(t, err)
	defer fence.Destroy()

	start := time.Now()
	ok, err := fence.Wait(1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ok, err = fence.Wait(0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

type provider struct {
	dev, queue any
}

func (p provider) Device() gpucontext.Device             { return nil }
func (p provider) Queue() gpucontext.Queue               { return nil }
func (p provider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p provider) Adapter() gpucontext.Adapter           { return nil }
func (p provider) AdapterInfo() gpucontext.AdapterInfo   { return gpucontext.AdapterInfo{Name: "host"} }
func (p provider) HalDevice() any                        { return p.dev }
func (p provider) HalQueue() any                         { return p.queue }

func TestFromProvider(t *testing.T) {
	host := newBackend(t)
	b, err := halgpu.FromProvider(provider{dev: host.HalDevice(), queue: host.HalQueue()})
	require.NoError(t, err)
	assert.Equal(t, "host", b.AdapterInfo().Name)
	require.NoError(t, b.Init(), "provided device is already open")

	buf, err := b.CreateBuffer(&backend.BufferDesc{Size: 16})
	require.NoError(t, err)
	buf.Destroy()
	b.Close()
	assert.NotNil(t, host.HalDevice(), "host keeps its device")

	_, err = halgpu.FromProvider(provider{})
	assert.ErrorIs(t, err, halgpu.ErrNotProvider)
}

func TestManagerOnHAL(t *testing.T) {
	be := newBackend(t)
	cfg := gr.DefaultConfig()
	cfg.Workers = 2
	cfg.RingSize = 1 << 20
	cfg.AttachmentHeapSize = 16 << 20
	m, err := gr.NewManager(gr.WithConfig(cfg), gr.WithBackend(be))
	require.NoError(t, err)

	ctx := context.Background()
	for range 4 {
		require.NoError(t, m.BeginFrame(ctx))
		rt, err := m.NewTransientRenderTarget(rendergraph.TextureDesc{
			Name: "scene", Width: 64, Height: 64, Format: gputypes.TextureFormatRGBA8Unorm,
		})
		require.NoError(t, err)
		out, err := m.NewTransientRenderTarget(rendergraph.TextureDesc{
			Name: "out", Width: 64, Height: 64, Format: gputypes.TextureFormatRGBA8Unorm,
		})
		require.NoError(t, err)
		_, err = m.UploadScratch([]byte("uniforms"), 0)
		require.NoError(t, err)
		require.NoError(t, m.AddPass("scene", backend.QueueGraphics, nil,
			[]rendergraph.Access{rendergraph.Write(rt, rendergraph.UsageColorAttachment)}, nil))
		require.NoError(t, m.AddPass("post", backend.QueueGraphics,
			[]rendergraph.Access{rendergraph.Read(rt, rendergraph.UsageSampled)},
			[]rendergraph.Access{rendergraph.Write(out, rendergraph.UsageColorAttachment)}, nil))
		require.NoError(t, m.EndFrame(ctx))
	}
	assert.Equal(t, uint64(4), m.Frame())
	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, be.Live())
}
