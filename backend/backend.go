package backend

import (
	"errors"
	"time"

	"github.com/gogpu/gr/grerr"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrDeviceLost is returned by every call once the device is gone.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrUnsupported is returned for features the backend lacks.
	ErrUnsupported = errors.New("backend: unsupported")
)

// Classify wraps a native failure into the gr error taxonomy.
// ErrDeviceLost maps to grerr.DeviceLost, everything else to grerr.Backend.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceLost) {
		return grerr.E(grerr.DeviceLost, op, err)
	}
	return grerr.BackendErr(op, err)
}

// Resource is a native object owned by the caller.
type Resource interface {
	// Destroy releases the native object. It must not be in use by the GPU.
	Destroy()
}

// Buffer is a native buffer.
type Buffer interface {
	Resource
	Size() uint64
}

// Texture is a native texture.
type Texture interface {
	Resource
	Desc() TextureDesc
}

// Heap is native memory that placed resources are carved from.
type Heap interface {
	Resource
	Size() uint64
}

// Sampler is a native sampler.
type Sampler interface{ Resource }

// Shader is a native shader module.
type Shader interface{ Resource }

// Pipeline is a native render or compute pipeline.
type Pipeline interface {
	Resource
	Compute() bool
}

// QueryPool is a native pool of queries.
type QueryPool interface {
	Resource
	Kind() QueryKind
	Count() uint32
}

// Timeline is a monotonically increasing GPU-signaled counter.
type Timeline interface {
	Resource

	// Completed returns the last value the GPU signaled.
	Completed() uint64

	// Wait blocks until the counter reaches value or timeout elapses.
	// A zero timeout only checks. It reports whether the value was reached.
	Wait(value uint64, timeout time.Duration) (bool, error)
}

// Fence is a CPU-waitable timeline signaled at the end of a submission.
type Fence interface{ Timeline }

// Semaphore is a timeline used for queue-to-queue ordering.
type Semaphore interface{ Timeline }

// CommandBuffer records GPU commands for one queue.
//
// A command buffer is owned by exactly one recording goroutine at a time.
type CommandBuffer interface {
	Resource

	Queue() QueueType

	// Begin starts recording. End finishes it; Reset discards every
	// recorded command so the buffer can record again.
	Begin(label string) error
	End() error
	Reset() error

	Barrier(textures []TextureBarrier, buffers []BufferBarrier)

	BeginRenderPass(desc *RenderPassDesc) error
	EndRenderPass()
	BeginComputePass(desc *ComputePassDesc) error
	EndComputePass()

	SetPipeline(p Pipeline)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	Dispatch(x, y, z uint32)

	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64)
	ClearBuffer(buf Buffer, offset, size uint64)

	ResetQueries(pool QueryPool, first, count uint32)
	ResolveQueries(pool QueryPool, first, count uint32, dst Buffer, dstOffset uint64)
}

// Backend is the capability interface every native graphics API
// implements. One variant is selected at startup; everything above it
// is backend-agnostic.
type Backend interface {
	// Name returns the backend identifier (e.g., "soft", "hal").
	Name() string

	// Init prepares the device. It must be called before any other method.
	Init() error

	// Close releases the device. Objects created from it must be destroyed first.
	Close()

	Limits() Limits

	CreateBuffer(desc *BufferDesc) (Buffer, error)
	CreateTexture(desc *TextureDesc) (Texture, error)
	CreateHeap(desc *HeapDesc) (Heap, error)
	CreatePlacedTexture(heap Heap, offset uint64, desc *TextureDesc) (Texture, error)
	CreatePlacedBuffer(heap Heap, offset uint64, desc *BufferDesc) (Buffer, error)
	CreateSampler(desc *SamplerDesc) (Sampler, error)
	CreateShader(desc *ShaderDesc) (Shader, error)
	CreateRenderPipeline(desc *RenderPipelineDesc) (Pipeline, error)
	CreateComputePipeline(desc *ComputePipelineDesc) (Pipeline, error)
	CreateQueryPool(desc *QueryPoolDesc) (QueryPool, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateCommandBuffer(queue QueueType, label string) (CommandBuffer, error)

	// WriteBuffer uploads data into a host-visible buffer.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// Submit queues work. Submissions on one queue execute in order.
	Submit(queue QueueType, sub *Submission) error

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error
}
