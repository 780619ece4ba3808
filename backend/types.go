package backend

import (
	"github.com/gogpu/gputypes"
)

// QueueType selects the hardware queue a submission runs on.
type QueueType uint8

const (
	// QueueGraphics runs draw, dispatch and copy work.
	QueueGraphics QueueType = iota
	// QueueCompute runs async compute work.
	QueueCompute
	// QueueTransfer runs copy work.
	QueueTransfer

	// QueueCount is the number of queue types.
	QueueCount = 3
)

// String returns the queue name.
func (q QueueType) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Valid reports whether q names a known queue.
func (q QueueType) Valid() bool { return q < QueueCount }

// QueryKind is the type of a query pool.
type QueryKind uint8

const (
	QueryOcclusion QueryKind = iota
	QueryTimestamp
	QueryPipelineStatistics
)

// String returns the query kind name.
func (k QueryKind) String() string {
	switch k {
	case QueryOcclusion:
		return "occlusion"
	case QueryTimestamp:
		return "timestamp"
	case QueryPipelineStatistics:
		return "pipeline statistics"
	default:
		return "unknown"
	}
}

// Limits describes what a backend supports.
type Limits struct {
	MaxTextureDimension2D uint32
	MaxBufferSize         uint64
	MaxColorAttachments   uint32
	MaxSamplerAnisotropy  uint16
	MaxQueriesPerPool     uint32

	// PlacementAlignment is the required offset alignment of placed
	// resources inside a heap.
	PlacementAlignment uint64

	// ScratchAlignment is the minimum alignment of scratch ring allocations.
	ScratchAlignment uint64

	// Queues marks the queues with dedicated hardware. Work for a queue
	// without hardware still runs, on the graphics queue.
	Queues [QueueCount]bool

	TimestampQueries bool

	// SPIRV reports that shader modules should be handed over as SPIR-V.
	SPIRV bool
}

// LimitsFrom derives Limits from WebGPU device limits.
func LimitsFrom(l gputypes.Limits) Limits {
	return Limits{
		MaxTextureDimension2D: l.MaxTextureDimension2D,
		MaxBufferSize:         l.MaxBufferSize,
		MaxColorAttachments:   l.MaxColorAttachments,
		MaxSamplerAnisotropy:  16,
		MaxQueriesPerPool:     4096,
		PlacementAlignment:    64 << 10,
		ScratchAlignment:      uint64(l.MinUniformBufferOffsetAlignment),
		Queues:                [QueueCount]bool{QueueGraphics: true},
	}
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label       string
	Size        uint64
	Usage       gputypes.BufferUsage
	HostVisible bool
}

// TextureDesc describes a texture.
type TextureDesc struct {
	Label         string
	Width         uint32
	Height        uint32
	DepthOrLayers uint32
	MipLevels     uint32
	Samples       uint32
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
}

// HeapDesc describes a memory heap for placed resources.
type HeapDesc struct {
	Label string
	Size  uint64
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label        string
	AddressMode  gputypes.AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
	LodMinClamp  float32
	LodMaxClamp  float32
	Compare      gputypes.CompareFunction
	Anisotropy   uint16
}

// ShaderDesc describes a shader module. Exactly one of WGSL and SPIRV is set.
type ShaderDesc struct {
	Label      string
	Stage      gputypes.ShaderStage
	EntryPoint string
	WGSL       string
	SPIRV      []uint32
}

// RenderPipelineDesc describes a graphics pipeline.
type RenderPipelineDesc struct {
	Label         string
	Vertex        Shader
	VertexEntry   string
	Fragment      Shader
	FragmentEntry string
	ColorFormats  []gputypes.TextureFormat
	DepthFormat   gputypes.TextureFormat
	Samples       uint32
	Topology      gputypes.PrimitiveTopology
	DepthWrite    bool
	DepthCompare  gputypes.CompareFunction
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Shader     Shader
	EntryPoint string
}

// QueryPoolDesc describes a query pool.
type QueryPoolDesc struct {
	Label string
	Kind  QueryKind
	Count uint32
}

// TextureBarrier transitions a texture between usages.
// Discard marks a transition from undefined contents.
type TextureBarrier struct {
	Texture Texture
	From    gputypes.TextureUsage
	To      gputypes.TextureUsage
	Discard bool
}

// BufferBarrier transitions a buffer between usages.
type BufferBarrier struct {
	Buffer Buffer
	From   gputypes.BufferUsage
	To     gputypes.BufferUsage
}

// ColorAttachment binds a texture as a render pass color target.
type ColorAttachment struct {
	Texture Texture
	Load    gputypes.LoadOp
	Store   gputypes.StoreOp
	Clear   gputypes.Color
}

// DepthAttachment binds a texture as the render pass depth target.
type DepthAttachment struct {
	Texture    Texture
	Load       gputypes.LoadOp
	Store      gputypes.StoreOp
	ClearDepth float32
	ReadOnly   bool
}

// TimestampWrites requests timestamps at the start and end of a pass.
type TimestampWrites struct {
	Pool  QueryPool
	Begin uint32
	End   uint32
}

// RenderPassDesc describes a render pass.
type RenderPassDesc struct {
	Label      string
	Color      []ColorAttachment
	Depth      *DepthAttachment
	Timestamps *TimestampWrites
}

// ComputePassDesc describes a compute pass.
type ComputePassDesc struct {
	Label      string
	Timestamps *TimestampWrites
}

// SemaphoreOp is a wait or signal of a timeline semaphore value.
type SemaphoreOp struct {
	Semaphore Semaphore
	Value     uint64
}

// Submission is one queue submit. The queue waits for every Waits entry
// before executing CommandBuffers in order, then signals every Signals entry
// and sets Fence to FenceValue.
type Submission struct {
	CommandBuffers []CommandBuffer
	Waits          []SemaphoreOp
	Signals        []SemaphoreOp
	Fence          Fence
	FenceValue     uint64
}
