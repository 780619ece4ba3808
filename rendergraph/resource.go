package rendergraph

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
)

// ResourceHandle names a resource registered in the current frame. Handles
// from an earlier frame fail validation.
type ResourceHandle struct {
	index uint32 // 1-based; 0 is the zero handle
	epoch uint32
}

// IsZero reports whether h is the zero handle.
func (h ResourceHandle) IsZero() bool { return h.index == 0 }

func (h ResourceHandle) String() string {
	if h.index == 0 {
		return "res(nil)"
	}
	return fmt.Sprintf("res(%d@%d)", h.index-1, h.epoch)
}

// Usage is one way a pass touches a resource. Each Access carries exactly
// one usage bit.
type Usage uint16

const (
	UsageSampled Usage = 1 << iota
	UsageStorageRead
	UsageStorageWrite
	UsageColorAttachment
	UsageDepthRead
	UsageDepthWrite
	UsageCopySrc
	UsageCopyDst
	UsageUniform
	UsageVertex
	UsageIndex
	UsageIndirect

	usageEnd
)

const (
	writeUsages   = UsageStorageWrite | UsageColorAttachment | UsageDepthWrite | UsageCopyDst
	textureUsages = UsageSampled | UsageStorageRead | UsageStorageWrite | UsageColorAttachment |
		UsageDepthRead | UsageDepthWrite | UsageCopySrc | UsageCopyDst
	bufferUsages = UsageStorageRead | UsageStorageWrite | UsageCopySrc | UsageCopyDst |
		UsageUniform | UsageVertex | UsageIndex | UsageIndirect
	attachmentUsages = UsageColorAttachment | UsageDepthRead | UsageDepthWrite
)

var usageNames = [...]string{
	"sampled", "storage-read", "storage-write", "color-attachment", "depth-read",
	"depth-write", "copy-src", "copy-dst", "uniform", "vertex", "index", "indirect",
}

func (u Usage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	for i, name := range usageNames {
		if u&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if u >= usageEnd {
		parts = append(parts, fmt.Sprintf("%#x", uint16(u&^(usageEnd-1))))
	}
	return strings.Join(parts, "|")
}

// IsWrite reports whether u modifies the resource.
func (u Usage) IsWrite() bool { return u&writeUsages != 0 }

func (u Usage) single() bool { return bits.OnesCount16(uint16(u)) == 1 && u < usageEnd }

// TextureUsage maps u to native texture usage flags.
func (u Usage) TextureUsage() gputypes.TextureUsage {
	var t gputypes.TextureUsage
	if u&UsageSampled != 0 {
		t |= gputypes.TextureUsageTextureBinding
	}
	if u&(UsageStorageRead|UsageStorageWrite) != 0 {
		t |= gputypes.TextureUsageStorageBinding
	}
	if u&(UsageColorAttachment|UsageDepthRead|UsageDepthWrite) != 0 {
		t |= gputypes.TextureUsageRenderAttachment
	}
	if u&UsageCopySrc != 0 {
		t |= gputypes.TextureUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		t |= gputypes.TextureUsageCopyDst
	}
	return t
}

// BufferUsage maps u to native buffer usage flags.
func (u Usage) BufferUsage() gputypes.BufferUsage {
	var b gputypes.BufferUsage
	if u&(UsageStorageRead|UsageStorageWrite) != 0 {
		b |= gputypes.BufferUsageStorage
	}
	if u&UsageUniform != 0 {
		b |= gputypes.BufferUsageUniform
	}
	if u&UsageVertex != 0 {
		b |= gputypes.BufferUsageVertex
	}
	if u&UsageIndex != 0 {
		b |= gputypes.BufferUsageIndex
	}
	if u&UsageIndirect != 0 {
		b |= gputypes.BufferUsageIndirect
	}
	if u&UsageCopySrc != 0 {
		b |= gputypes.BufferUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		b |= gputypes.BufferUsageCopyDst
	}
	return b
}

// Access is a resource reference in a pass's read or write list.
type Access struct {
	Resource ResourceHandle
	Usage    Usage
}

// Read returns a read access. A read with a write usage (color
// attachment, storage write, depth write) loads the existing contents and
// must be paired with a write of the same usage.
func Read(h ResourceHandle, u Usage) Access { return Access{Resource: h, Usage: u} }

// Write returns a write access.
func Write(h ResourceHandle, u Usage) Access { return Access{Resource: h, Usage: u} }

// TextureDesc declares a transient texture. Its native usage flags are the
// union of the usages passes declare for it.
type TextureDesc struct {
	Name      string
	Width     uint32
	Height    uint32
	Format    gputypes.TextureFormat
	Samples   uint32
	MipLevels uint32

	// ClearColor and ClearDepth are used when a pass writes the
	// attachment without reading it.
	ClearColor gputypes.Color
	ClearDepth float32
}

// BufferDesc declares a transient buffer.
type BufferDesc struct {
	Name string
	Size uint64
}

// MemoryClass groups transients that may share a heap region.
type MemoryClass uint8

const (
	ClassRenderTarget MemoryClass = iota
	ClassDepthTarget
	ClassBuffer
)

func (c MemoryClass) String() string {
	switch c {
	case ClassRenderTarget:
		return "render-target"
	case ClassDepthTarget:
		return "depth-target"
	case ClassBuffer:
		return "buffer"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

type resourceKind uint8

const (
	kindTransientTexture resourceKind = iota
	kindTransientBuffer
	kindImportedTexture
	kindImportedBuffer
)

func (k resourceKind) texture() bool {
	return k == kindTransientTexture || k == kindImportedTexture
}

func (k resourceKind) imported() bool {
	return k == kindImportedTexture || k == kindImportedBuffer
}

// resource is one registered resource of the current frame.
type resource struct {
	name string
	kind resourceKind

	tdesc TextureDesc
	bdesc BufferDesc

	// Imported natives, or transient natives once compiled.
	texture backend.Texture
	buffer  backend.Buffer

	// initial is the usage state of an imported resource at frame start.
	initial Usage

	// usages is the union of all declared usages.
	usages Usage
}

func (r *resource) class() MemoryClass {
	switch {
	case !r.kind.texture():
		return ClassBuffer
	case r.format().IsDepthStencil():
		return ClassDepthTarget
	}
	return ClassRenderTarget
}

func (r *resource) format() gputypes.TextureFormat {
	if r.kind == kindImportedTexture {
		return r.texture.Desc().Format
	}
	return r.tdesc.Format
}

func (r *resource) extent() (uint32, uint32) {
	if r.kind == kindImportedTexture {
		d := r.texture.Desc()
		return d.Width, d.Height
	}
	return r.tdesc.Width, r.tdesc.Height
}

func (r *resource) native() backend.Resource {
	if r.kind.texture() {
		return r.texture
	}
	return r.buffer
}

func (r *resource) textureDesc() backend.TextureDesc {
	return backend.TextureDesc{
		Label:         r.name,
		Width:         r.tdesc.Width,
		Height:        r.tdesc.Height,
		DepthOrLayers: 1,
		MipLevels:     max(r.tdesc.MipLevels, 1),
		Samples:       max(r.tdesc.Samples, 1),
		Dimension:     gputypes.TextureDimension2D,
		Format:        r.tdesc.Format,
		Usage:         r.usages.TextureUsage(),
	}
}

func (r *resource) bufferDesc() backend.BufferDesc {
	return backend.BufferDesc{
		Label: r.name,
		Size:  r.bdesc.Size,
		Usage: r.usages.BufferUsage(),
	}
}
