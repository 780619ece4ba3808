package gpuobj

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
)

// BufferHandle references a Buffer in a Device.
type BufferHandle = Handle[*Buffer]

// BufferInitInfo describes a buffer to create.
type BufferInitInfo struct {
	Name        string
	Size        uint64
	Usage       gputypes.BufferUsage
	HostVisible bool
}

// Buffer is a persistent GPU buffer.
type Buffer struct {
	Object
	info   BufferInitInfo
	native backend.Buffer
}

func (b *Buffer) header() *Object                  { return &b.Object }
func (b *Buffer) nativeResource() backend.Resource { return b.native }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.info.Size }

// Usage returns the allowed usages.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.info.Usage }

// Native returns the backend buffer.
func (b *Buffer) Native() backend.Buffer { return b.native }

func (d *Device) validateBuffer(info *BufferInitInfo) error {
	const op = "new buffer"
	switch {
	case info.Size == 0:
		return invalid(op, ErrInvalidSize, "%q has zero size", info.Name)
	case info.Size > d.limits.MaxBufferSize:
		return invalid(op, ErrExceedsLimit, "%q size %d > %d", info.Name, info.Size, d.limits.MaxBufferSize)
	case info.Usage == gputypes.BufferUsageNone || info.Usage.ContainsUnknownBits():
		return invalid(op, ErrInvalidUsage, "%q usage %#x", info.Name, uint64(info.Usage))
	}
	return nil
}

// NewBuffer validates info and creates a buffer.
func (d *Device) NewBuffer(info BufferInitInfo) (BufferHandle, error) {
	const op = "new buffer"
	if err := d.checkOpen(op); err != nil {
		return BufferHandle{}, err
	}
	if err := d.validateBuffer(&info); err != nil {
		return BufferHandle{}, err
	}
	native, err := d.be.CreateBuffer(&backend.BufferDesc{
		Label:       info.Name,
		Size:        info.Size,
		Usage:       info.Usage,
		HostVisible: info.HostVisible,
	})
	if err != nil {
		return BufferHandle{}, backend.Classify(op, err)
	}
	b := &Buffer{info: info, native: native}
	b.Init(KindBuffer, info.Name)
	return d.buffers.Insert(b), nil
}

// Buffer resolves h.
func (d *Device) Buffer(h BufferHandle) (*Buffer, error) {
	return lookup(d.buffers, h, "buffer")
}

// DestroyBuffer invalidates h and releases the buffer after its last use.
func (d *Device) DestroyBuffer(h BufferHandle) error {
	return destroy(d, d.buffers, h, "destroy buffer")
}
