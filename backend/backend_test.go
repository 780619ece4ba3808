package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/grerr"
)

// stubBackend satisfies Backend for registry tests. Only Name and Init
// are exercised.
type stubBackend struct {
	Backend
	name    string
	initErr error
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Init() error  { return s.initErr }

func TestRegistryPriority(t *testing.T) {
	Register(NameSoft, func() Backend { return &stubBackend{name: NameSoft} })
	defer Unregister(NameSoft)

	assert.True(t, IsRegistered(NameSoft))
	assert.Contains(t, Available(), NameSoft)
	assert.Equal(t, NameSoft, DefaultName())

	Register(NameHAL, func() Backend { return &stubBackend{name: NameHAL} })
	defer Unregister(NameHAL)
	assert.Equal(t, NameHAL, DefaultName())
	assert.Equal(t, NameHAL, Default().Name())
	assert.Equal(t, NameSoft, Get(NameSoft).Name())
}

func TestOpen(t *testing.T) {
	_, err := Open("missing")
	assert.ErrorIs(t, err, ErrBackendNotAvailable)

	boom := errors.New("no driver")
	Register("broken", func() Backend { return &stubBackend{name: "broken", initErr: boom} })
	defer Unregister("broken")
	_, err = Open("broken")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, grerr.ErrBackend)

	Register("ok", func() Backend { return &stubBackend{name: "ok"} })
	defer Unregister("ok")
	b, err := Open("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", b.Name())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil))

	lost := Classify("submit", fmt.Errorf("queue: %w", ErrDeviceLost))
	assert.ErrorIs(t, lost, grerr.ErrDeviceLost)
	assert.True(t, grerr.IsFatal(lost))

	other := Classify("create", errors.New("out of memory"))
	assert.ErrorIs(t, other, grerr.ErrBackend)
}

func TestQueueType(t *testing.T) {
	assert.Equal(t, "graphics", QueueGraphics.String())
	assert.Equal(t, "compute", QueueCompute.String())
	assert.Equal(t, "transfer", QueueTransfer.String())
	assert.True(t, QueueTransfer.Valid())
	assert.False(t, QueueType(QueueCount).Valid())
}

func TestTextureByteSize(t *testing.T) {
	tests := []struct {
		name string
		desc TextureDesc
		want uint64
	}{
		{"rgba8", TextureDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm}, 64},
		{"msaa", TextureDesc{Width: 4, Height: 4, Samples: 4, Format: gputypes.TextureFormatRGBA8Unorm}, 256},
		{"mips", TextureDesc{Width: 4, Height: 4, MipLevels: 3, Format: gputypes.TextureFormatR8Unorm}, 16 + 4 + 1},
		{"rgba16f", TextureDesc{Width: 2, Height: 2, Format: gputypes.TextureFormatRGBA16Float}, 32},
		{"depth", TextureDesc{Width: 2, Height: 2, Format: gputypes.TextureFormatDepth32Float}, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.ByteSize())
		})
	}
}

func TestMaxMipLevels(t *testing.T) {
	assert.Equal(t, uint32(1), MaxMipLevels(1, 1))
	assert.Equal(t, uint32(11), MaxMipLevels(1024, 512))
	assert.Equal(t, uint32(3), MaxMipLevels(4, 3))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(256), AlignUp(1, 256))
	assert.Equal(t, uint64(256), AlignUp(256, 256))
	assert.Equal(t, uint64(7), AlignUp(7, 0))
}
