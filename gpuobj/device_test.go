package gpuobj

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/backend/soft"
	"github.com/gogpu/gr/grerr"
)

func newDevice(t *testing.T, opts ...soft.Option) (*Device, *soft.Backend) {
	t.Helper()
	be := soft.New(opts...)
	require.NoError(t, be.Init())
	d := NewDevice(be, 0)
	t.Cleanup(func() {
		d.Close()
		be.Close()
	})
	return d, be
}

func TestNewBufferValidation(t *testing.T) {
	d, be := newDevice(t)
	tests := []struct {
		name string
		info BufferInitInfo
		want error
	}{
		{"zero size", BufferInitInfo{Usage: gputypes.BufferUsageVertex}, ErrInvalidSize},
		{"too large", BufferInitInfo{Size: 1 << 40, Usage: gputypes.BufferUsageVertex}, ErrExceedsLimit},
		{"no usage", BufferInitInfo{Size: 64}, ErrInvalidUsage},
		{"unknown usage bits", BufferInitInfo{Size: 64, Usage: 1 << 40}, ErrInvalidUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.NewBuffer(tt.info)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, grerr.ErrValidation)
			assert.True(t, h.IsZero())
		})
	}
	assert.Equal(t, int64(0), be.Live(), "validation failures must not create native objects")
	assert.Equal(t, 0, d.Stats().Buffers)
}

func TestNewBuffer(t *testing.T) {
	d, _ := newDevice(t)
	h, err := d.NewBuffer(BufferInitInfo{Name: "vb", Size: 256, Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst})
	require.NoError(t, err)
	b, err := d.Buffer(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), b.Size())
	assert.Equal(t, KindBuffer, b.Kind())
	assert.Equal(t, "vb", b.Name())
	assert.NotZero(t, b.ID())
	assert.NotNil(t, b.Native())
}

func TestBackendFailureLeavesNoTrace(t *testing.T) {
	d, be := newDevice(t)
	be.FailCreates(1)
	h, err := d.NewTexture(TextureInitInfo{
		Width: 16, Height: 16,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
	})
	assert.ErrorIs(t, err, grerr.ErrBackend)
	assert.ErrorIs(t, err, soft.ErrInjected)
	assert.True(t, h.IsZero())
	assert.Equal(t, 0, d.Stats().Textures)
	assert.Equal(t, int64(0), be.Live())

	// The pool is intact: the next creation succeeds.
	_, err = d.NewTexture(TextureInitInfo{
		Width: 16, Height: 16,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
	})
	assert.NoError(t, err)
}

func TestNewTextureValidation(t *testing.T) {
	d, _ := newDevice(t)
	valid := TextureInitInfo{
		Name: "t", Width: 64, Height: 64,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
	tests := []struct {
		name   string
		mutate func(*TextureInitInfo)
		want   error
	}{
		{"zero width", func(i *TextureInitInfo) { i.Width = 0 }, ErrInvalidSize},
		{"too wide", func(i *TextureInitInfo) { i.Width = 1 << 20 }, ErrExceedsLimit},
		{"no format", func(i *TextureInitInfo) { i.Format = gputypes.TextureFormatUndefined }, ErrInvalidFormat},
		{"no usage", func(i *TextureInitInfo) { i.Usage = gputypes.TextureUsageNone }, ErrInvalidUsage},
		{"3 samples", func(i *TextureInitInfo) { i.Samples = 3 }, ErrInvalidSampleCount},
		{"msaa mips", func(i *TextureInitInfo) { i.Samples = 4; i.MipLevels = 2 }, ErrInvalidSampleCount},
		{"too many mips", func(i *TextureInitInfo) { i.MipLevels = 8 }, ErrInvalidMipCount},
		{"compressed target", func(i *TextureInitInfo) { i.Format = gputypes.TextureFormatBC1RGBAUnorm }, ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := valid
			tt.mutate(&info)
			_, err := d.NewTexture(info)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, grerr.Validation, grerr.KindOf(err))
		})
	}

	h, err := d.NewTexture(valid)
	require.NoError(t, err)
	tex, err := d.Texture(h)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tex.Native().Desc().MipLevels, "defaults applied")
	assert.Equal(t, gputypes.TextureDimension2D, tex.Native().Desc().Dimension)
}

func TestNewSamplerValidation(t *testing.T) {
	d, _ := newDevice(t)
	_, err := d.NewSampler(SamplerInitInfo{LodMinClamp: 4, LodMaxClamp: 2})
	assert.ErrorIs(t, err, ErrInvalidSampler)
	_, err = d.NewSampler(SamplerInitInfo{Anisotropy: 64})
	assert.ErrorIs(t, err, ErrExceedsLimit)
	_, err = d.NewSampler(SamplerInitInfo{Anisotropy: 8})
	assert.ErrorIs(t, err, ErrInvalidSampler, "anisotropy needs linear filtering")

	h, err := d.NewSampler(SamplerInitInfo{
		Name:       "aniso",
		Anisotropy: 8,
		MagFilter:  gputypes.FilterModeLinear, MinFilter: gputypes.FilterModeLinear, MipmapFilter: gputypes.FilterModeLinear,
	})
	require.NoError(t, err)
	_, err = d.Sampler(h)
	assert.NoError(t, err)
}

func TestQuerySetValidation(t *testing.T) {
	d, _ := newDevice(t)
	_, err := d.NewQuerySet(QuerySetInitInfo{Kind: backend.QueryOcclusion})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = d.NewQuerySet(QuerySetInitInfo{Kind: backend.QueryOcclusion, Count: 1 << 20})
	assert.ErrorIs(t, err, ErrExceedsLimit)

	h, err := d.NewQuerySet(QuerySetInitInfo{Name: "ts", Kind: backend.QueryTimestamp, Count: 64})
	require.NoError(t, err)
	q, err := d.QuerySet(h)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), q.Count())
	assert.Equal(t, backend.QueryTimestamp, q.QueryKind())

	noTS := soft.DefaultLimits()
	noTS.TimestampQueries = false
	d2, _ := newDevice(t, soft.WithLimits(noTS))
	_, err = d2.NewQuerySet(QuerySetInitInfo{Kind: backend.QueryTimestamp, Count: 2})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestDeferredDestruction(t *testing.T) {
	d, be := newDevice(t)
	h, err := d.NewBuffer(BufferInitInfo{Size: 64, Usage: gputypes.BufferUsageUniform})
	require.NoError(t, err)
	b, err := d.Buffer(h)
	require.NoError(t, err)
	b.MarkUsed(5)

	require.NoError(t, d.DestroyBuffer(h))
	_, err = d.Buffer(h)
	assert.ErrorIs(t, err, ErrStaleHandle, "handle goes stale immediately")
	assert.ErrorIs(t, d.DestroyBuffer(h), ErrStaleHandle)

	assert.Equal(t, 0, d.CollectGarbage(4), "frame 5 still in flight")
	assert.Equal(t, int64(1), be.Live())
	assert.Equal(t, 1, d.PendingDestroy())

	assert.Equal(t, 1, d.CollectGarbage(5))
	assert.Equal(t, int64(0), be.Live())
	assert.Equal(t, 0, d.PendingDestroy())
}

func TestCloseDestroysEverything(t *testing.T) {
	be := soft.New()
	require.NoError(t, be.Init())
	d := NewDevice(be, 0)

	_, err := d.NewBuffer(BufferInitInfo{Size: 64, Usage: gputypes.BufferUsageUniform})
	require.NoError(t, err)
	th, err := d.NewTexture(TextureInitInfo{Width: 4, Height: 4, Format: gputypes.TextureFormatR8Unorm, Usage: gputypes.TextureUsageCopyDst})
	require.NoError(t, err)
	tex, _ := d.Texture(th)
	tex.MarkUsed(100)
	require.NoError(t, d.DestroyTexture(th))

	d.Close()
	assert.Equal(t, int64(0), be.Live())
	_, err = d.NewBuffer(BufferInitInfo{Size: 64, Usage: gputypes.BufferUsageUniform})
	assert.ErrorIs(t, err, ErrDeviceClosed)
	d.Close()
}
