package gpuobj

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
)

// TextureHandle references a Texture in a Device.
type TextureHandle = Handle[*Texture]

// TextureInitInfo describes a texture to create. Zero Depth, MipLevels
// and Samples default to 1; a zero Dimension defaults to 2D.
type TextureInitInfo struct {
	Name      string
	Width     uint32
	Height    uint32
	Depth     uint32
	MipLevels uint32
	Samples   uint32
	Dimension gputypes.TextureDimension
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage
}

func (i *TextureInitInfo) applyDefaults() {
	if i.Depth == 0 {
		i.Depth = 1
	}
	if i.MipLevels == 0 {
		i.MipLevels = 1
	}
	if i.Samples == 0 {
		i.Samples = 1
	}
	if i.Dimension == gputypes.TextureDimensionUndefined {
		i.Dimension = gputypes.TextureDimension2D
	}
}

// Desc converts the info to a backend descriptor.
func (i *TextureInitInfo) Desc() backend.TextureDesc {
	return backend.TextureDesc{
		Label:         i.Name,
		Width:         i.Width,
		Height:        i.Height,
		DepthOrLayers: i.Depth,
		MipLevels:     i.MipLevels,
		Samples:       i.Samples,
		Dimension:     i.Dimension,
		Format:        i.Format,
		Usage:         i.Usage,
	}
}

// Texture is a persistent GPU texture.
type Texture struct {
	Object
	info   TextureInitInfo
	native backend.Texture
}

func (t *Texture) header() *Object                  { return &t.Object }
func (t *Texture) nativeResource() backend.Resource { return t.native }

// Width returns the width of mip level 0.
func (t *Texture) Width() uint32 { return t.info.Width }

// Height returns the height of mip level 0.
func (t *Texture) Height() uint32 { return t.info.Height }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.info.Format }

// Usage returns the allowed usages.
func (t *Texture) Usage() gputypes.TextureUsage { return t.info.Usage }

// Native returns the backend texture.
func (t *Texture) Native() backend.Texture { return t.native }

// ValidateTexture checks info against the limits. info must have its
// defaults applied. The render graph reuses it for transient targets.
func ValidateTexture(op string, info *TextureInitInfo, limits backend.Limits) error {
	switch {
	case info.Width == 0 || info.Height == 0:
		return invalid(op, ErrInvalidSize, "%q is %dx%d", info.Name, info.Width, info.Height)
	case info.Width > limits.MaxTextureDimension2D || info.Height > limits.MaxTextureDimension2D:
		return invalid(op, ErrExceedsLimit, "%q is %dx%d, max %d", info.Name, info.Width, info.Height, limits.MaxTextureDimension2D)
	case info.Format == gputypes.TextureFormatUndefined:
		return invalid(op, ErrInvalidFormat, "%q has undefined format", info.Name)
	case info.Usage == gputypes.TextureUsageNone || info.Usage.ContainsUnknownBits():
		return invalid(op, ErrInvalidUsage, "%q usage %#x", info.Name, uint64(info.Usage))
	case info.Samples != 1 && info.Samples != 4:
		return invalid(op, ErrInvalidSampleCount, "%q has %d samples", info.Name, info.Samples)
	case info.Samples > 1 && info.MipLevels > 1:
		return invalid(op, ErrInvalidSampleCount, "%q: multisampled textures have one mip level", info.Name)
	case info.MipLevels > backend.MaxMipLevels(info.Width, info.Height):
		return invalid(op, ErrInvalidMipCount, "%q has %d mip levels", info.Name, info.MipLevels)
	case info.Usage.Contains(gputypes.TextureUsageRenderAttachment) && backend.BytesPerPixel(info.Format) == 0:
		return invalid(op, ErrInvalidFormat, "%q: %v is not renderable", info.Name, info.Format)
	}
	return nil
}

// NewTexture validates info and creates a texture.
func (d *Device) NewTexture(info TextureInitInfo) (TextureHandle, error) {
	const op = "new texture"
	if err := d.checkOpen(op); err != nil {
		return TextureHandle{}, err
	}
	info.applyDefaults()
	if err := ValidateTexture(op, &info, d.limits); err != nil {
		return TextureHandle{}, err
	}
	desc := info.Desc()
	native, err := d.be.CreateTexture(&desc)
	if err != nil {
		return TextureHandle{}, backend.Classify(op, err)
	}
	t := &Texture{info: info, native: native}
	t.Init(KindTexture, info.Name)
	return d.textures.Insert(t), nil
}

// Texture resolves h.
func (d *Device) Texture(h TextureHandle) (*Texture, error) {
	return lookup(d.textures, h, "texture")
}

// DestroyTexture invalidates h and releases the texture after its last use.
func (d *Device) DestroyTexture(h TextureHandle) error {
	return destroy(d, d.textures, h, "destroy texture")
}
