package gpuobj

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
)

// SamplerHandle references a Sampler in a Device.
type SamplerHandle = Handle[*Sampler]

// SamplerInitInfo describes a sampler. A zero LodMaxClamp means no clamp
// and zero Anisotropy means 1.
type SamplerInitInfo struct {
	Name         string
	AddressMode  gputypes.AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
	LodMinClamp  float32
	LodMaxClamp  float32
	Compare      gputypes.CompareFunction
	Anisotropy   uint16
}

// Sampler is a texture sampler.
type Sampler struct {
	Object
	info   SamplerInitInfo
	native backend.Sampler
}

func (s *Sampler) header() *Object                  { return &s.Object }
func (s *Sampler) nativeResource() backend.Resource { return s.native }

// Native returns the backend sampler.
func (s *Sampler) Native() backend.Sampler { return s.native }

// NewSampler validates info and creates a sampler.
func (d *Device) NewSampler(info SamplerInitInfo) (SamplerHandle, error) {
	const op = "new sampler"
	if err := d.checkOpen(op); err != nil {
		return SamplerHandle{}, err
	}
	if info.LodMaxClamp == 0 {
		info.LodMaxClamp = 32
	}
	if info.Anisotropy == 0 {
		info.Anisotropy = 1
	}
	if info.AddressMode == 0 {
		info.AddressMode = gputypes.AddressModeClampToEdge
	}
	switch {
	case info.LodMinClamp < 0 || info.LodMinClamp > info.LodMaxClamp:
		return SamplerHandle{}, invalid(op, ErrInvalidSampler, "%q lod clamp [%g, %g]", info.Name, info.LodMinClamp, info.LodMaxClamp)
	case info.Anisotropy > d.limits.MaxSamplerAnisotropy:
		return SamplerHandle{}, invalid(op, ErrExceedsLimit, "%q anisotropy %d > %d", info.Name, info.Anisotropy, d.limits.MaxSamplerAnisotropy)
	case info.Anisotropy > 1 && (info.MagFilter != gputypes.FilterModeLinear ||
		info.MinFilter != gputypes.FilterModeLinear || info.MipmapFilter != gputypes.FilterModeLinear):
		return SamplerHandle{}, invalid(op, ErrInvalidSampler, "%q: anisotropic filtering needs linear filters", info.Name)
	}

	native, err := d.be.CreateSampler(&backend.SamplerDesc{
		Label:        info.Name,
		AddressMode:  info.AddressMode,
		MagFilter:    info.MagFilter,
		MinFilter:    info.MinFilter,
		MipmapFilter: info.MipmapFilter,
		LodMinClamp:  info.LodMinClamp,
		LodMaxClamp:  info.LodMaxClamp,
		Compare:      info.Compare,
		Anisotropy:   info.Anisotropy,
	})
	if err != nil {
		return SamplerHandle{}, backend.Classify(op, err)
	}
	s := &Sampler{info: info, native: native}
	s.Init(KindSampler, info.Name)
	return d.samplers.Insert(s), nil
}

// Sampler resolves h.
func (d *Device) Sampler(h SamplerHandle) (*Sampler, error) {
	return lookup(d.samplers, h, "sampler")
}

// DestroySampler invalidates h and releases the sampler after its last use.
func (d *Device) DestroySampler(h SamplerHandle) error {
	return destroy(d, d.samplers, h, "destroy sampler")
}
