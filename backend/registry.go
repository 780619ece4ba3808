package backend

import (
	"github.com/gogpu/gpucontext"
)

// Backend names.
const (
	// NameHAL is the gogpu/wgpu HAL backend (Vulkan, Metal, DX12, GLES).
	NameHAL = "hal"

	// NameSoft is the CPU backend with deterministic completion.
	NameSoft = "soft"
)

// Factory creates a new backend instance.
type Factory func() Backend

// registry holds registered backends. HAL wins over the CPU backend.
var registry = gpucontext.NewRegistry[Backend](gpucontext.WithPriority(NameHAL, NameSoft))

// Register registers a backend factory with the given name.
// Backend packages call it from init(). A second registration under the
// same name replaces the first.
func Register(name string, factory Factory) {
	registry.Register(name, factory)
}

// Unregister removes a backend from the registry.
func Unregister(name string) {
	registry.Unregister(name)
}

// Available returns the registered backend names.
func Available() []string {
	return registry.Available()
}

// IsRegistered reports whether name is registered.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// Get returns a new instance of the named backend, or nil.
func Get(name string) Backend {
	return registry.Get(name)
}

// Default returns a new instance of the best registered backend, or nil.
func Default() Backend {
	return registry.Best()
}

// DefaultName returns the name Default would pick.
func DefaultName() string {
	return registry.BestName()
}

// Open returns an initialized instance of the named backend.
// An empty name selects Default.
func Open(name string) (Backend, error) {
	var b Backend
	if name == "" {
		b = Default()
	} else {
		b = Get(name)
	}
	if b == nil {
		return nil, ErrBackendNotAvailable
	}
	if err := b.Init(); err != nil {
		return nil, Classify("init backend "+b.Name(), err)
	}
	return b, nil
}
