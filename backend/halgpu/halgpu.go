// Package halgpu implements backend.Backend over the gogpu/wgpu HAL
// (Vulkan, Metal, DX12, GLES and the noop test device).
//
// The HAL exposes one queue per device, so every QueueType folds onto it
// and submissions run in the order they were made. Fences and semaphores
// are timelines driven by the queue's submission index: a signal attached
// to a submission completes once PollCompleted passes that index.
//
// HAL implementations register themselves with the hal package; import
// the ones you want next to this package:
//
//	import (
//	    _ "github.com/gogpu/gr/backend/halgpu"
//	    _ "github.com/gogpu/wgpu/hal/allbackends"
//	)
package halgpu

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/internal/logx"
)

func init() {
	backend.Register(backend.NameHAL, func() backend.Backend { return New() })
}

// Errors returned by the HAL backend.
var (
	// ErrNoAdapter is returned by Init when no HAL implementation offers an adapter.
	ErrNoAdapter = errors.New("halgpu: no adapter available")

	// ErrForeignObject is returned when an object from another backend is used.
	ErrForeignObject = errors.New("halgpu: object belongs to another backend")

	// ErrNotProvider is returned by FromProvider for hosts without HAL access.
	ErrNotProvider = errors.New("halgpu: provider does not expose HAL device and queue")
)

// preference orders HAL implementations when none is requested.
var preference = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
	gputypes.BackendEmpty,
}

// Option configures a Backend.
type Option func(*Backend)

// WithVariant selects the HAL implementation instead of the best registered one.
func WithVariant(v gputypes.Backend) Option {
	return func(b *Backend) { b.variant, b.hasVariant = v, true }
}

// WithLimits requests device limits other than the adapter's.
func WithLimits(l gputypes.Limits) Option {
	return func(b *Backend) { b.request = &l }
}

// Backend is the HAL backend.
type Backend struct {
	variant    gputypes.Backend
	hasVariant bool
	request    *gputypes.Limits

	instance hal.Instance
	adapter  hal.Adapter
	device   hal.Device
	queue    hal.Queue
	info     gputypes.AdapterInfo
	limits   backend.Limits
	external bool

	// mu guards submission and the in-flight signal list.
	mu       sync.Mutex
	inflight []signal

	live atomic.Int64
	lost atomic.Bool
}

// New creates an uninitialized HAL backend.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromProvider wraps the device of a host application, such as a gogpu
// window. The provider must expose HalDevice() and HalQueue(), or return
// HAL objects from Device() and Queue(). Close leaves the device to its
// owner.
func FromProvider(p gpucontext.DeviceProvider) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	var dev, q any = p.Device(), p.Queue()
	if hp, ok := p.(halProvider); ok {
		dev, q = hp.HalDevice(), hp.HalQueue()
	}
	device, ok := dev.(hal.Device)
	if !ok || device == nil {
		return nil, ErrNotProvider
	}
	queue, ok := q.(hal.Queue)
	if !ok || queue == nil {
		return nil, ErrNotProvider
	}

	info := p.AdapterInfo()
	b := &Backend{
		device:   device,
		queue:    queue,
		external: true,
		info:     gputypes.AdapterInfo{Name: info.Name},
	}
	b.limits = limitsFor(gputypes.DefaultLimits(), 0, gputypes.BackendEmpty)
	return b, nil
}

// Name returns "hal".
func (b *Backend) Name() string { return backend.NameHAL }

// Init opens a device on the preferred adapter. Calling it again on an
// open backend does nothing.
func (b *Backend) Init() error {
	if b.device != nil {
		return nil
	}
	api, err := b.selectAPI()
	if err != nil {
		return err
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return fmt.Errorf("halgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}

	sel := 0
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			sel = i
			break
		}
	}
	selected := &adapters[sel]

	var features gputypes.Features
	if selected.Features.Contains(gputypes.FeatureTimestampQuery) {
		features.Insert(gputypes.FeatureTimestampQuery)
	}
	limits := selected.Capabilities.Limits
	if b.request != nil {
		limits = *b.request
	}
	open, err := selected.Adapter.Open(features, limits)
	for i := range adapters {
		if i != sel || err != nil {
			adapters[i].Adapter.Destroy()
		}
	}
	if err != nil {
		instance.Destroy()
		return convert(fmt.Errorf("halgpu: open device: %w", err))
	}

	b.instance = instance
	b.adapter = selected.Adapter
	b.device = open.Device
	b.queue = open.Queue
	b.info = selected.Info
	b.limits = limitsFor(limits, features, selected.Info.Backend)
	logx.L().Info("halgpu: device opened",
		"adapter", b.info.Name, "api", b.info.Backend.String(),
		"timestamps", b.limits.TimestampQueries)
	return nil
}

func (b *Backend) selectAPI() (hal.Backend, error) {
	if b.hasVariant {
		api, ok := hal.GetBackend(b.variant)
		if !ok {
			return nil, fmt.Errorf("halgpu: %v: %w", b.variant, hal.ErrBackendNotFound)
		}
		return api, nil
	}
	available := hal.AvailableBackends()
	for _, v := range preference {
		if slices.Contains(available, v) {
			api, _ := hal.GetBackend(v)
			return api, nil
		}
	}
	return nil, ErrNoAdapter
}

// limitsFor derives backend limits for an opened device. The HAL has a
// single queue; SPIR-V is handed over only to Vulkan.
func limitsFor(l gputypes.Limits, features gputypes.Features, api gputypes.Backend) backend.Limits {
	out := backend.LimitsFrom(l)
	out.TimestampQueries = features.Contains(gputypes.FeatureTimestampQuery)
	out.SPIRV = api == gputypes.BackendVulkan
	if out.ScratchAlignment == 0 {
		out.ScratchAlignment = 256
	}
	return out
}

// Close waits for the device and releases it. A device taken from a
// provider stays open.
func (b *Backend) Close() {
	if b.device == nil {
		return
	}
	if b.external {
		b.device, b.queue = nil, nil
		return
	}
	if err := b.device.WaitIdle(); err != nil {
		logx.L().Warn("halgpu: wait idle before close", "err", err)
	}
	b.device.Destroy()
	if b.adapter != nil {
		b.adapter.Destroy()
	}
	if b.instance != nil {
		b.instance.Destroy()
	}
	b.device, b.queue, b.adapter, b.instance = nil, nil, nil, nil
	logx.L().Info("halgpu: device closed", "adapter", b.info.Name)
}

// Limits returns the limits of the opened device.
func (b *Backend) Limits() backend.Limits { return b.limits }

// AdapterInfo describes the adapter the device was opened on.
func (b *Backend) AdapterInfo() gputypes.AdapterInfo { return b.info }

// HalDevice returns the underlying hal.Device.
func (b *Backend) HalDevice() any { return b.device }

// HalQueue returns the underlying hal.Queue.
func (b *Backend) HalQueue() any { return b.queue }

// Live returns the number of objects created and not yet destroyed.
func (b *Backend) Live() int64 { return b.live.Load() }

func (b *Backend) check() error {
	if b.lost.Load() {
		return backend.ErrDeviceLost
	}
	if b.device == nil {
		return backend.ErrNotInitialized
	}
	return nil
}

// convert maps HAL device loss onto backend.ErrDeviceLost.
func convert(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hal.ErrDeviceLost) {
		return fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	}
	if errors.Is(err, hal.ErrTimestampsNotSupported) {
		return fmt.Errorf("%w: %w", backend.ErrUnsupported, err)
	}
	return err
}

// fail converts err and remembers a device loss.
func (b *Backend) fail(err error) error {
	err = convert(err)
	if errors.Is(err, backend.ErrDeviceLost) {
		b.lost.Store(true)
	}
	return err
}
