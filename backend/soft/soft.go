// Package soft implements backend.Backend on the CPU.
//
// Nothing is rasterized: command buffers keep their recorded commands and
// submissions are executed by signaling their timelines. This makes GPU
// completion observable and controllable, which the tests of every layer
// above rely on:
//
//	b := soft.New(soft.WithManualCompletion())
//	// ... submit frames ...
//	b.CompleteAll() // the "GPU" catches up
//
// By default every submission completes as soon as its waits are satisfied.
package soft

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
)

func init() {
	backend.Register(backend.NameSoft, func() backend.Backend { return New() })
}

// ErrInjected is returned by creation calls failed through FailCreates.
var ErrInjected = errors.New("soft: injected failure")

// Option configures a Backend.
type Option func(*Backend)

// WithManualCompletion keeps submissions pending until Step or CompleteAll.
func WithManualCompletion() Option {
	return func(b *Backend) { b.manual = true }
}

// WithLimits overrides the reported limits.
func WithLimits(l backend.Limits) Option {
	return func(b *Backend) { b.limits = l }
}

// Executed records one completed submission.
type Executed struct {
	Seq            int
	Queue          backend.QueueType
	CommandBuffers []string
	Commands       [][]Command
	Waits          []backend.SemaphoreOp
	Signals        []backend.SemaphoreOp
}

type pending struct {
	seq int
	sub backend.Submission
}

// Backend is the CPU backend.
type Backend struct {
	mu       sync.Mutex
	limits   backend.Limits
	manual   bool
	inited   bool
	seq      int
	queues   [backend.QueueCount][]pending
	executed []Executed

	failCreates int
	skipCreates int

	live   atomic.Int64
	lost   atomic.Bool
	lostCh chan struct{}
}

// DefaultLimits returns the limits a soft backend reports by default.
func DefaultLimits() backend.Limits {
	l := backend.LimitsFrom(gputypes.DefaultLimits())
	l.Queues = [backend.QueueCount]bool{true, true, true}
	l.TimestampQueries = true
	return l
}

// New creates a soft backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		limits: DefaultLimits(),
		lostCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "soft".
func (b *Backend) Name() string { return backend.NameSoft }

// Init marks the backend ready.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inited = true
	return nil
}

// Close releases the backend.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inited = false
}

// Limits returns the reported limits.
func (b *Backend) Limits() backend.Limits { return b.limits }

// Live returns the number of native objects not yet destroyed.
func (b *Backend) Live() int64 { return b.live.Load() }

// FailCreates makes the next n creation calls fail with ErrInjected.
func (b *Backend) FailCreates(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCreates = n
	b.skipCreates = 0
}

// FailCreatesAfter lets skip creation calls succeed, then fails the next n.
func (b *Backend) FailCreatesAfter(skip, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCreates = n
	b.skipCreates = skip
}

// LoseDevice simulates a device loss. Every later call fails with
// backend.ErrDeviceLost and blocked waits return.
func (b *Backend) LoseDevice() {
	if b.lost.CompareAndSwap(false, true) {
		close(b.lostCh)
	}
}

// Lost reports whether the device was lost.
func (b *Backend) Lost() bool { return b.lost.Load() }

func (b *Backend) checkCreate() error {
	if b.Lost() {
		return backend.ErrDeviceLost
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inited {
		return backend.ErrNotInitialized
	}
	if b.skipCreates > 0 {
		b.skipCreates--
		return nil
	}
	if b.failCreates > 0 {
		b.failCreates--
		return ErrInjected
	}
	return nil
}

func (b *Backend) CreateBuffer(desc *backend.BufferDesc) (backend.Buffer, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	buf := &Buffer{desc: *desc}
	if desc.HostVisible {
		buf.data = make([]byte, desc.Size)
	}
	buf.init(b, desc.Label)
	return buf, nil
}

func (b *Backend) CreateTexture(desc *backend.TextureDesc) (backend.Texture, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	t := &Texture{desc: *desc}
	t.init(b, desc.Label)
	return t, nil
}

func (b *Backend) CreateHeap(desc *backend.HeapDesc) (backend.Heap, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	h := &Heap{size: desc.Size}
	h.init(b, desc.Label)
	return h, nil
}

func (b *Backend) placement(heap backend.Heap, offset, size uint64) (*Heap, error) {
	h, ok := heap.(*Heap)
	if !ok || h.owner != b {
		return nil, ErrForeignObject
	}
	if h.Destroyed() {
		return nil, ErrDestroyedInUse
	}
	if offset%b.limits.PlacementAlignment != 0 {
		return nil, fmt.Errorf("soft: placement offset %d not aligned to %d", offset, b.limits.PlacementAlignment)
	}
	if offset+size > h.size {
		return nil, fmt.Errorf("soft: placed resource [%d, %d) outside heap of %d bytes", offset, offset+size, h.size)
	}
	return h, nil
}

func (b *Backend) CreatePlacedTexture(heap backend.Heap, offset uint64, desc *backend.TextureDesc) (backend.Texture, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	h, err := b.placement(heap, offset, desc.ByteSize())
	if err != nil {
		return nil, err
	}
	t := &Texture{desc: *desc, heap: h, offset: offset}
	t.init(b, desc.Label)
	return t, nil
}

func (b *Backend) CreatePlacedBuffer(heap backend.Heap, offset uint64, desc *backend.BufferDesc) (backend.Buffer, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	h, err := b.placement(heap, offset, desc.Size)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{desc: *desc, heap: h, offset: offset}
	buf.init(b, desc.Label)
	return buf, nil
}

func (b *Backend) CreateSampler(desc *backend.SamplerDesc) (backend.Sampler, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	s := &Sampler{desc: *desc}
	s.init(b, desc.Label)
	return s, nil
}

func (b *Backend) CreateShader(desc *backend.ShaderDesc) (backend.Shader, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	s := &Shader{desc: *desc}
	s.init(b, desc.Label)
	return s, nil
}

func (b *Backend) CreateRenderPipeline(desc *backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	p := &Pipeline{}
	p.init(b, desc.Label)
	return p, nil
}

func (b *Backend) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	p := &Pipeline{compute: true}
	p.init(b, desc.Label)
	return p, nil
}

func (b *Backend) CreateQueryPool(desc *backend.QueryPoolDesc) (backend.QueryPool, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	q := &QueryPool{kind: desc.Kind, count: desc.Count}
	q.init(b, desc.Label)
	return q, nil
}

func (b *Backend) CreateFence() (backend.Fence, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	return newTimeline(b, "fence"), nil
}

func (b *Backend) CreateSemaphore() (backend.Semaphore, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	return newTimeline(b, "semaphore"), nil
}

func (b *Backend) CreateCommandBuffer(queue backend.QueueType, label string) (backend.CommandBuffer, error) {
	if err := b.checkCreate(); err != nil {
		return nil, err
	}
	if !queue.Valid() {
		return nil, fmt.Errorf("soft: invalid queue %d", queue)
	}
	c := &CommandBuffer{queue: queue}
	c.init(b, label)
	return c, nil
}

// WriteBuffer copies data into a host-visible buffer.
func (b *Backend) WriteBuffer(buf backend.Buffer, offset uint64, data []byte) error {
	if b.Lost() {
		return backend.ErrDeviceLost
	}
	sb, ok := buf.(*Buffer)
	if !ok || sb.owner != b {
		return ErrForeignObject
	}
	if sb.data == nil {
		return errors.New("soft: buffer is not host visible")
	}
	if offset+uint64(len(data)) > uint64(len(sb.data)) {
		return fmt.Errorf("soft: write [%d, %d) outside buffer of %d bytes", offset, offset+uint64(len(data)), len(sb.data))
	}
	copy(sb.data[offset:], data)
	return nil
}

// Submit queues a submission. Unless manual completion is enabled it
// executes immediately once its waits are satisfied.
func (b *Backend) Submit(queue backend.QueueType, sub *backend.Submission) error {
	if b.Lost() {
		return backend.ErrDeviceLost
	}
	if !queue.Valid() {
		return fmt.Errorf("soft: invalid queue %d", queue)
	}
	b.mu.Lock()
	if !b.inited {
		b.mu.Unlock()
		return backend.ErrNotInitialized
	}
	for _, cb := range sub.CommandBuffers {
		c, ok := cb.(*CommandBuffer)
		if !ok || c.owner != b {
			b.mu.Unlock()
			return ErrForeignObject
		}
		if c.state != cbExecutable {
			b.mu.Unlock()
			return ErrNotExecutable
		}
		if c.queue != queue {
			b.mu.Unlock()
			return ErrQueueMismatch
		}
	}
	for _, cb := range sub.CommandBuffers {
		cb.(*CommandBuffer).state = cbPending
	}
	b.seq++
	p := pending{seq: b.seq, sub: *sub}
	p.sub.CommandBuffers = append([]backend.CommandBuffer(nil), sub.CommandBuffers...)
	b.queues[queue] = append(b.queues[queue], p)
	manual := b.manual
	b.mu.Unlock()

	if !manual {
		b.CompleteAll()
	}
	return nil
}

// Step executes the oldest runnable submission. It reports whether one ran.
func (b *Backend) Step() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stepLocked()
}

func (b *Backend) stepLocked() bool {
	best := -1
	for q := range b.queues {
		if len(b.queues[q]) == 0 || !runnable(&b.queues[q][0].sub) {
			continue
		}
		if best < 0 || b.queues[q][0].seq < b.queues[best][0].seq {
			best = q
		}
	}
	if best < 0 {
		return false
	}
	p := b.queues[best][0]
	b.queues[best] = b.queues[best][1:]

	ex := Executed{
		Seq:     p.seq,
		Queue:   backend.QueueType(best),
		Waits:   p.sub.Waits,
		Signals: p.sub.Signals,
	}
	for _, cb := range p.sub.CommandBuffers {
		c := cb.(*CommandBuffer)
		c.state = cbExecutable
		ex.CommandBuffers = append(ex.CommandBuffers, c.label)
		ex.Commands = append(ex.Commands, append([]Command(nil), c.cmds...))
	}
	b.executed = append(b.executed, ex)

	for _, s := range p.sub.Signals {
		s.Semaphore.(*Timeline).Signal(s.Value)
	}
	if p.sub.Fence != nil {
		p.sub.Fence.(*Timeline).Signal(p.sub.FenceValue)
	}
	return true
}

func runnable(sub *backend.Submission) bool {
	for _, w := range sub.Waits {
		if w.Semaphore.Completed() < w.Value {
			return false
		}
	}
	return true
}

// CompleteAll executes submissions until none is runnable.
func (b *Backend) CompleteAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.stepLocked() {
	}
}

// Pending returns the number of submissions not yet executed.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for q := range b.queues {
		n += len(b.queues[q])
	}
	return n
}

// Executed returns the completed submissions in execution order.
func (b *Backend) Executed() []Executed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Executed(nil), b.executed...)
}

// WaitIdle executes everything runnable. Submissions blocked on a
// semaphore nobody will signal stay pending.
func (b *Backend) WaitIdle() error {
	if b.Lost() {
		return backend.ErrDeviceLost
	}
	b.CompleteAll()
	return nil
}
