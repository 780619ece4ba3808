// Package cmdpool recycles command buffers and queries.
//
// Command buffers come from per-thread pools: a recording goroutine only
// ever touches its own pool, so the pool locks are uncontended. Deleted
// buffers are parked until the fence of their last submission signals,
// then reset and reused. Queries are carved from fixed-size chunks of
// native query pools that grow on demand.
package cmdpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
)

// Command buffer errors.
var (
	ErrNotInitial    = errors.New("cmdpool: command buffer is not in the initial state")
	ErrNotRecording  = errors.New("cmdpool: command buffer is not recording")
	ErrNotExecutable = errors.New("cmdpool: command buffer is not executable")
	ErrPending       = errors.New("cmdpool: command buffer is pending on the GPU")
	ErrBadThread     = errors.New("cmdpool: thread index out of range")
	ErrBadQueue      = errors.New("cmdpool: queue not available")
	ErrDeleted       = errors.New("cmdpool: command buffer already deleted")
	ErrClosed        = errors.New("cmdpool: factory closed")
)

// State is the lifecycle state of a CommandBuffer.
type State uint8

const (
	StateInitial State = iota
	StateRecording
	StateExecutable
	StatePending
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRecording:
		return "recording"
	case StateExecutable:
		return "executable"
	case StatePending:
		return "pending"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// CommandBuffer wraps a native command buffer with its lifecycle state
// and the fence value of its last submission.
//
// A command buffer is used by one goroutine at a time.
type CommandBuffer struct {
	gpuobj.Object

	native  backend.CommandBuffer
	queue   backend.QueueType
	thread  int
	label   string
	state   State
	fence   backend.Fence
	value   uint64
	deleted bool
}

// Native returns the backend command buffer for recording.
func (c *CommandBuffer) Native() backend.CommandBuffer { return c.native }

// Queue returns the queue the buffer records for.
func (c *CommandBuffer) Queue() backend.QueueType { return c.queue }

// Thread returns the index of the pool that owns the buffer.
func (c *CommandBuffer) Thread() int { return c.thread }

// Label returns the label of the current use.
func (c *CommandBuffer) Label() string { return c.label }

// State returns the lifecycle state.
func (c *CommandBuffer) State() State { return c.state }

// Begin starts recording.
func (c *CommandBuffer) Begin() error {
	const op = "command buffer begin"
	if c.state != StateInitial {
		return grerr.Validationf(op, fmt.Errorf("%w: %s is %s", ErrNotInitial, c, c.state))
	}
	if err := c.native.Begin(c.label); err != nil {
		return backend.Classify(op, err)
	}
	c.state = StateRecording
	return nil
}

// End finishes recording.
func (c *CommandBuffer) End() error {
	const op = "command buffer end"
	if c.state != StateRecording {
		return grerr.Validationf(op, fmt.Errorf("%w: %s is %s", ErrNotRecording, c, c.state))
	}
	if err := c.native.End(); err != nil {
		return backend.Classify(op, err)
	}
	c.state = StateExecutable
	return nil
}

// Submitted marks the buffer pending until fence reaches value.
func (c *CommandBuffer) Submitted(fence backend.Fence, value uint64) error {
	if c.state != StateExecutable {
		return grerr.Validationf("command buffer submit", fmt.Errorf("%w: %s is %s", ErrNotExecutable, c, c.state))
	}
	c.state = StatePending
	c.fence = fence
	c.value = value
	return nil
}

// Done reports whether the GPU is finished with the buffer.
func (c *CommandBuffer) Done() bool {
	return c.state != StatePending || c.fence == nil || c.fence.Completed() >= c.value
}

func (c *CommandBuffer) reset() error {
	if err := c.native.Reset(); err != nil {
		return err
	}
	c.state = StateInitial
	c.fence = nil
	c.value = 0
	c.label = ""
	c.deleted = false
	return nil
}

// threadPool holds the command buffers of one recording thread.
type threadPool struct {
	mu      sync.Mutex
	free    [backend.QueueCount][]*CommandBuffer
	retired []*CommandBuffer
	live    int
	reused  uint64
}

// FactoryStats counts command buffers across all threads.
type FactoryStats struct {
	Live    int
	Free    int
	Retired int
	Reused  uint64
}

// Factory hands out command buffers from per-thread pools.
type Factory struct {
	be      backend.Backend
	limits  backend.Limits
	threads []*threadPool

	mu     sync.Mutex
	closed bool
}

// NewFactory creates a factory with one pool per recording thread.
func NewFactory(be backend.Backend, threads int) *Factory {
	threads = max(threads, 1)
	f := &Factory{be: be, limits: be.Limits(), threads: make([]*threadPool, threads)}
	for i := range f.threads {
		f.threads[i] = &threadPool{}
	}
	return f
}

// Threads returns the number of per-thread pools.
func (f *Factory) Threads() int { return len(f.threads) }

func (f *Factory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// NewCommandBuffer returns a command buffer in the initial state from the
// pool of thread.
func (f *Factory) NewCommandBuffer(thread int, queue backend.QueueType, label string) (*CommandBuffer, error) {
	const op = "new command buffer"
	if f.isClosed() {
		return nil, grerr.Validationf(op, ErrClosed)
	}
	if thread < 0 || thread >= len(f.threads) {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %d of %d", ErrBadThread, thread, len(f.threads)))
	}
	if !queue.Valid() || !f.limits.Queues[queue] {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %v", ErrBadQueue, queue))
	}

	p := f.threads[thread]
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free[queue]); n > 0 {
		cb := p.free[queue][n-1]
		p.free[queue] = p.free[queue][:n-1]
		cb.label = label
		p.live++
		p.reused++
		return cb, nil
	}
	native, err := f.be.CreateCommandBuffer(queue, label)
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	cb := &CommandBuffer{native: native, queue: queue, thread: thread, label: label}
	cb.Init(gpuobj.KindCommandBuffer, fmt.Sprintf("thread %d %v", thread, queue))
	p.live++
	return cb, nil
}

// DeleteCommandBuffer parks cb on its thread's retired list. It is reset
// and reused by Reclaim once its last submission completed.
func (f *Factory) DeleteCommandBuffer(cb *CommandBuffer) error {
	const op = "delete command buffer"
	if cb.thread < 0 || cb.thread >= len(f.threads) {
		return grerr.Validationf(op, fmt.Errorf("%w: %d", ErrBadThread, cb.thread))
	}
	p := f.threads[cb.thread]
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb.deleted {
		return grerr.Validationf(op, fmt.Errorf("%w: %s", ErrDeleted, cb))
	}
	cb.deleted = true
	p.live--
	p.retired = append(p.retired, cb)
	return nil
}

// Reclaim resets every retired buffer whose submission completed and
// returns it to its free list. It returns the number reclaimed.
func (f *Factory) Reclaim() int {
	n := 0
	for i, p := range f.threads {
		p.mu.Lock()
		kept := p.retired[:0]
		for _, cb := range p.retired {
			if !cb.Done() {
				kept = append(kept, cb)
				continue
			}
			if err := cb.reset(); err != nil {
				logx.L().Warn("cmdpool: dropping command buffer that failed to reset",
					"thread", i, "buffer", cb.String(), "err", err)
				cb.native.Destroy()
				continue
			}
			p.free[cb.queue] = append(p.free[cb.queue], cb)
			n++
		}
		clear(p.retired[len(kept):])
		p.retired = kept
		p.mu.Unlock()
	}
	return n
}

// Stats returns counts summed over all threads.
func (f *Factory) Stats() FactoryStats {
	var s FactoryStats
	for _, p := range f.threads {
		p.mu.Lock()
		s.Live += p.live
		s.Retired += len(p.retired)
		for q := range p.free {
			s.Free += len(p.free[q])
		}
		s.Reused += p.reused
		p.mu.Unlock()
	}
	return s
}

// Close destroys every free and retired buffer. Buffers still held by
// callers are theirs to drop. The GPU must be idle.
func (f *Factory) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	for _, p := range f.threads {
		p.mu.Lock()
		for q := range p.free {
			for _, cb := range p.free[q] {
				cb.native.Destroy()
			}
			p.free[q] = nil
		}
		for _, cb := range p.retired {
			cb.native.Destroy()
		}
		p.retired = nil
		p.mu.Unlock()
	}
}
