package halgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gr/backend"
)

// ErrUnsubmittedWait is returned by Submit for a wait on a timeline value
// no earlier submission signals. On a single in-order queue it could never
// be satisfied.
var ErrUnsubmittedWait = errors.New("halgpu: wait on a value no submission signals")

// signal is a timeline value that completes with a submission.
type signal struct {
	index uint64
	tl    *Timeline
	value uint64
}

// Timeline is a host-side timeline advanced by queue completion. It backs
// both fences and semaphores.
type Timeline struct {
	object

	mu        sync.Mutex
	value     uint64
	submitted uint64
}

func (b *Backend) newTimeline() (*Timeline, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	t := &Timeline{}
	t.init(b, nil)
	return t, nil
}

func (b *Backend) CreateFence() (backend.Fence, error) { return b.newTimeline() }

func (b *Backend) CreateSemaphore() (backend.Semaphore, error) { return b.newTimeline() }

// Completed returns the last value the GPU reached.
func (t *Timeline) Completed() uint64 {
	t.owner.poll()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *Timeline) advance(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = max(t.value, v)
}

// pollInterval bounds the sleep between completion checks in Wait.
const pollInterval = 2 * time.Millisecond

// Wait polls the queue until the timeline reaches value or timeout elapses.
func (t *Timeline) Wait(value uint64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	sleep := 50 * time.Microsecond
	for {
		if t.owner.lost.Load() {
			return false, backend.ErrDeviceLost
		}
		if t.Completed() >= value {
			return true, nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false, nil
		}
		time.Sleep(min(sleep, left))
		sleep = min(sleep*2, pollInterval)
	}
}

// poll advances every timeline whose submission completed.
func (b *Backend) poll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue == nil || len(b.inflight) == 0 {
		return
	}
	done := b.queue.PollCompleted()
	n := 0
	for _, s := range b.inflight {
		if s.index > done {
			break
		}
		s.tl.advance(s.value)
		n++
	}
	b.inflight = b.inflight[n:]
}

func (b *Backend) timeline(tl backend.Timeline) (*Timeline, error) {
	t, ok := tl.(*Timeline)
	if !ok || t.owner != b {
		return nil, ErrForeignObject
	}
	return t, nil
}

// Submit hands the command buffers to the HAL queue. Every queue type
// runs on it in submission order, so a wait is met by the submission
// that signals it as long as that one came first.
func (b *Backend) Submit(queue backend.QueueType, sub *backend.Submission) error {
	if err := b.check(); err != nil {
		return err
	}
	if !queue.Valid() {
		return fmt.Errorf("halgpu: invalid queue %d", queue)
	}
	cmds := make([]hal.CommandBuffer, len(sub.CommandBuffers))
	for i, cb := range sub.CommandBuffers {
		c, ok := cb.(*CommandBuffer)
		if !ok || c.owner != b {
			return ErrForeignObject
		}
		raw, err := c.native()
		if err != nil {
			return err
		}
		cmds[i] = raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range sub.Waits {
		t, err := b.timeline(w.Semaphore)
		if err != nil {
			return err
		}
		t.mu.Lock()
		reachable := max(t.value, t.submitted) >= w.Value
		t.mu.Unlock()
		if !reachable {
			return fmt.Errorf("%w: %d", ErrUnsubmittedWait, w.Value)
		}
	}
	signals := make([]signal, 0, len(sub.Signals)+1)
	for _, s := range sub.Signals {
		t, err := b.timeline(s.Semaphore)
		if err != nil {
			return err
		}
		signals = append(signals, signal{tl: t, value: s.Value})
	}
	if sub.Fence != nil {
		t, err := b.timeline(sub.Fence)
		if err != nil {
			return err
		}
		signals = append(signals, signal{tl: t, value: sub.FenceValue})
	}

	index, err := b.queue.Submit(cmds)
	if err != nil {
		return b.fail(fmt.Errorf("halgpu: submit to %v: %w", queue, err))
	}
	for _, s := range signals {
		s.index = index
		s.tl.mu.Lock()
		s.tl.submitted = max(s.tl.submitted, s.value)
		s.tl.mu.Unlock()
		b.inflight = append(b.inflight, s)
	}
	return nil
}

// WaitIdle waits for the device and completes every timeline.
func (b *Backend) WaitIdle() error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.device.WaitIdle(); err != nil {
		return b.fail(fmt.Errorf("halgpu: wait idle: %w", err))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.inflight {
		s.tl.advance(s.value)
	}
	b.inflight = b.inflight[:0]
	return nil
}
