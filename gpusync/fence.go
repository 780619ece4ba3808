// Package gpusync wraps backend timelines as fences and semaphores and
// recycles them through a Factory.
//
// A Fence is armed with a target value for every submission that signals
// it. A Semaphore hands out increasing signal values with Reserve and
// orders work between queues. Both are backed by native timelines whose
// values only grow, so recycling never rewinds the GPU side: it only
// clears the wrapper's pending state.
package gpusync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
)

// DefaultCeiling is the longest a host may wait on the GPU. A wait that
// long means the GPU hung.
const DefaultCeiling = 120 * time.Second

// Synchronization errors.
var (
	// ErrWaitCeiling is returned when a caller asks to wait longer than
	// the configured ceiling.
	ErrWaitCeiling = errors.New("gpusync: timeout above wait ceiling")

	// ErrGPUHang is returned when a fence did not signal within the
	// ceiling.
	ErrGPUHang = errors.New("gpusync: GPU did not signal within the wait ceiling")

	// ErrNotReached is returned when recycling an object whose pending
	// value has not signaled.
	ErrNotReached = errors.New("gpusync: pending value not reached")

	// ErrRecycled is returned when an object is recycled twice.
	ErrRecycled = errors.New("gpusync: object already recycled")

	// ErrFactoryClosed is returned after Factory.Close.
	ErrFactoryClosed = errors.New("gpusync: factory closed")
)

// waitSlice bounds a single native wait so Wait can observe its context.
const waitSlice = 20 * time.Millisecond

// slowWait is when Wait logs a warning.
const slowWait = time.Second

// Fence lets the host wait for a submission. A fence that was never armed,
// or whose target has been reached, is signaled.
type Fence struct {
	gpuobj.Object

	native  backend.Fence
	ceiling time.Duration

	last   uint64 // highest value ever armed on native
	target atomic.Uint64
	queue  backend.QueueType
	free   bool
}

// Native returns the backend fence.
func (f *Fence) Native() backend.Fence { return f.native }

// Queue returns the queue of the last Arm.
func (f *Fence) Queue() backend.QueueType { return f.queue }

// Arm sets a new target for the next submission on queue and returns the
// value that submission must signal.
func (f *Fence) Arm(queue backend.QueueType) uint64 {
	f.last++
	f.queue = queue
	f.target.Store(f.last)
	return f.last
}

// Target returns the armed value, or 0 when unarmed.
func (f *Fence) Target() uint64 { return f.target.Load() }

// Signaled reports whether the armed submission completed. It never
// blocks.
func (f *Fence) Signaled() bool {
	t := f.target.Load()
	return t == 0 || f.native.Completed() >= t
}

// ClientWait waits up to timeout for the fence. A zero timeout only
// checks the status. It returns true only when the GPU confirmed
// completion; on timeout it returns false and changes nothing.
func (f *Fence) ClientWait(timeout time.Duration) (bool, error) {
	const op = "fence client wait"
	if timeout < 0 || timeout > f.ceiling {
		return false, grerr.Validationf(op, fmt.Errorf("%w: %v > %v", ErrWaitCeiling, timeout, f.ceiling))
	}
	t := f.target.Load()
	if t == 0 {
		return true, nil
	}
	ok, err := f.native.Wait(t, timeout)
	if err != nil {
		return false, backend.Classify(op, err)
	}
	return ok, nil
}

// Wait blocks until the fence signals, ctx is done or the wait ceiling
// passes. The latter is a fatal Timeout error.
func (f *Fence) Wait(ctx context.Context) error {
	return waitTimeline(ctx, "fence wait", f.String(), f.native, f.target.Load(), f.ceiling)
}

func (f *Fence) reset() {
	f.target.Store(0)
	f.queue = backend.QueueGraphics
}

func waitTimeline(ctx context.Context, op, what string, tl backend.Timeline, value uint64, ceiling time.Duration) error {
	if value == 0 {
		return nil
	}
	start := time.Now()
	warned := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		elapsed := time.Since(start)
		if elapsed >= ceiling {
			return grerr.E(grerr.Timeout, op, fmt.Errorf("%w: %s value %d after %v", ErrGPUHang, what, value, elapsed))
		}
		ok, err := tl.Wait(value, min(waitSlice, ceiling-elapsed))
		if err != nil {
			return backend.Classify(op, err)
		}
		if ok {
			return nil
		}
		if !warned && time.Since(start) > slowWait {
			warned = true
			logx.L().Warn("gpusync: slow GPU wait", "object", what, "value", value, "completed", tl.Completed())
		}
	}
}
