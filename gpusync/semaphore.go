package gpusync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
)

// Semaphore is a timeline used to order submissions across queues.
type Semaphore struct {
	gpuobj.Object

	native   backend.Semaphore
	ceiling  time.Duration
	reserved atomic.Uint64
	free     bool
}

// Native returns the backend semaphore.
func (s *Semaphore) Native() backend.Semaphore { return s.native }

// Reserve returns the next value a submission will signal.
func (s *Semaphore) Reserve() uint64 { return s.reserved.Add(1) }

// Reserved returns the last value handed out by Reserve.
func (s *Semaphore) Reserved() uint64 { return s.reserved.Load() }

// Completed returns the value the GPU has reached.
func (s *Semaphore) Completed() uint64 { return s.native.Completed() }

// Signaled reports whether every reserved value has been reached.
func (s *Semaphore) Signaled() bool { return s.native.Completed() >= s.reserved.Load() }

// ClientWait waits on the host until the semaphore reaches value or
// timeout passes. A zero timeout only checks the status.
func (s *Semaphore) ClientWait(value uint64, timeout time.Duration) (bool, error) {
	const op = "semaphore client wait"
	if timeout < 0 || timeout > s.ceiling {
		return false, grerr.Validationf(op, fmt.Errorf("%w: %v > %v", ErrWaitCeiling, timeout, s.ceiling))
	}
	ok, err := s.native.Wait(value, timeout)
	if err != nil {
		return false, backend.Classify(op, err)
	}
	return ok, nil
}

// Wait blocks until every reserved value is reached, ctx is done or the
// wait ceiling passes.
func (s *Semaphore) Wait(ctx context.Context) error {
	return waitTimeline(ctx, "semaphore wait", s.String(), s.native, s.reserved.Load(), s.ceiling)
}
