package gpusync

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
)

// FactoryStats counts synchronization objects.
type FactoryStats struct {
	Fences         int
	Semaphores     int
	FreeFences     int
	FreeSemaphores int
	Reused         uint64
}

// String returns a human-readable summary.
func (s FactoryStats) String() string {
	return fmt.Sprintf("Sync[%d fences (%d free), %d semaphores (%d free), %d reused]",
		s.Fences, s.FreeFences, s.Semaphores, s.FreeSemaphores, s.Reused)
}

// Factory creates fences and semaphores and recycles them through
// free-lists. Native objects are destroyed only by Close.
//
// Factory is safe for concurrent use.
type Factory struct {
	be      backend.Backend
	ceiling time.Duration

	mu             sync.Mutex
	fences         []*Fence
	semaphores     []*Semaphore
	freeFences     []*Fence
	freeSemaphores []*Semaphore
	reused         uint64
	closed         bool
}

// NewFactory returns a factory whose objects refuse waits longer than
// ceiling. A zero ceiling means DefaultCeiling.
func NewFactory(be backend.Backend, ceiling time.Duration) *Factory {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Factory{be: be, ceiling: ceiling}
}

// Ceiling returns the wait ceiling.
func (f *Factory) Ceiling() time.Duration { return f.ceiling }

// NewFence returns an unarmed fence, reusing a recycled one when
// available. Recycled fences keep their id and name.
func (f *Factory) NewFence(name string) (*Fence, error) {
	const op = "new fence"
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, grerr.Validationf(op, ErrFactoryClosed)
	}
	if n := len(f.freeFences); n > 0 {
		fe := f.freeFences[n-1]
		f.freeFences = f.freeFences[:n-1]
		fe.free = false
		f.reused++
		return fe, nil
	}
	native, err := f.be.CreateFence()
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	fe := &Fence{native: native, ceiling: f.ceiling}
	fe.Init(gpuobj.KindFence, name)
	f.fences = append(f.fences, fe)
	return fe, nil
}

// RecycleFence returns fe to the free-list. The fence must be signaled.
func (f *Factory) RecycleFence(fe *Fence) error {
	const op = "recycle fence"
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return grerr.Validationf(op, ErrFactoryClosed)
	case fe.free:
		return grerr.Validationf(op, fmt.Errorf("%w: %s", ErrRecycled, fe))
	case !fe.Signaled():
		return grerr.Validationf(op, fmt.Errorf("%w: %s waits for %d, GPU at %d",
			ErrNotReached, fe, fe.Target(), fe.native.Completed()))
	}
	fe.reset()
	fe.free = true
	f.freeFences = append(f.freeFences, fe)
	return nil
}

// NewSemaphore returns a semaphore with nothing pending, reusing a
// recycled one when available.
func (f *Factory) NewSemaphore(name string) (*Semaphore, error) {
	const op = "new semaphore"
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, grerr.Validationf(op, ErrFactoryClosed)
	}
	if n := len(f.freeSemaphores); n > 0 {
		s := f.freeSemaphores[n-1]
		f.freeSemaphores = f.freeSemaphores[:n-1]
		s.free = false
		f.reused++
		return s, nil
	}
	native, err := f.be.CreateSemaphore()
	if err != nil {
		return nil, backend.Classify(op, err)
	}
	s := &Semaphore{native: native, ceiling: f.ceiling}
	s.Init(gpuobj.KindSemaphore, name)
	f.semaphores = append(f.semaphores, s)
	return s, nil
}

// RecycleSemaphore returns s to the free-list. Every reserved value must
// have been reached.
func (f *Factory) RecycleSemaphore(s *Semaphore) error {
	const op = "recycle semaphore"
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return grerr.Validationf(op, ErrFactoryClosed)
	case s.free:
		return grerr.Validationf(op, fmt.Errorf("%w: %s", ErrRecycled, s))
	case !s.Signaled():
		return grerr.Validationf(op, fmt.Errorf("%w: %s reserved %d, GPU at %d",
			ErrNotReached, s, s.Reserved(), s.Completed()))
	}
	s.free = true
	f.freeSemaphores = append(f.freeSemaphores, s)
	return nil
}

// Stats returns object counts.
func (f *Factory) Stats() FactoryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FactoryStats{
		Fences:         len(f.fences),
		Semaphores:     len(f.semaphores),
		FreeFences:     len(f.freeFences),
		FreeSemaphores: len(f.freeSemaphores),
		Reused:         f.reused,
	}
}

// Close destroys every object the factory created. The caller must have
// drained the GPU first. Close is idempotent.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, fe := range f.fences {
		fe.native.Destroy()
	}
	for _, s := range f.semaphores {
		s.native.Destroy()
	}
	logx.L().Debug("gpusync: factory closed", "fences", len(f.fences), "semaphores", len(f.semaphores))
	f.fences, f.semaphores, f.freeFences, f.freeSemaphores = nil, nil, nil, nil
}
