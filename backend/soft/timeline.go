package soft

import (
	"sync"
	"time"

	"github.com/gogpu/gr/backend"
)

// Timeline is a CPU timeline used for both fences and semaphores.
type Timeline struct {
	object

	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

func newTimeline(b *Backend, label string) *Timeline {
	t := &Timeline{changed: make(chan struct{})}
	t.init(b, label)
	return t
}

// Completed returns the last signaled value.
func (t *Timeline) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Signal advances the timeline to v. Lower values are ignored.
func (t *Timeline) Signal(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.value {
		return
	}
	t.value = v
	close(t.changed)
	t.changed = make(chan struct{})
}

// Wait blocks until the timeline reaches value, timeout elapses or the
// device is lost.
func (t *Timeline) Wait(value uint64, timeout time.Duration) (bool, error) {
	var timer *time.Timer
	for {
		if t.owner.Lost() {
			return false, backend.ErrDeviceLost
		}
		t.mu.Lock()
		reached := t.value >= value
		ch := t.changed
		t.mu.Unlock()
		if reached {
			return true, nil
		}
		if timeout <= 0 {
			return false, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-ch:
		case <-t.owner.lostCh:
		case <-timer.C:
			return t.Completed() >= value, nil
		}
	}
}
