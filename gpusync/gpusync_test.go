package gpusync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/backend/soft"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
)

func newFactory(t *testing.T, ceiling time.Duration) (*Factory, *soft.Backend) {
	t.Helper()
	be := soft.New(soft.WithManualCompletion())
	require.NoError(t, be.Init())
	f := NewFactory(be, ceiling)
	t.Cleanup(func() {
		f.Close()
		be.Close()
	})
	return f, be
}

// submitFence submits an empty batch that signals fe.
func submitFence(t *testing.T, be *soft.Backend, fe *Fence) {
	t.Helper()
	v := fe.Arm(backend.QueueGraphics)
	require.NoError(t, be.Submit(backend.QueueGraphics, &backend.Submission{Fence: fe.Native(), FenceValue: v}))
}

func TestUnarmedFenceIsSignaled(t *testing.T) {
	f, _ := newFactory(t, 0)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	assert.Equal(t, gpuobj.KindFence, fe.Kind())
	assert.True(t, fe.Signaled())
	ok, err := fe.ClientWait(0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, fe.Wait(context.Background()))
}

func TestClientWaitZeroOnUnsignaledFence(t *testing.T) {
	f, be := newFactory(t, 0)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	submitFence(t, be, fe)

	start := time.Now()
	ok, err := fe.ClientWait(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "zero timeout must not block")
	assert.Equal(t, uint64(1), fe.Target(), "a failed wait changes nothing")
	assert.False(t, fe.Signaled())

	be.CompleteAll()
	ok, err = fe.ClientWait(0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientWaitTimeout(t *testing.T) {
	f, be := newFactory(t, time.Second)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	submitFence(t, be, fe)

	ok, err := fe.ClientWait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		be.CompleteAll()
	}()
	ok, err = fe.ClientWait(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitCeiling(t *testing.T) {
	f, _ := newFactory(t, time.Second)
	fe, err := f.NewFence("f")
	require.NoError(t, err)

	_, err = fe.ClientWait(2 * time.Second)
	assert.ErrorIs(t, err, ErrWaitCeiling)
	assert.Equal(t, grerr.Validation, grerr.KindOf(err))

	s, err := f.NewSemaphore("s")
	require.NoError(t, err)
	_, err = s.ClientWait(1, time.Hour)
	assert.ErrorIs(t, err, ErrWaitCeiling)
}

func TestWaitHang(t *testing.T) {
	f, be := newFactory(t, 50*time.Millisecond)
	fe, err := f.NewFence("hung")
	require.NoError(t, err)
	submitFence(t, be, fe)

	err = fe.Wait(context.Background())
	assert.ErrorIs(t, err, ErrGPUHang)
	assert.ErrorIs(t, err, grerr.ErrTimeout)
	assert.True(t, grerr.IsFatal(err))
}

func TestWaitContext(t *testing.T) {
	f, be := newFactory(t, time.Minute)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	submitFence(t, be, fe)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fe.Wait(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		be.CompleteAll()
	}()
	assert.NoError(t, fe.Wait(context.Background()))
}

func TestWaitDeviceLost(t *testing.T) {
	f, be := newFactory(t, time.Minute)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	submitFence(t, be, fe)

	go func() {
		time.Sleep(10 * time.Millisecond)
		be.LoseDevice()
	}()
	err = fe.Wait(context.Background())
	assert.ErrorIs(t, err, grerr.ErrDeviceLost)
}

func TestFenceRecycle(t *testing.T) {
	f, be := newFactory(t, 0)
	fe, err := f.NewFence("f")
	require.NoError(t, err)
	submitFence(t, be, fe)

	err = f.RecycleFence(fe)
	assert.ErrorIs(t, err, ErrNotReached)
	assert.Equal(t, 0, f.Stats().FreeFences)

	be.CompleteAll()
	require.NoError(t, f.RecycleFence(fe))
	assert.ErrorIs(t, f.RecycleFence(fe), ErrRecycled)

	again, err := f.NewFence("g")
	require.NoError(t, err)
	assert.Same(t, fe, again)
	assert.Equal(t, uint64(0), again.Target(), "wait state reset")
	assert.True(t, again.Signaled())
	assert.Equal(t, 1, f.Stats().Fences, "no native object created")
	assert.Equal(t, uint64(1), f.Stats().Reused)

	// The native timeline keeps counting, so new targets stay ahead.
	submitFence(t, be, again)
	assert.Equal(t, uint64(2), again.Target())
	assert.False(t, again.Signaled())
}

func TestSemaphoreTimeline(t *testing.T) {
	f, be := newFactory(t, time.Second)
	s, err := f.NewSemaphore("compute")
	require.NoError(t, err)
	assert.Equal(t, gpuobj.KindSemaphore, s.Kind())
	assert.True(t, s.Signaled())

	v1 := s.Reserve()
	v2 := s.Reserve()
	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.False(t, s.Signaled())

	require.NoError(t, be.Submit(backend.QueueCompute, &backend.Submission{
		Signals: []backend.SemaphoreOp{{Semaphore: s.Native(), Value: v1}},
	}))
	require.NoError(t, be.Submit(backend.QueueGraphics, &backend.Submission{
		Waits:   []backend.SemaphoreOp{{Semaphore: s.Native(), Value: v1}},
		Signals: []backend.SemaphoreOp{{Semaphore: s.Native(), Value: v2}},
	}))

	ok, err := s.ClientWait(v1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, f.RecycleSemaphore(s), ErrNotReached)

	be.CompleteAll()
	assert.Equal(t, v2, s.Completed())
	require.NoError(t, s.Wait(context.Background()))
	require.NoError(t, f.RecycleSemaphore(s))

	again, err := f.NewSemaphore("x")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.True(t, again.Signaled())
	assert.Greater(t, again.Reserve(), v2)
}

func TestFactoryClose(t *testing.T) {
	be := soft.New()
	require.NoError(t, be.Init())
	f := NewFactory(be, 0)
	assert.Equal(t, DefaultCeiling, f.Ceiling())

	_, err := f.NewFence("a")
	require.NoError(t, err)
	s, err := f.NewSemaphore("b")
	require.NoError(t, err)
	require.NoError(t, f.RecycleSemaphore(s))
	assert.Equal(t, int64(2), be.Live())

	f.Close()
	f.Close()
	assert.Equal(t, int64(0), be.Live())
	_, err = f.NewFence("c")
	assert.ErrorIs(t, err, ErrFactoryClosed)
}

func TestFactoryBackendFailure(t *testing.T) {
	f, be := newFactory(t, 0)
	be.FailCreates(1)
	_, err := f.NewFence("f")
	assert.ErrorIs(t, err, grerr.ErrBackend)
	assert.Equal(t, 0, f.Stats().Fences)
}
