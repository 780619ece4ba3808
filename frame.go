package gr

import (
	"context"
	"fmt"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/gpusync"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
	"github.com/gogpu/gr/rendergraph"
	"github.com/gogpu/gr/transient"
)

// BeginFrame starts a frame on the next frame-in-flight slot. It blocks
// until the GPU finished the frame that last used the slot; this is the
// only place the CPU waits for the GPU. Reaching the wait ceiling is a
// fatal Timeout error. If ctx ends during the wait, BeginFrame returns
// ctx.Err() and nothing advances.
//
// Once the slot is free, its command buffers and queries are reclaimed,
// retired objects whose last use completed are destroyed, and the slot's
// ring region and attachment arena are reset.
func (m *Manager) BeginFrame(ctx context.Context) error {
	const op = "begin frame"
	if err := m.check(op, StateIdle); err != nil {
		return err
	}
	next := (m.slot + 1) % len(m.slots)
	s := &m.slots[next]
	for _, fe := range s.fences {
		if fe == nil {
			continue
		}
		if err := fe.Wait(ctx); err != nil {
			if grerr.IsFatal(err) {
				return m.fail(op, err)
			}
			return err
		}
	}
	for q, fe := range s.fences {
		if fe == nil {
			continue
		}
		if err := m.sync.RecycleFence(fe); err != nil {
			logx.L().Warn("gr: dropping frame fence", "fence", fe.String(), "err", err)
		}
		s.fences[q] = nil
	}

	m.slot = next
	m.frame++
	s.serial = m.frame

	buffers := m.cmds.Reclaim()
	queries := 0
	if m.stamps != nil {
		queries = m.stamps.Reclaim()
	}
	destroyed := m.device.CollectGarbage(m.completedSerial())
	m.ring.Reset(next)
	m.heap.Reset(next)
	m.state = StateFrameBegun

	logx.L().Debug("gr: frame begun",
		"frame", m.frame, "slot", next,
		"reclaimed_buffers", buffers, "reclaimed_queries", queries, "destroyed", destroyed)
	return nil
}

// completedSerial returns the newest frame serial the GPU finished along
// with every frame before it.
func (m *Manager) completedSerial() uint64 {
	done := m.frame - 1
	for i := range m.slots {
		s := &m.slots[i]
		if s.serial != 0 && s.serial < m.frame && !s.signaled() {
			done = min(done, s.serial-1)
		}
	}
	return done
}

// frameOp checks that a frame is collecting passes.
func (m *Manager) frameOp(op string) error {
	return m.check(op, StateFrameBegun, StatePassesCollected)
}

// AddPass registers a pass in the current frame. See rendergraph.Graph.AddPass.
func (m *Manager) AddPass(name string, queue backend.QueueType, reads, writes []rendergraph.Access, fn rendergraph.PassFunc) error {
	if err := m.frameOp("add pass"); err != nil {
		return err
	}
	if err := m.graph.AddPass(name, queue, reads, writes, fn); err != nil {
		return err
	}
	m.state = StatePassesCollected
	return nil
}

// NewTransientRenderTarget declares a render target that lives for the
// current frame only.
func (m *Manager) NewTransientRenderTarget(desc rendergraph.TextureDesc) (rendergraph.ResourceHandle, error) {
	if err := m.frameOp("new transient render target"); err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	return m.graph.NewTransientRenderTarget(desc)
}

// NewTransientBuffer declares a buffer that lives for the current frame
// only.
func (m *Manager) NewTransientBuffer(desc rendergraph.BufferDesc) (rendergraph.ResourceHandle, error) {
	if err := m.frameOp("new transient buffer"); err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	return m.graph.NewTransientBuffer(desc)
}

// ImportTexture makes a device texture visible to the current frame. The
// texture is marked used by this frame, so destroying it is deferred until
// the frame completes. usage is its state before the first pass; zero
// means the state tracked from earlier frames or undefined.
func (m *Manager) ImportTexture(name string, h gpuobj.TextureHandle, usage rendergraph.Usage) (rendergraph.ResourceHandle, error) {
	const op = "import texture"
	if err := m.frameOp(op); err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	t, err := m.device.Texture(h)
	if err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	res, err := m.graph.ImportTexture(name, t.Native(), usage)
	if err != nil {
		return res, err
	}
	t.MarkUsed(m.frame)
	return res, nil
}

// ImportBuffer makes a device buffer visible to the current frame. See
// ImportTexture.
func (m *Manager) ImportBuffer(name string, h gpuobj.BufferHandle, usage rendergraph.Usage) (rendergraph.ResourceHandle, error) {
	const op = "import buffer"
	if err := m.frameOp(op); err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	b, err := m.device.Buffer(h)
	if err != nil {
		return rendergraph.ResourceHandle{}, err
	}
	res, err := m.graph.ImportBuffer(name, b.Native(), usage)
	if err != nil {
		return res, err
	}
	b.MarkUsed(m.frame)
	return res, nil
}

// ReleaseTexture destroys a device texture and forgets the usage state
// the graph tracked for it.
func (m *Manager) ReleaseTexture(h gpuobj.TextureHandle) error {
	t, err := m.device.Texture(h)
	if err != nil {
		return err
	}
	m.graph.Forget(t.Native())
	return m.device.DestroyTexture(h)
}

// ReleaseBuffer destroys a device buffer and forgets the usage state the
// graph tracked for it.
func (m *Manager) ReleaseBuffer(h gpuobj.BufferHandle) error {
	b, err := m.device.Buffer(h)
	if err != nil {
		return err
	}
	m.graph.Forget(b.Native())
	return m.device.DestroyBuffer(h)
}

// AllocScratch returns frame-lifetime bytes from the current slot's ring
// region. A request larger than what is left is a Validation error with
// transient.ErrRingCapacity.
func (m *Manager) AllocScratch(size, align uint64) (transient.Allocation, error) {
	if err := m.frameOp("alloc scratch"); err != nil {
		return transient.Allocation{}, err
	}
	return m.ring.Allocate(size, align)
}

// UploadScratch copies data into a fresh scratch allocation.
func (m *Manager) UploadScratch(data []byte, align uint64) (transient.Allocation, error) {
	a, err := m.AllocScratch(uint64(len(data)), align)
	if err != nil {
		return a, err
	}
	return a, m.ring.Write(a, data)
}

// EndFrame compiles the frame graph, records every pass and submits the
// batches in compiled order. It arms one fence per queue used by the
// frame and returns without waiting for the GPU.
//
// A Validation error aborts the frame: nothing is submitted and the
// manager is Idle again. A fatal error stops the manager; every later
// call returns ErrLost.
func (m *Manager) EndFrame(ctx context.Context) error {
	const op = "end frame"
	if err := m.frameOp(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return m.abort(op, err)
	}

	plan, err := m.graph.Compile()
	if err != nil {
		return m.abort(op, err)
	}
	m.state = StateGraphCompiled
	logx.L().Debug("gr: frame compiled", "frame", m.frame, "plan", plan.String())

	rec, err := m.graph.Execute()
	if err != nil {
		return m.abort(op, err)
	}
	if err := m.submit(op, rec); err != nil {
		return m.abort(op, err)
	}
	m.state = StateSubmitted

	m.state = StateFrameRetiring
	m.publish(plan, rec)
	m.graph.Reset()
	m.state = StateIdle
	return nil
}

// abort drops the current frame. Fatal errors stop the manager.
func (m *Manager) abort(op string, err error) error {
	m.graph.Reset()
	if grerr.IsFatal(err) {
		return m.fail(op, err)
	}
	m.state = StateIdle
	logx.L().Warn("gr: frame aborted", "frame", m.frame, "err", err)
	return err
}

// submit hands the recorded batches to their queues in order. Every batch
// signals the next value of its queue timeline; waits on earlier batches
// use those values. The first batch of each queue also waits for the
// other queues' work of earlier frames, which orders accesses to imported
// resources across frames. The last batch of each queue arms the slot's
// fence for that queue. Once a batch is on the GPU every later error is
// fatal.
func (m *Manager) submit(op string, rec *rendergraph.Recording) (err error) {
	var last [backend.QueueCount]int
	for i, b := range rec.Batches {
		last[b.Queue] = i
	}
	var carry [backend.QueueCount]uint64
	for q, sem := range m.timelines {
		if sem != nil {
			carry[q] = sem.Reserved()
		}
	}

	s := &m.slots[m.slot]
	values := make([]uint64, len(rec.Batches))
	var started [backend.QueueCount]bool
	submitted := 0
	defer func() {
		// Batches that never reached the GPU go straight back to their pools.
		for _, b := range rec.Batches[submitted:] {
			for _, cb := range b.CommandBuffers {
				_ = m.cmds.DeleteCommandBuffer(cb)
			}
			for _, q := range b.Queries {
				_ = m.stamps.DeleteQuery(q, nil, 0)
			}
		}
		err = afterSubmit(op, submitted, err)
	}()

	for i, b := range rec.Batches {
		q := b.Queue
		sem := m.timelines[q]
		sub := &backend.Submission{CommandBuffers: make([]backend.CommandBuffer, len(b.CommandBuffers))}
		for j, cb := range b.CommandBuffers {
			sub.CommandBuffers[j] = cb.Native()
		}
		for _, w := range b.Waits {
			sub.Waits = append(sub.Waits, backend.SemaphoreOp{
				Semaphore: m.timelines[rec.Batches[w].Queue].Native(),
				Value:     values[w],
			})
		}
		if !started[q] {
			started[q] = true
			for oq, v := range carry {
				if backend.QueueType(oq) != q && v > 0 && m.timelines[oq].Completed() < v {
					sub.Waits = append(sub.Waits, backend.SemaphoreOp{Semaphore: m.timelines[oq].Native(), Value: v})
				}
			}
		}
		values[i] = sem.Reserve()
		sub.Signals = []backend.SemaphoreOp{{Semaphore: sem.Native(), Value: values[i]}}

		if last[q] == i {
			fe, err := m.slotFence(s, q)
			if err != nil {
				return err
			}
			sub.Fence = fe.Native()
			sub.FenceValue = fe.Arm(q)
		}
		if err := m.be.Submit(q, sub); err != nil {
			return backend.Classify(op, err)
		}
		submitted = i + 1

		for _, cb := range b.CommandBuffers {
			if err := cb.Submitted(sem.Native(), values[i]); err != nil {
				return err
			}
			if err := m.cmds.DeleteCommandBuffer(cb); err != nil {
				return err
			}
		}
		for _, qu := range b.Queries {
			if err := m.stamps.DeleteQuery(qu, sem.Native(), values[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// afterSubmit promotes err to a Backend error when batches were already
// submitted: their fences may be unarmed and imported states are
// committed, so the frame cannot be dropped.
func afterSubmit(op string, submitted int, err error) error {
	if err == nil || submitted == 0 || grerr.IsFatal(err) {
		return err
	}
	return grerr.E(grerr.Backend, op, err)
}

// slotFence returns the fence of queue q in s, taking one from the sync
// factory on first use in the frame.
func (m *Manager) slotFence(s *frameSlot, q backend.QueueType) (*gpusync.Fence, error) {
	if s.fences[q] == nil {
		fe, err := m.sync.NewFence(fmt.Sprintf("%v frame fence", q))
		if err != nil {
			return nil, err
		}
		s.fences[q] = fe
	}
	return s.fences[q], nil
}

func (m *Manager) publish(plan *rendergraph.Plan, rec *rendergraph.Recording) {
	m.ring.Publish()
	m.heap.Publish()
	m.counters.submissions.Set(int64(len(rec.Batches)))
	m.counters.passes.Set(int64(len(plan.Order)))
	m.counters.syncPoints.Set(int64(plan.SyncPoints))
	m.counters.regions.Set(int64(len(plan.Regions)))
	m.counters.objects.Set(int64(m.device.Stats().Live()))
	cs := m.cmds.Stats()
	m.counters.cmdBuffers.Set(int64(cs.Live + cs.Free + cs.Retired))
	if m.stamps != nil {
		m.counters.queries.Set(int64(m.stamps.Stats().Allocated))
	}
}
