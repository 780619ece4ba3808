package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gr/backend"
)

// Command buffer errors.
var (
	ErrNotRecording = errors.New("halgpu: command buffer not recording")
	ErrRecording    = errors.New("halgpu: command buffer already recording")
	ErrPassOpen     = errors.New("halgpu: pass still open")
	ErrNoPass       = errors.New("halgpu: no pass open")
	ErrNotFinished  = errors.New("halgpu: command buffer not finished")
)

// CommandBuffer records into a hal.CommandEncoder owned for its whole
// life. End produces the hal.CommandBuffer that Submit hands to the queue;
// Reset gives the encoder's memory back once the GPU is done with it.
type CommandBuffer struct {
	object
	queue     backend.QueueType
	enc       hal.CommandEncoder
	cmd       hal.CommandBuffer
	recording bool

	rp  hal.RenderPassEncoder
	cp  hal.ComputePassEncoder
	err error
}

func (b *Backend) CreateCommandBuffer(queue backend.QueueType, label string) (backend.CommandBuffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if !queue.Valid() {
		return nil, fmt.Errorf("halgpu: invalid queue %d", queue)
	}
	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, b.fail(fmt.Errorf("halgpu: create command encoder %q: %w", label, err))
	}
	c := &CommandBuffer{queue: queue, enc: enc}
	c.init(b, func() {
		c.reset()
		enc.Destroy()
	})
	return c, nil
}

// Queue returns the queue the buffer records for.
func (c *CommandBuffer) Queue() backend.QueueType { return c.queue }

// Begin starts recording.
func (c *CommandBuffer) Begin(label string) error {
	if c.recording {
		return ErrRecording
	}
	if c.cmd != nil {
		c.reset()
	}
	if err := c.enc.BeginEncoding(label); err != nil {
		return c.owner.fail(fmt.Errorf("halgpu: begin encoding %q: %w", label, err))
	}
	c.recording = true
	c.err = nil
	return nil
}

// End finishes recording. It returns the first recording error.
func (c *CommandBuffer) End() error {
	if !c.recording {
		return ErrNotRecording
	}
	if c.rp != nil || c.cp != nil {
		c.enc.DiscardEncoding()
		c.recording, c.rp, c.cp = false, nil, nil
		return ErrPassOpen
	}
	c.recording = false
	if c.err != nil {
		c.enc.DiscardEncoding()
		return c.err
	}
	cmd, err := c.enc.EndEncoding()
	if err != nil {
		return c.owner.fail(fmt.Errorf("halgpu: end encoding: %w", err))
	}
	c.cmd = cmd
	return nil
}

// Reset discards the recorded commands. The GPU must be done with them.
func (c *CommandBuffer) Reset() error {
	if c.recording {
		c.enc.DiscardEncoding()
		c.recording, c.rp, c.cp = false, nil, nil
	}
	c.reset()
	c.err = nil
	return nil
}

func (c *CommandBuffer) reset() {
	if c.cmd != nil {
		c.enc.ResetAll([]hal.CommandBuffer{c.cmd})
		c.cmd = nil
	}
}

func (c *CommandBuffer) setErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *CommandBuffer) outsidePass(op string) bool {
	if !c.recording {
		c.setErr(fmt.Errorf("halgpu: %s: %w", op, ErrNotRecording))
		return false
	}
	if c.rp != nil || c.cp != nil {
		c.setErr(fmt.Errorf("halgpu: %s: %w", op, ErrPassOpen))
		return false
	}
	return true
}

func (c *CommandBuffer) Barrier(textures []backend.TextureBarrier, buffers []backend.BufferBarrier) {
	if !c.outsidePass("barrier") {
		return
	}
	if len(textures) > 0 {
		tb := make([]hal.TextureBarrier, 0, len(textures))
		for _, t := range textures {
			raw, ok := t.Texture.(*Texture)
			if !ok {
				c.setErr(ErrForeignObject)
				return
			}
			from := t.From
			if t.Discard {
				from = 0
			}
			tb = append(tb, hal.TextureBarrier{
				Texture: raw.raw,
				Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
				Usage:   hal.TextureUsageTransition{OldUsage: from, NewUsage: t.To},
			})
		}
		c.enc.TransitionTextures(tb)
	}
	if len(buffers) > 0 {
		bb := make([]hal.BufferBarrier, 0, len(buffers))
		for _, b := range buffers {
			raw, ok := b.Buffer.(*Buffer)
			if !ok {
				c.setErr(ErrForeignObject)
				return
			}
			bb = append(bb, hal.BufferBarrier{
				Buffer: raw.raw,
				Usage:  hal.BufferUsageTransition{OldUsage: b.From, NewUsage: b.To},
			})
		}
		c.enc.TransitionBuffers(bb)
	}
}

func timestampIndices(ts *backend.TimestampWrites) (hal.QuerySet, *uint32, *uint32, error) {
	pool, ok := ts.Pool.(*QueryPool)
	if !ok {
		return nil, nil, nil, ErrForeignObject
	}
	begin, end := ts.Begin, ts.End
	return pool.raw, &begin, &end, nil
}

func (c *CommandBuffer) BeginRenderPass(desc *backend.RenderPassDesc) error {
	if !c.outsidePass("begin render pass") {
		return c.err
	}
	hd := &hal.RenderPassDescriptor{Label: desc.Label}
	for _, a := range desc.Color {
		t, ok := a.Texture.(*Texture)
		if !ok || t.view == nil {
			return fmt.Errorf("halgpu: color attachment %q: %w", desc.Label, ErrForeignObject)
		}
		hd.ColorAttachments = append(hd.ColorAttachments, hal.RenderPassColorAttachment{
			View:       t.view,
			LoadOp:     a.Load,
			StoreOp:    a.Store,
			ClearValue: a.Clear,
		})
	}
	if d := desc.Depth; d != nil {
		t, ok := d.Texture.(*Texture)
		if !ok || t.view == nil {
			return fmt.Errorf("halgpu: depth attachment %q: %w", desc.Label, ErrForeignObject)
		}
		hd.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            t.view,
			DepthLoadOp:     d.Load,
			DepthStoreOp:    d.Store,
			DepthClearValue: d.ClearDepth,
			DepthReadOnly:   d.ReadOnly,
		}
	}
	if ts := desc.Timestamps; ts != nil {
		qs, begin, end, err := timestampIndices(ts)
		if err != nil {
			return err
		}
		hd.TimestampWrites = &hal.RenderPassTimestampWrites{
			QuerySet:                  qs,
			BeginningOfPassWriteIndex: begin,
			EndOfPassWriteIndex:       end,
		}
	}
	c.rp = c.enc.BeginRenderPass(hd)
	return nil
}

func (c *CommandBuffer) EndRenderPass() {
	if c.rp == nil {
		c.setErr(fmt.Errorf("halgpu: end render pass: %w", ErrNoPass))
		return
	}
	c.rp.End()
	c.rp = nil
}

func (c *CommandBuffer) BeginComputePass(desc *backend.ComputePassDesc) error {
	if !c.outsidePass("begin compute pass") {
		return c.err
	}
	hd := &hal.ComputePassDescriptor{Label: desc.Label}
	if ts := desc.Timestamps; ts != nil {
		qs, begin, end, err := timestampIndices(ts)
		if err != nil {
			return err
		}
		hd.TimestampWrites = &hal.ComputePassTimestampWrites{
			QuerySet:                  qs,
			BeginningOfPassWriteIndex: begin,
			EndOfPassWriteIndex:       end,
		}
	}
	c.cp = c.enc.BeginComputePass(hd)
	return nil
}

func (c *CommandBuffer) EndComputePass() {
	if c.cp == nil {
		c.setErr(fmt.Errorf("halgpu: end compute pass: %w", ErrNoPass))
		return
	}
	c.cp.End()
	c.cp = nil
}

func (c *CommandBuffer) SetPipeline(p backend.Pipeline) {
	hp, ok := p.(*Pipeline)
	if !ok {
		c.setErr(ErrForeignObject)
		return
	}
	switch {
	case c.rp != nil && hp.render != nil:
		c.rp.SetPipeline(hp.render)
	case c.cp != nil && hp.compute != nil:
		c.cp.SetPipeline(hp.compute)
	default:
		c.setErr(fmt.Errorf("halgpu: set pipeline: %w", ErrNoPass))
	}
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if c.rp == nil {
		c.setErr(fmt.Errorf("halgpu: draw: %w", ErrNoPass))
		return
	}
	c.rp.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	if c.cp == nil {
		c.setErr(fmt.Errorf("halgpu: dispatch: %w", ErrNoPass))
		return
	}
	c.cp.Dispatch(x, y, z)
}

func (c *CommandBuffer) CopyBuffer(src backend.Buffer, srcOffset uint64, dst backend.Buffer, dstOffset, size uint64) {
	if !c.outsidePass("copy buffer") {
		return
	}
	s, ok1 := src.(*Buffer)
	d, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		c.setErr(ErrForeignObject)
		return
	}
	c.enc.CopyBufferToBuffer(s.raw, d.raw, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
}

func (c *CommandBuffer) ClearBuffer(buf backend.Buffer, offset, size uint64) {
	if !c.outsidePass("clear buffer") {
		return
	}
	b, ok := buf.(*Buffer)
	if !ok {
		c.setErr(ErrForeignObject)
		return
	}
	c.enc.ClearBuffer(b.raw, offset, size)
}

// ResetQueries is a no-op: HAL query sets need no reset before reuse.
func (c *CommandBuffer) ResetQueries(pool backend.QueryPool, first, count uint32) {
	c.outsidePass("reset queries")
}

func (c *CommandBuffer) ResolveQueries(pool backend.QueryPool, first, count uint32, dst backend.Buffer, dstOffset uint64) {
	if !c.outsidePass("resolve queries") {
		return
	}
	q, ok1 := pool.(*QueryPool)
	d, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		c.setErr(ErrForeignObject)
		return
	}
	c.enc.ResolveQuerySet(q.raw, first, count, d.raw, dstOffset)
}

// native returns the finished HAL command buffer.
func (c *CommandBuffer) native() (hal.CommandBuffer, error) {
	if c.recording || c.cmd == nil {
		return nil, ErrNotFinished
	}
	return c.cmd, nil
}
