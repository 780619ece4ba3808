package soft

import (
	"errors"
	"fmt"

	"github.com/gogpu/gr/backend"
)

// Command buffer errors.
var (
	ErrNotRecording   = errors.New("soft: command buffer not recording")
	ErrRecording      = errors.New("soft: command buffer already recording")
	ErrPassOpen       = errors.New("soft: pass still open")
	ErrNoPass         = errors.New("soft: no pass open")
	ErrInFlight       = errors.New("soft: command buffer in flight")
	ErrNotExecutable  = errors.New("soft: command buffer not executable")
	ErrQueueMismatch  = errors.New("soft: command buffer recorded for another queue")
	ErrForeignObject  = errors.New("soft: object from another backend")
	ErrDestroyedInUse = errors.New("soft: destroyed object used")
)

// Op identifies a recorded command.
type Op uint8

const (
	OpBarrier Op = iota + 1
	OpBeginRenderPass
	OpEndRenderPass
	OpBeginComputePass
	OpEndComputePass
	OpSetPipeline
	OpDraw
	OpDispatch
	OpCopyBuffer
	OpClearBuffer
	OpResetQueries
	OpResolveQueries
)

var opNames = [...]string{
	OpBarrier:          "barrier",
	OpBeginRenderPass:  "begin render pass",
	OpEndRenderPass:    "end render pass",
	OpBeginComputePass: "begin compute pass",
	OpEndComputePass:   "end compute pass",
	OpSetPipeline:      "set pipeline",
	OpDraw:             "draw",
	OpDispatch:         "dispatch",
	OpCopyBuffer:       "copy buffer",
	OpClearBuffer:      "clear buffer",
	OpResetQueries:     "reset queries",
	OpResolveQueries:   "resolve queries",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Command is one recorded command.
type Command struct {
	Op       Op
	Label    string
	Textures []backend.TextureBarrier
	Buffers  []backend.BufferBarrier
	Pass     *backend.RenderPassDesc
	Args     [4]uint32
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
)

// CommandBuffer records commands into a slice.
type CommandBuffer struct {
	object
	queue backend.QueueType

	// state and cmds are guarded by owner.mu once submitted.
	state    cbState
	label    string
	cmds     []Command
	openPass Op
	err      error
}

// Queue returns the queue the buffer records for.
func (c *CommandBuffer) Queue() backend.QueueType { return c.queue }

// Begin starts recording.
func (c *CommandBuffer) Begin(label string) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	switch c.state {
	case cbRecording:
		return ErrRecording
	case cbPending:
		return ErrInFlight
	}
	c.state = cbRecording
	c.label = label
	c.cmds = c.cmds[:0]
	c.err = nil
	return nil
}

// End finishes recording. It returns the first recording error.
func (c *CommandBuffer) End() error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.state != cbRecording {
		return ErrNotRecording
	}
	if c.err != nil {
		return c.err
	}
	if c.openPass != 0 {
		return ErrPassOpen
	}
	c.state = cbExecutable
	return nil
}

// Reset discards recorded commands. It fails while the GPU may still
// execute the buffer.
func (c *CommandBuffer) Reset() error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.state == cbPending {
		return ErrInFlight
	}
	c.state = cbInitial
	c.label = ""
	c.cmds = nil
	c.openPass = 0
	c.err = nil
	return nil
}

// Commands returns a copy of the recorded commands.
func (c *CommandBuffer) Commands() []Command {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return append([]Command(nil), c.cmds...)
}

// RecordedLabel returns the label passed to Begin.
func (c *CommandBuffer) RecordedLabel() string {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.label
}

// Pending reports whether the buffer was submitted and has not executed yet.
func (c *CommandBuffer) Pending() bool {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.state == cbPending
}

func (c *CommandBuffer) record(cmd Command) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.state != cbRecording {
		if c.err == nil {
			c.err = ErrNotRecording
		}
		return
	}
	if c.err != nil {
		return
	}
	switch cmd.Op {
	case OpBeginRenderPass, OpBeginComputePass:
		if c.openPass != 0 {
			c.err = ErrPassOpen
			return
		}
		c.openPass = cmd.Op
	case OpEndRenderPass:
		if c.openPass != OpBeginRenderPass {
			c.err = ErrNoPass
			return
		}
		c.openPass = 0
	case OpEndComputePass:
		if c.openPass != OpBeginComputePass {
			c.err = ErrNoPass
			return
		}
		c.openPass = 0
	case OpDraw:
		if c.openPass != OpBeginRenderPass {
			c.err = ErrNoPass
			return
		}
	case OpDispatch:
		if c.openPass != OpBeginComputePass {
			c.err = ErrNoPass
			return
		}
	}
	c.cmds = append(c.cmds, cmd)
}

func (c *CommandBuffer) Barrier(textures []backend.TextureBarrier, buffers []backend.BufferBarrier) {
	c.record(Command{
		Op:       OpBarrier,
		Textures: append([]backend.TextureBarrier(nil), textures...),
		Buffers:  append([]backend.BufferBarrier(nil), buffers...),
	})
}

func (c *CommandBuffer) BeginRenderPass(desc *backend.RenderPassDesc) error {
	if desc == nil {
		return errors.New("soft: nil render pass descriptor")
	}
	for _, a := range desc.Color {
		if t, ok := a.Texture.(*Texture); !ok || t.Destroyed() {
			return ErrDestroyedInUse
		}
	}
	d := *desc
	d.Color = append([]backend.ColorAttachment(nil), desc.Color...)
	c.record(Command{Op: OpBeginRenderPass, Label: desc.Label, Pass: &d})
	return nil
}

func (c *CommandBuffer) EndRenderPass() { c.record(Command{Op: OpEndRenderPass}) }

func (c *CommandBuffer) BeginComputePass(desc *backend.ComputePassDesc) error {
	label := ""
	if desc != nil {
		label = desc.Label
	}
	c.record(Command{Op: OpBeginComputePass, Label: label})
	return nil
}

func (c *CommandBuffer) EndComputePass() { c.record(Command{Op: OpEndComputePass}) }

func (c *CommandBuffer) SetPipeline(p backend.Pipeline) {
	c.record(Command{Op: OpSetPipeline})
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	c.record(Command{Op: OpDraw, Args: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	c.record(Command{Op: OpDispatch, Args: [4]uint32{x, y, z}})
}

func (c *CommandBuffer) CopyBuffer(src backend.Buffer, srcOffset uint64, dst backend.Buffer, dstOffset, size uint64) {
	c.record(Command{Op: OpCopyBuffer, Args: [4]uint32{uint32(srcOffset), uint32(dstOffset), uint32(size)}})
}

func (c *CommandBuffer) ClearBuffer(buf backend.Buffer, offset, size uint64) {
	c.record(Command{Op: OpClearBuffer, Args: [4]uint32{uint32(offset), uint32(size)}})
}

func (c *CommandBuffer) ResetQueries(pool backend.QueryPool, first, count uint32) {
	c.record(Command{Op: OpResetQueries, Args: [4]uint32{first, count}})
}

func (c *CommandBuffer) ResolveQueries(pool backend.QueryPool, first, count uint32, dst backend.Buffer, dstOffset uint64) {
	c.record(Command{Op: OpResolveQueries, Args: [4]uint32{first, count, uint32(dstOffset)}})
}
