// Package rendergraph builds, schedules and records one frame of GPU work.
//
// A frame is described declaratively: passes name the resources they read
// and write, and the graph derives everything else. Compile orders the
// passes, computes transient lifetimes, aliases transient memory, places
// barriers and splits the order into per-queue submission batches.
// Execute records every pass into its own command buffer on the worker
// pool and hands the batches back for submission.
//
// A Graph is reused across frames. Reset discards the frame and advances
// the epoch so handles of the old frame are rejected:
//
//	g.Reset()
//	hdr, _ := g.NewTransientRenderTarget(rendergraph.TextureDesc{
//	    Name: "hdr", Width: 1920, Height: 1080, Format: gputypes.TextureFormatRGBA16Float,
//	})
//	g.AddPass("scene", backend.QueueGraphics, nil,
//	    []rendergraph.Access{rendergraph.Write(hdr, rendergraph.UsageColorAttachment)}, drawScene)
//	g.AddPass("tonemap", backend.QueueGraphics,
//	    []rendergraph.Access{rendergraph.Read(hdr, rendergraph.UsageSampled)},
//	    []rendergraph.Access{rendergraph.Write(swap, rendergraph.UsageColorAttachment)}, tonemap)
//	plan, err := g.Compile()
package rendergraph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/cmdpool"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/parallel"
	"github.com/gogpu/gr/transient"
)

// Graph validation failures. They are returned wrapped in a
// grerr.Validation error.
var (
	ErrWrongState      = errors.New("rendergraph: operation not allowed in this state")
	ErrStaleHandle     = errors.New("rendergraph: handle from another frame")
	ErrInvalidHandle   = errors.New("rendergraph: unknown resource handle")
	ErrInvalidPass     = errors.New("rendergraph: invalid pass")
	ErrInvalidResource = errors.New("rendergraph: invalid resource")
	ErrUsageMismatch   = errors.New("rendergraph: usage does not match access")
	ErrUsageConflict   = errors.New("rendergraph: conflicting accesses")
	ErrNeverWritten    = errors.New("rendergraph: transient read but never written")
	ErrUndefinedRead   = errors.New("rendergraph: read of undefined transient contents")
	ErrCycle           = errors.New("rendergraph: dependency cycle")
	ErrAttachments     = errors.New("rendergraph: invalid attachment set")
	ErrUndeclared      = errors.New("rendergraph: resource not declared by pass")
	ErrPassFailed      = errors.New("rendergraph: pass callback failed")
)

// State is the lifecycle state of the current frame.
type State uint8

const (
	StateCollecting State = iota
	StateCompiling
	StateCompiled
	StateExecuting
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateCompiling:
		return "compiling"
	case StateCompiled:
		return "compiled"
	case StateExecuting:
		return "executing"
	case StateRetired:
		return "retired"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PassFunc records the body of a pass. It runs on a worker goroutine.
type PassFunc func(pc *PassContext) error

type pass struct {
	name   string
	queue  backend.QueueType // declared
	exec   backend.QueueType // after folding onto available hardware
	reads  []Access
	writes []Access
	fn     PassFunc
}

// Config wires a Graph to the per-device infrastructure it records with.
type Config struct {
	Backend  backend.Backend
	Heap     *transient.AttachmentHeap
	Commands *cmdpool.Factory
	Workers  *parallel.WorkerPool

	// Scratch serves PassContext.Scratch. Optional.
	Scratch *transient.Ring

	// Timestamps, when set, brackets every pass with a timestamp pair.
	Timestamps *cmdpool.QueryFactory
}

// Graph is the frame graph of one device. It is not safe for concurrent
// use; pass callbacks run concurrently during Execute.
type Graph struct {
	cfg    Config
	limits backend.Limits

	state     State
	epoch     uint32
	passes    []pass
	resources []resource
	plan      *Plan

	// imported holds the usage state imported resources were left in at
	// the end of the last frame that used them.
	importMu sync.Mutex
	imported map[backend.Resource]Usage
}

// New returns a graph in the Collecting state of epoch 1.
func New(cfg Config) (*Graph, error) {
	const op = "new render graph"
	if cfg.Backend == nil || cfg.Heap == nil || cfg.Commands == nil || cfg.Workers == nil {
		return nil, grerr.Validationf(op, errors.New("rendergraph: backend, heap, command factory and workers are required"))
	}
	if cfg.Commands.Threads() < cfg.Workers.Workers() {
		return nil, grerr.Validationf(op, fmt.Errorf("rendergraph: %d command pools for %d workers",
			cfg.Commands.Threads(), cfg.Workers.Workers()))
	}
	return &Graph{
		cfg:      cfg,
		limits:   cfg.Backend.Limits(),
		epoch:    1,
		imported: make(map[backend.Resource]Usage),
	}, nil
}

// State returns the state of the current frame.
func (g *Graph) State() State { return g.state }

// Epoch returns the current frame epoch.
func (g *Graph) Epoch() uint32 { return g.epoch }

// Passes returns the number of registered passes.
func (g *Graph) Passes() int { return len(g.passes) }

// Plan returns the compiled plan, or nil before Compile succeeded.
func (g *Graph) Plan() *Plan { return g.plan }

func (g *Graph) collecting(op string) error {
	if g.state != StateCollecting {
		return grerr.Validationf(op, fmt.Errorf("%w: %s", ErrWrongState, g.state))
	}
	return nil
}

func (g *Graph) addResource(r resource) ResourceHandle {
	g.resources = append(g.resources, r)
	return ResourceHandle{index: uint32(len(g.resources)), epoch: g.epoch} //nolint:gosec // G115: bounded by frame size
}

func (g *Graph) lookup(h ResourceHandle) (*resource, error) {
	switch {
	case h.index == 0:
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	case h.epoch != g.epoch:
		return nil, fmt.Errorf("%w: %v in epoch %d", ErrStaleHandle, h, g.epoch)
	case int(h.index) > len(g.resources):
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return &g.resources[h.index-1], nil
}

// NewTransientRenderTarget registers a transient texture. Its memory is
// assigned at Compile and only lives for the passes that use it.
func (g *Graph) NewTransientRenderTarget(desc TextureDesc) (ResourceHandle, error) {
	const op = "new transient render target"
	if err := g.collecting(op); err != nil {
		return ResourceHandle{}, err
	}
	if desc.Width == 0 || desc.Height == 0 || backend.BytesPerPixel(desc.Format) == 0 {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q is %dx%d %v",
			ErrInvalidResource, desc.Name, desc.Width, desc.Height, desc.Format))
	}
	return g.addResource(resource{name: desc.Name, kind: kindTransientTexture, tdesc: desc}), nil
}

// NewTransientBuffer registers a transient buffer.
func (g *Graph) NewTransientBuffer(desc BufferDesc) (ResourceHandle, error) {
	const op = "new transient buffer"
	if err := g.collecting(op); err != nil {
		return ResourceHandle{}, err
	}
	if desc.Size == 0 || desc.Size > g.limits.MaxBufferSize {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q is %d bytes",
			ErrInvalidResource, desc.Name, desc.Size))
	}
	return g.addResource(resource{name: desc.Name, kind: kindTransientBuffer, bdesc: desc}), nil
}

// ImportTexture registers an externally owned texture. usage is its state
// at frame start the first time the graph sees it; afterwards the graph
// tracks the state itself.
func (g *Graph) ImportTexture(name string, tex backend.Texture, usage Usage) (ResourceHandle, error) {
	const op = "import texture"
	if err := g.collecting(op); err != nil {
		return ResourceHandle{}, err
	}
	if tex == nil {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q is nil", ErrInvalidResource, name))
	}
	if usage != 0 && (!usage.single() || usage&textureUsages == 0) {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q imported as %v", ErrUsageMismatch, name, usage))
	}
	return g.addResource(resource{name: name, kind: kindImportedTexture, texture: tex, initial: usage}), nil
}

// ImportBuffer registers an externally owned buffer.
func (g *Graph) ImportBuffer(name string, buf backend.Buffer, usage Usage) (ResourceHandle, error) {
	const op = "import buffer"
	if err := g.collecting(op); err != nil {
		return ResourceHandle{}, err
	}
	if buf == nil {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q is nil", ErrInvalidResource, name))
	}
	if usage != 0 && (!usage.single() || usage&bufferUsages == 0) {
		return ResourceHandle{}, grerr.Validationf(op, fmt.Errorf("%w: %q imported as %v", ErrUsageMismatch, name, usage))
	}
	return g.addResource(resource{name: name, kind: kindImportedBuffer, buffer: buf, initial: usage}), nil
}

// Forget drops the tracked state of an imported resource, for example
// before it is destroyed.
func (g *Graph) Forget(res backend.Resource) {
	g.importMu.Lock()
	delete(g.imported, res)
	g.importMu.Unlock()
}

func (g *Graph) queueFor(q backend.QueueType) backend.QueueType {
	if g.limits.Queues[q] {
		return q
	}
	return backend.QueueGraphics
}

// AddPass registers a pass. reads and writes fully determine its position
// in the frame. A resource may appear at most once in each list; when it
// appears in both, both accesses carry the same usage and the pass
// modifies the previous contents in place. fn may be nil for passes that
// only clear their attachments.
func (g *Graph) AddPass(name string, queue backend.QueueType, reads, writes []Access, fn PassFunc) error {
	const op = "add pass"
	if err := g.collecting(op); err != nil {
		return err
	}
	if name == "" {
		return grerr.Validationf(op, fmt.Errorf("%w: empty name", ErrInvalidPass))
	}
	if !queue.Valid() {
		return grerr.Validationf(op, fmt.Errorf("%w: %q on queue %d", ErrInvalidPass, name, queue))
	}
	if err := g.checkAccesses(name, reads, writes); err != nil {
		return grerr.Validationf(op, err)
	}
	if err := checkQueue(name, queue, reads, writes); err != nil {
		return grerr.Validationf(op, err)
	}
	for _, a := range reads {
		g.resources[a.Resource.index-1].usages |= a.Usage
	}
	for _, a := range writes {
		g.resources[a.Resource.index-1].usages |= a.Usage
	}
	g.passes = append(g.passes, pass{
		name:   name,
		queue:  queue,
		exec:   g.queueFor(queue),
		reads:  append([]Access(nil), reads...),
		writes: append([]Access(nil), writes...),
		fn:     fn,
	})
	return nil
}

func (g *Graph) checkAccesses(name string, reads, writes []Access) error {
	written := make(map[uint32]Usage, len(writes))
	for _, a := range writes {
		r, err := g.lookup(a.Resource)
		if err != nil {
			return fmt.Errorf("pass %q: %w", name, err)
		}
		if err := checkUsage(name, r, a.Usage); err != nil {
			return err
		}
		if !a.Usage.IsWrite() {
			return fmt.Errorf("%w: pass %q writes %q as %v", ErrUsageMismatch, name, r.name, a.Usage)
		}
		if _, dup := written[a.Resource.index]; dup {
			return fmt.Errorf("%w: pass %q writes %q twice", ErrUsageConflict, name, r.name)
		}
		written[a.Resource.index] = a.Usage
	}
	read := make(map[uint32]bool, len(reads))
	for _, a := range reads {
		r, err := g.lookup(a.Resource)
		if err != nil {
			return fmt.Errorf("pass %q: %w", name, err)
		}
		if err := checkUsage(name, r, a.Usage); err != nil {
			return err
		}
		if read[a.Resource.index] {
			return fmt.Errorf("%w: pass %q reads %q twice", ErrUsageConflict, name, r.name)
		}
		read[a.Resource.index] = true
		w, rmw := written[a.Resource.index]
		switch {
		case rmw && w != a.Usage:
			return fmt.Errorf("%w: pass %q reads %q as %v and writes it as %v", ErrUsageConflict, name, r.name, a.Usage, w)
		case !rmw && a.Usage.IsWrite():
			return fmt.Errorf("%w: pass %q reads %q as %v without writing it", ErrUsageMismatch, name, r.name, a.Usage)
		}
	}
	return nil
}

// checkQueue rejects work the queue cannot run: attachments need the
// graphics queue and the transfer queue only copies.
func checkQueue(name string, queue backend.QueueType, reads, writes []Access) error {
	for _, list := range [2][]Access{reads, writes} {
		for _, a := range list {
			switch {
			case a.Usage&attachmentUsages != 0 && queue != backend.QueueGraphics:
				return fmt.Errorf("%w: pass %q uses %v on the %v queue", ErrInvalidPass, name, a.Usage, queue)
			case queue == backend.QueueTransfer && a.Usage&(UsageCopySrc|UsageCopyDst) == 0:
				return fmt.Errorf("%w: pass %q uses %v on the transfer queue", ErrInvalidPass, name, a.Usage)
			}
		}
	}
	return nil
}

func checkUsage(name string, r *resource, u Usage) error {
	if !u.single() {
		return fmt.Errorf("%w: pass %q declares %q as %v", ErrUsageMismatch, name, r.name, u)
	}
	allowed := bufferUsages
	if r.kind.texture() {
		allowed = textureUsages
		if r.kind == kindTransientTexture {
			depth := r.tdesc.Format.IsDepthStencil()
			if depth && u == UsageColorAttachment || !depth && u&(UsageDepthRead|UsageDepthWrite) != 0 {
				return fmt.Errorf("%w: pass %q uses %v %q as %v", ErrUsageMismatch, name, r.tdesc.Format, r.name, u)
			}
		}
	}
	if u&allowed == 0 {
		return fmt.Errorf("%w: pass %q uses %q as %v", ErrUsageMismatch, name, r.name, u)
	}
	if r.kind == kindImportedTexture {
		if native := u.TextureUsage(); !r.texture.Desc().Usage.Contains(native) {
			return fmt.Errorf("%w: pass %q uses %q as %v, texture allows %#x",
				ErrUsageMismatch, name, r.name, u, uint64(r.texture.Desc().Usage))
		}
	}
	return nil
}

// Reset discards the frame and advances the epoch. Placed resources stay
// cached in the attachment heap.
func (g *Graph) Reset() {
	clear(g.passes)
	g.passes = g.passes[:0]
	clear(g.resources)
	g.resources = g.resources[:0]
	g.plan = nil
	g.epoch++
	g.state = StateCollecting
}
