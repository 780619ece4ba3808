package rendergraph

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/cmdpool"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
	"github.com/gogpu/gr/internal/parallel"
	"github.com/gogpu/gr/transient"
)

// PassContext is what a pass callback records with. It belongs to one
// worker for the duration of the callback.
type PassContext struct {
	// Thread is the index of the worker recording the pass.
	Thread int
	// Pass is the pass name.
	Pass  string
	Queue backend.QueueType

	// CommandBuffer is open, and inside the render or compute pass the
	// graph began for this pass, if any.
	CommandBuffer backend.CommandBuffer

	g *Graph
	p *pass
}

func (pc *PassContext) resolve(h ResourceHandle) (*resource, error) {
	r, err := pc.g.lookup(h)
	if err != nil {
		return nil, grerr.Validationf("pass resource", err)
	}
	for _, list := range [2][]Access{pc.p.reads, pc.p.writes} {
		for _, a := range list {
			if a.Resource == h {
				return r, nil
			}
		}
	}
	return nil, grerr.Validationf("pass resource", fmt.Errorf("%w: pass %q, %q", ErrUndeclared, pc.Pass, r.name))
}

// Texture returns the native texture bound to h. The pass must have
// declared h.
func (pc *PassContext) Texture(h ResourceHandle) (backend.Texture, error) {
	r, err := pc.resolve(h)
	if err != nil {
		return nil, err
	}
	if !r.kind.texture() {
		return nil, grerr.Validationf("pass texture", fmt.Errorf("%w: %q is a buffer", ErrInvalidResource, r.name))
	}
	return r.texture, nil
}

// Buffer returns the native buffer bound to h. The pass must have
// declared h.
func (pc *PassContext) Buffer(h ResourceHandle) (backend.Buffer, error) {
	r, err := pc.resolve(h)
	if err != nil {
		return nil, err
	}
	if r.kind.texture() {
		return nil, grerr.Validationf("pass buffer", fmt.Errorf("%w: %q is a texture", ErrInvalidResource, r.name))
	}
	return r.buffer, nil
}

// Scratch allocates frame-lifetime bytes from the scratch ring.
func (pc *PassContext) Scratch(size, align uint64) (transient.Allocation, error) {
	if pc.g.cfg.Scratch == nil {
		return transient.Allocation{}, grerr.Validationf("pass scratch", transient.ErrClosed)
	}
	return pc.g.cfg.Scratch.Allocate(size, align)
}

// Upload copies data into a fresh scratch allocation.
func (pc *PassContext) Upload(data []byte, align uint64) (transient.Allocation, error) {
	a, err := pc.Scratch(uint64(len(data)), align)
	if err != nil {
		return a, err
	}
	return a, pc.g.cfg.Scratch.Write(a, data)
}

// RecordedBatch is one submission: command buffers in compiled order and
// the indices of earlier batches it waits for. Queries holds the
// timestamps written by its passes.
type RecordedBatch struct {
	Queue          backend.QueueType
	CommandBuffers []*cmdpool.CommandBuffer
	Queries        []cmdpool.Query
	Waits          []int
}

// Recording is the output of Execute. The caller submits the batches in
// order and returns buffers and queries to their factories once the
// submissions are fenced. Queries lists every query of the frame in
// compiled order.
type Recording struct {
	Batches []RecordedBatch
	Queries []cmdpool.Query
}

type passKind uint8

const (
	kindNone passKind = iota
	kindRender
	kindCompute
)

func (g *Graph) kindOf(p *pass) passKind {
	for _, a := range p.writes {
		if a.Usage&attachmentUsages != 0 {
			return kindRender
		}
	}
	for _, a := range p.reads {
		if a.Usage == UsageDepthRead {
			return kindRender
		}
	}
	if p.exec == backend.QueueTransfer {
		return kindNone
	}
	for _, list := range [2][]Access{p.reads, p.writes} {
		for _, a := range list {
			if a.Usage&(UsageCopySrc|UsageCopyDst) == 0 {
				return kindCompute
			}
		}
	}
	return kindNone
}

type recorded struct {
	cb *cmdpool.CommandBuffer
}

// Execute records every pass of the compiled frame into its own command
// buffer, in parallel on the worker pool. Any failure, including a pass
// callback error, aborts the frame: every buffer and query is returned and
// nothing is left to submit. On success the graph is retired.
func (g *Graph) Execute() (*Recording, error) {
	const op = "execute render graph"
	if g.state != StateCompiled {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %s", ErrWrongState, g.state))
	}
	g.state = StateExecuting
	defer func() { g.state = StateRetired }()

	plan := g.plan
	queries, err := g.timestampQueries(plan)
	if err != nil {
		return nil, err
	}

	results := make([]recorded, len(plan.Order))
	err = g.cfg.Workers.Run(len(plan.Order), func(worker, pos int) error {
		cb, err := g.recordPass(op, worker, pos, queries[pos])
		results[pos] = recorded{cb: cb}
		return err
	})
	if errors.Is(err, parallel.ErrClosed) {
		g.abandon(results, queries)
		return nil, grerr.Validationf(op, err)
	}
	if err != nil {
		g.abandon(results, queries)
		logx.L().Debug("rendergraph: frame aborted while recording", "err", err)
		return nil, err
	}

	rec := &Recording{Batches: make([]RecordedBatch, len(plan.Batches))}
	for bi, b := range plan.Batches {
		rb := RecordedBatch{Queue: b.Queue, Waits: b.Waits}
		for pos := b.First; pos <= b.Last; pos++ {
			rb.CommandBuffers = append(rb.CommandBuffers, results[pos].cb)
			rb.Queries = append(rb.Queries, queries[pos]...)
		}
		rec.Batches[bi] = rb
	}
	for _, qs := range queries {
		rec.Queries = append(rec.Queries, qs...)
	}

	g.importMu.Lock()
	for res, u := range plan.imports {
		g.imported[res] = u
	}
	g.importMu.Unlock()
	return rec, nil
}

func (g *Graph) timestampQueries(plan *Plan) ([][]cmdpool.Query, error) {
	queries := make([][]cmdpool.Query, len(plan.Order))
	if g.cfg.Timestamps == nil {
		return queries, nil
	}
	for pos, idx := range plan.Order {
		if g.kindOf(&g.passes[idx]) == kindNone {
			continue
		}
		qs, err := g.cfg.Timestamps.NewQueries(2)
		if err != nil {
			g.abandon(nil, queries)
			return nil, err
		}
		queries[pos] = qs
	}
	return queries, nil
}

// abandon returns the buffers and queries of an aborted frame.
func (g *Graph) abandon(results []recorded, queries [][]cmdpool.Query) {
	for _, res := range results {
		if res.cb != nil {
			if err := g.cfg.Commands.DeleteCommandBuffer(res.cb); err != nil {
				logx.L().Warn("rendergraph: dropping command buffer of aborted frame", "err", err)
			}
		}
	}
	for _, qs := range queries {
		for _, q := range qs {
			_ = g.cfg.Timestamps.DeleteQuery(q, nil, 0)
		}
	}
}

func (g *Graph) recordPass(op string, worker, pos int, queries []cmdpool.Query) (*cmdpool.CommandBuffer, error) {
	idx := g.plan.Order[pos]
	p := &g.passes[idx]
	cb, err := g.cfg.Commands.NewCommandBuffer(worker, p.exec, p.name)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(); err != nil {
		return cb, err
	}
	native := cb.Native()

	if textures, buffers := g.nativeBarriers(g.plan.Barriers[pos]); len(textures)+len(buffers) > 0 {
		native.Barrier(textures, buffers)
	}

	var ts *backend.TimestampWrites
	if len(queries) == 2 {
		for _, q := range queries {
			if q.NeedsReset() {
				native.ResetQueries(q.Pool(), q.Index(), 1)
			}
		}
		ts = &backend.TimestampWrites{Pool: queries[0].Pool(), Begin: queries[0].Index(), End: queries[1].Index()}
	}

	kind := g.kindOf(p)
	switch kind {
	case kindRender:
		if err := native.BeginRenderPass(g.renderPassDesc(p, ts)); err != nil {
			return cb, backend.Classify(op, err)
		}
	case kindCompute:
		if err := native.BeginComputePass(&backend.ComputePassDesc{Label: p.name, Timestamps: ts}); err != nil {
			return cb, backend.Classify(op, err)
		}
	}

	if p.fn != nil {
		pc := &PassContext{Thread: worker, Pass: p.name, Queue: p.exec, CommandBuffer: native, g: g, p: p}
		if err := p.fn(pc); err != nil {
			if grerr.KindOf(err) == grerr.Unknown {
				err = grerr.Validationf(op, fmt.Errorf("%w: %q: %w", ErrPassFailed, p.name, err))
			}
			return cb, err
		}
	}

	switch kind {
	case kindRender:
		native.EndRenderPass()
	case kindCompute:
		native.EndComputePass()
	}
	return cb, cb.End()
}

func (g *Graph) nativeBarriers(batch []Barrier) ([]backend.TextureBarrier, []backend.BufferBarrier) {
	var textures []backend.TextureBarrier
	var buffers []backend.BufferBarrier
	for _, b := range batch {
		r := &g.resources[b.Resource.index-1]
		if r.kind.texture() {
			textures = append(textures, backend.TextureBarrier{
				Texture: r.texture,
				From:    b.From.TextureUsage(),
				To:      b.To.TextureUsage(),
				Discard: b.Kind != BarrierTransition,
			})
			continue
		}
		buffers = append(buffers, backend.BufferBarrier{
			Buffer: r.buffer,
			From:   b.From.BufferUsage(),
			To:     b.To.BufferUsage(),
		})
	}
	return textures, buffers
}

// renderPassDesc builds the attachments of p. An attachment loads when
// the pass also reads it and clears otherwise.
func (g *Graph) renderPassDesc(p *pass, ts *backend.TimestampWrites) *backend.RenderPassDesc {
	loads := make(map[ResourceHandle]bool, len(p.reads))
	for _, a := range p.reads {
		loads[a.Resource] = true
	}
	loadOp := func(h ResourceHandle) gputypes.LoadOp {
		if loads[h] {
			return gputypes.LoadOpLoad
		}
		return gputypes.LoadOpClear
	}

	desc := &backend.RenderPassDesc{Label: p.name, Timestamps: ts}
	for _, a := range p.writes {
		r := &g.resources[a.Resource.index-1]
		switch a.Usage {
		case UsageColorAttachment:
			desc.Color = append(desc.Color, backend.ColorAttachment{
				Texture: r.texture,
				Load:    loadOp(a.Resource),
				Store:   gputypes.StoreOpStore,
				Clear:   r.tdesc.ClearColor,
			})
		case UsageDepthWrite:
			desc.Depth = &backend.DepthAttachment{
				Texture:    r.texture,
				Load:       loadOp(a.Resource),
				Store:      gputypes.StoreOpStore,
				ClearDepth: r.tdesc.ClearDepth,
			}
		}
	}
	for _, a := range p.reads {
		if a.Usage == UsageDepthRead {
			desc.Depth = &backend.DepthAttachment{
				Texture:  g.resources[a.Resource.index-1].texture,
				Load:     gputypes.LoadOpLoad,
				Store:    gputypes.StoreOpStore,
				ReadOnly: true,
			}
		}
	}
	return desc
}
