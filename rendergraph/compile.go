package rendergraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
)

// regionAlignment is the granularity of alias region sizes.
const regionAlignment = 64 << 10

// access is one pass's combined use of a resource.
type access struct {
	pass  int
	usage Usage // the write usage when written
	read  bool
	write bool
}

type edgeBuilder struct {
	edges []Edge
	seen  map[[2]int]bool
	succ  [][]int
	indeg []int
}

func newEdgeBuilder(n int) *edgeBuilder {
	return &edgeBuilder{seen: make(map[[2]int]bool), succ: make([][]int, n), indeg: make([]int, n)}
}

// reaches reports whether a path of edges leads from pass from to pass to.
func (b *edgeBuilder) reaches(from, to int) bool {
	if from == to {
		return true
	}
	seen := make([]bool, len(b.succ))
	stack := []int{from}
	seen[from] = true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range b.succ[cur] {
			if s == to {
				return true
			}
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return false
}

func (b *edgeBuilder) add(from, to int, kind EdgeKind, res ResourceHandle) {
	if from == to || b.seen[[2]int{from, to}] {
		return
	}
	b.seen[[2]int{from, to}] = true
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: kind, Resource: res})
	b.succ[from] = append(b.succ[from], to)
	b.indeg[to]++
}

// Compile validates the frame and builds its Plan: execution order,
// transient lifetimes and memory, barriers and submission batches.
// Transient resources are bound to attachment heap memory. A failed
// compile leaves the graph collecting; nothing was submitted.
func (g *Graph) Compile() (*Plan, error) {
	const op = "compile render graph"
	if g.state != StateCollecting {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %s", ErrWrongState, g.state))
	}
	g.state = StateCompiling
	plan, err := g.compile(op)
	if err != nil {
		g.state = StateCollecting
		return nil, err
	}
	g.plan = plan
	g.state = StateCompiled
	logx.L().Debug("rendergraph: compiled", "epoch", g.epoch, "passes", len(plan.Order),
		"batches", len(plan.Batches), "syncPoints", plan.SyncPoints, "memory", plan.Memory)
	return plan, nil
}

func (g *Graph) compile(op string) (*Plan, error) {
	accesses := g.collectAccesses()

	edges, err := g.dependencies(accesses)
	if err != nil {
		return nil, grerr.Validationf(op, err)
	}
	order, err := g.schedule(edges)
	if err != nil {
		return nil, grerr.Validationf(op, err)
	}

	plan := &Plan{Order: order, Passes: make([]PassInfo, len(g.passes))}
	for pos, idx := range order {
		p := &g.passes[idx]
		plan.Passes[idx] = PassInfo{Name: p.name, Queue: p.exec, Position: pos}
	}

	if err := g.checkAttachments(); err != nil {
		return nil, grerr.Validationf(op, err)
	}
	if err := g.lifetimes(op, plan, accesses); err != nil {
		return nil, err
	}
	aliased := g.alias(plan, edges)
	plan.Edges = edges.edges

	g.barriers(plan, accesses, aliased)
	g.batches(plan, edges.edges)

	if err := g.materialize(op, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// collectAccesses groups accesses by resource, each list in registration
// order.
func (g *Graph) collectAccesses() [][]access {
	out := make([][]access, len(g.resources))
	for i := range g.passes {
		p := &g.passes[i]
		for _, a := range p.writes {
			r := a.Resource.index - 1
			out[r] = append(out[r], access{pass: i, usage: a.Usage, write: true})
		}
		for _, a := range p.reads {
			r := a.Resource.index - 1
			if n := len(out[r]); n > 0 && out[r][n-1].pass == i {
				out[r][n-1].read = true
				continue
			}
			out[r] = append(out[r], access{pass: i, usage: a.Usage, read: true})
		}
	}
	return out
}

// dependencies derives the ordering edges from the version chains of
// every resource.
func (g *Graph) dependencies(accesses [][]access) (*edgeBuilder, error) {
	b := newEdgeBuilder(len(g.passes))
	for ri, list := range accesses {
		r := &g.resources[ri]
		h := ResourceHandle{index: uint32(ri + 1), epoch: g.epoch} //nolint:gosec // G115: bounded by frame size

		var writers []int
		for _, a := range list {
			if a.write {
				writers = append(writers, a.pass)
			}
		}
		for k := 1; k < len(writers); k++ {
			b.add(writers[k-1], writers[k], EdgeWAW, h)
		}

		for _, a := range list {
			if !a.read {
				continue
			}
			// k is the number of writers registered before a.pass.
			k, _ := slices.BinarySearch(writers, a.pass)
			producer, next := -1, -1
			switch {
			case a.write:
				if k > 0 {
					producer = writers[k-1]
				} else if !r.kind.imported() {
					return nil, fmt.Errorf("%w: pass %q loads %q before any pass wrote it",
						ErrUndefinedRead, g.passes[a.pass].name, r.name)
				}
			case k > 0:
				producer = writers[k-1]
				if k < len(writers) {
					next = writers[k]
				}
			case len(writers) == 0 && !r.kind.imported():
				return nil, fmt.Errorf("%w: pass %q reads %q", ErrNeverWritten, g.passes[a.pass].name, r.name)
			case !r.kind.imported():
				// Forward reference to the first writer.
				producer = writers[0]
				if len(writers) > 1 {
					next = writers[1]
				}
			case len(writers) > 0:
				next = writers[0]
			}
			if producer >= 0 {
				b.add(producer, a.pass, EdgeRAW, h)
			}
			if next >= 0 {
				b.add(a.pass, next, EdgeWAR, h)
			}
		}
	}
	return b, nil
}

// attachmentSet returns the sorted resources p renders to.
func (p *pass) attachmentSet() []uint32 {
	var set []uint32
	for _, a := range p.writes {
		if a.Usage&attachmentUsages != 0 {
			set = append(set, a.Resource.index)
		}
	}
	for _, a := range p.reads {
		if a.Usage == UsageDepthRead {
			set = append(set, a.Resource.index)
		}
	}
	slices.Sort(set)
	return set
}

// schedule orders the passes with Kahn's algorithm. Among ready passes it
// prefers the queue of the previous pass, then its attachment set, then
// the lowest registration index.
func (g *Graph) schedule(b *edgeBuilder) ([]int, error) {
	n := len(g.passes)
	indeg := slices.Clone(b.indeg)
	sets := make([][]uint32, n)
	for i := range g.passes {
		sets[i] = g.passes[i].attachmentSet()
	}

	var ready []int
	for i := range n {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, n)
	prev := -1
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if g.preferred(ready[i], ready[best], prev, sets) {
				best = i
			}
		}
		cur := ready[best]
		ready = slices.Delete(ready, best, best+1)
		order = append(order, cur)
		prev = cur
		for _, s := range b.succ[cur] {
			indeg[s]--
			if indeg[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) < n {
		return nil, fmt.Errorf("%w: %s", ErrCycle, g.describeCycle(b, indeg))
	}
	return order, nil
}

// preferred reports whether pass a should run before pass b after prev.
func (g *Graph) preferred(a, b, prev int, sets [][]uint32) bool {
	if prev >= 0 {
		q := g.passes[prev].exec
		if qa, qb := g.passes[a].exec == q, g.passes[b].exec == q; qa != qb {
			return qa
		}
		if len(sets[prev]) > 0 {
			sa, sb := slices.Equal(sets[a], sets[prev]), slices.Equal(sets[b], sets[prev])
			if sa != sb {
				return sa
			}
		}
	}
	return a < b
}

// describeCycle names the passes of one cycle among the unscheduled
// passes. Every unscheduled pass has an unscheduled predecessor, so
// walking predecessors must revisit a pass.
func (g *Graph) describeCycle(b *edgeBuilder, indeg []int) string {
	preds := make([][]int, len(g.passes))
	for _, e := range b.edges {
		if indeg[e.From] > 0 && indeg[e.To] > 0 {
			preds[e.To] = append(preds[e.To], e.From)
		}
	}
	start := slices.IndexFunc(indeg, func(d int) bool { return d > 0 })
	seen := map[int]int{}
	var path []int
	for v := start; ; v = preds[v][0] {
		if at, ok := seen[v]; ok {
			path = path[at:]
			break
		}
		seen[v] = len(path)
		path = append(path, v)
		if len(preds[v]) == 0 {
			break
		}
	}
	names := make([]string, 0, len(path)+1)
	for i := len(path) - 1; i >= 0; i-- {
		names = append(names, fmt.Sprintf("%q", g.passes[path[i]].name))
	}
	names = append(names, names[0])
	return strings.Join(names, " -> ")
}

// checkAttachments validates the render targets of every pass.
func (g *Graph) checkAttachments() error {
	for i := range g.passes {
		p := &g.passes[i]
		var colors, depths int
		var w0, h0 uint32
		for _, idx := range p.attachmentSet() {
			r := &g.resources[idx-1]
			if r.kind.texture() && r.format().IsDepthStencil() {
				depths++
			} else {
				colors++
			}
			w, h := r.extent()
			if w0 == 0 {
				w0, h0 = w, h
			} else if w != w0 || h != h0 {
				return fmt.Errorf("%w: pass %q mixes %dx%d and %dx%d targets", ErrAttachments, p.name, w0, h0, w, h)
			}
		}
		if colors > int(g.limits.MaxColorAttachments) || depths > 1 {
			return fmt.Errorf("%w: pass %q has %d color and %d depth targets", ErrAttachments, p.name, colors, depths)
		}
	}
	return nil
}

// lifetimes validates the final transient descriptors and computes the
// compiled-order interval of each.
func (g *Graph) lifetimes(op string, plan *Plan, accesses [][]access) error {
	plan.lifetimeOf = make([]int, len(g.resources))
	for ri := range g.resources {
		plan.lifetimeOf[ri] = -1
		r := &g.resources[ri]
		if r.kind.imported() {
			continue
		}
		lt := Lifetime{
			Resource: ResourceHandle{index: uint32(ri + 1), epoch: g.epoch}, //nolint:gosec // G115: bounded by frame size
			Name:     r.name,
			Class:    r.class(),
			First:    -1,
			Last:     -1,
			Region:   -1,
		}
		for _, a := range accesses[ri] {
			pos := plan.Passes[a.pass].Position
			if lt.First < 0 || pos < lt.First {
				lt.First = pos
			}
			lt.Last = max(lt.Last, pos)
		}
		if lt.First >= 0 {
			size, err := g.transientSize(op, r)
			if err != nil {
				return err
			}
			lt.Size = size
		}
		plan.lifetimeOf[ri] = len(plan.Lifetimes)
		plan.Lifetimes = append(plan.Lifetimes, lt)
	}
	return nil
}

func (g *Graph) transientSize(op string, r *resource) (uint64, error) {
	if r.kind == kindTransientBuffer {
		return backend.AlignUp(r.bdesc.Size, regionAlignment), nil
	}
	desc := r.textureDesc()
	info := gpuobj.TextureInitInfo{
		Name:      desc.Label,
		Width:     desc.Width,
		Height:    desc.Height,
		Depth:     desc.DepthOrLayers,
		MipLevels: desc.MipLevels,
		Samples:   desc.Samples,
		Dimension: desc.Dimension,
		Format:    desc.Format,
		Usage:     desc.Usage,
	}
	if err := gpuobj.ValidateTexture(op, &info, g.limits); err != nil {
		return 0, err
	}
	return backend.AlignUp(desc.ByteSize(), regionAlignment), nil
}

// alias assigns regions by greedy interval coloring in registration order
// and adds a handoff edge between consecutive occupants of a region. A
// transient only joins a region when dependency edges already order it
// after the previous occupant and before the next, so sharing memory never
// adds a wait between otherwise independent passes. It returns the
// transients that inherit memory from an earlier occupant.
func (g *Graph) alias(plan *Plan, b *edgeBuilder) map[ResourceHandle]bool {
	var occupied [][]int // lifetime indices per region
	for li := range plan.Lifetimes {
		lt := &plan.Lifetimes[li]
		if lt.First < 0 {
			continue
		}
		best := -1
		for ri := range plan.Regions {
			reg := &plan.Regions[ri]
			if reg.Class != lt.Class || reg.Size < lt.Size {
				continue
			}
			if !g.fits(plan, b, occupied[ri], lt) {
				continue
			}
			if best < 0 || reg.Size < plan.Regions[best].Size {
				best = ri
			}
		}
		if best < 0 {
			plan.Regions = append(plan.Regions, Region{Class: lt.Class, Size: lt.Size})
			occupied = append(occupied, nil)
			best = len(plan.Regions) - 1
		}
		occupied[best] = append(occupied[best], li)
		lt.Region = best
	}

	aliased := make(map[ResourceHandle]bool)
	for ri := range plan.Regions {
		reg := &plan.Regions[ri]
		plan.Memory += reg.Size
		occ := occupied[ri]
		slices.SortFunc(occ, func(x, y int) int {
			return plan.Lifetimes[x].First - plan.Lifetimes[y].First
		})
		reg.Occupants = make([]ResourceHandle, len(occ))
		for k, li := range occ {
			reg.Occupants[k] = plan.Lifetimes[li].Resource
			if k == 0 {
				continue
			}
			prev, next := &plan.Lifetimes[occ[k-1]], &plan.Lifetimes[li]
			b.add(plan.Order[prev.Last], plan.Order[next.First], EdgeAlias, next.Resource)
			aliased[next.Resource] = true
		}
	}
	return aliased
}

// fits reports whether lt can join a region holding the lifetimes occ:
// no overlap, and existing edges order the handoffs on both sides.
func (g *Graph) fits(plan *Plan, b *edgeBuilder, occ []int, lt *Lifetime) bool {
	prev, next := -1, -1
	for _, li := range occ {
		o := &plan.Lifetimes[li]
		switch {
		case o.Last < lt.First:
			if prev < 0 || o.Last > plan.Lifetimes[prev].Last {
				prev = li
			}
		case o.First > lt.Last:
			if next < 0 || o.First < plan.Lifetimes[next].First {
				next = li
			}
		default:
			return false
		}
	}
	if prev >= 0 && !b.reaches(plan.Order[plan.Lifetimes[prev].Last], plan.Order[lt.First]) {
		return false
	}
	if next >= 0 && !b.reaches(plan.Order[lt.Last], plan.Order[plan.Lifetimes[next].First]) {
		return false
	}
	return true
}

type usageState struct {
	known     bool
	usage     Usage
	lastWrite bool
}

// barriers walks the compiled order and records the transitions each pass
// needs before it runs.
func (g *Graph) barriers(plan *Plan, accesses [][]access, aliased map[ResourceHandle]bool) {
	states := make([]usageState, len(g.resources))
	g.importMu.Lock()
	for ri := range g.resources {
		r := &g.resources[ri]
		if !r.kind.imported() {
			continue
		}
		u, ok := g.imported[r.native()]
		if !ok {
			u = r.initial
		}
		states[ri] = usageState{known: u != 0, usage: u}
	}
	g.importMu.Unlock()

	// Per pass, the resources it touches and how.
	byPass := make([][]int, len(g.passes))
	uses := make([][]access, len(g.passes))
	for ri, list := range accesses {
		for _, a := range list {
			byPass[a.pass] = append(byPass[a.pass], ri)
			uses[a.pass] = append(uses[a.pass], a)
		}
	}

	plan.Barriers = make([][]Barrier, len(plan.Order))
	for pos, idx := range plan.Order {
		var batch []Barrier
		stall := false
		for k, ri := range byPass[idx] {
			a := uses[idx][k]
			r := &g.resources[ri]
			h := ResourceHandle{index: uint32(ri + 1), epoch: g.epoch} //nolint:gosec // G115: bounded by frame size
			s := &states[ri]
			switch {
			case !s.known && !r.kind.imported():
				kind := BarrierDiscard
				if aliased[h] {
					kind = BarrierAlias
					stall = true
				}
				batch = append(batch, Barrier{Resource: h, Kind: kind, To: a.usage})
			case !s.known || s.usage != a.usage || s.lastWrite || a.usage.IsWrite():
				batch = append(batch, Barrier{Resource: h, Kind: BarrierTransition, From: s.usage, To: a.usage})
				stall = true
			}
			*s = usageState{known: true, usage: a.usage, lastWrite: a.write}
		}
		plan.Barriers[pos] = batch
		if stall {
			plan.SyncPoints++
		}
	}

	plan.imports = make(map[backend.Resource]Usage)
	for ri := range g.resources {
		if r := &g.resources[ri]; r.kind.imported() && states[ri].known {
			plan.imports[r.native()] = states[ri].usage
		}
	}
}

// batches splits the order into same-queue runs and adds a semaphore wait
// for every cross-queue edge, keeping the latest producer batch per queue.
func (g *Graph) batches(plan *Plan, edges []Edge) {
	for pos, idx := range plan.Order {
		q := plan.Passes[idx].Queue
		if n := len(plan.Batches); n == 0 || plan.Batches[n-1].Queue != q {
			plan.Batches = append(plan.Batches, Batch{Queue: q, First: pos})
		}
		bi := len(plan.Batches) - 1
		plan.Batches[bi].Last = pos
		plan.Passes[idx].Batch = bi
	}

	latest := make([][backend.QueueCount]int, len(plan.Batches))
	for i := range latest {
		for q := range latest[i] {
			latest[i][q] = -1
		}
	}
	for _, e := range edges {
		from, to := plan.Passes[e.From], plan.Passes[e.To]
		if from.Queue == to.Queue {
			continue
		}
		latest[to.Batch][from.Queue] = max(latest[to.Batch][from.Queue], from.Batch)
	}
	for bi := range plan.Batches {
		for _, w := range latest[bi] {
			if w >= 0 {
				plan.Batches[bi].Waits = append(plan.Batches[bi].Waits, w)
			}
		}
		slices.Sort(plan.Batches[bi].Waits)
		plan.SyncPoints += len(plan.Batches[bi].Waits)
	}
}

// materialize binds every used transient to attachment heap memory.
func (g *Graph) materialize(op string, plan *Plan) error {
	heap := g.cfg.Heap
	for ri := range plan.Regions {
		reg := &plan.Regions[ri]
		offset, err := heap.AllocRegion(reg.Size, regionAlignment)
		if err != nil {
			return err
		}
		reg.Offset = offset
		for _, h := range reg.Occupants {
			r := &g.resources[h.index-1]
			if r.kind == kindTransientTexture {
				tex, err := heap.Texture(offset, r.textureDesc())
				if err != nil {
					return err
				}
				r.texture = tex
				continue
			}
			buf, err := heap.Buffer(offset, r.bufferDesc())
			if err != nil {
				return err
			}
			r.buffer = buf
		}
	}
	return nil
}
