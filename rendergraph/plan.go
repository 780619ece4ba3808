package rendergraph

import (
	"fmt"
	"strings"

	"github.com/gogpu/gr/backend"
)

// EdgeKind is the hazard an ordering edge resolves.
type EdgeKind uint8

const (
	EdgeRAW   EdgeKind = iota // producer before reader
	EdgeWAR                   // reader before the next writer
	EdgeWAW                   // writer before the next writer
	EdgeAlias                 // previous region occupant before the next
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeRAW:
		return "raw"
	case EdgeWAR:
		return "war"
	case EdgeWAW:
		return "waw"
	case EdgeAlias:
		return "alias"
	}
	return fmt.Sprintf("edge(%d)", uint8(k))
}

// Edge orders pass From before pass To. Both are registration indices.
type Edge struct {
	From, To int
	Kind     EdgeKind
	Resource ResourceHandle
}

// PassInfo describes a compiled pass. Position is its index in Plan.Order.
type PassInfo struct {
	Name     string
	Queue    backend.QueueType
	Position int
	Batch    int
}

// Lifetime is the compiled-order interval a transient's memory is live.
// Unused transients have Region -1 and no interval.
type Lifetime struct {
	Resource    ResourceHandle
	Name        string
	Class       MemoryClass
	Size        uint64
	First, Last int
	Region      int
}

// Used reports whether any pass touches the transient.
func (l Lifetime) Used() bool { return l.Region >= 0 }

// Region is a span of the attachment heap shared by transients whose
// lifetimes do not overlap. Occupants are sorted by first use.
type Region struct {
	Class     MemoryClass
	Size      uint64
	Offset    uint64
	Occupants []ResourceHandle
}

// BarrierKind distinguishes barrier flavors.
type BarrierKind uint8

const (
	// BarrierDiscard starts a transient's lifetime. Its previous contents
	// are undefined, so it folds into the pass prologue.
	BarrierDiscard BarrierKind = iota
	// BarrierAlias starts a transient in memory a previous occupant used.
	BarrierAlias
	// BarrierTransition moves a resource between usages.
	BarrierTransition
)

func (k BarrierKind) String() string {
	switch k {
	case BarrierDiscard:
		return "discard"
	case BarrierAlias:
		return "alias"
	case BarrierTransition:
		return "transition"
	}
	return fmt.Sprintf("barrier(%d)", uint8(k))
}

// Barrier is one resource transition recorded before a pass.
type Barrier struct {
	Resource ResourceHandle
	Kind     BarrierKind
	From, To Usage
}

// Batch is a run of consecutive compiled passes on one queue, submitted
// together. Waits lists earlier batches on other queues it must wait for.
type Batch struct {
	Queue       backend.QueueType
	First, Last int
	Waits       []int
}

// Plan is the compiled form of a frame.
type Plan struct {
	// Order lists registration indices in execution order.
	Order []int

	// Passes is indexed by registration index.
	Passes []PassInfo

	Edges     []Edge
	Lifetimes []Lifetime
	Regions   []Region

	// Barriers is indexed by position in Order.
	Barriers [][]Barrier

	Batches []Batch

	// SyncPoints counts passes with a non-discard barrier batch plus
	// cross-queue semaphore waits.
	SyncPoints int

	// Memory is the attachment heap footprint of all regions.
	Memory uint64

	imports map[backend.Resource]Usage

	// lifetimeOf maps a resource index to its entry in Lifetimes, -1 for
	// imports.
	lifetimeOf []int
}

// OrderNames returns the pass names in execution order.
func (p *Plan) OrderNames() []string {
	names := make([]string, len(p.Order))
	for i, idx := range p.Order {
		names[i] = p.Passes[idx].Name
	}
	return names
}

// PassIndex returns the registration index of the first pass named name,
// or -1.
func (p *Plan) PassIndex(name string) int {
	for i, info := range p.Passes {
		if info.Name == name {
			return i
		}
	}
	return -1
}

// Lifetime returns the lifetime of transient h.
func (p *Plan) Lifetime(h ResourceHandle) (Lifetime, bool) {
	i := int(h.index) - 1
	if i < 0 || i >= len(p.lifetimeOf) || p.lifetimeOf[i] < 0 {
		return Lifetime{}, false
	}
	if l := p.Lifetimes[p.lifetimeOf[i]]; l.Resource == h {
		return l, true
	}
	return Lifetime{}, false
}

func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan: %d passes, %d batches, %d sync points, %d regions (%d bytes)\n",
		len(p.Order), len(p.Batches), p.SyncPoints, len(p.Regions), p.Memory)
	for pos, idx := range p.Order {
		info := p.Passes[idx]
		fmt.Fprintf(&b, "  %2d %-8v %s", pos, info.Queue, info.Name)
		for _, br := range p.Barriers[pos] {
			fmt.Fprintf(&b, " [%v %v %v->%v]", br.Kind, br.Resource, br.From, br.To)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
