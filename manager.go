package gr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/cmdpool"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/gpusync"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/internal/logx"
	"github.com/gogpu/gr/internal/parallel"
	"github.com/gogpu/gr/rendergraph"
	"github.com/gogpu/gr/stats"
	"github.com/gogpu/gr/transient"
)

// Manager errors.
var (
	// ErrWrongState is returned for a call the frame state does not allow.
	ErrWrongState = errors.New("gr: call not allowed in this state")

	// ErrShutdown is returned by every call after Shutdown.
	ErrShutdown = errors.New("gr: manager shut down")

	// ErrLost is returned by every call after a fatal failure. It is
	// reported with kind DeviceLost.
	ErrLost = errors.New("gr: manager lost its device")
)

// State is the frame lifecycle state of a Manager.
type State uint8

// Frame states, in lifecycle order.
const (
	StateIdle State = iota
	StateFrameBegun
	StatePassesCollected
	StateGraphCompiled
	StateSubmitted
	StateFrameRetiring
)

var stateNames = [...]string{
	StateIdle:            "Idle",
	StateFrameBegun:      "FrameBegun",
	StatePassesCollected: "PassesCollected",
	StateGraphCompiled:   "GraphCompiled",
	StateSubmitted:       "Submitted",
	StateFrameRetiring:   "FrameRetiring",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// frameSlot is one frame in flight. Its fences are taken from the sync
// factory when a frame first submits to a queue and recycled once waited.
type frameSlot struct {
	serial uint64
	fences [backend.QueueCount]*gpusync.Fence
}

func (s *frameSlot) signaled() bool {
	for _, fe := range s.fences {
		if fe != nil && !fe.Signaled() {
			return false
		}
	}
	return true
}

type counters struct {
	submissions *stats.Counter
	passes      *stats.Counter
	syncPoints  *stats.Counter
	regions     *stats.Counter
	objects     *stats.Counter
	cmdBuffers  *stats.Counter
	queries     *stats.Counter
}

// Manager drives the per-frame lifecycle: it owns the device, the
// transient allocators, the command and sync factories and the render
// graph, and bounds how far the CPU runs ahead of the GPU.
//
// A Manager is driven from one goroutine. Stats may be called from any.
type Manager struct {
	cfg       Config
	be        backend.Backend
	ownsBE    bool
	limits    backend.Limits
	device    *gpuobj.Device
	sync      *gpusync.Factory
	cmds      *cmdpool.Factory
	stamps    *cmdpool.QueryFactory
	ring      *transient.Ring
	heap      *transient.AttachmentHeap
	workers   *parallel.WorkerPool
	graph     *rendergraph.Graph
	registry  *stats.Registry
	counters  counters
	timelines [backend.QueueCount]*gpusync.Semaphore

	slots []frameSlot
	slot  int
	frame uint64
	state State
	lost  bool
	down  bool
}

// NewManager initializes the backend and builds everything a frame needs.
// On error nothing is left allocated.
func NewManager(opts ...Option) (*Manager, error) {
	const op = "new manager"
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers > 0 {
		o.cfg.Workers = o.workers
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	var err error
	m := &Manager{cfg: o.cfg, be: o.be, registry: o.stats}
	if m.registry == nil {
		m.registry = stats.NewRegistry()
	}
	if m.be == nil {
		if m.be, err = backend.Open(o.cfg.Backend); err != nil {
			return nil, grerr.BackendErr(op, err)
		}
		m.ownsBE = true
	} else if err := m.be.Init(); err != nil {
		return nil, backend.Classify(op, err)
	}
	built := false
	defer func() {
		if !built {
			m.release()
		}
	}()

	cfg := m.cfg
	m.limits = m.be.Limits()
	m.device = gpuobj.NewDevice(m.be, cfg.PipelineCacheSize)
	m.sync = gpusync.NewFactory(m.be, time.Duration(cfg.WaitCeiling))
	m.workers = parallel.NewWorkerPool(cfg.Workers)
	m.cmds = cmdpool.NewFactory(m.be, m.workers.Workers())
	if cfg.Timestamps && m.limits.TimestampQueries {
		if m.stamps, err = cmdpool.NewQueryFactory(m.be, backend.QueryTimestamp, cfg.QueryChunkSize); err != nil {
			return nil, err
		}
	}
	if m.ring, err = transient.NewRing(m.be, cfg.RingSize, cfg.MaxFramesInFlight,
		m.registry.Counter(stats.TransientMem)); err != nil {
		return nil, err
	}
	if m.heap, err = transient.NewAttachmentHeap(m.be, cfg.AttachmentHeapSize, cfg.MaxFramesInFlight,
		m.registry.Counter(stats.AttachmentMem)); err != nil {
		return nil, err
	}
	for q := backend.QueueType(0); q < backend.QueueCount; q++ {
		if !m.limits.Queues[q] {
			continue
		}
		if m.timelines[q], err = m.sync.NewSemaphore(fmt.Sprintf("%v timeline", q)); err != nil {
			return nil, err
		}
	}

	m.graph, err = rendergraph.New(rendergraph.Config{
		Backend:    m.be,
		Heap:       m.heap,
		Commands:   m.cmds,
		Workers:    m.workers,
		Scratch:    m.ring,
		Timestamps: m.stamps,
	})
	if err != nil {
		return nil, err
	}

	m.counters = counters{
		submissions: m.registry.Counter(stats.FrameSubmissions),
		passes:      m.registry.Counter(stats.GraphPasses),
		syncPoints:  m.registry.Counter(stats.GraphSyncPoints),
		regions:     m.registry.Counter(stats.GraphAliasRegions),
		objects:     m.registry.Counter(stats.LiveObjects),
		cmdBuffers:  m.registry.Counter(stats.CommandBuffers),
		queries:     m.registry.Counter(stats.Queries),
	}
	m.slots = make([]frameSlot, cfg.MaxFramesInFlight)
	m.slot = len(m.slots) - 1

	logx.L().Info("gr: manager created",
		"backend", m.be.Name(),
		"frames_in_flight", cfg.MaxFramesInFlight,
		"workers", cfg.Workers,
		"timestamps", m.stamps != nil)
	built = true
	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// Backend returns the backend in use.
func (m *Manager) Backend() backend.Backend { return m.be }

// Device returns the object layer for long-lived GPU objects.
func (m *Manager) Device() *gpuobj.Device { return m.device }

// Sync returns the fence and semaphore factory.
func (m *Manager) Sync() *gpusync.Factory { return m.sync }

// State returns the frame state.
func (m *Manager) State() State { return m.state }

// Frame returns the serial of the current or last frame. The first frame
// is 1.
func (m *Manager) Frame() uint64 { return m.frame }

// Slot returns the frame-in-flight slot of the current or last frame.
func (m *Manager) Slot() int { return m.slot }

// Lost reports whether a fatal failure stopped the manager.
func (m *Manager) Lost() bool { return m.lost }

// Stats returns a snapshot of the published counters.
func (m *Manager) Stats() stats.Snapshot { return m.registry.Snapshot() }

// check returns the error for calling op in the current state. allowed
// lists the states op accepts.
func (m *Manager) check(op string, allowed ...State) error {
	switch {
	case m.down:
		return grerr.Validationf(op, ErrShutdown)
	case m.lost:
		return grerr.E(grerr.DeviceLost, op, ErrLost)
	}
	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return grerr.Validationf(op, fmt.Errorf("%w: %s in state %s", ErrWrongState, op, m.state))
}

// fail marks the manager lost after a fatal error.
func (m *Manager) fail(op string, err error) error {
	m.lost = true
	m.state = StateIdle
	logx.L().Error("gr: fatal error, manager stopped", "op", op, "frame", m.frame, "err", err)
	return err
}

// Shutdown waits for every frame in flight, then releases all pooled
// objects and, unless it was supplied with WithBackend, the backend.
// Fences are drained concurrently. If ctx ends first the manager stays
// usable and Shutdown may be retried. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.down {
		return nil
	}
	if !m.lost {
		var g errgroup.Group
		for i := range m.slots {
			for _, fe := range m.slots[i].fences {
				if fe != nil {
					g.Go(func() error { return fe.Wait(ctx) })
				}
			}
		}
		if err := g.Wait(); err != nil {
			if !grerr.IsFatal(err) {
				return err
			}
			logx.L().Error("gr: drain failed, releasing anyway", "err", err)
		}
	}
	m.down = true
	m.release()
	logx.L().Info("gr: manager shut down", "frames", m.frame)
	return nil
}

// release tears down whatever was built. Every step tolerates a nil
// component so NewManager can unwind a partial build.
func (m *Manager) release() {
	if m.graph != nil {
		m.graph.Reset()
	}
	if m.workers != nil {
		m.workers.Close()
	}
	if m.cmds != nil {
		m.cmds.Reclaim()
		m.cmds.Close()
	}
	if m.stamps != nil {
		m.stamps.Close()
	}
	if m.ring != nil {
		m.ring.Close()
	}
	if m.heap != nil {
		m.heap.Close()
	}
	if m.sync != nil {
		m.sync.Close()
	}
	if m.device != nil {
		m.device.Close()
	}
	if m.ownsBE && m.be != nil {
		m.be.Close()
	}
}
