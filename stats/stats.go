// Package stats publishes named counters for telemetry overlays.
//
// Counters are created on first use and updated once per frame by the
// manager. Readers take a Snapshot at any time.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names published by gr.
const (
	TransientMem      = "GPU visible transient mem"
	AttachmentMem     = "GPU transient attachment mem"
	FrameSubmissions  = "Frame submissions"
	GraphPasses       = "Render graph passes"
	GraphSyncPoints   = "Render graph sync points"
	GraphAliasRegions = "Render graph alias regions"
	LiveObjects       = "GPU objects"
	CommandBuffers    = "Command buffers"
	Queries           = "Queries"
)

// Counter is a named int64 value.
type Counter struct {
	name string
	v    atomic.Int64
}

// Name returns the counter name.
func (c *Counter) Name() string { return c.name }

// Set stores v.
func (c *Counter) Set(v int64) { c.v.Store(v) }

// Add adds d and returns the new value.
func (c *Counter) Add(d int64) int64 { return c.v.Add(d) }

// Value returns the current value.
func (c *Counter) Value() int64 { return c.v.Load() }

// Registry holds counters by name. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Counter returns the counter called name, creating it at zero.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name}
	r.counters[name] = c
	return c
}

// Snapshot returns the current value of every counter.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := make(Snapshot, len(r.counters))
	for name, c := range r.counters {
		s[name] = c.Value()
	}
	return s
}

// Snapshot maps counter names to values.
type Snapshot map[string]int64

// String formats the snapshot sorted by name, one counter per line.
func (s Snapshot) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %d\n", name, s[name])
	}
	return b.String()
}
