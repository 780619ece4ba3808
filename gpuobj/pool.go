package gpuobj

import (
	"fmt"
	"sync"
)

// Handle references an entry of a Pool[T]: a slot index plus the
// generation the slot had when the entry was inserted. Removing the entry
// bumps the generation, so every copy of the handle goes stale at once.
//
// The zero Handle is invalid.
type Handle[T any] struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle[T]) IsZero() bool { return h.gen == 0 }

func (h Handle[T]) String() string {
	return fmt.Sprintf("%d:%d", h.index, h.gen)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Pool is a generation-checked slab of T. It is safe for concurrent use.
type Pool[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewPool creates an empty pool.
func NewPool[T any]() *Pool[T] {
	return &Pool[T]{}
}

// Insert stores v and returns its handle.
func (p *Pool[T]) Insert(v T) Handle[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx uint32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = uint32(len(p.slots))
		p.slots = append(p.slots, slot[T]{gen: 1})
	}
	s := &p.slots[idx]
	s.live = true
	s.val = v
	p.live++
	return Handle[T]{index: idx, gen: s.gen}
}

// Get returns the value h refers to. It fails for zero and stale handles.
func (p *Pool[T]) Get(h Handle[T]) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.validLocked(h) {
		var zero T
		return zero, false
	}
	return p.slots[h.index].val, true
}

// Remove deletes the entry and invalidates h and all its copies.
func (p *Pool[T]) Remove(h Handle[T]) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if !p.validLocked(h) {
		return zero, false
	}
	s := &p.slots[h.index]
	v := s.val
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	p.free = append(p.free, h.index)
	p.live--
	return v, true
}

func (p *Pool[T]) validLocked(h Handle[T]) bool {
	if h.gen == 0 || int(h.index) >= len(p.slots) {
		return false
	}
	s := &p.slots[h.index]
	return s.live && s.gen == h.gen
}

// Len returns the number of live entries.
func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live
}

// Drain removes every entry and returns the values.
func (p *Pool[T]) Drain() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []T
	var zero T
	for i := range p.slots {
		s := &p.slots[i]
		if !s.live {
			continue
		}
		out = append(out, s.val)
		s.val = zero
		s.live = false
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		p.free = append(p.free, uint32(i))
	}
	p.live = 0
	return out
}
