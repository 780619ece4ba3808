// Package parallel provides the fixed worker pool that records render
// graph passes.
//
// Every item runs with the index of the worker running it. A worker runs
// one item at a time, so the index selects per-thread state (command
// buffer pools, scratch) that no other goroutine touches concurrently.
package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("parallel: worker pool closed")

// Func handles one item. worker is in [0, Workers()).
type Func func(worker, item int) error

// job is one Run call. Workers claim items through next until it passes n.
type job struct {
	n    int
	fn   Func
	next atomic.Int64
	errs []error
	wg   sync.WaitGroup
}

func (j *job) drain(worker int) int {
	done := 0
	for {
		i := int(j.next.Add(1) - 1)
		if i >= j.n {
			return done
		}
		j.errs[i] = j.fn(worker, i)
		done++
	}
}

// WorkerPool runs the items of a Run call on a fixed set of goroutines.
// Run calls are serialized; the pool is safe for concurrent use.
type WorkerPool struct {
	workers int
	wake    []chan *job
	done    chan struct{}
	wg      sync.WaitGroup

	runMu    sync.Mutex
	running  atomic.Bool
	executed atomic.Uint64
}

// NewWorkerPool starts workers goroutines. Zero or less means GOMAXPROCS.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &WorkerPool{
		workers: workers,
		wake:    make([]chan *job, workers),
		done:    make(chan struct{}),
	}
	p.running.Store(true)
	p.wg.Add(workers)
	for i := range workers {
		p.wake[i] = make(chan *job, 1)
		go p.loop(i)
	}
	return p
}

func (p *WorkerPool) loop(worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.wake[worker]:
			p.executed.Add(uint64(j.drain(worker)))
			j.wg.Done()
		}
	}
}

// Run calls fn for every item in [0, n) and waits for all of them. Idle
// workers take the next unclaimed item, so slow items do not hold up the
// rest. The error of the lowest failing item is returned. Run must not be
// called from inside fn.
func (p *WorkerPool) Run(n int, fn Func) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running.Load() {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}

	j := &job{n: n, fn: fn, errs: make([]error, n)}
	active := min(n, p.workers)
	j.wg.Add(active)
	for w := range active {
		p.wake[w] <- j
	}
	j.wg.Wait()

	for _, err := range j.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the workers. It waits for a Run in progress and is safe to
// call more than once.
func (p *WorkerPool) Close() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether Close has not been called.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// Executed returns the number of items run since the pool started.
func (p *WorkerPool) Executed() uint64 { return p.executed.Load() }
