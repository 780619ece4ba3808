package cmdpool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/grerr"
)

// DefaultQueryChunkSize is the number of queries per native pool.
const DefaultQueryChunkSize = 64

// ErrStaleQuery is returned when deleting a query that is not allocated.
var ErrStaleQuery = errors.New("cmdpool: query not allocated")

type queryChunk struct {
	pool  backend.QueryPool
	used  uint64 // allocated slots
	dirty uint64 // freed slots that must be reset before reuse
}

// Query is one slot in a native query pool.
type Query struct {
	chunk      *queryChunk
	index      uint32
	needsReset bool
}

// IsZero reports whether q is the zero Query.
func (q Query) IsZero() bool { return q.chunk == nil }

// Pool returns the native pool holding the query.
func (q Query) Pool() backend.QueryPool {
	if q.chunk == nil {
		return nil
	}
	return q.chunk.pool
}

// Index returns the slot inside Pool.
func (q Query) Index() uint32 { return q.index }

// NeedsReset reports whether the slot held an earlier result and must be
// reset on the GPU before it is written.
func (q Query) NeedsReset() bool { return q.needsReset }

type deferredQuery struct {
	q     Query
	fence backend.Timeline
	value uint64
}

// QueryStats counts queries.
type QueryStats struct {
	Chunks    int
	Allocated int
	Deferred  int
}

// QueryFactory allocates queries of one kind from chunked native pools.
// It never fails for capacity: an exhausted factory grows by a chunk.
//
// QueryFactory is safe for concurrent use.
type QueryFactory struct {
	be        backend.Backend
	kind      backend.QueryKind
	chunkSize uint32

	mu       sync.Mutex
	chunks   []*queryChunk
	deferred []deferredQuery
	closed   bool
}

// NewQueryFactory returns a factory for queries of kind with chunkSize
// queries per native pool. chunkSize must be in [1, 64]; zero means
// DefaultQueryChunkSize.
func NewQueryFactory(be backend.Backend, kind backend.QueryKind, chunkSize uint32) (*QueryFactory, error) {
	const op = "new query factory"
	if chunkSize == 0 {
		chunkSize = DefaultQueryChunkSize
	}
	if chunkSize > 64 {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: chunk size %d above 64", gpuobj.ErrInvalidQuery, chunkSize))
	}
	if err := gpuobj.ValidateQueryPool(op, kind, chunkSize, be.Limits()); err != nil {
		return nil, err
	}
	return &QueryFactory{be: be, kind: kind, chunkSize: chunkSize}, nil
}

// Kind returns the query kind.
func (f *QueryFactory) Kind() backend.QueryKind { return f.kind }

func (f *QueryFactory) full() uint64 {
	if f.chunkSize == 64 {
		return ^uint64(0)
	}
	return 1<<f.chunkSize - 1
}

// NewQuery allocates a query.
func (f *QueryFactory) NewQuery() (Query, error) {
	const op = "new query"
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Query{}, grerr.Validationf(op, ErrClosed)
	}
	for _, c := range f.chunks {
		if c.used != f.full() {
			return c.take(), nil
		}
	}
	pool, err := f.be.CreateQueryPool(&backend.QueryPoolDesc{
		Label: fmt.Sprintf("gr %v queries %d", f.kind, len(f.chunks)),
		Kind:  f.kind,
		Count: f.chunkSize,
	})
	if err != nil {
		return Query{}, backend.Classify(op, err)
	}
	c := &queryChunk{pool: pool}
	f.chunks = append(f.chunks, c)
	return c.take(), nil
}

// NewQueries allocates count queries from one native pool, as timestamp
// pairs require.
func (f *QueryFactory) NewQueries(count int) ([]Query, error) {
	const op = "new queries"
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, grerr.Validationf(op, ErrClosed)
	}
	if count <= 0 || count > int(f.chunkSize) {
		return nil, grerr.Validationf(op, fmt.Errorf("%w: %d queries from chunks of %d", gpuobj.ErrInvalidQuery, count, f.chunkSize))
	}
	var chunk *queryChunk
	for _, c := range f.chunks {
		if int(f.chunkSize)-bits.OnesCount64(c.used) >= count {
			chunk = c
			break
		}
	}
	if chunk == nil {
		pool, err := f.be.CreateQueryPool(&backend.QueryPoolDesc{
			Label: fmt.Sprintf("gr %v queries %d", f.kind, len(f.chunks)),
			Kind:  f.kind,
			Count: f.chunkSize,
		})
		if err != nil {
			return nil, backend.Classify(op, err)
		}
		chunk = &queryChunk{pool: pool}
		f.chunks = append(f.chunks, chunk)
	}
	qs := make([]Query, count)
	for i := range qs {
		qs[i] = chunk.take()
	}
	return qs, nil
}

func (c *queryChunk) take() Query {
	i := uint32(bits.TrailingZeros64(^c.used))
	bit := uint64(1) << i
	c.used |= bit
	q := Query{chunk: c, index: i, needsReset: c.dirty&bit != 0}
	c.dirty &^= bit
	return q
}

// DeleteQuery frees q once fence reaches value. A nil fence frees it at
// the next Reclaim.
func (f *QueryFactory) DeleteQuery(q Query, fence backend.Timeline, value uint64) error {
	const op = "delete query"
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.chunk == nil || q.chunk.used&(1<<q.index) == 0 {
		return grerr.Validationf(op, ErrStaleQuery)
	}
	f.deferred = append(f.deferred, deferredQuery{q: q, fence: fence, value: value})
	return nil
}

// Reclaim frees every deferred query whose fence value was reached and
// returns how many were freed. Freed slots are reset before reuse.
func (f *QueryFactory) Reclaim() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.deferred[:0]
	n := 0
	for _, d := range f.deferred {
		if d.fence != nil && d.fence.Completed() < d.value {
			kept = append(kept, d)
			continue
		}
		bit := uint64(1) << d.q.index
		d.q.chunk.used &^= bit
		d.q.chunk.dirty |= bit
		n++
	}
	clear(f.deferred[len(kept):])
	f.deferred = kept
	return n
}

// Stats returns current counts.
func (f *QueryFactory) Stats() QueryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := QueryStats{Chunks: len(f.chunks), Deferred: len(f.deferred)}
	for _, c := range f.chunks {
		s.Allocated += bits.OnesCount64(c.used)
	}
	return s
}

// Close destroys every native pool. The GPU must be idle.
func (f *QueryFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.chunks {
		c.pool.Destroy()
	}
	f.chunks, f.deferred = nil, nil
}
