package gpuobj

import (
	"github.com/gogpu/gr/backend"
)

// QuerySetHandle references a QuerySet in a Device.
type QuerySetHandle = Handle[*QuerySet]

// QuerySetInitInfo describes a persistent query set.
type QuerySetInitInfo struct {
	Name  string
	Kind  backend.QueryKind
	Count uint32
}

// QuerySet is a persistent pool of queries. Per-frame queries come from
// cmdpool.QueryFactory instead.
type QuerySet struct {
	Object
	info   QuerySetInitInfo
	native backend.QueryPool
}

func (q *QuerySet) header() *Object                  { return &q.Object }
func (q *QuerySet) nativeResource() backend.Resource { return q.native }

// Count returns the number of queries.
func (q *QuerySet) Count() uint32 { return q.info.Count }

// QueryKind returns the query kind.
func (q *QuerySet) QueryKind() backend.QueryKind { return q.info.Kind }

// Native returns the backend query pool.
func (q *QuerySet) Native() backend.QueryPool { return q.native }

// ValidateQueryPool checks a query pool request against the limits.
func ValidateQueryPool(op string, kind backend.QueryKind, count uint32, limits backend.Limits) error {
	switch {
	case kind > backend.QueryPipelineStatistics:
		return invalid(op, ErrInvalidQuery, "unknown kind %d", kind)
	case count == 0:
		return invalid(op, ErrInvalidQuery, "zero queries")
	case count > limits.MaxQueriesPerPool:
		return invalid(op, ErrExceedsLimit, "%d queries, max %d", count, limits.MaxQueriesPerPool)
	case kind == backend.QueryTimestamp && !limits.TimestampQueries:
		return invalid(op, ErrInvalidQuery, "timestamps not supported")
	}
	return nil
}

// NewQuerySet validates info and creates a query set.
func (d *Device) NewQuerySet(info QuerySetInitInfo) (QuerySetHandle, error) {
	const op = "new query set"
	if err := d.checkOpen(op); err != nil {
		return QuerySetHandle{}, err
	}
	if err := ValidateQueryPool(op, info.Kind, info.Count, d.limits); err != nil {
		return QuerySetHandle{}, err
	}
	native, err := d.be.CreateQueryPool(&backend.QueryPoolDesc{Label: info.Name, Kind: info.Kind, Count: info.Count})
	if err != nil {
		return QuerySetHandle{}, backend.Classify(op, err)
	}
	q := &QuerySet{info: info, native: native}
	q.Init(KindQuery, info.Name)
	return d.querySets.Insert(q), nil
}

// QuerySet resolves h.
func (d *Device) QuerySet(h QuerySetHandle) (*QuerySet, error) {
	return lookup(d.querySets, h, "query set")
}

// DestroyQuerySet invalidates h and releases the set after its last use.
func (d *Device) DestroyQuerySet(h QuerySetHandle) error {
	return destroy(d, d.querySets, h, "destroy query set")
}
