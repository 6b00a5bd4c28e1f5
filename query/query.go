package query

import (
	"github.com/driftdb/driftdb/model"
)

// KeyFieldPath is the pseudo-field ordering documents by key.
var KeyFieldPath = model.FieldPath{"__name__"}

// OrderBy is one ordering clause.
type OrderBy struct {
	Field      model.FieldPath
	Descending bool
}

func Ascending(field model.FieldPath) OrderBy  { return OrderBy{Field: field} }
func Descending(field model.FieldPath) OrderBy { return OrderBy{Field: field, Descending: true} }

// NoLimit marks an unlimited query.
const NoLimit int64 = -1

// LimitType says which end of the ordered result the limit keeps.
type LimitType byte

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is the user-facing filter/order/limit/cursor specification. It
// compiles deterministically to a canonical Target. Queries are value
// types; the With* builders return modified copies.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	Limit           int64
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound

	memoizedOrderBy []OrderBy
	memoizedTarget  *Target
}

// NewQuery starts a query over one collection path.
func NewQuery(path model.ResourcePath) Query {
	return Query{Path: path, Limit: NoLimit}
}

// NewCollectionGroupQuery starts a query over every collection with the
// given id regardless of parent.
func NewCollectionGroupQuery(collectionID string) Query {
	return Query{Path: model.ResourcePath{}, CollectionGroup: collectionID, Limit: NoLimit}
}

func (q Query) WithFilter(f Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), f)
	q.memoizedOrderBy, q.memoizedTarget = nil, nil
	return q
}

func (q Query) WithOrderBy(ob OrderBy) Query {
	q.ExplicitOrderBy = append(append([]OrderBy(nil), q.ExplicitOrderBy...), ob)
	q.memoizedOrderBy, q.memoizedTarget = nil, nil
	return q
}

func (q Query) WithLimitToFirst(limit int64) Query {
	q.Limit, q.LimitType = limit, LimitToFirst
	q.memoizedTarget = nil
	return q
}

func (q Query) WithLimitToLast(limit int64) Query {
	q.Limit, q.LimitType = limit, LimitToLast
	q.memoizedTarget = nil
	return q
}

func (q Query) WithStartAt(b *Bound) Query {
	q.StartAt = b
	q.memoizedTarget = nil
	return q
}

func (q Query) WithEndAt(b *Bound) Query {
	q.EndAt = b
	q.memoizedTarget = nil
	return q
}

func (q Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

func (q Query) HasLimit() bool { return q.Limit != NoLimit }

// IsDocumentQuery reports a single-document lookup: a document path with
// no predicates, the shape limbo-resolution targets take.
func (q Query) IsDocumentQuery() bool {
	return len(q.Path)%2 == 0 && !q.IsCollectionGroupQuery() && len(q.Filters) == 0
}

// NormalizedOrderBy is the effective ordering: the inequality field
// first if not explicitly ordered, then the explicit clauses, then the
// key ordering in the direction of the last explicit clause.
func (q *Query) NormalizedOrderBy() []OrderBy {
	if q.memoizedOrderBy != nil {
		return q.memoizedOrderBy
	}
	var result []OrderBy
	var inequality model.FieldPath
	for _, f := range q.Filters {
		if field := f.inequalityField(); field != nil {
			inequality = field
			break
		}
	}
	explicitlyOrdered := func(field model.FieldPath) bool {
		for _, ob := range q.ExplicitOrderBy {
			if ob.Field.Equal(field) {
				return true
			}
		}
		return false
	}
	if inequality != nil && !explicitlyOrdered(inequality) && !inequality.Equal(KeyFieldPath) {
		result = append(result, Ascending(inequality))
	}
	result = append(result, q.ExplicitOrderBy...)
	if !explicitlyOrdered(KeyFieldPath) {
		descending := false
		if n := len(q.ExplicitOrderBy); n > 0 {
			descending = q.ExplicitOrderBy[n-1].Descending
		}
		result = append(result, OrderBy{Field: KeyFieldPath, Descending: descending})
	}
	q.memoizedOrderBy = result
	return result
}

// Matches reports whether doc belongs in the query's result set.
func (q *Query) Matches(doc *model.Document) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q *Query) matchesPath(doc *model.Document) bool {
	docPath := doc.Key.Path()
	if q.IsCollectionGroupQuery() {
		return doc.Key.HasCollectionID(q.CollectionGroup) &&
			q.Path.IsPrefixOf(docPath)
	}
	if len(q.Path)%2 == 0 {
		// document query
		return q.Path.Equal(docPath)
	}
	return q.Path.IsPrefixOf(docPath) && len(q.Path) == len(docPath)-1
}

// matchesOrderBy requires every explicitly ordered field to exist on the
// doc, mirroring the backend's implicit-exists semantics.
func (q *Query) matchesOrderBy(doc *model.Document) bool {
	for _, ob := range q.ExplicitOrderBy {
		if !ob.Field.Equal(KeyFieldPath) && doc.Field(ob.Field) == nil {
			return false
		}
	}
	return true
}

func (q *Query) matchesFilters(doc *model.Document) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q *Query) matchesBounds(doc *model.Document) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.SortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// Compare orders two documents under this query's normalized orderBy,
// tie-broken by the trailing key clause.
func (q *Query) Compare(a, b *model.Document) int {
	for _, ob := range q.NormalizedOrderBy() {
		var c int
		if ob.Field.Equal(KeyFieldPath) {
			c = a.Key.Compare(b.Key)
		} else {
			av, bv := a.Field(ob.Field), b.Field(ob.Field)
			if av == nil || bv == nil {
				panic("driftdb: comparing documents missing an ordered field")
			}
			c = model.CompareValues(*av, *bv)
		}
		if ob.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func (q *Query) Equal(other *Query) bool {
	return q.ToTarget().Equal(other.ToTarget()) && q.LimitType == other.LimitType
}

func (q *Query) CanonicalID() string {
	id := q.ToTarget().CanonicalID()
	if q.LimitType == LimitToLast {
		id += "|lt:l"
	}
	return id
}
