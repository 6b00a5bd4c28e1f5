package query

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftdb/driftdb/model"
)

// Target is the canonical, de-duplicated server-side listen
// specification a Query compiles to. Two equivalent queries always
// compile to equal targets.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int64
	StartAt         *Bound
	EndAt           *Bound

	memoizedCanonicalID string
}

// ToTarget compiles the query. limitToLast queries flip every orderBy
// direction and swap/invert their bounds so the server streams the
// correct window; the view layer re-reverses on materialization.
func (q *Query) ToTarget() *Target {
	if q.memoizedTarget != nil {
		return q.memoizedTarget
	}
	t := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		Limit:           q.Limit,
	}
	orderBy := q.NormalizedOrderBy()
	if q.LimitType == LimitToLast {
		flipped := make([]OrderBy, len(orderBy))
		for i, ob := range orderBy {
			flipped[i] = OrderBy{Field: ob.Field, Descending: !ob.Descending}
		}
		t.OrderBy = flipped
		if q.EndAt != nil {
			t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
		}
		if q.StartAt != nil {
			t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
		}
	} else {
		t.OrderBy = orderBy
		t.StartAt = q.StartAt
		t.EndAt = q.EndAt
	}
	q.memoizedTarget = t
	return t
}

// IsDocumentTarget reports a single-document listen.
func (t *Target) IsDocumentTarget() bool {
	return len(t.Path)%2 == 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CanonicalID renders the target deterministically; it is the de-dup
// key for server listens.
func (t *Target) CanonicalID() string {
	if t.memoizedCanonicalID != "" {
		return t.memoizedCanonicalID
	}
	var b strings.Builder
	b.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		b.WriteString("|cg:")
		b.WriteString(t.CollectionGroup)
	}
	b.WriteString("|f:")
	for _, f := range t.Filters {
		b.WriteString(f.canonicalString())
	}
	b.WriteString("|ob:")
	for _, ob := range t.OrderBy {
		b.WriteString(ob.Field.String())
		if ob.Descending {
			b.WriteString("desc")
		} else {
			b.WriteString("asc")
		}
	}
	if t.Limit != NoLimit {
		b.WriteString("|l:")
		b.WriteString(strconv.FormatInt(t.Limit, 10))
	}
	if t.StartAt != nil {
		b.WriteString("|lb:")
		b.WriteString(t.StartAt.canonicalString())
	}
	if t.EndAt != nil {
		b.WriteString("|ub:")
		b.WriteString(t.EndAt.canonicalString())
	}
	t.memoizedCanonicalID = b.String()
	return t.memoizedCanonicalID
}

func (t *Target) Equal(other *Target) bool {
	return t.CanonicalID() == other.CanonicalID()
}

// canonicalValue renders one value for canonical ids.
func canonicalValue(v model.Value) string {
	switch v.Kind {
	case model.NullKind:
		return "null"
	case model.BooleanKind:
		return strconv.FormatBool(v.Boolean)
	case model.IntegerKind:
		return strconv.FormatInt(v.Integer, 10)
	case model.DoubleKind:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case model.TimestampKind:
		return "time(" + v.Time.String() + ")"
	case model.ServerTimestampKind:
		return "stime(" + v.LocalWriteTime.String() + ")"
	case model.StringKind:
		return strconv.Quote(v.Str)
	case model.BytesKind:
		return "bytes(" + base64.StdEncoding.EncodeToString(v.Bytes) + ")"
	case model.ReferenceKind:
		return "ref(" + v.RefPath + ")"
	case model.GeoPointKind:
		return fmt.Sprintf("geo(%v,%v)", v.Geo.Latitude, v.Geo.Longitude)
	case model.ArrayKind:
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = canonicalValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case model.MapKind:
		var b strings.Builder
		b.WriteString("{")
		for i, name := range sortedNames(v.Map) {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(name)
			b.WriteString(":")
			b.WriteString(canonicalValue(v.Map[name]))
		}
		b.WriteString("}")
		return b.String()
	default:
		panic("driftdb: value kind out of range")
	}
}

func sortedNames(m map[string]model.Value) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}
