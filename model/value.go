package model

import (
	"bytes"
	"math"
	"sort"
	"strings"
)

// ValueKind tags the closed union of field value variants.
type ValueKind byte

const (
	NullKind ValueKind = iota
	BooleanKind
	IntegerKind
	DoubleKind
	TimestampKind
	// ServerTimestampKind is the provisional value a server-timestamp
	// transform leaves behind locally until the commit resolves it.
	ServerTimestampKind
	StringKind
	BytesKind
	ReferenceKind
	GeoPointKind
	ArrayKind
	MapKind
)

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Value is one document field value. Exactly the fields implied by Kind
// are meaningful; the rest stay at their zero values.
type Value struct {
	Kind    ValueKind
	Boolean bool
	Integer int64
	Double  float64
	Time    Timestamp
	Str     string
	Bytes   []byte
	RefPath string
	Geo     GeoPoint
	Array   []Value
	Map     map[string]Value

	// server timestamp bookkeeping
	LocalWriteTime Timestamp
	Previous       *Value
}

func NullValue() Value               { return Value{Kind: NullKind} }
func BooleanValue(b bool) Value      { return Value{Kind: BooleanKind, Boolean: b} }
func IntegerValue(i int64) Value     { return Value{Kind: IntegerKind, Integer: i} }
func DoubleValue(d float64) Value    { return Value{Kind: DoubleKind, Double: d} }
func TimeValue(t Timestamp) Value    { return Value{Kind: TimestampKind, Time: t} }
func StringValue(s string) Value     { return Value{Kind: StringKind, Str: s} }
func BytesValue(b []byte) Value      { return Value{Kind: BytesKind, Bytes: b} }
func ReferenceValue(k DocumentKey) Value {
	return Value{Kind: ReferenceKind, RefPath: k.String()}
}
func GeoPointValue(lat, lng float64) Value {
	return Value{Kind: GeoPointKind, Geo: GeoPoint{Latitude: lat, Longitude: lng}}
}
func ArrayValue(elems ...Value) Value { return Value{Kind: ArrayKind, Array: elems} }
func MapValue(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{Kind: MapKind, Map: fields}
}

// ServerTimestampValue marks a field pending a server-side timestamp.
// Locally it reads as its local write time; prev keeps the value the
// field had before, for transform re-application.
func ServerTimestampValue(localWriteTime Timestamp, prev *Value) Value {
	return Value{Kind: ServerTimestampKind, LocalWriteTime: localWriteTime, Previous: prev}
}

func (v Value) IsNumber() bool {
	return v.Kind == IntegerKind || v.Kind == DoubleKind
}

func (v Value) AsDouble() float64 {
	if v.Kind == IntegerKind {
		return float64(v.Integer)
	}
	return v.Double
}

// TypeRank is the cross-type ordering rank the backend uses. Relational
// filters only hold between values of the same rank.
func TypeRank(v Value) int { return typeOrder(v) }

// typeOrder is the cross-type ordering rank the backend uses.
func typeOrder(v Value) int {
	switch v.Kind {
	case NullKind:
		return 0
	case BooleanKind:
		return 1
	case IntegerKind, DoubleKind:
		return 2
	case TimestampKind, ServerTimestampKind:
		return 3
	case StringKind:
		return 4
	case BytesKind:
		return 5
	case ReferenceKind:
		return 6
	case GeoPointKind:
		return 7
	case ArrayKind:
		return 8
	case MapKind:
		return 9
	default:
		panic("driftdb: value kind out of range")
	}
}

// CompareValues imposes the backend's total order across all kinds.
func CompareValues(a, b Value) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return compareInts(ta, tb)
	}
	switch a.Kind {
	case NullKind:
		return 0
	case BooleanKind:
		return compareBools(a.Boolean, b.Boolean)
	case IntegerKind, DoubleKind:
		return compareNumbers(a, b)
	case TimestampKind, ServerTimestampKind:
		return timestampFor(a).Compare(timestampFor(b))
	case StringKind:
		return strings.Compare(a.Str, b.Str)
	case BytesKind:
		return bytes.Compare(a.Bytes, b.Bytes)
	case ReferenceKind:
		return ParseResourcePath(a.RefPath).Compare(ParseResourcePath(b.RefPath))
	case GeoPointKind:
		if c := compareDoubles(a.Geo.Latitude, b.Geo.Latitude); c != 0 {
			return c
		}
		return compareDoubles(a.Geo.Longitude, b.Geo.Longitude)
	case ArrayKind:
		return compareArrays(a.Array, b.Array)
	case MapKind:
		return compareMaps(a.Map, b.Map)
	default:
		panic("driftdb: value kind out of range")
	}
}

func timestampFor(v Value) Timestamp {
	if v.Kind == ServerTimestampKind {
		return v.LocalWriteTime
	}
	return v.Time
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareDoubles(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a):
		if math.IsNaN(b) {
			return 0
		}
		return -1
	default:
		return 1
	}
}

func compareNumbers(a, b Value) int {
	if a.Kind == IntegerKind && b.Kind == IntegerKind {
		switch {
		case a.Integer < b.Integer:
			return -1
		case a.Integer > b.Integer:
			return 1
		default:
			return 0
		}
	}
	return compareDoubles(a.AsDouble(), b.AsDouble())
}

func compareArrays(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(a), len(b))
}

func compareMaps(a, b map[string]Value) int {
	akeys := SortedFieldNames(a)
	bkeys := SortedFieldNames(b)
	n := min(len(akeys), len(bkeys))
	for i := 0; i < n; i++ {
		if c := strings.Compare(akeys[i], bkeys[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[akeys[i]], b[bkeys[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(akeys), len(bkeys))
}

// SortedFieldNames returns the field names of a map value in
// canonical (lexicographic) order.
func SortedFieldNames(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual is equality under the same semantics as CompareValues,
// except integers and doubles of equal numeric value stay distinct.
func ValuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		// server timestamps never equal resolved values
		return false
	}
	if a.Kind == IntegerKind && b.Kind == DoubleKind ||
		a.Kind == DoubleKind && b.Kind == IntegerKind {
		return false
	}
	return CompareValues(a, b) == 0
}

func (v Value) Clone() Value {
	out := v
	if v.Bytes != nil {
		out.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.Array != nil {
		out.Array = make([]Value, len(v.Array))
		for i, e := range v.Array {
			out.Array[i] = e.Clone()
		}
	}
	if v.Map != nil {
		out.Map = make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			out.Map[k] = e.Clone()
		}
	}
	if v.Previous != nil {
		prev := v.Previous.Clone()
		out.Previous = &prev
	}
	return out
}
