package model

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareValuesCrossTypeOrder(t *testing.T) {
	// one representative per type rank, already in backend order
	ordered := []Value{
		NullValue(),
		BooleanValue(true),
		IntegerValue(1),
		TimeValue(Timestamp{Seconds: 1}),
		StringValue("a"),
		BytesValue([]byte{1}),
		ReferenceValue(DocumentKeyFromString("c/d")),
		GeoPointValue(1, 2),
		ArrayValue(IntegerValue(1)),
		MapValue(map[string]Value{"a": IntegerValue(1)}),
	}
	shuffled := append([]Value(nil), ordered...)
	shuffled[0], shuffled[5] = shuffled[5], shuffled[0]
	shuffled[2], shuffled[8] = shuffled[8], shuffled[2]
	sort.Slice(shuffled, func(i, j int) bool { return CompareValues(shuffled[i], shuffled[j]) < 0 })
	for i := range ordered {
		assert.Zero(t, CompareValues(ordered[i], shuffled[i]), "rank %d", i)
	}
}

func TestCompareValuesMixesNumericTypes(t *testing.T) {
	assert.Zero(t, CompareValues(IntegerValue(1), DoubleValue(1.0)))
	assert.Equal(t, -1, CompareValues(DoubleValue(0.5), IntegerValue(1)))
	assert.False(t, ValuesEqual(IntegerValue(1), DoubleValue(1.0)),
		"equality keeps integer and double distinct")
}

func TestCompareValuesNaNSortsFirst(t *testing.T) {
	nan := DoubleValue(math.NaN())
	assert.Equal(t, -1, CompareValues(nan, DoubleValue(math.Inf(-1))))
	assert.Zero(t, CompareValues(nan, DoubleValue(math.NaN())))
}

func TestCompareArraysIsLexicographic(t *testing.T) {
	short := ArrayValue(IntegerValue(1))
	long := ArrayValue(IntegerValue(1), IntegerValue(2))
	assert.Equal(t, -1, CompareValues(short, long), "prefix sorts first")
	assert.Equal(t, 1, CompareValues(ArrayValue(IntegerValue(2)), long))
}

func TestCompareMapsByCanonicalFieldOrder(t *testing.T) {
	a := MapValue(map[string]Value{"a": IntegerValue(1), "b": IntegerValue(1)})
	b := MapValue(map[string]Value{"a": IntegerValue(1), "c": IntegerValue(0)})
	assert.Equal(t, -1, CompareValues(a, b), "field name decides before field value")
}

func TestServerTimestampOrdersByLocalWriteTime(t *testing.T) {
	pending := ServerTimestampValue(Timestamp{Seconds: 5}, nil)
	resolved := TimeValue(Timestamp{Seconds: 6})
	assert.Equal(t, -1, CompareValues(pending, resolved))
	assert.False(t, ValuesEqual(pending, TimeValue(Timestamp{Seconds: 5})),
		"a pending server timestamp never equals a resolved one")
}

func TestValueCloneIsDeep(t *testing.T) {
	orig := MapValue(map[string]Value{"tags": ArrayValue(StringValue("a"))})
	clone := orig.Clone()
	clone.Map["tags"].Array[0] = StringValue("changed")
	assert.True(t, ValuesEqual(StringValue("a"), orig.Map["tags"].Array[0]))
}

func TestObjectValueNestedSetAndDelete(t *testing.T) {
	o := NewObjectValue(nil)
	o.Set(ParseFieldPath("a.b.c"), IntegerValue(1))
	o.Set(ParseFieldPath("a.d"), IntegerValue(2))
	v := o.Field(ParseFieldPath("a.b.c"))
	require.NotNil(t, v)
	assert.True(t, ValuesEqual(IntegerValue(1), *v))

	o.Delete(ParseFieldPath("a.b"))
	assert.Nil(t, o.Field(ParseFieldPath("a.b.c")))
	assert.NotNil(t, o.Field(ParseFieldPath("a.d")))
}

func TestDocumentKeyHelpers(t *testing.T) {
	k := DocumentKeyFromString("rooms/eros/messages/1")
	assert.Equal(t, "1", k.DocumentID())
	assert.Equal(t, "messages", k.CollectionGroup())
	assert.Equal(t, "rooms/eros/messages", k.CollectionPath().String())
	assert.True(t, k.HasCollectionID("messages"))
	assert.False(t, k.HasCollectionID("rooms"))
	assert.True(t, DocumentKeyFromString("a/1").Less(DocumentKeyFromString("a/2")))
}

func TestDocumentKeySetOperations(t *testing.T) {
	a := NewDocumentKeySet(DocumentKeyFromString("a/1"), DocumentKeyFromString("a/2"))
	b := NewDocumentKeySet(DocumentKeyFromString("a/2"), DocumentKeyFromString("a/3"))
	u := a.Union(b)
	assert.Len(t, u, 3)
	assert.Len(t, a, 2, "union does not mutate its inputs")

	sorted := u.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a/1", sorted[0].String())
	assert.Equal(t, "a/3", sorted[2].String())
}
