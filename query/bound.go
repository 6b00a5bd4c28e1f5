package query

import (
	"strings"

	"github.com/driftdb/driftdb/model"
)

// Bound is a cursor position over a query's order-by clauses. Position
// values pair with the normalized orderBy list index-wise; a shorter
// position constrains only a prefix of the clauses.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func NewBound(position []model.Value, inclusive bool) *Bound {
	return &Bound{Position: position, Inclusive: inclusive}
}

// compareToDocument orders the bound position against the document under
// the given orderBy list.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.Document) int {
	if len(b.Position) > len(orderBy) {
		panic("driftdb: bound has more components than the query's orderBy")
	}
	for i, component := range b.Position {
		ob := orderBy[i]
		var c int
		if ob.Field.Equal(KeyFieldPath) {
			if component.Kind != model.ReferenceKind {
				panic("driftdb: key ordering bound component must be a reference value")
			}
			c = model.ParseResourcePath(component.RefPath).Compare(doc.Key.Path())
		} else {
			value := doc.Field(ob.Field)
			if value == nil {
				panic("driftdb: bound compares against a field missing from the document")
			}
			c = model.CompareValues(component, *value)
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

// SortsBeforeDocument reports whether a startAt bound admits the doc.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// SortsAfterDocument reports whether an endAt bound admits the doc.
func (b *Bound) SortsAfterDocument(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

func (b *Bound) Equal(other *Bound) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.Inclusive != other.Inclusive || len(b.Position) != len(other.Position) {
		return false
	}
	for i, v := range b.Position {
		if !model.ValuesEqual(v, other.Position[i]) {
			return false
		}
	}
	return true
}

func (b *Bound) canonicalString() string {
	if b == nil {
		return ""
	}
	parts := make([]string, 0, len(b.Position)+1)
	if b.Inclusive {
		parts = append(parts, "b:")
	} else {
		parts = append(parts, "a:")
	}
	for _, v := range b.Position {
		parts = append(parts, canonicalValue(v))
	}
	return strings.Join(parts, "")
}
