package query

import (
	"strings"

	"github.com/driftdb/driftdb/model"
)

// Operator is a field filter's relation.
type Operator byte

const (
	OpLessThan Operator = iota
	OpLessThanOrEqual
	OpEqual
	OpNotEqual
	OpGreaterThanOrEqual
	OpGreaterThan
	OpArrayContains
	OpIn
	OpNotIn
	OpArrayContainsAny
)

func (op Operator) String() string {
	switch op {
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpGreaterThanOrEqual:
		return ">="
	case OpGreaterThan:
		return ">"
	case OpArrayContains:
		return "array-contains"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not-in"
	case OpArrayContainsAny:
		return "array-contains-any"
	default:
		panic("driftdb: operator out of range")
	}
}

// IsInequality reports whether the operator constrains an ordering.
func (op Operator) IsInequality() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThanOrEqual, OpGreaterThan, OpNotEqual, OpNotIn:
		return true
	default:
		return false
	}
}

// CompositeOperator combines sub-filters.
type CompositeOperator byte

const (
	CompositeAnd CompositeOperator = iota
	CompositeOr
)

// FilterKind tags the closed filter union.
type FilterKind byte

const (
	FieldFilterKind FilterKind = iota
	CompositeFilterKind
)

// Filter is either a single field predicate or an and/or composition.
type Filter struct {
	Kind FilterKind

	// field filter
	Field FieldPathAlias
	Op    Operator
	Value model.Value

	// composite filter
	CompositeOp CompositeOperator
	Filters     []Filter
}

// FieldPathAlias keeps filter literals short at call sites.
type FieldPathAlias = model.FieldPath

func FieldFilter(field model.FieldPath, op Operator, value model.Value) Filter {
	return Filter{Kind: FieldFilterKind, Field: field, Op: op, Value: value}
}

func AndFilter(filters ...Filter) Filter {
	return Filter{Kind: CompositeFilterKind, CompositeOp: CompositeAnd, Filters: filters}
}

func OrFilter(filters ...Filter) Filter {
	return Filter{Kind: CompositeFilterKind, CompositeOp: CompositeOr, Filters: filters}
}

// Matches evaluates the filter against a document.
func (f Filter) Matches(doc *model.Document) bool {
	switch f.Kind {
	case FieldFilterKind:
		return f.matchesField(doc)
	case CompositeFilterKind:
		if f.CompositeOp == CompositeAnd {
			for _, sub := range f.Filters {
				if !sub.Matches(doc) {
					return false
				}
			}
			return true
		}
		for _, sub := range f.Filters {
			if sub.Matches(doc) {
				return true
			}
		}
		return false
	default:
		panic("driftdb: filter kind out of range")
	}
}

func (f Filter) matchesField(doc *model.Document) bool {
	value := doc.Field(f.Field)
	switch f.Op {
	case OpArrayContains:
		if value == nil || value.Kind != model.ArrayKind {
			return false
		}
		for _, e := range value.Array {
			if model.ValuesEqual(e, f.Value) {
				return true
			}
		}
		return false
	case OpArrayContainsAny:
		if value == nil || value.Kind != model.ArrayKind || f.Value.Kind != model.ArrayKind {
			return false
		}
		for _, e := range value.Array {
			for _, want := range f.Value.Array {
				if model.ValuesEqual(e, want) {
					return true
				}
			}
		}
		return false
	case OpIn:
		if value == nil || f.Value.Kind != model.ArrayKind {
			return false
		}
		for _, want := range f.Value.Array {
			if model.ValuesEqual(*value, want) {
				return true
			}
		}
		return false
	case OpNotIn:
		if value == nil || f.Value.Kind != model.ArrayKind || value.Kind == model.NullKind {
			return false
		}
		for _, want := range f.Value.Array {
			if model.ValuesEqual(*value, want) {
				return false
			}
		}
		return true
	case OpNotEqual:
		// != never matches missing fields or null
		if value == nil || value.Kind == model.NullKind {
			return false
		}
		return !model.ValuesEqual(*value, f.Value)
	default:
		if value == nil {
			return false
		}
		// relations only hold within the same type rank
		if model.TypeRank(*value) != model.TypeRank(f.Value) {
			return false
		}
		c := model.CompareValues(*value, f.Value)
		switch f.Op {
		case OpLessThan:
			return c < 0
		case OpLessThanOrEqual:
			return c <= 0
		case OpEqual:
			return model.ValuesEqual(*value, f.Value)
		case OpGreaterThanOrEqual:
			return c >= 0
		case OpGreaterThan:
			return c > 0
		}
		return false
	}
}

// inequalityField returns the first field an inequality constrains, or
// nil when none does.
func (f Filter) inequalityField() model.FieldPath {
	switch f.Kind {
	case FieldFilterKind:
		if f.Op.IsInequality() {
			return f.Field
		}
		return nil
	case CompositeFilterKind:
		for _, sub := range f.Filters {
			if field := sub.inequalityField(); field != nil {
				return field
			}
		}
		return nil
	default:
		return nil
	}
}

// canonicalString renders the filter deterministically for target
// de-duplication.
func (f Filter) canonicalString() string {
	switch f.Kind {
	case FieldFilterKind:
		return f.Field.String() + f.Op.String() + canonicalValue(f.Value)
	case CompositeFilterKind:
		parts := make([]string, len(f.Filters))
		for i, sub := range f.Filters {
			parts[i] = sub.canonicalString()
		}
		op := "and"
		if f.CompositeOp == CompositeOr {
			op = "or"
		}
		return op + "(" + strings.Join(parts, ",") + ")"
	default:
		panic("driftdb: filter kind out of range")
	}
}
