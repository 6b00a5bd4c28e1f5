package model

import (
	"sort"
	"strings"
)

// FieldPath is a dot-separated path into a document's field tree.
type FieldPath []string

func ParseFieldPath(path string) FieldPath {
	return FieldPath(strings.Split(path, "."))
}

func (f FieldPath) String() string { return strings.Join(f, ".") }

func (f FieldPath) IsEmpty() bool { return len(f) == 0 }

func (f FieldPath) Compare(other FieldPath) int {
	n := min(len(f), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(f[i], other[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(f), len(other))
}

func (f FieldPath) Equal(other FieldPath) bool { return f.Compare(other) == 0 }

func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f) > len(other) {
		return false
	}
	for i, seg := range f {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// FieldMask is a set of field paths. A mask entry covers the path itself
// and everything nested below it.
type FieldMask struct {
	paths []FieldPath
}

func NewFieldMask(paths ...FieldPath) FieldMask {
	sorted := make([]FieldPath, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return FieldMask{paths: sorted}
}

func (m FieldMask) Paths() []FieldPath { return m.paths }

func (m FieldMask) Covers(path FieldPath) bool {
	for _, p := range m.paths {
		if p.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// ObjectValue is a mutable map-kind Value with field-path access. The
// zero value is an empty object.
type ObjectValue struct {
	value Value
}

func NewObjectValue(fields map[string]Value) ObjectValue {
	return ObjectValue{value: MapValue(fields)}
}

func ObjectValueOf(v Value) ObjectValue {
	if v.Kind != MapKind {
		panic("driftdb: object value must wrap a map value")
	}
	return ObjectValue{value: v}
}

func (o ObjectValue) Value() Value {
	if o.value.Kind != MapKind {
		return MapValue(nil)
	}
	return o.value
}

// Field returns the value at path, or nil if the path is missing or
// crosses a non-map value.
func (o ObjectValue) Field(path FieldPath) *Value {
	if path.IsEmpty() {
		v := o.Value()
		return &v
	}
	current := o.Value()
	for i := 0; i < len(path)-1; i++ {
		next, ok := current.Map[path[i]]
		if !ok || next.Kind != MapKind {
			return nil
		}
		current = next
	}
	v, ok := current.Map[path[len(path)-1]]
	if !ok {
		return nil
	}
	return &v
}

// Set writes value at path, creating intermediate maps as needed.
func (o *ObjectValue) Set(path FieldPath, value Value) {
	if path.IsEmpty() {
		panic("driftdb: cannot set the root of an object value")
	}
	o.ensureRoot()
	current := o.value.Map
	for i := 0; i < len(path)-1; i++ {
		next, ok := current[path[i]]
		if !ok || next.Kind != MapKind || next.Map == nil {
			next = MapValue(map[string]Value{})
		}
		current[path[i]] = next
		current = next.Map
	}
	current[path[len(path)-1]] = value
}

// Delete removes the field at path if present.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		panic("driftdb: cannot delete the root of an object value")
	}
	o.ensureRoot()
	current := o.value.Map
	for i := 0; i < len(path)-1; i++ {
		next, ok := current[path[i]]
		if !ok || next.Kind != MapKind {
			return
		}
		current = next.Map
	}
	delete(current, path[len(path)-1])
}

// SetAll applies a batch of writes and deletes: a nil value deletes the
// path, anything else sets it.
func (o *ObjectValue) SetAll(updates map[string]*Value) {
	names := make([]string, 0, len(updates))
	for p := range updates {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		path := ParseFieldPath(p)
		if v := updates[p]; v != nil {
			o.Set(path, *v)
		} else {
			o.Delete(path)
		}
	}
}

func (o *ObjectValue) ensureRoot() {
	if o.value.Kind != MapKind || o.value.Map == nil {
		o.value = MapValue(map[string]Value{})
	}
}

func (o ObjectValue) Clone() ObjectValue {
	return ObjectValue{value: o.Value().Clone()}
}

func (o ObjectValue) Equal(other ObjectValue) bool {
	return ValuesEqual(o.Value(), other.Value())
}

// FieldMaskFromObject lists the leaf paths present in the object, the
// mask an equivalent set-with-merge would carry.
func FieldMaskFromObject(o ObjectValue) FieldMask {
	var paths []FieldPath
	var walk func(prefix FieldPath, m map[string]Value)
	walk = func(prefix FieldPath, m map[string]Value) {
		for name, v := range m {
			path := append(append(FieldPath{}, prefix...), name)
			if v.Kind == MapKind && len(v.Map) > 0 {
				walk(path, v.Map)
			} else {
				paths = append(paths, path)
			}
		}
	}
	walk(nil, o.Value().Map)
	return NewFieldMask(paths...)
}
