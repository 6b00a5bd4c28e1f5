package model

import (
	"sort"
	"strings"
)

// ResourcePath is a slash-separated path into the document tree.
// Paths with an even number of segments name documents, odd ones name
// collections.
type ResourcePath []string

func ParseResourcePath(path string) ResourcePath {
	if path == "" {
		return ResourcePath{}
	}
	return ResourcePath(strings.Split(path, "/"))
}

func (p ResourcePath) String() string {
	return strings.Join(p, "/")
}

func (p ResourcePath) Len() int { return len(p) }

func (p ResourcePath) IsEmpty() bool { return len(p) == 0 }

func (p ResourcePath) FirstSegment() string { return p[0] }

func (p ResourcePath) LastSegment() string { return p[len(p)-1] }

func (p ResourcePath) Append(segment string) ResourcePath {
	next := make(ResourcePath, 0, len(p)+1)
	next = append(next, p...)
	return append(next, segment)
}

func (p ResourcePath) Child(other ResourcePath) ResourcePath {
	next := make(ResourcePath, 0, len(p)+len(other))
	next = append(next, p...)
	return append(next, other...)
}

func (p ResourcePath) PopFirst(n int) ResourcePath { return p[n:] }

func (p ResourcePath) PopLast() ResourcePath { return p[:len(p)-1] }

// IsPrefixOf reports whether every segment of p matches the head of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i, seg := range p {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// Compare orders paths segment-wise, shorter prefix first. Segment-wise
// comparison, not joined-string comparison: a segment boundary sorts
// below any segment byte.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Compare(other) == 0
}

// DocumentKey uniquely identifies one document. It is comparable and is
// used directly as a map key; the zero value is invalid.
type DocumentKey struct {
	path string
}

func NewDocumentKey(path ResourcePath) DocumentKey {
	if len(path)%2 != 0 {
		panic("driftdb: document key must have an even number of segments: " + path.String())
	}
	return DocumentKey{path: path.String()}
}

func DocumentKeyFromString(path string) DocumentKey {
	return NewDocumentKey(ParseResourcePath(path))
}

func (k DocumentKey) IsZero() bool { return k.path == "" }

func (k DocumentKey) Path() ResourcePath { return ParseResourcePath(k.path) }

func (k DocumentKey) String() string { return k.path }

// CollectionPath is the key's parent collection.
func (k DocumentKey) CollectionPath() ResourcePath { return k.Path().PopLast() }

// CollectionGroup is the id of the key's immediate collection.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	return p[len(p)-2]
}

func (k DocumentKey) DocumentID() string { return k.Path().LastSegment() }

// HasCollectionID reports whether any collection on the key's path has
// the given id, used for collection-group matching.
func (k DocumentKey) HasCollectionID(collectionID string) bool {
	p := k.Path()
	for i := 0; i+1 < len(p); i += 2 {
		if p[i] == collectionID {
			return true
		}
	}
	return false
}

func (k DocumentKey) Compare(other DocumentKey) int {
	return k.Path().Compare(other.Path())
}

func (k DocumentKey) Less(other DocumentKey) bool {
	return k.Compare(other) < 0
}

// DocumentKeySet is an unordered set of document keys.
type DocumentKeySet map[DocumentKey]struct{}

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s DocumentKeySet) Has(key DocumentKey) bool {
	_, ok := s[key]
	return ok
}

func (s DocumentKeySet) Add(key DocumentKey) { s[key] = struct{}{} }

func (s DocumentKeySet) Remove(key DocumentKey) { delete(s, key) }

func (s DocumentKeySet) Union(other DocumentKeySet) DocumentKeySet {
	out := make(DocumentKeySet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the keys in path order, for deterministic iteration.
func (s DocumentKeySet) Sorted() []DocumentKey {
	keys := make([]DocumentKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
