// Package engine ties the stores together: it owns the query views,
// the limbo resolution registry, the event listeners and the primary
// lease. Everything here runs on the client's async queue.
package engine

import (
	"sort"

	"github.com/driftdb/driftdb/model"
)

// DocumentSet keeps documents sorted by a query comparator while
// supporting O(1) lookup by key. The comparator must break ties by
// key so positions are total.
type DocumentSet struct {
	cmp   func(a, b *model.Document) int
	docs  []*model.Document
	index map[model.DocumentKey]*model.Document
}

func NewDocumentSet(cmp func(a, b *model.Document) int) *DocumentSet {
	return &DocumentSet{cmp: cmp, index: map[model.DocumentKey]*model.Document{}}
}

func (s *DocumentSet) Len() int { return len(s.docs) }

func (s *DocumentSet) Has(key model.DocumentKey) bool {
	_, ok := s.index[key]
	return ok
}

// Get returns the stored document, nil when absent.
func (s *DocumentSet) Get(key model.DocumentKey) *model.Document {
	return s.index[key]
}

func (s *DocumentSet) First() *model.Document {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[0]
}

func (s *DocumentSet) Last() *model.Document {
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[len(s.docs)-1]
}

// Add inserts doc at its sorted position, replacing any previous
// version of the same document first.
func (s *DocumentSet) Add(doc *model.Document) {
	s.Delete(doc.Key)
	at := sort.Search(len(s.docs), func(i int) bool {
		return s.cmp(s.docs[i], doc) >= 0
	})
	s.docs = append(s.docs, nil)
	copy(s.docs[at+1:], s.docs[at:])
	s.docs[at] = doc
	s.index[doc.Key] = doc
}

func (s *DocumentSet) Delete(key model.DocumentKey) {
	doc, ok := s.index[key]
	if !ok {
		return
	}
	at := s.indexOf(doc)
	s.docs = append(s.docs[:at], s.docs[at+1:]...)
	delete(s.index, key)
}

// indexOf finds the stored document's position via the comparator,
// then walks over any comparator-equal neighbors.
func (s *DocumentSet) indexOf(doc *model.Document) int {
	at := sort.Search(len(s.docs), func(i int) bool {
		return s.cmp(s.docs[i], doc) >= 0
	})
	for at < len(s.docs) && s.docs[at].Key != doc.Key {
		at++
	}
	return at
}

// Docs exposes the sorted backing slice. Callers must not mutate it.
func (s *DocumentSet) Docs() []*model.Document { return s.docs }

func (s *DocumentSet) Keys() model.DocumentKeySet {
	keys := model.DocumentKeySet{}
	for key := range s.index {
		keys.Add(key)
	}
	return keys
}

func (s *DocumentSet) Clone() *DocumentSet {
	out := &DocumentSet{
		cmp:   s.cmp,
		docs:  append([]*model.Document{}, s.docs...),
		index: make(map[model.DocumentKey]*model.Document, len(s.index)),
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	return out
}

// Equal compares contents and order, ignoring the comparator.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i, doc := range s.docs {
		if !doc.Equal(other.docs[i]) {
			return false
		}
	}
	return true
}
