package local

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

const documentCacheSize = 1024

// RemoteDocumentCache stores the latest server-confirmed revision of
// each document, keyed by path, with the read time the revision was
// received at. A small LRU sits in front of the store; it is
// invalidated on write, never written around.
type RemoteDocumentCache struct {
	reads *lru.Cache[model.DocumentKey, *model.Document]
}

func NewRemoteDocumentCache() *RemoteDocumentCache {
	reads, _ := lru.New[model.DocumentKey, *model.Document](documentCacheSize)
	return &RemoteDocumentCache{reads: reads}
}

// Add upserts the cached revision. readTime must not regress for a key.
func (c *RemoteDocumentCache) Add(tx Transaction, doc *model.Document, readTime model.SnapshotVersion) error {
	stored := doc.Clone().SetReadTime(readTime)
	if err := tx.Set(documentKey(doc.Key), codec.EncodeDocument(stored)); err != nil {
		return err
	}
	c.reads.Remove(doc.Key)
	return nil
}

func (c *RemoteDocumentCache) Remove(tx Transaction, key model.DocumentKey) error {
	if err := tx.Delete(documentKey(key)); err != nil {
		return err
	}
	c.reads.Remove(key)
	return nil
}

// Get returns the cached revision, or an InvalidDocument placeholder
// when nothing is known about the key. Callers get a private copy.
func (c *RemoteDocumentCache) Get(tx Transaction, key model.DocumentKey) (*model.Document, error) {
	if doc, ok := c.reads.Get(key); ok {
		return doc.Clone(), nil
	}
	v, err := tx.Get(documentKey(key))
	if err == ErrNotFound {
		return model.NewInvalidDocument(key), nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := codec.DecodeDocument(v)
	if err != nil {
		return nil, err
	}
	c.reads.Add(key, doc.Clone())
	return doc, nil
}

func (c *RemoteDocumentCache) GetAll(tx Transaction, keys []model.DocumentKey) (model.DocumentMap, error) {
	out := model.DocumentMap{}
	for _, key := range keys {
		doc, err := c.Get(tx, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// GetAllFromCollection scans the immediate documents of one collection
// path, skipping those read at or before sinceReadTime.
func (c *RemoteDocumentCache) GetAllFromCollection(tx Transaction, collection model.ResourcePath, sinceReadTime model.SnapshotVersion) (model.DocumentMap, error) {
	lo, hi := documentPrefix(collection)
	return c.scan(tx, lo, hi, len(collection)+1, sinceReadTime)
}

// GetAllFromCollectionGroup scans every collection whose last segment
// is the group id. There is no index for this; the scan walks the full
// document keyspace.
func (c *RemoteDocumentCache) GetAllFromCollectionGroup(tx Transaction, group string, sinceReadTime model.SnapshotVersion) (model.DocumentMap, error) {
	lo := []byte{kspDocument}
	hi := prefixEnd(lo)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := model.DocumentMap{}
	for it.First(); it.Valid(); it.Next() {
		key := model.DocumentKeyFromString(string(it.Key()[1:]))
		if key.CollectionGroup() != group {
			continue
		}
		doc, err := codec.DecodeDocument(it.Value())
		if err != nil {
			return nil, err
		}
		if doc.ReadTime.Compare(sinceReadTime) <= 0 {
			continue
		}
		out[key] = doc
	}
	return out, nil
}

// GetMatching loads the candidate documents for a query from the
// store, collection scan or group scan as the query shape requires.
func (c *RemoteDocumentCache) GetMatching(tx Transaction, q query.Query, sinceReadTime model.SnapshotVersion) (model.DocumentMap, error) {
	if q.IsDocumentQuery() {
		doc, err := c.Get(tx, model.NewDocumentKey(q.Path))
		if err != nil {
			return nil, err
		}
		out := model.DocumentMap{}
		if doc.IsFoundDocument() {
			out[doc.Key] = doc
		}
		return out, nil
	}
	if q.CollectionGroup != "" {
		return c.GetAllFromCollectionGroup(tx, q.CollectionGroup, sinceReadTime)
	}
	return c.GetAllFromCollection(tx, q.Path, sinceReadTime)
}

func (c *RemoteDocumentCache) scan(tx Transaction, lo, hi []byte, segments int, sinceReadTime model.SnapshotVersion) (model.DocumentMap, error) {
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := model.DocumentMap{}
	for it.First(); it.Valid(); it.Next() {
		path := model.ParseResourcePath(string(it.Key()[1:]))
		if len(path) != segments {
			// subcollection document
			continue
		}
		doc, err := codec.DecodeDocument(it.Value())
		if err != nil {
			return nil, err
		}
		if doc.ReadTime.Compare(sinceReadTime) <= 0 {
			continue
		}
		out[doc.Key] = doc
	}
	return out, nil
}
