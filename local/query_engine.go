package local

import (
	"sort"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// QueryEngine executes queries against the local view. When a query
// ran before, its previously matching keys plus the documents changed
// since the last limbo-free snapshot bound the scan; otherwise the
// whole candidate collection is read. Every candidate is re-checked
// against the predicate either way, so a stale shortcut can narrow
// the scan but never corrupt the result.
type QueryEngine struct {
	view *LocalDocumentsView
}

func NewQueryEngine(view *LocalDocumentsView) *QueryEngine {
	return &QueryEngine{view: view}
}

func (e *QueryEngine) ExecuteQuery(tx Transaction, q query.Query, lastLimboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet, sinceBatchID model.BatchID) (model.DocumentMap, error) {
	if !lastLimboFree.IsZero() {
		docs, ok, err := e.executeUsingRemoteKeys(tx, q, lastLimboFree, remoteKeys, sinceBatchID)
		if err != nil {
			return nil, err
		}
		if ok {
			return docs, nil
		}
	}
	return e.view.GetDocumentsMatchingQuery(tx, q, model.VersionZero, 0)
}

// executeUsingRemoteKeys tries the bounded scan. It bows out (ok
// false) when a limit query may have rotated documents into the
// window that the previous result set cannot account for.
func (e *QueryEngine) executeUsingRemoteKeys(tx Transaction, q query.Query, lastLimboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet, sinceBatchID model.BatchID) (model.DocumentMap, bool, error) {
	previous, err := e.view.GetDocuments(tx, remoteKeys.Sorted())
	if err != nil {
		return nil, false, err
	}
	for key, doc := range previous {
		if !doc.IsFoundDocument() || !q.Matches(doc) {
			delete(previous, key)
		}
	}
	if q.Limit != query.NoLimit && e.needsRefill(q, previous, len(remoteKeys), lastLimboFree) {
		return nil, false, nil
	}

	updated, err := e.view.GetDocumentsMatchingQuery(tx, q, lastLimboFree, sinceBatchID)
	if err != nil {
		return nil, false, err
	}
	for key, doc := range updated {
		previous[key] = doc
	}
	return previous, true, nil
}

// needsRefill is true when the previous result set cannot be trusted
// as the limit window: documents were dropped locally, or the document
// at the window edge moved since the limbo-free snapshot, which may
// have let another document rotate in.
func (e *QueryEngine) needsRefill(q query.Query, previous model.DocumentMap, remoteKeyCount int, lastLimboFree model.SnapshotVersion) bool {
	if remoteKeyCount != len(previous) {
		return true
	}
	if len(previous) == 0 {
		return false
	}
	sorted := sortDocuments(q, previous)
	var edge *model.Document
	if q.LimitType == query.LimitToFirst {
		edge = sorted[len(sorted)-1]
	} else {
		edge = sorted[0]
	}
	return edge.HasPendingWrites() || edge.Version.Compare(lastLimboFree) > 0
}

func sortDocuments(q query.Query, docs model.DocumentMap) []*model.Document {
	out := make([]*model.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return q.Compare(out[i], out[j]) < 0 })
	return out
}
