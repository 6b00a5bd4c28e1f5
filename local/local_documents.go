package local

import (
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// LocalDocumentsView answers reads with the local view: the latest
// server revision with the document's pending overlay folded in.
type LocalDocumentsView struct {
	remoteDocs *RemoteDocumentCache
	queue      *MutationQueue
	overlays   *DocumentOverlayCache
}

func NewLocalDocumentsView(remoteDocs *RemoteDocumentCache, queue *MutationQueue, overlays *DocumentOverlayCache) *LocalDocumentsView {
	return &LocalDocumentsView{remoteDocs: remoteDocs, queue: queue, overlays: overlays}
}

func (v *LocalDocumentsView) GetDocument(tx Transaction, key model.DocumentKey) (*model.Document, error) {
	doc, err := v.remoteDocs.Get(tx, key)
	if err != nil {
		return nil, err
	}
	overlay, err := v.overlays.GetOverlay(tx, key)
	if err != nil {
		return nil, err
	}
	applyOverlay(doc, overlay)
	return doc, nil
}

func (v *LocalDocumentsView) GetDocuments(tx Transaction, keys []model.DocumentKey) (model.DocumentMap, error) {
	docs, err := v.remoteDocs.GetAll(tx, keys)
	if err != nil {
		return nil, err
	}
	return v.GetLocalViewOfDocuments(tx, docs)
}

// GetOverlayedDocuments loads the local views of keys along with, per
// document, the changed-field mask its existing overlay contributed
// (empty when it has none, nil when the overlay replaced the whole
// document) and the set of keys the server has never confirmed.
func (v *LocalDocumentsView) GetOverlayedDocuments(tx Transaction, keys []model.DocumentKey) (model.DocumentMap, map[model.DocumentKey]*model.FieldMask, model.DocumentKeySet, error) {
	docs, err := v.remoteDocs.GetAll(tx, keys)
	if err != nil {
		return nil, nil, nil, err
	}
	masks := map[model.DocumentKey]*model.FieldMask{}
	withoutRemote := model.DocumentKeySet{}
	for key, doc := range docs {
		if !doc.IsValidDocument() {
			withoutRemote.Add(key)
		}
		overlay, err := v.overlays.GetOverlay(tx, key)
		if err != nil {
			return nil, nil, nil, err
		}
		if overlay == nil {
			empty := model.NewFieldMask()
			masks[key] = &empty
			continue
		}
		masks[key] = overlay.Mutation.FieldMaskForLocalApply()
		applyOverlay(doc, overlay)
	}
	return docs, masks, withoutRemote, nil
}

// GetLocalViewOfDocuments folds each document's overlay into the given
// base revisions, in place.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(tx Transaction, docs model.DocumentMap) (model.DocumentMap, error) {
	for key, doc := range docs {
		overlay, err := v.overlays.GetOverlay(tx, key)
		if err != nil {
			return nil, err
		}
		applyOverlay(doc, overlay)
	}
	return docs, nil
}

// applyOverlay folds the condensed pending mutation into doc. A set or
// delete overlay replaces the document outright; a patch against a
// missing precondition leaves an unknown revision, matching what the
// server will eventually report.
func applyOverlay(doc *model.Document, overlay *model.Overlay) {
	if overlay == nil {
		return
	}
	mask := overlay.Mutation.FieldMaskForLocalApply()
	overlay.Mutation.ApplyToLocalView(doc, mask, model.Timestamp{})
}

// GetDocumentsMatchingQuery runs the candidate scan for a query:
// remote revisions newer than sinceReadTime, plus every document a
// pending overlay newer than sinceBatchID touches, with overlays
// folded in and the query predicate re-checked on the result.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(tx Transaction, q query.Query, sinceReadTime model.SnapshotVersion, sinceBatchID model.BatchID) (model.DocumentMap, error) {
	docs, err := v.remoteDocs.GetMatching(tx, q, sinceReadTime)
	if err != nil {
		return nil, err
	}
	if q.IsDocumentQuery() {
		return v.GetLocalViewOfDocuments(tx, docs)
	}
	overlays, err := v.overlaysForQuery(tx, q, sinceBatchID)
	if err != nil {
		return nil, err
	}
	for key := range overlays {
		if _, ok := docs[key]; !ok {
			// pending create of a document the server has not confirmed
			docs[key] = model.NewInvalidDocument(key)
		}
	}
	for key, doc := range docs {
		if o, ok := overlays[key]; ok {
			applyOverlay(doc, &o)
		}
		if !doc.IsFoundDocument() || !q.Matches(doc) {
			delete(docs, key)
		}
	}
	return docs, nil
}

func (v *LocalDocumentsView) overlaysForQuery(tx Transaction, q query.Query, sinceBatchID model.BatchID) (model.OverlayMap, error) {
	if q.CollectionGroup == "" {
		return v.overlays.GetOverlaysForCollection(tx, q.Path, sinceBatchID)
	}
	// no per-group overlay index; recheck membership over the group's
	// collections found in the remote scan is not enough, pending
	// creates included, so walk the batches instead
	batches, err := v.queue.AllBatches(tx)
	if err != nil {
		return nil, err
	}
	out := model.OverlayMap{}
	for _, b := range batches {
		if b.BatchID <= sinceBatchID {
			continue
		}
		for key := range b.Keys() {
			if key.CollectionGroup() != q.CollectionGroup {
				continue
			}
			o, err := v.overlays.GetOverlay(tx, key)
			if err != nil {
				return nil, err
			}
			if o != nil {
				out[key] = *o
			}
		}
	}
	return out, nil
}

// RecalculateAndSaveOverlays recomputes the overlays of the given base
// revisions from the batches still in the queue. Used after a batch
// leaves the queue or remote state refreshes under pending writes.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(tx Transaction, docs model.DocumentMap) error {
	keys := make([]model.DocumentKey, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	batches, err := v.queue.BatchesAffectingKeys(tx, keys)
	if err != nil {
		return err
	}

	masks := map[model.DocumentKey]*model.FieldMask{}
	largestBatch := map[model.DocumentKey]model.BatchID{}
	touched := model.DocumentKeySet{}
	for _, b := range batches {
		for key := range b.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			mask, had := masks[key]
			if !had {
				empty := model.NewFieldMask()
				mask = &empty
			}
			masks[key] = b.ApplyToLocalView(doc, mask)
			largestBatch[key] = b.BatchID
			touched.Add(key)
		}
	}

	// group by the largest contributing batch so each overlay carries
	// the right owner id
	byBatch := map[model.BatchID]map[model.DocumentKey]*model.Mutation{}
	for key := range touched {
		overlay := model.CalculateOverlayMutation(docs[key], masks[key])
		group := byBatch[largestBatch[key]]
		if group == nil {
			group = map[model.DocumentKey]*model.Mutation{}
			byBatch[largestBatch[key]] = group
		}
		group[key] = overlay
	}
	for id, group := range byBatch {
		if err := v.overlays.SaveOverlays(tx, id, group); err != nil {
			return err
		}
	}
	// untouched documents lost their last overlay
	cleared := map[model.DocumentKey]*model.Mutation{}
	for key := range docs {
		if !touched.Has(key) {
			cleared[key] = nil
		}
	}
	if len(cleared) > 0 {
		return v.overlays.SaveOverlays(tx, 0, cleared)
	}
	return nil
}
