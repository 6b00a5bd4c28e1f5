package model

// BatchID orders mutation batches within one queue. Ids are strictly
// increasing and never reused.
type BatchID int32

// MutationBatch is the unit of queueing, acknowledgment and rejection:
// an ordered, immutable group of mutations sharing one local write time.
// A batch is removed only as a whole, never partially.
type MutationBatch struct {
	BatchID        BatchID
	LocalWriteTime Timestamp

	// BaseMutations preserve the pre-write values transforms were
	// computed against, so re-applying the batch on top of refreshed
	// remote state still yields the value the user saw (exactly-once
	// local transform semantics).
	BaseMutations []Mutation
	Mutations     []Mutation
}

// Keys lists every document the batch touches.
func (b *MutationBatch) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(b.Mutations))
	for _, m := range b.Mutations {
		s.Add(m.Key)
	}
	return s
}

// ApplyToLocalView folds the whole batch into the local view of doc,
// returning the accumulated changed-field mask.
func (b *MutationBatch) ApplyToLocalView(doc *Document, previousMask *FieldMask) *FieldMask {
	mask := previousMask
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToLocalDocumentSet folds the batch into every affected document
// of the set, returning the changed-field mask per document. Each
// document starts from the mask its existing overlay contributed, so
// the synthesized overlay keeps fields earlier batches changed.
// Documents in withoutRemoteVersion get a nil mask, forcing a
// whole-document overlay that captures every locally written field.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs DocumentMap, previousMasks map[DocumentKey]*FieldMask, withoutRemoteVersion DocumentKeySet) map[DocumentKey]*FieldMask {
	masks := make(map[DocumentKey]*FieldMask, len(docs))
	for _, m := range b.Mutations {
		doc, ok := docs[m.Key]
		if !ok {
			continue
		}
		if _, done := masks[m.Key]; done {
			continue
		}
		prev, ok := previousMasks[m.Key]
		if !ok {
			prev = emptyMask()
		}
		mask := b.ApplyToLocalView(doc, prev)
		if withoutRemoteVersion.Has(m.Key) {
			mask = nil
		}
		masks[m.Key] = mask
	}
	return masks
}

func emptyMask() *FieldMask {
	m := NewFieldMask()
	return &m
}

// ApplyToRemoteDocument folds the server acknowledgment of this batch
// into the cached document.
func (b *MutationBatch) ApplyToRemoteDocument(doc *Document, result *MutationBatchResult) {
	if len(result.MutationResults) != len(b.Mutations) {
		panic("driftdb: mutation result count does not match batch size")
	}
	for i, m := range b.Mutations {
		if m.Key == doc.Key {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// MutationBatchResult pairs an acknowledged batch with the server's
// commit version and per-mutation results.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
}

func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult) *MutationBatchResult {
	if len(results) != len(batch.Mutations) {
		panic("driftdb: mutation result count does not match batch size")
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
	}
}

// DocVersions maps each touched key to its post-commit version.
func (r *MutationBatchResult) DocVersions() map[DocumentKey]SnapshotVersion {
	versions := make(map[DocumentKey]SnapshotVersion, len(r.Batch.Mutations))
	for i, m := range r.Batch.Mutations {
		versions[m.Key] = r.MutationResults[i].Version
	}
	return versions
}
