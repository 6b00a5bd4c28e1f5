package local

import (
	"sort"

	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
)

// MutationQueue is one user's ordered queue of unacknowledged mutation
// batches. Batch ids are monotonic and never reused; the queue is
// drained strictly from the front.
type MutationQueue struct {
	uid string
}

func NewMutationQueue(uid string) *MutationQueue {
	return &MutationQueue{uid: uid}
}

func readGlobalInt(tx Transaction, name string) (int64, error) {
	v, err := tx.Get(globalKey(name))
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return codec.UnzipInt64(v), nil
}

func writeGlobalInt(tx Transaction, name string, v int64) error {
	return tx.Set(globalKey(name), codec.ZipInt64(v))
}

// AddBatch assigns the next batch id and persists the batch plus its
// per-document index entries.
func (q *MutationQueue) AddBatch(tx Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	highest, err := readGlobalInt(tx, globalHighestBatch)
	if err != nil {
		return nil, err
	}
	id := model.BatchID(highest + 1)
	if err := writeGlobalInt(tx, globalHighestBatch, int64(id)); err != nil {
		return nil, err
	}
	batch := &model.MutationBatch{
		BatchID:        id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	if err := tx.Set(batchKey(q.uid, id), codec.EncodeMutationBatch(batch)); err != nil {
		return nil, err
	}
	for _, key := range batch.Keys().Sorted() {
		if err := tx.Set(batchDocIndexKey(q.uid, key, id), nil); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// LookupBatch returns nil when the batch is gone (already removed).
func (q *MutationQueue) LookupBatch(tx Transaction, id model.BatchID) (*model.MutationBatch, error) {
	v, err := tx.Get(batchKey(q.uid, id))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.DecodeMutationBatch(v)
}

// NextBatchAfter returns the oldest batch with id greater than after,
// or nil when the queue holds none.
func (q *MutationQueue) NextBatchAfter(tx Transaction, after model.BatchID) (*model.MutationBatch, error) {
	lo, hi := batchPrefix(q.uid)
	lo = append(lo, be32(uint32(after+1))...)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.First() {
		return nil, nil
	}
	return codec.DecodeMutationBatch(it.Value())
}

func (q *MutationQueue) AllBatches(tx Transaction) ([]*model.MutationBatch, error) {
	lo, hi := batchPrefix(q.uid)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*model.MutationBatch
	for it.First(); it.Valid(); it.Next() {
		b, err := codec.DecodeMutationBatch(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (q *MutationQueue) IsEmpty(tx Transaction) (bool, error) {
	next, err := q.NextBatchAfter(tx, 0)
	return next == nil, err
}

// HighestBatchID is the largest id ever assigned, regardless of
// whether that batch still sits in the queue.
func (q *MutationQueue) HighestBatchID(tx Transaction) (model.BatchID, error) {
	v, err := readGlobalInt(tx, globalHighestBatch)
	return model.BatchID(v), err
}

// BatchIDsAffectingKey lists, in ascending order, the queued batches
// touching key.
func (q *MutationQueue) BatchIDsAffectingKey(tx Transaction, key model.DocumentKey) ([]model.BatchID, error) {
	lo, hi := batchDocIndexPrefix(q.uid, key)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []model.BatchID
	for it.First(); it.Valid(); it.Next() {
		out = append(out, batchIDFromIndexKey(it.Key()))
	}
	return out, nil
}

// BatchesAffectingKeys loads every queued batch touching any of keys,
// ascending, each batch once.
func (q *MutationQueue) BatchesAffectingKeys(tx Transaction, keys []model.DocumentKey) ([]*model.MutationBatch, error) {
	seen := map[model.BatchID]bool{}
	var ids []model.BatchID
	for _, key := range keys {
		batchIDs, err := q.BatchIDsAffectingKey(tx, key)
		if err != nil {
			return nil, err
		}
		for _, id := range batchIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sortBatchIDs(ids)
	out := make([]*model.MutationBatch, 0, len(ids))
	for _, id := range ids {
		b, err := q.LookupBatch(tx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// RemoveBatch drops an acknowledged or rejected batch and its index
// entries. Removal happens front-first, so a dangling index entry
// always points at a batch that no longer exists and lookups tolerate
// that.
func (q *MutationQueue) RemoveBatch(tx Transaction, batch *model.MutationBatch) error {
	if err := tx.Delete(batchKey(q.uid, batch.BatchID)); err != nil {
		return err
	}
	for _, key := range batch.Keys().Sorted() {
		if err := tx.Delete(batchDocIndexKey(q.uid, key, batch.BatchID)); err != nil {
			return err
		}
	}
	return nil
}

func sortBatchIDs(ids []model.BatchID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
