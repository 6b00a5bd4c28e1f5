package local

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
	"github.com/driftdb/driftdb/utils"
)

// LocalStore owns every read and write against persistence. All state
// transitions — user writes, batch acknowledgments, remote snapshots,
// target allocation — run through it inside a single transaction each,
// so observers never see a half-applied step.
type LocalStore struct {
	log         utils.Logger
	persistence Persistence
	clock       model.Clock

	targetCache *TargetCache
	remoteDocs  *RemoteDocumentCache
	queue       *MutationQueue
	overlays    *DocumentOverlayCache
	view        *LocalDocumentsView
	engine      *QueryEngine

	// allocated targets, by id and by canonical target id
	targetsByID map[query.TargetID]*query.TargetData
}

func NewLocalStore(persistence Persistence, uid string, clock model.Clock, log utils.Logger) *LocalStore {
	s := &LocalStore{
		log:         log,
		persistence: persistence,
		clock:       clock,
		targetCache: NewTargetCache(),
		remoteDocs:  NewRemoteDocumentCache(),
		targetsByID: map[query.TargetID]*query.TargetData{},
	}
	s.setUser(uid)
	return s
}

func (s *LocalStore) setUser(uid string) {
	s.queue = NewMutationQueue(uid)
	s.overlays = NewDocumentOverlayCache(uid)
	s.view = NewLocalDocumentsView(s.remoteDocs, s.queue, s.overlays)
	s.engine = NewQueryEngine(s.view)
}

// HandleUserChange swaps the active mutation queue and reports the
// local views that may have changed: everything either user's queue
// touches.
func (s *LocalStore) HandleUserChange(uid string) (model.DocumentMap, error) {
	oldQueue := s.queue
	s.setUser(uid)
	return RunWith(s.persistence, "handle user change", ReadOnly, func(tx Transaction) (model.DocumentMap, error) {
		affected := model.DocumentKeySet{}
		for _, q := range []*MutationQueue{oldQueue, s.queue} {
			batches, err := q.AllBatches(tx)
			if err != nil {
				return nil, err
			}
			for _, b := range batches {
				for key := range b.Keys() {
					affected.Add(key)
				}
			}
		}
		return s.view.GetDocuments(tx, affected.Sorted())
	})
}

// WriteResult is the outcome of a local write: the assigned batch and
// the new local views of the touched documents.
type WriteResult struct {
	BatchID model.BatchID
	Changes model.DocumentMap
}

// WriteLocally queues a batch, saves the condensed overlays and
// returns the updated local views. Base mutations capture the numeric
// values increments were computed against, so replaying the batch over
// refreshed remote state keeps the value the user observed.
func (s *LocalStore) WriteLocally(mutations []model.Mutation) (WriteResult, error) {
	localWriteTime := s.clock.Now()
	keys := model.DocumentKeySet{}
	for _, m := range mutations {
		keys.Add(m.Key)
	}
	return RunWith(s.persistence, "locally write mutations", ReadWrite, func(tx Transaction) (WriteResult, error) {
		docs, previousMasks, withoutRemote, err := s.view.GetOverlayedDocuments(tx, keys.Sorted())
		if err != nil {
			return WriteResult{}, err
		}
		base := baseMutations(mutations, docs)
		batch, err := s.queue.AddBatch(tx, localWriteTime, base, mutations)
		if err != nil {
			return WriteResult{}, err
		}
		masks := batch.ApplyToLocalDocumentSet(docs, previousMasks, withoutRemote)
		overlays := map[model.DocumentKey]*model.Mutation{}
		for key, mask := range masks {
			overlays[key] = model.CalculateOverlayMutation(docs[key], mask)
		}
		if err := s.overlays.SaveOverlays(tx, batch.BatchID, overlays); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{BatchID: batch.BatchID, Changes: docs}, nil
	})
}

// baseMutations records pre-transform numeric state for increment
// transforms. Other transform kinds are idempotent against remote
// state and need no base.
func baseMutations(mutations []model.Mutation, docs model.DocumentMap) []model.Mutation {
	var out []model.Mutation
	for _, m := range mutations {
		baseObject := model.NewObjectValue(nil)
		var paths []model.FieldPath
		for _, t := range m.Transforms {
			if t.Kind != model.TransformIncrement {
				continue
			}
			var baseValue model.Value
			if doc := docs[m.Key]; doc != nil && doc.IsFoundDocument() {
				if existing := doc.Data.Field(t.Field); existing != nil && existing.IsNumber() {
					baseValue = *existing
				}
			}
			if baseValue.Kind != model.IntegerKind && baseValue.Kind != model.DoubleKind {
				baseValue = model.IntegerValue(0)
			}
			baseObject.Set(t.Field, baseValue)
			paths = append(paths, t.Field)
		}
		if len(paths) > 0 {
			out = append(out, model.NewPatchMutation(m.Key, baseObject, model.NewFieldMask(paths...), model.PreconditionExists(true)))
		}
	}
	return out
}

// AcknowledgeBatch folds a server-committed batch into the remote
// document cache, drops it from the queue and returns the refreshed
// local views of its documents.
func (s *LocalStore) AcknowledgeBatch(result *model.MutationBatchResult) (model.DocumentMap, error) {
	return RunWith(s.persistence, "acknowledge batch", PrimaryLeaseReadWrite, func(tx Transaction) (model.DocumentMap, error) {
		batch, err := s.queue.LookupBatch(tx, result.Batch.BatchID)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("driftdb: acknowledged batch %d not in queue", result.Batch.BatchID)
		}
		if err := s.applyBatchToRemoteDocuments(tx, batch, result); err != nil {
			return nil, err
		}
		if err := s.queue.RemoveBatch(tx, batch); err != nil {
			return nil, err
		}
		return s.rebuildOverlays(tx, batch)
	})
}

// RejectBatch drops a server-rejected batch without touching the
// remote document cache and returns the reverted local views.
func (s *LocalStore) RejectBatch(batchID model.BatchID) (model.DocumentMap, error) {
	return RunWith(s.persistence, "reject batch", PrimaryLeaseReadWrite, func(tx Transaction) (model.DocumentMap, error) {
		batch, err := s.queue.LookupBatch(tx, batchID)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("driftdb: rejected batch %d not in queue", batchID)
		}
		if err := s.queue.RemoveBatch(tx, batch); err != nil {
			return nil, err
		}
		return s.rebuildOverlays(tx, batch)
	})
}

func (s *LocalStore) applyBatchToRemoteDocuments(tx Transaction, batch *model.MutationBatch, result *model.MutationBatchResult) error {
	for i, m := range batch.Mutations {
		doc, err := s.remoteDocs.Get(tx, m.Key)
		if err != nil {
			return err
		}
		ackVersion := result.MutationResults[i].Version
		if doc.Version.Compare(ackVersion) >= 0 {
			// a listen snapshot got here first
			continue
		}
		m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		if err := s.remoteDocs.Add(tx, doc, result.CommitVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStore) rebuildOverlays(tx Transaction, batch *model.MutationBatch) (model.DocumentMap, error) {
	affected, err := s.overlays.RemoveOverlaysForBatchID(tx, batch.BatchID)
	if err != nil {
		return nil, err
	}
	affected = affected.Union(batch.Keys())
	baseDocs, err := s.remoteDocs.GetAll(tx, affected.Sorted())
	if err != nil {
		return nil, err
	}
	if err := s.view.RecalculateAndSaveOverlays(tx, baseDocs); err != nil {
		return nil, err
	}
	return s.view.GetDocuments(tx, affected.Sorted())
}

// ApplyRemoteEvent folds one aggregated snapshot into persistence:
// target memberships and resume tokens, document revisions under the
// version non-regression rule, and the global snapshot watermark.
func (s *LocalStore) ApplyRemoteEvent(event *remote.RemoteEvent) (model.DocumentMap, error) {
	return RunWith(s.persistence, "apply remote event", PrimaryLeaseReadWrite, func(tx Transaction) (model.DocumentMap, error) {
		for targetID, change := range event.TargetChanges {
			td, ok := s.targetsByID[targetID]
			if !ok {
				continue // released while the snapshot was in flight
			}
			if err := s.targetCache.RemoveMatchingKeys(tx, change.RemovedDocuments.Sorted(), targetID); err != nil {
				return nil, err
			}
			added := change.AddedDocuments.Union(change.ModifiedDocuments)
			if err := s.targetCache.AddMatchingKeys(tx, added.Sorted(), targetID); err != nil {
				return nil, err
			}
			if len(change.ResumeToken) > 0 {
				updated := td.WithResumeToken(change.ResumeToken, event.SnapshotVersion)
				s.targetsByID[targetID] = updated
				if err := s.targetCache.UpdateTargetData(tx, updated); err != nil {
					return nil, err
				}
			}
		}

		for targetID := range event.TargetMismatches {
			td, ok := s.targetsByID[targetID]
			if !ok {
				continue
			}
			// the server contradicted the local membership; drop it and
			// the resume token so the re-listen starts from scratch
			if err := s.targetCache.RemoveMatchingKeysForTarget(tx, targetID); err != nil {
				return nil, err
			}
			updated := td.WithResumeToken(nil, model.VersionZero)
			s.targetsByID[targetID] = updated
			if err := s.targetCache.UpdateTargetData(tx, updated); err != nil {
				return nil, err
			}
		}

		changed := model.DocumentMap{}
		for key, doc := range event.DocumentUpdates {
			// a no-document at version zero is manufactured from a
			// rejected limbo lookup: we lost access, drop the cached copy
			if !doc.IsFoundDocument() && doc.Version.IsZero() {
				if err := s.remoteDocs.Remove(tx, key); err != nil {
					return nil, err
				}
				changed[key] = doc
				continue
			}
			existing, err := s.remoteDocs.Get(tx, key)
			if err != nil {
				return nil, err
			}
			if !s.shouldApplyDocument(existing, doc) {
				s.log.Debug("ignoring stale document update",
					"key", key.String(), "cached", existing.Version.String(), "received", doc.Version.String())
				continue
			}
			if err := s.remoteDocs.Add(tx, doc, event.SnapshotVersion); err != nil {
				return nil, err
			}
			changed[key] = doc
		}

		if !event.SnapshotVersion.IsZero() {
			last, err := s.targetCache.LastRemoteSnapshotVersion(tx)
			if err != nil {
				return nil, err
			}
			if event.SnapshotVersion.Compare(last) > 0 {
				if err := s.targetCache.SetLastRemoteSnapshotVersion(tx, event.SnapshotVersion); err != nil {
					return nil, err
				}
			}
		}
		return s.view.GetLocalViewOfDocuments(tx, changed)
	})
}

// shouldApplyDocument enforces version non-regression. An equal
// version still applies when the cached revision only reflects an
// acknowledged write, since the listen snapshot is the fuller record.
func (s *LocalStore) shouldApplyDocument(existing, incoming *model.Document) bool {
	if !existing.IsValidDocument() {
		return true
	}
	c := incoming.Version.Compare(existing.Version)
	if c != 0 {
		return c > 0
	}
	return existing.State == model.DocumentHasCommittedMutations
}

// AllocateTarget hands out target data for a target, reusing the
// persisted allocation when the same canonical target was listened to
// before so its resume token survives restarts.
func (s *LocalStore) AllocateTarget(target *query.Target, purpose query.TargetPurpose) (*query.TargetData, error) {
	return RunWith(s.persistence, "allocate target", ReadWrite, func(tx Transaction) (*query.TargetData, error) {
		existing, err := s.targetCache.GetTargetData(tx, target)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.targetsByID[existing.TargetID] = existing
			return existing, nil
		}
		id, err := s.targetCache.AllocateTargetID(tx)
		if err != nil {
			return nil, err
		}
		seq, err := s.targetCache.HighestSequenceNumber(tx)
		if err != nil {
			return nil, err
		}
		td := query.NewTargetData(target, id, purpose, seq+1)
		if err := s.targetCache.AddTargetData(tx, td); err != nil {
			return nil, err
		}
		s.targetsByID[id] = td
		return td, nil
	})
}

// ReleaseTarget ends the active listen. The persisted target survives
// for garbage collection so a later listen resumes from its token.
func (s *LocalStore) ReleaseTarget(id query.TargetID) {
	delete(s.targetsByID, id)
}

// TargetData returns the active allocation, nil when released.
func (s *LocalStore) TargetData(id query.TargetID) *query.TargetData {
	return s.targetsByID[id]
}

// QueryResult pairs executed query results with the persisted remote
// membership the view layer diffs against.
type QueryResult struct {
	Documents  model.DocumentMap
	RemoteKeys model.DocumentKeySet
}

// ExecuteQuery runs a query against the local view. usePreviousResults
// lets the engine bound the scan by the target's previous membership
// and last limbo-free snapshot.
func (s *LocalStore) ExecuteQuery(q query.Query, usePreviousResults bool) (QueryResult, error) {
	return RunWith(s.persistence, "execute query", ReadOnly, func(tx Transaction) (QueryResult, error) {
		target := q.ToTarget()
		lastLimboFree := model.VersionZero
		remoteKeys := model.DocumentKeySet{}
		td, err := s.targetCache.GetTargetData(tx, target)
		if err != nil {
			return QueryResult{}, err
		}
		if td != nil {
			if usePreviousResults {
				lastLimboFree = td.LastLimboFreeSnapshotVersion
			}
			remoteKeys, err = s.targetCache.MatchingKeys(tx, td.TargetID)
			if err != nil {
				return QueryResult{}, err
			}
		}
		docs, err := s.engine.ExecuteQuery(tx, q, lastLimboFree, remoteKeys, 0)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Documents: docs, RemoteKeys: remoteKeys}, nil
	})
}

// LocalViewChange reports a materialized view update back to the
// store, which advances the target's limbo-free watermark.
type LocalViewChange struct {
	TargetID  query.TargetID
	FromCache bool
}

func (s *LocalStore) NotifyLocalViewChanges(changes []LocalViewChange) error {
	return s.persistence.Run("notify local view changes", ReadWrite, func(tx Transaction) error {
		for _, change := range changes {
			td, ok := s.targetsByID[change.TargetID]
			if !ok || change.FromCache {
				continue
			}
			last, err := s.targetCache.LastRemoteSnapshotVersion(tx)
			if err != nil {
				return err
			}
			updated := td.WithLastLimboFreeSnapshotVersion(last)
			s.targetsByID[change.TargetID] = updated
			if err := s.targetCache.UpdateTargetData(tx, updated); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) ReadDocument(key model.DocumentKey) (*model.Document, error) {
	return RunWith(s.persistence, "read document", ReadOnly, func(tx Transaction) (*model.Document, error) {
		return s.view.GetDocument(tx, key)
	})
}

// NextMutationBatch returns the oldest queued batch after the given
// id, nil when the queue is drained past it.
func (s *LocalStore) NextMutationBatch(after model.BatchID) (*model.MutationBatch, error) {
	return RunWith(s.persistence, "next mutation batch", ReadOnly, func(tx Transaction) (*model.MutationBatch, error) {
		return s.queue.NextBatchAfter(tx, after)
	})
}

// HighestUnacknowledgedBatchID reports the newest batch still queued,
// or zero when no writes are pending.
func (s *LocalStore) HighestUnacknowledgedBatchID() (model.BatchID, error) {
	return RunWith(s.persistence, "highest unacknowledged batch", ReadOnly, func(tx Transaction) (model.BatchID, error) {
		batches, err := s.queue.AllBatches(tx)
		if err != nil || len(batches) == 0 {
			return 0, err
		}
		return batches[len(batches)-1].BatchID, nil
	})
}

// RemoteDocumentKeys reports the persisted server-side membership of a
// target, the baseline new listen snapshots diff against.
func (s *LocalStore) RemoteDocumentKeys(id query.TargetID) (model.DocumentKeySet, error) {
	return RunWith(s.persistence, "remote document keys", ReadOnly, func(tx Transaction) (model.DocumentKeySet, error) {
		return s.targetCache.MatchingKeys(tx, id)
	})
}

// GetLastStreamToken returns the write stream resume token persisted
// after the last acknowledged write, nil when none was saved yet.
func (s *LocalStore) GetLastStreamToken() ([]byte, error) {
	return RunWith(s.persistence, "get last stream token", ReadOnly, func(tx Transaction) ([]byte, error) {
		v, err := tx.Get(globalKey(globalLastStreamToken))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return v, nil
	})
}

func (s *LocalStore) SetLastStreamToken(token []byte) error {
	return s.persistence.Run("set last stream token", ReadWrite, func(tx Transaction) error {
		if len(token) == 0 {
			return tx.Delete(globalKey(globalLastStreamToken))
		}
		return tx.Set(globalKey(globalLastStreamToken), token)
	})
}

func (s *LocalStore) LastRemoteSnapshotVersion() (model.SnapshotVersion, error) {
	return RunWith(s.persistence, "last remote snapshot", ReadOnly, func(tx Transaction) (model.SnapshotVersion, error) {
		return s.targetCache.LastRemoteSnapshotVersion(tx)
	})
}
