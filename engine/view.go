package engine

import (
	"sort"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
)

// ChangeType classifies one document's transition between two
// snapshots of the same view.
type ChangeType int

const (
	ChangeRemoved ChangeType = iota
	ChangeAdded
	ChangeModified
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeRemoved:
		return "removed"
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	default:
		return "invalid"
	}
}

// DocumentViewChange is one entry of a snapshot's change list.
type DocumentViewChange struct {
	Doc  *model.Document
	Type ChangeType
}

// documentChangeSet collapses repeated changes to one document into
// the single transition an observer of only the endpoints would see.
type documentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

func newDocumentChangeSet() *documentChangeSet {
	return &documentChangeSet{changes: map[model.DocumentKey]DocumentViewChange{}}
}

func (s *documentChangeSet) track(change DocumentViewChange) {
	key := change.Doc.Key
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}
	switch {
	case change.Type != ChangeMetadata && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Doc: change.Doc, Type: old.Type}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = change
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Doc: change.Doc, Type: ChangeAdded}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Doc: old.Doc, Type: ChangeRemoved}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Doc: change.Doc, Type: ChangeModified}
	default:
		// any other pair means the two sides disagreed about presence
		panic("driftdb: unrecognized change sequence " + old.Type.String() + " then " + change.Type.String())
	}
}

// SyncState says whether a view has caught up with the server.
type SyncState int

const (
	SyncStateLocal SyncState = iota
	SyncStateSynced
)

// ViewSnapshot is one consistent picture of a query's results together
// with the delta from the previous picture.
type ViewSnapshot struct {
	Query            query.Query
	Documents        *DocumentSet
	OldDocuments     *DocumentSet
	Changes          []DocumentViewChange
	MutatedKeys      model.DocumentKeySet
	FromCache        bool
	SyncStateChanged bool
}

func (s *ViewSnapshot) HasPendingWrites() bool { return len(s.MutatedKeys) > 0 }

// LimboDocumentChange reports a key entering or leaving limbo for one
// view. Kind true means entered.
type LimboDocumentChange struct {
	Key   model.DocumentKey
	Added bool
}

// ViewChange is the outcome of applying changes to a view: an optional
// snapshot plus the limbo transitions the sync engine must act on.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// viewDocChanges is the intermediate product of diffing: the new
// document set before it is committed to the view.
type viewDocChanges struct {
	documentSet *DocumentSet
	changeSet   *documentChangeSet
	mutatedKeys model.DocumentKeySet
	// needsRefill means the diff may have evicted documents a limit
	// query should now backfill from the local store.
	needsRefill bool
}

// View materializes one query: the ordered result set, the keys the
// server has confirmed, and the keys currently in limbo.
type View struct {
	query query.Query
	// syncState is undefined until the first ApplyChanges, which always
	// raises a snapshot so new listeners get their initial result.
	syncState    SyncState
	stateDecided bool
	// current is the server's word that the view saw everything up to
	// the snapshot version.
	current     bool
	documentSet *DocumentSet
	// syncedDocuments mirrors the target's persisted remote membership.
	syncedDocuments model.DocumentKeySet
	limboDocuments model.DocumentKeySet
	mutatedKeys    model.DocumentKeySet
}

func NewView(q query.Query, remoteKeys model.DocumentKeySet) *View {
	v := &View{
		query:           q,
		syncedDocuments: remoteKeys.Clone(),
		limboDocuments:  model.DocumentKeySet{},
		mutatedKeys:     model.DocumentKeySet{},
	}
	v.documentSet = NewDocumentSet(func(a, b *model.Document) int { return v.query.Compare(a, b) })
	return v
}

func (v *View) SyncState() SyncState { return v.syncState }

// ComputeChanges diffs a set of changed documents against the view.
// The view itself is not modified; ApplyChanges commits the result.
// When previous is non-nil the diff continues an earlier refill pass
// so its tracked changes are not lost.
func (v *View) ComputeChanges(docChanges model.DocumentMap, previous *viewDocChanges) viewDocChanges {
	changeSet := newDocumentChangeSet()
	oldSet := v.documentSet
	mutatedKeys := v.mutatedKeys.Clone()
	if previous != nil {
		changeSet = previous.changeSet
		oldSet = previous.documentSet
		mutatedKeys = previous.mutatedKeys
	}
	newSet := oldSet.Clone()
	needsRefill := false

	// Track the documents at the limit boundary: a change sorting past
	// the boundary may promote a document the view never loaded, which
	// only a refill from the local store can surface.
	var lastInLimit, firstInLimit *model.Document
	if v.query.HasLimit() && v.query.LimitType == query.LimitToFirst && int64(oldSet.Len()) == v.query.Limit {
		lastInLimit = oldSet.Last()
	}
	if v.query.HasLimit() && v.query.LimitType == query.LimitToLast && int64(oldSet.Len()) == v.query.Limit {
		firstInLimit = oldSet.First()
	}

	for _, key := range docChanges.Keys().Sorted() {
		changed := docChanges[key]
		oldDoc := oldSet.Get(key)
		var newDoc *model.Document
		if v.query.Matches(changed) {
			newDoc = changed
		}
		oldHadPending := oldDoc != nil && mutatedKeys.Has(key)
		newHasPending := newDoc != nil && (newDoc.HasLocalMutations() ||
			// committed writes stay "pending" until the watch snapshot
			// that includes them arrives
			(oldHadPending && newDoc.HasCommittedMutations()))

		switch {
		case oldDoc != nil && newDoc != nil:
			if oldDoc.Data.Equal(newDoc.Data) {
				if oldHadPending != newHasPending {
					changeSet.track(DocumentViewChange{Doc: newDoc, Type: ChangeMetadata})
					newSet.Add(newDoc)
					setMutated(mutatedKeys, key, newHasPending)
				}
			} else if !v.shouldWaitForSyncedDocument(newDoc, oldDoc) {
				changeSet.track(DocumentViewChange{Doc: newDoc, Type: ChangeModified})
				newSet.Add(newDoc)
				setMutated(mutatedKeys, key, newHasPending)
				if lastInLimit != nil && v.query.Compare(newDoc, lastInLimit) > 0 {
					needsRefill = true
				}
				if firstInLimit != nil && v.query.Compare(newDoc, firstInLimit) < 0 {
					needsRefill = true
				}
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.track(DocumentViewChange{Doc: newDoc, Type: ChangeAdded})
			newSet.Add(newDoc)
			setMutated(mutatedKeys, key, newHasPending)
			if lastInLimit != nil && v.query.Compare(newDoc, lastInLimit) > 0 {
				needsRefill = true
			}
			if firstInLimit != nil && v.query.Compare(newDoc, firstInLimit) < 0 {
				needsRefill = true
			}
		case oldDoc != nil && newDoc == nil:
			changeSet.track(DocumentViewChange{Doc: oldDoc, Type: ChangeRemoved})
			newSet.Delete(key)
			mutatedKeys.Remove(key)
			// the evicted slot may now belong to a document outside
			// the loaded window
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}
	}

	if v.query.HasLimit() {
		for int64(newSet.Len()) > v.query.Limit {
			var evicted *model.Document
			if v.query.LimitType == query.LimitToFirst {
				evicted = newSet.Last()
			} else {
				evicted = newSet.First()
			}
			newSet.Delete(evicted.Key)
			mutatedKeys.Remove(evicted.Key)
			changeSet.track(DocumentViewChange{Doc: evicted, Type: ChangeRemoved})
		}
	}

	return viewDocChanges{
		documentSet: newSet,
		changeSet:   changeSet,
		mutatedKeys: mutatedKeys,
		needsRefill: needsRefill,
	}
}

func setMutated(keys model.DocumentKeySet, key model.DocumentKey, pending bool) {
	if pending {
		keys.Add(key)
	} else {
		keys.Remove(key)
	}
}

// shouldWaitForSyncedDocument suppresses the committed-write echo: the
// local overlay already showed this data, so re-raising it before the
// authoritative watch version arrives would clear hasPendingWrites too
// early.
func (v *View) shouldWaitForSyncedDocument(newDoc, oldDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits a computed diff, folds in the target change
// from the server if any, and produces the snapshot plus limbo
// transitions. Diffs with needsRefill set must be recomputed from a
// full query execution first.
func (v *View) ApplyChanges(changes viewDocChanges, updateLimbo bool, targetChange *remote.TargetChange) ViewChange {
	if changes.needsRefill {
		panic("driftdb: view diff applied without refill")
	}
	oldSet := v.documentSet
	v.documentSet = changes.documentSet
	v.mutatedKeys = changes.mutatedKeys

	list := make([]DocumentViewChange, 0, len(changes.changeSet.changes))
	for _, c := range changes.changeSet.changes {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Type != list[j].Type {
			return list[i].Type < list[j].Type
		}
		return v.query.Compare(list[i].Doc, list[j].Doc) < 0
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if updateLimbo {
		limboChanges = v.updateLimboDocuments()
	}
	newSyncState := SyncStateLocal
	if len(v.limboDocuments) == 0 && v.current {
		newSyncState = SyncStateSynced
	}
	syncStateChanged := !v.stateDecided || newSyncState != v.syncState
	v.syncState = newSyncState
	v.stateDecided = true

	if len(list) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	snap := &ViewSnapshot{
		Query:            v.query,
		Documents:        v.documentSet,
		OldDocuments:     oldSet,
		Changes:          list,
		MutatedKeys:      v.mutatedKeys.Clone(),
		FromCache:        newSyncState == SyncStateLocal,
		SyncStateChanged: syncStateChanged,
	}
	return ViewChange{Snapshot: snap, LimboChanges: limboChanges}
}

// ApplyOnlineStateChange downgrades the view to cache-backed when the
// client goes offline, so listeners stop waiting for a server that is
// not coming.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.OnlineStateOffline {
		v.current = false
		return v.ApplyChanges(viewDocChanges{
			documentSet: v.documentSet,
			changeSet:   newDocumentChangeSet(),
			mutatedKeys: v.mutatedKeys,
		}, false, nil)
	}
	return ViewChange{}
}

func (v *View) applyTargetChange(tc *remote.TargetChange) {
	if tc == nil {
		return
	}
	for key := range tc.AddedDocuments {
		v.syncedDocuments.Add(key)
	}
	for key := range tc.ModifiedDocuments {
		v.syncedDocuments.Add(key)
	}
	for key := range tc.RemovedDocuments {
		v.syncedDocuments.Remove(key)
	}
	v.current = tc.Current
}

// updateLimboDocuments recomputes the limbo set: documents the view
// shows without server confirmation while the view is current. Local
// mutations are exempt since the server has not seen them at all.
func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	oldLimbo := v.limboDocuments
	v.limboDocuments = model.DocumentKeySet{}
	for _, doc := range v.documentSet.Docs() {
		if v.shouldBeInLimbo(doc) {
			v.limboDocuments.Add(doc.Key)
		}
	}
	var changes []LimboDocumentChange
	for key := range oldLimbo {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboDocumentChange{Key: key, Added: false})
		}
	}
	for key := range v.limboDocuments {
		if !oldLimbo.Has(key) {
			changes = append(changes, LimboDocumentChange{Key: key, Added: true})
		}
	}
	return changes
}

func (v *View) shouldBeInLimbo(doc *model.Document) bool {
	if v.syncedDocuments.Has(doc.Key) {
		return false
	}
	return !doc.HasLocalMutations()
}

// SynthesizeCurrentChange builds the target change for a view that can
// trust its cached remote membership, so a freshly listened query goes
// Synced without waiting for a full server snapshot.
func SynthesizeCurrentChange(current bool, keys model.DocumentKeySet) *remote.TargetChange {
	tc := &remote.TargetChange{
		Current:           current,
		AddedDocuments:    keys.Clone(),
		ModifiedDocuments: model.DocumentKeySet{},
		RemovedDocuments:  model.DocumentKeySet{},
	}
	return tc
}
