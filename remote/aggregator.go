package remote

import (
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
)

// TargetMetadataProvider hands the aggregator the persisted side of a
// target: its last known membership and whether it is still listened
// to.
type TargetMetadataProvider interface {
	// RemoteKeysForTarget is the server-confirmed membership.
	RemoteKeysForTarget(id query.TargetID) model.DocumentKeySet
	// TargetDataForTarget is nil once the target was released.
	TargetDataForTarget(id query.TargetID) *query.TargetData
}

type documentChangeType byte

const (
	changeAdded documentChangeType = iota
	changeModified
	changeRemoved
)

// targetState accumulates one target's view of the stream between
// snapshots.
type targetState struct {
	// pendingResponses counts sent addTarget/removeTarget requests the
	// server has not answered; state is suspect until it reaches zero.
	pendingResponses int
	documentChanges  map[model.DocumentKey]documentChangeType
	current          bool
	resumeToken      []byte
	hasChanges       bool
}

func newTargetState() *targetState {
	return &targetState{documentChanges: map[model.DocumentKey]documentChangeType{}}
}

func (s *targetState) isPending() bool { return s.pendingResponses > 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) markCurrent() {
	s.hasChanges = true
	s.current = true
}

func (s *targetState) reset() {
	s.hasChanges = true
	s.current = false
	s.resumeToken = nil
	s.documentChanges = map[model.DocumentKey]documentChangeType{}
}

func (s *targetState) recordChange(key model.DocumentKey, change documentChangeType) {
	s.hasChanges = true
	s.documentChanges[key] = change
}

func (s *targetState) clearPending() {
	s.hasChanges = false
	s.documentChanges = map[model.DocumentKey]documentChangeType{}
}

func (s *targetState) toTargetChange() *TargetChange {
	tc := newTargetChange()
	tc.Current = s.current
	tc.ResumeToken = s.resumeToken
	for key, change := range s.documentChanges {
		switch change {
		case changeAdded:
			tc.AddedDocuments.Add(key)
		case changeModified:
			tc.ModifiedDocuments.Add(key)
		case changeRemoved:
			tc.RemovedDocuments.Add(key)
		}
	}
	return tc
}

// WatchChangeAggregator folds raw listen-stream frames into
// RemoteEvents: consistent snapshots cut at each server version
// boundary.
type WatchChangeAggregator struct {
	log      utils.Logger
	provider TargetMetadataProvider

	targetStates    map[query.TargetID]*targetState
	documentUpdates model.DocumentMap
	// documentTargetMap remembers which targets saw each pending
	// update, to tell limbo answers from ordinary ones.
	documentTargetMap map[model.DocumentKey]map[query.TargetID]bool
	targetMismatches  map[query.TargetID]query.TargetPurpose
}

func NewWatchChangeAggregator(provider TargetMetadataProvider, log utils.Logger) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		log:               log,
		provider:          provider,
		targetStates:      map[query.TargetID]*targetState{},
		documentUpdates:   model.DocumentMap{},
		documentTargetMap: map[model.DocumentKey]map[query.TargetID]bool{},
		targetMismatches:  map[query.TargetID]query.TargetPurpose{},
	}
}

func (a *WatchChangeAggregator) state(id query.TargetID) *targetState {
	s, ok := a.targetStates[id]
	if !ok {
		s = newTargetState()
		a.targetStates[id] = s
	}
	return s
}

// isActiveTarget: still listened to and with no unanswered target
// requests in flight.
func (a *WatchChangeAggregator) isActiveTarget(id query.TargetID) bool {
	if s, ok := a.targetStates[id]; ok && s.isPending() {
		return false
	}
	return a.provider.TargetDataForTarget(id) != nil
}

// RecordPendingTargetRequest notes an addTarget or removeTarget sent
// upstream; frames for that target are ignored until the server
// answers, since they may belong to the previous incarnation.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id query.TargetID) {
	a.state(id).pendingResponses++
}

func (a *WatchChangeAggregator) HandleDocumentChange(dc *DocumentWatchChange) {
	for _, id := range dc.UpdatedTargetIDs {
		if !a.isActiveTarget(id) {
			continue
		}
		if dc.NewDocument != nil {
			a.addDocumentToTarget(id, dc.NewDocument)
		}
	}
	for _, id := range dc.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, dc.Key, dc.NewDocument)
	}
}

func (a *WatchChangeAggregator) HandleTargetChange(tc *WatchTargetChange) {
	for _, id := range a.addressedTargets(tc) {
		s := a.state(id)
		switch tc.State {
		case WatchTargetNoChange:
			if a.isActiveTarget(id) {
				s.updateResumeToken(tc.ResumeToken)
			}
		case WatchTargetAdded:
			// answers our addTarget; earlier frames for the previous
			// incarnation were dropped while pending
			s.pendingResponses--
			if !s.isPending() {
				s.clearPending()
			}
			s.updateResumeToken(tc.ResumeToken)
		case WatchTargetRemoved:
			// answers our removeTarget; an unsolicited removal carries
			// a cause and is surfaced by the stream listener
			s.pendingResponses--
			if !s.isPending() {
				delete(a.targetStates, id)
			}
		case WatchTargetCurrent:
			if a.isActiveTarget(id) {
				s.markCurrent()
				s.updateResumeToken(tc.ResumeToken)
			}
		case WatchTargetReset:
			if a.isActiveTarget(id) {
				a.resetTarget(id)
				s.updateResumeToken(tc.ResumeToken)
			}
		}
	}
}

// addressedTargets resolves an empty target list to every known
// active target.
func (a *WatchChangeAggregator) addressedTargets(tc *WatchTargetChange) []query.TargetID {
	if len(tc.TargetIDs) > 0 {
		return tc.TargetIDs
	}
	var out []query.TargetID
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			out = append(out, id)
		}
	}
	return out
}

// HandleExistenceFilter reconciles the server's member count with the
// local membership. With a bloom filter the mismatch is usually
// repaired in place by dropping the keys the filter rules out; without
// one, or when the repair still disagrees, the target resets and gets
// re-fetched from scratch.
func (a *WatchChangeAggregator) HandleExistenceFilter(efc *ExistenceFilterWatchChange) {
	id := efc.TargetID
	if !a.isActiveTarget(id) {
		return
	}
	td := a.provider.TargetDataForTarget(id)
	if td.Target.IsDocumentTarget() {
		if efc.Count == 0 {
			// the single document was deleted while we were not looking
			key := model.NewDocumentKey(td.Target.Path)
			a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.VersionZero))
		}
		return
	}
	currentSize := a.currentTargetSize(id)
	if currentSize == efc.Count {
		return
	}
	if efc.Filter != nil {
		removed := a.filterRemovedDocuments(id, efc.Filter)
		if a.currentTargetSize(id) == efc.Count {
			a.log.Debug("existence filter repaired by bloom filter",
				"target", int32(id), "removed", removed)
			return
		}
	}
	a.log.Warn("existence filter mismatch, resetting target",
		"target", int32(id), "local", currentSize, "server", efc.Count)
	a.resetTarget(id)
	a.targetMismatches[id] = query.PurposeExistenceFilterMismatch
}

func (a *WatchChangeAggregator) currentTargetSize(id query.TargetID) int {
	keys := a.provider.RemoteKeysForTarget(id).Clone()
	if s, ok := a.targetStates[id]; ok {
		for key, change := range s.documentChanges {
			switch change {
			case changeAdded, changeModified:
				keys.Add(key)
			case changeRemoved:
				keys.Remove(key)
			}
		}
	}
	return len(keys)
}

func (a *WatchChangeAggregator) filterRemovedDocuments(id query.TargetID, filter *BloomFilter) int {
	removed := 0
	for key := range a.provider.RemoteKeysForTarget(id) {
		if !filter.MightContain(key.String()) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
	}
	return removed
}

func (a *WatchChangeAggregator) addDocumentToTarget(id query.TargetID, doc *model.Document) {
	change := changeAdded
	if a.provider.RemoteKeysForTarget(id).Has(doc.Key) {
		change = changeModified
	}
	a.state(id).recordChange(doc.Key, change)
	a.documentUpdates[doc.Key] = doc
	a.targetsForDocument(doc.Key)[id] = true
}

func (a *WatchChangeAggregator) removeDocumentFromTarget(id query.TargetID, key model.DocumentKey, doc *model.Document) {
	if !a.isActiveTarget(id) {
		return
	}
	a.state(id).recordChange(key, changeRemoved)
	delete(a.targetsForDocument(key), id)
	if doc != nil {
		a.documentUpdates[key] = doc
	}
}

func (a *WatchChangeAggregator) targetsForDocument(key model.DocumentKey) map[query.TargetID]bool {
	m, ok := a.documentTargetMap[key]
	if !ok {
		m = map[query.TargetID]bool{}
		a.documentTargetMap[key] = m
	}
	return m
}

func (a *WatchChangeAggregator) resetTarget(id query.TargetID) {
	s := a.state(id)
	s.reset()
	// the reset implies every previously known member left
	for key := range a.provider.RemoteKeysForTarget(id) {
		s.recordChange(key, changeRemoved)
	}
}

// RemoveTarget drops the local accumulation for a released target.
func (a *WatchChangeAggregator) RemoveTarget(id query.TargetID) {
	delete(a.targetStates, id)
}

// CreateRemoteEvent cuts the snapshot at snapshotVersion: every target
// whose state settled contributes its change, limbo document targets
// that came up current and empty resolve to authoritative deletes, and
// the accumulated state is cleared for the next snapshot.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *RemoteEvent {
	targetChanges := map[query.TargetID]*TargetChange{}
	resolvedLimbo := model.DocumentKeySet{}

	for id, s := range a.targetStates {
		if s.isPending() || !a.isActiveTarget(id) {
			continue
		}
		td := a.provider.TargetDataForTarget(id)
		if s.current && td.Target.IsDocumentTarget() {
			// a current single-document target with no member means the
			// document does not exist
			key := model.NewDocumentKey(td.Target.Path)
			if a.documentUpdates[key] == nil && !a.targetsForDocument(key)[id] && !a.provider.RemoteKeysForTarget(id).Has(key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if s.hasChanges {
			targetChanges[id] = s.toTargetChange()
			s.clearPending()
		}
	}

	for key, targets := range a.documentTargetMap {
		if a.documentUpdates[key] == nil {
			continue
		}
		onlyLimbo := len(targets) > 0
		for id := range targets {
			td := a.provider.TargetDataForTarget(id)
			if td != nil && td.Purpose != query.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimbo.Add(key)
		}
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.targetMismatches,
		DocumentUpdates:        a.documentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}
	a.documentUpdates = model.DocumentMap{}
	a.documentTargetMap = map[model.DocumentKey]map[query.TargetID]bool{}
	a.targetMismatches = map[query.TargetID]query.TargetPurpose{}
	return event
}
