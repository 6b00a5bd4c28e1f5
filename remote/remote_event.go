// Package remote talks to the backend: the listen and write streams,
// the watch-change aggregator turning raw stream frames into coherent
// remote events, and the RemoteStore orchestrating both under
// connectivity and credential changes.
package remote

import (
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// TargetChange summarizes what one snapshot did to one target.
type TargetChange struct {
	// ResumeToken lets the target resume from this snapshot instead of
	// re-running the whole query.
	ResumeToken []byte
	// Current means the server declared the target caught up with the
	// snapshot version of the enclosing event.
	Current bool
	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

func newTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.DocumentKeySet{},
		ModifiedDocuments: model.DocumentKeySet{},
		RemovedDocuments:  model.DocumentKeySet{},
	}
}

// HasPendingChanges reports whether the change carries anything beyond
// a resume token bump.
func (tc *TargetChange) HasPendingChanges() bool {
	return len(tc.AddedDocuments) > 0 || len(tc.ModifiedDocuments) > 0 || len(tc.RemovedDocuments) > 0
}

// RemoteEvent is one consistent snapshot aggregated from the listen
// stream, ready to fold into the local store.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	// TargetChanges maps each affected allocated target to its change.
	TargetChanges map[query.TargetID]*TargetChange
	// TargetMismatches lists targets whose existence filter
	// contradicted the local cache; their contents must be re-fetched
	// from scratch under the recorded purpose.
	TargetMismatches map[query.TargetID]query.TargetPurpose
	// DocumentUpdates holds the latest revision of every document the
	// snapshot touched.
	DocumentUpdates model.DocumentMap
	// ResolvedLimboDocuments are limbo documents the snapshot gave an
	// authoritative answer for.
	ResolvedLimboDocuments model.DocumentKeySet
}
