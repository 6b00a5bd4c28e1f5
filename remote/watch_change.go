package remote

import (
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// WatchTargetChangeState is the server's declaration about a set of
// targets on the listen stream.
type WatchTargetChangeState byte

const (
	WatchTargetNoChange WatchTargetChangeState = iota
	WatchTargetAdded
	WatchTargetRemoved
	WatchTargetCurrent
	WatchTargetReset
)

// WatchChange is one frame of the listen stream, a closed union of
// document change, target change and existence filter.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange carries a new document revision and the targets
// it entered or left.
type DocumentWatchChange struct {
	UpdatedTargetIDs []query.TargetID
	RemovedTargetIDs []query.TargetID
	Key              model.DocumentKey
	// NewDocument is the revision, a no-document tombstone, or nil when
	// the change only removes the key from the listed targets.
	NewDocument *model.Document
}

// WatchTargetChange is a state transition for a set of targets. An
// empty TargetIDs slice addresses every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []query.TargetID
	ResumeToken []byte
	// ReadTime marks a consistent snapshot boundary on a global
	// no-change frame.
	ReadTime model.SnapshotVersion
	// Cause carries the server error for WatchTargetRemoved.
	Cause error
}

// ExistenceFilterWatchChange tells one target how many documents the
// server believes it contains, optionally with a bloom filter over the
// member document paths to reconcile the difference client-side.
type ExistenceFilterWatchChange struct {
	TargetID query.TargetID
	Count    int
	Filter   *BloomFilter
}

func (*DocumentWatchChange) isWatchChange()        {}
func (*WatchTargetChange) isWatchChange()          {}
func (*ExistenceFilterWatchChange) isWatchChange() {}
