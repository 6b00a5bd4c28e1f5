package query

import "github.com/driftdb/driftdb/model"

// TargetID is a locally assigned listen target identifier. Ids are a
// bijection with their Target while active; an id is reused only after
// explicit release.
type TargetID int32

// TargetPurpose says why a target is being listened to.
type TargetPurpose byte

const (
	// PurposeListen is an ordinary client-issued listen.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-fetches a target whose
	// existence filter contradicted the local cache.
	PurposeExistenceFilterMismatch
	// PurposeLimboResolution is a single-document listen resolving a
	// limbo document.
	PurposeLimboResolution
)

// TargetData is the persisted metadata for one server-side listen
// target.
type TargetData struct {
	Target          *Target
	TargetID        TargetID
	Purpose         TargetPurpose
	SequenceNumber  int64
	SnapshotVersion model.SnapshotVersion
	// ResumeToken is the opaque server cursor letting the stream resume
	// without a full re-query.
	ResumeToken []byte
	// LastLimboFreeSnapshotVersion is the last consistent snapshot at
	// which the target had no outstanding limbo documents; cached query
	// execution may trust results up to this version.
	LastLimboFreeSnapshotVersion model.SnapshotVersion
}

func NewTargetData(target *Target, targetID TargetID, purpose TargetPurpose, sequenceNumber int64) *TargetData {
	return &TargetData{
		Target:         target,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
	}
}

func (d *TargetData) WithSequenceNumber(sequenceNumber int64) *TargetData {
	out := *d
	out.SequenceNumber = sequenceNumber
	return &out
}

func (d *TargetData) WithResumeToken(resumeToken []byte, snapshotVersion model.SnapshotVersion) *TargetData {
	out := *d
	out.ResumeToken = resumeToken
	out.SnapshotVersion = snapshotVersion
	return &out
}

func (d *TargetData) WithLastLimboFreeSnapshotVersion(version model.SnapshotVersion) *TargetData {
	out := *d
	out.LastLimboFreeSnapshotVersion = version
	return &out
}
