package model

import "fmt"

// DocumentType distinguishes what the cache knows about a key.
type DocumentType byte

const (
	// InvalidDocument means no snapshot, local or remote, is known.
	InvalidDocument DocumentType = iota
	FoundDocument
	// NoDocument is an authoritative "does not exist".
	NoDocument
	// UnknownDocument exists at some version but its contents are not
	// known, e.g. after a patch was committed blind.
	UnknownDocument
)

// DocumentState tracks pending local writes against the document.
type DocumentState byte

const (
	DocumentSynced DocumentState = iota
	DocumentHasLocalMutations
	DocumentHasCommittedMutations
)

// Document is the mutable cache representation of one document.
// Instances are mutated only within a single view computation; callers
// Clone before carrying one across that boundary.
type Document struct {
	Key        DocumentKey
	DocType    DocumentType
	Version    SnapshotVersion
	ReadTime   SnapshotVersion
	CreateTime SnapshotVersion
	Data       ObjectValue
	State      DocumentState
}

// NewInvalidDocument describes a key about which nothing is known.
func NewInvalidDocument(key DocumentKey) *Document {
	return &Document{Key: key}
}

func NewFoundDocument(key DocumentKey, version, createTime SnapshotVersion, data ObjectValue) *Document {
	return &Document{
		Key:        key,
		DocType:    FoundDocument,
		Version:    version,
		CreateTime: createTime,
		Data:       data,
	}
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return &Document{Key: key, DocType: NoDocument, Version: version}
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *Document {
	return &Document{
		Key:     key,
		DocType: UnknownDocument,
		Version: version,
		State:   DocumentHasCommittedMutations,
	}
}

func (d *Document) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *Document {
	// preserve createTime across local set→set; a first-time create
	// adopts the commit version
	if d.CreateTime.IsZero() || d.DocType == NoDocument {
		d.CreateTime = version
	}
	d.DocType = FoundDocument
	d.Version = version
	d.Data = data
	d.State = DocumentSynced
	return d
}

func (d *Document) ConvertToNoDocument(version SnapshotVersion) *Document {
	d.DocType = NoDocument
	d.Version = version
	d.CreateTime = VersionZero
	d.Data = ObjectValue{}
	d.State = DocumentSynced
	return d
}

func (d *Document) ConvertToUnknownDocument(version SnapshotVersion) *Document {
	d.DocType = UnknownDocument
	d.Version = version
	d.CreateTime = VersionZero
	d.Data = ObjectValue{}
	d.State = DocumentHasCommittedMutations
	return d
}

// SetHasLocalMutations also zeroes the version: a locally mutated
// document's true server version is not yet known.
func (d *Document) SetHasLocalMutations() *Document {
	d.State = DocumentHasLocalMutations
	d.Version = VersionZero
	return d
}

func (d *Document) SetHasCommittedMutations() *Document {
	d.State = DocumentHasCommittedMutations
	return d
}

func (d *Document) SetReadTime(readTime SnapshotVersion) *Document {
	d.ReadTime = readTime
	return d
}

func (d *Document) IsValidDocument() bool   { return d.DocType != InvalidDocument }
func (d *Document) IsFoundDocument() bool   { return d.DocType == FoundDocument }
func (d *Document) IsNoDocument() bool      { return d.DocType == NoDocument }
func (d *Document) IsUnknownDocument() bool { return d.DocType == UnknownDocument }

func (d *Document) HasLocalMutations() bool {
	return d.State == DocumentHasLocalMutations
}

func (d *Document) HasCommittedMutations() bool {
	return d.State == DocumentHasCommittedMutations
}

func (d *Document) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

func (d *Document) Field(path FieldPath) *Value {
	return d.Data.Field(path)
}

func (d *Document) Clone() *Document {
	out := *d
	out.Data = d.Data.Clone()
	return &out
}

func (d *Document) Equal(other *Document) bool {
	return d.Key == other.Key &&
		d.DocType == other.DocType &&
		d.State == other.State &&
		d.Version == other.Version &&
		d.Data.Equal(other.Data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, type=%d, version=%s, state=%d)",
		d.Key, d.DocType, d.Version, d.State)
}

// DocumentMap maps keys to document snapshots.
type DocumentMap map[DocumentKey]*Document

func (m DocumentMap) Clone() DocumentMap {
	out := make(DocumentMap, len(m))
	for k, d := range m {
		out[k] = d.Clone()
	}
	return out
}

// Keys returns the map's key set.
func (m DocumentMap) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}
