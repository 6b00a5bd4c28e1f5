package remote

import (
	"testing"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetadataProvider struct {
	targets    map[query.TargetID]*query.TargetData
	remoteKeys map[query.TargetID]model.DocumentKeySet
}

func newFakeMetadataProvider() *fakeMetadataProvider {
	return &fakeMetadataProvider{
		targets:    map[query.TargetID]*query.TargetData{},
		remoteKeys: map[query.TargetID]model.DocumentKeySet{},
	}
}

func (p *fakeMetadataProvider) addTarget(id query.TargetID, q query.Query) {
	p.targets[id] = query.NewTargetData(q.ToTarget(), id, query.PurposeListen, 1)
}

func (p *fakeMetadataProvider) addLimboTarget(id query.TargetID, key model.DocumentKey) {
	q := query.NewQuery(key.Path())
	p.targets[id] = query.NewTargetData(q.ToTarget(), id, query.PurposeLimboResolution, 1)
}

func (p *fakeMetadataProvider) RemoteKeysForTarget(id query.TargetID) model.DocumentKeySet {
	if keys, ok := p.remoteKeys[id]; ok {
		return keys
	}
	return model.DocumentKeySet{}
}

func (p *fakeMetadataProvider) TargetDataForTarget(id query.TargetID) *query.TargetData {
	return p.targets[id]
}

func testAggregator(p *fakeMetadataProvider) *WatchChangeAggregator {
	return NewWatchChangeAggregator(p, utils.NewDefaultLogger(-4))
}

func foundDoc(path string, at int64) *model.Document {
	v := model.SnapshotVersion(model.Timestamp{Seconds: at})
	return model.NewFoundDocument(model.DocumentKeyFromString(path), v, v,
		model.NewObjectValue(map[string]model.Value{"v": model.IntegerValue(at)}))
}

func snap(at int64) model.SnapshotVersion {
	return model.SnapshotVersion(model.Timestamp{Seconds: at})
}

func TestAggregatorDocumentChangesFormSnapshot(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	a := testAggregator(p)

	added := foundDoc("rooms/eros", 3)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2},
		Key:              added.Key,
		NewDocument:      added,
	})
	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetCurrent, TargetIDs: []query.TargetID{2}, ResumeToken: []byte("rt1")})

	event := a.CreateRemoteEvent(snap(3))
	require.Len(t, event.TargetChanges, 1)
	tc := event.TargetChanges[2]
	assert.True(t, tc.Current)
	assert.Equal(t, []byte("rt1"), tc.ResumeToken)
	assert.True(t, tc.AddedDocuments.Has(added.Key))
	assert.True(t, event.DocumentUpdates[added.Key].IsFoundDocument())

	// accumulation is reset per snapshot
	event = a.CreateRemoteEvent(snap(4))
	assert.Empty(t, event.TargetChanges)
	assert.Empty(t, event.DocumentUpdates)
}

func TestAggregatorKnownDocumentIsModified(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	doc := foundDoc("rooms/eros", 5)
	p.remoteKeys[2] = model.DocumentKeySet{doc.Key: struct{}{}}
	a := testAggregator(p)

	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2},
		Key:              doc.Key,
		NewDocument:      doc,
	})

	event := a.CreateRemoteEvent(snap(5))
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.False(t, tc.AddedDocuments.Has(doc.Key))
	assert.True(t, tc.ModifiedDocuments.Has(doc.Key))
}

func TestAggregatorIgnoresInactiveTargets(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	a := testAggregator(p)

	doc := foundDoc("other/doc", 1)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{4}, // never listened to
		Key:              doc.Key,
		NewDocument:      doc,
	})

	event := a.CreateRemoteEvent(snap(1))
	assert.Empty(t, event.TargetChanges)
	assert.Empty(t, event.DocumentUpdates)
}

func TestAggregatorPendingTargetSuppressesChanges(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	a := testAggregator(p)
	a.RecordPendingTargetRequest(2)

	// frames from the previous incarnation arrive before the ack
	stale := foundDoc("rooms/old", 1)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2},
		Key:              stale.Key,
		NewDocument:      stale,
	})
	event := a.CreateRemoteEvent(snap(1))
	assert.Empty(t, event.TargetChanges)

	// the Added ack clears the pending state and the stale accumulation
	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetAdded, TargetIDs: []query.TargetID{2}})
	fresh := foundDoc("rooms/new", 2)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2},
		Key:              fresh.Key,
		NewDocument:      fresh,
	})
	event = a.CreateRemoteEvent(snap(2))
	require.NotNil(t, event.TargetChanges[2])
	assert.True(t, event.TargetChanges[2].AddedDocuments.Has(fresh.Key))
	assert.False(t, event.TargetChanges[2].AddedDocuments.Has(stale.Key))
}

func TestAggregatorResetRemovesKnownMembers(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	known := model.DocumentKeyFromString("rooms/eros")
	p.remoteKeys[2] = model.DocumentKeySet{known: struct{}{}}
	a := testAggregator(p)

	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetReset, TargetIDs: []query.TargetID{2}})

	event := a.CreateRemoteEvent(snap(1))
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.False(t, tc.Current)
	assert.True(t, tc.RemovedDocuments.Has(known))
}

func TestAggregatorExistenceFilterMismatchResets(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	known := model.DocumentKeyFromString("rooms/eros")
	p.remoteKeys[2] = model.DocumentKeySet{known: struct{}{}}
	a := testAggregator(p)

	// server says the target is empty, no bloom filter to repair with
	a.HandleExistenceFilter(&ExistenceFilterWatchChange{TargetID: 2, Count: 0})

	event := a.CreateRemoteEvent(snap(1))
	assert.Equal(t, query.PurposeExistenceFilterMismatch, event.TargetMismatches[2])
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.True(t, tc.RemovedDocuments.Has(known))
}

func TestAggregatorExistenceFilterBloomRepair(t *testing.T) {
	p := newFakeMetadataProvider()
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	kept := model.DocumentKeyFromString("rooms/kept")
	gone := model.DocumentKeyFromString("rooms/gone")
	p.remoteKeys[2] = model.DocumentKeySet{kept: struct{}{}, gone: struct{}{}}
	a := testAggregator(p)

	filter := mustBloomFilter(t, 64, 7)
	filter.Insert(kept.String())

	a.HandleExistenceFilter(&ExistenceFilterWatchChange{TargetID: 2, Count: 1, Filter: filter})

	event := a.CreateRemoteEvent(snap(1))
	// repaired in place, no mismatch reset
	assert.Empty(t, event.TargetMismatches)
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.True(t, tc.RemovedDocuments.Has(gone))
	assert.False(t, tc.RemovedDocuments.Has(kept))
}

func TestAggregatorDocumentTargetFilterDelete(t *testing.T) {
	p := newFakeMetadataProvider()
	key := model.DocumentKeyFromString("rooms/eros")
	p.addTarget(2, query.NewQuery(key.Path()))
	p.remoteKeys[2] = model.DocumentKeySet{key: struct{}{}}
	a := testAggregator(p)

	a.HandleExistenceFilter(&ExistenceFilterWatchChange{TargetID: 2, Count: 0})

	event := a.CreateRemoteEvent(snap(9))
	doc := event.DocumentUpdates[key]
	require.NotNil(t, doc)
	assert.True(t, doc.IsNoDocument())
	assert.True(t, event.TargetChanges[2].RemovedDocuments.Has(key))
}

func TestAggregatorCurrentEmptyDocumentTargetSynthesizesDelete(t *testing.T) {
	p := newFakeMetadataProvider()
	key := model.DocumentKeyFromString("rooms/missing")
	p.addTarget(2, query.NewQuery(key.Path()))
	a := testAggregator(p)

	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetCurrent, TargetIDs: []query.TargetID{2}})

	event := a.CreateRemoteEvent(snap(7))
	doc := event.DocumentUpdates[key]
	require.NotNil(t, doc)
	assert.True(t, doc.IsNoDocument())
	assert.Equal(t, snap(7), doc.Version)
}

func TestAggregatorResolvedLimboDocuments(t *testing.T) {
	p := newFakeMetadataProvider()
	limboKey := model.DocumentKeyFromString("rooms/limbo")
	p.addLimboTarget(4, limboKey)
	p.addTarget(2, query.NewQuery(model.ParseResourcePath("rooms")))
	a := testAggregator(p)

	limboDoc := foundDoc("rooms/limbo", 3)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{4},
		Key:              limboKey,
		NewDocument:      limboDoc,
	})
	shared := foundDoc("rooms/shared", 3)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2, 4},
		Key:              shared.Key,
		NewDocument:      shared,
	})

	event := a.CreateRemoteEvent(snap(3))
	assert.True(t, event.ResolvedLimboDocuments.Has(limboKey))
	// seen by an ordinary listen too, so not limbo-only
	assert.False(t, event.ResolvedLimboDocuments.Has(shared.Key))
}

func mustBloomFilter(t *testing.T, bitCount, hashCount int) *BloomFilter {
	t.Helper()
	f, err := NewBloomFilter(make([]byte, bitCount/8), 0, hashCount)
	require.NoError(t, err)
	return f
}
