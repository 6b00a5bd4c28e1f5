package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
	"github.com/driftdb/driftdb/utils"
)

func testStore(t *testing.T) *LocalStore {
	t.Helper()
	p := NewMemoryPersistence()
	t.Cleanup(func() { p.Close() })
	return NewLocalStore(p, "user1", model.WallClock{}, utils.NewDefaultLogger(-4))
}

func version(seconds int64) model.SnapshotVersion {
	return model.SnapshotVersion(model.Timestamp{Seconds: seconds})
}

func docData(fields map[string]model.Value) model.ObjectValue {
	return model.NewObjectValue(fields)
}

func setMutation(path, name string) model.Mutation {
	return model.NewSetMutation(model.DocumentKeyFromString(path),
		docData(map[string]model.Value{"name": model.StringValue(name)}))
}

func remoteEventWithDoc(target query.TargetID, doc *model.Document, at model.SnapshotVersion) *remote.RemoteEvent {
	tc := &remote.TargetChange{
		AddedDocuments:    model.NewDocumentKeySet(doc.Key),
		ModifiedDocuments: model.DocumentKeySet{},
		RemovedDocuments:  model.DocumentKeySet{},
		Current:           true,
	}
	return &remote.RemoteEvent{
		SnapshotVersion:        at,
		TargetChanges:          map[query.TargetID]*remote.TargetChange{target: tc},
		TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{doc.Key: doc},
		ResolvedLimboDocuments: model.DocumentKeySet{},
	}
}

func TestWriteLocallyVisibleImmediately(t *testing.T) {
	s := testStore(t)
	res, err := s.WriteLocally([]model.Mutation{setMutation("rooms/eros", "eros")})
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), res.BatchID)

	key := model.DocumentKeyFromString("rooms/eros")
	doc := res.Changes[key]
	require.NotNil(t, doc)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())

	got, err := s.ReadDocument(key)
	require.NoError(t, err)
	assert.True(t, got.HasLocalMutations())
	assert.Equal(t, "eros", got.Data.Field(model.ParseFieldPath("name")).Str)
}

func TestAcknowledgeBatch(t *testing.T) {
	s := testStore(t)
	res, err := s.WriteLocally([]model.Mutation{setMutation("rooms/eros", "eros")})
	require.NoError(t, err)

	batch, err := s.NextMutationBatch(0)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, res.BatchID, batch.BatchID)

	ack := model.NewMutationBatchResult(batch, version(10),
		[]model.MutationResult{{Version: version(10)}})
	changed, err := s.AcknowledgeBatch(ack)
	require.NoError(t, err)

	key := model.DocumentKeyFromString("rooms/eros")
	doc := changed[key]
	require.NotNil(t, doc)
	assert.False(t, doc.HasLocalMutations())
	assert.Equal(t, model.DocumentHasCommittedMutations, doc.State)
	assert.Equal(t, version(10), doc.Version)

	// queue drained
	next, err := s.NextMutationBatch(0)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRejectBatchRevertsLocalView(t *testing.T) {
	s := testStore(t)
	res, err := s.WriteLocally([]model.Mutation{setMutation("rooms/eros", "eros")})
	require.NoError(t, err)

	changed, err := s.RejectBatch(res.BatchID)
	require.NoError(t, err)

	key := model.DocumentKeyFromString("rooms/eros")
	require.NotNil(t, changed[key])
	assert.False(t, changed[key].IsFoundDocument())

	got, err := s.ReadDocument(key)
	require.NoError(t, err)
	assert.False(t, got.IsFoundDocument())
	assert.False(t, got.HasLocalMutations())
}

func TestRemoteEventVersionNonRegression(t *testing.T) {
	s := testStore(t)
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	td, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)

	key := model.DocumentKeyFromString("rooms/eros")
	newer := model.NewFoundDocument(key, version(10), version(1),
		docData(map[string]model.Value{"name": model.StringValue("new")}))
	_, err = s.ApplyRemoteEvent(remoteEventWithDoc(td.TargetID, newer, version(10)))
	require.NoError(t, err)

	older := model.NewFoundDocument(key, version(5), version(1),
		docData(map[string]model.Value{"name": model.StringValue("old")}))
	changed, err := s.ApplyRemoteEvent(remoteEventWithDoc(td.TargetID, older, version(11)))
	require.NoError(t, err)
	assert.NotContains(t, changed, key)

	got, err := s.ReadDocument(key)
	require.NoError(t, err)
	assert.Equal(t, version(10), got.Version)
	assert.Equal(t, "new", got.Data.Field(model.ParseFieldPath("name")).Str)

	last, err := s.LastRemoteSnapshotVersion()
	require.NoError(t, err)
	assert.Equal(t, version(11), last)
}

func TestExecuteQueryMergesPendingCreates(t *testing.T) {
	s := testStore(t)
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	td, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)

	confirmed := model.NewFoundDocument(model.DocumentKeyFromString("rooms/eros"),
		version(10), version(1), docData(map[string]model.Value{"name": model.StringValue("eros")}))
	_, err = s.ApplyRemoteEvent(remoteEventWithDoc(td.TargetID, confirmed, version(10)))
	require.NoError(t, err)

	_, err = s.WriteLocally([]model.Mutation{setMutation("rooms/ares", "ares")})
	require.NoError(t, err)

	result, err := s.ExecuteQuery(q, true)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	pending := result.Documents[model.DocumentKeyFromString("rooms/ares")]
	require.NotNil(t, pending)
	assert.True(t, pending.HasLocalMutations())
	assert.True(t, result.RemoteKeys.Has(confirmed.Key))
	assert.False(t, result.RemoteKeys.Has(pending.Key))
}

func TestOverlayMatchesQueueReplay(t *testing.T) {
	s := testStore(t)
	key := model.DocumentKeyFromString("rooms/eros")

	_, err := s.WriteLocally([]model.Mutation{model.NewSetMutation(key,
		docData(map[string]model.Value{"name": model.StringValue("eros"), "visits": model.IntegerValue(1)}))})
	require.NoError(t, err)
	_, err = s.WriteLocally([]model.Mutation{model.NewPatchMutation(key,
		docData(map[string]model.Value{"name": model.StringValue("eros2")}),
		model.NewFieldMask(model.ParseFieldPath("name")),
		model.PreconditionNone(),
		model.IncrementTransform(model.ParseFieldPath("visits"), model.IntegerValue(2)))})
	require.NoError(t, err)

	got, err := s.ReadDocument(key)
	require.NoError(t, err)

	// replay the queue over the remote base by hand
	batches, err := RunWith(s.persistence, "test replay", ReadOnly, func(tx Transaction) ([]*model.MutationBatch, error) {
		return s.queue.AllBatches(tx)
	})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	replayed := model.NewInvalidDocument(key)
	for _, b := range batches {
		b.ApplyToLocalView(replayed, nil)
	}

	assert.True(t, model.ValuesEqual(replayed.Data.Value(), got.Data.Value()))
	assert.Equal(t, int64(3), got.Data.Field(model.ParseFieldPath("visits")).Integer)
	assert.True(t, got.HasLocalMutations())
}

func TestRemoveOverlaysForBatchOverPebble(t *testing.T) {
	p, err := OpenPebble(t.TempDir(), utils.NewDefaultLogger(-4))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	cache := NewDocumentOverlayCache("user1")
	eros := model.DocumentKeyFromString("rooms/eros")
	thanatos := model.DocumentKeyFromString("rooms/thanatos")
	m1 := setMutation("rooms/eros", "eros")
	m2 := setMutation("rooms/thanatos", "thanatos")

	err = p.Run("test save", ReadWrite, func(tx Transaction) error {
		if err := cache.SaveOverlays(tx, 1, map[model.DocumentKey]*model.Mutation{eros: &m1}); err != nil {
			return err
		}
		return cache.SaveOverlays(tx, 2, map[model.DocumentKey]*model.Mutation{thanatos: &m2})
	})
	require.NoError(t, err)

	removed, err := RunWith(p, "test remove", ReadWrite, func(tx Transaction) (model.DocumentKeySet, error) {
		return cache.RemoveOverlaysForBatchID(tx, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, model.NewDocumentKeySet(eros), removed)

	// the other batch's overlay survives, and a second pass over the
	// same range opens a fresh iterator cleanly
	err = p.Run("test verify", ReadWrite, func(tx Transaction) error {
		o, err := cache.GetOverlay(tx, eros)
		require.NoError(t, err)
		assert.Nil(t, o)
		o, err = cache.GetOverlay(tx, thanatos)
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, model.BatchID(2), o.LargestBatchID)

		again, err := cache.RemoveOverlaysForBatchID(tx, 1)
		require.NoError(t, err)
		assert.Empty(t, again)
		return nil
	})
	require.NoError(t, err)
}

func TestAllocateTargetReusesCanonicalTarget(t *testing.T) {
	s := testStore(t)
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	first, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)
	again, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)
	assert.Equal(t, first.TargetID, again.TargetID)

	other := query.NewQuery(model.ParseResourcePath("users"))
	second, err := s.AllocateTarget(other.ToTarget(), query.PurposeListen)
	require.NoError(t, err)
	assert.Equal(t, first.TargetID+2, second.TargetID)
}

func TestHandleUserChangeSwapsQueues(t *testing.T) {
	s := testStore(t)
	key := model.DocumentKeyFromString("rooms/eros")
	_, err := s.WriteLocally([]model.Mutation{setMutation("rooms/eros", "eros")})
	require.NoError(t, err)

	affected, err := s.HandleUserChange("user2")
	require.NoError(t, err)
	require.Contains(t, affected, key)
	assert.False(t, affected[key].IsFoundDocument())

	// switching back restores the pending write
	affected, err = s.HandleUserChange("user1")
	require.NoError(t, err)
	require.Contains(t, affected, key)
	assert.True(t, affected[key].HasLocalMutations())
}

func TestGarbageCollectionRemovesOrphans(t *testing.T) {
	s := testStore(t)
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	td, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)

	doc := model.NewFoundDocument(model.DocumentKeyFromString("rooms/eros"),
		version(10), version(1), docData(map[string]model.Value{"name": model.StringValue("eros")}))
	_, err = s.ApplyRemoteEvent(remoteEventWithDoc(td.TargetID, doc, version(10)))
	require.NoError(t, err)
	s.ReleaseTarget(td.TargetID)

	params := LruParams{CollectionThresholdBytes: 0, PercentileToCollect: 100, MaxTargetsToCollect: 10}
	gc := NewLruGarbageCollector(s, params, utils.NewDefaultLogger(-4))
	res, err := gc.Collect(map[query.TargetID]bool{})
	require.NoError(t, err)
	assert.True(t, res.DidRun)
	assert.Equal(t, 1, res.TargetsRemoved)
	assert.Equal(t, 1, res.DocumentsRemoved)

	got, err := s.ReadDocument(doc.Key)
	require.NoError(t, err)
	assert.False(t, got.IsValidDocument())
}

func TestGarbageCollectionSparesActiveAndPending(t *testing.T) {
	s := testStore(t)
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	td, err := s.AllocateTarget(q.ToTarget(), query.PurposeListen)
	require.NoError(t, err)

	doc := model.NewFoundDocument(model.DocumentKeyFromString("rooms/eros"),
		version(10), version(1), docData(map[string]model.Value{"name": model.StringValue("eros")}))
	_, err = s.ApplyRemoteEvent(remoteEventWithDoc(td.TargetID, doc, version(10)))
	require.NoError(t, err)

	params := LruParams{CollectionThresholdBytes: 0, PercentileToCollect: 100, MaxTargetsToCollect: 10}
	gc := NewLruGarbageCollector(s, params, utils.NewDefaultLogger(-4))
	res, err := gc.Collect(map[query.TargetID]bool{td.TargetID: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TargetsRemoved)
	assert.Equal(t, 0, res.DocumentsRemoved)
}
