package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/local"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
	"github.com/driftdb/driftdb/utils"
)

type fakeRemote struct {
	listens   map[query.TargetID]*query.TargetData
	unlistens []query.TargetID
	fills     int
	enabled   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{listens: map[query.TargetID]*query.TargetData{}}
}

func (f *fakeRemote) Listen(td *query.TargetData) { f.listens[td.TargetID] = td }
func (f *fakeRemote) Unlisten(id query.TargetID) {
	delete(f.listens, id)
	f.unlistens = append(f.unlistens, id)
}
func (f *fakeRemote) FillWritePipeline() { f.fills++ }
func (f *fakeRemote) EnableNetwork()     { f.enabled = true }
func (f *fakeRemote) DisableNetwork()    { f.enabled = false }

func (f *fakeRemote) limboListens() []*query.TargetData {
	var out []*query.TargetData
	for _, td := range f.listens {
		if td.Purpose == query.PurposeLimboResolution {
			out = append(out, td)
		}
	}
	return out
}

type recordingListener struct {
	snaps  []ViewSnapshot
	errors map[string]error
	states []remote.OnlineState
}

func newRecordingListener() *recordingListener {
	return &recordingListener{errors: map[string]error{}}
}

func (l *recordingListener) OnViewSnapshots(snaps []ViewSnapshot) {
	l.snaps = append(l.snaps, snaps...)
}

func (l *recordingListener) OnWatchError(q query.Query, err error) {
	l.errors[q.CanonicalID()] = err
}

func (l *recordingListener) OnOnlineStateChange(state remote.OnlineState) {
	l.states = append(l.states, state)
}

func (l *recordingListener) lastSnap(t *testing.T) ViewSnapshot {
	t.Helper()
	require.NotEmpty(t, l.snaps)
	return l.snaps[len(l.snaps)-1]
}

type engineHarness struct {
	store    *local.LocalStore
	remote   *fakeRemote
	listener *recordingListener
	engine   *SyncEngine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	log := utils.NewDefaultLogger(-4)
	store := local.NewLocalStore(local.NewMemoryPersistence(), "alice", model.WallClock{}, log)
	rem := newFakeRemote()
	listener := newRecordingListener()
	engine := NewSyncEngine(log, store, rem, listener, true)
	return &engineHarness{store: store, remote: rem, listener: listener, engine: engine}
}

func cityDoc(city string) model.ObjectValue {
	return model.NewObjectValue(map[string]model.Value{"city": model.StringValue(city)})
}

// ackBatch simulates the server committing the oldest queued batch.
func (h *engineHarness) ackBatch(t *testing.T, version model.SnapshotVersion) {
	t.Helper()
	batch, err := h.store.NextMutationBatch(-1)
	require.NoError(t, err)
	require.NotNil(t, batch)
	results := make([]model.MutationResult, len(batch.Mutations))
	for i := range results {
		results[i] = model.MutationResult{Version: version}
	}
	require.NoError(t, h.engine.ApplySuccessfulWrite(model.NewMutationBatchResult(batch, version, results)))
}

func TestWriteIsVisibleFromCacheBeforeAck(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	snap, err := h.engine.Listen(q)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.Documents.Len())
	require.Len(t, h.remote.listens, 1)

	key := model.DocumentKeyFromString("a/1")
	done := false
	h.engine.Write([]model.Mutation{model.NewSetMutation(key, cityDoc("SF"))}, func(error) {
		done = true
	})
	assert.False(t, done, "write settles only on server response")
	assert.Equal(t, 1, h.remote.fills)

	got := h.listener.lastSnap(t)
	require.Equal(t, 1, got.Documents.Len())
	doc := got.Documents.Get(key)
	assert.True(t, doc.HasLocalMutations())
	assert.True(t, got.HasPendingWrites())

	cached, err := h.store.ReadDocument(key)
	require.NoError(t, err)
	assert.True(t, model.ValuesEqual(cityDoc("SF").Value(), cached.Data.Value()))
}

func TestServerAckClearsPendingWrites(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)

	key := model.DocumentKeyFromString("a/1")
	var acked bool
	var ackErr error
	h.engine.Write([]model.Mutation{model.NewSetMutation(key, cityDoc("SF"))}, func(err error) {
		acked = true
		ackErr = err
	})

	h.ackBatch(t, snapAt(100))
	assert.True(t, acked)
	assert.NoError(t, ackErr)

	cached, err := h.store.ReadDocument(key)
	require.NoError(t, err)
	assert.Equal(t, snapAt(100), cached.Version)
	assert.False(t, cached.HasLocalMutations())
	assert.True(t, model.ValuesEqual(cityDoc("SF").Value(), cached.Data.Value()))
}

func TestServerRejectRevertsTheWrite(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)

	key := model.DocumentKeyFromString("a/1")
	var rejectErr error
	h.engine.Write([]model.Mutation{model.NewSetMutation(key, cityDoc("SF"))}, func(err error) {
		rejectErr = err
	})

	batch, err := h.store.NextMutationBatch(-1)
	require.NoError(t, err)
	rpcErr := &remote.RPCError{Code: remote.CodePermissionDenied, Message: "denied"}
	require.NoError(t, h.engine.RejectFailedWrite(batch.BatchID, rpcErr))
	assert.Equal(t, rpcErr, rejectErr)

	cached, err := h.store.ReadDocument(key)
	require.NoError(t, err)
	assert.False(t, cached.IsFoundDocument(), "no prior value, so the revert is no-document")

	got := h.listener.lastSnap(t)
	assert.Equal(t, 0, got.Documents.Len())
	assert.False(t, got.HasPendingWrites())
}

func TestWaitForPendingWritesBarrier(t *testing.T) {
	h := newEngineHarness(t)
	key := model.DocumentKeyFromString("a/1")
	h.engine.Write([]model.Mutation{model.NewSetMutation(key, cityDoc("SF"))}, func(error) {})

	fired := false
	h.engine.WaitForPendingWrites(func(err error) {
		fired = true
		assert.NoError(t, err)
	})
	assert.False(t, fired)

	h.ackBatch(t, snapAt(10))
	assert.True(t, fired)

	// with nothing queued the barrier fires immediately
	immediate := false
	h.engine.WaitForPendingWrites(func(error) { immediate = true })
	assert.True(t, immediate)
}

func snapAt(seconds int64) model.SnapshotVersion {
	return model.SnapshotVersion(model.Timestamp{Seconds: seconds})
}

// remoteEventFor wraps one document into a current snapshot for the
// given target.
func remoteEventFor(targetID query.TargetID, version model.SnapshotVersion, docs ...*model.Document) *remote.RemoteEvent {
	tc := &remote.TargetChange{
		Current:           true,
		ResumeToken:       []byte("rt"),
		AddedDocuments:    model.DocumentKeySet{},
		ModifiedDocuments: model.DocumentKeySet{},
		RemovedDocuments:  model.DocumentKeySet{},
	}
	updates := model.DocumentMap{}
	for _, d := range docs {
		tc.AddedDocuments.Add(d.Key)
		updates[d.Key] = d
	}
	return &remote.RemoteEvent{
		SnapshotVersion:  version,
		TargetChanges:    map[query.TargetID]*remote.TargetChange{targetID: tc},
		TargetMismatches: map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:  updates,
	}
}

func TestRemoteEventReachesTheView(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	td := h.remote.listens[2]
	require.NotNil(t, td)

	d1 := docN("a/1", 5, 1)
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(td.TargetID, snapAt(5), d1)))

	got := h.listener.lastSnap(t)
	assert.False(t, got.FromCache)
	require.Equal(t, 1, got.Documents.Len())
	assert.Equal(t, d1.Key, got.Documents.First().Key)

	// the target's membership is now persisted
	keys := h.engine.RemoteKeysForTarget(td.TargetID)
	assert.True(t, keys.Has(d1.Key))
}

func TestUnlistenReleasesTarget(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	require.Len(t, h.remote.listens, 1)

	h.engine.Unlisten(q)
	assert.Empty(t, h.remote.listens)
	assert.Len(t, h.remote.unlistens, 1)
	assert.Nil(t, h.store.TargetData(h.remote.unlistens[0]))
}

func TestRejectListenFailsItsListeners(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var targetID query.TargetID
	for id := range h.remote.listens {
		targetID = id
	}

	rpcErr := &remote.RPCError{Code: remote.CodePermissionDenied, Message: "denied"}
	require.NoError(t, h.engine.RejectListen(targetID, rpcErr))
	assert.Equal(t, rpcErr, h.listener.errors[q.CanonicalID()])

	// a fresh listen starts over
	_, err = h.engine.Listen(q)
	require.NoError(t, err)
}

func TestLimboResolutionLifecycle(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var queryTargetID query.TargetID
	for id := range h.remote.listens {
		queryTargetID = id
	}

	// the server declares both docs, then a later snapshot goes current
	// without one of them while the cache still holds it
	d1, d2 := docN("a/1", 5, 1), docN("a/2", 5, 2)
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(queryTargetID, snapAt(5), d1, d2)))
	require.Empty(t, h.engine.ActiveLimboResolutions())

	// d2 drops out of the target without a delete: limbo
	drop := &remote.RemoteEvent{
		SnapshotVersion: snapAt(6),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			queryTargetID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.NewDocumentKeySet(d2.Key),
			},
		},
		TargetMismatches: map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:  model.DocumentMap{},
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(drop))

	active := h.engine.ActiveLimboResolutions()
	require.Contains(t, active, d2.Key)
	limboID := active[d2.Key]
	assert.Equal(t, query.TargetID(1), limboID%2, "limbo targets use odd ids")
	limbo := h.remote.listens[limboID]
	require.NotNil(t, limbo)
	assert.Equal(t, query.PurposeLimboResolution, limbo.Purpose)

	// the lookup comes back empty: the document is gone for real
	resolve := &remote.RemoteEvent{
		SnapshotVersion: snapAt(7),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			limboID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.DocumentKeySet{},
			},
		},
		TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{d2.Key: model.NewNoDocument(d2.Key, snapAt(7))},
		ResolvedLimboDocuments: model.NewDocumentKeySet(d2.Key),
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(resolve))

	assert.Empty(t, h.engine.ActiveLimboResolutions())
	assert.Contains(t, h.remote.unlistens, limboID)
	got := h.listener.lastSnap(t)
	assert.Equal(t, 1, got.Documents.Len())
	assert.False(t, got.Documents.Has(d2.Key))
}

func TestRejectedLimboListenCountsAsDelete(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var queryTargetID query.TargetID
	for id := range h.remote.listens {
		queryTargetID = id
	}

	d1 := docN("a/1", 5, 1)
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(queryTargetID, snapAt(5), d1)))
	drop := &remote.RemoteEvent{
		SnapshotVersion: snapAt(6),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			queryTargetID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.NewDocumentKeySet(d1.Key),
			},
		},
		TargetMismatches: map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:  model.DocumentMap{},
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(drop))
	active := h.engine.ActiveLimboResolutions()
	require.Contains(t, active, d1.Key)

	rpcErr := &remote.RPCError{Code: remote.CodePermissionDenied, Message: "denied"}
	require.NoError(t, h.engine.RejectListen(active[d1.Key], rpcErr))

	assert.Empty(t, h.engine.ActiveLimboResolutions())
	got := h.listener.lastSnap(t)
	assert.False(t, got.Documents.Has(d1.Key))
	// the query's own listeners are untouched
	assert.Empty(t, h.listener.errors)
}

// The number of concurrent limbo listens stays bounded no matter how
// many documents enter limbo at once.
func TestLimboResolutionsAreBounded(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var queryTargetID query.TargetID
	for id := range h.remote.listens {
		queryTargetID = id
	}

	total := MaxConcurrentLimboResolutions + 20
	docs := make([]*model.Document, total)
	for i := range docs {
		docs[i] = docN(fmt.Sprintf("a/doc%04d", i), 5, int64(i))
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(queryTargetID, snapAt(5), docs...)))

	// the server then goes current over an empty target: every cached
	// doc is suddenly unconfirmed
	removed := model.DocumentKeySet{}
	for _, d := range docs {
		removed.Add(d.Key)
	}
	drop := &remote.RemoteEvent{
		SnapshotVersion: snapAt(6),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			queryTargetID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  removed,
			},
		},
		TargetMismatches: map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:  model.DocumentMap{},
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(drop))

	assert.Len(t, h.engine.ActiveLimboResolutions(), MaxConcurrentLimboResolutions)
	assert.Len(t, h.engine.EnqueuedLimboResolutions(), 20)
	assert.Len(t, h.remote.limboListens(), MaxConcurrentLimboResolutions)

	// resolving one admits the next queued key
	active := h.engine.ActiveLimboResolutions()
	var someKey model.DocumentKey
	var someID query.TargetID
	for k, id := range active {
		someKey, someID = k, id
		break
	}
	resolve := &remote.RemoteEvent{
		SnapshotVersion: snapAt(7),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			someID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.DocumentKeySet{},
			},
		},
		TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{someKey: model.NewNoDocument(someKey, snapAt(7))},
		ResolvedLimboDocuments: model.NewDocumentKeySet(someKey),
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(resolve))

	assert.Len(t, h.engine.ActiveLimboResolutions(), MaxConcurrentLimboResolutions)
	assert.Len(t, h.engine.EnqueuedLimboResolutions(), 19)
}

func TestOnlineStateFansOutToViews(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var targetID query.TargetID
	for id := range h.remote.listens {
		targetID = id
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(targetID, snapAt(5), docN("a/1", 5, 1))))
	require.False(t, h.listener.lastSnap(t).FromCache)

	h.engine.HandleOnlineStateChange(remote.OnlineStateOffline)
	assert.Equal(t, []remote.OnlineState{remote.OnlineStateOffline}, h.listener.states)
	assert.True(t, h.listener.lastSnap(t).FromCache)
}

func TestDemotionStopsLimboAndNetwork(t *testing.T) {
	h := newEngineHarness(t)
	q := query.NewQuery(model.ParseResourcePath("a"))
	_, err := h.engine.Listen(q)
	require.NoError(t, err)
	var queryTargetID query.TargetID
	for id := range h.remote.listens {
		queryTargetID = id
	}
	d1 := docN("a/1", 5, 1)
	require.NoError(t, h.engine.ApplyRemoteEvent(remoteEventFor(queryTargetID, snapAt(5), d1)))
	drop := &remote.RemoteEvent{
		SnapshotVersion: snapAt(6),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			queryTargetID: {
				Current:           true,
				AddedDocuments:    model.DocumentKeySet{},
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.NewDocumentKeySet(d1.Key),
			},
		},
		TargetMismatches: map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:  model.DocumentMap{},
	}
	require.NoError(t, h.engine.ApplyRemoteEvent(drop))
	require.NotEmpty(t, h.engine.ActiveLimboResolutions())

	require.NoError(t, h.engine.ApplyPrimaryState(false))
	assert.False(t, h.engine.IsPrimary())
	assert.False(t, h.remote.enabled)
	assert.Empty(t, h.engine.ActiveLimboResolutions())

	// promotion re-issues the query listen
	require.NoError(t, h.engine.ApplyPrimaryState(true))
	assert.True(t, h.remote.enabled)
	assert.Contains(t, h.remote.listens, queryTargetID)
}
