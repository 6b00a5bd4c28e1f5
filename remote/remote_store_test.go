package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFakeConnClosed = errors.New("fake conn closed")

// fakeConn is an in-process StreamConn; the test plays the server side
// through push and takeSent.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, rec []byte) error {
	select {
	case <-c.closed:
		return errFakeConnClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, rec)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case rec := <-c.in:
		return rec, nil
	case <-c.closed:
		return nil, errFakeConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(rec []byte) { c.in <- rec }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// takeSent waits for the n-th client frame (0-based, auth included).
func (c *fakeConn) takeSent(t *testing.T, n int) []byte {
	t.Helper()
	var rec []byte
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.sent) > n {
			rec = c.sent[n]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return rec
}

type fakeDatastore struct {
	mu          sync.Mutex
	listenConns []*fakeConn
	writeConns  []*fakeConn
}

func (d *fakeDatastore) OpenListenStream(context.Context) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.listenConns = append(d.listenConns, c)
	return c, nil
}

func (d *fakeDatastore) OpenWriteStream(context.Context) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.writeConns = append(d.writeConns, c)
	return c, nil
}

func (d *fakeDatastore) Close() error { return nil }

func (d *fakeDatastore) listenConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.listenConns) > i {
			c = d.listenConns[i]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return c
}

func (d *fakeDatastore) writeConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.writeConns) > i {
			c = d.writeConns[i]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return c
}

type fakeSyncer struct {
	mu              sync.Mutex
	events          []*RemoteEvent
	rejectedListens []query.TargetID
	writes          []*model.MutationBatchResult
	rejectedWrites  []model.BatchID
	onlineStates    []OnlineState
	remoteKeys      map[query.TargetID]model.DocumentKeySet
}

func (s *fakeSyncer) ApplyRemoteEvent(event *RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSyncer) RejectListen(id query.TargetID, _ *RPCError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedListens = append(s.rejectedListens, id)
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, result)
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(id model.BatchID, _ *RPCError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedWrites = append(s.rejectedWrites, id)
	return nil
}

func (s *fakeSyncer) RemoteKeysForTarget(id query.TargetID) model.DocumentKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.remoteKeys[id]; ok {
		return keys
	}
	return model.DocumentKeySet{}
}

func (s *fakeSyncer) HandleOnlineStateChange(state OnlineState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineStates = append(s.onlineStates, state)
}

func (s *fakeSyncer) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSyncer) lastEvent() *RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type fakeSource struct {
	mu      sync.Mutex
	batches []*model.MutationBatch
	token   []byte
}

func (s *fakeSource) NextMutationBatch(after model.BatchID) (*model.MutationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.BatchID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (s *fakeSource) GetLastStreamToken() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *fakeSource) SetLastStreamToken(token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

type remoteHarness struct {
	queue  *utils.AsyncQueue
	ds     *fakeDatastore
	syncer *fakeSyncer
	source *fakeSource
	store  *RemoteStore
}

func newRemoteHarness(t *testing.T) *remoteHarness {
	t.Helper()
	log := utils.NewDefaultLogger(-4)
	queue := utils.NewAsyncQueue(log)
	t.Cleanup(func() { _ = queue.Close() })
	ds := &fakeDatastore{}
	syncer := &fakeSyncer{remoteKeys: map[query.TargetID]model.DocumentKeySet{}}
	source := &fakeSource{}
	store := NewRemoteStore(log, queue, ds, EmptyCredentialsProvider{}, syncer, source)
	return &remoteHarness{queue: queue, ds: ds, syncer: syncer, source: source, store: store}
}

// run executes fn on the async queue, where all remote store state
// lives, and waits for it.
func (h *remoteHarness) run(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(fn))
	h.queue.Drain()
}

func roomsTargetData(id query.TargetID) *query.TargetData {
	q := query.NewQuery(model.ParseResourcePath("rooms"))
	return query.NewTargetData(q.ToTarget(), id, query.PurposeListen, 1)
}

func TestRemoteStoreListenLifecycle(t *testing.T) {
	h := newRemoteHarness(t)
	h.run(t, func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	})

	conn := h.ds.listenConn(t, 0)
	_, err := DecodeAuth(conn.takeSent(t, 0))
	require.NoError(t, err)
	td, err := DecodeAddTarget(conn.takeSent(t, 1))
	require.NoError(t, err)
	assert.Equal(t, query.TargetID(2), td.TargetID)

	doc := foundDoc("rooms/eros", 3)
	conn.push(EncodeTargetChange(&WatchTargetChange{State: WatchTargetAdded, TargetIDs: []query.TargetID{2}}))
	conn.push(EncodeDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []query.TargetID{2},
		Key:              doc.Key,
		NewDocument:      doc,
	}))
	conn.push(EncodeTargetChange(&WatchTargetChange{
		State: WatchTargetCurrent, TargetIDs: []query.TargetID{2}, ResumeToken: []byte("rt"),
	}))
	conn.push(EncodeTargetChange(&WatchTargetChange{State: WatchTargetNoChange, ReadTime: snap(3)}))

	require.Eventually(t, func() bool { return h.syncer.eventCount() > 0 }, 2*time.Second, time.Millisecond)
	event := h.syncer.lastEvent()
	assert.Equal(t, snap(3), event.SnapshotVersion)
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.True(t, tc.Current)
	assert.True(t, tc.AddedDocuments.Has(doc.Key))

	// last unlisten idles the stream out instead of killing it
	h.run(t, func() { h.store.Unlisten(2) })
	rm, err := DecodeRemoveTarget(conn.takeSent(t, 2))
	require.NoError(t, err)
	assert.Equal(t, query.TargetID(2), rm)
	assert.False(t, conn.isClosed())
	require.True(t, h.queue.ForceRunDelayed(utils.TimerListenStreamIdle))
	require.Eventually(t, conn.isClosed, 2*time.Second, time.Millisecond)
}

func TestRemoteStoreListenStreamRestartsAfterFailure(t *testing.T) {
	h := newRemoteHarness(t)
	h.run(t, func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	})
	conn := h.ds.listenConn(t, 0)
	conn.takeSent(t, 1)

	// server drops the connection
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return h.queue.ForceRunDelayed(utils.TimerListenStreamBackoff)
	}, 2*time.Second, time.Millisecond)

	// a fresh connection re-registers the target
	conn2 := h.ds.listenConn(t, 1)
	td, err := DecodeAddTarget(conn2.takeSent(t, 1))
	require.NoError(t, err)
	assert.Equal(t, query.TargetID(2), td.TargetID)

	conn2.push(EncodeTargetChange(&WatchTargetChange{State: WatchTargetNoChange, ReadTime: snap(1)}))
	require.Eventually(t, func() bool {
		h.syncer.mu.Lock()
		defer h.syncer.mu.Unlock()
		for _, s := range h.syncer.onlineStates {
			if s == OnlineStateOnline {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestRemoteStoreTargetScopedError(t *testing.T) {
	h := newRemoteHarness(t)
	h.run(t, func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	})
	conn := h.ds.listenConn(t, 0)
	conn.takeSent(t, 1)

	conn.push(EncodeTargetChange(&WatchTargetChange{
		State:     WatchTargetRemoved,
		TargetIDs: []query.TargetID{2},
		Cause:     &RPCError{Code: CodePermissionDenied, Message: "denied"},
	}))

	require.Eventually(t, func() bool {
		h.syncer.mu.Lock()
		defer h.syncer.mu.Unlock()
		return len(h.syncer.rejectedListens) == 1
	}, 2*time.Second, time.Millisecond)
	h.run(t, func() {
		assert.False(t, h.store.IsListeningTo(2))
	})
	// the stream itself survives a target-scoped error
	assert.False(t, conn.isClosed())
}

func batchOfOne(id model.BatchID, path string) *model.MutationBatch {
	return &model.MutationBatch{
		BatchID:        id,
		LocalWriteTime: model.Timestamp{Seconds: int64(id)},
		Mutations: []model.Mutation{
			model.NewSetMutation(model.DocumentKeyFromString(path),
				model.NewObjectValue(map[string]model.Value{"n": model.IntegerValue(int64(id))})),
		},
	}
}

func TestRemoteStoreWritePipeline(t *testing.T) {
	h := newRemoteHarness(t)
	h.source.batches = []*model.MutationBatch{batchOfOne(1, "rooms/a"), batchOfOne(2, "rooms/b")}

	h.run(t, func() { h.store.EnableNetwork() })

	conn := h.ds.writeConn(t, 0)
	_, err := DecodeAuth(conn.takeSent(t, 0))
	require.NoError(t, err)
	_, err = DecodeHandshake(conn.takeSent(t, 1))
	require.NoError(t, err)

	conn.push(EncodeHandshakeAck([]byte("tok1")))

	// both queued batches go out after the handshake
	_, id1, _, err := DecodeWriteRequest(conn.takeSent(t, 2))
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), id1)
	tok, id2, muts, err := DecodeWriteRequest(conn.takeSent(t, 3))
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(2), id2)
	assert.Equal(t, []byte("tok1"), tok)
	require.Len(t, muts, 1)

	conn.push(EncodeWriteAck(&WriteAck{
		StreamToken:   []byte("tok2"),
		BatchID:       1,
		CommitVersion: snap(10),
		Results:       []model.MutationResult{{Version: snap(10)}},
	}))

	require.Eventually(t, func() bool {
		h.syncer.mu.Lock()
		defer h.syncer.mu.Unlock()
		return len(h.syncer.writes) == 1
	}, 2*time.Second, time.Millisecond)
	h.syncer.mu.Lock()
	result := h.syncer.writes[0]
	h.syncer.mu.Unlock()
	assert.Equal(t, model.BatchID(1), result.Batch.BatchID)
	assert.Equal(t, snap(10), result.CommitVersion)

	// the acked token is persisted for the next connection
	h.source.mu.Lock()
	token := h.source.token
	h.source.mu.Unlock()
	assert.Equal(t, []byte("tok2"), token)
}

func TestRemoteStorePermanentWriteErrorRejectsBatch(t *testing.T) {
	h := newRemoteHarness(t)
	h.source.batches = []*model.MutationBatch{batchOfOne(1, "rooms/a"), batchOfOne(2, "rooms/b")}

	h.run(t, func() { h.store.EnableNetwork() })
	conn := h.ds.writeConn(t, 0)
	conn.takeSent(t, 1)
	conn.push(EncodeHandshakeAck([]byte("tok1")))
	conn.takeSent(t, 3)

	conn.push(EncodeError(CodePermissionDenied, "nope"))

	require.Eventually(t, func() bool {
		h.syncer.mu.Lock()
		defer h.syncer.mu.Unlock()
		return len(h.syncer.rejectedWrites) == 1
	}, 2*time.Second, time.Millisecond)
	h.syncer.mu.Lock()
	rejected := h.syncer.rejectedWrites[0]
	h.syncer.mu.Unlock()
	assert.Equal(t, model.BatchID(1), rejected)

	// batch 2 is retried on the next connection
	require.Eventually(t, func() bool {
		return h.queue.ForceRunDelayed(utils.TimerWriteStreamBackoff)
	}, 2*time.Second, time.Millisecond)
	conn2 := h.ds.writeConn(t, 1)
	conn2.takeSent(t, 1)
	conn2.push(EncodeHandshakeAck([]byte("tok2")))
	_, id, _, err := DecodeWriteRequest(conn2.takeSent(t, 2))
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(2), id)
}

func TestRemoteStoreDisableNetworkStopsStreams(t *testing.T) {
	h := newRemoteHarness(t)
	h.run(t, func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	})
	conn := h.ds.listenConn(t, 0)
	conn.takeSent(t, 1)

	h.run(t, func() { h.store.DisableNetwork() })
	require.Eventually(t, conn.isClosed, 2*time.Second, time.Millisecond)

	h.syncer.mu.Lock()
	last := h.syncer.onlineStates[len(h.syncer.onlineStates)-1]
	h.syncer.mu.Unlock()
	assert.Equal(t, OnlineStateOffline, last)

	// re-enabling restarts the listen from the registered targets
	h.run(t, func() { h.store.EnableNetwork() })
	conn2 := h.ds.listenConn(t, 1)
	td, err := DecodeAddTarget(conn2.takeSent(t, 1))
	require.NoError(t, err)
	assert.Equal(t, query.TargetID(2), td.TargetID)
}
