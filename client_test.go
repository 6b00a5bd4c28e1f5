package driftdb

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/engine"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
)

// stubDatastore hands out streams that accept frames and never answer,
// a backend the client can talk at but never hears from.
type stubDatastore struct {
	mu     sync.Mutex
	opened int
}

func (d *stubDatastore) open() (remote.StreamConn, error) {
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &stubConn{closed: make(chan struct{})}, nil
}

func (d *stubDatastore) OpenListenStream(context.Context) (remote.StreamConn, error) {
	return d.open()
}

func (d *stubDatastore) OpenWriteStream(context.Context) (remote.StreamConn, error) {
	return d.open()
}

func (d *stubDatastore) Close() error { return nil }

type stubConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *stubConn) Send(context.Context, []byte) error { return nil }

func (c *stubConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, remote.ErrDatastoreClosed
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// snapRecorder collects snapshots across goroutines.
type snapRecorder struct {
	mu    sync.Mutex
	snaps []*engine.ViewSnapshot
	errs  []error
}

func (r *snapRecorder) onNext(snap *engine.ViewSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapRecorder) onErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *snapRecorder) last(t *testing.T) *engine.ViewSnapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.snaps)
	return r.snaps[len(r.snaps)-1]
}

func (r *snapRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Options{UserID: "alice", Datastore: &stubDatastore{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientBecomesPrimary(t *testing.T) {
	c := newTestClient(t)
	primary, err := c.IsPrimary()
	require.NoError(t, err)
	assert.True(t, primary, "a lone client wins the lease on startup")
	assert.NotEmpty(t, c.Owner())
}

func TestClientWriteIsVisibleFromCache(t *testing.T) {
	c := newTestClient(t)
	key := model.DocumentKeyFromString("cities/sf")

	acked, err := c.Write([]model.Mutation{
		model.NewSetMutation(key, model.NewObjectValue(map[string]model.Value{
			"name": model.StringValue("San Francisco"),
		})),
	})
	require.NoError(t, err)

	doc, err := c.GetFromCache(key)
	require.NoError(t, err)
	require.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())

	select {
	case err := <-acked:
		t.Fatalf("write settled without a server: %v", err)
	default:
	}
}

func TestClientListenDeliversSnapshots(t *testing.T) {
	c := newTestClient(t)
	rec := &snapRecorder{}

	q := query.NewQuery(model.ParseResourcePath("cities"))
	reg, err := c.Listen(q, engine.ListenOptions{}, rec.onNext, rec.onErr)
	require.NoError(t, err)
	defer reg.Stop()

	initial := rec.last(t)
	assert.True(t, initial.FromCache)
	assert.Equal(t, 0, initial.Documents.Len())

	key := model.DocumentKeyFromString("cities/sf")
	_, err = c.Write([]model.Mutation{
		model.NewSetMutation(key, model.NewObjectValue(map[string]model.Value{
			"name": model.StringValue("San Francisco"),
		})),
	})
	require.NoError(t, err)

	snap := rec.last(t)
	require.Equal(t, 1, snap.Documents.Len())
	assert.True(t, snap.HasPendingWrites())
}

func TestClientStopUnsubscribes(t *testing.T) {
	c := newTestClient(t)
	rec := &snapRecorder{}

	q := query.NewQuery(model.ParseResourcePath("cities"))
	reg, err := c.Listen(q, engine.ListenOptions{}, rec.onNext, rec.onErr)
	require.NoError(t, err)
	before := rec.count()
	reg.Stop()

	_, err = c.Write([]model.Mutation{
		model.NewSetMutation(model.DocumentKeyFromString("cities/la"),
			model.NewObjectValue(map[string]model.Value{"name": model.StringValue("LA")})),
	})
	require.NoError(t, err)
	assert.Equal(t, before, rec.count(), "no snapshots after Stop")
}

func TestClientWaitForPendingWritesEmptyQueue(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, <-c.WaitForPendingWrites())
}

func TestClientUserChangeHidesOtherUsersWrites(t *testing.T) {
	c := newTestClient(t)
	key := model.DocumentKeyFromString("cities/sf")
	_, err := c.Write([]model.Mutation{
		model.NewSetMutation(key, model.NewObjectValue(map[string]model.Value{
			"name": model.StringValue("San Francisco"),
		})),
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleUserChange("bob"))
	doc, err := c.GetFromCache(key)
	require.NoError(t, err)
	assert.False(t, doc.IsFoundDocument(), "bob does not see alice's pending write")

	require.NoError(t, c.HandleUserChange("alice"))
	doc, err = c.GetFromCache(key)
	require.NoError(t, err)
	assert.True(t, doc.IsFoundDocument())
}

func TestClientNetworkToggle(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.DisableNetwork())
	require.NoError(t, c.EnableNetwork())
	primary, err := c.IsPrimary()
	require.NoError(t, err)
	assert.True(t, primary)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c, err := NewClient(Options{Datastore: &stubDatastore{}})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.GetFromCache(model.DocumentKeyFromString("cities/sf"))
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.EnableNetwork(), ErrClientClosed)
}

func TestClientPebblePersistence(t *testing.T) {
	dir := t.TempDir()
	c, err := NewClient(Options{Dir: dir, UserID: "alice", Datastore: &stubDatastore{}})
	require.NoError(t, err)

	key := model.DocumentKeyFromString("cities/sf")
	_, err = c.Write([]model.Mutation{
		model.NewSetMutation(key, model.NewObjectValue(map[string]model.Value{
			"name": model.StringValue("San Francisco"),
		})),
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// the queued write survives a restart
	c, err = NewClient(Options{Dir: dir, UserID: "alice", Datastore: &stubDatastore{}})
	require.NoError(t, err)
	defer c.Close()
	doc, err := c.GetFromCache(key)
	require.NoError(t, err)
	require.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())
}
