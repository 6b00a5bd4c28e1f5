package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/utils"
)

type countingCreds struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (c *countingCreds) GetToken(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *countingCreds) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

func (c *countingCreds) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

func TestStreamSendsAuthFirst(t *testing.T) {
	h := newRemoteHarness(t)
	log := utils.NewDefaultLogger(-4)
	creds := &countingCreds{token: "tok-1"}
	store := NewRemoteStore(log, h.queue, h.ds, creds, h.syncer, h.source)

	require.NoError(t, h.queue.Enqueue(func() {
		store.EnableNetwork()
		store.Listen(roomsTargetData(2))
	}))
	h.queue.Drain()

	conn := h.ds.listenConn(t, 0)
	token, err := DecodeAuth(conn.takeSent(t, 0))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestUnauthenticatedInvalidatesCredentials(t *testing.T) {
	h := newRemoteHarness(t)
	log := utils.NewDefaultLogger(-4)
	creds := &countingCreds{token: "stale"}
	store := NewRemoteStore(log, h.queue, h.ds, creds, h.syncer, h.source)

	require.NoError(t, h.queue.Enqueue(func() {
		store.EnableNetwork()
		store.Listen(roomsTargetData(2))
	}))
	h.queue.Drain()

	conn := h.ds.listenConn(t, 0)
	conn.takeSent(t, 1)
	conn.push(EncodeError(CodeUnauthenticated, "token expired"))

	require.Eventually(t, func() bool {
		return creds.invalidations() == 1
	}, 2*time.Second, time.Millisecond)

	// the retry dials with whatever the provider mints next
	creds.mu.Lock()
	creds.token = "fresh"
	creds.mu.Unlock()
	require.Eventually(t, func() bool {
		return h.queue.ForceRunDelayed(utils.TimerListenStreamBackoff)
	}, 2*time.Second, time.Millisecond)
	conn2 := h.ds.listenConn(t, 1)
	token, err := DecodeAuth(conn2.takeSent(t, 0))
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestStreamStateTransitions(t *testing.T) {
	h := newRemoteHarness(t)

	readState := func() StreamState {
		var s StreamState
		require.NoError(t, h.queue.Enqueue(func() { s = h.store.listenStream.State() }))
		h.queue.Drain()
		return s
	}

	assert.Equal(t, StreamStateInitial, readState())
	require.NoError(t, h.queue.Enqueue(func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	}))
	h.queue.Drain()

	conn := h.ds.listenConn(t, 0)
	conn.takeSent(t, 1)
	require.Eventually(t, func() bool {
		return readState() == StreamStateOpen
	}, 2*time.Second, time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool {
		return readState() == StreamStateBackoff
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, h.queue.Enqueue(func() { h.store.DisableNetwork() }))
	h.queue.Drain()
	assert.Equal(t, StreamStateInitial, readState())
}

func TestStreamBackoffBoundedAndResets(t *testing.T) {
	h := newRemoteHarness(t)
	retry := h.store.listenStream.retry

	// the stream is not started yet, so the policy can be sampled
	// directly: each delay falls in the ±50% jitter window around an
	// envelope that grows 1.5x per attempt and saturates at one minute
	expected := time.Second
	for i := 0; i < 15; i++ {
		d := retry.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.GreaterOrEqual(t, d, time.Duration(float64(expected)*0.5))
		assert.LessOrEqual(t, d, time.Duration(float64(expected)*1.5)+time.Millisecond)
		assert.LessOrEqual(t, d, 90*time.Second)
		expected = time.Duration(float64(expected) * 1.5)
		if expected >= time.Minute {
			expected = time.Minute
		}
	}
	retry.Reset()

	readState := func() StreamState {
		var s StreamState
		require.NoError(t, h.queue.Enqueue(func() { s = h.store.listenStream.State() }))
		h.queue.Drain()
		return s
	}

	require.NoError(t, h.queue.Enqueue(func() {
		h.store.EnableNetwork()
		h.store.Listen(roomsTargetData(2))
	}))
	h.queue.Drain()

	// three failed attempts advance the policy
	for i := 0; i < 3; i++ {
		conn := h.ds.listenConn(t, i)
		conn.takeSent(t, 0)
		_ = conn.Close()
		require.Eventually(t, func() bool {
			return readState() == StreamStateBackoff
		}, 2*time.Second, time.Millisecond)
		require.Eventually(t, func() bool {
			return h.queue.ForceRunDelayed(utils.TimerListenStreamBackoff)
		}, 2*time.Second, time.Millisecond)
	}

	// the fourth attempt succeeds; success snaps the delay back to base
	conn := h.ds.listenConn(t, 3)
	conn.takeSent(t, 1)
	require.Eventually(t, func() bool {
		return readState() == StreamStateOpen
	}, 2*time.Second, time.Millisecond)

	var next time.Duration
	require.NoError(t, h.queue.Enqueue(func() { next = retry.NextBackOff() }))
	h.queue.Drain()
	assert.GreaterOrEqual(t, next, time.Second/2)
	assert.LessOrEqual(t, next, 3*time.Second/2+time.Millisecond)
}

func TestListenStreamWatchBeforeOpenIsDropped(t *testing.T) {
	// sends while not open are dropped, not queued; callers re-send on
	// the open callback
	h := newRemoteHarness(t)
	require.NoError(t, h.queue.Enqueue(func() {
		h.store.listenStream.WatchTarget(roomsTargetData(2))
	}))
	h.queue.Drain()
	assert.Empty(t, h.ds.listenConns)
}

func TestRemoteStoreIsListeningTo(t *testing.T) {
	h := newRemoteHarness(t)
	h.run(t, func() {
		h.store.Listen(roomsTargetData(2))
		assert.True(t, h.store.IsListeningTo(2))
		assert.False(t, h.store.IsListeningTo(4))
		h.store.Unlisten(2)
		assert.False(t, h.store.IsListeningTo(2))
	})
}
