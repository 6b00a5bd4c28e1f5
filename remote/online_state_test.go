package remote

import (
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []OnlineState
}

func (r *stateRecorder) record(s OnlineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) last(t *testing.T) OnlineState {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.states)
	return r.states[len(r.states)-1]
}

func trackerHarness(t *testing.T) (*utils.AsyncQueue, *OnlineStateTracker, *stateRecorder) {
	t.Helper()
	log := utils.NewDefaultLogger(-4)
	queue := utils.NewAsyncQueue(log)
	t.Cleanup(func() { _ = queue.Close() })
	rec := &stateRecorder{}
	tracker := NewOnlineStateTracker(log, queue, rec.record)
	return queue, tracker, rec
}

func TestOnlineStateTimeoutGoesOffline(t *testing.T) {
	queue, tracker, rec := trackerHarness(t)

	require.NoError(t, queue.Enqueue(tracker.HandleWatchStreamStart))
	queue.Drain()
	assert.Equal(t, OnlineStateUnknown, tracker.State())

	require.True(t, queue.ForceRunDelayed(utils.TimerOnlineStateTimeout))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.states) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, OnlineStateOffline, rec.last(t))
}

func TestOnlineStateSingleFailureGoesOffline(t *testing.T) {
	queue, tracker, rec := trackerHarness(t)

	require.NoError(t, queue.Enqueue(func() {
		tracker.HandleWatchStreamStart()
		tracker.HandleWatchStreamFailure(&RPCError{Code: CodeUnavailable, Message: "down"})
	}))
	queue.Drain()
	assert.Equal(t, OnlineStateOffline, rec.last(t))
}

func TestOnlineStateFailureAfterOnlineIsForgiven(t *testing.T) {
	queue, tracker, rec := trackerHarness(t)

	require.NoError(t, queue.Enqueue(func() {
		tracker.Set(OnlineStateOnline)
		tracker.HandleWatchStreamFailure(&RPCError{Code: CodeUnavailable, Message: "blip"})
	}))
	queue.Drain()
	// one failure after being healthy only drops to Unknown
	assert.Equal(t, OnlineStateUnknown, rec.last(t))

	require.NoError(t, queue.Enqueue(func() {
		tracker.HandleWatchStreamFailure(&RPCError{Code: CodeUnavailable, Message: "down"})
	}))
	queue.Drain()
	assert.Equal(t, OnlineStateOffline, rec.last(t))
}
