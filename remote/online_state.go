package remote

import (
	"time"

	"github.com/driftdb/driftdb/utils"
)

// OnlineState describes whether the client should trust the server
// connection. It shapes snapshot metadata (fromCache) rather than
// behavior: listens keep working from cache while offline.
type OnlineState int

const (
	// OnlineStateUnknown is the initial state and the state right after
	// a single failure; the client stays optimistic.
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	// one failed attempt is tolerated before going offline
	maxWatchStreamFailures = 1
	onlineStateTimeout     = 10 * time.Second
)

// OnlineStateTracker derives the online state from watch stream
// progress. Rather than flapping offline on the first hiccup it allows
// one failed attempt and a grace period, then commits to Offline so
// listeners get their fromCache snapshots promptly.
type OnlineStateTracker struct {
	log      utils.Logger
	queue    *utils.AsyncQueue
	onChange func(OnlineState)

	state      OnlineState
	failures   int
	timer      *utils.DelayedTask
	shouldWarn bool
}

func NewOnlineStateTracker(log utils.Logger, queue *utils.AsyncQueue, onChange func(OnlineState)) *OnlineStateTracker {
	return &OnlineStateTracker{
		log:        log,
		queue:      queue,
		onChange:   onChange,
		shouldWarn: true,
	}
}

func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart arms the grace period: if the stream cannot
// reach Online in time the client is declared Offline.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.state != OnlineStateUnknown || t.timer != nil {
		return
	}
	t.timer = t.queue.EnqueueAfter(onlineStateTimeout, utils.TimerOnlineStateTimeout, func() {
		t.timer = nil
		if t.state == OnlineStateUnknown {
			t.warnOffline("backend did not respond within 10 seconds")
			t.set(OnlineStateOffline)
		}
	})
}

func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		// first failure after being healthy: back to Unknown, the next
		// attempt decides
		t.set(OnlineStateUnknown)
		t.failures = 0
		return
	}
	t.failures++
	if t.failures >= maxWatchStreamFailures {
		t.clearTimer()
		t.warnOffline("connection failed: " + errString(err))
		t.set(OnlineStateOffline)
	}
}

// Set forces a state, e.g. Online on the first watch message or
// Offline when the network is disabled.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.failures = 0
	t.set(state)
}

func (t *OnlineStateTracker) set(state OnlineState) {
	if state == t.state {
		return
	}
	t.state = state
	t.onChange(state)
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}

func (t *OnlineStateTracker) warnOffline(detail string) {
	if !t.shouldWarn {
		t.log.Debug("online state: client is offline", "detail", detail)
		return
	}
	t.log.Warn("online state: could not reach backend, operating in offline mode", "detail", detail)
	t.shouldWarn = false
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}
