package engine

import (
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
)

// ListenOptions tune what a listener gets to see.
type ListenOptions struct {
	// IncludeMetadataChanges also raises snapshots that only changed
	// fromCache or hasPendingWrites.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline delays the initial snapshot until the view
	// is synced with the server, unless the client is offline anyway.
	WaitForSyncWhenOnline bool
}

// QueryListener delivers a query's snapshots to one observer, applying
// the raise rules its options ask for.
type QueryListener struct {
	Query   query.Query
	Options ListenOptions
	OnNext  func(snap *ViewSnapshot)
	OnError func(err error)

	raisedInitial bool
	snap          *ViewSnapshot
	onlineState   remote.OnlineState
}

// OnViewSnapshot feeds the listener a new snapshot and reports whether
// an event was raised.
func (l *QueryListener) OnViewSnapshot(snap ViewSnapshot) bool {
	if len(snap.Changes) == 0 && !snap.SyncStateChanged && l.snap == nil {
		panic("driftdb: empty first snapshot")
	}
	raised := false
	if !l.Options.IncludeMetadataChanges {
		snap = stripMetadataChanges(snap)
	}
	if !l.raisedInitial {
		if l.shouldRaiseInitialEvent(snap) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.OnNext(&snap)
		raised = true
	}
	l.snap = &snap
	return raised
}

func (l *QueryListener) applyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitial && l.shouldRaiseInitialEvent(*l.snap) {
		l.raiseInitialEvent(*l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap ViewSnapshot) bool {
	if !snap.FromCache {
		return true
	}
	// an offline client will not get anything better than the cache
	maybeOnline := l.onlineState != remote.OnlineStateOffline
	if l.Options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	return true
}

func (l *QueryListener) shouldRaiseEvent(snap ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingChanged {
		return l.Options.IncludeMetadataChanges
	}
	return false
}

// raiseInitialEvent presents the current result set as if every
// document had just been added, since the observer saw nothing before.
func (l *QueryListener) raiseInitialEvent(snap ViewSnapshot) {
	changes := make([]DocumentViewChange, 0, snap.Documents.Len())
	for _, doc := range snap.Documents.Docs() {
		changes = append(changes, DocumentViewChange{Doc: doc, Type: ChangeAdded})
	}
	snap.Changes = changes
	snap.OldDocuments = NewDocumentSet(snap.Documents.cmp)
	snap.SyncStateChanged = true
	l.raisedInitial = true
	l.OnNext(&snap)
}

// stripMetadataChanges drops metadata-only entries from the change
// list for listeners that did not ask for them.
func stripMetadataChanges(snap ViewSnapshot) ViewSnapshot {
	var changes []DocumentViewChange
	for _, c := range snap.Changes {
		if c.Type != ChangeMetadata {
			changes = append(changes, c)
		}
	}
	snap.Changes = changes
	return snap
}

// queryEventSource is the sync engine surface the event manager
// drives.
type queryEventSource interface {
	Listen(q query.Query) (*ViewSnapshot, error)
	Unlisten(q query.Query)
}

type queryListeners struct {
	listeners []*QueryListener
	snap      *ViewSnapshot
}

// EventManager multiplexes listeners over queries: equal queries share
// one server listen and one view, and late listeners are served the
// retained snapshot immediately.
type EventManager struct {
	source      queryEventSource
	queries     map[string]*queryListeners
	onlineState remote.OnlineState
}

func NewEventManager(source queryEventSource) *EventManager {
	return &EventManager{source: source, queries: map[string]*queryListeners{}}
}

// AddListener subscribes. The first listener for a query starts the
// listen; later ones piggyback on the retained snapshot.
func (m *EventManager) AddListener(l *QueryListener) error {
	info, ok := m.queries[l.Query.CanonicalID()]
	if !ok {
		snap, err := m.source.Listen(l.Query)
		if err != nil {
			return err
		}
		info = &queryListeners{snap: snap}
		m.queries[l.Query.CanonicalID()] = info
	}
	info.listeners = append(info.listeners, l)
	l.applyOnlineStateChange(m.onlineState)
	if info.snap != nil {
		l.OnViewSnapshot(*info.snap)
	}
	return nil
}

// RemoveListener unsubscribes. The last listener for a query ends the
// listen.
func (m *EventManager) RemoveListener(l *QueryListener) {
	info, ok := m.queries[l.Query.CanonicalID()]
	if !ok {
		return
	}
	for i, other := range info.listeners {
		if other == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) == 0 {
		delete(m.queries, l.Query.CanonicalID())
		m.source.Unlisten(l.Query)
	}
}

// SyncEngineListener.

func (m *EventManager) OnViewSnapshots(snaps []ViewSnapshot) {
	for i := range snaps {
		snap := snaps[i]
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.OnViewSnapshot(snap)
		}
		info.snap = &snap
	}
}

func (m *EventManager) OnWatchError(q query.Query, err error) {
	info, ok := m.queries[q.CanonicalID()]
	if !ok {
		return
	}
	delete(m.queries, q.CanonicalID())
	for _, l := range info.listeners {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.applyOnlineStateChange(state)
		}
	}
}
