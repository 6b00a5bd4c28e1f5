package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftdb/driftdb/local"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
)

const (
	// PrimaryLeaseRefreshInterval is how often the holder re-stamps the
	// lease; PrimaryLeaseMaxAge is how stale the stamp may get before
	// another client takes over. The gap absorbs one missed refresh.
	PrimaryLeaseRefreshInterval = 4 * time.Second
	PrimaryLeaseMaxAge          = 5 * time.Second
)

// ClientStateEventKind enumerates the coordination facts clients of
// one database share.
type ClientStateEventKind int

const (
	EventPrimaryChanged ClientStateEventKind = iota
	EventMutationResolved
	EventTargetChanged
)

type ClientStateEvent struct {
	Kind      ClientStateEventKind
	Owner     string
	IsPrimary bool
	BatchID   model.BatchID
	Err       error
	TargetID  query.TargetID
	Added     bool
}

// SharedClientState distributes coordination facts between the clients
// sharing one database.
type SharedClientState interface {
	PublishPrimaryState(owner string, isPrimary bool)
	PublishMutationResult(batchID model.BatchID, err error)
	PublishTargetUpdate(targetID query.TargetID, added bool)
	Subscribe(fn func(ClientStateEvent))
}

// InProcessClientState fans events out to in-process subscribers. A
// storage-backed transport can replace it when clients live in
// separate processes.
type InProcessClientState struct {
	mu   sync.Mutex
	subs []func(ClientStateEvent)
}

func NewInProcessClientState() *InProcessClientState { return &InProcessClientState{} }

func (s *InProcessClientState) Subscribe(fn func(ClientStateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *InProcessClientState) publish(ev ClientStateEvent) {
	s.mu.Lock()
	subs := append([]func(ClientStateEvent){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *InProcessClientState) PublishPrimaryState(owner string, isPrimary bool) {
	s.publish(ClientStateEvent{Kind: EventPrimaryChanged, Owner: owner, IsPrimary: isPrimary})
}

func (s *InProcessClientState) PublishMutationResult(batchID model.BatchID, err error) {
	s.publish(ClientStateEvent{Kind: EventMutationResolved, BatchID: batchID, Err: err})
}

func (s *InProcessClientState) PublishTargetUpdate(targetID query.TargetID, added bool) {
	s.publish(ClientStateEvent{Kind: EventTargetChanged, TargetID: targetID, Added: added})
}

// PrimaryLeaseMonitor keeps one client primary at a time: it races for
// the persisted lease, re-stamps it on a timer while holding it, and
// drives promotion and demotion through onChange. Runs entirely on the
// async queue.
type PrimaryLeaseMonitor struct {
	log         utils.Logger
	queue       *utils.AsyncQueue
	persistence local.Persistence
	store       *local.LeaseStore
	state       SharedClientState
	onChange    func(isPrimary bool) error

	isPrimary bool
	refresh   *utils.DelayedTask
	stopped   bool
}

// NewPrimaryLeaseMonitor mints a fresh client identity. The v7 uuid
// keeps owner ids time-sortable in debug output.
func NewPrimaryLeaseMonitor(
	log utils.Logger,
	queue *utils.AsyncQueue,
	persistence local.Persistence,
	clock model.Clock,
	state SharedClientState,
	onChange func(isPrimary bool) error,
) *PrimaryLeaseMonitor {
	owner := uuid.Must(uuid.NewV7()).String()
	return &PrimaryLeaseMonitor{
		log:         log,
		queue:       queue,
		persistence: persistence,
		store:       local.NewLeaseStore(owner, clock, PrimaryLeaseMaxAge),
		state:       state,
		onChange:    onChange,
	}
}

func (m *PrimaryLeaseMonitor) Owner() string   { return m.store.Owner() }
func (m *PrimaryLeaseMonitor) IsPrimary() bool { return m.isPrimary }

// Start races for the lease, installs the commit-time verification
// hook and begins the refresh cycle.
func (m *PrimaryLeaseMonitor) Start() error {
	if v, ok := m.persistence.(local.LeaseVerifier); ok {
		v.SetVerifyLease(m.store.Verify)
	}
	return m.tick()
}

// Stop releases the lease so the next contender need not wait out the
// age limit.
func (m *PrimaryLeaseMonitor) Stop() error {
	m.stopped = true
	if m.refresh != nil {
		m.refresh.Cancel()
		m.refresh = nil
	}
	if !m.isPrimary {
		return nil
	}
	m.isPrimary = false
	err := m.persistence.Run("release primary lease", local.ReadWrite, m.store.Release)
	if m.state != nil {
		m.state.PublishPrimaryState(m.store.Owner(), false)
	}
	return err
}

// tick makes one acquire-or-extend attempt and schedules the next.
func (m *PrimaryLeaseMonitor) tick() error {
	if m.stopped {
		return nil
	}
	held, err := local.RunWith(m.persistence, "refresh primary lease", local.ReadWrite, m.store.TryAcquire)
	if err != nil {
		m.log.Error("lease refresh failed", "err", err)
		held = false
	}
	m.refresh = m.queue.EnqueueAfter(PrimaryLeaseRefreshInterval, utils.TimerPrimaryLeaseRefresh, func() {
		if err := m.tick(); err != nil {
			m.log.Error("lease tick failed", "err", err)
		}
	})
	return m.applyState(held)
}

func (m *PrimaryLeaseMonitor) applyState(isPrimary bool) error {
	if isPrimary == m.isPrimary {
		return nil
	}
	m.isPrimary = isPrimary
	if isPrimary {
		m.log.Info("acquired primary lease", "owner", m.store.Owner())
	} else {
		m.log.Info("lost primary lease", "owner", m.store.Owner())
	}
	if m.state != nil {
		m.state.PublishPrimaryState(m.store.Owner(), isPrimary)
	}
	if m.onChange != nil {
		return m.onChange(isPrimary)
	}
	return nil
}
