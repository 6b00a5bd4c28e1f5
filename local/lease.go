package local

import (
	"errors"
	"time"

	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
)

// PrimaryLease is the persisted claim on networked sync. One client
// per database holds it at a time; the rest run cache-only until the
// holder stops refreshing and the lease ages out.
type PrimaryLease struct {
	Owner     string
	UpdatedAt model.Timestamp
}

const (
	litLeaseOwner = 'O'
	litLeaseTime  = 'T'
)

// LeaseVerifier is a persistence that can install a commit-time lease
// check for PrimaryLeaseReadWrite transactions.
type LeaseVerifier interface {
	SetVerifyLease(fn func(tx Transaction) error)
}

// LeaseStore reads, writes and verifies the primary lease global on
// behalf of one client identity.
type LeaseStore struct {
	owner  string
	clock  model.Clock
	maxAge time.Duration
}

func NewLeaseStore(owner string, clock model.Clock, maxAge time.Duration) *LeaseStore {
	return &LeaseStore{owner: owner, clock: clock, maxAge: maxAge}
}

func (s *LeaseStore) Owner() string { return s.owner }

// Get returns the persisted lease, nil when none was ever written.
func (s *LeaseStore) Get(tx Transaction) (*PrimaryLease, error) {
	v, err := tx.Get(globalKey(globalPrimaryLease))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	owner, rest, err := protocol.TakeWary(litLeaseOwner, v)
	if err != nil {
		return nil, err
	}
	at, _, err := protocol.TakeWary(litLeaseTime, rest)
	if err != nil {
		return nil, err
	}
	return &PrimaryLease{Owner: string(owner), UpdatedAt: codec.DecodeTimestamp(at)}, nil
}

func (s *LeaseStore) put(tx Transaction, lease *PrimaryLease) error {
	buf := protocol.Record(litLeaseOwner, []byte(lease.Owner))
	buf = protocol.Append(buf, litLeaseTime, codec.EncodeTimestamp(lease.UpdatedAt))
	return tx.Set(globalKey(globalPrimaryLease), buf)
}

// Expired reports whether the lease is free for the taking at now.
func (s *LeaseStore) Expired(lease *PrimaryLease, now model.Timestamp) bool {
	if lease == nil {
		return true
	}
	return now.Time().Sub(lease.UpdatedAt.Time()) > s.maxAge
}

// TryAcquire extends our lease or takes a free one, and reports
// whether we hold the lease after the attempt.
func (s *LeaseStore) TryAcquire(tx Transaction) (bool, error) {
	lease, err := s.Get(tx)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if lease != nil && lease.Owner != s.owner && !s.Expired(lease, now) {
		return false, nil
	}
	return true, s.put(tx, &PrimaryLease{Owner: s.owner, UpdatedAt: now})
}

// Verify is the PrimaryLeaseReadWrite commit hook: the transaction may
// only commit while this client holds an unexpired lease.
func (s *LeaseStore) Verify(tx Transaction) error {
	lease, err := s.Get(tx)
	if err != nil {
		return err
	}
	if lease == nil || lease.Owner != s.owner || s.Expired(lease, s.clock.Now()) {
		return ErrPrimaryLeaseLost
	}
	return nil
}

// Release drops the lease if this client holds it, letting another
// client take over immediately instead of waiting out the age limit.
func (s *LeaseStore) Release(tx Transaction) error {
	lease, err := s.Get(tx)
	if err != nil {
		return err
	}
	if lease != nil && lease.Owner == s.owner {
		return tx.Delete(globalKey(globalPrimaryLease))
	}
	return nil
}
