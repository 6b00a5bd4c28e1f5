// Package local is the persistence layer: the mutation queue, the
// remote document cache, the target cache and the overlay cache, plus
// the LocalStore orchestrating them inside transactions.
package local

import (
	"errors"
)

var (
	ErrNotFound           = errors.New("driftdb: not found")
	ErrPersistenceClosed  = errors.New("driftdb: persistence closed")
	ErrPrimaryLeaseLost   = errors.New("driftdb: primary lease lost")
	ErrTransactionAborted = errors.New("driftdb: transaction aborted")
)

// TransactionMode declares up front what a transaction may do.
// PrimaryLeaseReadWrite additionally verifies this client still holds
// the primary lease before committing; losing the lease fails the
// transaction with ErrPrimaryLeaseLost.
type TransactionMode byte

const (
	ReadOnly TransactionMode = iota
	ReadWrite
	PrimaryLeaseReadWrite
)

// Iterator walks an ascending key range. Key/Value are only valid
// until the next positioning call.
type Iterator interface {
	First() bool
	Valid() bool
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

// Transaction is one atomic unit of reads and writes. Writes become
// visible to later transactions only after the enclosing Run commits.
type Transaction interface {
	// Get returns a copy of the stored value, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// NewIter iterates [lo, hi); nil hi means the rest of the keyspace.
	NewIter(lo, hi []byte) (Iterator, error)
}

// Persistence runs transactions over the underlying store. All store
// components operate on the Transaction they are handed; none of them
// touch the database directly.
type Persistence interface {
	Run(label string, mode TransactionMode, fn func(tx Transaction) error) error
	Close() error
}

// RunWith runs fn and passes its result out, for transactions that
// produce a value.
func RunWith[T any](p Persistence, label string, mode TransactionMode, fn func(tx Transaction) (T, error)) (T, error) {
	var out T
	err := p.Run(label, mode, func(tx Transaction) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}
