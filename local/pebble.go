package local

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/driftdb/driftdb/utils"
)

var writeOptions = pebble.WriteOptions{Sync: false}

// PebblePersistence is the durable Persistence over a pebble store.
// One transaction runs at a time; the task queue serializes callers
// anyway, the mutex only guards stray direct use.
type PebblePersistence struct {
	log    utils.Logger
	db     *pebble.DB
	mu     sync.Mutex
	closed atomic.Bool

	// VerifyLease is consulted before committing a
	// PrimaryLeaseReadWrite transaction. Installed by the shared client
	// state layer; nil means single-client operation.
	VerifyLease func(tx Transaction) error
}

func OpenPebble(dirname string, log utils.Logger) (*PebblePersistence, error) {
	opts := pebble.Options{
		ErrorIfNotExists: false,
		DisableWAL:       false,
	}
	db, err := pebble.Open(dirname, &opts)
	if err != nil {
		return nil, fmt.Errorf("driftdb: open %s: %w", dirname, err)
	}
	return &PebblePersistence{log: log, db: db}, nil
}

func (p *PebblePersistence) SetVerifyLease(fn func(tx Transaction) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VerifyLease = fn
}

func (p *PebblePersistence) Run(label string, mode TransactionMode, fn func(tx Transaction) error) error {
	if p.closed.Load() {
		return ErrPersistenceClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if mode == ReadOnly {
		snap := p.db.NewSnapshot()
		defer snap.Close()
		return fn(&pebbleTx{reader: snap})
	}

	batch := p.db.NewIndexedBatch()
	tx := &pebbleTx{reader: batch, batch: batch}
	if err := fn(tx); err != nil {
		batch.Close()
		return err
	}
	if mode == PrimaryLeaseReadWrite && p.VerifyLease != nil {
		if err := p.VerifyLease(tx); err != nil {
			batch.Close()
			p.log.Warn("transaction aborted, lease lost", "txn", label)
			return err
		}
	}
	if err := batch.Commit(&writeOptions); err != nil {
		return fmt.Errorf("driftdb: commit %s: %w", label, err)
	}
	return nil
}

func (p *PebblePersistence) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Close()
}

// DB exposes the underlying store for metrics collection.
func (p *PebblePersistence) DB() *pebble.DB { return p.db }

func (p *PebblePersistence) EstimatedSizeBytes() int64 {
	if p.closed.Load() {
		return 0
	}
	return int64(p.db.Metrics().DiskSpaceUsage())
}

type pebbleTx struct {
	reader pebble.Reader
	batch  *pebble.Batch // nil when read-only
}

func (t *pebbleTx) Get(key []byte) ([]byte, error) {
	val, closer, err := t.reader.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	closer.Close()
	return out, nil
}

func (t *pebbleTx) Set(key, value []byte) error {
	if t.batch == nil {
		return ErrTransactionAborted
	}
	return t.batch.Set(key, value, &writeOptions)
}

func (t *pebbleTx) Delete(key []byte) error {
	if t.batch == nil {
		return ErrTransactionAborted
	}
	return t.batch.Delete(key, &writeOptions)
}

func (t *pebbleTx) NewIter(lo, hi []byte) (Iterator, error) {
	return t.reader.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
}
