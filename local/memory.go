package local

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryPersistence keeps everything in an ordered in-process map. It
// backs tests and cache-only clients that opt out of durability.
type MemoryPersistence struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool

	VerifyLease func(tx Transaction) error
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{data: map[string][]byte{}}
}

func (p *MemoryPersistence) SetVerifyLease(fn func(tx Transaction) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VerifyLease = fn
}

func (p *MemoryPersistence) Run(label string, mode TransactionMode, fn func(tx Transaction) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPersistenceClosed
	}
	tx := &memoryTx{base: p.data, writes: map[string][]byte{}, readOnly: mode == ReadOnly}
	if err := fn(tx); err != nil {
		return err
	}
	if mode == PrimaryLeaseReadWrite && p.VerifyLease != nil {
		if err := p.VerifyLease(tx); err != nil {
			return err
		}
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(p.data, k)
		} else {
			p.data[k] = v
		}
	}
	return nil
}

func (p *MemoryPersistence) EstimatedSizeBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for k, v := range p.data {
		n += int64(len(k) + len(v))
	}
	return n
}

func (p *MemoryPersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// memoryTx buffers writes; a nil buffered value is a deletion.
type memoryTx struct {
	base     map[string][]byte
	writes   map[string][]byte
	readOnly bool
}

func (t *memoryTx) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	v, ok := t.base[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTx) Set(key, value []byte) error {
	if t.readOnly {
		return ErrTransactionAborted
	}
	t.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTx) Delete(key []byte) error {
	if t.readOnly {
		return ErrTransactionAborted
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *memoryTx) NewIter(lo, hi []byte) (Iterator, error) {
	inRange := func(k string) bool {
		if bytes.Compare([]byte(k), lo) < 0 {
			return false
		}
		return hi == nil || bytes.Compare([]byte(k), hi) < 0
	}
	merged := map[string][]byte{}
	for k, v := range t.base {
		if inRange(k) {
			merged[k] = v
		}
	}
	for k, v := range t.writes {
		if !inRange(k) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memoryIter{data: merged, keys: keys, pos: -1}, nil
}

type memoryIter struct {
	data map[string][]byte
	keys []string
	pos  int
}

func (it *memoryIter) First() bool {
	it.pos = 0
	return it.Valid()
}

func (it *memoryIter) Valid() bool { return it.pos >= 0 && it.pos < len(it.keys) }

func (it *memoryIter) Next() bool {
	it.pos++
	return it.Valid()
}

func (it *memoryIter) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memoryIter) Value() []byte { return it.data[it.keys[it.pos]] }
func (it *memoryIter) Close() error  { return nil }
