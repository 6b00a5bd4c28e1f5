package remote

import (
	"errors"

	"github.com/cespare/xxhash"
)

var ErrBloomFilterInvalid = errors.New("driftdb: invalid bloom filter")

// BloomFilter tests membership over a server-provided bit vector. The
// two base hashes come from xxhash over the key with distinct seeds;
// further probes are derived from them, so both sides compute the same
// k positions without exchanging hash functions.
type BloomFilter struct {
	bits      []byte
	bitCount  int
	hashCount int
}

func NewBloomFilter(bits []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding > 7 || hashCount < 0 {
		return nil, ErrBloomFilterInvalid
	}
	bitCount := len(bits)*8 - padding
	if bitCount < 0 || (len(bits) == 0 && padding != 0) {
		return nil, ErrBloomFilterInvalid
	}
	if bitCount > 0 && hashCount == 0 {
		return nil, ErrBloomFilterInvalid
	}
	return &BloomFilter{bits: bits, bitCount: bitCount, hashCount: hashCount}, nil
}

func (f *BloomFilter) BitCount() int { return f.bitCount }

// Bits, Padding and HashCount expose the wire shape of the filter.
func (f *BloomFilter) Bits() []byte { return f.bits }

func (f *BloomFilter) Padding() int { return len(f.bits)*8 - f.bitCount }

func (f *BloomFilter) HashCount() int { return f.hashCount }

// MightContain reports possible membership; false is authoritative.
func (f *BloomFilter) MightContain(key string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1 := xxhash.Sum64String(key)
	h2 := xxhash.Sum64String("\x01" + key)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(f.bitCount)
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Insert sets the key's bits, for building filters in tests and the
// in-process backend.
func (f *BloomFilter) Insert(key string) {
	if f.bitCount == 0 {
		return
	}
	h1 := xxhash.Sum64String(key)
	h2 := xxhash.Sum64String("\x01" + key)
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(f.bitCount)
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}
