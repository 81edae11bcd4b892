// Package bloom implements the double-hashing Bloom filter embedded in each
// OLTP SSTable, sized for the configured false-positive rate.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

var errTruncated = errors.New("bloom: truncated buffer")

// Filter is a fixed-size bit array probed with the standard Kirsch-Mitzenmacher
// double-hashing scheme: k probes derived from two independent 64-bit hashes
// instead of k independent hash functions.
type Filter struct {
	bits []uint64
	k    int
	n    int // number of bits
}

// New sizes a filter for expectedItems entries at the given false positive
// rate (default 0.01, configurable via storage.bloom_false_positive).
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	m := optimalBits(expectedItems, falsePositiveRate)
	k := optimalHashes(expectedItems, m)

	words := (m + 63) / 64
	return &Filter{bits: make([]uint64, words), k: k, n: words * 64}
}

func optimalBits(n int, p float64) int {
	m := -1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	return int(math.Ceil(m))
}

func optimalHashes(n, m int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

func hash64(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	sum2 := h2.Sum64()
	if sum2 == 0 {
		sum2 = 1
	}
	return sum1, sum2
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := hash64(key)
	for i := 0; i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(f.n)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain reports whether key might be present. False means definitely
// absent; true means present or a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hash64(key)
	for i := 0; i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(f.n)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Marshal serializes the filter for embedding in an SSTable footer region:
// [u32 k][u32 numWords][numWords * u64 bits].
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 8+len(f.bits)*8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.k))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.bits)))
	for i, w := range f.bits {
		binary.BigEndian.PutUint64(buf[8+i*8:], w)
	}
	return buf
}

// Unmarshal parses a filter previously produced by Marshal.
func Unmarshal(buf []byte) (*Filter, error) {
	if len(buf) < 8 {
		return nil, errTruncated
	}
	k := int(binary.BigEndian.Uint32(buf[0:4]))
	numWords := int(binary.BigEndian.Uint32(buf[4:8]))
	if len(buf) < 8+numWords*8 {
		return nil, errTruncated
	}
	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.BigEndian.Uint64(buf[8+i*8:])
	}
	return &Filter{bits: bits, k: k, n: numWords * 64}, nil
}
