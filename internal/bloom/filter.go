// Package bloom provides a probabilistic data structure for efficient membership testing.
package bloom

import (
	"math"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Filter provides probabilistic membership testing with configurable false positive rate.
// It guarantees no false negatives - if an item was added, Contains() will always return true.
//
// A Filter is built once while a block is sealed and never changes afterwards,
// so it carries no lock. It is encoded as part of the block.
type Filter struct {
	_struct bool `codec:",toarray"` //nolint:unused,structcheck

	NumBits   uint64
	NumHashes uint64
	Count     uint64
	Bits      []byte
}

// New creates a new Filter with the specified number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	// Round up to whole bytes
	numBytes := (numBits + 7) / 8

	return &Filter{
		NumBits:   uint64(numBytes * 8),
		NumHashes: uint64(numHashes),
		Bits:      make([]byte, numBytes),
	}
}

// NewWithEstimates creates a Filter optimized for the expected number of items
// and target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters calculates the optimal number of bits and hash functions
// for a given expected number of items and target false positive rate.
//
// The formulas are:
//   - m = -n * ln(p) / (ln(2)^2)  where m = bits, n = items, p = FPR
//   - k = (m/n) * ln(2)           where k = hash functions
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	p := targetFPR
	ln2Sq := math.Ln2 * math.Ln2

	m := -n * math.Log(p) / ln2Sq
	numBits = int(math.Ceil(m))

	k := (m / n) * math.Ln2
	numHashes = int(math.Ceil(k))

	// Ensure minimum values
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}

	return numBits, numHashes
}

// Add adds an item to the filter.
func (f *Filter) Add(item []byte) {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.NumHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.NumBits
		f.Bits[pos/8] |= 1 << (pos % 8)
	}
	f.Count++
}

// AddString adds a case-folded string.
func (f *Filter) AddString(s string) {
	f.Add([]byte(strings.ToLower(s)))
}

// Contains tests if an item might be in the filter.
// Returns true if the item might be present (could be false positive).
// Returns false if the item is definitely not present (no false negatives).
func (f *Filter) Contains(item []byte) bool {
	if f == nil || f.NumBits == 0 {
		return true
	}
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.NumHashes; i++ {
		pos := (h1 + i*h2) % f.NumBits
		if f.Bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// ContainsString tests a case-folded string.
func (f *Filter) ContainsString(s string) bool {
	return f.Contains([]byte(strings.ToLower(s)))
}

// FalsePositiveRate returns the estimated false positive rate based on
// the current fill ratio.
//
// Formula: (1 - e^(-k*n/m))^k
func (f *Filter) FalsePositiveRate() float64 {
	if f.Count == 0 {
		return 0
	}
	k := float64(f.NumHashes)
	n := float64(f.Count)
	m := float64(f.NumBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// SizeBytes returns the size of the bit array.
func (f *Filter) SizeBytes() int {
	return len(f.Bits)
}
