// Package bloomfilter
//
// (C) Copyright Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bloomfilter

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// BloomFilter struct represents a Bloom filter.  The exported fields are its persisted state.
type BloomFilter struct {
	Bitset    []byte `bson:"bitset"`     // Bitset, each byte stores 8 bits
	Size      int64  `bson:"size"`       // Size of the bit array
	HashCount int64  `bson:"hash_count"` // Number of hash functions
}

// ErrInvalidState is returned when a decoded filter is not usable
var ErrInvalidState = errors.New("bloom filter state is invalid")

// New creates a new Bloom filter with an expected number of items and false positive rate
func New(expectedItems uint, falsePositiveRate float64) (*BloomFilter, error) {
	if expectedItems == 0 {
		return nil, errors.New("expectedItems must be greater than 0")
	}

	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, errors.New("falsePositiveRate must be between 0 and 1")
	}

	// Calculate optimal size and add a safety margin for low FPR cases
	size := optimalSize(expectedItems, falsePositiveRate)
	if falsePositiveRate < 0.01 {
		// Add 20% extra space for very low FPR targets
		size = uint(float64(size) * 1.2)
	}

	// Odd size improves the spread of the double hashing positions
	size = nextOddNumber(size)

	hashCount := optimalHashCount(size, expectedItems)

	bf := &BloomFilter{
		Bitset:    make([]byte, (size+7)/8),
		Size:      int64(size),
		HashCount: int64(hashCount),
	}

	return bf, nil
}

// Validate checks the state of a filter restored from disk
func (bf *BloomFilter) Validate() error {
	if bf.Size <= 0 || bf.HashCount <= 0 {
		return errors.Wrapf(ErrInvalidState, "size %d, hash count %d", bf.Size, bf.HashCount)
	}
	if int64(len(bf.Bitset)) != (bf.Size+7)/8 {
		return errors.Wrapf(ErrInvalidState, "bitset holds %d bytes for %d bits", len(bf.Bitset), bf.Size)
	}
	return nil
}

// AddString adds an item to the Bloom filter
func (bf *BloomFilter) AddString(s string) {
	bf.set(xxhash.Sum64String(s))
}

// ContainsString checks if an item might exist in the Bloom filter.
// It only reads the bitset and is safe for concurrent use once the filter is no longer written.
func (bf *BloomFilter) ContainsString(s string) bool {
	return bf.test(xxhash.Sum64String(s))
}

func (bf *BloomFilter) set(h uint64) {
	h1, h2 := twoHashes(h)

	// h_i(x) = (h1(x) + i*h2(x)) mod m
	m := uint64(bf.Size)
	if h2%m == 0 {
		h2++
	}
	for i := int64(0); i < bf.HashCount; i++ {
		position := (h1 + uint64(i)*h2) % m
		bf.Bitset[position/8] |= 1 << (position % 8)
	}
}

func (bf *BloomFilter) test(h uint64) bool {
	h1, h2 := twoHashes(h)

	m := uint64(bf.Size)
	if h2%m == 0 {
		h2++
	}
	for i := int64(0); i < bf.HashCount; i++ {
		position := (h1 + uint64(i)*h2) % m
		if bf.Bitset[position/8]&(1<<(position%8)) == 0 {
			return false // Definitely not in set
		}
	}
	return true // Might be in set
}

// twoHashes derives the two double hashing values from a single xxhash digest.
// The second is a rotated, multiplied remix of the first so the two do not correlate.
func twoHashes(h1 uint64) (uint64, uint64) {
	h2 := (h1 >> 33) | (h1 << 31)
	h2 ^= h1 >> 13
	h2 *= 0x9E3779B97F4A7C15
	return h1, h2
}

// optimalSize calculates the optimal size of the bit array
func optimalSize(n uint, p float64) uint {
	return uint(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
}

// optimalHashCount calculates the optimal number of hash functions
func optimalHashCount(size uint, n uint) uint {
	return uint(math.Ceil(float64(size) / float64(n) * math.Log(2)))
}

// nextOddNumber returns the next odd number >= n
func nextOddNumber(n uint) uint {
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// CalculateTheoreticalFPP returns the theoretical false positive probability
// based on the current state of the filter
func (bf *BloomFilter) CalculateTheoreticalFPP(itemsAdded uint) float64 {
	if itemsAdded == 0 {
		return 0.0
	}

	// (1 - e^(-kn/m))^k
	k := float64(bf.HashCount)
	m := float64(bf.Size)
	n := float64(itemsAdded)

	return math.Pow(1.0-math.Exp(-k*n/m), k)
}
