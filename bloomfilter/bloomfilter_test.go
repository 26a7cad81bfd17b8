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
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestNewBloomFilter(t *testing.T) {
	bf, err := New(1000, 0.01)
	if err != nil {
		t.Fatalf("Error creating BloomFilter: %v", err)
	}

	if bf.Size == 0 {
		t.Errorf("Expected non-zero size, got %d", bf.Size)
	}
	if len(bf.Bitset) == 0 {
		t.Errorf("Expected non-empty bitset, got empty")
	}
	if bf.HashCount == 0 {
		t.Errorf("Expected at least one hash function")
	}
	if err := bf.Validate(); err != nil {
		t.Errorf("Fresh filter should validate: %v", err)
	}
}

func TestNewBloomFilterInvalidArgs(t *testing.T) {
	if _, err := New(0, 0.01); err == nil {
		t.Errorf("Expected error for zero expected items")
	}
	if _, err := New(10, 0); err == nil {
		t.Errorf("Expected error for zero false positive rate")
	}
	if _, err := New(10, 1); err == nil {
		t.Errorf("Expected error for false positive rate of 1")
	}
}

func TestAddAndContains(t *testing.T) {
	bf, err := New(1000, 0.01)
	if err != nil {
		t.Fatalf("Error creating BloomFilter: %v", err)
	}

	bf.AddString("testdata")
	if !bf.ContainsString("testdata") {
		t.Errorf("Expected BloomFilter to contain testdata")
	}

	bf.AddString("")
	if !bf.ContainsString("") {
		t.Errorf("Expected BloomFilter to contain the empty key")
	}
}

func TestValidateRejectsCorruptState(t *testing.T) {
	bf, err := New(100, 0.01)
	if err != nil {
		t.Fatalf("Error creating BloomFilter: %v", err)
	}

	truncated := &BloomFilter{Bitset: bf.Bitset[:1], Size: bf.Size, HashCount: bf.HashCount}
	if err := truncated.Validate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for truncated bitset, got %v", err)
	}

	empty := &BloomFilter{}
	if err := empty.Validate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for empty filter, got %v", err)
	}
}

func TestConcurrentContains(t *testing.T) {
	bf, err := New(1000, 0.01)
	if err != nil {
		t.Fatalf("Error creating BloomFilter: %v", err)
	}

	for i := 0; i < 1000; i++ {
		bf.AddString(fmt.Sprintf("key-%d", i))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if !bf.ContainsString(fmt.Sprintf("key-%d", i)) {
					t.Errorf("Added key-%d not found", i)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestCollisionRate(t *testing.T) {
	expectedItems := uint(10000)
	falsePositiveRate := 0.01 // 1% expected false positive rate

	bf, err := New(expectedItems, falsePositiveRate)
	if err != nil {
		t.Fatalf("Error creating BloomFilter: %v", err)
	}

	rng := rand.New(rand.NewSource(42))

	// Generate and add unique items to the filter
	addedItems := make([]string, expectedItems)
	for i := uint(0); i < expectedItems; i++ {
		data := make([]byte, 16)
		rng.Read(data)
		addedItems[i] = string(data)
		bf.AddString(addedItems[i])
	}

	// Verify all added items are found (should be 100%)
	for i, item := range addedItems {
		if !bf.ContainsString(item) {
			t.Errorf("Added item %d not found in BloomFilter", i)
		}
	}

	// Test for false positives with new random items
	testItems := uint(100000)
	falsePositives := 0

	for i := uint(0); i < testItems; i++ {
		data := make([]byte, 16)
		rng.Read(data)

		if bf.ContainsString(string(data)) {
			falsePositives++
		}
	}

	actualFPR := float64(falsePositives) / float64(testItems)
	theoreticalFPR := bf.CalculateTheoreticalFPP(expectedItems)

	t.Logf("Expected FP rate: %.6f", falsePositiveRate)
	t.Logf("Theoretical FP rate: %.6f", theoreticalFPR)
	t.Logf("Actual FP rate: %.6f (%d false positives out of %d tests)",
		actualFPR, falsePositives, testItems)

	// Allow for some statistical variance (3x theoretical is usually acceptable)
	maxAcceptableFPR := 3.0 * theoreticalFPR

	if actualFPR > maxAcceptableFPR {
		t.Errorf("False positive rate too high: %.6f > %.6f (3x theoretical rate)",
			actualFPR, maxAcceptableFPR)
	}
}

func BenchmarkAdd(b *testing.B) {
	bf, err := New(1000, 0.01)
	if err != nil {
		b.Fatalf("Error creating BloomFilter: %v", err)
	}

	for i := 0; i < b.N; i++ {
		bf.AddString("testdata")
	}
}

func BenchmarkContains(b *testing.B) {
	bf, err := New(1000, 0.01)
	if err != nil {
		b.Fatalf("Error creating BloomFilter: %v", err)
	}

	bf.AddString("testdata")

	for i := 0; i < b.N; i++ {
		bf.ContainsString("testdata")
	}
}
