// Package kvdb
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
package kvdb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDGenerator(t *testing.T) {
	g := newIDGenerator()
	assert.Equal(t, int64(0), g.save())
}

func TestNextID_Monotonic(t *testing.T) {
	g := newIDGenerator()
	id1 := g.nextID()
	id2 := g.nextID()

	assert.Equal(t, int64(1), id1)
	assert.Greater(t, id2, id1)
	assert.Equal(t, id2, g.save())
}

func TestReloadIDGenerator(t *testing.T) {
	g := reloadIDGenerator(41)
	assert.Equal(t, int64(42), g.nextID())
}

func TestNextID_ThreadSafety(t *testing.T) {
	g := newIDGenerator()
	const numGoroutines = 100
	const idsPerGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan int64, numGoroutines*idsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				ids <- g.nextID()
			}
		}()
	}

	wg.Wait()
	close(ids)

	idSet := make(map[int64]struct{})
	for id := range ids {
		_, exists := idSet[id]
		require.False(t, exists, "duplicate id %d", id)
		idSet[id] = struct{}{}
	}
	assert.Equal(t, int64(numGoroutines*idsPerGoroutine), g.save())
}

func TestGeneratorsAreIndependent(t *testing.T) {
	a := newIDGenerator()
	b := newIDGenerator()

	a.nextID()
	a.nextID()

	assert.Equal(t, int64(1), b.nextID())
}
