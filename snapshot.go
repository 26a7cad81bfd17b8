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
)

// SnapshotManager hands out snapshot ids.  Writes are tagged with the current id and
// DoSnapshot freezes the current id for a reader while advancing the counter, so writes
// made afterwards carry a larger id and stay invisible to that reader.
type SnapshotManager struct {
	counter *IDGenerator  // last value is the id new writes are tagged with
	writes  sync.RWMutex  // held shared while a write is being tagged and applied
	mu      sync.Mutex    // guards live
	live    map[int64]int // snapshot ids held by open views
}

// newSnapshotManager creates a manager whose current id is current
func newSnapshotManager(current int64) *SnapshotManager {
	if current < 1 {
		current = 1
	}
	return &SnapshotManager{
		counter: reloadIDGenerator(current),
		live:    make(map[int64]int),
	}
}

// Current returns the id new writes are tagged with
func (sm *SnapshotManager) Current() int64 {
	return sm.counter.save()
}

// beginWrite returns the id to tag a write with.  The write must be applied before
// endWrite is called, which keeps a concurrent DoSnapshot from returning the same id
// before the write is visible.
func (sm *SnapshotManager) beginWrite() int64 {
	sm.writes.RLock()
	return sm.counter.save()
}

// endWrite releases the permit taken by beginWrite
func (sm *SnapshotManager) endWrite() {
	sm.writes.RUnlock()
}

// DoSnapshot returns the current id, registers it as live and advances the counter
func (sm *SnapshotManager) DoSnapshot() int64 {
	sm.writes.Lock()
	defer sm.writes.Unlock()

	// OldestLive must never observe the advanced counter without the new id
	sm.mu.Lock()
	id := sm.counter.nextID() - 1
	sm.live[id]++
	sm.mu.Unlock()

	return id
}

// Release drops a live snapshot id
func (sm *SnapshotManager) Release(id int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if n, ok := sm.live[id]; ok {
		if n <= 1 {
			delete(sm.live, id)
		} else {
			sm.live[id] = n - 1
		}
	}
}

// OldestLive returns the oldest snapshot id still held by a view, or the current id if none are
func (sm *SnapshotManager) OldestLive() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	oldest := sm.Current()
	for id := range sm.live {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}
