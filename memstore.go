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
	"sync/atomic"

	"go.uber.org/zap"
)

// MemStore owns the active memtable and rotates it out once it crosses the write buffer size
type MemStore struct {
	active     atomic.Pointer[MemTable] // Memtable receiving writes
	lock       sync.Mutex               // Serializes rotation
	flusher    *Flusher                 // Receives retired memtables
	threshold  int64                    // Rotation threshold in accounted bytes
	generation atomic.Int64             // Number of memtables created, for logging
	logger     *zap.Logger
}

// newMemStore creates a MemStore with an empty active memtable
func newMemStore(flusher *Flusher, threshold int64, logger *zap.Logger) *MemStore {
	m := &MemStore{
		flusher:   flusher,
		threshold: threshold,
		logger:    logger,
	}
	m.generation.Store(1)
	m.active.Store(newMemTable())
	return m
}

// put writes to the active memtable, retrying when a rotation froze the table first.
// It returns the table that took the write.
func (m *MemStore) put(key TaggedKey, value ValueHolder) *MemTable {
	for {
		t := m.active.Load()
		if t.set(key, value) {
			return t
		}
	}
}

// maybeRotate retires t if it is still active and over the threshold.  The unlocked size
// check keeps the common path free of the rotation lock.
func (m *MemStore) maybeRotate(t *MemTable) error {
	if t.approxSize() < m.threshold {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.active.Load() != t || t.Size() < m.threshold {
		return nil
	}

	return m.rotateLocked(t)
}

// rotateLocked replaces t with a fresh memtable and hands t to the flusher.  t is tracked
// as in flight before it stops being active and frozen by schedulePersist after, so late
// writers retry on the new table and readers always find it.
func (m *MemStore) rotateLocked(t *MemTable) error {
	m.flusher.track(t)
	m.active.Store(newMemTable())
	gen := m.generation.Add(1)

	if err := m.flusher.schedulePersist(t); err != nil {
		return err
	}

	m.logger.Debug("rotated memtable",
		zap.Int64("generation", gen),
		zap.Int64("retired_bytes", t.approxSize()),
		zap.Int64("retired_entries", t.data.Len()))

	return nil
}

// get returns the newest version of key held in memory
func (m *MemStore) get(key string) (ValueHolder, bool) {
	if v, ok := m.active.Load().get(key); ok {
		return v, true
	}

	for _, t := range m.flusher.tables() {
		if v, ok := t.get(key); ok {
			return v, true
		}
	}

	return ValueHolder{}, false
}

// getRawRange returns cursors over the active memtable and every in-flight one, newest first
func (m *MemStore) getRawRange(from, to TaggedKey) []rowCursor {
	cursors := []rowCursor{m.active.Load().getRawRange(from, to)}
	for _, t := range m.flusher.tables() {
		cursors = append(cursors, t.getRawRange(from, to))
	}
	return cursors
}

// flush retires the active memtable if it holds anything and returns the newest memtable
// the caller has to wait for, or nil if nothing is pending.
func (m *MemStore) flush() (*MemTable, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	t := m.active.Load()
	if !t.isEmpty() {
		if err := m.rotateLocked(t); err != nil {
			return nil, err
		}
		return t, nil
	}

	if inFlight := m.flusher.tables(); len(inFlight) > 0 {
		return inFlight[0], nil
	}

	return nil, nil
}
