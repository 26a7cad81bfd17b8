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

	"github.com/wildcatdb/kvdb/skiplist"
)

// A memtable is one generation of in-memory writes.  It is active until rotated out, then
// frozen and handed to the flusher, and dropped once its sstable is registered in the store.

// lengthPrefixSize is the accounted overhead of one length field
const lengthPrefixSize = 4

// MemTable is a concurrent sorted map from tagged keys to values
type MemTable struct {
	data        *skiplist.SkipList[TaggedKey, ValueHolder] // Lock-free sorted entries
	lock        sync.RWMutex                               // Writers hold it shared, Size and freeze take it exclusively
	frozen      bool                                       // Set once under lock, writers seeing it retry on the next table
	size        atomic.Int64                               // Accounted serialized size
	maxSnapshot atomic.Int64                               // Largest snapshot id written
	tracked     atomic.Bool                                // Registered in the flusher's in-flight list
	persisted   chan struct{}                              // Closed once the flush of this table finished
	err         error                                      // Flush outcome, readable after persisted is closed
}

// newMemTable creates an empty memtable
func newMemTable() *MemTable {
	return &MemTable{
		data:      skiplist.New[TaggedKey, ValueHolder](compareTaggedKeys),
		persisted: make(chan struct{}),
	}
}

// set inserts or overwrites a version.  It returns false if the table was frozen, in which
// case nothing was written.
func (t *MemTable) set(key TaggedKey, value ValueHolder) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.frozen {
		return false
	}

	old, replaced := t.data.Put(key, value)

	delta := int64(len(value.Payload) + lengthPrefixSize)
	if replaced {
		delta -= int64(len(old.Payload) + lengthPrefixSize)
	} else {
		delta += int64(len(key.Key) + lengthPrefixSize)
	}
	t.size.Add(delta)

	for {
		current := t.maxSnapshot.Load()
		if key.SnapshotID <= current || t.maxSnapshot.CompareAndSwap(current, key.SnapshotID) {
			break
		}
	}

	return true
}

// get returns the newest version of key
func (t *MemTable) get(key string) (ValueHolder, bool) {
	k, v, ok := t.data.Ceiling(StartKey(key))
	if !ok || k.Key != key {
		return ValueHolder{}, false
	}
	return v, true
}

// Size returns the accounted size.  The exclusive lock waits out writers that are mid-update.
func (t *MemTable) Size() int64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.size.Load()
}

// approxSize reads the accounted size without waiting for writers
func (t *MemTable) approxSize() int64 {
	return t.size.Load()
}

// freeze blocks new writes and waits for writers already inside set
func (t *MemTable) freeze() {
	t.lock.Lock()
	t.frozen = true
	t.lock.Unlock()
}

// isEmpty reports whether the table holds no entries
func (t *MemTable) isEmpty() bool {
	return t.data.Len() == 0
}

// finish records the flush outcome and wakes waiters
func (t *MemTable) finish(err error) {
	t.err = err
	close(t.persisted)
}

// wait blocks until the table has been flushed and returns the flush outcome
func (t *MemTable) wait() error {
	<-t.persisted
	return t.err
}

// getRawRange returns a cursor over every version in [from, to]
func (t *MemTable) getRawRange(from, to TaggedKey) rowCursor {
	return &memTableCursor{iter: t.data.NewIterator(from), to: to, bounded: true}
}

// scanAll returns a cursor over the whole table
func (t *MemTable) scanAll() rowCursor {
	return &memTableCursor{iter: t.data.NewFullIterator()}
}

// memTableCursor walks the skip list's bottom level
type memTableCursor struct {
	iter    *skiplist.Iterator[TaggedKey, ValueHolder]
	to      TaggedKey
	bounded bool
	done    bool
}

func (c *memTableCursor) next() (Row, bool, error) {
	if c.done {
		return Row{}, false, nil
	}

	k, v, ok := c.iter.Next()
	if !ok || (c.bounded && k.Compare(c.to) > 0) {
		c.done = true
		return Row{}, false, nil
	}

	return Row{Key: k, Value: v}, true, nil
}

func (c *memTableCursor) close() error {
	c.done = true
	return nil
}
