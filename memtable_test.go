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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainCursor(t *testing.T, c rowCursor) []Row {
	t.Helper()
	var rows []Row
	for {
		row, ok, err := c.next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	require.NoError(t, c.close())
	return rows
}

func TestMemTableGetNewestVersion(t *testing.T) {
	mt := newMemTable()

	require.True(t, mt.set(NewTaggedKey("a", 1), NewValue([]byte("v1"))))
	require.True(t, mt.set(NewTaggedKey("a", 3), NewValue([]byte("v3"))))
	require.True(t, mt.set(NewTaggedKey("a", 2), NewValue([]byte("v2"))))
	require.True(t, mt.set(NewTaggedKey("b", 9), NewValue([]byte("b9"))))

	v, ok := mt.get("a")
	require.True(t, ok)
	assert.Equal(t, "v3", string(v.Payload))

	_, ok = mt.get("aa")
	assert.False(t, ok)

	assert.Equal(t, int64(9), mt.maxSnapshot.Load())
}

func TestMemTableVersionsSortNewestFirst(t *testing.T) {
	mt := newMemTable()
	for i := int64(1); i <= 3; i++ {
		mt.set(NewTaggedKey("k", i), NewValue([]byte(fmt.Sprint(i))))
	}

	rows := drainCursor(t, mt.scanAll())
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0].Key.SnapshotID)
	assert.Equal(t, int64(2), rows[1].Key.SnapshotID)
	assert.Equal(t, int64(1), rows[2].Key.SnapshotID)
}

func TestMemTableSizeAccounting(t *testing.T) {
	mt := newMemTable()

	mt.set(NewTaggedKey("key", 1), NewValue([]byte("12345")))
	// key.len + 4 + value.len + 4
	assert.Equal(t, int64(3+4+5+4), mt.Size())

	// Overwrite of the same tagged key replaces the value delta only
	mt.set(NewTaggedKey("key", 1), NewValue([]byte("12")))
	assert.Equal(t, int64(3+4+2+4), mt.Size())

	// Tombstone counts as a zero length value
	mt.set(NewTaggedKey("key", 1), NewTombstone())
	assert.Equal(t, int64(3+4+0+4), mt.Size())

	// A new version of the same user key is a new entry
	mt.set(NewTaggedKey("key", 2), NewValue([]byte("x")))
	assert.Equal(t, int64(3+4+0+4)+int64(3+4+1+4), mt.Size())
	assert.Equal(t, mt.Size(), mt.approxSize())
}

func TestMemTableFrozenRejectsWrites(t *testing.T) {
	mt := newMemTable()
	require.True(t, mt.set(NewTaggedKey("a", 1), NewValue([]byte("1"))))

	mt.freeze()
	assert.False(t, mt.set(NewTaggedKey("b", 1), NewValue([]byte("2"))))

	_, ok := mt.get("b")
	assert.False(t, ok)
}

func TestMemTableRawRangeBounds(t *testing.T) {
	mt := newMemTable()
	for _, k := range []string{"apple", "banana", "cherry", "date"} {
		mt.set(NewTaggedKey(k, 1), NewValue([]byte(k)))
	}

	rows := drainCursor(t, mt.getRawRange(StartKey("b"), EndKey("d")))
	require.Len(t, rows, 2)
	assert.Equal(t, "banana", rows[0].Key.Key)
	assert.Equal(t, "cherry", rows[1].Key.Key)
}

func TestMemTableFinishWakesWaiters(t *testing.T) {
	mt := newMemTable()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mt.wait()
		}(i)
	}

	mt.finish(ErrFlushAborted)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrFlushAborted)
	}
}

func TestMemTableConcurrentSetAndSize(t *testing.T) {
	mt := newMemTable()

	const writers = 8
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				mt.set(NewTaggedKey(fmt.Sprintf("w%d-%04d", w, i), 1), NewValue([]byte("v")))
			}
		}(w)
	}
	wg.Wait()

	// Each key is 9 bytes, each value 1 byte
	assert.Equal(t, int64(writers*perWriter*(9+4+1+4)), mt.Size())
	assert.Equal(t, int64(writers*perWriter), mt.data.Len())
}
