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
	"slices"

	"github.com/cockroachdb/errors"
)

// Iterator is a single-pass, forward-only scan over merged rows.  Iterators hold references
// on the sstables they read, so they must be closed unless they were run to exhaustion.
type Iterator struct {
	merge     *mergeIterator // Merged sources
	latest    bool           // Collapse versions to the newest one and hide tombstones
	ceiling   int64          // Versions with a larger snapshot id are skipped
	lookahead *Row           // Row the next call to Next returns
	err       error          // Failure to report from Next
	lastKey   string         // Last user key emitted or shadowed in latest mode
	haveLast  bool
	done      bool
}

// newIterator wraps a merge.  In latest mode rows are deduplicated by user key first and
// tombstones dropped after, so a deleted key hides its older versions.
func newIterator(merge *mergeIterator, latest bool, ceiling int64) *Iterator {
	return &Iterator{merge: merge, latest: latest, ceiling: ceiling}
}

// HasNext reports whether Next will return a row or an error
func (it *Iterator) HasNext() bool {
	if it.lookahead != nil || it.err != nil {
		return true
	}
	if it.done {
		return false
	}

	it.fill()
	return it.lookahead != nil || it.err != nil
}

// Next returns the next row, or ErrIteratorExhausted once the scan is complete
func (it *Iterator) Next() (Row, error) {
	if !it.HasNext() {
		return Row{}, ErrIteratorExhausted
	}

	if it.err != nil {
		err := it.err
		it.err = nil
		it.done = true
		return Row{}, err
	}

	row := *it.lookahead
	it.lookahead = nil
	return row, nil
}

// fill pulls rows from the merge until one qualifies or the merge ends
func (it *Iterator) fill() {
	for {
		row, ok, err := it.merge.next()
		if err != nil {
			it.err = errors.CombineErrors(err, it.merge.close())
			it.done = true
			return
		}
		if !ok {
			it.done = true
			if err := it.merge.close(); err != nil {
				it.err = err
			}
			return
		}

		if row.Key.SnapshotID > it.ceiling {
			continue
		}

		if it.latest {
			if it.haveLast && row.Key.Key == it.lastKey {
				continue
			}
			it.lastKey = row.Key.Key
			it.haveLast = true

			if row.Value.Tombstone {
				continue
			}
		}

		// Payloads may point into a mapped table that is released when the scan ends
		if !row.Value.Tombstone {
			row.Value.Payload = slices.Clone(row.Value.Payload)
			if row.Value.Payload == nil {
				row.Value.Payload = []byte{}
			}
		}

		it.lookahead = &row
		return
	}
}

// Close releases the sstables held by the iterator.  It is safe to call more than once.
func (it *Iterator) Close() error {
	it.done = true
	it.lookahead = nil
	return it.merge.close()
}
