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
	"container/heap"

	"github.com/cockroachdb/errors"
)

// rowCursor is a lazily advanced, ascending stream of rows from one source
type rowCursor interface {
	next() (Row, bool, error)
	close() error
}

// mergeIterator merges cursors into one ascending stream.  Sources are ordered newest
// first; when several sources hold the same tagged key only the newest source's row is
// returned.
type mergeIterator struct {
	heap    cursorHeap
	cursors []rowCursor
	closed  bool
}

// heapItem is the current row of one source
type heapItem struct {
	row    Row
	source int // Position of the source in the newest-first list
	cursor rowCursor
}

// cursorHeap orders items by tagged key, then by source recency
type cursorHeap []*heapItem

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := h[i].row.Key.Compare(h[j].row.Key); c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// newMergeIterator primes every cursor.  It takes ownership of the cursors and closes
// them all if priming fails.
func newMergeIterator(cursors []rowCursor) (*mergeIterator, error) {
	mi := &mergeIterator{
		heap:    make(cursorHeap, 0, len(cursors)),
		cursors: cursors,
	}

	for i, c := range cursors {
		row, ok, err := c.next()
		if err != nil {
			return nil, errors.CombineErrors(err, mi.close())
		}
		if ok {
			mi.heap = append(mi.heap, &heapItem{row: row, source: i, cursor: c})
		}
	}
	heap.Init(&mi.heap)

	return mi, nil
}

// advance moves the top item's cursor forward, dropping it when exhausted
func (mi *mergeIterator) advance() error {
	top := mi.heap[0]
	row, ok, err := top.cursor.next()
	if err != nil {
		return err
	}
	if !ok {
		heap.Pop(&mi.heap)
		return nil
	}
	top.row = row
	heap.Fix(&mi.heap, 0)
	return nil
}

// next returns the smallest remaining row
func (mi *mergeIterator) next() (Row, bool, error) {
	if mi.closed || len(mi.heap) == 0 {
		return Row{}, false, nil
	}

	row := mi.heap[0].row
	if err := mi.advance(); err != nil {
		return Row{}, false, err
	}

	// Older sources holding the exact same version are shadowed
	for len(mi.heap) > 0 && mi.heap[0].row.Key.Compare(row.Key) == 0 {
		if err := mi.advance(); err != nil {
			return Row{}, false, err
		}
	}

	return row, true, nil
}

// close closes every source, reporting the first failure with later ones attached
func (mi *mergeIterator) close() error {
	if mi.closed {
		return nil
	}
	mi.closed = true
	mi.heap = nil

	var err error
	for _, c := range mi.cursors {
		err = errors.CombineErrors(err, c.close())
	}
	return err
}

// A merge of sources is itself a source, compaction feeds one straight into a builder
var _ rowCursor = (*mergeIterator)(nil)
