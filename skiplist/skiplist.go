// Package skiplist
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
package skiplist

import (
	"math/rand"
	"sync/atomic"
)

const MaxLevel = 16
const p = 0.25

// Comparator orders keys. Returns -1 if a < b, 0 if a == b, 1 if a > b
type Comparator[K any] func(a, b K) int

// Node represents a node in the skip list
type Node[K any, V any] struct {
	forward [MaxLevel]atomic.Pointer[Node[K, V]] // forward pointers per level
	key     K                                    // key used for searches, immutable once linked
	value   atomic.Pointer[V]                    // current value, swapped on overwrite
	level   int                                  // number of levels this node participates in
}

// SkipList is a concurrent, insert-only skip list.  Writers never take a lock, they
// link new nodes with compare-and-swap and overwrite existing nodes by swapping the value pointer.
type SkipList[K any, V any] struct {
	header     *Node[K, V]   // special header node
	level      atomic.Int32  // current maximum level of the list
	length     atomic.Int64  // number of distinct keys
	comparator Comparator[K] // user-provided comparator function
}

// Iterator walks the bottom level of the skip list in ascending key order
type Iterator[K any, V any] struct {
	list    *SkipList[K, V] // Reference to the skip list
	current *Node[K, V]     // Current node in the iteration
}

// New creates a new concurrent skip list ordered by cmp
func New[K any, V any](cmp Comparator[K]) *SkipList[K, V] {
	sl := &SkipList[K, V]{
		header:     &Node[K, V]{level: MaxLevel},
		comparator: cmp,
	}

	// Set initial level to 1
	sl.level.Store(1)

	return sl
}

// randomLevel generates a random level for a new node
func randomLevel() int {
	lvl := 1
	for rand.Float64() < p && lvl < MaxLevel {
		lvl++
	}
	return lvl
}

// findSplice fills preds and succs for every level so that preds[i].key < key <= succs[i].key.
// It returns the node holding key if one is linked at level 0.
func (sl *SkipList[K, V]) findSplice(key K, preds, succs *[MaxLevel]*Node[K, V]) *Node[K, V] {
	prev := sl.header
	for i := MaxLevel - 1; i >= 0; i-- {
		curr := prev.forward[i].Load()
		for curr != nil && sl.comparator(curr.key, key) < 0 {
			prev = curr
			curr = curr.forward[i].Load()
		}
		preds[i] = prev
		succs[i] = curr
	}

	if succs[0] != nil && sl.comparator(succs[0].key, key) == 0 {
		return succs[0]
	}
	return nil
}

// seek returns the first node whose key is >= key
func (sl *SkipList[K, V]) seek(key K) *Node[K, V] {
	prev := sl.header

	for i := int(sl.level.Load()) - 1; i >= 0; i-- {
		curr := prev.forward[i].Load()
		for curr != nil && sl.comparator(curr.key, key) < 0 {
			prev = curr
			curr = curr.forward[i].Load()
		}
	}

	return prev.forward[0].Load()
}

// Put inserts or overwrites the value for key.  When the key already existed the previous
// value is returned with replaced set to true.
func (sl *SkipList[K, V]) Put(key K, value V) (old V, replaced bool) {
	var preds, succs [MaxLevel]*Node[K, V]
	val := &value

	for {
		if existing := sl.findSplice(key, &preds, &succs); existing != nil {
			prev := existing.value.Swap(val)
			return *prev, true
		}

		topLevel := randomLevel()
		newNode := &Node[K, V]{key: key, level: topLevel}
		newNode.value.Store(val)

		// Linking level 0 makes the node visible, a lost race means someone else changed the splice
		newNode.forward[0].Store(succs[0])
		if !preds[0].forward[0].CompareAndSwap(succs[0], newNode) {
			continue
		}

		for {
			current := sl.level.Load()
			if int32(topLevel) <= current || sl.level.CompareAndSwap(current, int32(topLevel)) {
				break
			}
		}

		for i := 1; i < topLevel; i++ {
			for {
				newNode.forward[i].Store(succs[i])
				if preds[i].forward[i].CompareAndSwap(succs[i], newNode) {
					break
				}
				// Splice moved under us, recompute it for the remaining levels
				sl.findSplice(key, &preds, &succs)
			}
		}

		sl.length.Add(1)
		var zero V
		return zero, false
	}
}

// Ceiling returns the smallest entry whose key is >= key
func (sl *SkipList[K, V]) Ceiling(key K) (K, V, bool) {
	n := sl.seek(key)
	if n == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return n.key, *n.value.Load(), true
}

// Len returns the number of distinct keys in the list
func (sl *SkipList[K, V]) Len() int64 {
	return sl.length.Load()
}

// NewIterator creates an iterator positioned before the first key >= startKey.
// The first call to Next returns that key.
func (sl *SkipList[K, V]) NewIterator(startKey K) *Iterator[K, V] {
	curr := sl.header

	for i := int(sl.level.Load()) - 1; i >= 0; i-- {
		for {
			next := curr.forward[i].Load()
			if next == nil || sl.comparator(next.key, startKey) >= 0 {
				break
			}
			curr = next
		}
	}

	return &Iterator[K, V]{list: sl, current: curr}
}

// NewFullIterator creates an iterator positioned before the first key in the list
func (sl *SkipList[K, V]) NewFullIterator() *Iterator[K, V] {
	return &Iterator[K, V]{list: sl, current: sl.header}
}

// Next moves the iterator to the next node and returns its key and value
func (it *Iterator[K, V]) Next() (K, V, bool) {
	if it.current == nil {
		var zk K
		var zv V
		return zk, zv, false
	}

	it.current = it.current.forward[0].Load()
	if it.current == nil {
		var zk K
		var zv V
		return zk, zv, false
	}

	return it.current.key, *it.current.value.Load(), true
}
