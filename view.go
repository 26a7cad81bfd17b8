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
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// View is a read-only view of the store frozen at a snapshot id.  Writes made after the
// view was taken are invisible to it.  Until it is closed, compaction keeps the versions
// the view can see.
type View struct {
	db         *DB
	snapshotID int64
	closed     atomic.Bool
}

// SnapshotID returns the id the view is frozen at
func (v *View) SnapshotID() int64 {
	return v.snapshotID
}

// Get returns the value key held when the view was taken
func (v *View) Get(key string) ([]byte, bool, error) {
	if v.closed.Load() {
		return nil, false, errors.Wrap(ErrClosed, "view is closed")
	}

	it, err := v.db.iterate(NewTaggedKey(key, v.snapshotID), EndKey(key), true, v.snapshotID)
	if err != nil {
		return nil, false, err
	}

	if !it.HasNext() {
		return nil, false, it.Close()
	}

	row, err := it.Next()
	if err != nil {
		return nil, false, errors.CombineErrors(err, it.Close())
	}

	if err := it.Close(); err != nil {
		return nil, false, err
	}
	return row.Value.Payload, true, nil
}

// ContainsKey reports whether key held a value when the view was taken
func (v *View) ContainsKey(key string) (bool, error) {
	_, ok, err := v.Get(key)
	return ok, err
}

// GetRange returns the live keys in [from, to] as of the view, newest version of each
func (v *View) GetRange(from, to TaggedKey) (*Iterator, error) {
	if v.closed.Load() {
		return nil, errors.Wrap(ErrClosed, "view is closed")
	}
	return v.db.iterate(from, to, true, v.snapshotID)
}

// Close releases the snapshot
func (v *View) Close() error {
	if v.closed.CompareAndSwap(false, true) {
		v.db.snapshots.Release(v.snapshotID)
	}
	return nil
}
