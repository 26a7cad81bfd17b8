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
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strings"
)

// MaxSnapshotID is the largest snapshot id a TaggedKey can carry
const MaxSnapshotID int64 = math.MaxInt64

// TaggedKey is a user key paired with the snapshot id of the write that produced it.
// Keys order by Key ascending and then by SnapshotID descending, so for one user key
// the newest version sorts first.
type TaggedKey struct {
	Key        string
	SnapshotID int64
}

// NewTaggedKey creates a tagged key
func NewTaggedKey(key string, snapshotID int64) TaggedKey {
	return TaggedKey{Key: key, SnapshotID: snapshotID}
}

// StartKey is the smallest tagged key for key, the newest possible version
func StartKey(key string) TaggedKey {
	return TaggedKey{Key: key, SnapshotID: MaxSnapshotID}
}

// EndKey is the largest tagged key for key, the oldest possible version
func EndKey(key string) TaggedKey {
	return TaggedKey{Key: key, SnapshotID: 0}
}

// Compare returns -1, 0 or 1 as k sorts before, equal to or after o
func (k TaggedKey) Compare(o TaggedKey) int {
	if c := strings.Compare(k.Key, o.Key); c != 0 {
		return c
	}
	return cmp.Compare(o.SnapshotID, k.SnapshotID)
}

func (k TaggedKey) String() string {
	return fmt.Sprintf("%q@%d", k.Key, k.SnapshotID)
}

// compareTaggedKeys adapts TaggedKey.Compare for the skip list
func compareTaggedKeys(a, b TaggedKey) int {
	return a.Compare(b)
}

// ValueHolder is a stored value or a tombstone marking a deletion
type ValueHolder struct {
	Payload   []byte
	Tombstone bool
}

// NewValue wraps a payload.  A nil payload is stored as an empty, present value.
func NewValue(payload []byte) ValueHolder {
	if payload == nil {
		payload = []byte{}
	}
	return ValueHolder{Payload: payload}
}

// NewTombstone creates a deletion marker
func NewTombstone() ValueHolder {
	return ValueHolder{Tombstone: true}
}

// Equal compares payload bytes only
func (v ValueHolder) Equal(o ValueHolder) bool {
	return bytes.Equal(v.Payload, o.Payload)
}

// payloadLen is the length written to the value length field, -1 for tombstones
func (v ValueHolder) payloadLen() int32 {
	if v.Tombstone {
		return tombstoneLen
	}
	return int32(len(v.Payload))
}

// Row is one tagged version produced by scans
type Row struct {
	Key   TaggedKey
	Value ValueHolder
}
