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
	"os"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/wildcatdb/kvdb/bloomfilter"
)

// indexEntry is one sparse index entry, the first key of a block and the block's offset
type indexEntry struct {
	Key        string `bson:"key"`
	SnapshotID int64  `bson:"snapshot_id"`
	Offset     int64  `bson:"offset"`
}

func (e indexEntry) taggedKey() TaggedKey {
	return TaggedKey{Key: e.Key, SnapshotID: e.SnapshotID}
}

// sstableMeta is the side-car document stored next to every data file
type sstableMeta struct {
	TableID       int64                    `bson:"table_id"`
	Layer         int64                    `bson:"layer"`
	MaxSnapshotID int64                    `bson:"max_snapshot_id"`
	Entries       int64                    `bson:"entries"`
	SizeBytes     int64                    `bson:"size_bytes"`
	Index         []indexEntry             `bson:"index"`
	Bloom         *bloomfilter.BloomFilter `bson:"bloom"`
}

// writeSSTableMeta encodes meta as a snappy compressed bson document
func writeSSTableMeta(fs afero.Fs, path string, meta *sstableMeta) error {
	doc, err := bson.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode sstable index")
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermission)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}

	if _, err := f.Write(snappy.Encode(nil, doc)); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}

	if err := syncFile(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to sync %s", path)
	}

	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

// readSSTableMeta loads and validates a side-car document
func readSSTableMeta(fs afero.Fs, path string) (*sstableMeta, error) {
	compressed, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	doc, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to decompress %s", path), ErrCorruptSSTable)
	}

	meta := &sstableMeta{}
	if err := bson.Unmarshal(doc, meta); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to decode %s", path), ErrCorruptSSTable)
	}

	if meta.Bloom == nil {
		return nil, errors.Wrapf(ErrCorruptSSTable, "%s has no bloom filter", path)
	}
	if err := meta.Bloom.Validate(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s", path), ErrCorruptSSTable)
	}
	if meta.TableID <= 0 || meta.Layer < 0 || meta.SizeBytes < 0 {
		return nil, errors.Wrapf(ErrCorruptSSTable, "%s has invalid metadata", path)
	}
	for i := 1; i < len(meta.Index); i++ {
		if meta.Index[i].Offset <= meta.Index[i-1].Offset {
			return nil, errors.Wrapf(ErrCorruptSSTable, "%s index offsets are not increasing", path)
		}
	}

	return meta, nil
}
