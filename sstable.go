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
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wildcatdb/kvdb/bloomfilter"
)

// An sstable data file is a header followed by records in tagged key order.
//
//	header: tableId int32 | sizeBytes int64
//	record: keyLen int32 | key | snapshotId int64 | valLen int32 (-1 tombstone) | value
//
// All fixed width fields are big-endian.  The sparse index, bloom filter and table metadata
// live in a side-car file next to the data file.

const (
	SSTablePrefix    = "sst_"   // Prefix for SSTable files
	SSTableExtension = ".sst"   // Extension for SSTable data files
	IndexExtension   = ".index" // Extension for the side-car index of a data file
	TempExtension    = ".tmp"   // Extension of files still being written
)

const (
	headerSize   = 4 + 8
	tombstoneLen = int32(-1)
)

// SSTable is a read-only handle on one memory mapped sorted run
type SSTable struct {
	id          int64                    // Table id, also encoded in the file name
	layer       int                      // Layer the table was written for
	path        string                   // Path of the data file
	fs          afero.Fs                 // Filesystem the files live on
	data        []byte                   // Mapped data file, header included
	unmap       func() error             // Releases data
	index       []indexEntry             // First key and offset of every block
	bloom       *bloomfilter.BloomFilter // Raw keys present in the table
	maxSnapshot int64                    // Largest snapshot id in the table
	entries     int64                    // Number of records
	refs        atomic.Int32             // Owner reference plus one per open reader
	obsolete    atomic.Bool              // Files are removed when the last reference goes
	logger      *zap.Logger
}

// sstablePath returns the data file path of table id
func sstablePath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", SSTablePrefix, id, SSTableExtension))
}

// indexPath returns the side-car path of a data file
func indexPath(dataPath string) string {
	return dataPath + IndexExtension
}

// parseTableID extracts the table id from a data file name
func parseTableID(name string) (int64, bool) {
	if !strings.HasPrefix(name, SSTablePrefix) || !strings.HasSuffix(name, SSTableExtension) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, SSTablePrefix), SSTableExtension), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// appendHeader encodes a table header
func appendHeader(buf []byte, id int64, sizeBytes int64) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(id)))
	return binary.BigEndian.AppendUint64(buf, uint64(sizeBytes))
}

// appendRecord encodes one record
func appendRecord(buf []byte, key TaggedKey, value ValueHolder) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(key.Key))))
	buf = append(buf, key.Key...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(key.SnapshotID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(value.payloadLen()))
	if !value.Tombstone {
		buf = append(buf, value.Payload...)
	}
	return buf
}

// decodeKey reads the key part of the record at off
func decodeKey(data []byte, off int64) (TaggedKey, int64, error) {
	if off+4 > int64(len(data)) {
		return TaggedKey{}, 0, errors.Wrapf(ErrCorruptSSTable, "key length at offset %d out of bounds", off)
	}
	keyLen := int64(int32(binary.BigEndian.Uint32(data[off:])))
	off += 4
	if keyLen < 0 || off+keyLen+8 > int64(len(data)) {
		return TaggedKey{}, 0, errors.Wrapf(ErrCorruptSSTable, "key of %d bytes at offset %d out of bounds", keyLen, off)
	}
	key := string(data[off : off+keyLen])
	off += keyLen
	snapshotID := int64(binary.BigEndian.Uint64(data[off:]))
	return TaggedKey{Key: key, SnapshotID: snapshotID}, off + 8, nil
}

// valueLen reads the value length field at off and checks the payload fits
func valueLen(data []byte, off int64) (int32, error) {
	if off+4 > int64(len(data)) {
		return 0, errors.Wrapf(ErrCorruptSSTable, "value length at offset %d out of bounds", off)
	}
	n := int32(binary.BigEndian.Uint32(data[off:]))
	if n < tombstoneLen || off+4+int64(max(n, 0)) > int64(len(data)) {
		return 0, errors.Wrapf(ErrCorruptSSTable, "value of %d bytes at offset %d out of bounds", n, off)
	}
	return n, nil
}

// decodeValue reads the value part of the record at off.  With clone unset the payload
// aliases data and is only valid while the table is referenced.
func decodeValue(data []byte, off int64, clone bool) (ValueHolder, int64, error) {
	n, err := valueLen(data, off)
	if err != nil {
		return ValueHolder{}, 0, err
	}
	off += 4
	if n == tombstoneLen {
		return NewTombstone(), off, nil
	}
	payload := data[off : off+int64(n) : off+int64(n)]
	if clone {
		payload = slices.Clone(payload)
		if payload == nil {
			payload = []byte{}
		}
	}
	return ValueHolder{Payload: payload}, off + int64(n), nil
}

// skipValue jumps over the value at off without decoding it
func skipValue(data []byte, off int64) (int64, error) {
	n, err := valueLen(data, off)
	if err != nil {
		return 0, err
	}
	return off + 4 + int64(max(n, 0)), nil
}

// openSSTable maps a completed data file and loads its side-car
func openSSTable(fs afero.Fs, path string, logger *zap.Logger) (*SSTable, error) {
	meta, err := readSSTableMeta(fs, indexPath(path))
	if err != nil {
		return nil, err
	}

	data, unmap, err := mapFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}

	t := &SSTable{
		id:          meta.TableID,
		layer:       int(meta.Layer),
		path:        path,
		fs:          fs,
		data:        data,
		unmap:       unmap,
		index:       meta.Index,
		bloom:       meta.Bloom,
		maxSnapshot: meta.MaxSnapshotID,
		entries:     meta.Entries,
		logger:      logger.With(zap.Int64("table", meta.TableID)),
	}
	t.refs.Store(1)

	if err := t.checkHeader(meta.SizeBytes); err != nil {
		return nil, errors.CombineErrors(err, unmap())
	}

	return t, nil
}

// checkHeader verifies the header against the side-car and the mapped length
func (t *SSTable) checkHeader(sizeBytes int64) error {
	if len(t.data) < headerSize {
		return errors.Wrapf(ErrCorruptSSTable, "%s holds %d bytes, shorter than its header", t.path, len(t.data))
	}
	id := int64(int32(binary.BigEndian.Uint32(t.data)))
	size := int64(binary.BigEndian.Uint64(t.data[4:]))
	if id != int64(int32(t.id)) {
		return errors.Wrapf(ErrCorruptSSTable, "%s header names table %d", t.path, id)
	}
	if size != sizeBytes || size != int64(len(t.data))-headerSize {
		return errors.Wrapf(ErrCorruptSSTable, "%s header records %d bytes, file holds %d", t.path, size, len(t.data)-headerSize)
	}
	return nil
}

// ID returns the table id
func (t *SSTable) ID() int64 {
	return t.id
}

// sizeOnDisk is the occupied size of the data file
func (t *SSTable) sizeOnDisk() int64 {
	return int64(len(t.data))
}

// floorOffset returns the start of the block that may hold target
func (t *SSTable) floorOffset(target TaggedKey) int64 {
	i := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].taggedKey().Compare(target) > 0
	})
	if i == 0 {
		return headerSize
	}
	return t.index[i-1].Offset
}

// endOffset returns the start of the first block beginning after target, or the end of data
func (t *SSTable) endOffset(target TaggedKey) int64 {
	i := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].taggedKey().Compare(target) > 0
	})
	if i == len(t.index) {
		return int64(len(t.data))
	}
	return t.index[i].Offset
}

// get returns the newest version of key held by this table.  The returned payload is a copy.
func (t *SSTable) get(key string) (ValueHolder, bool, error) {
	if t.entries == 0 || !t.bloom.ContainsString(key) {
		return ValueHolder{}, false, nil
	}

	pos := t.floorOffset(StartKey(key))
	end := t.endOffset(EndKey(key))

	for pos < end {
		k, next, err := decodeKey(t.data, pos)
		if err != nil {
			return ValueHolder{}, false, err
		}

		switch c := strings.Compare(k.Key, key); {
		case c == 0:
			v, _, err := decodeValue(t.data, next, true)
			if err != nil {
				return ValueHolder{}, false, err
			}
			return v, true, nil
		case c > 0:
			return ValueHolder{}, false, nil
		}

		if pos, err = skipValue(t.data, next); err != nil {
			return ValueHolder{}, false, err
		}
	}

	return ValueHolder{}, false, nil
}

// getRawRange returns a cursor over every version in [from, to].  The cursor owns one
// reference on the table, taken by the caller with acquire, and drops it on close.
func (t *SSTable) getRawRange(from, to TaggedKey) rowCursor {
	return &sstableCursor{t: t, pos: t.floorOffset(from), end: int64(len(t.data)), from: from, to: to, bounded: true}
}

// scanAll returns a cursor over every block in file order.  Reference handling is as for getRawRange.
func (t *SSTable) scanAll() rowCursor {
	return &sstableCursor{t: t, pos: headerSize, end: int64(len(t.data))}
}

// acquire takes a reader reference.  It fails once the table has been fully released.
func (t *SSTable) acquire() bool {
	for {
		refs := t.refs.Load()
		if refs <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// release drops a reference, unmapping the file when it was the last one
func (t *SSTable) release() error {
	if t.refs.Add(-1) != 0 {
		return nil
	}

	err := errors.Wrapf(t.unmap(), "failed to unmap %s", t.path)
	if !t.obsolete.Load() {
		return err
	}

	if rmErr := t.fs.Remove(t.path); rmErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(rmErr, "failed to remove %s", t.path))
	}
	if rmErr := t.fs.Remove(indexPath(t.path)); rmErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(rmErr, "failed to remove %s", indexPath(t.path)))
	}

	t.logger.Debug("removed superseded sstable", zap.String("path", t.path))
	return err
}

// supersede marks the table obsolete and drops the owner reference.  The files are
// deleted once every reader has released the table.
func (t *SSTable) supersede() error {
	t.obsolete.Store(true)
	return t.release()
}

// close drops the owner reference without deleting anything
func (t *SSTable) close() error {
	return t.release()
}

// sstableCursor lazily decodes records from a mapped table
type sstableCursor struct {
	t        *SSTable
	pos      int64
	end      int64
	from     TaggedKey
	to       TaggedKey
	bounded  bool
	done     bool
	released bool
}

func (c *sstableCursor) next() (Row, bool, error) {
	for !c.done {
		if c.pos >= c.end {
			c.done = true
			break
		}

		k, off, err := decodeKey(c.t.data, c.pos)
		if err != nil {
			c.done = true
			return Row{}, false, err
		}
		v, off, err := decodeValue(c.t.data, off, false)
		if err != nil {
			c.done = true
			return Row{}, false, err
		}
		c.pos = off

		if c.bounded {
			if k.Compare(c.from) < 0 {
				continue
			}
			if k.Compare(c.to) > 0 {
				c.done = true
				break
			}
		}

		return Row{Key: k, Value: v}, true, nil
	}

	return Row{}, false, nil
}

func (c *sstableCursor) close() error {
	c.done = true
	if c.released {
		return nil
	}
	c.released = true
	return c.t.release()
}
