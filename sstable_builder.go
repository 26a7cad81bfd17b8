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
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wildcatdb/kvdb/bloomfilter"
)

// filePermission is used for every file the store creates
const filePermission = 0644

// ctxCheckInterval is how many records are written between cancellation checks
const ctxCheckInterval = 1024

// sstableBuilder writes a sorted stream of rows into a new data file and side-car.
// Both are written under temporary names and renamed into place by finish.
type sstableBuilder struct {
	fs          afero.Fs
	id          int64
	layer       int
	blockSize   int64
	path        string
	file        afero.File
	writer      *bufio.Writer
	offset      int64 // Offset of the next record
	blockBytes  int64 // Record bytes in the current block
	index       []indexEntry
	bloom       *bloomfilter.BloomFilter
	last        TaggedKey
	entries     int64
	maxSnapshot int64
	buf         []byte
	logger      *zap.Logger
}

// newSSTableBuilder creates the temporary data file for table id
func newSSTableBuilder(fs afero.Fs, dir string, id int64, layer int, opts *Options, logger *zap.Logger) (*sstableBuilder, error) {
	bloom, err := bloomfilter.New(opts.BloomFilterExpectedItems, opts.BloomFilterFPR)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bloom filter")
	}

	path := sstablePath(dir, id)
	file, err := fs.OpenFile(path+TempExtension, os.O_CREATE|os.O_RDWR|os.O_TRUNC, filePermission)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", filepath.Base(path)+TempExtension)
	}

	b := &sstableBuilder{
		fs:        fs,
		id:        id,
		layer:     layer,
		blockSize: opts.BlockSize,
		path:      path,
		file:      file,
		writer:    bufio.NewWriter(file),
		offset:    headerSize,
		bloom:     bloom,
		logger:    logger,
	}

	// Size is patched in by finish
	if _, err := b.writer.Write(appendHeader(nil, id, 0)); err != nil {
		b.abort()
		return nil, errors.Wrap(err, "failed to write sstable header")
	}

	return b, nil
}

// add appends a row.  Rows must arrive in strictly increasing tagged key order.
func (b *sstableBuilder) add(row Row) error {
	if b.entries > 0 && row.Key.Compare(b.last) <= 0 {
		return errors.AssertionFailedf("sstable %d: key %s does not sort after %s", b.id, row.Key, b.last)
	}

	if b.entries == 0 || b.blockBytes >= b.blockSize {
		b.index = append(b.index, indexEntry{Key: row.Key.Key, SnapshotID: row.Key.SnapshotID, Offset: b.offset})
		b.blockBytes = 0
	}

	b.buf = appendRecord(b.buf[:0], row.Key, row.Value)
	if _, err := b.writer.Write(b.buf); err != nil {
		return errors.Wrapf(err, "failed to write record for %s", row.Key)
	}

	b.offset += int64(len(b.buf))
	b.blockBytes += int64(len(b.buf))
	b.bloom.AddString(row.Key.Key)
	b.entries++
	b.last = row.Key
	b.maxSnapshot = max(b.maxSnapshot, row.Key.SnapshotID)

	return nil
}

// finish completes the data file, writes the side-car and returns a handle on the new table
func (b *sstableBuilder) finish() (*SSTable, error) {
	sizeBytes := b.offset - headerSize

	if err := b.writer.Flush(); err != nil {
		b.abort()
		return nil, errors.Wrap(err, "failed to flush sstable")
	}

	if _, err := b.file.WriteAt(appendHeader(nil, b.id, sizeBytes)[4:], 4); err != nil {
		b.abort()
		return nil, errors.Wrap(err, "failed to patch sstable header")
	}

	if err := syncFile(b.file); err != nil {
		b.abort()
		return nil, errors.Wrap(err, "failed to sync sstable")
	}

	if err := b.file.Close(); err != nil {
		b.file = nil
		b.abort()
		return nil, errors.Wrap(err, "failed to close sstable")
	}
	b.file = nil

	meta := &sstableMeta{
		TableID:       b.id,
		Layer:         int64(b.layer),
		MaxSnapshotID: b.maxSnapshot,
		Entries:       b.entries,
		SizeBytes:     sizeBytes,
		Index:         b.index,
		Bloom:         b.bloom,
	}

	if err := writeSSTableMeta(b.fs, indexPath(b.path)+TempExtension, meta); err != nil {
		b.abort()
		return nil, err
	}

	// A data file only counts once its side-car is in place, so the data file goes first
	if err := b.fs.Rename(b.path+TempExtension, b.path); err != nil {
		b.abort()
		return nil, errors.Wrapf(err, "failed to rename %s", b.path+TempExtension)
	}

	if err := b.fs.Rename(indexPath(b.path)+TempExtension, indexPath(b.path)); err != nil {
		_ = b.fs.Remove(b.path)
		b.abort()
		return nil, errors.Wrapf(err, "failed to rename %s", indexPath(b.path)+TempExtension)
	}

	t, err := openSSTable(b.fs, b.path, b.logger)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("built sstable",
		zap.Int64("table", b.id),
		zap.Int("layer", b.layer),
		zap.Int64("entries", b.entries),
		zap.Int64("bytes", sizeBytes),
		zap.Int("blocks", len(b.index)))

	return t, nil
}

// syncFile flushes f to stable storage, using fdatasync for OS files
func syncFile(f afero.File) error {
	if osFile, ok := f.(*os.File); ok {
		return fdatasync(osFile)
	}
	return f.Sync()
}

// abort closes and removes whatever the builder has written
func (b *sstableBuilder) abort() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	_ = b.fs.Remove(b.path + TempExtension)
	_ = b.fs.Remove(indexPath(b.path) + TempExtension)
}

// buildSSTable drains src into a new table.  keep, when set, decides which rows are written.
func buildSSTable(ctx context.Context, fs afero.Fs, dir string, id int64, layer int, opts *Options, logger *zap.Logger, src rowCursor, keep func(Row) bool) (*SSTable, error) {
	b, err := newSSTableBuilder(fs, dir, id, layer, opts, logger)
	if err != nil {
		return nil, err
	}

	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				b.abort()
				return nil, errors.Wrapf(err, "build of sstable %d cancelled", id)
			}
		}

		row, ok, err := src.next()
		if err != nil {
			b.abort()
			return nil, errors.Wrapf(err, "failed to read input of sstable %d", id)
		}
		if !ok {
			break
		}

		if keep != nil && !keep(row) {
			continue
		}

		if err := b.add(row); err != nil {
			b.abort()
			return nil, err
		}
	}

	return b.finish()
}
