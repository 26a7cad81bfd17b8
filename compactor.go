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
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// levelingCompaction keeps each layer within a geometrically growing size target.
// It runs synchronously on the flush worker, so at most one compaction is ever in progress.
type levelingCompaction struct {
	store     *persistentStore
	opts      *Options
	snapshots *SnapshotManager
	tableIDs  *IDGenerator
	logger    *zap.Logger
}

// targetSize returns the size target of the layer at pos.  Layer 0 may hold
// LevelMultiplier write buffers and each deeper layer LevelMultiplier times more.
func (c *levelingCompaction) targetSize(pos int) int64 {
	target := float64(c.opts.WriteBufferSize) * math.Pow(float64(c.opts.LevelMultiplier), float64(pos+1))
	if target >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(target)
}

// boundary returns the deepest layer whose cumulative size exceeds its cumulative target, or -1
func (c *levelingCompaction) boundary(sizes []int64) int {
	cumSize := make([]int64, len(sizes))
	cumTarget := make([]int64, len(sizes))

	var size, target int64
	for i, s := range sizes {
		size += s
		t := c.targetSize(i)
		if target > math.MaxInt64-t {
			target = math.MaxInt64
		} else {
			target += t
		}
		cumSize[i] = size
		cumTarget[i] = target
	}

	for i := len(sizes) - 1; i >= 0; i-- {
		if cumSize[i] > cumTarget[i] {
			return i
		}
	}
	return -1
}

// ensureCompacted compacts when some layer is over its target.  It is a cheap no-op otherwise.
func (c *levelingCompaction) ensureCompacted(ctx context.Context) error {
	layers := c.store.snapshotLayers()

	sizes := make([]int64, len(layers))
	for i, l := range layers {
		sizes[i] = l.sizeBytes()
	}

	b := c.boundary(sizes)
	if b < 0 {
		return nil
	}

	return c.compact(ctx, layers, b)
}

// compact merges layers 0 through boundary, plus the layer after it when there is one,
// into a single run installed at position boundary+1.
func (c *levelingCompaction) compact(ctx context.Context, layers []layer, boundary int) error {
	output := boundary + 1
	last := boundary
	if output < len(layers) {
		last = output
	}
	deepest := output >= len(layers)-1

	var inputs []*SSTable
	var cursors []rowCursor
	for i := 0; i <= last; i++ {
		for _, t := range layers[i].tables() {
			if !t.acquire() {
				return errors.CombineErrors(
					errors.AssertionFailedf("sstable %d released while still in layer %d", t.id, i),
					closeCursors(cursors))
			}
			inputs = append(inputs, t)
			cursors = append(cursors, t.scanAll())
		}
	}

	if len(inputs) == 0 {
		return nil
	}

	merge, err := newMergeIterator(cursors)
	if err != nil {
		return errors.Wrap(err, "failed to open compaction inputs")
	}

	id := c.tableIDs.nextID()
	keep := retentionFilter(c.snapshots.OldestLive(), deepest)

	out, err := buildSSTable(ctx, c.store.fs, c.store.dir, id, output, c.opts, c.logger, merge, keep)
	if closeErr := merge.close(); closeErr != nil {
		err = errors.CombineErrors(err, closeErr)
		if out != nil {
			err = errors.CombineErrors(err, out.supersede())
			out = nil
		}
	}
	if err != nil {
		return errors.Wrapf(err, "compaction of layers 0-%d failed", last)
	}

	if err := c.install(out, inputs, boundary); err != nil {
		return err
	}

	c.logger.Info("compacted layers",
		zap.Int("boundary", boundary),
		zap.Int("output_layer", output),
		zap.Int("inputs", len(inputs)),
		zap.Int64("table", out.id),
		zap.Int64("bytes", out.sizeOnDisk()),
		zap.Int64("entries", out.entries))

	// The new run is visible, the inputs can go
	var supersedeErr error
	for _, t := range inputs {
		if err := t.supersede(); err != nil {
			supersedeErr = errors.CombineErrors(supersedeErr, errors.Wrapf(err, "failed to supersede sstable %d", t.id))
		}
	}

	return supersedeErr
}

// install swaps the merged run into the layer list.  Layer 0 keeps its position and any run
// registered after the compaction started.
func (c *levelingCompaction) install(out *SSTable, inputs []*SSTable, boundary int) error {
	s := c.store
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return errors.CombineErrors(ErrClosed, out.supersede())
	}

	merged := make(map[*SSTable]bool, len(inputs))
	for _, t := range inputs {
		merged[t] = true
	}

	layers := make([]layer, len(s.layers), max(len(s.layers), boundary+2))
	copy(layers, s.layers)

	l0 := &unmergedLayer{}
	for _, t := range s.layers[0].(*unmergedLayer).runs {
		if !merged[t] {
			l0.runs = append(l0.runs, t)
		}
	}
	layers[0] = l0

	for i := 1; i <= boundary && i < len(layers); i++ {
		layers[i] = &mergedLayer{}
	}

	if boundary+1 < len(layers) {
		layers[boundary+1] = &mergedLayer{run: out}
	} else {
		layers = append(layers, &mergedLayer{run: out})
	}

	s.layers = layers
	return nil
}

// retentionFilter decides which versions survive a merge.  For every user key it keeps the
// versions newer than oldestLive and the newest version at or below it.  That version is
// dropped as well when it is a tombstone and nothing deeper could still hold the key.
func retentionFilter(oldestLive int64, deepest bool) func(Row) bool {
	var current string
	var started, covered bool

	return func(row Row) bool {
		if !started || row.Key.Key != current {
			current = row.Key.Key
			started = true
			covered = false
		}

		if row.Key.SnapshotID > oldestLive {
			return true
		}
		if covered {
			return false
		}
		covered = true

		return !(row.Value.Tombstone && deepest)
	}
}

// closeCursors closes cursors, combining failures
func closeCursors(cursors []rowCursor) error {
	var err error
	for _, cur := range cursors {
		err = errors.CombineErrors(err, cur.close())
	}
	return err
}
