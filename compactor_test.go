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
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, fs afero.Fs, writeBuffer int64, multiplier int) (*persistentStore, *SnapshotManager) {
	t.Helper()
	opts := &Options{
		WriteBufferSize:          writeBuffer,
		LevelMultiplier:          multiplier,
		BlockSize:                64,
		BloomFilterExpectedItems: 100,
		BloomFilterFPR:           0.01,
	}
	logger := zaptest.NewLogger(t)
	snapshots := newSnapshotManager(1)

	s := &persistentStore{
		layers: []layer{&unmergedLayer{}},
		fs:     fs,
		dir:    "/db",
		opts:   opts,
		logger: logger,
	}
	s.compaction = &levelingCompaction{
		store:     s,
		opts:      opts,
		snapshots: snapshots,
		tableIDs:  newIDGenerator(),
		logger:    logger,
	}
	return s, snapshots
}

func TestCompactionTargets(t *testing.T) {
	c := &levelingCompaction{opts: &Options{WriteBufferSize: 100, LevelMultiplier: 10}}

	assert.Equal(t, int64(1000), c.targetSize(0))
	assert.Equal(t, int64(10000), c.targetSize(1))
	assert.Equal(t, int64(100000), c.targetSize(2))
}

func TestCompactionBoundary(t *testing.T) {
	c := &levelingCompaction{opts: &Options{WriteBufferSize: 100, LevelMultiplier: 10}}

	tests := []struct {
		name  string
		sizes []int64
		want  int
	}{
		{"empty", []int64{0}, -1},
		{"layer 0 within target", []int64{1000}, -1},
		{"layer 0 over target", []int64{1001}, 0},
		{"cumulative over at layer 1", []int64{500, 10600}, 1},
		{"layer 1 fine", []int64{500, 10000}, -1},
		{"deepest over wins", []int64{5000, 0, 200000}, 2},
		{"middle over", []int64{2000, 9500, 0}, 1},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, c.boundary(tc.sizes), tc.name)
	}
}

func TestRetentionFilterNoLiveViews(t *testing.T) {
	keep := retentionFilter(10, false)

	assert.True(t, keep(row("a", 9, "newest")))
	assert.False(t, keep(row("a", 5, "older")))
	assert.True(t, keep(tombstoneRow("b", 8)), "tombstones stay when deeper layers may hold the key")
	assert.False(t, keep(row("b", 2, "shadowed")))
	assert.True(t, keep(row("c", 1, "only")))
}

func TestRetentionFilterKeepsVersionsForViews(t *testing.T) {
	keep := retentionFilter(5, true)

	assert.True(t, keep(row("a", 9, "after view")))
	assert.True(t, keep(row("a", 7, "after view")))
	assert.True(t, keep(row("a", 4, "seen by view")))
	assert.False(t, keep(row("a", 2, "hidden")))

	// Deepest layer drops the tombstone the oldest view would see
	assert.True(t, keep(row("b", 6, "recreated")))
	assert.False(t, keep(tombstoneRow("b", 5)))
	assert.False(t, keep(row("b", 1, "before delete")))
}

func TestCompactionMergesLayerZero(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, _ := newTestStore(t, fs, 64, 2)
	defer store.close()
	ctx := context.Background()

	var flushed []*SSTable
	for i := 1; i <= 4; i++ {
		id := store.compaction.tableIDs.nextID()
		rows := []Row{
			row("shared", int64(i), fmt.Sprintf("gen%d", i)),
			row(fmt.Sprintf("only%d", i), int64(i), "x"),
		}
		sst, err := buildSSTable(ctx, fs, "/db", id, 0, store.opts, store.logger, newSliceCursor(rows), nil)
		require.NoError(t, err)
		flushed = append(flushed, sst)
		require.NoError(t, store.addSSTable(ctx, sst))
	}

	require.Greater(t, store.layerCount(), 1, "layer 0 over its target must compact into layer 1")

	v, ok, err := store.get("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gen4", string(v.Payload))

	for i := 1; i <= 4; i++ {
		_, ok, err := store.get(fmt.Sprintf("only%d", i))
		require.NoError(t, err)
		assert.True(t, ok, "only%d lost in compaction", i)
	}

	// Superseded inputs are gone from disk
	removed := 0
	for _, sst := range flushed {
		if exists, _ := afero.Exists(fs, sst.path); !exists {
			removed++
		}
	}
	assert.Greater(t, removed, 0)
}

func TestCompactionDropsHistoryWithoutViews(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, snapshots := newTestStore(t, fs, 1<<20, 10)
	defer store.close()
	ctx := context.Background()

	// Advance the counter past the writes
	for i := 0; i < 5; i++ {
		snapshots.Release(snapshots.DoSnapshot())
	}

	a, err := buildSSTable(ctx, fs, "/db", 1, 0, store.opts, store.logger,
		newSliceCursor([]Row{row("k", 1, "v1"), row("gone", 1, "x")}), nil)
	require.NoError(t, err)
	b, err := buildSSTable(ctx, fs, "/db", 2, 0, store.opts, store.logger,
		newSliceCursor([]Row{row("k", 3, "v3"), tombstoneRow("gone", 2)}), nil)
	require.NoError(t, err)

	store.layers = []layer{&unmergedLayer{runs: []*SSTable{a, b}}}
	store.compaction.tableIDs = reloadIDGenerator(2)

	require.NoError(t, store.compaction.compact(ctx, store.snapshotLayers(), 0))
	require.Equal(t, 2, store.layerCount())

	merged := store.layers[1].(*mergedLayer).run
	require.NotNil(t, merged)
	require.True(t, merged.acquire())
	rows := drainCursor(t, merged.scanAll())

	require.Len(t, rows, 1, "only the newest version of k survives and the tombstone is dropped")
	assert.Equal(t, NewTaggedKey("k", 3), rows[0].Key)
	assert.Equal(t, 1, merged.layer)
}
