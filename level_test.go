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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestUnmergedLayerGetNewestRunFirst(t *testing.T) {
	fs := afero.NewMemMapFs()
	older := buildTestTable(t, fs, "/db", 1, 0, 64, []Row{row("k", 1, "old"), row("x", 1, "x")})
	newer := buildTestTable(t, fs, "/db", 2, 0, 64, []Row{row("k", 1, "new")})

	l := &unmergedLayer{runs: []*SSTable{older, newer}}
	defer older.close()
	defer newer.close()

	v, ok, err := l.get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(v.Payload))

	v, ok, err = l.get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", string(v.Payload))

	tables := l.tables()
	require.Len(t, tables, 2)
	assert.Equal(t, int64(2), tables[0].id)
	assert.Equal(t, older.sizeOnDisk()+newer.sizeOnDisk(), l.sizeBytes())
}

func TestMergedLayerEmpty(t *testing.T) {
	l := &mergedLayer{}

	_, ok, err := l.get("k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, l.tables())
	assert.Zero(t, l.sizeBytes())
}

func TestReopenRebuildsLayers(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := zaptest.NewLogger(t)

	// Layer 2 was written by an earlier compaction, then two flushes landed in layer 0
	require.NoError(t, buildTestTable(t, fs, "/db", 3, 2, 64, []Row{row("a", 2, "deep")}).close())
	require.NoError(t, buildTestTable(t, fs, "/db", 5, 0, 64, []Row{row("a", 6, "l0-5")}).close())
	require.NoError(t, buildTestTable(t, fs, "/db", 4, 0, 64, []Row{row("b", 4, "l0-4")}).close())

	res, err := reopen(fs, "/db", logger)
	require.NoError(t, err)

	require.Len(t, res.layers, 3)
	assert.Equal(t, int64(5), res.maxTableID)
	assert.Equal(t, int64(6), res.maxSnapshot)
	assert.Equal(t, 3, res.tables)

	l0 := res.layers[0].(*unmergedLayer)
	require.Len(t, l0.runs, 2)
	assert.Equal(t, int64(4), l0.runs[0].id, "layer 0 runs are ordered by id")
	assert.Equal(t, int64(5), l0.runs[1].id)

	assert.Nil(t, res.layers[1].(*mergedLayer).run)
	assert.Equal(t, int64(3), res.layers[2].(*mergedLayer).run.id)

	for _, l := range res.layers {
		for _, tbl := range l.tables() {
			require.NoError(t, tbl.close())
		}
	}
}

func TestReopenDiscardsCompactedInputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := zaptest.NewLogger(t)

	// Table 6 merged layers 0 and 1 into layer 1, but the crash left its inputs behind
	require.NoError(t, buildTestTable(t, fs, "/db", 2, 1, 64, []Row{row("a", 1, "old")}).close())
	require.NoError(t, buildTestTable(t, fs, "/db", 4, 0, 64, []Row{row("a", 3, "mid")}).close())
	require.NoError(t, buildTestTable(t, fs, "/db", 6, 1, 64, []Row{row("a", 3, "mid")}).close())
	// Flushed after the compaction, must survive
	require.NoError(t, buildTestTable(t, fs, "/db", 7, 0, 64, []Row{row("a", 8, "new")}).close())
	// A deeper layer is untouched by a shallower compaction
	require.NoError(t, buildTestTable(t, fs, "/db", 1, 2, 64, []Row{row("z", 1, "z")}).close())

	res, err := reopen(fs, "/db", logger)
	require.NoError(t, err)

	l0 := res.layers[0].(*unmergedLayer)
	require.Len(t, l0.runs, 1)
	assert.Equal(t, int64(7), l0.runs[0].id)
	assert.Equal(t, int64(6), res.layers[1].(*mergedLayer).run.id)
	assert.Equal(t, int64(1), res.layers[2].(*mergedLayer).run.id)
	assert.Equal(t, int64(7), res.maxTableID)

	for _, id := range []int64{2, 4} {
		exists, err := afero.Exists(fs, sstablePath("/db", id))
		require.NoError(t, err)
		assert.False(t, exists, "table %d should have been removed", id)
	}

	for _, l := range res.layers {
		for _, tbl := range l.tables() {
			require.NoError(t, tbl.close())
		}
	}
}

func TestReopenCleansIncompleteFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/db", 0750))

	require.NoError(t, afero.WriteFile(fs, "/db/sst_9.sst.tmp", []byte("partial"), filePermission))
	require.NoError(t, afero.WriteFile(fs, "/db/sst_8.sst", []byte("no index"), filePermission))
	require.NoError(t, afero.WriteFile(fs, "/db/notes.txt", []byte("ignored"), filePermission))

	res, err := reopen(fs, "/db", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Len(t, res.layers, 1)
	assert.Equal(t, 0, res.tables)
	assert.Equal(t, int64(8), res.maxTableID)

	for _, name := range []string{"/db/sst_9.sst.tmp", "/db/sst_8.sst"} {
		exists, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.False(t, exists, name)
	}

	exists, _ := afero.Exists(fs, "/db/notes.txt")
	assert.True(t, exists)
}

func TestReopenFailsOnCorruptTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, buildTestTable(t, fs, "/db", 1, 0, 64, []Row{row("a", 1, "x")}).close())
	require.NoError(t, afero.WriteFile(fs, "/db/sst_1.sst", []byte("short"), filePermission))

	_, err := reopen(fs, "/db", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrCorruptSSTable)
}
