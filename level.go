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
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// layer is one compaction tier.  Layer 0 is an unmergedLayer of independently flushed
// runs; deeper layers are mergedLayers holding at most one run.
type layer interface {
	sizeBytes() int64                          // Occupied bytes of every run in the layer
	tables() []*SSTable                        // Runs, newest first
	get(key string) (ValueHolder, bool, error) // Newest version of key held by the layer
}

// unmergedLayer holds runs in flush order, most recent last
type unmergedLayer struct {
	runs []*SSTable
}

func (l *unmergedLayer) sizeBytes() int64 {
	var size int64
	for _, t := range l.runs {
		size += t.sizeOnDisk()
	}
	return size
}

func (l *unmergedLayer) tables() []*SSTable {
	out := slices.Clone(l.runs)
	slices.Reverse(out)
	return out
}

func (l *unmergedLayer) get(key string) (ValueHolder, bool, error) {
	for i := len(l.runs) - 1; i >= 0; i-- {
		v, ok, err := l.runs[i].get(key)
		if err != nil {
			return ValueHolder{}, false, errors.Wrapf(err, "sstable %d", l.runs[i].id)
		}
		if ok {
			return v, true, nil
		}
	}
	return ValueHolder{}, false, nil
}

// mergedLayer holds the single merged run of a layer, or nothing once compacted away
type mergedLayer struct {
	run *SSTable
}

func (l *mergedLayer) sizeBytes() int64 {
	if l.run == nil {
		return 0
	}
	return l.run.sizeOnDisk()
}

func (l *mergedLayer) tables() []*SSTable {
	if l.run == nil {
		return nil
	}
	return []*SSTable{l.run}
}

func (l *mergedLayer) get(key string) (ValueHolder, bool, error) {
	if l.run == nil {
		return ValueHolder{}, false, nil
	}
	v, ok, err := l.run.get(key)
	if err != nil {
		return ValueHolder{}, false, errors.Wrapf(err, "sstable %d", l.run.id)
	}
	return v, ok, nil
}

// persistentStore is the ordered list of layers, layer 0 first
type persistentStore struct {
	lock       sync.RWMutex // Point lookups and range setup read, registration and compaction install write
	layers     []layer
	closed     bool
	fs         afero.Fs
	dir        string
	opts       *Options
	compaction *levelingCompaction
	logger     *zap.Logger
}

// get scans layers from 0 outward and returns the first version found
func (s *persistentStore) get(key string) (ValueHolder, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return ValueHolder{}, false, ErrClosed
	}

	for i, l := range s.layers {
		v, ok, err := l.get(key)
		if err != nil {
			return ValueHolder{}, false, errors.Wrapf(err, "layer %d", i)
		}
		if ok {
			return v, true, nil
		}
	}

	return ValueHolder{}, false, nil
}

// getRawRange returns one cursor per table, newest first.  Every cursor holds a table
// reference, so the tables outlive a compaction that supersedes them mid-scan.
func (s *persistentStore) getRawRange(from, to TaggedKey) ([]rowCursor, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var cursors []rowCursor
	for _, l := range s.layers {
		for _, t := range l.tables() {
			if t.acquire() {
				cursors = append(cursors, t.getRawRange(from, to))
			}
		}
	}

	return cursors, nil
}

// snapshotLayers returns a copy of the current layer list
func (s *persistentStore) snapshotLayers() []layer {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return slices.Clone(s.layers)
}

// addSSTable registers a freshly flushed run in layer 0 and then compacts if needed.
// The table is visible to readers as soon as the lock is released, before any compaction.
func (s *persistentStore) addSSTable(ctx context.Context, t *SSTable) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return errors.CombineErrors(ErrClosed, t.close())
	}

	l0 := s.layers[0].(*unmergedLayer)
	layers := slices.Clone(s.layers)
	layers[0] = &unmergedLayer{runs: append(slices.Clone(l0.runs), t)}
	s.layers = layers
	s.lock.Unlock()

	s.logger.Debug("registered sstable", zap.Int64("table", t.id), zap.Int("layer0_runs", len(l0.runs)+1))

	return s.compaction.ensureCompacted(ctx)
}

// layerCount returns the number of layers
func (s *persistentStore) layerCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.layers)
}

// close drops the store's reference on every table, attempting all of them
func (s *persistentStore) close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for _, l := range s.layers {
		for _, t := range l.tables() {
			if closeErr := t.close(); closeErr != nil {
				err = errors.CombineErrors(err, errors.Wrapf(closeErr, "failed to close sstable %d", t.id))
			}
		}
	}
	s.layers = nil

	return err
}

// reopenResult is what openStore recovered from the directory
type reopenResult struct {
	layers      []layer
	maxTableID  int64
	maxSnapshot int64
	tables      int
}

// reopen loads the sstables found in dir and rebuilds the layer list from their side-cars.
// Leftover temporary files are removed, as are data files without a side-car and tables
// an interrupted compaction already merged into a newer run.
func reopen(fs afero.Fs, dir string, logger *zap.Logger) (*reopenResult, error) {
	files, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	res := &reopenResult{}
	var tables []*SSTable

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()

		if strings.HasSuffix(name, TempExtension) {
			logger.Info("removing incomplete file", zap.String("file", name))
			if err := fs.Remove(filepath.Join(dir, name)); err != nil {
				return nil, errors.Wrapf(err, "failed to remove %s", name)
			}
			continue
		}

		id, ok := parseTableID(name)
		if !ok {
			continue
		}
		res.maxTableID = max(res.maxTableID, id)

		path := sstablePath(dir, id)
		if _, err := fs.Stat(indexPath(path)); err != nil {
			logger.Warn("removing sstable without index", zap.String("file", name), zap.Error(err))
			if err := fs.Remove(path); err != nil {
				return nil, errors.Wrapf(err, "failed to remove %s", name)
			}
			continue
		}

		t, err := openSSTable(fs, path, logger)
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "failed to open %s", name), closeAll(tables))
		}
		tables = append(tables, t)
	}

	// Merged runs make every older run at the same or a shallower layer redundant
	var kept []*SSTable
	for _, t := range tables {
		redundant := false
		for _, m := range tables {
			if m.layer >= 1 && m.layer >= t.layer && m.id > t.id {
				redundant = true
				break
			}
		}
		if redundant {
			logger.Info("discarding sstable replaced by compaction", zap.Int64("table", t.id), zap.Int("layer", t.layer))
			if err := t.supersede(); err != nil {
				return nil, errors.CombineErrors(err, closeAll(tables))
			}
			continue
		}
		kept = append(kept, t)
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].id < kept[j].id
	})

	depth := 1
	for _, t := range kept {
		depth = max(depth, t.layer+1)
		res.maxSnapshot = max(res.maxSnapshot, t.maxSnapshot)
	}

	res.layers = make([]layer, depth)
	l0 := &unmergedLayer{}
	res.layers[0] = l0
	for i := 1; i < depth; i++ {
		res.layers[i] = &mergedLayer{}
	}

	for _, t := range kept {
		if t.layer == 0 {
			l0.runs = append(l0.runs, t)
		} else {
			res.layers[t.layer] = &mergedLayer{run: t}
		}
	}
	res.tables = len(kept)

	return res, nil
}

// closeAll closes tables, combining failures
func closeAll(tables []*SSTable) error {
	var err error
	for _, t := range tables {
		if t.refs.Load() > 0 {
			err = errors.CombineErrors(err, t.close())
		}
	}
	return err
}
