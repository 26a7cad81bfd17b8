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
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultWriteBufferSize          = 1024 * 1024 // 1MB of accounted bytes per memtable
	DefaultBlockSize                = 1024        // 1KB of records per sstable block
	DefaultBloomFilterExpectedItems = 10000
	DefaultBloomFilterFPR           = 0.01
	DefaultLevelMultiplier          = 10
	DefaultCASStripes               = 512
	DefaultFlushQueueSize           = 16
	DefaultCloseTimeout             = 60 * time.Second
	DefaultPermission               = 0750
)

// Options represents the configuration options for a DB
type Options struct {
	Directory                string        // Directory holding the sstables
	FS                       afero.Fs      // Filesystem, the OS filesystem if nil
	WriteBufferSize          int64         // Accounted memtable size that triggers rotation
	BlockSize                int64         // Accounted record bytes per sstable block
	BloomFilterExpectedItems uint          // Expected keys per sstable, sizes the bloom filter
	BloomFilterFPR           float64       // Target bloom filter false positive rate
	LevelMultiplier          int           // Size growth factor between layers
	CASStripes               int           // Number of stripe locks serializing Cas
	FlushQueueSize           int           // Capacity of the flush queue
	CloseTimeout             time.Duration // How long Close waits for pending flushes
	Permission               os.FileMode   // Permission of the directory
	Logger                   *zap.Logger   // Structured logger, a no-op logger if nil
}

// DB is an embeddable LSM key value store
type DB struct {
	opts      *Options         // Configuration options
	logger    *zap.Logger      // Logger tagged with the instance id
	snapshots *SnapshotManager // Snapshot ids for writes and views
	tableIDs  *IDGenerator     // Ids for new sstables
	memstore  *MemStore        // Active memtable and rotation
	flusher   *Flusher         // Background persistence of retired memtables
	store     *persistentStore // Layers of sstables
	stripes   []sync.Mutex     // Stripe locks for Cas
	lifecycle sync.RWMutex     // Writers hold it shared, Close takes it to stop new writes
	closed    atomic.Bool
}

// Open opens the store in opts.Directory, loading any sstables already there
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "options cannot be nil")
	}

	if opts.Directory == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "directory cannot be empty")
	}

	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}

	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultWriteBufferSize
	}

	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	if opts.BloomFilterExpectedItems == 0 {
		opts.BloomFilterExpectedItems = DefaultBloomFilterExpectedItems
	}

	if opts.BloomFilterFPR <= 0 || opts.BloomFilterFPR >= 1 {
		opts.BloomFilterFPR = DefaultBloomFilterFPR
	}

	if opts.LevelMultiplier <= 1 {
		opts.LevelMultiplier = DefaultLevelMultiplier
	}

	if opts.CASStripes <= 0 {
		opts.CASStripes = DefaultCASStripes
	}

	if opts.FlushQueueSize <= 0 {
		opts.FlushQueueSize = DefaultFlushQueueSize
	}

	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}

	if opts.Permission == 0 {
		opts.Permission = DefaultPermission
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	logger := opts.Logger.With(zap.String("instance", uuid.NewString()), zap.String("directory", opts.Directory))

	if err := opts.FS.MkdirAll(opts.Directory, opts.Permission); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %s", opts.Directory)
	}

	recovered, err := reopen(opts.FS, opts.Directory, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reopen sstables")
	}

	db := &DB{
		opts:      opts,
		logger:    logger,
		snapshots: newSnapshotManager(recovered.maxSnapshot + 1),
		tableIDs:  reloadIDGenerator(recovered.maxTableID),
		stripes:   make([]sync.Mutex, opts.CASStripes),
	}

	db.store = &persistentStore{
		layers: recovered.layers,
		fs:     opts.FS,
		dir:    opts.Directory,
		opts:   opts,
		logger: logger,
	}
	db.store.compaction = &levelingCompaction{
		store:     db.store,
		opts:      opts,
		snapshots: db.snapshots,
		tableIDs:  db.tableIDs,
		logger:    logger,
	}

	db.flusher = newFlusher(db.store, db.tableIDs, opts, logger)
	db.memstore = newMemStore(db.flusher, opts.WriteBufferSize, logger)
	db.flusher.start()

	logger.Info("opened database",
		zap.Int("tables", recovered.tables),
		zap.Int("layers", len(recovered.layers)),
		zap.Int64("snapshot", db.snapshots.Current()),
		zap.Int64("last_table_id", recovered.maxTableID))

	return db, nil
}

// Close flushes the active memtable, waits for pending flushes and closes every sstable.
// It fails with ErrPendingFlush if some memtable could not be persisted.
func (db *DB) Close() error {
	if db == nil {
		return errors.Wrap(ErrInvalidArgument, "database is nil")
	}

	// Writes already past the closed check land before the final flush
	db.lifecycle.Lock()
	if !db.closed.CompareAndSwap(false, true) {
		db.lifecycle.Unlock()
		return nil
	}
	db.lifecycle.Unlock()

	db.logger.Info("closing database")

	var err error
	if _, flushErr := db.memstore.flush(); flushErr != nil {
		err = errors.Wrap(flushErr, "failed to schedule final flush")
	}

	if flushErr := db.flusher.close(db.opts.CloseTimeout); flushErr != nil {
		err = errors.CombineErrors(err, flushErr)
	}

	if storeErr := db.store.close(); storeErr != nil {
		err = errors.CombineErrors(err, storeErr)
	}

	if err != nil {
		db.logger.Error("database closed with errors", zap.Error(err))
		return err
	}

	db.logger.Info("database closed")
	return nil
}

// Get returns the newest value of key.  A missing or deleted key is reported with found
// set to false, not as an error.
func (db *DB) Get(key string) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}

	v, ok, err := db.get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return slices.Clone(v), true, nil
}

// get resolves key through the memtables and then the store.  The payload may be shared.
func (db *DB) get(key string) ([]byte, bool, error) {
	v, ok := db.memstore.get(key)
	if !ok {
		var err error
		v, ok, err = db.store.get(key)
		if err != nil {
			return nil, false, errors.Mark(errors.Wrapf(err, "failed to get %q", key), ErrStore)
		}
	}

	if !ok || v.Tombstone {
		return nil, false, nil
	}
	return v.Payload, true, nil
}

// Set stores value under key.  A nil value is stored as an empty value.
func (db *DB) Set(key string, value []byte) error {
	return db.write(key, NewValue(bytes.Clone(value)))
}

// Remove deletes key by writing a tombstone
func (db *DB) Remove(key string) error {
	return db.write(key, NewTombstone())
}

// write tags value with the current snapshot id and applies it to the active memtable
func (db *DB) write(key string, value ValueHolder) error {
	db.lifecycle.RLock()
	defer db.lifecycle.RUnlock()

	if db.closed.Load() {
		return ErrClosed
	}

	id := db.snapshots.beginWrite()
	t := db.memstore.put(NewTaggedKey(key, id), value)
	db.snapshots.endWrite()

	if err := db.memstore.maybeRotate(t); err != nil {
		return errors.Wrap(err, "failed to rotate memtable")
	}
	return nil
}

// stripe returns the Cas lock guarding key
func (db *DB) stripe(key string) *sync.Mutex {
	return &db.stripes[xxhash.Sum64String(key)%uint64(len(db.stripes))]
}

// Cas sets key to newVal if its current value equals expected.  A nil expected matches a
// missing or deleted key.  Concurrent Cas calls on one key are serialized.
func (db *DB) Cas(key string, newVal, expected []byte) (bool, error) {
	if db.closed.Load() {
		return false, ErrClosed
	}

	lock := db.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	current, ok, err := db.get(key)
	if err != nil {
		return false, err
	}

	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}

	if err := db.Set(key, newVal); err != nil {
		return false, err
	}
	return true, nil
}

// ContainsKey reports whether key holds a value
func (db *DB) ContainsKey(key string) (bool, error) {
	if db.closed.Load() {
		return false, ErrClosed
	}

	_, ok, err := db.get(key)
	return ok, err
}

// GetRange returns the newest value of every live key in [from, to], ascending
func (db *DB) GetRange(from, to TaggedKey) (*Iterator, error) {
	return db.iterate(from, to, true, MaxSnapshotID)
}

// RawIterate returns every version in [from, to], tombstones included, ascending
func (db *DB) RawIterate(from, to TaggedKey) (*Iterator, error) {
	return db.iterate(from, to, false, MaxSnapshotID)
}

// iterate merges the memtables and every sstable over [from, to]
func (db *DB) iterate(from, to TaggedKey, latest bool, ceiling int64) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	if from.Compare(to) > 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "range start %s sorts after end %s", from, to)
	}

	// Memtables are read before the store so a memtable flushed in between shows up in the store
	cursors := db.memstore.getRawRange(from, to)

	stored, err := db.store.getRawRange(from, to)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to open range"), ErrStore)
	}
	cursors = append(cursors, stored...)

	merge, err := newMergeIterator(cursors)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to open range"), ErrStore)
	}

	return newIterator(merge, latest, ceiling), nil
}

// Snapshot returns a view frozen at the current snapshot id.  The view must be closed.
func (db *DB) Snapshot() *View {
	id := db.snapshots.DoSnapshot()
	return &View{db: db, snapshotID: id}
}

// Flush persists the active memtable and waits until it and every memtable retired before
// it are in the store.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrClosed
	}

	t, err := db.memstore.flush()
	if err != nil {
		return errors.Wrap(err, "failed to schedule flush")
	}
	if t == nil {
		return nil
	}

	return t.wait()
}
