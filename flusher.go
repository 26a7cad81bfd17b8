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
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/wildcatdb/kvdb/queue"
)

// Flusher persists retired memtables on a single background worker, one at a time and in
// the order they were retired.  A retired memtable stays in the in-flight queue, readable,
// until its sstable is registered in the store.
type Flusher struct {
	store    *persistentStore
	tableIDs *IDGenerator
	opts     *Options
	logger   *zap.Logger
	inFlight *queue.Queue[*MemTable] // Retired memtables, oldest first
	pending  chan *MemTable          // Work for the worker
	lock     sync.RWMutex            // Submitters hold it shared, close exclusively
	closed   bool
	failure  error // First flush failure, set only by the worker
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// newFlusher creates a Flusher.  The worker is started with start.
func newFlusher(store *persistentStore, tableIDs *IDGenerator, opts *Options, logger *zap.Logger) *Flusher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Flusher{
		store:    store,
		tableIDs: tableIDs,
		opts:     opts,
		logger:   logger,
		inFlight: queue.New[*MemTable](),
		pending:  make(chan *MemTable, opts.FlushQueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// start launches the background worker
func (flusher *Flusher) start() {
	go flusher.backgroundProcess()
}

// track registers a memtable as in flight.  It must happen before the memtable stops being
// the active one so readers never miss it.
func (flusher *Flusher) track(t *MemTable) {
	if t.tracked.CompareAndSwap(false, true) {
		flusher.inFlight.Enqueue(t)
	}
}

// submit hands a tracked, frozen memtable to the worker.  It blocks while the queue is full.
func (flusher *Flusher) submit(t *MemTable) error {
	flusher.lock.RLock()
	defer flusher.lock.RUnlock()

	if flusher.closed {
		return ErrClosed
	}

	select {
	case flusher.pending <- t:
		return nil
	case <-flusher.ctx.Done():
		return errors.Wrap(ErrFlushAborted, "flusher is shutting down")
	}
}

// schedulePersist tracks, freezes and submits a memtable
func (flusher *Flusher) schedulePersist(t *MemTable) error {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "cannot persist a nil memtable")
	}

	flusher.track(t)
	t.freeze()
	return flusher.submit(t)
}

// tables returns the in-flight memtables, newest first
func (flusher *Flusher) tables() []*MemTable {
	list := flusher.inFlight.List()
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list
}

// backgroundProcess drains the pending channel until it is closed
func (flusher *Flusher) backgroundProcess() {
	defer close(flusher.done)

	for t := range flusher.pending {
		if flusher.failure != nil {
			t.finish(errors.Mark(errors.Wrap(flusher.failure, "flush skipped after an earlier failure"), ErrFlushAborted))
			continue
		}

		if err := flusher.flushMemTable(t); err != nil {
			flusher.failure = err
			flusher.logger.Error("flush failed, later memtables stay in memory", zap.Error(err))
			t.finish(err)
		}
	}

	flusher.logger.Debug("flusher stopped")
}

// flushMemTable writes t to a new layer 0 sstable, registers it and retires t.  An error
// means t was not retired.  A compaction failure after registration poisons the worker
// without failing t.
func (flusher *Flusher) flushMemTable(t *MemTable) error {
	if err := flusher.ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "flusher is shutting down"), ErrFlushAborted)
	}

	id := flusher.tableIDs.nextID()
	start := time.Now()

	cursor := t.scanAll()
	sst, err := buildSSTable(flusher.ctx, flusher.store.fs, flusher.store.dir, id, 0, flusher.opts, flusher.logger, cursor, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to flush memtable to sstable %d", id)
	}

	entries, bytes := sst.entries, sst.sizeOnDisk()

	// The store publishes the table under its lock before t leaves the in-flight queue
	compactErr := flusher.store.addSSTable(flusher.ctx, sst)
	if errors.Is(compactErr, ErrClosed) {
		return compactErr
	}

	head, ok := flusher.inFlight.Dequeue()
	if !ok || head != t {
		return errors.AssertionFailedf("flushed memtable is not the oldest in flight")
	}
	t.finish(nil)

	flusher.logger.Info("flushed memtable",
		zap.Int64("table", id),
		zap.Int64("entries", entries),
		zap.Int64("bytes", bytes),
		zap.Duration("took", time.Since(start)))

	if compactErr != nil {
		flusher.failure = errors.Wrap(compactErr, "compaction after flush failed")
		flusher.logger.Error("compaction failed, later memtables stay in memory", zap.Error(compactErr))
	}
	return nil
}

// close stops accepting work and waits up to timeout for the worker to drain.  Memtables
// that were not persisted are reported with ErrPendingFlush.
func (flusher *Flusher) close(timeout time.Duration) error {
	flusher.lock.Lock()
	if flusher.closed {
		flusher.lock.Unlock()
		return nil
	}
	flusher.closed = true
	close(flusher.pending)
	flusher.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-flusher.done:
	case <-timer.C:
		flusher.cancel()
		return errors.Wrapf(ErrPendingFlush, "flush did not drain within %s, %d memtables in flight", timeout, flusher.inFlight.Size())
	}
	flusher.cancel()

	if n := flusher.inFlight.Size(); n > 0 {
		return errors.CombineErrors(
			errors.Wrapf(ErrPendingFlush, "%d memtables were not persisted", n),
			flusher.failure)
	}

	return errors.Wrap(flusher.failure, "background flush failed")
}
