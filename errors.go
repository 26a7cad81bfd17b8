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

import "github.com/cockroachdb/errors"

// Sentinel errors.  Callers test for them with errors.Is; returned errors carry extra context.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrClosed            = errors.New("database is closed")
	ErrIteratorExhausted = errors.New("iterator exhausted")
	ErrPendingFlush      = errors.New("memtables still pending flush")
	ErrCorruptSSTable    = errors.New("corrupt sstable")
	ErrStore             = errors.New("store error")
	ErrFlushAborted      = errors.New("flush aborted")
)
