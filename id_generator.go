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
	"sync/atomic"
)

// IDGenerator is a thread-safe generator of monotonic ids.  Every DB owns its own generators.
type IDGenerator struct {
	lastID atomic.Int64
}

// newIDGenerator creates a new ID generator
func newIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// reloadIDGenerator creates a new ID generator with a specified last ID
func reloadIDGenerator(lastID int64) *IDGenerator {
	g := &IDGenerator{}
	g.lastID.Store(lastID)
	return g
}

// nextID generates the next unique ID
func (g *IDGenerator) nextID() int64 {
	return g.lastID.Add(1)
}

// save returns the last ID handed out
func (g *IDGenerator) save() int64 {
	return g.lastID.Load()
}
