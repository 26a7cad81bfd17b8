//go:build !unix

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
	"github.com/spf13/afero"
	"golang.org/x/exp/mmap"
)

// mapFile reads path through a read-only mapping where the platform has no unix mmap.
// The contents are copied out so the mapping can be released straight away.
func mapFile(fs afero.Fs, path string) ([]byte, func() error, error) {
	if _, ok := fs.(*afero.OsFs); !ok {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, nil, err
		}
		return data, func() error { return nil }, nil
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if _, err := r.ReadAt(data, 0); err != nil {
		return nil, nil, err
	}

	return data, func() error { return nil }, nil
}
