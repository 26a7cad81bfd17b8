//go:build unix

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
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// mapFile maps path read-only.  Files that are not backed by the OS, such as those of an
// in-memory filesystem, are read into memory instead.
func mapFile(fs afero.Fs, path string) ([]byte, func() error, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	osFile, ok := f.(*os.File)
	if !ok {
		data, err := afero.ReadAll(f)
		if err != nil {
			return nil, nil, err
		}
		return data, func() error { return nil }, nil
	}

	stat, err := osFile.Stat()
	if err != nil {
		return nil, nil, err
	}

	if stat.Size() == 0 {
		return []byte{}, func() error { return nil }, nil
	}

	data, err := unix.Mmap(int(osFile.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap")
	}

	return data, func() error { return unix.Munmap(data) }, nil
}
