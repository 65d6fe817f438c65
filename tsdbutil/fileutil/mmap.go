// Copyright 2017 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fileutil wraps the parts of mmap-go the index reader needs: a
// read-only view of a whole file as a byte slice that outlives repeated
// positional reads without repeated syscalls.
package fileutil

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// MmapFile is a read-only memory-mapped file. Bytes() is valid until Close.
type MmapFile struct {
	f *os.File
	b mmap.MMap
}

// OpenMmapFile maps path into memory read-only.
func OpenMmapFile(path string) (*MmapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "try lock file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat")
	}
	if info.Size() == 0 {
		f.Close()
		return &MmapFile{f: nil, b: nil}, nil
	}

	b, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap")
	}
	return &MmapFile{f: f, b: b}, nil
}

// Bytes returns the mapped content. It is empty for a zero-length file.
func (f *MmapFile) Bytes() []byte {
	return f.b
}

// Close unmaps and closes the underlying file.
func (f *MmapFile) Close() error {
	var err error
	if f.b != nil {
		err = f.b.Unmap()
	}
	if f.f != nil {
		if cerr := f.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
