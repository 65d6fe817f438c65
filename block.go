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

package tsdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/climberhunt/tsdb-reader/chunks"
	"github.com/climberhunt/tsdb-reader/index"
)

const metaFilename = "meta.json"

// ErrUnsupportedBlockVersion is returned when a block's meta.json carries a
// version other than 1, the only one this reader understands.
var ErrUnsupportedBlockVersion = errors.New("unsupported block version")

// BlockStats holds the series/sample/chunk counters meta.json carries.
type BlockStats struct {
	NumSamples    uint64 `json:"numSamples"`
	NumSeries     uint64 `json:"numSeries"`
	NumChunks     uint64 `json:"numChunks"`
	NumTombstones uint64 `json:"numTombstones,omitempty"`
}

// BlockCompaction records how a block was produced.
type BlockCompaction struct {
	Level   int         `json:"level"`
	Sources []ulid.ULID `json:"sources,omitempty"`
}

// BlockMeta is the decoded contents of a block directory's meta.json.
type BlockMeta struct {
	ULID       ulid.ULID       `json:"ulid"`
	MinTime    int64           `json:"minTime"`
	MaxTime    int64           `json:"maxTime"`
	Stats      BlockStats      `json:"stats,omitempty"`
	Compaction BlockCompaction `json:"compaction,omitempty"`
	Version    int             `json:"version"`
}

// ReadMetaFile loads and decodes dir/meta.json, returning the meta and the
// file's on-disk size.
func ReadMetaFile(dir string) (*BlockMeta, int64, error) {
	b, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if err != nil {
		return nil, 0, errors.Wrap(err, "read meta file")
	}
	var m BlockMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, 0, errors.Wrap(err, "decode meta file")
	}
	if m.Version != 1 {
		return nil, 0, errors.Wrapf(ErrUnsupportedBlockVersion, "got %d", m.Version)
	}
	return &m, int64(len(b)), nil
}

// IsBlockDir reports whether dir's base name parses as a valid ULID, the
// only check needed to tell a block directory apart from unrelated entries
// under the data directory (WAL, lockfile, tombstones of removed blocks).
func IsBlockDir(dir string) (ulid.ULID, bool) {
	id, err := ulid.ParseStrict(filepath.Base(dir))
	return id, err == nil
}

// Block is a read-only handle on one persisted block directory: its
// decoded meta.json and an open index reader. The chunks/ segments are only
// validated at open time; Querier results carry label sets only, neither
// chunk references nor decoded samples.
type Block struct {
	mtx sync.RWMutex

	dir  string
	meta BlockMeta

	indexr *index.Reader
	closed bool
}

// OpenBlock opens the block directory at dir: it loads meta.json, mmaps and
// parses index, and validates every chunks/ segment header without loading
// sample data. A block with no chunks/ directory, or one containing no
// valid segment, is rejected — a block with an index but no evaluable
// series data could otherwise appear usable and silently ever return zero
// chunks.
func OpenBlock(dir string) (*Block, error) {
	meta, _, err := ReadMetaFile(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read meta")
	}

	ir, err := index.NewFileReader(filepath.Join(dir, "index"))
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}

	if err := validateChunkSegments(filepath.Join(dir, "chunks")); err != nil {
		ir.Close()
		return nil, errors.Wrap(err, "validate chunks")
	}

	return &Block{dir: dir, meta: *meta, indexr: ir}, nil
}

func validateChunkSegments(chunksDir string) error {
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		return errors.Wrap(err, "read chunks dir")
	}

	var segments []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		segments = append(segments, e.Name())
	}
	if len(segments) == 0 {
		return errors.New("no chunk segments found")
	}
	sort.Strings(segments)

	for _, name := range segments {
		if err := chunks.ValidateSegmentFile(filepath.Join(chunksDir, name)); err != nil {
			return errors.Wrapf(err, "segment %s", name)
		}
	}
	return nil
}

// Dir returns the block's directory path.
func (b *Block) Dir() string { return b.dir }

// Meta returns a copy of the block's meta.json contents.
func (b *Block) Meta() BlockMeta {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.meta
}

// Querier returns a querier over this block's index.
func (b *Block) Querier() (*BlockQuerier, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.closed {
		return nil, errors.New("block is closed")
	}
	return newBlockQuerier(b.indexr, b.meta.MinTime, b.meta.MaxTime), nil
}

// Close releases the block's index reader. It blocks until in-flight
// Querier() calls (held under RLock) finish, then closes the reader;
// queriers obtained before Close share that reader and cannot be used
// once Close has returned.
func (b *Block) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.indexr.Close()
}
