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
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/require"

	"github.com/climberhunt/tsdb-reader/chunks"
	"github.com/climberhunt/tsdb-reader/index"
	"github.com/climberhunt/tsdb-reader/tsdbutil/crc32"
	"github.com/climberhunt/tsdb-reader/tsdbutil/encoding"
)

func frame(payload []byte) []byte {
	var e encoding.Encbuf
	e.PutBE32int(len(payload))
	base := e.Len()
	e.B = append(e.B, payload...)
	e.PutHash(crc32.Table, base)
	return e.Get()
}

func uvarintFrame(payload []byte) []byte {
	var e encoding.Encbuf
	e.PutUvarint(len(payload))
	base := e.Len()
	e.B = append(e.B, payload...)
	e.PutHash(crc32.Table, base)
	return e.Get()
}

type testSeries struct {
	labels          [][2]string
	mint, maxt, ref int64
}

// buildIndexFile assembles a minimal, spec-correct v2 index file, mirroring
// the fixture builder in the index package's own tests.
func buildIndexFile(t *testing.T, series []testSeries) []byte {
	t.Helper()

	symbolSet := map[string]struct{}{}
	for _, s := range series {
		for _, lp := range s.labels {
			symbolSet[lp[0]] = struct{}{}
			symbolSet[lp[1]] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	symID := make(map[string]int, len(symbols))
	for i, s := range symbols {
		symID[s] = i
	}

	var buf []byte

	var hdr encoding.Encbuf
	hdr.PutBE32(index.MagicIndex)
	hdr.PutByte(index.FormatV2)
	buf = append(buf, hdr.Get()...)

	symbolsOff := len(buf)
	var payload encoding.Encbuf
	payload.PutBE32int(len(symbols))
	for _, s := range symbols {
		payload.PutUvarintStr(s)
	}
	buf = append(buf, frame(payload.Get())...)

	refs := make([]uint64, len(series))
	for i, s := range series {
		for len(buf)%16 != 0 {
			buf = append(buf, 0)
		}
		refs[i] = uint64(len(buf) / 16)

		var sp encoding.Encbuf
		sp.PutUvarint(len(s.labels))
		for _, lp := range s.labels {
			sp.PutUvarint(symID[lp[0]])
			sp.PutUvarint(symID[lp[1]])
		}
		sp.PutUvarint(1)
		sp.PutVarint64(s.mint)
		sp.PutUvarint64(uint64(s.maxt - s.mint))
		sp.PutUvarint64(uint64(s.ref))

		buf = append(buf, uvarintFrame(sp.Get())...)
	}

	type key struct{ name, value string }
	postingsOf := map[key][]uint64{}
	for i, s := range series {
		for _, lp := range s.labels {
			k := key{lp[0], lp[1]}
			postingsOf[k] = append(postingsOf[k], refs[i])
		}
	}

	postingsOff := len(buf)
	type entry struct {
		name, value string
		relOff      int
	}
	var entries []entry
	var names []string
	seen := map[string]bool{}
	for k := range postingsOf {
		if !seen[k.name] {
			seen[k.name] = true
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var values []string
		for k := range postingsOf {
			if k.name == name {
				values = append(values, k.value)
			}
		}
		sort.Strings(values)
		for _, value := range values {
			ids := postingsOf[key{name, value}]
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			var pp encoding.Encbuf
			pp.PutBE32int(len(ids))
			for _, id := range ids {
				pp.PutBE32(uint32(id))
			}
			relOff := len(buf) - postingsOff
			buf = append(buf, frame(pp.Get())...)
			entries = append(entries, entry{name, value, relOff})
		}
	}

	postingsTableOff := len(buf)
	var tp encoding.Encbuf
	tp.PutBE32int(len(entries))
	for _, e := range entries {
		tp.PutUvarint(2)
		tp.PutUvarintStr(e.name)
		tp.PutUvarintStr(e.value)
		tp.PutUvarint(e.relOff)
	}
	buf = append(buf, frame(tp.Get())...)

	var toc encoding.Encbuf
	toc.PutBE64(uint64(symbolsOff))
	toc.PutBE64(0)
	toc.PutBE64(0)
	toc.PutBE64(0)
	toc.PutBE64(uint64(postingsOff))
	toc.PutBE64(uint64(postingsTableOff))
	toc.PutHash(crc32.Table, 0)
	buf = append(buf, toc.Get()...)

	return buf
}

func buildChunkSegment() []byte {
	var b [chunks.SegmentHeaderSize]byte
	binary.BigEndian.PutUint32(b[:4], chunks.MagicChunks)
	b[4] = chunks.ChunksFormatV1
	return b[:]
}

// writeTestBlock materializes a full block directory at dir: meta.json,
// index and a single valid chunks segment.
func writeTestBlock(t *testing.T, dir string, id ulid.ULID, mint, maxt int64, series []testSeries) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "chunks"), 0o755))

	meta := BlockMeta{
		ULID:    id,
		MinTime: mint,
		MaxTime: maxt,
		Version: 1,
		Stats:   BlockStats{NumSeries: uint64(len(series))},
	}
	b, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, metaFilename), b, 0o644))

	idx := buildIndexFile(t, series)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index"), idx, 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunks", "000001"), buildChunkSegment(), 0o644))
}
