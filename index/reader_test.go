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

package index

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/climberhunt/tsdb-reader/model/labels"
	"github.com/climberhunt/tsdb-reader/tsdbutil/crc32"
	"github.com/climberhunt/tsdb-reader/tsdbutil/encoding"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixtureSeries is one series of the hand-built index used below.
type fixtureSeries struct {
	labels          [][2]string // (name, value), already sorted by name
	mint, maxt, ref int64
}

// buildFixtureIndex assembles a minimal, spec-correct v2 index file in
// memory: a symbol table, one series record per input series, one postings
// list per (name, value) pair and the full postings offset table, and a
// checksummed TOC footer. It returns the raw bytes together with the Series
// ref assigned to each series (its 16-byte-aligned file offset divided by 16).
func buildFixtureIndex(t *testing.T, series []fixtureSeries) ([]byte, []uint64) {
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

	// Header.
	var hdr encoding.Encbuf
	hdr.PutBE32(MagicIndex)
	hdr.PutByte(FormatV2)
	buf = append(buf, hdr.Get()...)

	// Symbol table.
	symbolsOff := len(buf)
	var payload encoding.Encbuf
	payload.PutBE32int(len(symbols))
	for _, s := range symbols {
		payload.PutUvarintStr(s)
	}
	buf = append(buf, frame(payload.Get())...)

	// Series records, 16-byte aligned so ref = offset/16 round-trips.
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
		sp.PutUvarint(1) // one chunk per fixture series
		sp.PutVarint64(s.mint)
		sp.PutUvarint64(uint64(s.maxt - s.mint))
		sp.PutUvarint64(uint64(s.ref))

		buf = append(buf, uvarintFrame(sp.Get())...)
	}

	// Postings lists, keyed by (name, value) -> sorted series refs.
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

	// Postings offset table.
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

	// TOC footer.
	var toc encoding.Encbuf
	toc.PutBE64(uint64(symbolsOff))
	toc.PutBE64(0) // series section has no single frame offset; refs are self-describing
	toc.PutBE64(0) // label indices: unused
	toc.PutBE64(0) // label indices table: unused
	toc.PutBE64(uint64(postingsOff))
	toc.PutBE64(uint64(postingsTableOff))
	toc.PutHash(crc32.Table, 0)
	buf = append(buf, toc.Get()...)

	return buf, refs
}

// frame wraps payload in a NewDecbufAt-compatible length-prefixed, checksummed frame.
func frame(payload []byte) []byte {
	var e encoding.Encbuf
	e.PutBE32int(len(payload))
	base := e.Len()
	e.B = append(e.B, payload...)
	e.PutHash(crc32.Table, base)
	return e.Get()
}

// uvarintFrame wraps payload in a NewDecbufUvarintAt-compatible frame.
func uvarintFrame(payload []byte) []byte {
	var e encoding.Encbuf
	e.PutUvarint(len(payload))
	base := e.Len()
	e.B = append(e.B, payload...)
	e.PutHash(crc32.Table, base)
	return e.Get()
}

func testFixture() []fixtureSeries {
	return []fixtureSeries{
		{labels: [][2]string{{"__name__", "a"}, {"job", "x"}}, mint: 100, maxt: 200, ref: 1000},
		{labels: [][2]string{{"__name__", "a"}, {"job", "y"}}, mint: 300, maxt: 400, ref: 2000},
	}
}

func TestReaderSymbolsAndSeries(t *testing.T) {
	raw, refs := buildFixtureIndex(t, testFixture())

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, FormatV2, r.Version())

	var lbls labels.Labels
	var chks []ChunkMeta
	require.NoError(t, r.Series(refs[0], &lbls, &chks))
	require.Equal(t, []ChunkMeta{{Ref: 1000, MinTime: 100, MaxTime: 200}}, chks)
	require.Equal(t, "a", lbls.Get("__name__"))
	require.Equal(t, "x", lbls.Get("job"))
}

func TestReaderPostingsEqual(t *testing.T) {
	raw, refs := buildFixtureIndex(t, testFixture())

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	p, err := r.Postings("job", "x")
	require.NoError(t, err)
	require.True(t, p.Next())
	require.Equal(t, refs[0], p.At())
	require.False(t, p.Next())
	require.NoError(t, p.Err())

	p, err = r.Postings("job", "x", "y")
	require.NoError(t, err)
	var got []uint64
	for p.Next() {
		got = append(got, p.At())
	}
	require.ElementsMatch(t, refs, got)
}

func TestReaderPostingsUnknownValue(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	p, err := r.Postings("job", "does-not-exist")
	require.NoError(t, err)
	require.False(t, p.Next())
}

// TestReaderPostingsManyValues drives the sparse postings-offset index past
// one bucket boundary: 40 values for a single name means the in-memory index
// holds entries 0 and 32 plus the final value, and every other lookup has to
// gallop through the raw table.
func TestReaderPostingsManyValues(t *testing.T) {
	var series []fixtureSeries
	for i := 0; i < 40; i++ {
		series = append(series, fixtureSeries{
			labels: [][2]string{{"i", fmt.Sprintf("%03d", i)}},
			mint:   int64(i), maxt: int64(i + 1), ref: int64(i),
		})
	}
	raw, refs := buildFixtureIndex(t, series)

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	for _, tc := range []struct {
		values []string
		want   []uint64
	}{
		{values: []string{"017"}, want: []uint64{refs[17]}},
		{values: []string{"031"}, want: []uint64{refs[31]}},
		{values: []string{"032"}, want: []uint64{refs[32]}},
		{values: []string{"033"}, want: []uint64{refs[33]}},
		{values: []string{"039"}, want: []uint64{refs[39]}},
		{values: []string{"000", "017", "032", "039"}, want: []uint64{refs[0], refs[17], refs[32], refs[39]}},
		{values: []string{"040"}, want: nil},
		{values: nil, want: nil},
	} {
		p, err := r.Postings("i", tc.values...)
		require.NoError(t, err)
		var got []uint64
		for p.Next() {
			got = append(got, p.At())
		}
		require.NoError(t, p.Err())
		require.ElementsMatch(t, tc.want, got, "values %v", tc.values)
	}

	vals, err := r.LabelValues("i")
	require.NoError(t, err)
	require.Len(t, vals, 40)
	require.True(t, sort.StringsAreSorted(vals))
}

func TestReaderValuesBeforeFirst(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	// "a..." sorts before both stored job values.
	p, err := r.Postings("job", "aardvark")
	require.NoError(t, err)
	require.False(t, p.Next())
}

func TestReaderCorruptTOC(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())
	raw[len(raw)-10] ^= 1

	_, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.Error(t, err)
	var cerr *encoding.ErrInvalidChecksum
	require.ErrorAs(t, err, &cerr)
}

func TestReaderBadMagic(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())
	raw[0] ^= 0xff

	_, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.ErrorIs(t, err, ErrInvalidMagicNumber)
}

func TestReaderBadVersion(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())
	raw[4] = 9

	_, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.ErrorIs(t, err, ErrInvalidIndexVersion)
}

func TestReaderLabelValues(t *testing.T) {
	raw, _ := buildFixtureIndex(t, testFixture())

	r, err := NewReader(encoding.RealByteSlice(raw), nil)
	require.NoError(t, err)
	defer r.Close()

	vals, err := r.LabelValues("job")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"x", "y"}, vals)
}
