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

// Package index parses the on-disk index format: header, TOC, symbol
// table, posting-offset table, postings lists and series records, and
// composes the postings iterator algebra used to evaluate label matchers.
package index

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/climberhunt/tsdb-reader/model/labels"
	"github.com/climberhunt/tsdb-reader/tsdbutil/crc32"
	"github.com/climberhunt/tsdb-reader/tsdbutil/encoding"
	"github.com/climberhunt/tsdb-reader/tsdbutil/fileutil"
)

const (
	// MagicIndex is the 4-byte magic at the head of every index file.
	MagicIndex = 0xBAAAD700

	// FormatV1 and FormatV2 are the only recognized index format versions.
	FormatV1 = 1
	FormatV2 = 2

	headerLen = 5
	tocLen    = 6*8 + 4 // six big-endian u64 offsets plus a CRC32 trailer
)

// TOC names the byte offset of every top-level section of the index file.
type TOC struct {
	Symbols           uint64
	Series            uint64
	LabelIndices      uint64
	LabelIndicesTable uint64
	Postings          uint64
	PostingsTable     uint64
}

func newTOC(bs encoding.ByteSlice) (*TOC, error) {
	if bs.Len() < tocLen {
		return nil, errors.Wrapf(ErrInvalidTOCSize, "index size %d smaller than TOC", bs.Len())
	}
	b := bs.Range(bs.Len()-tocLen, bs.Len())

	expCRC := binary.BigEndian.Uint32(b[len(b)-4:])
	body := b[:len(b)-4]
	if actual := crc32.Checksum(body); actual != expCRC {
		return nil, &encoding.ErrInvalidChecksum{Expected: expCRC, Actual: actual}
	}

	d := encoding.Decbuf{B: body}
	t := &TOC{
		Symbols:           d.Be64(),
		Series:            d.Be64(),
		LabelIndices:      d.Be64(),
		LabelIndicesTable: d.Be64(),
		Postings:          d.Be64(),
		PostingsTable:     d.Be64(),
	}
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "decode TOC")
	}
	return t, nil
}

// postingOffset is one entry of the in-memory sparse index over the
// postings-offset table: the decoded label value at pos, and the absolute
// file offset of the raw table entry so the value's real posting offset can
// be re-decoded on demand.
type postingOffset struct {
	value string
	pos   int
}

// ChunkMeta is a resolved chunk reference: where it lives and the time
// range it covers. Decoding the samples inside the chunk is out of scope.
type ChunkMeta struct {
	Ref     uint64
	MinTime int64
	MaxTime int64
}

// Reader parses and serves queries against one index file.
type Reader struct {
	b       encoding.ByteSlice
	c       io.Closer
	version int
	toc     *TOC

	symbols *Symbols
	// postings maps a label name to its sparse postings-offset index.
	postings map[string][]postingOffset
	// nameSymbols caches the symbol id of every label name present in
	// postings, short-circuiting the O(symbolFactor) Lookup for the small,
	// frequently re-used set of label names.
	nameSymbols map[uint32]string
}

// NewReader parses an index already loaded into bs. c, if non-nil, is
// closed by Reader.Close (used to release an mmap'd file).
func NewReader(bs encoding.ByteSlice, c io.Closer) (*Reader, error) {
	if bs.Len() < headerLen {
		return nil, errors.Wrapf(encoding.ErrInvalidSize, "index header: have %d bytes", bs.Len())
	}

	d := encoding.Decbuf{B: bs.Range(0, headerLen)}
	if m := d.Be32(); m != MagicIndex {
		return nil, errors.Wrapf(ErrInvalidMagicNumber, "got %x, want %x", m, MagicIndex)
	}
	version := int(d.Byte())
	if version != FormatV1 && version != FormatV2 {
		return nil, errors.Wrapf(ErrInvalidIndexVersion, "got %d", version)
	}
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "read header")
	}

	toc, err := newTOC(bs)
	if err != nil {
		return nil, errors.Wrap(err, "read TOC")
	}

	symbols, err := NewSymbols(bs, version, int(toc.Symbols))
	if err != nil {
		return nil, errors.Wrap(err, "read symbol table")
	}

	r := &Reader{
		b:       bs,
		c:       c,
		version: version,
		toc:     toc,
		symbols: symbols,
	}

	postings, err := r.readPostingsOffsetTable()
	if err != nil {
		return nil, errors.Wrap(err, "read postings offset table")
	}
	r.postings = postings

	r.nameSymbols = make(map[uint32]string, len(postings))
	for name := range postings {
		id, err := symbols.ReverseLookup(name)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve symbol id for label name %q", name)
		}
		r.nameSymbols[id] = name
	}

	return r, nil
}

// NewFileReader mmaps path and parses it as an index file.
func NewFileReader(path string) (*Reader, error) {
	mf, err := fileutil.OpenMmapFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open mmap file")
	}
	r, err := NewReader(encoding.RealByteSlice(mf.Bytes()), mf)
	if err != nil {
		mf.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying byte source.
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// Version reports the on-disk format version (1 or 2).
func (r *Reader) Version() int { return r.version }

func (r *Reader) readPostingsOffsetTable() (map[string][]postingOffset, error) {
	table := make(map[string][]postingOffset)
	if r.version == FormatV1 {
		// The v1 format has no postings-offset table at all: only whole
		// label-index sections. Postings degrades to Empty for any name.
		return table, nil
	}

	d := encoding.NewDecbufAt(r.b, int(r.toc.PostingsTable), crc32.Table)
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "postings offset table frame")
	}
	var (
		origLen = d.Len()
		cnt     = d.Be32int()
	)
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "read entry count")
	}
	tableStart := int(r.toc.PostingsTable) + 4 + (origLen - d.Len())
	lenAfterCount := d.Len()

	var (
		lastName, lastValue string
		lastPos             int
		haveLast, started   bool
		valueCount          int
	)
	for i := 0; i < cnt && d.Err() == nil; i++ {
		entryPos := tableStart + (lenAfterCount - d.Len())

		keyCount := d.Uvarint()
		if d.Err() != nil {
			break
		}
		if keyCount != 2 {
			return nil, errors.Wrapf(ErrInvalidPostingsEntry, "entry %d has key count %d", i, keyCount)
		}
		name := d.UvarintStr()
		value := d.UvarintStr()
		d.Uvarint() // posting_offset: re-read live during Postings(), not retained here
		if d.Err() != nil {
			break
		}

		if !started || name != lastName {
			if haveLast {
				table[lastName] = append(table[lastName], postingOffset{value: lastValue, pos: lastPos})
			}
			haveLast, started = false, true
			valueCount = 0
			lastName = name
			if _, ok := table[name]; !ok {
				table[name] = nil
			}
		}

		if valueCount%symbolFactor == 0 {
			table[name] = append(table[name], postingOffset{value: value, pos: entryPos})
			haveLast = false
		} else {
			lastValue, lastPos = value, entryPos
			haveLast = true
		}
		valueCount++
	}
	if haveLast {
		table[lastName] = append(table[lastName], postingOffset{value: lastValue, pos: lastPos})
	}
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "decode postings offset table")
	}
	return table, nil
}

func (r *Reader) lookupName(id uint32) (string, error) {
	if name, ok := r.nameSymbols[id]; ok {
		return name, nil
	}
	return r.symbols.Lookup(id)
}

// Postings resolves the union of the postings lists for (name, values...).
// values need not be pre-sorted; an empty values list (or an unknown name)
// yields Empty.
func (r *Reader) Postings(name string, values ...string) (Postings, error) {
	e, ok := r.postings[name]
	if !ok || len(e) == 0 || len(values) == 0 {
		return Empty(), nil
	}

	sortedValues := append([]string(nil), values...)
	sort.Strings(sortedValues)

	vi := 0
	for vi < len(sortedValues) && sortedValues[vi] < e[0].value {
		vi++
	}
	if vi == len(sortedValues) {
		return Empty(), nil
	}

	end := e[len(e)-1].pos

	var res []Postings
	for vi < len(sortedValues) {
		target := sortedValues[vi]

		i := sort.Search(len(e), func(i int) bool { return e[i].value >= target })
		if i == len(e) {
			break
		}
		if e[i].value != target && i > 0 {
			i--
		}

		d := encoding.Decbuf{B: r.b.Range(e[i].pos, r.b.Len())}
		startLen := d.Len()
		d.Uvarint()      // key_count, known == 2
		d.UvarintBytes() // name, known-equal to the lookup key
		labelValue := d.UvarintStr()
		postingOff := d.Uvarint()
		cur := e[i].pos + (startLen - d.Len())

		for d.Err() == nil && labelValue < target && cur <= end {
			d.Uvarint()
			d.UvarintBytes()
			labelValue = d.UvarintStr()
			postingOff = d.Uvarint()
			cur = e[i].pos + (startLen - d.Len())
		}
		if d.Err() != nil {
			return nil, errors.Wrap(d.Err(), "scan postings offset table")
		}

		for vi < len(sortedValues) && sortedValues[vi] <= labelValue {
			if sortedValues[vi] == labelValue {
				p, err := r.readPostingsList(postingOff)
				if err != nil {
					return nil, err
				}
				res = append(res, p)
			}
			vi++
		}
	}

	if len(res) == 0 {
		return Empty(), nil
	}
	return Merge(res...), nil
}

func (r *Reader) readPostingsList(postingOff int) (Postings, error) {
	pd := encoding.NewDecbufAt(r.b, int(r.toc.Postings)+postingOff, crc32.Table)
	if pd.Err() != nil {
		return nil, errors.Wrap(pd.Err(), "postings list frame")
	}
	cnt := pd.Be32int()
	if pd.Err() != nil {
		return nil, errors.Wrap(pd.Err(), "postings list count")
	}
	if cnt*4 > pd.Len() {
		return nil, errors.Wrapf(encoding.ErrInvalidSize, "postings list claims %d ids, have %d bytes", cnt, pd.Len())
	}
	return newBigEndianPostings(pd.Get()[:cnt*4]), nil
}

// LabelValues returns every distinct value stored for name, in order. The
// sparse index only holds every symbolFactor-th value, so the raw table is
// scanned from the name's first entry through its last.
func (r *Reader) LabelValues(name string) ([]string, error) {
	e, ok := r.postings[name]
	if !ok || len(e) == 0 {
		return nil, nil
	}

	d := encoding.Decbuf{B: r.b.Range(e[0].pos, r.b.Len())}
	startLen := d.Len()
	end := e[len(e)-1].pos

	var values []string
	cur := e[0].pos
	for d.Err() == nil && cur <= end {
		d.Uvarint()      // key_count, known == 2
		d.UvarintBytes() // name, known-equal
		values = append(values, d.UvarintStr())
		d.Uvarint() // posting_offset
		cur = e[0].pos + (startLen - d.Len())
	}
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "scan postings offset table")
	}
	return values, nil
}

// Symbols exposes a forward iterator over the whole symbol table.
func (r *Reader) Symbols() *SymbolsIter { return r.symbols.Iter() }

func seriesOffset(version int, ref uint64) int {
	if version == FormatV2 {
		return int(ref) * 16
	}
	return int(ref)
}

// Series decodes the labels and chunk references for the series at ref,
// resetting and reusing lbls/chks to avoid an allocation per call.
func (r *Reader) Series(ref uint64, lbls *labels.Labels, chks *[]ChunkMeta) error {
	d := encoding.NewDecbufUvarintAt(r.b, seriesOffset(r.version, ref), crc32.Table)
	if d.Err() != nil {
		return errors.Wrap(d.Err(), "series frame")
	}
	return r.decodeSeries(&d, lbls, chks)
}

func (r *Reader) decodeSeries(d *encoding.Decbuf, lbls *labels.Labels, chks *[]ChunkMeta) error {
	*lbls = (*lbls)[:0]
	*chks = (*chks)[:0]

	k := d.Uvarint()
	for i := 0; i < k && d.Err() == nil; i++ {
		nameID := uint32(d.Uvarint())
		valueID := uint32(d.Uvarint())
		name, err := r.lookupName(nameID)
		if err != nil {
			return errors.Wrap(err, "resolve label name")
		}
		value, err := r.symbols.Lookup(valueID)
		if err != nil {
			return errors.Wrap(err, "resolve label value")
		}
		*lbls = append(*lbls, labels.Label{Name: name, Value: value})
	}
	if d.Err() != nil {
		return errors.Wrap(d.Err(), "decode series labels")
	}
	sort.Sort(*lbls)

	if err := readChunkMetas(d, chks); err != nil {
		return errors.Wrap(err, "decode chunk refs")
	}
	return nil
}

func readChunkMetas(d *encoding.Decbuf, chks *[]ChunkMeta) error {
	n := d.Uvarint()
	if n == 0 || d.Err() != nil {
		return d.Err()
	}

	var (
		first    = true
		prevMaxt int64
		ref      uint64
	)
	for i := 0; i < n && d.Err() == nil; i++ {
		var mint, maxt int64
		if first {
			mint = d.Varint64()
			maxt = mint + int64(d.Uvarint64())
			ref = d.Uvarint64()
			first = false
		} else {
			mint = prevMaxt + int64(d.Uvarint64())
			maxt = mint + int64(d.Uvarint64())
			ref += uint64(d.Varint64())
		}
		prevMaxt = maxt
		*chks = append(*chks, ChunkMeta{Ref: ref, MinTime: mint, MaxTime: maxt})
	}
	return d.Err()
}
