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
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/climberhunt/tsdb-reader/tsdbutil/crc32"
	"github.com/climberhunt/tsdb-reader/tsdbutil/encoding"
)

// symbolFactor is the density of the sparse bucket index: one recorded
// offset per this many symbols.
const symbolFactor = 32

// Symbols holds a sorted, deduplicated string pool together with a sparse
// index of bucket start offsets, avoiding the need to hold every decoded
// string resident.
type Symbols struct {
	bs      encoding.ByteSlice
	version int
	off     int

	offsets []int // absolute file offsets, one per symbolFactor symbols
	seen    int
}

// NewSymbols parses the symbol table frame at off.
func NewSymbols(bs encoding.ByteSlice, version, off int) (*Symbols, error) {
	d := encoding.NewDecbufAt(bs, off, crc32.Table)
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "read symbols frame")
	}

	var (
		origLen = d.Len()
		cnt     = d.Be32int()
	)
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "read symbol count")
	}
	// Payload starts right after the outer 4-byte length prefix; the count
	// field itself occupies the first 4 bytes of that payload.
	base := off + 4 + (origLen - d.Len())

	s := &Symbols{bs: bs, version: version, off: off, seen: cnt}
	lenAfterCount := d.Len()

	for i := 0; d.Err() == nil && i < cnt; i++ {
		if i%symbolFactor == 0 {
			s.offsets = append(s.offsets, base+(lenAfterCount-d.Len()))
		}
		d.UvarintBytes()
	}
	if d.Err() != nil {
		return nil, errors.Wrap(d.Err(), "read symbols")
	}
	return s, nil
}

// Size reports the live in-memory footprint of the sparse bucket index.
func (s *Symbols) Size() int {
	return len(s.offsets) * 8
}

// Lookup resolves a symbol id to its string, scanning at most symbolFactor
// entries from the start of its bucket.
func (s *Symbols) Lookup(id uint32) (string, error) {
	if int(id) >= s.seen {
		return "", errors.Wrapf(ErrUnknownSymbolOffset, "symbol id %d (have %d)", id, s.seen)
	}
	bucket := int(id) / symbolFactor
	skip := int(id) - bucket*symbolFactor

	d := encoding.Decbuf{B: s.bs.Range(s.offsets[bucket], s.bs.Len())}
	for i := 0; i < skip; i++ {
		d.UvarintBytes()
	}
	sym := d.UvarintStr()
	if d.Err() != nil {
		return "", errors.Wrap(d.Err(), "decode symbol")
	}
	if !utf8.ValidString(sym) {
		return "", ErrInvalidUTF8
	}
	return sym, nil
}

// ReverseLookup finds the id of sym, binary-searching the bucket boundaries
// and then linear-scanning within the candidate bucket.
func (s *Symbols) ReverseLookup(sym string) (uint32, error) {
	if len(s.offsets) == 0 {
		return 0, errors.Wrapf(ErrSymbolNotFound, "no symbols (looking up %q)", sym)
	}

	i := sort.Search(len(s.offsets), func(i int) bool {
		d := encoding.Decbuf{B: s.bs.Range(s.offsets[i], s.bs.Len())}
		return d.UvarintStr() >= sym
	})
	if i > 0 {
		i--
	}

	d := encoding.Decbuf{B: s.bs.Range(s.offsets[i], s.bs.Len())}
	id := i * symbolFactor
	for d.Err() == nil && id < s.seen {
		cur := d.UvarintStr()
		if cur == sym {
			return uint32(id), nil
		}
		if cur > sym {
			break
		}
		id++
	}
	if d.Err() != nil {
		return 0, errors.Wrap(d.Err(), "decode symbol")
	}
	return 0, errors.Wrapf(ErrSymbolNotFound, "symbol %q", sym)
}

// SymbolsIter walks every symbol in id order.
type SymbolsIter struct {
	s   *Symbols
	d   encoding.Decbuf
	idx int
	cur string
}

// Iter returns a forward iterator over all symbols.
func (s *Symbols) Iter() *SymbolsIter {
	it := &SymbolsIter{s: s, idx: -1}
	if len(s.offsets) > 0 {
		it.d = encoding.Decbuf{B: s.bs.Range(s.offsets[0], s.bs.Len())}
	}
	return it
}

func (it *SymbolsIter) Next() bool {
	it.idx++
	if it.idx >= it.s.seen {
		return false
	}
	it.cur = it.d.UvarintStr()
	return it.d.Err() == nil
}

func (it *SymbolsIter) At() string { return it.cur }
func (it *SymbolsIter) Err() error { return it.d.Err() }
