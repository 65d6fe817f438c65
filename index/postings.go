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
	"container/heap"
	"encoding/binary"
	"sort"
)

// Postings iterates a monotonically increasing sequence of series ids.
// Concrete implementations cover the empty list, raw big-endian lists read
// straight off the index file, and the merge/intersect combinators the
// matcher evaluation is built from.
type Postings interface {
	// Next advances to the next id. It must be called before the first At.
	Next() bool
	// Seek advances to the first id >= v, returning false if none remains.
	// A subsequent At (if Seek returned true) yields that id.
	Seek(v uint64) bool
	// At returns the current id. Only valid after Next or Seek returned true.
	At() uint64
	// Err returns the first error encountered, if any.
	Err() error
}

// Empty returns a Postings with no elements.
func Empty() Postings { return emptyPostings{} }

type emptyPostings struct{}

func (emptyPostings) Next() bool       { return false }
func (emptyPostings) Seek(uint64) bool { return false }
func (emptyPostings) At() uint64       { return 0 }
func (emptyPostings) Err() error       { return nil }

// errPostings propagates a fatal decode error through the iterator algebra
// instead of panicking. Merge checks a child's Err() when that child's first
// Next fails; a child later dropped from the merge heap is not checked
// again. Intersect reports the Err() of either side.
type errPostings struct{ err error }

func (e errPostings) Next() bool       { return false }
func (e errPostings) Seek(uint64) bool { return false }
func (e errPostings) At() uint64       { return 0 }
func (e errPostings) Err() error       { return e.err }

// ListPostings is a Postings backed by an in-memory, sorted, unique slice.
// Used by tests and mock indexes.
type ListPostings struct {
	list []uint64
	cur  uint64
}

// NewListPostings builds a ListPostings over list, which must be sorted.
func NewListPostings(list []uint64) Postings {
	return &ListPostings{list: list}
}

func (it *ListPostings) At() uint64 { return it.cur }

func (it *ListPostings) Next() bool {
	if len(it.list) == 0 {
		return false
	}
	it.cur = it.list[0]
	it.list = it.list[1:]
	return true
}

func (it *ListPostings) Seek(x uint64) bool {
	if it.cur >= x {
		return true
	}
	i := sort.Search(len(it.list), func(i int) bool { return it.list[i] >= x })
	if i >= len(it.list) {
		it.list = nil
		return false
	}
	it.cur = it.list[i]
	it.list = it.list[i+1:]
	return true
}

func (it *ListPostings) Err() error { return nil }

// bigEndianPostings decodes a raw packed-u32 postings list frame (the
// BigEndian variant) lazily, without ever materializing a []uint64.
type bigEndianPostings struct {
	list []byte // remaining 4-byte-aligned big-endian ids
	cur  uint32
}

func newBigEndianPostings(list []byte) *bigEndianPostings {
	return &bigEndianPostings{list: list}
}

func (it *bigEndianPostings) At() uint64 { return uint64(it.cur) }

func (it *bigEndianPostings) Next() bool {
	if len(it.list) < 4 {
		return false
	}
	it.cur = binary.BigEndian.Uint32(it.list)
	it.list = it.list[4:]
	return true
}

func (it *bigEndianPostings) Seek(x uint64) bool {
	if uint64(it.cur) >= x {
		return true
	}
	num := len(it.list) / 4
	i := sort.Search(num, func(i int) bool {
		return binary.BigEndian.Uint32(it.list[i*4:]) >= uint32(x)
	})
	if i >= num {
		it.list = nil
		return false
	}
	j := i * 4
	it.cur = binary.BigEndian.Uint32(it.list[j:])
	it.list = it.list[j+4:]
	return true
}

func (it *bigEndianPostings) Err() error { return nil }

// postingsHeap orders a set of Postings by their current head value; it
// backs Merge's k-way fan-in.
type postingsHeap []Postings

func (h postingsHeap) Len() int            { return len(h) }
func (h postingsHeap) Less(i, j int) bool  { return h[i].At() < h[j].At() }
func (h postingsHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *postingsHeap) Push(x interface{}) { *h = append(*h, x.(Postings)) }
func (h *postingsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge returns the deduplicated, ascending union of its.
func Merge(its ...Postings) Postings {
	switch len(its) {
	case 0:
		return Empty()
	case 1:
		return its[0]
	}

	var h postingsHeap
	for _, it := range its {
		if it.Next() {
			h = append(h, it)
		} else if it.Err() != nil {
			return errPostings{it.Err()}
		}
	}
	if len(h) == 0 {
		return Empty()
	}
	heap.Init(&h)
	return &mergedPostings{h: h}
}

type mergedPostings struct {
	h   postingsHeap
	cur uint64
}

func (it *mergedPostings) At() uint64 { return it.cur }

func (it *mergedPostings) Next() bool {
	if len(it.h) == 0 {
		return false
	}
	it.cur = it.h[0].At()
	it.drainCur()
	return true
}

func (it *mergedPostings) Seek(id uint64) bool {
	for len(it.h) > 0 && it.h[0].At() < id {
		if it.h[0].Seek(id) {
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
		}
	}
	if len(it.h) == 0 {
		return false
	}
	it.cur = it.h[0].At()
	it.drainCur()
	return true
}

// drainCur advances every heap entry whose head is still it.cur, so the
// heap never holds an already-emitted value as a head going into the next
// Next/Seek call. Next relies on this after setting it.cur; Seek must do
// the same before returning, since the seek loop above only stops once a
// head reaches the target without consuming it.
func (it *mergedPostings) drainCur() {
	for len(it.h) > 0 && it.h[0].At() == it.cur {
		top := it.h[0]
		if top.Next() {
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
		}
	}
}

func (it *mergedPostings) Err() error {
	for _, p := range it.h {
		if err := p.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Intersect returns the ascending intersection of its, reducing the
// k children pairwise via galloping seeks.
func Intersect(its ...Postings) Postings {
	if len(its) == 0 {
		return Empty()
	}
	for _, it := range its {
		if _, ok := it.(emptyPostings); ok {
			return Empty()
		}
	}
	a := its[0]
	for _, b := range its[1:] {
		a = newIntersectPostings(a, b)
	}
	return a
}

type intersectPostings struct {
	a, b Postings
	cur  uint64
}

func newIntersectPostings(a, b Postings) *intersectPostings {
	return &intersectPostings{a: a, b: b}
}

func (it *intersectPostings) At() uint64 { return it.cur }

func (it *intersectPostings) Next() bool {
	if !it.a.Next() {
		return false
	}
	for {
		if !it.b.Seek(it.a.At()) {
			return false
		}
		if it.b.At() == it.a.At() {
			it.cur = it.b.At()
			return true
		}
		if !it.a.Seek(it.b.At()) {
			return false
		}
		if it.a.At() == it.b.At() {
			it.cur = it.a.At()
			return true
		}
	}
}

func (it *intersectPostings) Seek(id uint64) bool {
	if !it.a.Seek(id) {
		return false
	}
	if !it.b.Seek(it.a.At()) {
		return false
	}
	if it.a.At() == it.b.At() {
		it.cur = it.a.At()
		return true
	}
	return it.Next()
}

func (it *intersectPostings) Err() error {
	if it.a.Err() != nil {
		return it.a.Err()
	}
	return it.b.Err()
}
