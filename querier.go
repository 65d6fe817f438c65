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
	"container/heap"

	"github.com/pkg/errors"

	"github.com/climberhunt/tsdb-reader/index"
	"github.com/climberhunt/tsdb-reader/model/labels"
)

// ChunkSeriesEntry is one series as resolved by a query: its label set.
// Chunk and sample access is a planned extension; queries stop at labels.
type ChunkSeriesEntry struct {
	Labels labels.Labels
}

// SeriesSet iterates ChunkSeriesEntry values in label order.
type SeriesSet interface {
	Next() bool
	At() ChunkSeriesEntry
	Err() error
}

// Querier resolves label matchers into a SeriesSet.
type Querier interface {
	Select(matchers ...*labels.Matcher) SeriesSet
	Close() error
}

// BlockQuerier evaluates matchers against one block's index.
type BlockQuerier struct {
	ir               *index.Reader
	minTime, maxTime int64
}

func newBlockQuerier(ir *index.Reader, mint, maxt int64) *BlockQuerier {
	return &BlockQuerier{ir: ir, minTime: mint, maxTime: maxt}
}

// Close is a no-op: the underlying index.Reader is owned by the Block.
func (q *BlockQuerier) Close() error { return nil }

// Select evaluates matchers, conjunction of all of them, against the
// block's postings. Only MatchEqual matchers are evaluated: a MatchNotEqual
// (or any other) matcher yields a SeriesSet whose Err wraps
// index.ErrNotImplemented.
func (q *BlockQuerier) Select(matchers ...*labels.Matcher) SeriesSet {
	p, err := q.postingsForMatchers(matchers)
	if err != nil {
		return errSeriesSet{err}
	}
	return &blockSeriesSet{ir: q.ir, p: p}
}

func (q *BlockQuerier) postingsForMatchers(matchers []*labels.Matcher) (index.Postings, error) {
	if len(matchers) == 0 {
		return index.Empty(), nil
	}

	its := make([]index.Postings, 0, len(matchers))
	for _, m := range matchers {
		switch m.Type {
		case labels.MatchEqual:
			p, err := q.ir.Postings(m.Name, m.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "postings for %s", m)
			}
			its = append(its, p)
		default:
			return nil, errors.Wrapf(index.ErrNotImplemented, "matcher type %s", m.Type)
		}
	}
	return index.Intersect(its...), nil
}

type errSeriesSet struct{ err error }

func (s errSeriesSet) Next() bool           { return false }
func (s errSeriesSet) At() ChunkSeriesEntry { return ChunkSeriesEntry{} }
func (s errSeriesSet) Err() error           { return s.err }

// blockSeriesSet walks a Postings list, resolving each id to its labels and
// chunk refs via Reader.Series.
type blockSeriesSet struct {
	ir  *index.Reader
	p   index.Postings
	cur ChunkSeriesEntry
	err error
}

func (s *blockSeriesSet) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.p.Next() {
		s.err = s.p.Err()
		return false
	}
	var lbls labels.Labels
	var chks []index.ChunkMeta
	if err := s.ir.Series(s.p.At(), &lbls, &chks); err != nil {
		s.err = errors.Wrapf(err, "resolve series %d", s.p.At())
		return false
	}
	s.cur = ChunkSeriesEntry{Labels: lbls}
	return true
}

func (s *blockSeriesSet) At() ChunkSeriesEntry { return s.cur }
func (s *blockSeriesSet) Err() error           { return s.err }

// noopQuerier answers every Select with an empty result; used when a DB
// holds zero blocks.
type noopQuerier struct{}

func (noopQuerier) Select(...*labels.Matcher) SeriesSet { return noopSeriesSet{} }
func (noopQuerier) Close() error                        { return nil }

type noopSeriesSet struct{}

func (noopSeriesSet) Next() bool           { return false }
func (noopSeriesSet) At() ChunkSeriesEntry { return ChunkSeriesEntry{} }
func (noopSeriesSet) Err() error           { return nil }

// NewMergeQuerier fans Select out across queriers and merges the results,
// deduplicating series with identical labels across block boundaries.
func NewMergeQuerier(queriers []Querier) Querier {
	switch len(queriers) {
	case 0:
		return noopQuerier{}
	case 1:
		return queriers[0]
	}
	return &mergeQuerier{queriers: queriers}
}

type mergeQuerier struct {
	queriers []Querier
}

func (q *mergeQuerier) Select(matchers ...*labels.Matcher) SeriesSet {
	sets := make([]SeriesSet, 0, len(q.queriers))
	for _, sub := range q.queriers {
		sets = append(sets, sub.Select(matchers...))
	}
	return newMergeSeriesSet(sets)
}

func (q *mergeQuerier) Close() error {
	var err error
	for _, sub := range q.queriers {
		if cerr := sub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// seriesSetHeap orders SeriesSet cursors by their current series' labels.
type seriesSetHeap []SeriesSet

func (h seriesSetHeap) Len() int      { return len(h) }
func (h seriesSetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h seriesSetHeap) Less(i, j int) bool {
	return labels.Compare(h[i].At().Labels, h[j].At().Labels) < 0
}
func (h *seriesSetHeap) Push(x interface{}) { *h = append(*h, x.(SeriesSet)) }
func (h *seriesSetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeSeriesSet emits the ascending union of its inputs' series; a series
// present in several blocks under an identical label set surfaces once.
type mergeSeriesSet struct {
	h   seriesSetHeap
	cur ChunkSeriesEntry
	err error
}

func newMergeSeriesSet(sets []SeriesSet) SeriesSet {
	var h seriesSetHeap
	for _, s := range sets {
		if s.Next() {
			h = append(h, s)
		} else if s.Err() != nil {
			return errSeriesSet{s.Err()}
		}
	}
	heap.Init(&h)
	return &mergeSeriesSet{h: h}
}

func (s *mergeSeriesSet) Next() bool {
	if len(s.h) == 0 {
		return false
	}
	wantLabels := s.h[0].At().Labels

	for len(s.h) > 0 && labels.Equal(s.h[0].At().Labels, wantLabels) {
		top := s.h[0]
		if top.Next() {
			heap.Fix(&s.h, 0)
		} else {
			if err := top.Err(); err != nil {
				s.err = err
				return false
			}
			heap.Pop(&s.h)
		}
	}
	s.cur = ChunkSeriesEntry{Labels: wantLabels}
	return true
}

func (s *mergeSeriesSet) At() ChunkSeriesEntry { return s.cur }

func (s *mergeSeriesSet) Err() error {
	if s.err != nil {
		return s.err
	}
	for _, set := range s.h {
		if err := set.Err(); err != nil {
			return err
		}
	}
	return nil
}
