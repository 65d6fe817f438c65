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

// Package tsdb opens a Prometheus-format data directory read-only: it
// discovers block directories, loads each block's index, and serves
// queries across the set through a merging Querier.
package tsdb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// dbMetrics are the DB's self-observability counters, registered against
// whatever Registerer OpenOptions supplies.
type dbMetrics struct {
	loadedBlocks      prometheus.GaugeFunc
	blockLoadFailures prometheus.Counter
	reloads           prometheus.Counter
}

func newDBMetrics(db *DB, r prometheus.Registerer) *dbMetrics {
	m := &dbMetrics{
		loadedBlocks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tsdb_reader",
			Name:      "blocks_loaded",
			Help:      "Number of currently loaded data blocks.",
		}, func() float64 {
			db.mtx.RLock()
			defer db.mtx.RUnlock()
			return float64(len(db.blocks))
		}),
		blockLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdb_reader",
			Name:      "block_load_failures_total",
			Help:      "Number of times a block failed to load during a reload.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdb_reader",
			Name:      "reloads_total",
			Help:      "Number of times the database directory was rescanned.",
		}),
	}
	if r != nil {
		r.MustRegister(m.loadedBlocks, m.blockLoadFailures, m.reloads)
	}
	return m
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Logger receives a warning per block that fails to load; a block
	// directory that fails to parse does not abort Open, it is skipped.
	Logger log.Logger
	// Registerer, if non-nil, receives the DB's self-metrics.
	Registerer prometheus.Registerer
}

// DB is a read-only view over a Prometheus data directory.
type DB struct {
	dir     string
	logger  log.Logger
	metrics *dbMetrics

	mtx    sync.RWMutex
	blocks map[ulid.ULID]*Block
}

// Open opens dir and performs an initial Reload.
func Open(dir string, opts *OpenOptions) (*DB, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(err, "stat data dir")
	}

	db := &DB{
		dir:    dir,
		logger: logger,
		blocks: map[ulid.ULID]*Block{},
	}
	db.metrics = newDBMetrics(db, opts.Registerer)

	if err := db.Reload(); err != nil {
		return nil, errors.Wrap(err, "initial reload")
	}
	return db, nil
}

// Reload rescans dir for block directories, opening any new one and
// closing any that has disappeared. Blocks already loaded under the same
// ULID are reused rather than reopened. A block directory that fails to
// parse is logged and skipped; Reload only fails if the directory itself
// cannot be listed.
func (db *DB) Reload() error {
	db.metrics.reloads.Inc()

	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return errors.Wrap(err, "read data dir")
	}

	want := make(map[ulid.ULID]string, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := IsBlockDir(e.Name())
		if !ok {
			continue
		}
		want[id] = filepath.Join(db.dir, e.Name())
	}

	db.mtx.RLock()
	var toOpen []struct {
		id  ulid.ULID
		dir string
	}
	for id, dir := range want {
		if _, ok := db.blocks[id]; !ok {
			toOpen = append(toOpen, struct {
				id  ulid.ULID
				dir string
			}{id, dir})
		}
	}
	db.mtx.RUnlock()

	var (
		g      errgroup.Group
		mtx    sync.Mutex
		opened = map[ulid.ULID]*Block{}
	)
	for _, item := range toOpen {
		item := item
		g.Go(func() error {
			b, err := OpenBlock(item.dir)
			if err != nil {
				level.Warn(db.logger).Log("msg", "failed to open block, skipping", "dir", item.dir, "err", err)
				db.metrics.blockLoadFailures.Inc()
				return nil
			}
			mtx.Lock()
			opened[item.id] = b
			mtx.Unlock()
			return nil
		})
	}
	// g.Wait only returns non-nil if a goroutine returns an error; every
	// failure path above is handled inline so this can never fail.
	_ = g.Wait()

	db.mtx.Lock()
	defer db.mtx.Unlock()

	for id, b := range opened {
		db.blocks[id] = b
	}
	for id, b := range db.blocks {
		if _, ok := want[id]; !ok {
			if err := b.Close(); err != nil {
				level.Warn(db.logger).Log("msg", "failed to close vanished block", "dir", b.Dir(), "err", err)
			}
			delete(db.blocks, id)
		}
	}
	return nil
}

// Querier returns a Querier over every loaded block whose time range
// overlaps [mint, maxt].
func (db *DB) Querier(mint, maxt int64) (Querier, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	var qs []Querier
	for _, b := range db.blocks {
		meta := b.Meta()
		if meta.MaxTime < mint || meta.MinTime > maxt {
			continue
		}
		q, err := b.Querier()
		if err != nil {
			return nil, errors.Wrapf(err, "querier for block %s", meta.ULID)
		}
		qs = append(qs, q)
	}
	return NewMergeQuerier(qs), nil
}

// Blocks returns the meta of every currently loaded block.
func (db *DB) Blocks() []BlockMeta {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	metas := make([]BlockMeta, 0, len(db.blocks))
	for _, b := range db.blocks {
		metas = append(metas, b.Meta())
	}
	return metas
}

// Close closes every loaded block.
func (db *DB) Close() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var err error
	for _, b := range db.blocks {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	db.blocks = map[ulid.ULID]*Block{}
	return err
}
