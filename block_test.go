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
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestULID(t *testing.T) ulid.ULID {
	t.Helper()
	id, err := ulid.New(1, rand.Reader)
	require.NoError(t, err)
	return id
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixtureSeries() []testSeries {
	return []testSeries{
		{labels: [][2]string{{"__name__", "up"}, {"job", "a"}}, mint: 0, maxt: 100, ref: 1},
		{labels: [][2]string{{"__name__", "up"}, {"job", "b"}}, mint: 0, maxt: 100, ref: 2},
	}
}

func TestOpenBlock(t *testing.T) {
	dir := t.TempDir()
	id := newTestULID(t)
	blockDir := filepath.Join(dir, id.String())
	writeTestBlock(t, blockDir, id, 0, 100, fixtureSeries())

	b, err := OpenBlock(blockDir)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, id, b.Meta().ULID)
	require.Equal(t, int64(0), b.Meta().MinTime)
	require.Equal(t, int64(100), b.Meta().MaxTime)
}

func TestOpenBlockMissingChunks(t *testing.T) {
	dir := t.TempDir()
	id := newTestULID(t)
	blockDir := filepath.Join(dir, id.String())
	writeTestBlock(t, blockDir, id, 0, 100, fixtureSeries())
	require.NoError(t, os.RemoveAll(filepath.Join(blockDir, "chunks")))

	_, err := OpenBlock(blockDir)
	require.Error(t, err)
}

func TestOpenBlockBadMetaVersion(t *testing.T) {
	dir := t.TempDir()
	id := newTestULID(t)
	blockDir := filepath.Join(dir, id.String())
	writeTestBlock(t, blockDir, id, 0, 100, fixtureSeries())

	meta := BlockMeta{ULID: id, MinTime: 0, MaxTime: 100, Version: 2}
	b, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(blockDir, metaFilename), b, 0o644))

	_, _, err = ReadMetaFile(blockDir)
	require.ErrorIs(t, err, ErrUnsupportedBlockVersion)

	_, err = OpenBlock(blockDir)
	require.ErrorIs(t, err, ErrUnsupportedBlockVersion)
}

func TestBlockCloseThenQuerierFails(t *testing.T) {
	dir := t.TempDir()
	id := newTestULID(t)
	blockDir := filepath.Join(dir, id.String())
	writeTestBlock(t, blockDir, id, 0, 100, fixtureSeries())

	b, err := OpenBlock(blockDir)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Querier()
	require.Error(t, err)
}

func TestIsBlockDir(t *testing.T) {
	id := newTestULID(t)
	got, ok := IsBlockDir(id.String())
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = IsBlockDir("wal")
	require.False(t, ok)
}
