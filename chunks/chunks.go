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

// Package chunks validates the chunks/ segment files a block directory
// carries alongside its index. Decoding sample data out of a segment is out
// of scope; a reader only needs to know a segment is well formed so that
// ChunkMeta references resolved from the index point somewhere real.
package chunks

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	// MagicChunks is the 4-byte magic at the head of every chunks segment.
	MagicChunks = 0x85BD40DD
	// ChunksFormatV1 is the only recognized segment format version.
	ChunksFormatV1 = 1

	// SegmentHeaderSize is the magic plus version plus three padding bytes.
	SegmentHeaderSize = 4 + 1 + 3
)

// ErrInvalidChunkHeader is returned for a segment whose header does not
// match MagicChunks/ChunksFormatV1.
var ErrInvalidChunkHeader = errors.New("invalid segment header")

// ValidateSegmentHeader reads and checks the 8-byte header from r.
func ValidateSegmentHeader(r io.Reader) error {
	b := make([]byte, SegmentHeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return errors.Wrap(err, "read segment header")
	}
	if m := binary.BigEndian.Uint32(b[:4]); m != MagicChunks {
		return errors.Wrapf(ErrInvalidChunkHeader, "got magic %x, want %x", m, MagicChunks)
	}
	if v := b[4]; v != ChunksFormatV1 {
		return errors.Wrapf(ErrInvalidChunkHeader, "got version %d, want %d", v, ChunksFormatV1)
	}
	return nil
}

// ValidateSegmentFile opens path and validates its header.
func ValidateSegmentFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open segment")
	}
	defer f.Close()
	return ValidateSegmentHeader(f)
}
