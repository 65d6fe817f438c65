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

// Package encoding implements the positional byte reads, varint codec and
// length-prefixed, CRC-checked frame extraction that every section of the
// index file format is built from.
package encoding

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dennwc/varint"
	"github.com/pkg/errors"
)

// ErrInvalidSize is returned when a frame claims more bytes than the
// underlying source holds.
var ErrInvalidSize = errors.New("invalid size")

// ErrInvalidChecksum is returned when a frame's trailing CRC32C does not
// match the checksum computed over its payload.
type ErrInvalidChecksum struct {
	Expected, Actual uint32
}

func (e *ErrInvalidChecksum) Error() string {
	return fmt.Sprintf("invalid checksum: expected %x, got %x", e.Expected, e.Actual)
}

// ByteSlice abstracts a random-access byte source: an mmap'd file or a
// plain in-memory buffer used by tests.
type ByteSlice interface {
	Len() int
	Range(start, end int) []byte
}

// RealByteSlice adapts a plain []byte to ByteSlice.
type RealByteSlice []byte

func (b RealByteSlice) Len() int                    { return len(b) }
func (b RealByteSlice) Range(start, end int) []byte { return b[start:end] }

// Decbuf decodes a sequence of fields from a byte slice. It is intended to
// be used on the payload of one length-prefixed, already-checksummed frame:
// every decode call advances B and records the first error encountered in E,
// after which every further call is a no-op that returns the zero value.
type Decbuf struct {
	B []byte
	E error
}

// NewDecbufAt loads the length-prefixed frame at offset off in bs and,
// when castagnoliTable is non-nil, verifies the trailing CRC32C against the
// payload.
func NewDecbufAt(bs ByteSlice, off int, castagnoliTable *crc32.Table) Decbuf {
	if bs.Len() < off+4 {
		return Decbuf{E: ErrInvalidSize}
	}
	b := bs.Range(off, off+4)
	l := int(binary.BigEndian.Uint32(b))

	if bs.Len() < off+4+l+4 {
		return Decbuf{E: ErrInvalidSize}
	}

	// Load the payload plus the trailing CRC32 checksum.
	b = bs.Range(off+4, off+4+l+4)
	dec := Decbuf{B: b[:len(b)-4]}

	if castagnoliTable != nil {
		if exp := binary.BigEndian.Uint32(b[len(b)-4:]); dec.crc32(castagnoliTable) != exp {
			return Decbuf{E: &ErrInvalidChecksum{Expected: exp, Actual: dec.crc32(castagnoliTable)}}
		}
	}
	return dec
}

// NewDecbufUvarintAt is like NewDecbufAt but the frame's length is itself
// varint-encoded rather than a fixed 4-byte big-endian integer. Used for the
// per-series frames in the series section.
func NewDecbufUvarintAt(bs ByteSlice, off int, castagnoliTable *crc32.Table) Decbuf {
	if bs.Len() < off+binary.MaxVarintLen32 {
		return Decbuf{E: ErrInvalidSize}
	}
	b := bs.Range(off, off+binary.MaxVarintLen32)
	l, n := varint.Uvarint(b)
	if n <= 0 || n > binary.MaxVarintLen32 {
		return Decbuf{E: errors.New("invalid uvarint")}
	}

	if bs.Len() < off+n+int(l)+4 {
		return Decbuf{E: ErrInvalidSize}
	}

	b = bs.Range(off+n, off+n+int(l)+4)
	dec := Decbuf{B: b[:len(b)-4]}

	if castagnoliTable != nil {
		if exp := binary.BigEndian.Uint32(b[len(b)-4:]); dec.crc32(castagnoliTable) != exp {
			return Decbuf{E: &ErrInvalidChecksum{Expected: exp, Actual: dec.crc32(castagnoliTable)}}
		}
	}
	return dec
}

func (d *Decbuf) crc32(castagnoliTable *crc32.Table) uint32 {
	return crc32.Checksum(d.B, castagnoliTable)
}

// Err returns the first decode error encountered, if any.
func (d *Decbuf) Err() error { return d.E }

// Len returns the number of unconsumed bytes.
func (d *Decbuf) Len() int { return len(d.B) }

// Get returns the unconsumed remainder of the buffer.
func (d *Decbuf) Get() []byte { return d.B }

// Byte consumes and returns a single byte.
func (d *Decbuf) Byte() byte {
	if d.E != nil {
		return 0
	}
	if len(d.B) < 1 {
		d.E = ErrInvalidSize
		return 0
	}
	x := d.B[0]
	d.B = d.B[1:]
	return x
}

// Be32 consumes and returns a big-endian uint32.
func (d *Decbuf) Be32() uint32 {
	if d.E != nil {
		return 0
	}
	if len(d.B) < 4 {
		d.E = ErrInvalidSize
		return 0
	}
	x := binary.BigEndian.Uint32(d.B)
	d.B = d.B[4:]
	return x
}

// Be32int is Be32 widened to int.
func (d *Decbuf) Be32int() int { return int(d.Be32()) }

// Be64 consumes and returns a big-endian uint64.
func (d *Decbuf) Be64() uint64 {
	if d.E != nil {
		return 0
	}
	if len(d.B) < 8 {
		d.E = ErrInvalidSize
		return 0
	}
	x := binary.BigEndian.Uint64(d.B)
	d.B = d.B[8:]
	return x
}

// Uvarint consumes and returns an unsigned LEB128 varint as int.
func (d *Decbuf) Uvarint() int { return int(d.Uvarint64()) }

// Uvarint64 consumes and returns an unsigned LEB128 varint.
func (d *Decbuf) Uvarint64() uint64 {
	if d.E != nil {
		return 0
	}
	x, n := varint.Uvarint(d.B)
	if n < 1 {
		d.E = ErrInvalidSize
		return 0
	}
	d.B = d.B[n:]
	return x
}

// Varint64 consumes a zigzag-encoded signed LEB128 varint, used for the
// delta-encoded chunk references in a series' chunk list.
func (d *Decbuf) Varint64() int64 {
	ux := d.Uvarint64()
	x := int64(ux >> 1)
	if ux&1 != 0 {
		x = ^x
	}
	return x
}

// UvarintBytes consumes a varint length n followed by n raw bytes.
func (d *Decbuf) UvarintBytes() []byte {
	l := d.Uvarint64()
	if d.E != nil {
		return []byte{}
	}
	if uint64(len(d.B)) < l {
		d.E = ErrInvalidSize
		return []byte{}
	}
	s := d.B[:l]
	d.B = d.B[l:]
	return s
}

// UvarintStr is UvarintBytes interpreted as a UTF-8 string.
func (d *Decbuf) UvarintStr() string {
	return string(d.UvarintBytes())
}

// Skip advances past l bytes without interpreting them.
func (d *Decbuf) Skip(l int) {
	if d.E != nil {
		return
	}
	if len(d.B) < l {
		d.E = ErrInvalidSize
		return
	}
	d.B = d.B[l:]
}

// Encbuf is the symmetric writer used to build test fixtures: it appends
// fields and can append a CRC32C trailer over a frame's payload (PutHash);
// the frame's length prefix is written by the caller.
type Encbuf struct {
	B []byte
	C [4]byte
}

func (e *Encbuf) Reset()      { e.B = e.B[:0] }
func (e *Encbuf) Len() int    { return len(e.B) }
func (e *Encbuf) Get() []byte { return e.B }

func (e *Encbuf) PutByte(c byte) { e.B = append(e.B, c) }

func (e *Encbuf) PutBE32(x uint32) {
	binary.BigEndian.PutUint32(e.C[:], x)
	e.B = append(e.B, e.C[:4]...)
}

func (e *Encbuf) PutBE32int(x int) { e.PutBE32(uint32(x)) }

func (e *Encbuf) PutBE64(x uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, x)
	e.B = append(e.B, b...)
}

func (e *Encbuf) PutUvarint64(x uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], x)
	e.B = append(e.B, buf[:n]...)
}

func (e *Encbuf) PutUvarint(x int) { e.PutUvarint64(uint64(x)) }

// PutVarint64 is the zigzag-encoding counterpart to Decbuf.Varint64.
func (e *Encbuf) PutVarint64(x int64) {
	ux := uint64(x<<1) ^ uint64(x>>63)
	e.PutUvarint64(ux)
}

func (e *Encbuf) PutUvarintBytes(b []byte) {
	e.PutUvarint(len(b))
	e.B = append(e.B, b...)
}

func (e *Encbuf) PutUvarintStr(s string) {
	e.PutUvarintBytes([]byte(s))
}

// PutHash appends the CRC32C of everything written since base (a length
// previously returned by Len) plus the hash itself; used when fixtures need
// a big-endian length-prefixed, checksummed frame identical to NewDecbufAt's
// expectations.
func (e *Encbuf) PutHash(castagnoliTable *crc32.Table, base int) {
	sum := crc32.Checksum(e.B[base:], castagnoliTable)
	e.PutBE32(sum)
}
