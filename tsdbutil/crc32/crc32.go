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

// Package crc32 holds the single Castagnoli table every frame in the index
// format is checksummed against.
package crc32

import "hash/crc32"

// Table is the CRC32C (Castagnoli) polynomial table used for every
// length-prefixed frame in the index file format.
var Table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the Castagnoli CRC32 of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, Table)
}
