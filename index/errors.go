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

import "github.com/pkg/errors"

// Sentinel errors for the structural failure modes of the index format.
// Callers use errors.Is/errors.Cause to recover these underneath the
// pkg/errors wrapping applied at each call boundary.
var (
	ErrInvalidMagicNumber   = errors.New("invalid magic number")
	ErrInvalidIndexVersion  = errors.New("invalid index version")
	ErrInvalidTOCSize       = errors.New("invalid TOC size")
	ErrInvalidPostingsEntry = errors.New("invalid postings offset table entry: key count != 2")
	ErrSymbolNotFound       = errors.New("symbol not found")
	ErrUnknownSymbolOffset  = errors.New("unknown symbol offset")
	ErrInvalidUTF8          = errors.New("invalid utf8 symbol")
	ErrNotImplemented       = errors.New("not implemented")
)
