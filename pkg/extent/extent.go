// Copyright 2025 The Pageio Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extent defines the extent descriptor returned by filesystem
// mapping resolvers, and the hooks a filesystem supplies to the buffered I/O
// engine.
package extent

import (
	"context"

	"pageio.dev/pageio/pkg/pagecache"
)

// Type describes what backs a contiguous file range.
type Type int

const (
	// Hole: no storage allocated; reads as zero.
	Hole Type = iota

	// Unwritten: storage allocated but never written; reads as zero until
	// written and converted.
	Unwritten

	// Mapped: storage allocated and holding data.
	Mapped

	// Inline: data stored out of band (e.g. in the inode); InlineData
	// points at it.
	Inline
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Hole:
		return "hole"
	case Unwritten:
		return "unwritten"
	case Mapped:
		return "mapped"
	case Inline:
		return "inline"
	default:
		return "invalid"
	}
}

// Flags is a bitmask of extent properties.
type Flags uint32

const (
	// FlagShared marks blocks shared with another file; writes must break
	// the sharing by copying.
	FlagShared Flags = 1 << iota

	// FlagNew marks freshly allocated blocks whose storage contents are
	// garbage; they must be zero-filled in memory rather than read.
	FlagNew

	// FlagSizeChanged is set by the engine on the extent passed to Map
	// when a write extended the file size, signalling that the filesystem
	// is owed a size update.
	FlagSizeChanged
)

// Extent describes a contiguous file range sharing one mapping type.
type Extent struct {
	// Type is the extent type.
	Type Type

	// Flags holds extent properties.
	Flags Flags

	// Offset is the file offset of the first byte of the extent.
	Offset int64

	// Length is the extent length in bytes.
	Length int64

	// DevOffset is the byte offset of the extent's storage on the device.
	// Meaningless for Hole and Inline extents.
	DevOffset int64

	// InlineData is the destination for Inline extents.
	InlineData []byte
}

// End returns the file offset just past the extent.
func (e *Extent) End() int64 {
	return e.Offset + e.Length
}

// Contains returns true if the file offset pos falls inside the extent.
func (e *Extent) Contains(pos int64) bool {
	return pos >= e.Offset && pos < e.End()
}

// Sector returns the device sector holding the byte at file offset pos.
//
// Preconditions: e.Contains(pos); e.Type is Mapped or Unwritten.
func (e *Extent) Sector(pos int64, sectorSize int) int64 {
	return (e.DevOffset + (pos - e.Offset)) / int64(sectorSize)
}

// MapFlags tells the resolver why a range is being mapped.
type MapFlags uint32

const (
	// MapWrite indicates the mapping is for writing; the resolver may
	// need to allocate or reserve blocks.
	MapWrite MapFlags = 1 << iota

	// MapZero indicates the mapping is for zeroing; the resolver must not
	// allocate blocks over holes.
	MapZero
)

// Resolver resolves file byte ranges to extents. Supplied by the filesystem.
type Resolver interface {
	// Map returns the extent covering off, extending no further than
	// length bytes. For copy-on-write files the returned src describes
	// where existing data must be read from; when dst and src coincide,
	// src.Length may be zero and the engine uses dst for both. Map may
	// block (e.g. to read mapping metadata).
	Map(ctx context.Context, off, length int64, flags MapFlags) (dst, src Extent, err error)
}

// SizeNotifier is implemented by resolvers that want to hear about file size
// extensions as they happen, typically to persist the new size.
type SizeNotifier interface {
	// SizeChanged reports that a write extended the file to newSize bytes.
	SizeChanged(newSize int64)
}

// PageOps is an optional bracket around the engine's write-begin/write-end,
// letting the filesystem do per-page bookkeeping such as reserving space.
// Resolvers that need it also implement PageOps.
type PageOps interface {
	// PagePrepare runs before the destination page is looked up.
	PagePrepare(ctx context.Context, pos int64, length int) error

	// PageDone runs after the copy, with the number of bytes actually
	// committed (zero on failure). page is nil if the destination page
	// was never acquired.
	PageDone(ctx context.Context, pos int64, copied int, page *pagecache.Page)
}
