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

// Package pageio implements the buffered I/O engine bridging the page cache
// and block-mapped storage whose blocks may be smaller than a cache page.
//
// The engine tracks per-block freshness within each page (so a page can be
// partially valid), batches contiguous dirty blocks into minimal I/O
// submissions, and drives asynchronous completion back onto the per-page
// state. Extent resolution and storage submission are delegated to the
// extent.Resolver and bdev.Device supplied by the filesystem.
package pageio

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"pageio.dev/pageio/pkg/bdev"
	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
)

// CheckInvariants makes contract violations panic instead of logging.
// Enabled by tests; production embedders leave it off so that a bookkeeping
// bug degrades to a logged warning rather than a crash.
var CheckInvariants = false

func contract(format string, args ...any) {
	if CheckInvariants {
		panic(fmt.Sprintf("pageio: "+format, args...))
	}
	logrus.Warnf("pageio: "+format, args...)
}

// Inode binds one file's page cache to its extent resolver and block device.
type Inode struct {
	mapping *pagecache.Mapping
	blkbits uint
	dev     bdev.Device
	res     extent.Resolver

	// pageOps is non-nil if the resolver also implements extent.PageOps.
	pageOps extent.PageOps
}

// NewInode returns an Inode over the given mapping. The block size is
// 1<<blockBits bytes; it must not exceed the mapping's page size and must be
// a multiple of the device's sector size.
func NewInode(m *pagecache.Mapping, blockBits uint, dev bdev.Device, res extent.Resolver) *Inode {
	blockSize := 1 << blockBits
	if blockSize > m.PageSize() {
		panic(fmt.Sprintf("pageio: block size %d exceeds page size %d", blockSize, m.PageSize()))
	}
	if blockSize%dev.SectorSize() != 0 {
		panic(fmt.Sprintf("pageio: block size %d not a multiple of sector size %d", blockSize, dev.SectorSize()))
	}
	ino := &Inode{
		mapping: m,
		blkbits: blockBits,
		dev:     dev,
		res:     res,
	}
	ino.pageOps, _ = res.(extent.PageOps)
	m.SetReleaser(ino.releasePageState)
	return ino
}

// Mapping returns the inode's page cache mapping.
func (ino *Inode) Mapping() *pagecache.Mapping {
	return ino.mapping
}

// BlockSize returns the storage block size in bytes.
func (ino *Inode) BlockSize() int64 {
	return 1 << ino.blkbits
}

// Size returns the file's in-memory size.
func (ino *Inode) Size() int64 {
	return ino.mapping.Size()
}

func (ino *Inode) pageSize() int64 {
	return int64(ino.mapping.PageSize())
}

func (ino *Inode) blocksPerPage() int {
	return ino.mapping.PageSize() >> ino.blkbits
}

func offsetInPage(p *pagecache.Page, pos int64) int {
	return int(pos - p.Offset())
}

// needsZero reports whether the given position's backing bytes are logically
// zero and must be memory-filled rather than read: holes, unwritten extents,
// freshly allocated blocks, and anything past EOF.
func (ino *Inode) needsZero(e *extent.Extent, pos int64) bool {
	return e.Type != extent.Mapped ||
		e.Flags&extent.FlagNew != 0 ||
		pos >= ino.Size()
}

func zeroRange(b []byte) {
	clear(b)
}
