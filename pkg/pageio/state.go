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

package pageio

import (
	"sync/atomic"

	"pageio.dev/pageio/pkg/bitmap"
	"pageio.dev/pageio/pkg/pagecache"
	"pageio.dev/pageio/pkg/sync"
)

// pageState is the side record attached to a cache page when the block size
// is smaller than the page size, tracking which blocks hold valid data and
// how many bytes of the page are under read or write I/O.
type pageState struct {
	// readPending and writePending count bytes of in-flight I/O. The
	// issuing actor increments before submission and the completion
	// callback decrements; whichever side observes zero unlocks the page
	// (reads) or clears its writeback flag (writes).
	readPending  atomic.Int64
	writePending atomic.Int64

	// mu protects uptodate. Flag-only mutation of the page (uptodate flag
	// when the bitmap fills) happens under mu so that concurrent
	// completions do not miss the transition.
	mu       sync.Mutex
	uptodate bitmap.Bitmap
}

func pageStateOf(p *pagecache.Page) *pageState {
	if v := p.Private(); v != nil {
		return v.(*pageState)
	}
	return nil
}

// pageStateCreate lazily attaches a state record to p. Returns nil when a
// page is its own unit (blocks-per-page <= 1). If the page is already fully
// uptodate the new record's bitmap starts fully set.
//
// Preconditions: the caller holds the page lock.
func (ino *Inode) pageStateCreate(p *pagecache.Page) *pageState {
	nblocks := ino.blocksPerPage()
	if nblocks <= 1 {
		return nil
	}
	if ps := pageStateOf(p); ps != nil {
		return ps
	}
	ps := &pageState{
		uptodate: bitmap.New(uint32(nblocks)),
	}
	if p.Uptodate() {
		ps.uptodate.SetRange(0, uint32(nblocks))
	}
	p.SetPrivate(ps)
	return ps
}

// releasePageState detaches and drops the page's state record. Nonzero
// pending counters, or a bitmap whose fullness disagrees with the page's
// uptodate flag, are contract violations: some party lost track of I/O it
// owned.
func (ino *Inode) releasePageState(p *pagecache.Page) {
	ps := pageStateOf(p)
	if ps == nil {
		return
	}
	if n := ps.readPending.Load(); n != 0 {
		contract("releasing page %d with %d read bytes pending", p.Index(), n)
	}
	if n := ps.writePending.Load(); n != 0 {
		contract("releasing page %d with %d write bytes pending", p.Index(), n)
	}
	if ps.uptodate.Full() != p.Uptodate() {
		contract("releasing page %d with bitmap full=%t but uptodate=%t",
			p.Index(), ps.uptodate.Full(), p.Uptodate())
	}
	p.SetPrivate(nil)
}

// blockRange returns the indices of the first and last blocks touching
// [poff, poff+plen) within a page.
func (ino *Inode) blockRange(poff, plen int) (first, last uint32) {
	return uint32(poff >> ino.blkbits), uint32((poff + plen - 1) >> ino.blkbits)
}

// adjustReadRange computes the sub-range of the page that actually needs
// I/O for a request at pos of the given length: leading and trailing blocks
// already marked valid are excluded, and blocks lying entirely beyond EOF
// are clipped (they will be zero-filled, not read). Returns the possibly
// advanced position together with the page offset and length of the needed
// span; a zero plen means nothing to do.
//
// The bitmap is read without ps.mu: the page lock is held, and bits are only
// ever set, so a racing set can only shrink the span we would compute.
func (ino *Inode) adjustReadRange(p *pagecache.Page, pos, length int64) (newPos int64, poff, plen int) {
	ps := pageStateOf(p)
	origPos := pos
	isize := ino.Size()
	blockSize := int(ino.BlockSize())

	poff = offsetInPage(p, pos)
	plen = p.Size() - poff
	if int64(plen) > length {
		plen = int(length)
	}
	first, last := ino.blockRange(poff, plen)

	if ps != nil {
		i := first
		// Move forward past each leading block marked valid.
		for ; i <= last; i++ {
			if !ps.uptodate.Test(i) {
				break
			}
			pos += int64(blockSize)
			poff += blockSize
			plen -= blockSize
			first++
		}
		// Trim the span at the first trailing valid block.
		for ; i <= last; i++ {
			if ps.uptodate.Test(i) {
				plen -= int(last-i+1) * blockSize
				last = i - 1
				break
			}
		}
	}

	// If the request straddles EOF, exclude blocks entirely beyond the
	// last valid file byte so garbage is never read into the cache.
	if origPos <= isize && origPos+length > isize {
		end := int(isize-1-p.Offset()) >> ino.blkbits
		if end >= 0 && first <= uint32(end) && last > uint32(end) {
			plen -= int(last-uint32(end)) * blockSize
		}
	}

	return pos, poff, plen
}

// setRangeUptodate marks [poff, poff+plen) of the page valid, and the whole
// page uptodate once every block is valid. A page already flagged with an
// error keeps its state: failed contents must not be reported valid.
func (ino *Inode) setRangeUptodate(p *pagecache.Page, poff, plen int) {
	if plen == 0 || p.Error() {
		return
	}
	ps := pageStateOf(p)
	if ps == nil {
		p.SetUptodate()
		return
	}
	first, last := ino.blockRange(poff, plen)
	ps.mu.Lock()
	ps.uptodate.SetRange(first, last+1)
	if ps.uptodate.Full() {
		p.SetUptodate()
	}
	ps.mu.Unlock()
}

// IsPartiallyUptodate returns true only if every block touching
// [poff, poff+plen) holds valid data, letting a page satisfy a sub-range
// read without being fully uptodate. A page without a state record is never
// partially uptodate.
func (ino *Inode) IsPartiallyUptodate(p *pagecache.Page, poff, plen int) bool {
	ps := pageStateOf(p)
	if ps == nil {
		return false
	}
	if rest := p.Size() - poff; plen > rest {
		plen = rest
	}
	if plen <= 0 {
		return false
	}
	first, last := ino.blockRange(poff, plen)
	ps.mu.Lock()
	ok := ps.uptodate.TestRange(first, last+1)
	ps.mu.Unlock()
	return ok
}

// ReleasePage detaches the page's sub-block state so the page can be
// evicted. Dirty or under-writeback pages are refused.
//
// Preconditions: the caller holds the page lock.
func (ino *Inode) ReleasePage(p *pagecache.Page) bool {
	if p.Dirty() || p.Writeback() {
		return false
	}
	ino.releasePageState(p)
	return true
}

// InvalidatePage handles invalidation of [poff, poff+plen) of the page.
// Whole-page invalidation clears the dirty state and drops the side record;
// partial invalidation keeps both, since remaining blocks stay tracked.
//
// Preconditions: the caller holds the page lock.
func (ino *Inode) InvalidatePage(p *pagecache.Page, poff, plen int) {
	if poff == 0 && plen == p.Size() {
		if p.Writeback() {
			contract("invalidating page %d under writeback", p.Index())
		}
		p.ClearDirty()
		ino.releasePageState(p)
	}
}

// Dirty marks an already-populated page dirty, ensuring the sub-block state
// record exists first so a later writeback pass can walk its blocks. This is
// the write-fault path for mapped pages.
//
// Preconditions: the caller holds the page lock; the page is uptodate.
func (ino *Inode) Dirty(p *pagecache.Page) {
	if !p.Uptodate() {
		contract("dirtying page %d that is not uptodate", p.Index())
	}
	ino.pageStateCreate(p)
	p.SetDirty()
}
