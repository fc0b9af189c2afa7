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
	"context"

	"golang.org/x/sys/unix"

	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
)

// WritebackOps resolves dirty file blocks to storage during writeback.
// Supplied by the filesystem; implementations may additionally implement
// IoendPreparer, PageDiscarder and IoendCompleter.
type WritebackOps interface {
	// MapBlocks returns the extent covering the block at off. Writeback
	// caches the result and re-resolves only when it walks off the end of
	// the returned extent, so implementations should return the largest
	// extent they cheaply can.
	MapBlocks(ctx context.Context, off int64) (extent.Extent, error)
}

// IoendPreparer is an optional hook run on each ioend immediately before its
// requests are submitted, e.g. to attach a size-update transaction. A non-nil
// returned error fails the ioend without touching the device. err carries any
// error already decided for the ioend; implementations must not swallow it.
type IoendPreparer interface {
	PrepareIoend(io *Ioend, err error) error
}

// PageDiscarder is an optional hook run when block resolution fails before
// any block of the page was queued, letting the filesystem release
// allocations it made for the page (e.g. delalloc reservations).
type PageDiscarder interface {
	DiscardPage(p *pagecache.Page, off int64)
}

// IoendCompleter is an optional hook replacing the default completion of an
// ioend whose I/O has finished, e.g. to defer unwritten-extent conversion to
// a worker. Implementations must eventually call Ioend.Finish.
type IoendCompleter interface {
	IoendDone(io *Ioend)
}

// WritebackContext carries the extent cache and the ioend under construction
// across the pages of one writeback pass. The zero value with Ops set is
// ready to use; a context must not be shared between concurrent passes.
type WritebackContext struct {
	Ops WritebackOps

	ext      extent.Extent
	extValid bool

	// ioend accumulates contiguous dirty blocks until a discontiguity (or
	// the end of the pass) seals it. Displaced ioends wait on queued until
	// their page is locked down for writeback.
	ioend  *Ioend
	queued []*Ioend
}

// WritePage writes one page's dirty blocks back to storage and returns after
// submission; completion is asynchronous and clears the page's writeback
// flag. Consecutive calls on one context share its extent cache, but each
// call submits everything it built.
func (ino *Inode) WritePage(ctx context.Context, wbc *WritebackContext, p *pagecache.Page) error {
	return wbc.flush(ino.writeOnePage(ctx, wbc, p))
}

// WritePages writes back every dirty page intersecting [start, end), in
// ascending offset order, batching storage-contiguous blocks across pages
// into shared requests. Stops at the first page whose mapping fails.
func (ino *Inode) WritePages(ctx context.Context, wbc *WritebackContext, start, end int64) error {
	var err error
	for _, p := range ino.mapping.DirtyPages(start, end) {
		if err = ino.writeOnePage(ctx, wbc, p); err != nil {
			break
		}
	}
	return wbc.flush(err)
}

func (ino *Inode) writeOnePage(ctx context.Context, wbc *WritebackContext, p *pagecache.Page) error {
	p.Lock()
	p.WaitWriteback()
	// The page may have been cleaned or truncated while we waited.
	if !p.Dirty() {
		p.Unlock()
		return nil
	}
	p.ClearDirty()
	return ino.writePageLocked(ctx, wbc, p)
}

// writePageLocked resolves and queues the page's valid blocks, then moves the
// page from locked to under-writeback. The page is always unlocked on return.
func (ino *Inode) writePageLocked(ctx context.Context, wbc *WritebackContext, p *pagecache.Page) error {
	blockSize := ino.BlockSize()
	isize := ino.Size()
	endOff := p.Offset() + ino.pageSize()

	if p.Offset() >= isize {
		// Fully beyond EOF: a truncate is racing with writeback and
		// will drop the page.
		p.Unlock()
		return nil
	}
	if endOff > isize {
		// The page straddles EOF. Zero the tail so stale bytes beyond
		// the file size never reach storage, and do not map past it.
		zeroRange(p.Data()[offsetInPage(p, isize):])
		endOff = isize
	}

	ps := ino.pageStateCreate(p)
	if ps != nil {
		if n := ps.writePending.Load(); n != 0 {
			contract("page %d entering writeback with %d write bytes pending", p.Index(), n)
		}
		// Hold an extra pending byte until the writeback flag is set:
		// a chained request submitted below may otherwise complete all
		// queued bytes first and end a writeback that never began.
		ps.writePending.Add(1)
	}

	count := 0
	var err error
	for off := p.Offset(); off < endOff; off += blockSize {
		if ps != nil && !ps.uptodate.Test(uint32(offsetInPage(p, off))>>ino.blkbits) {
			continue
		}
		if !wbc.extValid || !wbc.ext.Contains(off) {
			var e extent.Extent
			if e, err = wbc.Ops.MapBlocks(ctx, off); err != nil {
				break
			}
			if e.Length <= 0 || !e.Contains(off) {
				contract("writeback mapping [%d, %d) not covering %d", e.Offset, e.End(), off)
				err = unix.EIO
				break
			}
			wbc.ext = e
			wbc.extValid = true
		}
		switch wbc.ext.Type {
		case extent.Hole:
			continue
		case extent.Inline:
			contract("inline extent in writeback at %d", off)
			continue
		}
		wbc.addToIoend(ino, p, ps, off)
		count++
	}

	if err != nil && count == 0 {
		// Nothing queued: undo and report without ever entering
		// writeback. The page contents are suspect now.
		if d, ok := wbc.Ops.(PageDiscarder); ok {
			d.DiscardPage(p, p.Offset())
		}
		if ps != nil {
			ps.writePending.Add(-1)
		}
		p.ClearUptodate()
		p.Unlock()
		ino.mapping.SetError(err)
		return err
	}
	// On error with blocks already queued, fall through: they reach the
	// device (or fail submission) and the error surfaces via completion.

	p.SetWriteback()
	p.Unlock()

	for _, io := range wbc.queued {
		err2 := wbc.submitIoend(io, err)
		if err == nil {
			err = err2
		}
	}
	wbc.queued = wbc.queued[:0]

	if ps != nil {
		if ps.writePending.Add(-1) == 0 {
			p.EndWriteback()
		}
	} else if count == 0 {
		// Raced with a partial invalidation: nothing to write.
		p.EndWriteback()
	}
	if err != nil {
		ino.mapping.SetError(err)
	}
	return err
}

// addToIoend queues the valid block at off, growing the current ioend when
// the block continues it both in the file and on the device, otherwise
// displacing it and opening a new one.
func (wbc *WritebackContext) addToIoend(ino *Inode, p *pagecache.Page, ps *pageState, off int64) {
	blockSize := int(ino.BlockSize())
	sector := wbc.ext.Sector(off, ino.dev.SectorSize())

	if wbc.ioend == nil || !wbc.canAdd(off, sector) {
		if wbc.ioend != nil {
			wbc.queued = append(wbc.queued, wbc.ioend)
		}
		wbc.ioend = wbc.allocIoend(ino, off, sector)
	}
	io := wbc.ioend

	req := io.reqs[len(io.reqs)-1]
	if !req.TryAdd(p, offsetInPage(p, off), blockSize) {
		req = io.chainRequest()
		if !req.TryAdd(p, offsetInPage(p, off), blockSize) {
			contract("fresh write request refused segment at %d", off)
		}
	}
	if ps != nil {
		ps.writePending.Add(int64(blockSize))
	}
	io.size += int64(blockSize)
}

// canAdd reports whether the block at off belongs in the current ioend: same
// extent type and sharing, contiguous in the file, and contiguous on the
// device with the open request's payload.
func (wbc *WritebackContext) canAdd(off, sector int64) bool {
	io := wbc.ioend
	if (wbc.ext.Flags^io.flags)&extent.FlagShared != 0 {
		return false
	}
	if wbc.ext.Type != io.typ {
		return false
	}
	if off != io.offset+io.size {
		return false
	}
	return sector == io.reqs[len(io.reqs)-1].EndSector()
}

func (wbc *WritebackContext) allocIoend(ino *Inode, off, sector int64) *Ioend {
	io := &Ioend{
		ino:    ino,
		typ:    wbc.ext.Type,
		flags:  wbc.ext.Flags,
		offset: off,
		sector: sector,
	}
	io.completer, _ = wbc.Ops.(IoendCompleter)
	// The builder holds a reference until submission, so requests chained
	// and completed mid-build cannot complete the ioend early.
	io.pending.Store(1)
	io.newRequest(sector)
	return io
}

// submitIoend seals io and submits its remaining requests, or fails them all
// in place when err (or the prepare hook) says the ioend is already dead.
// Either way the builder's reference is dropped; completion of the last
// request finishes the ioend.
func (wbc *WritebackContext) submitIoend(io *Ioend, err error) error {
	if prep, ok := wbc.Ops.(IoendPreparer); ok {
		err = prep.PrepareIoend(io, err)
	}
	if err != nil {
		io.setErr(err)
		for _, r := range io.reqs[io.submitted:] {
			r.OnComplete(err)
		}
		io.submitted = len(io.reqs)
		io.deref()
		return err
	}
	for _, r := range io.reqs[io.submitted:] {
		io.ino.dev.Submit(r)
	}
	io.submitted = len(io.reqs)
	io.deref()
	return nil
}

// flush submits the ioend cached across pages, inheriting err so a pass that
// failed partway poisons the blocks it had already queued.
func (wbc *WritebackContext) flush(err error) error {
	if wbc.ioend == nil {
		return err
	}
	io := wbc.ioend
	wbc.ioend = nil
	if err2 := wbc.submitIoend(io, err); err == nil {
		err = err2
	}
	return err
}
