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

	"pageio.dev/pageio/pkg/bdev"
	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
)

// Source supplies the bytes of a buffered write. CopyIn may copy fewer
// bytes than requested (a torn copy, e.g. a faulting user buffer); the
// engine then discards the partial copy if the destination page was not
// already fully valid, and retries the unit.
type Source interface {
	// CopyIn copies up to len(dst) bytes into dst and returns the number
	// copied. An error with a zero count aborts the write.
	CopyIn(dst []byte) (int, error)

	// Revert rewinds the source by n bytes, which were copied out but
	// discarded; a retry reads them again.
	Revert(n int)

	// Len returns the number of bytes remaining in the source.
	Len() int
}

type bytesSource struct {
	b   []byte
	pos int
}

// BytesSource returns a Source reading from b. Its copies are never short.
func BytesSource(b []byte) Source {
	return &bytesSource{b: b}
}

// CopyIn implements Source.CopyIn.
func (s *bytesSource) CopyIn(dst []byte) (int, error) {
	n := copy(dst, s.b[s.pos:])
	s.pos += n
	return n, nil
}

// Revert implements Source.Revert.
func (s *bytesSource) Revert(n int) {
	if n > s.pos {
		n = s.pos
	}
	s.pos -= n
}

// Len implements Source.Len.
func (s *bytesSource) Len() int {
	return len(s.b) - s.pos
}

// Write flags for writeBegin.
const (
	// writeUnshare forces the whole destination range to be made valid
	// and private, regardless of overlap with the caller's buffer.
	writeUnshare = 1 << iota
)

// Write copies src into the file at pos through the page cache, marking the
// touched pages dirty for a later writeback pass. The file size is extended
// if the write ends beyond it. Returns the number of bytes written; a
// nonzero count may accompany an error when the failure struck partway.
func (ino *Inode) Write(ctx context.Context, pos int64, src Source) (int64, error) {
	return ino.apply(ctx, pos, int64(src.Len()), extent.MapWrite,
		func(pos, length int64, dst, srcExt *extent.Extent) (int64, error) {
			return ino.writeActor(ctx, pos, length, dst, srcExt, src)
		})
}

func (ino *Inode) writeActor(ctx context.Context, pos, length int64, dst, srcExt *extent.Extent, src Source) (int64, error) {
	var written int64
	retried := false
	for written < length && src.Len() > 0 {
		off := pos + written
		bytes := int(ino.pageSize() - off%ino.pageSize())
		if bytes > src.Len() {
			bytes = src.Len()
		}
		if int64(bytes) > length-written {
			bytes = int(length - written)
		}

		p, err := ino.writeBegin(ctx, off, bytes, 0, dst, srcExt)
		if err != nil {
			return written, err
		}

		poff := offsetInPage(p, off)
		copied, cerr := src.CopyIn(p.Data()[poff : poff+bytes])
		ret := ino.writeEnd(ctx, off, bytes, copied, p, dst, srcExt)
		if ret < copied {
			// The discarded bytes must be produced again on retry.
			src.Revert(copied - ret)
		}

		if ret == 0 {
			if cerr != nil {
				return written, cerr
			}
			// Torn write discarded; retry the whole unit. A
			// source that keeps tearing at the same spot would
			// livelock, so bail on the second strike.
			if retried {
				return written, unix.EFAULT
			}
			retried = true
			continue
		}
		retried = false
		written += int64(ret)
	}
	return written, nil
}

// writeBegin ensures the bytes about to be overwritten at [pos, pos+n) are
// valid before the copy, and returns the locked destination page. Sub-ranges
// wholly inside the caller's own write range are skipped (the copy fills
// them), unless flags requests unconditional unsharing.
func (ino *Inode) writeBegin(ctx context.Context, pos int64, n, flags int, dst, srcExt *extent.Extent) (*pagecache.Page, error) {
	if pos+int64(n) > dst.End() {
		contract("write [%d, %d) beyond extent end %d", pos, pos+int64(n), dst.End())
	}

	// A fatal cancellation pending now aborts the write before any page
	// state is touched.
	if ctx.Err() != nil {
		return nil, unix.EINTR
	}

	if ino.pageOps != nil {
		if err := ino.pageOps.PagePrepare(ctx, pos, n); err != nil {
			return nil, err
		}
	}

	p := ino.mapping.Grab(pos/ino.pageSize(), pagecache.GrabOpts{Create: true})
	if p == nil {
		ino.writeFailed(pos, n)
		if ino.pageOps != nil {
			ino.pageOps.PageDone(ctx, pos, 0, nil)
		}
		return nil, unix.ENOMEM
	}

	var err error
	if srcExt.Type == extent.Inline {
		ino.readInline(p, srcExt)
	} else {
		err = ino.writeBeginFill(p, pos, n, flags, srcExt)
	}
	if err != nil {
		p.Unlock()
		ino.writeFailed(pos, n)
		if ino.pageOps != nil {
			ino.pageOps.PageDone(ctx, pos, 0, nil)
		}
		return nil, err
	}
	return p, nil
}

// writeBeginFill walks the blocks touching [pos, pos+n) and makes the parts
// outside the write range valid, by zero-filling logically-zero extents or
// synchronously reading mapped ones.
func (ino *Inode) writeBeginFill(p *pagecache.Page, pos int64, n, flags int, srcExt *extent.Extent) error {
	blockSize := ino.BlockSize()
	blockStart := pos &^ (blockSize - 1)
	blockEnd := (pos + int64(n) + blockSize - 1) &^ (blockSize - 1)
	from := offsetInPage(p, pos)
	to := from + n

	ino.pageStateCreate(p)
	if p.Uptodate() {
		return nil
	}
	p.ClearError()

	for blockStart < blockEnd {
		newPos, poff, plen := ino.adjustReadRange(p, blockStart, blockEnd-blockStart)
		if plen == 0 {
			break
		}
		blockStart = newPos + int64(plen)

		// Skip sub-ranges the write itself will fill completely.
		if flags&writeUnshare == 0 &&
			(from <= poff || from >= poff+plen) &&
			(to <= poff || to >= poff+plen) {
			continue
		}

		if ino.needsZero(srcExt, newPos) {
			if flags&writeUnshare != 0 {
				contract("unsharing logically-zero extent at %d", newPos)
				return unix.EIO
			}
			ino.zeroOutsideWrite(p, poff, plen, from, to)
		} else {
			req := bdev.NewRequest(bdev.OpRead, srcExt.Sector(newPos, ino.dev.SectorSize()), 1, ino.dev.SectorSize())
			req.TryAdd(p, poff, plen)
			if err := ino.dev.SubmitWait(req); err != nil {
				return err
			}
		}
		ino.setRangeUptodate(p, poff, plen)
	}
	return nil
}

// zeroOutsideWrite zeroes the parts of [poff, poff+plen) not covered by the
// caller's write range [from, to).
func (ino *Inode) zeroOutsideWrite(p *pagecache.Page, poff, plen, from, to int) {
	end := poff + plen
	if e := min(from, end); poff < e {
		zeroRange(p.Data()[poff:e])
	}
	if s := max(to, poff); s < end {
		zeroRange(p.Data()[s:end])
	}
}

// writeEnd commits a copy of [pos, pos+n) with copied bytes actually
// transferred, marking the range valid and the page dirty, extending the
// file size, and always unlocking the page. Returns the committed count,
// which is zero for a torn write into a page that was not already fully
// valid: a partial copy there would let a later read see garbage in the
// written unit, so the whole unit is discarded and the caller retries.
func (ino *Inode) writeEnd(ctx context.Context, pos int64, n, copied int, p *pagecache.Page, dst, srcExt *extent.Extent) int {
	oldSize := ino.Size()

	var ret int
	if srcExt.Type == extent.Inline {
		ret = ino.writeEndInline(pos, copied, p, dst)
	} else {
		ret = ino.writeEndSimple(pos, n, copied, p)
	}

	// Update the in-memory size after the data is in the cache; the
	// resolver is told separately so it can persist the new size,
	// preferably after I/O completion.
	if pos+int64(ret) > oldSize {
		newSize := pos + int64(ret)
		ino.mapping.SetSize(newSize)
		dst.Flags |= extent.FlagSizeChanged
		if sn, ok := ino.res.(extent.SizeNotifier); ok {
			sn.SizeChanged(newSize)
		}
	}
	p.Unlock()

	if ino.pageOps != nil {
		ino.pageOps.PageDone(ctx, pos, ret, p)
	}
	if ret < n {
		ino.writeFailed(pos, n)
	}
	return ret
}

func (ino *Inode) writeEndSimple(pos int64, n, copied int, p *pagecache.Page) int {
	// Blocks written in full are now valid. A short copy into a page that
	// is not fully uptodate left a partially-written block that a read
	// would happily return, so treat it as a zero-length write and force
	// the caller to redo the whole unit.
	if copied < n && !p.Uptodate() {
		return 0
	}
	ino.setRangeUptodate(p, offsetInPage(p, pos), n)
	p.SetDirty()
	return copied
}

// writeEndInline copies the committed bytes back out to the inline
// destination.
func (ino *Inode) writeEndInline(pos int64, copied int, p *pagecache.Page, dst *extent.Extent) int {
	if !p.Uptodate() {
		contract("inline write-end on page %d that is not uptodate", p.Index())
	}
	poff := offsetInPage(p, pos)
	copy(dst.InlineData[pos:], p.Data()[poff:poff+copied])
	return copied
}

// writeFailed punches out any page of [pos, pos+n) lying entirely beyond
// EOF: such pages exist only because this failed write created them.
func (ino *Inode) writeFailed(pos int64, n int) {
	isize := ino.Size()
	if pos+int64(n) > isize {
		ino.mapping.TruncateRange(max(pos, isize), pos+int64(n))
	}
}

// Unshare breaks copy-on-write sharing over [pos, pos+length) by
// materializing a private copy of every shared block in the range. Holes and
// unwritten extents have nothing to copy and are skipped.
func (ino *Inode) Unshare(ctx context.Context, pos, length int64) error {
	_, err := ino.apply(ctx, pos, length, extent.MapWrite,
		func(pos, length int64, dst, srcExt *extent.Extent) (int64, error) {
			return ino.unshareActor(ctx, pos, length, dst, srcExt)
		})
	return err
}

func (ino *Inode) unshareActor(ctx context.Context, pos, length int64, dst, srcExt *extent.Extent) (int64, error) {
	// Blocks that are not shared to start with need no work.
	if dst.Flags&extent.FlagShared == 0 {
		return length, nil
	}
	if srcExt.Type == extent.Hole || srcExt.Type == extent.Unwritten {
		return length, nil
	}

	var written int64
	for written < length {
		off := pos + written
		bytes := int(ino.pageSize() - off%ino.pageSize())
		if int64(bytes) > length-written {
			bytes = int(length - written)
		}

		p, err := ino.writeBegin(ctx, off, bytes, writeUnshare, dst, srcExt)
		if err != nil {
			return written, err
		}
		ret := ino.writeEnd(ctx, off, bytes, bytes, p, dst, srcExt)
		if ret == 0 {
			contract("unshare commit of [%d, %d) made no progress", off, off+int64(bytes))
			return written, unix.EIO
		}
		written += int64(ret)
	}
	return written, nil
}

// ZeroRange zeroes [pos, pos+length) through the page cache. Holes and
// unwritten extents are already logically zero and require no I/O. Returns
// whether any byte was actually zeroed.
func (ino *Inode) ZeroRange(ctx context.Context, pos, length int64) (bool, error) {
	didZero := false
	_, err := ino.apply(ctx, pos, length, extent.MapZero,
		func(pos, length int64, dst, srcExt *extent.Extent) (int64, error) {
			return ino.zeroActor(ctx, pos, length, dst, srcExt, &didZero)
		})
	return didZero, err
}

func (ino *Inode) zeroActor(ctx context.Context, pos, length int64, dst, srcExt *extent.Extent, didZero *bool) (int64, error) {
	if srcExt.Type == extent.Hole || srcExt.Type == extent.Unwritten {
		return length, nil
	}

	var written int64
	for written < length {
		off := pos + written
		bytes := int(ino.pageSize() - off%ino.pageSize())
		if int64(bytes) > length-written {
			bytes = int(length - written)
		}

		p, err := ino.writeBegin(ctx, off, bytes, 0, dst, srcExt)
		if err != nil {
			return written, err
		}
		poff := offsetInPage(p, off)
		zeroRange(p.Data()[poff : poff+bytes])
		ret := ino.writeEnd(ctx, off, bytes, bytes, p, dst, srcExt)
		if ret == 0 {
			return written, unix.EIO
		}
		written += int64(ret)
		*didZero = true
	}
	return written, nil
}

// TruncatePage zeroes the tail of the block containing pos, from pos to the
// block boundary. Nothing to do if pos is block-aligned.
func (ino *Inode) TruncatePage(ctx context.Context, pos int64) (bool, error) {
	blockSize := ino.BlockSize()
	off := pos & (blockSize - 1)
	if off == 0 {
		return false, nil
	}
	return ino.ZeroRange(ctx, pos, blockSize-off)
}
