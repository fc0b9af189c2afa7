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

	"pageio.dev/pageio/pkg/bdev"
	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
)

// readCtx accumulates the in-flight read request across pages and extents of
// one read or readahead pass.
type readCtx struct {
	ino *Inode

	// cur is the page currently being filled. curInFlight records whether
	// any of its bytes were handed to a request; if not, the pass unlocks
	// the page itself.
	cur         *pagecache.Page
	curInFlight bool

	// req is the open request, submitted when the next range cannot be
	// merged or the pass ends.
	req *bdev.Request

	// pages supplies further locked destination pages for readahead.
	pages []*pagecache.Page
}

// ReadPage populates the locked page p from storage. Blocks already marked
// valid are not re-read; holes, unwritten extents and anything beyond EOF
// are zero-filled in memory without touching the device.
//
// The page is unlocked when its contents are settled: synchronously if no
// I/O was needed, otherwise by the completion of its last pending read byte.
// On a resolver error the page is flagged with an error and unlocked.
func (ino *Inode) ReadPage(ctx context.Context, p *pagecache.Page) error {
	rc := &readCtx{ino: ino, cur: p}

	_, err := ino.apply(ctx, p.Offset(), ino.pageSize(), 0, rc.pageActor)
	if err != nil {
		p.SetError()
	}

	if rc.req != nil {
		rc.submit()
	} else {
		if rc.curInFlight {
			contract("read of page %d queued I/O but has no open request", p.Index())
		}
		p.Unlock()
	}
	return err
}

// Readahead populates a run of locked, index-contiguous pages from storage.
// Pages the pass never reaches (resolver error, or the range ending early)
// are unlocked untouched; pages with I/O in flight are unlocked by
// completion, like ReadPage.
func (ino *Inode) Readahead(ctx context.Context, pages []*pagecache.Page) error {
	if len(pages) == 0 {
		return nil
	}
	rc := &readCtx{ino: ino, pages: pages}
	pos := pages[0].Offset()
	length := pages[len(pages)-1].Offset() + ino.pageSize() - pos

	_, err := ino.apply(ctx, pos, length, 0, rc.readaheadActor)

	if rc.req != nil {
		rc.submit()
	}
	if rc.cur != nil && !rc.curInFlight {
		rc.cur.Unlock()
	}
	for _, p := range rc.pages {
		p.Unlock()
	}
	return err
}

// readaheadActor advances through the supplied page sequence, running the
// single-page actor on each page's slice of the extent.
func (rc *readCtx) readaheadActor(pos, length int64, dst, src *extent.Extent) (int64, error) {
	pageSize := rc.ino.pageSize()
	var done int64
	for done < length {
		if rc.cur != nil && pos+done >= rc.cur.Offset()+pageSize {
			if !rc.curInFlight {
				rc.cur.Unlock()
			}
			rc.cur = nil
		}
		if rc.cur == nil {
			if len(rc.pages) == 0 {
				return done, nil
			}
			rc.cur = rc.pages[0]
			rc.pages = rc.pages[1:]
			rc.curInFlight = false
		}
		n, err := rc.pageActor(pos+done, length-done, dst, src)
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// pageActor handles one extent's intersection with the current page.
func (rc *readCtx) pageActor(pos, length int64, dst, src *extent.Extent) (int64, error) {
	ino := rc.ino
	p := rc.cur

	if dst.Type == extent.Inline {
		if pos != 0 {
			contract("inline extent at nonzero position %d", pos)
		}
		ino.readInline(p, dst)
		return length, nil
	}

	ps := ino.pageStateCreate(p)

	// Zero post-EOF blocks too: the page may be mapped.
	newPos, poff, plen := ino.adjustReadRange(p, pos, length)
	advanced := newPos - pos + int64(plen)
	if plen == 0 {
		return advanced, nil
	}

	if ino.needsZero(dst, newPos) {
		zeroRange(p.Data()[poff : poff+plen])
		ino.setRangeUptodate(p, poff, plen)
		return advanced, nil
	}

	rc.curInFlight = true
	if ps != nil {
		ps.readPending.Add(int64(plen))
	}

	// Merge into the open request if storage-contiguous and not full.
	sector := dst.Sector(newPos, ino.dev.SectorSize())
	if rc.req != nil && rc.req.EndSector() == sector && rc.req.TryAdd(p, poff, plen) {
		return advanced, nil
	}

	if rc.req != nil {
		rc.submit()
	}
	nsegs := int((length + ino.pageSize() - 1) / ino.pageSize())
	if nsegs > bdev.MaxSegments {
		nsegs = bdev.MaxSegments
	}
	rc.req = bdev.Alloc(ino.dev, bdev.OpRead, sector, nsegs)
	if !rc.req.TryAdd(p, poff, plen) {
		contract("fresh read request refused first segment")
	}
	return advanced, nil
}

// submit seals the open request and hands it to the device. Completion runs
// later on an arbitrary goroutine.
func (rc *readCtx) submit() {
	ino := rc.ino
	req := rc.req
	rc.req = nil
	req.OnComplete = func(err error) {
		for _, seg := range req.Segments() {
			ino.finishPageRead(seg.Page, seg.Off, seg.Len, err)
		}
	}
	ino.dev.Submit(req)
}

// finishPageRead is the read completion path for one segment: mark the bytes
// valid (or the page failed) and unlock the page once its last pending read
// byte completes.
func (ino *Inode) finishPageRead(p *pagecache.Page, poff, plen int, err error) {
	ps := pageStateOf(p)
	if err != nil {
		p.ClearUptodate()
		p.SetError()
	} else {
		ino.setRangeUptodate(p, poff, plen)
	}
	if ps == nil || ps.readPending.Add(-int64(plen)) == 0 {
		p.Unlock()
	}
}

// readInline copies the inline payload into page 0 and zero-fills the rest.
// Idempotent: a page already uptodate is left alone.
func (ino *Inode) readInline(p *pagecache.Page, e *extent.Extent) {
	if p.Uptodate() {
		return
	}
	if p.Index() != 0 {
		contract("inline read into page %d", p.Index())
	}
	size := ino.Size()
	if size > int64(len(e.InlineData)) {
		contract("inline data shorter than file size %d", size)
		size = int64(len(e.InlineData))
	}
	n := copy(p.Data(), e.InlineData[:size])
	zeroRange(p.Data()[n:])
	p.SetUptodate()
}
