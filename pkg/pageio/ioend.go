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
	"sort"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"pageio.dev/pageio/pkg/bdev"
	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
	"pageio.dev/pageio/pkg/sync"
)

// Ioend is one writeback completion unit: a run of blocks contiguous in the
// file and on the device, sharing one extent type and sharing state, possibly
// spread over several chained requests. The filesystem sees the ioend in its
// prepare and completion hooks; the engine finishes the underlying pages.
type Ioend struct {
	ino    *Inode
	typ    extent.Type
	flags  extent.Flags
	offset int64
	size   int64
	sector int64

	// reqs[:submitted] have been handed to the device; the rest are still
	// accumulating segments or waiting for submitIoend.
	reqs      []*bdev.Request
	submitted int

	// pending counts outstanding requests plus one builder reference; the
	// drop to zero completes the ioend.
	pending atomic.Int64

	errMu sync.Mutex
	err   error

	completer IoendCompleter

	// fsPrivate is opaque filesystem state, e.g. a size-update transaction
	// attached by an IoendPreparer.
	fsPrivate any
}

// Offset returns the file offset of the ioend's first byte.
func (io *Ioend) Offset() int64 {
	return io.offset
}

// Size returns the ioend's length in bytes.
func (io *Ioend) Size() int64 {
	return io.size
}

// Type returns the extent type the ioend's blocks were mapped with.
func (io *Ioend) Type() extent.Type {
	return io.typ
}

// Flags returns the extent flags the ioend's blocks were mapped with.
func (io *Ioend) Flags() extent.Flags {
	return io.flags
}

// Err returns the first error recorded against the ioend, or nil.
func (io *Ioend) Err() error {
	io.errMu.Lock()
	defer io.errMu.Unlock()
	return io.err
}

// FSPrivate returns the filesystem's opaque attachment.
func (io *Ioend) FSPrivate() any {
	return io.fsPrivate
}

// SetFSPrivate attaches opaque filesystem state to the ioend.
func (io *Ioend) SetFSPrivate(v any) {
	io.fsPrivate = v
}

func (io *Ioend) setErr(err error) {
	if err == nil {
		return
	}
	io.errMu.Lock()
	if io.err == nil {
		io.err = err
	}
	io.errMu.Unlock()
}

func (io *Ioend) newRequest(sector int64) *bdev.Request {
	req := bdev.Alloc(io.ino.dev, bdev.OpWrite, sector, bdev.MaxSegments)
	req.OnComplete = io.reqDone
	io.pending.Add(1)
	io.reqs = append(io.reqs, req)
	return req
}

// chainRequest opens a continuation request after the full one, which is
// submitted immediately rather than held until the whole ioend is built.
func (io *Ioend) chainRequest() *bdev.Request {
	prev := io.reqs[len(io.reqs)-1]
	req := io.newRequest(prev.EndSector())
	io.ino.dev.Submit(prev)
	io.submitted++
	return req
}

// reqDone is the completion callback of every request in the ioend.
func (io *Ioend) reqDone(err error) {
	io.setErr(err)
	io.deref()
}

func (io *Ioend) deref() {
	if io.pending.Add(-1) != 0 {
		return
	}
	if io.completer != nil {
		io.completer.IoendDone(io)
		return
	}
	io.Finish(io.Err())
}

// Finish runs the page-side completion of the ioend (and everything merged
// into it): pending write bytes are retired and each page's writeback flag is
// cleared once its last byte lands. err, if non-nil, is recorded on every
// page and on the mapping.
//
// Called by the engine when I/O completes, unless an IoendCompleter took
// over; the completer calls Finish once its own processing is done.
func (io *Ioend) Finish(err error) {
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"offset": io.offset,
			"sector": io.sector,
			"size":   io.size,
		}).Error("pageio: writeback failed")
	}
	for _, r := range io.reqs {
		for _, seg := range r.Segments() {
			io.ino.finishPageWrite(seg.Page, seg.Len, err)
		}
	}
}

// finishPageWrite retires n completed write bytes of the page.
func (ino *Inode) finishPageWrite(p *pagecache.Page, n int, err error) {
	if err != nil {
		p.SetError()
		ino.mapping.SetError(err)
	}
	ps := pageStateOf(p)
	if ps == nil && ino.blocksPerPage() > 1 {
		contract("write completion on page %d without block state", p.Index())
	}
	if ps != nil && ps.writePending.Load() <= 0 {
		contract("write completion on page %d with no pending bytes", p.Index())
	}
	if ps == nil || ps.writePending.Add(-int64(n)) == 0 {
		p.EndWriteback()
	}
}

// canMerge reports whether next directly continues io with the same outcome:
// merged ioends must share error status, sharing state and unwritten-ness,
// since completion processing (e.g. unwritten conversion) treats the merged
// range uniformly.
func (io *Ioend) canMerge(next *Ioend) bool {
	if io.Err() != next.Err() {
		return false
	}
	if (io.flags^next.flags)&extent.FlagShared != 0 {
		return false
	}
	if (io.typ == extent.Unwritten) != (next.typ == extent.Unwritten) {
		return false
	}
	return io.offset+io.size == next.offset
}

// TryMerge absorbs from t every successive ioend that canMerge allows,
// extending io so one Finish (and one filesystem completion) covers the whole
// run. mergePrivate, if non-nil, runs per absorbed ioend to combine
// filesystem-private state.
//
// Only completed ioends may be merged: their requests are done and their
// error status is final.
func (io *Ioend) TryMerge(t *IoendTree, mergePrivate func(io, next *Ioend)) {
	for {
		next, ok := t.tree.Min()
		if !ok || !io.canMerge(next) {
			return
		}
		t.tree.DeleteMin()
		if mergePrivate != nil {
			mergePrivate(io, next)
		}
		io.size += next.size
		io.reqs = append(io.reqs, next.reqs...)
	}
}

// IoendTree collects completed ioends ordered by file offset, typically fed
// by an IoendCompleter and drained by a completion worker that merges and
// finishes them.
type IoendTree struct {
	tree *btree.BTreeG[*Ioend]
}

// NewIoendTree returns an empty tree.
func NewIoendTree() *IoendTree {
	return &IoendTree{
		tree: btree.NewG(8, func(a, b *Ioend) bool { return a.offset < b.offset }),
	}
}

// Insert adds io to the tree.
func (t *IoendTree) Insert(io *Ioend) {
	t.tree.ReplaceOrInsert(io)
}

// Len returns the number of ioends in the tree.
func (t *IoendTree) Len() int {
	return t.tree.Len()
}

// PopMin removes and returns the lowest-offset ioend.
func (t *IoendTree) PopMin() (*Ioend, bool) {
	return t.tree.DeleteMin()
}

// Ascend visits the ioends in offset order until f returns false.
func (t *IoendTree) Ascend(f func(*Ioend) bool) {
	t.tree.Ascend(f)
}

// SortIoends orders a batch of completed ioends by file offset, the order
// TryMerge and filesystem completion processing want.
func SortIoends(ioends []*Ioend) {
	sort.Slice(ioends, func(i, j int) bool {
		return ioends[i].offset < ioends[j].offset
	})
}
