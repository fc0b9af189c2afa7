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
	"bytes"
	"context"
	"testing"

	"golang.org/x/sys/unix"

	"pageio.dev/pageio/pkg/bdev"
	"pageio.dev/pageio/pkg/extent"
	"pageio.dev/pageio/pkg/pagecache"
	"pageio.dev/pageio/pkg/sync"
)

// writeBack writes the whole file's dirty pages and drains the device.
func writeBack(t *testing.T, ino *Inode, fs WritebackOps) {
	t.Helper()
	wbc := &WritebackContext{Ops: fs}
	if err := ino.WritePages(context.Background(), wbc, 0, 1<<40); err != nil {
		t.Fatalf("WritePages failed: %v", err)
	}
}

func TestWritebackSubBlock(t *testing.T) {
	// Only the valid blocks of a partially written page go to storage.
	fs := &testFS{}
	ino, dev := newTestInode(t, 9, testPageSize, fs)
	sentinel := bytes.Repeat([]byte{0xDD}, testPageSize)
	dev.WriteAt(sentinel, 0)

	data := pattern(1024)
	if _, err := ino.Write(context.Background(), 0, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var written int
	var mu sync.Mutex
	dev.InjectErr = func(r *bdev.Request) error {
		mu.Lock()
		written += r.Bytes()
		mu.Unlock()
		return nil
	}

	writeBack(t, ino, fs)
	dev.Close()

	if written != 1024 {
		t.Errorf("writeback sent %d bytes to the device, want 1024", written)
	}
	got := make([]byte, testPageSize)
	dev.ReadAt(got, 0)
	if !bytes.Equal(got[:1024], data) {
		t.Error("device does not hold the written blocks")
	}
	if !bytes.Equal(got[1024:], sentinel[1024:]) {
		t.Error("writeback touched blocks that were never written")
	}

	p := ino.Mapping().Find(0)
	if p.Dirty() {
		t.Error("page still dirty after writeback")
	}
	if p.Writeback() {
		t.Error("page still under writeback after completion")
	}
}

func TestWritebackMergesPages(t *testing.T) {
	// Two dirty pages contiguous in the file and on the device share one
	// request.
	fs := &testFS{}
	ino, dev := newTestInode(t, 9, 0, fs)
	data := pattern(2 * testPageSize)
	if _, err := ino.Write(context.Background(), 0, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reqs := countRequests(dev)

	writeBack(t, ino, fs)
	dev.Close()

	if got := reqs.Load(); got != 1 {
		t.Errorf("writeback issued %d requests, want 1", got)
	}
	got := make([]byte, 2*testPageSize)
	dev.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Error("device contents differ from written data")
	}
}

func TestWritebackChains(t *testing.T) {
	// With request allocation degraded to one segment each, a multi-page
	// ioend must chain continuation requests, submitting full ones early.
	fs := &testFS{}
	ino, dev := newTestInode(t, 9, 0, fs)
	dev.FailLargeAlloc = true
	data := pattern(3 * testPageSize)
	if _, err := ino.Write(context.Background(), 0, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reqs := countRequests(dev)

	writeBack(t, ino, fs)
	dev.Close()

	if got := reqs.Load(); got != 3 {
		t.Errorf("chained writeback issued %d requests, want 3", got)
	}
	got := make([]byte, 3*testPageSize)
	dev.ReadAt(got, 0)
	if !bytes.Equal(got, data) {
		t.Error("device contents differ from written data")
	}
	for i := int64(0); i < 3; i++ {
		if p := ino.Mapping().Find(i); p.Writeback() {
			t.Errorf("page %d still under writeback", i)
		}
	}
}

func TestWritebackDiscontiguous(t *testing.T) {
	// Pages mapped to discontiguous device ranges split into separate
	// ioends and requests.
	fs := &testFS{wbMaps: []extent.Extent{
		{Type: extent.Mapped, Offset: 0, Length: testPageSize, DevOffset: 0},
		{Type: extent.Mapped, Offset: testPageSize, Length: testPageSize, DevOffset: 65536},
	}}
	ino, dev := newTestInode(t, 9, 0, fs)
	data := pattern(2 * testPageSize)
	if _, err := ino.Write(context.Background(), 0, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reqs := countRequests(dev)

	writeBack(t, ino, fs)
	dev.Close()

	if got := reqs.Load(); got != 2 {
		t.Errorf("discontiguous writeback issued %d requests, want 2", got)
	}
	got := make([]byte, testPageSize)
	dev.ReadAt(got, 0)
	if !bytes.Equal(got, data[:testPageSize]) {
		t.Error("first extent's device range differs from written data")
	}
	dev.ReadAt(got, 65536)
	if !bytes.Equal(got, data[testPageSize:]) {
		t.Error("second extent's device range differs from written data")
	}
}

func TestWritebackEOFStraddle(t *testing.T) {
	// The cache tail of the page straddling EOF is zeroed before the EOF
	// block goes to storage.
	fs := &testFS{}
	isize := int64(testPageSize + 600)
	ino, dev := newTestInode(t, 9, isize, fs)
	old := pattern(2 * testPageSize)
	dev.WriteAt(old, 0)

	data := bytes.Repeat([]byte{0xC4}, 600)
	if _, err := ino.Write(context.Background(), testPageSize, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	writeBack(t, ino, fs)
	dev.Close()

	got := make([]byte, testPageSize)
	dev.ReadAt(got, testPageSize)
	if !bytes.Equal(got[:600], data) {
		t.Error("EOF page data differs from written bytes")
	}
	// Block 1 was written whole; its bytes past EOF must be zero, not the
	// stale device content that was read in around the write.
	for i := 600; i < 1024; i++ {
		if got[i] != 0 {
			t.Fatalf("device byte %d past EOF = %#x, want 0", i, got[i])
		}
	}
	if !bytes.Equal(got[1024:], old[testPageSize+1024:2*testPageSize]) {
		t.Error("blocks past the EOF block were written")
	}
}

func TestWritebackSkipsPageBeyondEOF(t *testing.T) {
	fs := &testFS{}
	ino, dev := newTestInode(t, 9, testPageSize, fs)
	reqs := countRequests(dev)

	// A dirty page wholly beyond EOF is left to the racing truncate.
	p := ino.Mapping().Grab(3, pagecache.GrabOpts{Create: true})
	p.SetUptodate()
	ino.Dirty(p)
	p.Unlock()

	writeBack(t, ino, fs)
	dev.Close()

	if got := reqs.Load(); got != 0 {
		t.Errorf("writeback of page beyond EOF issued %d requests, want 0", got)
	}
	if p.Writeback() {
		t.Error("skipped page left under writeback")
	}
}

func TestWritebackMapError(t *testing.T) {
	t.Run("first-page", func(t *testing.T) {
		fs := &testFS{wbErr: unix.EIO}
		ino, _ := newTestInode(t, 9, testPageSize, fs)
		if _, err := ino.Write(context.Background(), 0, BytesSource(pattern(1024))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		wbc := &WritebackContext{Ops: fs}
		if err := ino.WritePages(context.Background(), wbc, 0, testPageSize); err != unix.EIO {
			t.Fatalf("WritePages returned %v, want EIO", err)
		}
		if err := ino.Mapping().TakeError(); err != unix.EIO {
			t.Errorf("mapping error = %v, want EIO", err)
		}
		p := ino.Mapping().Find(0)
		if p.Writeback() {
			t.Error("failed page left under writeback")
		}
	})

	t.Run("second-page", func(t *testing.T) {
		// The first page's blocks were already queued when the second
		// page's mapping fails; they are failed in place rather than
		// silently written. The first extent ends at the page boundary
		// so the second page forces a fresh mapping.
		fs := &testFS{
			wbMaps:  []extent.Extent{{Type: extent.Mapped, Offset: 0, Length: testPageSize, DevOffset: 0}},
			wbErr:   unix.EIO,
			wbErrAt: testPageSize,
		}
		ino, dev := newTestInode(t, 9, 0, fs)
		sentinel := bytes.Repeat([]byte{0xDD}, 2*testPageSize)
		dev.WriteAt(sentinel, 0)
		if _, err := ino.Write(context.Background(), 0, BytesSource(pattern(2*testPageSize))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		wbc := &WritebackContext{Ops: fs}
		if err := ino.WritePages(context.Background(), wbc, 0, 2*testPageSize); err != unix.EIO {
			t.Fatalf("WritePages returned %v, want EIO", err)
		}
		dev.Close()

		p := ino.Mapping().Find(0)
		if !p.Error() {
			t.Error("first page not flagged after poisoned submission")
		}
		if p.Writeback() {
			t.Error("first page left under writeback")
		}
		if err := ino.Mapping().TakeError(); err != unix.EIO {
			t.Errorf("mapping error = %v, want EIO", err)
		}
		got := make([]byte, 2*testPageSize)
		dev.ReadAt(got, 0)
		if !bytes.Equal(got, sentinel) {
			t.Error("device written despite failed pass")
		}
	})
}

func TestWritebackDiscardPage(t *testing.T) {
	fs := &discardFS{testFS: testFS{wbErr: unix.EIO}}
	ino, _ := newTestInode(t, 9, testPageSize, fs)
	if _, err := ino.Write(context.Background(), 0, BytesSource(pattern(1024))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	wbc := &WritebackContext{Ops: fs}
	if err := ino.WritePages(context.Background(), wbc, 0, testPageSize); err != unix.EIO {
		t.Fatalf("WritePages returned %v, want EIO", err)
	}
	if len(fs.discarded) != 1 || fs.discarded[0] != 0 {
		t.Errorf("discard hook saw offsets %v, want [0]", fs.discarded)
	}
}

type discardFS struct {
	testFS
	discarded []int64
}

func (f *discardFS) DiscardPage(p *pagecache.Page, off int64) {
	f.discarded = append(f.discarded, off)
}

// completerFS defers ioend completion to the test, the way a filesystem
// defers unwritten-extent conversion to a worker.
type completerFS struct {
	testFS

	mu   sync.Mutex
	done []*Ioend

	prepared int
}

func (f *completerFS) IoendDone(io *Ioend) {
	f.mu.Lock()
	f.done = append(f.done, io)
	f.mu.Unlock()
}

func (f *completerFS) PrepareIoend(io *Ioend, err error) error {
	f.prepared++
	io.SetFSPrivate(f.prepared)
	return err
}

func TestWritebackCompleter(t *testing.T) {
	// Two file-contiguous ioends at discontiguous device offsets: the
	// completer collects both, merges them, and finishes them as one.
	fs := &completerFS{testFS: testFS{wbMaps: []extent.Extent{
		{Type: extent.Mapped, Offset: 0, Length: testPageSize, DevOffset: 0},
		{Type: extent.Mapped, Offset: testPageSize, Length: testPageSize, DevOffset: 65536},
	}}}
	ino, dev := newTestInode(t, 9, 0, fs)
	data := pattern(2 * testPageSize)
	if _, err := ino.Write(context.Background(), 0, BytesSource(data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	writeBack(t, ino, fs)
	dev.Close()

	// I/O is done, but the pages stay under writeback until the deferred
	// completion runs.
	for i := int64(0); i < 2; i++ {
		if p := ino.Mapping().Find(i); !p.Writeback() {
			t.Errorf("page %d not under writeback before deferred completion", i)
		}
	}
	fs.mu.Lock()
	done := append([]*Ioend(nil), fs.done...)
	fs.mu.Unlock()
	if len(done) != 2 {
		t.Fatalf("completer saw %d ioends, want 2", len(done))
	}
	if fs.prepared != 2 {
		t.Errorf("prepare hook ran %d times, want 2", fs.prepared)
	}

	SortIoends(done)
	tree := NewIoendTree()
	for _, io := range done[1:] {
		tree.Insert(io)
	}
	io := done[0]
	var absorbed int
	io.TryMerge(tree, func(io, next *Ioend) { absorbed++ })
	if absorbed != 1 || tree.Len() != 0 {
		t.Fatalf("merge absorbed %d ioends with %d left, want 1 and 0", absorbed, tree.Len())
	}
	if got, want := io.Size(), int64(2*testPageSize); got != want {
		t.Errorf("merged ioend size = %d, want %d", got, want)
	}
	if io.FSPrivate() == nil {
		t.Error("prepare hook's attachment lost")
	}

	io.Finish(nil)
	for i := int64(0); i < 2; i++ {
		if p := ino.Mapping().Find(i); p.Writeback() {
			t.Errorf("page %d still under writeback after Finish", i)
		}
	}
}

func TestIoendCanMerge(t *testing.T) {
	mk := func(off, size int64, typ extent.Type, flags extent.Flags, err error) *Ioend {
		io := &Ioend{typ: typ, flags: flags, offset: off, size: size}
		io.setErr(err)
		return io
	}
	base := mk(0, testPageSize, extent.Mapped, 0, nil)

	tests := []struct {
		name string
		next *Ioend
		want bool
	}{
		{"contiguous", mk(testPageSize, testPageSize, extent.Mapped, 0, nil), true},
		{"gap", mk(2*testPageSize, testPageSize, extent.Mapped, 0, nil), false},
		{"unwritten-mismatch", mk(testPageSize, testPageSize, extent.Unwritten, 0, nil), false},
		{"shared-mismatch", mk(testPageSize, testPageSize, extent.Mapped, extent.FlagShared, nil), false},
		{"error-mismatch", mk(testPageSize, testPageSize, extent.Mapped, 0, unix.EIO), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.canMerge(tt.next); got != tt.want {
				t.Errorf("canMerge = %t, want %t", got, tt.want)
			}
		})
	}

	// Unwritten runs merge with each other.
	u1 := mk(0, testPageSize, extent.Unwritten, 0, nil)
	u2 := mk(testPageSize, testPageSize, extent.Unwritten, 0, nil)
	if !u1.canMerge(u2) {
		t.Error("contiguous unwritten ioends refused to merge")
	}
}

func TestRedirtyDuringWriteback(t *testing.T) {
	// A page dirtied again after writeback sampled it is written on the
	// next pass, not lost.
	fs := &testFS{}
	ino, dev := newTestInode(t, 9, 0, fs)
	if _, err := ino.Write(context.Background(), 0, BytesSource(pattern(testPageSize))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	writeBack(t, ino, fs)
	dev.Close()

	update := bytes.Repeat([]byte{0x3F}, 512)
	if _, err := ino.Write(context.Background(), 0, BytesSource(update)); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if p := ino.Mapping().Find(0); !p.Dirty() {
		t.Fatal("page not redirtied by second write")
	}
	writeBack(t, ino, fs)
	dev.Close()

	got := make([]byte, 512)
	dev.ReadAt(got, 0)
	if !bytes.Equal(got, update) {
		t.Error("device does not hold the second write")
	}
}
