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

// Package pagecache implements an in-memory store of fixed-size cache pages
// for a single file, with the page-level flag and locking discipline required
// by the buffered I/O engine.
//
// A Page is owned by exactly one in-flight operation at a time, acquired via
// Lock or TryLock. The uptodate, dirty, writeback and error flags are atomic
// bits: uptodate and error may be written from I/O completion contexts that
// do not hold the page lock, while dirty and writeback transitions are only
// made by the operation that owns the page.
package pagecache

import (
	"sync/atomic"

	"pageio.dev/pageio/pkg/sync"
)

// Page flag bits.
const (
	flagUptodate uint32 = 1 << iota
	flagDirty
	flagWriteback
	flagError
)

// Page is a fixed-size in-memory copy of a portion of a file.
type Page struct {
	mapping *Mapping
	index   int64
	data    []byte

	flags atomic.Uint32

	// mu guards locked and the wait queue below. It is distinct from the
	// page lock itself: holding mu never blocks on I/O.
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool

	// private is an opaque attachment owned by whoever set it, typically
	// the engine's sub-block state record. Guarded by the page lock for
	// attach/detach; reads from completion contexts rely on the attachment
	// being stable while I/O is pending.
	private any
}

func newPage(m *Mapping, index int64, data []byte) *Page {
	p := &Page{
		mapping: m,
		index:   index,
		data:    data,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Mapping returns the mapping the page belongs to.
func (p *Page) Mapping() *Mapping {
	return p.mapping
}

// Index returns the file-relative page index.
func (p *Page) Index() int64 {
	return p.index
}

// Offset returns the file offset of the first byte of the page.
func (p *Page) Offset() int64 {
	return p.index * int64(len(p.data))
}

// Data returns the page payload. Callers must own the page lock or otherwise
// guarantee exclusion while mutating it.
func (p *Page) Data() []byte {
	return p.data
}

// Size returns the page size in bytes.
func (p *Page) Size() int {
	return len(p.data)
}

// Lock acquires the page lock, blocking until it is available.
func (p *Page) Lock() {
	p.mu.Lock()
	for p.locked {
		p.cond.Wait()
	}
	p.locked = true
	p.mu.Unlock()
}

// TryLock acquires the page lock without blocking. It returns false if the
// lock is held by someone else.
func (p *Page) TryLock() bool {
	p.mu.Lock()
	ok := !p.locked
	if ok {
		p.locked = true
	}
	p.mu.Unlock()
	return ok
}

// Unlock releases the page lock and wakes waiters.
func (p *Page) Unlock() {
	p.mu.Lock()
	if !p.locked {
		p.mu.Unlock()
		panic("pagecache: Unlock of unlocked page")
	}
	p.locked = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Locked returns true if the page lock is currently held.
func (p *Page) Locked() bool {
	p.mu.Lock()
	locked := p.locked
	p.mu.Unlock()
	return locked
}

// WaitUnlocked blocks until the page lock is free, without acquiring it.
func (p *Page) WaitUnlocked() {
	p.mu.Lock()
	for p.locked {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Page) testFlag(f uint32) bool {
	return p.flags.Load()&f != 0
}

// Uptodate returns true if the whole page holds valid data.
func (p *Page) Uptodate() bool {
	return p.testFlag(flagUptodate)
}

// SetUptodate marks the whole page valid.
func (p *Page) SetUptodate() {
	p.flags.Or(flagUptodate)
}

// ClearUptodate marks the page as not holding valid data.
func (p *Page) ClearUptodate() {
	p.flags.And(^flagUptodate)
}

// Dirty returns true if the page holds data newer than storage.
func (p *Page) Dirty() bool {
	return p.testFlag(flagDirty)
}

// SetDirty marks the page dirty.
func (p *Page) SetDirty() {
	p.flags.Or(flagDirty)
}

// ClearDirty marks the page clean. Called by writeback before the page's
// blocks are resolved, so that racing writes redirty the page.
func (p *Page) ClearDirty() {
	p.flags.And(^flagDirty)
}

// Writeback returns true if the page is under writeback.
func (p *Page) Writeback() bool {
	return p.testFlag(flagWriteback)
}

// SetWriteback marks the page as under writeback.
//
// Preconditions: the caller holds the page lock; the page is not already
// under writeback.
func (p *Page) SetWriteback() {
	p.flags.Or(flagWriteback)
}

// EndWriteback clears the writeback flag and wakes waiters. Safe to call
// from an I/O completion context.
func (p *Page) EndWriteback() {
	p.flags.And(^flagWriteback)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitWriteback blocks until the page is no longer under writeback.
func (p *Page) WaitWriteback() {
	p.mu.Lock()
	for p.testFlag(flagWriteback) {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Error returns true if an I/O error has been recorded on the page.
func (p *Page) Error() bool {
	return p.testFlag(flagError)
}

// SetError records an I/O error on the page.
func (p *Page) SetError() {
	p.flags.Or(flagError)
}

// ClearError clears the page's error flag.
func (p *Page) ClearError() {
	p.flags.And(^flagError)
}

// Private returns the page's opaque attachment, or nil.
func (p *Page) Private() any {
	return p.private
}

// SetPrivate attaches opaque data to the page.
//
// Preconditions: the caller holds the page lock.
func (p *Page) SetPrivate(v any) {
	p.private = v
}
