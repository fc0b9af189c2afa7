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

package pagecache

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"pageio.dev/pageio/pkg/sync"
)

// Mapping is the set of cache pages for one file, together with the file's
// in-memory size and sticky writeback error.
//
// Reference counting of pages is left to the garbage collector: a page is
// reachable from the mapping until Remove, and callers holding a *Page keep
// it alive regardless. Page payloads are pooled, so a page must not be used
// after Remove returns.
type Mapping struct {
	pageSize int
	pool     sync.Pool

	mu    sync.Mutex
	pages map[int64]*Page

	// size is the file size in bytes. Writes extending the file update it
	// after copying data into the cache.
	size atomic.Int64

	// wbErr is the first unreported writeback error, surfaced to the next
	// explicit consistency check via TakeError.
	wbErrMu sync.Mutex
	wbErr   error

	// releaser, if set, is called with each page being removed from the
	// mapping so that its private attachment can be detached and checked.
	releaser func(*Page)
}

// NewMapping creates an empty mapping with the given page size.
func NewMapping(pageSize int) *Mapping {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("pagecache: page size %d is not a power of two", pageSize))
	}
	m := &Mapping{
		pageSize: pageSize,
		pages:    make(map[int64]*Page),
	}
	m.pool.New = func() any {
		return make([]byte, pageSize)
	}
	return m
}

// PageSize returns the mapping's page size in bytes.
func (m *Mapping) PageSize() int {
	return m.pageSize
}

// Size returns the file's in-memory size.
func (m *Mapping) Size() int64 {
	return m.size.Load()
}

// SetSize sets the file's in-memory size.
func (m *Mapping) SetSize(n int64) {
	m.size.Store(n)
}

// SetReleaser registers f to be called for every page removed from the
// mapping, before the page's payload is recycled.
func (m *Mapping) SetReleaser(f func(*Page)) {
	m.releaser = f
}

// SetError records err as the mapping's sticky writeback error. Only the
// first error since the last TakeError is kept.
func (m *Mapping) SetError(err error) {
	if err == nil {
		return
	}
	m.wbErrMu.Lock()
	if m.wbErr == nil {
		m.wbErr = err
	}
	m.wbErrMu.Unlock()
}

// TakeError returns and clears the mapping's sticky writeback error.
func (m *Mapping) TakeError() error {
	m.wbErrMu.Lock()
	err := m.wbErr
	m.wbErr = nil
	m.wbErrMu.Unlock()
	return err
}

// Find returns the page at the given index, or nil if it is not cached. The
// returned page is not locked.
func (m *Mapping) Find(index int64) *Page {
	m.mu.Lock()
	p := m.pages[index]
	m.mu.Unlock()
	return p
}

// GrabOpts configures Grab.
type GrabOpts struct {
	// Create allocates the page if it is not cached.
	Create bool

	// NoWait makes Grab return nil rather than block if the page is
	// cached but locked by someone else.
	NoWait bool
}

// Grab returns the page at the given index, locked. If the page is not
// cached and opts.Create is set, a zeroed page is allocated and inserted.
// Returns nil if the page is not cached and opts.Create is unset, or if
// opts.NoWait is set and the page lock could not be taken immediately.
func (m *Mapping) Grab(index int64, opts GrabOpts) *Page {
	m.mu.Lock()
	p := m.pages[index]
	if p == nil {
		if !opts.Create {
			m.mu.Unlock()
			return nil
		}
		data := m.pool.Get().([]byte)
		clear(data)
		p = newPage(m, index, data)
		p.locked = true // born locked, no contention possible yet
		m.pages[index] = p
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()
	if opts.NoWait {
		if !p.TryLock() {
			return nil
		}
		return p
	}
	p.Lock()
	return p
}

// Remove detaches the page from the mapping and recycles its payload. The
// releaser runs first so private attachments can be detached.
//
// Preconditions: the caller holds the page lock. The page is neither dirty
// nor under writeback.
func (m *Mapping) Remove(p *Page) {
	if p.Dirty() || p.Writeback() {
		logrus.WithFields(logrus.Fields{
			"index":     p.Index(),
			"dirty":     p.Dirty(),
			"writeback": p.Writeback(),
		}).Warn("pagecache: removing busy page")
	}
	if m.releaser != nil {
		m.releaser(p)
	}
	m.mu.Lock()
	if m.pages[p.index] == p {
		delete(m.pages, p.index)
	}
	m.mu.Unlock()
	data := p.data
	p.data = nil
	m.pool.Put(data)
}

// TruncateRange drops all pages lying entirely inside [start, end). Used to
// punch out newly created pages beyond EOF after a failed write.
func (m *Mapping) TruncateRange(start, end int64) {
	ps := int64(m.pageSize)
	firstIndex := (start + ps - 1) / ps
	endIndex := end / ps
	for _, p := range m.pagesInRange(firstIndex, endIndex) {
		p.Lock()
		p.ClearDirty()
		p.ClearUptodate()
		m.Remove(p)
		p.Unlock()
	}
}

// DirtyPages returns the dirty pages whose offsets intersect [start, end),
// in ascending index order. The pages are not locked; writeback locks each
// in turn and re-checks the dirty flag.
func (m *Mapping) DirtyPages(start, end int64) []*Page {
	ps := int64(m.pageSize)
	var dirty []*Page
	m.mu.Lock()
	for _, p := range m.pages {
		if !p.Dirty() {
			continue
		}
		off := p.index * ps
		if off < end && off+ps > start {
			dirty = append(dirty, p)
		}
	}
	m.mu.Unlock()
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].index < dirty[j].index })
	return dirty
}

// Pages returns all cached pages in ascending index order.
func (m *Mapping) Pages() []*Page {
	m.mu.Lock()
	all := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		all = append(all, p)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].index < all[j].index })
	return all
}

func (m *Mapping) pagesInRange(firstIndex, endIndex int64) []*Page {
	var in []*Page
	m.mu.Lock()
	for _, p := range m.pages {
		if p.index >= firstIndex && p.index < endIndex {
			in = append(in, p)
		}
	}
	m.mu.Unlock()
	sort.Slice(in, func(i, j int) bool { return in[i].index < in[j].index })
	return in
}
