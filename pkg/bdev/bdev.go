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

// Package bdev provides block device request queues: capacity-bounded I/O
// requests carrying page segments, submitted either fire-and-forget with a
// completion callback or synchronously.
package bdev

import (
	"pageio.dev/pageio/pkg/pagecache"
)

// Op is an I/O operation type.
type Op uint8

const (
	// OpRead reads sectors into page segments.
	OpRead Op = iota

	// OpWrite writes page segments to sectors.
	OpWrite
)

// MaxSegments is the default capacity bound of a request.
const MaxSegments = 256

// Segment is a contiguous sub-range of one page's payload.
type Segment struct {
	Page *pagecache.Page
	Off  int
	Len  int
}

// Request is a single I/O submission: an operation, a starting sector, and
// an ordered run of page segments covering storage-contiguous sectors.
//
// The caller building a request guarantees storage contiguity: segment i+1's
// data lands immediately after segment i's on the device. Request only
// enforces the capacity bound and merges page-contiguous appends.
type Request struct {
	// OnComplete, if non-nil, is invoked exactly once with the request's
	// status after an asynchronous Submit. It runs on an arbitrary
	// goroutine and must not block.
	OnComplete func(error)

	op         Op
	sector     int64
	sectorSize int
	nbytes     int
	segs       []Segment
	capSegs    int
}

// NewRequest returns an empty request for the given operation starting at
// the given sector, holding at most nsegs segments.
func NewRequest(op Op, sector int64, nsegs, sectorSize int) *Request {
	if nsegs <= 0 {
		nsegs = 1
	}
	return &Request{
		op:         op,
		sector:     sector,
		sectorSize: sectorSize,
		segs:       make([]Segment, 0, nsegs),
		capSegs:    nsegs,
	}
}

// Op returns the request's operation.
func (r *Request) Op() Op {
	return r.op
}

// Sector returns the request's starting sector.
func (r *Request) Sector() int64 {
	return r.sector
}

// EndSector returns the sector just past the request's accumulated payload.
func (r *Request) EndSector() int64 {
	return r.sector + int64((r.nbytes+r.sectorSize-1)/r.sectorSize)
}

// Bytes returns the accumulated payload length.
func (r *Request) Bytes() int {
	return r.nbytes
}

// Segments returns the request's payload segments.
func (r *Request) Segments() []Segment {
	return r.segs
}

// Full returns true if no further segment slot is available.
func (r *Request) Full() bool {
	return len(r.segs) == r.capSegs
}

// TryAdd appends [off, off+n) of page p to the request's payload. The range
// is merged into the last segment when it continues the same page; otherwise
// it takes a new slot. Returns false, leaving the request unchanged, if a
// new slot is needed and the request is full.
func (r *Request) TryAdd(p *pagecache.Page, off, n int) bool {
	if len(r.segs) > 0 {
		last := &r.segs[len(r.segs)-1]
		if last.Page == p && last.Off+last.Len == off {
			last.Len += n
			r.nbytes += n
			return true
		}
	}
	if r.Full() {
		return false
	}
	r.segs = append(r.segs, Segment{Page: p, Off: off, Len: n})
	r.nbytes += n
	return true
}

// Device is a block device request queue.
type Device interface {
	// SectorSize returns the device's sector size in bytes.
	SectorSize() int

	// Submit enqueues the request and returns immediately. The request's
	// OnComplete callback is invoked later, on an arbitrary goroutine,
	// with the request's status.
	Submit(r *Request)

	// SubmitWait performs the request synchronously and returns its
	// status. OnComplete is not invoked.
	SubmitWait(r *Request) error

	// Close waits for in-flight requests and releases the device's
	// resources.
	Close() error
}

// Allocator is implemented by devices that bound request allocation, e.g.
// under memory pressure. Callers should fall back to a single-segment
// request when a larger allocation fails.
type Allocator interface {
	AllocRequest(op Op, sector int64, nsegs int) (*Request, error)
}

// Alloc allocates a request from d if it implements Allocator, falling back
// to a single-segment request when the larger allocation fails, and to
// NewRequest when d does not bound allocation.
func Alloc(d Device, op Op, sector int64, nsegs int) *Request {
	a, ok := d.(Allocator)
	if !ok {
		return NewRequest(op, sector, nsegs, d.SectorSize())
	}
	r, err := a.AllocRequest(op, sector, nsegs)
	if err == nil {
		return r
	}
	// Retry at minimum granularity to avoid failing the whole operation
	// on a transient allocation failure.
	r, err = a.AllocRequest(op, sector, 1)
	if err == nil {
		return r
	}
	return NewRequest(op, sector, 1, d.SectorSize())
}
