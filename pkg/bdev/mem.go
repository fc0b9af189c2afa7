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

package bdev

import (
	"golang.org/x/sys/unix"

	"pageio.dev/pageio/pkg/sync"
)

// MemDevice is a Device backed by an in-memory sector store. Submissions
// complete asynchronously on their own goroutines, which makes it a faithful
// stand-in for a real request queue in tests.
type MemDevice struct {
	// InjectErr, if non-nil, is consulted before each request executes;
	// a non-nil return fails the request with that error. Test hook.
	InjectErr func(r *Request) error

	// FailLargeAlloc makes AllocRequest fail for nsegs > 1, exercising
	// callers' single-segment fallback. Test hook.
	FailLargeAlloc bool

	sectorSize int

	mu   sync.Mutex
	data []byte

	wg sync.WaitGroup
}

// NewMemDevice returns a zero-filled in-memory device of the given size.
func NewMemDevice(size int64, sectorSize int) *MemDevice {
	return &MemDevice{
		sectorSize: sectorSize,
		data:       make([]byte, size),
	}
}

// SectorSize implements Device.SectorSize.
func (d *MemDevice) SectorSize() int {
	return d.sectorSize
}

// Submit implements Device.Submit.
func (d *MemDevice) Submit(r *Request) {
	d.wg.Add(1)
	go func() {
		err := d.do(r)
		if r.OnComplete != nil {
			r.OnComplete(err)
		}
		d.wg.Done()
	}()
}

// SubmitWait implements Device.SubmitWait.
func (d *MemDevice) SubmitWait(r *Request) error {
	return d.do(r)
}

// Close implements Device.Close.
func (d *MemDevice) Close() error {
	d.wg.Wait()
	return nil
}

// AllocRequest implements Allocator.AllocRequest.
func (d *MemDevice) AllocRequest(op Op, sector int64, nsegs int) (*Request, error) {
	if d.FailLargeAlloc && nsegs > 1 {
		return nil, unix.ENOMEM
	}
	return NewRequest(op, sector, nsegs, d.sectorSize), nil
}

func (d *MemDevice) do(r *Request) error {
	if d.InjectErr != nil {
		if err := d.InjectErr(r); err != nil {
			return err
		}
	}
	off := r.Sector() * int64(d.sectorSize)
	if off < 0 || off+int64(r.Bytes()) > int64(len(d.data)) {
		return unix.EIO
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seg := range r.Segments() {
		buf := seg.Page.Data()[seg.Off : seg.Off+seg.Len]
		switch r.Op() {
		case OpRead:
			copy(buf, d.data[off:])
		case OpWrite:
			copy(d.data[off:], buf)
		}
		off += int64(seg.Len)
	}
	return nil
}

// ReadAt copies device contents at off into b. Test helper.
func (d *MemDevice) ReadAt(b []byte, off int64) {
	d.mu.Lock()
	copy(b, d.data[off:])
	d.mu.Unlock()
}

// WriteAt copies b into the device at off. Test helper.
func (d *MemDevice) WriteAt(b []byte, off int64) {
	d.mu.Lock()
	copy(d.data[off:], b)
	d.mu.Unlock()
}
