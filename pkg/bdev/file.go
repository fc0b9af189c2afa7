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
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// FileDevice is a Device backed by a host file descriptor (a regular file or
// a raw block device node). Submissions are dispatched to a fixed pool of
// worker goroutines performing pread/pwrite.
//
// FileDevice does not own the descriptor; closing it is the caller's
// responsibility, after Close returns.
type FileDevice struct {
	fd         int
	sectorSize int

	queue chan *Request
	group errgroup.Group
}

// NewFileDevice returns a device over fd with the given number of submission
// workers.
func NewFileDevice(fd int, sectorSize, workers int) *FileDevice {
	if workers <= 0 {
		workers = 1
	}
	d := &FileDevice{
		fd:         fd,
		sectorSize: sectorSize,
		queue:      make(chan *Request, workers),
	}
	for i := 0; i < workers; i++ {
		d.group.Go(d.worker)
	}
	return d
}

// SectorSize implements Device.SectorSize.
func (d *FileDevice) SectorSize() int {
	return d.sectorSize
}

// Submit implements Device.Submit.
func (d *FileDevice) Submit(r *Request) {
	d.queue <- r
}

// SubmitWait implements Device.SubmitWait.
func (d *FileDevice) SubmitWait(r *Request) error {
	return d.do(r)
}

// Close implements Device.Close. It waits for all submitted requests to
// complete.
func (d *FileDevice) Close() error {
	close(d.queue)
	return d.group.Wait()
}

func (d *FileDevice) worker() error {
	for r := range d.queue {
		err := d.do(r)
		if r.OnComplete != nil {
			r.OnComplete(err)
		}
	}
	return nil
}

func (d *FileDevice) do(r *Request) error {
	off := r.Sector() * int64(d.sectorSize)
	for _, seg := range r.Segments() {
		buf := seg.Page.Data()[seg.Off : seg.Off+seg.Len]
		for len(buf) > 0 {
			var n int
			var err error
			switch r.Op() {
			case OpRead:
				n, err = unix.Pread(d.fd, buf, off)
			case OpWrite:
				n, err = unix.Pwrite(d.fd, buf, off)
			}
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("bdev: short transfer at offset %d: %w", off, unix.EIO)
			}
			buf = buf[n:]
			off += int64(n)
		}
	}
	return nil
}
