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
)

// actorFunc is invoked once per resolved extent with the position, the
// number of bytes of the request remaining within the extent, and the
// destination and source extents. It returns the number of bytes it advanced
// over, which may be less than length (e.g. stopping at an already-uptodate
// boundary); the iterator resumes from there on the next extent.
type actorFunc func(pos, length int64, dst, src *extent.Extent) (int64, error)

// apply is the single dispatch point for every read, write, zero and
// unshare operation: it walks [pos, pos+length) across possibly
// discontiguous extents, resolving each through the inode's resolver and
// handing it to the actor. It owns no state across iterations beyond the
// loop counters.
//
// Returns the number of bytes processed before completion or error.
func (ino *Inode) apply(ctx context.Context, pos, length int64, flags extent.MapFlags, actor actorFunc) (int64, error) {
	var processed int64
	for length > 0 {
		dst, src, err := ino.res.Map(ctx, pos, length, flags)
		if err != nil {
			return processed, err
		}
		if dst.Length <= 0 || !dst.Contains(pos) {
			contract("resolver returned extent [%d, %d) not covering pos %d",
				dst.Offset, dst.End(), pos)
			return processed, unix.EIO
		}
		if src.Length == 0 {
			src = dst
		}

		avail := dst.End() - pos
		if avail > length {
			avail = length
		}
		n, err := actor(pos, avail, &dst, &src)
		if n > 0 {
			pos += n
			length -= n
			processed += n
		}
		if err != nil {
			return processed, err
		}
		if n <= 0 {
			// The actor made no progress and reported no error:
			// it ran out of input (write sources, readahead
			// pages). Stop here.
			return processed, nil
		}
	}
	return processed, nil
}
