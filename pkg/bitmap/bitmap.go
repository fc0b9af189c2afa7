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

// Package bitmap provides a fixed-size bitmap with efficient range
// operations.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap implements a fixed-size bitmap. The zero value is a bitmap of size
// zero.
type Bitmap struct {
	// size is the number of bits tracked by the bitmap.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// words holds the bits, 64 per entry.
	words []uint64
}

// New creates a new Bitmap of the given size with all bits clear.
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits tracked by the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Full returns true if every bit is set.
func (b *Bitmap) Full() bool {
	return b.numOnes == b.size
}

// NumOnes returns the number of set bits.
func (b *Bitmap) NumOnes() uint32 {
	return b.numOnes
}

// Test returns the value of bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Test(i uint32) bool {
	return b.words[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if b.words[word]&mask == 0 {
		b.words[word] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if b.words[word]&mask != 0 {
		b.words[word] &^= mask
		b.numOnes--
	}
}

// wordMask returns a mask of the bits of a single word covered by [begin,
// end), where begin and end are bit indices within the word's range.
func wordMask(begin, end uint32) uint64 {
	return (^uint64(0) << (begin % 64)) & (^uint64(0) >> (63 - (end-1)%64))
}

// SetRange sets the bits in [begin, end). Setting an already-set bit is a
// no-op, so overlapping calls are idempotent.
//
// Preconditions: begin <= end <= b.Size().
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	firstWord, lastWord := begin/64, (end-1)/64
	if firstWord == lastWord {
		b.setWord(firstWord, wordMask(begin, end))
		return
	}
	b.setWord(firstWord, wordMask(begin, 64))
	for w := firstWord + 1; w < lastWord; w++ {
		b.setWord(w, ^uint64(0))
	}
	b.setWord(lastWord, wordMask(0, end))
}

// ClearRange clears the bits in [begin, end).
//
// Preconditions: begin <= end <= b.Size().
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	firstWord, lastWord := begin/64, (end-1)/64
	if firstWord == lastWord {
		b.clearWord(firstWord, wordMask(begin, end))
		return
	}
	b.clearWord(firstWord, wordMask(begin, 64))
	for w := firstWord + 1; w < lastWord; w++ {
		b.clearWord(w, ^uint64(0))
	}
	b.clearWord(lastWord, wordMask(0, end))
}

func (b *Bitmap) setWord(w uint32, mask uint64) {
	added := mask &^ b.words[w]
	if added != 0 {
		b.words[w] |= added
		b.numOnes += uint32(bits.OnesCount64(added))
	}
}

func (b *Bitmap) clearWord(w uint32, mask uint64) {
	removed := mask & b.words[w]
	if removed != 0 {
		b.words[w] &^= removed
		b.numOnes -= uint32(bits.OnesCount64(removed))
	}
}

// TestRange returns true only if every bit in [begin, end) is set.
//
// Preconditions: begin <= end <= b.Size().
func (b *Bitmap) TestRange(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	firstWord, lastWord := begin/64, (end-1)/64
	if firstWord == lastWord {
		mask := wordMask(begin, end)
		return b.words[firstWord]&mask == mask
	}
	if mask := wordMask(begin, 64); b.words[firstWord]&mask != mask {
		return false
	}
	for w := firstWord + 1; w < lastWord; w++ {
		if b.words[w] != ^uint64(0) {
			return false
		}
	}
	mask := wordMask(0, end)
	return b.words[lastWord]&mask == mask
}

// FirstZero returns the index of the first clear bit at or after start.
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	for i := start; i < b.size; i++ {
		if !b.Test(i) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("bitmap has no clear bits in [%d, %d)", start, b.size)
}

// FirstOne returns the index of the first set bit at or after start.
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	i, nbit := int(start/64), start%64
	n := len(b.words)
	if i >= n {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	w := b.words[i] &^ ((uint64(1) << nbit) - 1)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), nil
		}
		i++
		if i == n {
			return 0, fmt.Errorf("bitmap has no set bits in [%d, %d)", start, b.size)
		}
		w = b.words[i]
	}
}

// Clone returns a copy of the bitmap.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{b.size, b.numOnes, make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}

// ToSlice returns the indices of all set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	base := 0
	for _, w := range b.words {
		for w != 0 {
			lsb := w & -w
			s = append(s, uint32(base+bits.OnesCount64(lsb-1)))
			w ^= lsb
		}
		base += 64
	}
	return s
}
