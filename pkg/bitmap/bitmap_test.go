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

package bitmap

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetRange(t *testing.T) {
	tests := []struct {
		size   uint32
		ranges [][2]uint32
		want   []uint32
	}{
		{8, [][2]uint32{{0, 8}}, []uint32{0, 1, 2, 3, 4, 5, 6, 7}},
		{8, [][2]uint32{{2, 5}}, []uint32{2, 3, 4}},
		{8, [][2]uint32{{2, 5}, {2, 5}}, []uint32{2, 3, 4}},
		{8, [][2]uint32{{0, 3}, {5, 8}}, []uint32{0, 1, 2, 5, 6, 7}},
		{8, [][2]uint32{{0, 3}, {2, 6}}, []uint32{0, 1, 2, 3, 4, 5}},
		{8, [][2]uint32{{3, 3}}, nil},
		{200, [][2]uint32{{60, 70}}, []uint32{60, 61, 62, 63, 64, 65, 66, 67, 68, 69}},
		{200, [][2]uint32{{0, 200}, {50, 150}}, nil}, // checked via Full below
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			b := New(tt.size)
			for _, r := range tt.ranges {
				b.SetRange(r[0], r[1])
			}
			if tt.want != nil {
				got := b.ToSlice()
				want := tt.want
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
				}
				if got, want := b.NumOnes(), uint32(len(tt.want)); got != want {
					t.Errorf("NumOnes() = %d, want %d", got, want)
				}
			}
		})
	}
}

func TestSetRangeIdempotent(t *testing.T) {
	b := New(128)
	b.SetRange(10, 90)
	ones := b.NumOnes()
	b.SetRange(10, 90)
	b.SetRange(30, 60)
	if got := b.NumOnes(); got != ones {
		t.Errorf("NumOnes() = %d after re-setting, want %d", got, ones)
	}
}

func TestFull(t *testing.T) {
	b := New(96)
	b.SetRange(0, 95)
	if b.Full() {
		t.Error("Full() = true with one bit clear")
	}
	b.Add(95)
	if !b.Full() {
		t.Error("Full() = false with all bits set")
	}
	b.Remove(0)
	if b.Full() {
		t.Error("Full() = true after Remove")
	}
	if b.IsEmpty() {
		t.Error("IsEmpty() = true with bits set")
	}
}

func TestClearRange(t *testing.T) {
	b := New(200)
	b.SetRange(0, 200)
	b.ClearRange(60, 140)
	for i := uint32(0); i < 200; i++ {
		want := i < 60 || i >= 140
		if got := b.Test(i); got != want {
			t.Fatalf("Test(%d) = %t, want %t", i, got, want)
		}
	}
	if got, want := b.NumOnes(), uint32(120); got != want {
		t.Errorf("NumOnes() = %d, want %d", got, want)
	}
}

func TestTestRange(t *testing.T) {
	b := New(200)
	b.SetRange(64, 128)
	tests := []struct {
		begin, end uint32
		want       bool
	}{
		{64, 128, true},
		{64, 65, true},
		{70, 100, true},
		{63, 128, false},
		{64, 129, false},
		{0, 200, false},
		{100, 100, true}, // empty range is vacuously set
	}
	for _, tt := range tests {
		if got := b.TestRange(tt.begin, tt.end); got != tt.want {
			t.Errorf("TestRange(%d, %d) = %t, want %t", tt.begin, tt.end, got, tt.want)
		}
	}
}

func TestFirstZeroFirstOne(t *testing.T) {
	b := New(130)
	b.SetRange(0, 100)

	if i, err := b.FirstZero(0); err != nil || i != 100 {
		t.Errorf("FirstZero(0) = (%d, %v), want (100, nil)", i, err)
	}
	if i, err := b.FirstOne(50); err != nil || i != 50 {
		t.Errorf("FirstOne(50) = (%d, %v), want (50, nil)", i, err)
	}
	if _, err := b.FirstOne(100); err == nil {
		t.Error("FirstOne(100) succeeded on all-clear tail")
	}
	b.SetRange(100, 130)
	if _, err := b.FirstZero(0); err == nil {
		t.Error("FirstZero(0) succeeded on full bitmap")
	}
}

func TestClone(t *testing.T) {
	b := New(100)
	b.SetRange(10, 20)
	c := b.Clone()
	c.SetRange(50, 60)
	if b.Test(50) {
		t.Error("mutating clone changed original")
	}
	if got, want := c.NumOnes(), uint32(20); got != want {
		t.Errorf("clone NumOnes() = %d, want %d", got, want)
	}
}
