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

package extent

import "testing"

func TestContains(t *testing.T) {
	e := Extent{Type: Mapped, Offset: 4096, Length: 8192}
	tests := []struct {
		pos  int64
		want bool
	}{
		{4095, false},
		{4096, true},
		{12287, true},
		{12288, false},
	}
	for _, tt := range tests {
		if got := e.Contains(tt.pos); got != tt.want {
			t.Errorf("Contains(%d) = %t, want %t", tt.pos, got, tt.want)
		}
	}
	if got, want := e.End(), int64(12288); got != want {
		t.Errorf("End() = %d, want %d", got, want)
	}
}

func TestSector(t *testing.T) {
	e := Extent{Type: Mapped, Offset: 8192, Length: 8192, DevOffset: 1 << 20}
	if got, want := e.Sector(8192, 512), int64(2048); got != want {
		t.Errorf("Sector(8192) = %d, want %d", got, want)
	}
	if got, want := e.Sector(8192+512, 512), int64(2049); got != want {
		t.Errorf("Sector(8704) = %d, want %d", got, want)
	}
}

func TestTypeString(t *testing.T) {
	for typ, want := range map[Type]string{
		Hole:      "hole",
		Unwritten: "unwritten",
		Mapped:    "mapped",
		Inline:    "inline",
		Type(99):  "invalid",
	} {
		if got := typ.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", typ, got, want)
		}
	}
}
