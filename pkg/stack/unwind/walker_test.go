// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stack-sampler/pkg/byteorder"
)

const stackBase = uint64(0x7ffe_0000_0000)

type fakeStack struct {
	layout FrameLayout
	copy   *StackCopy
}

func newFakeStack(t *testing.T, arch string, size int) *fakeStack {
	t.Helper()
	return newFakeStackAt(t, arch, stackBase, size)
}

func newFakeStackAt(t *testing.T, arch string, base uint64, size int) *fakeStack {
	t.Helper()

	layout, err := LayoutFor(arch)
	require.NoError(t, err)

	c := NewStackCopy(size)
	c.Reset(base, size)
	return &fakeStack{layout: layout, copy: c}
}

func (s *fakeStack) put(addr, v uint64) {
	off := addr - s.copy.Base
	byteorder.PutWord(s.copy.Data[off:], v, s.layout.WordSize)
}

// frame stores a saved caller frame pointer and return address for the
// frame at fp.
func (s *fakeStack) frame(fp, callerFP, pc uint64) {
	s.put(s.layout.slot(fp, s.layout.FPSlot), callerFP)
	s.put(s.layout.slot(fp, s.layout.PCSlot), pc)
}

// chain lays out len(pcs) linked frames starting at base+first, step bytes
// apart; the outermost frame links to 0.
func (s *fakeStack) chain(first, step uint64, pcs ...uint64) []uint64 {
	fps := make([]uint64, len(pcs))
	for i := range pcs {
		fps[i] = s.copy.Base + first + uint64(i)*step
	}
	for i, pc := range pcs {
		var callerFP uint64
		if i+1 < len(fps) {
			callerFP = fps[i+1]
		}
		s.frame(fps[i], callerFP, pc)
	}
	return fps
}

func walk(w *Walker, regs Registers, bounds Bounds, mem Memory, size int) []uint64 {
	buf := make([]uint64, size)
	n := w.Walk(regs, bounds, mem, buf)
	return buf[:n+1]
}

func TestWalkThreadBounds(t *testing.T) {
	bounds := Bounds{Low: stackBase, High: stackBase + 0x2000}

	testcases := []struct {
		name   string
		setup  func(s *fakeStack) Registers
		bounds Bounds
		size   int
		want   []uint64
	}{
		{
			name: "full chain",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002, 0x1003, 0x1004, 0x1005)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			// The outermost frame links to 0, so its return address is not taken.
			want: []uint64{0xaaaa, 0x1001, 0x1002, 0x1003, 0x1004, 0},
		},
		{
			name: "buffer bounds depth",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002, 0x1003, 0x1004, 0x1005)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   3,
			want:   []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "single slot buffer",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   1,
			want:   []uint64{0},
		},
		{
			name: "cycle terminates",
			setup: func(s *fakeStack) Registers {
				fp1, fp2 := stackBase+0x100, stackBase+0x200
				s.frame(fp1, fp2, 0x1001)
				s.frame(fp2, fp1, 0x1002)
				return Registers{PC: 0xaaaa, FP: fp1, SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "self link terminates",
			setup: func(s *fakeStack) Registers {
				fp1 := stackBase + 0x100
				s.frame(fp1, fp1, 0x1001)
				return Registers{PC: 0xaaaa, FP: fp1, SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0},
		},
		{
			name: "pc overflow terminates",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, ^uint64(0), 0x1003)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "zero pc terminates",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0, 0x1003)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "unusable bounds give an empty sample",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: Bounds{Low: stackBase + 0x2000, High: stackBase},
			size:   64,
			want:   []uint64{0},
		},
		{
			name: "sp outside bounds gives an empty sample",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x3000}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0},
		},
		{
			name: "frame pointer below stack pointer keeps the pc only",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x180}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0},
		},
		{
			name: "caller frame above upper bound terminates",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				s.frame(fps[1], stackBase+0x3000, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "unreadable memory terminates",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002)
				s.frame(fps[1], stackBase+0x1f00, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80}
			},
			// Bounds extend past the 0x1000 bytes that were copied.
			bounds: bounds,
			size:   64,
			want:   []uint64{0xaaaa, 0x1001, 0x1002, 0},
		},
	}

	for _, tt := range testcases {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStack(t, "amd64", 0x1000)
			regs := tt.setup(s)
			w := NewWalker(s.layout, PolicyThreadBounds)
			got := walk(w, regs, tt.bounds, s.copy, tt.size)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWalkWindow(t *testing.T) {
	testcases := []struct {
		name  string
		setup func(s *fakeStack) Registers
		want  []uint64
	}{
		{
			name: "chain within windows",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x100, 0x100, 0x1001, 0x1002, 0x1003)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80, AltSP: stackBase + 0x80}
			},
			want: []uint64{0xaaaa, 0x1001, 0x1002, 0},
		},
		{
			name: "misaligned frame pointer keeps the pc only",
			setup: func(s *fakeStack) Registers {
				return Registers{PC: 0xaaaa, FP: stackBase + 0x103, SP: stackBase + 0x80, AltSP: stackBase + 0x80}
			},
			want: []uint64{0xaaaa, 0},
		},
		{
			name: "frame pointer outside both windows keeps the pc only",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x1f00, 0x10, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase, AltSP: stackBase}
			},
			want: []uint64{0xaaaa, 0},
		},
		{
			name: "alternate stack pointer window",
			setup: func(s *fakeStack) Registers {
				fps := s.chain(0x1f00, 0x10, 0x1001, 0x1002)
				return Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase, AltSP: stackBase + 0x1e00}
			},
			want: []uint64{0xaaaa, 0x1001, 0},
		},
		{
			name: "caller too far from caller stack pointer",
			setup: func(s *fakeStack) Registers {
				fp1 := stackBase + 0x100
				s.frame(fp1, stackBase+0x100+0x10+WindowSize+0x10, 0x1001)
				return Registers{PC: 0xaaaa, FP: fp1, SP: stackBase + 0x80, AltSP: stackBase + 0x80}
			},
			want: []uint64{0xaaaa, 0},
		},
		{
			name: "zero frame pointer keeps the pc only",
			setup: func(s *fakeStack) Registers {
				return Registers{PC: 0xaaaa, SP: stackBase + 0x80, AltSP: stackBase + 0x80}
			},
			want: []uint64{0xaaaa, 0},
		},
	}

	for _, tt := range testcases {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStack(t, "amd64", 0x6000)
			regs := tt.setup(s)
			w := NewWalker(s.layout, PolicyWindow)
			got := walk(w, regs, Bounds{}, s.copy, 64)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Walk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWalkNegativeSlots(t *testing.T) {
	s := newFakeStack(t, "riscv64", 0x1000)
	fps := s.chain(0x100, 0x100, 0x1001, 0x1002, 0x1003)
	w := NewWalker(s.layout, PolicyThreadBounds)

	got := walk(w, Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x40}, Bounds{Low: stackBase, High: stackBase + 0x1000}, s.copy, 16)
	require.Equal(t, []uint64{0xaaaa, 0x1001, 0x1002, 0}, got)
}

func TestWalk32Bit(t *testing.T) {
	base := uint64(0x7f00_0000)
	s := newFakeStackAt(t, "arm", base, 0x1000)
	fps := s.chain(0x100, 0x40, 0x1001, 0xffff_ffff, 0x1003)
	w := NewWalker(s.layout, PolicyThreadBounds)

	got := walk(w, Registers{PC: 0xaaaa, FP: fps[0], SP: base + 0x40}, Bounds{Low: base, High: base + 0x1000}, s.copy, 16)
	require.Equal(t, []uint64{0xaaaa, 0x1001, 0}, got)
}

func TestWalkEmptyBuffer(t *testing.T) {
	s := newFakeStack(t, "amd64", 0x100)
	w := NewWalker(s.layout, PolicyThreadBounds)
	require.Equal(t, 0, w.Walk(Registers{PC: 1}, Bounds{}, s.copy, nil))
}

func TestWalkDoesNotAllocate(t *testing.T) {
	s := newFakeStack(t, "amd64", 0x1000)
	fps := s.chain(0x100, 0x100, 0x1001, 0x1002, 0x1003, 0x1004)
	regs := Registers{PC: 0xaaaa, FP: fps[0], SP: stackBase + 0x80, AltSP: stackBase + 0x80}
	bounds := Bounds{Low: stackBase, High: stackBase + 0x1000}
	buf := make([]uint64, 32)

	for _, p := range []Policy{PolicyThreadBounds, PolicyWindow} {
		w := NewWalker(s.layout, p)
		allocs := testing.AllocsPerRun(100, func() {
			w.Walk(regs, bounds, s.copy, buf)
		})
		require.Zero(t, allocs, p.String())
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyThreadBounds, PolicyWindow} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := ParsePolicy("dwarf")
	require.Error(t, err)
}

func TestLayoutFor(t *testing.T) {
	_, err := LayoutFor("mips")
	require.ErrorIs(t, err, ErrUnsupportedArch)

	l, err := LayoutFor("riscv64")
	require.NoError(t, err)
	require.Equal(t, stackBase+0x100-8, l.slot(stackBase+0x100, l.PCSlot))
	require.Equal(t, stackBase+0x100-16, l.slot(stackBase+0x100, l.FPSlot))
}

func TestStackCopyReadWord(t *testing.T) {
	s := newFakeStack(t, "amd64", 0x20)
	s.put(stackBase+0x8, 42)

	v, ok := s.copy.ReadWord(stackBase+0x8, 8)
	require.True(t, ok)
	require.Equal(t, uint64(42), v)

	_, ok = s.copy.ReadWord(stackBase-8, 8)
	require.False(t, ok)
	_, ok = s.copy.ReadWord(stackBase+0x1c, 8)
	require.False(t, ok)
	_, ok = s.copy.ReadWord(stackBase+0x1c, 4)
	require.True(t, ok)
}
