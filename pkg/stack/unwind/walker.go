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

import "fmt"

// Registers is the architecture-normalised register state of an
// interrupted thread.
type Registers struct {
	PC uint64
	FP uint64
	SP uint64
	// AltSP is a second stack pointer some runtimes keep in a dedicated
	// register (x15 on arm64). It equals SP where there is none.
	AltSP uint64
	// LR is the link register, zero where the architecture has none.
	LR uint64
}

// Bounds is the address range [Low, High) of a thread's stack.
type Bounds struct {
	Low  uint64
	High uint64
}

func (b Bounds) Valid() bool {
	return b.Low > 0 && b.Low < b.High
}

func (b Bounds) Contains(addr uint64) bool {
	return addr >= b.Low && addr < b.High
}

// Memory reads words of the target's address space.
type Memory interface {
	// ReadWord reads size bytes at addr. It reports false when the
	// address is not readable.
	ReadWord(addr uint64, size int) (uint64, bool)
}

// Policy selects how candidate frame pointers are validated.
type Policy int

const (
	// PolicyThreadBounds accepts a frame pointer when the word after it lies
	// within the thread's stack, between the last accepted frame and the
	// upper bound.
	PolicyThreadBounds Policy = iota
	// PolicyWindow accepts a frame pointer when it is word aligned and lies
	// within WindowSize bytes above the current stack pointer or the
	// alternate stack pointer.
	PolicyWindow
)

// WindowSize is the span above a stack pointer in which PolicyWindow looks
// for the frame pointer.
const WindowSize = 4096

func (p Policy) String() string {
	switch p {
	case PolicyThreadBounds:
		return "thread_bounds"
	case PolicyWindow:
		return "window"
	default:
		return "unknown"
	}
}

// ParsePolicy returns the policy named s, as printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case PolicyThreadBounds.String():
		return PolicyThreadBounds, nil
	case PolicyWindow.String():
		return PolicyWindow, nil
	default:
		return 0, fmt.Errorf("unknown unwind policy %q", s)
	}
}

// NeedsBounds reports whether the policy consults thread stack bounds.
func (p Policy) NeedsBounds() bool {
	return p == PolicyThreadBounds
}

// Walker follows the frame-pointer chain of an interrupted thread.
// Walk does not allocate, so a Walker may be used on hot paths.
type Walker struct {
	layout FrameLayout
	policy Policy
	mask   uint64
}

func NewWalker(layout FrameLayout, policy Policy) *Walker {
	return &Walker{
		layout: layout,
		policy: policy,
		mask:   layout.wordMask(),
	}
}

func (w *Walker) Policy() Policy {
	return w.policy
}

func (w *Walker) Layout() FrameLayout {
	return w.layout
}

// Walk writes the program counters of the stack described by regs into buf,
// innermost first, followed by a 0 terminator. It returns the number of
// frames written, excluding the terminator, which is at most len(buf)-1.
// A degenerate stack yields a short or empty sample.
func (w *Walker) Walk(regs Registers, bounds Bounds, mem Memory, buf []uint64) int {
	if len(buf) == 0 {
		return 0
	}

	var n int
	switch w.policy {
	case PolicyWindow:
		n = w.walkWindow(regs, mem, buf[:len(buf)-1])
	default:
		n = w.walkThreadBounds(regs, bounds, mem, buf[:len(buf)-1])
	}
	buf[n] = 0
	return n
}

func (w *Walker) walkThreadBounds(regs Registers, bounds Bounds, mem Memory, out []uint64) int {
	if !bounds.Valid() || !bounds.Contains(regs.SP) || !bounds.Contains(regs.FP) {
		return 0
	}
	if len(out) == 0 {
		return 0
	}

	lower, upper := bounds.Low, bounds.High
	if regs.SP > lower {
		lower = regs.SP
	}

	n := 0
	out[n] = regs.PC
	n++

	fp := regs.FP
	if !w.withinBounds(fp, lower, upper) {
		return n
	}

	for n < len(out) {
		pc, callerFP, ok := w.caller(mem, fp)
		if !ok {
			break
		}
		if callerFP == 0 || callerFP <= fp {
			break
		}
		if !w.withinBounds(callerFP, lower, upper) {
			break
		}
		if !w.validPC(pc) {
			break
		}

		lower = callerFP
		out[n] = pc
		n++
		fp = callerFP
	}
	return n
}

func (w *Walker) walkWindow(regs Registers, mem Memory, out []uint64) int {
	pc, fp := regs.PC, regs.FP
	sp, altSP := regs.SP, regs.AltSP

	n := 0
	for n < len(out) && w.withinWindow(fp, sp, altSP) {
		out[n] = pc
		n++

		callerPC, callerFP, ok := w.caller(mem, fp)
		if !ok {
			break
		}
		if callerFP <= fp || !w.validPC(callerPC) {
			break
		}

		callerSP := fp + uint64(w.layout.CallerSPOffset)
		sp, altSP = callerSP, callerSP
		fp, pc = callerFP, callerPC
	}

	// The interrupted PC is known even when the frame pointer is not usable.
	if n == 0 && len(out) > 0 && pc != 0 {
		out[n] = pc
		n++
	}
	return n
}

func (w *Walker) caller(mem Memory, fp uint64) (pc, callerFP uint64, ok bool) {
	size := w.layout.WordSize
	pc, ok = mem.ReadWord(w.layout.slot(fp, w.layout.PCSlot), size)
	if !ok {
		return 0, 0, false
	}
	callerFP, ok = mem.ReadWord(w.layout.slot(fp, w.layout.FPSlot), size)
	if !ok {
		return 0, 0, false
	}
	return pc & w.mask, callerFP & w.mask, true
}

// validPC rejects 0, which would read as the terminator, and values whose
// successor overflows the word.
func (w *Walker) validPC(pc uint64) bool {
	return pc != 0 && pc != w.mask
}

func (w *Walker) withinBounds(fp, lower, upper uint64) bool {
	if fp == 0 {
		return false
	}
	cursor := fp + uint64(w.layout.WordSize)
	if cursor < fp {
		return false
	}
	return cursor >= lower && cursor < upper
}

func (w *Walker) withinWindow(fp, sp, altSP uint64) bool {
	if fp == 0 || sp == 0 {
		return false
	}
	if fp&uint64(w.layout.WordSize-1) != 0 {
		return false
	}
	return between(fp, sp, sp+WindowSize) || between(fp, altSP, altSP+WindowSize)
}

func between(v, low, high uint64) bool {
	return low <= v && v <= high
}
