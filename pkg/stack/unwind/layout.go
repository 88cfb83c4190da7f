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
	"errors"
	"fmt"
	"runtime"
)

var ErrUnsupportedArch = errors.New("unsupported architecture")

// FrameLayout describes where a frame-pointer based frame keeps the saved
// caller values, in words relative to the frame pointer.
type FrameLayout struct {
	Arch     string
	WordSize int
	// PCSlot is the word offset of the saved return address.
	PCSlot int
	// FPSlot is the word offset of the saved caller frame pointer.
	FPSlot int
	// CallerSPOffset is the byte offset from the frame pointer to the
	// caller's stack pointer once the frame is popped.
	CallerSPOffset int
}

var layouts = map[string]FrameLayout{
	"amd64":   {Arch: "amd64", WordSize: 8, PCSlot: 1, FPSlot: 0, CallerSPOffset: 16},
	"arm64":   {Arch: "arm64", WordSize: 8, PCSlot: 1, FPSlot: 0, CallerSPOffset: 16},
	"386":     {Arch: "386", WordSize: 4, PCSlot: 1, FPSlot: 0, CallerSPOffset: 8},
	"arm":     {Arch: "arm", WordSize: 4, PCSlot: 1, FPSlot: 0, CallerSPOffset: 8},
	"riscv64": {Arch: "riscv64", WordSize: 8, PCSlot: -1, FPSlot: -2, CallerSPOffset: 0},
}

// LayoutFor returns the frame layout of the given GOARCH.
func LayoutFor(arch string) (FrameLayout, error) {
	l, ok := layouts[arch]
	if !ok {
		return FrameLayout{}, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
	}
	return l, nil
}

// HostLayout returns the frame layout of the running binary.
func HostLayout() (FrameLayout, error) {
	return LayoutFor(runtime.GOARCH)
}

func (l FrameLayout) wordMask() uint64 {
	if l.WordSize >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*uint(l.WordSize)) - 1
}

func (l FrameLayout) slot(fp uint64, slot int) uint64 {
	// Two's complement wrap handles negative slots.
	return fp + uint64(int64(slot)*int64(l.WordSize))
}
