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

//go:build linux && arm64

package interrupt

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
)

// ntPRStatus selects the general purpose register set.
const ntPRStatus = 1

func readRegisters(tid int) (unwind.Registers, error) {
	var regs unix.PtraceRegs
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&regs))}
	iov.SetLen(int(unsafe.Sizeof(regs)))
	if err := ptrace(unix.PTRACE_GETREGSET, tid, ntPRStatus, uintptr(unsafe.Pointer(&iov))); err != nil {
		return unwind.Registers{}, err
	}
	return unwind.Registers{
		PC:    regs.Pc,
		FP:    regs.Regs[29],
		SP:    regs.Sp,
		AltSP: regs.Regs[15],
		LR:    regs.Regs[30],
	}, nil
}
