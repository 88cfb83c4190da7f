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

//go:build linux && amd64

package interrupt

import (
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
)

func readRegisters(tid int) (unwind.Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return unwind.Registers{}, err
	}
	return unwind.Registers{
		PC:    regs.Rip,
		FP:    regs.Rbp,
		SP:    regs.Rsp,
		AltSP: regs.Rsp,
	}, nil
}
