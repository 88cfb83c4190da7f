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

//go:build linux

package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const maxRemoteIOV = 64

// StackReader copies stack memory out of a process. A StackReader is not
// safe for concurrent use.
type StackReader struct {
	pageSize uint64
	local    []unix.Iovec
	remote   []unix.RemoteIovec
}

func NewStackReader() *StackReader {
	return &StackReader{
		pageSize: uint64(os.Getpagesize()),
		local:    make([]unix.Iovec, 1),
		remote:   make([]unix.RemoteIovec, 0, maxRemoteIOV),
	}
}

// Read copies len(buf) bytes at addr from the address space of pid into
// buf and returns the number of bytes copied. The copy stops at the first
// unreadable page, so a stack window reaching past the end of its mapping
// yields a short read instead of an error.
func (r *StackReader) Read(pid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	// process_vm_readv never splits an iovec element on a partial transfer,
	// so each remote element covers at most one page.
	r.remote = r.remote[:0]
	cursor, end := addr, addr+uint64(len(buf))
	for cursor < end && len(r.remote) < cap(r.remote) {
		next := (cursor/r.pageSize + 1) * r.pageSize
		if next > end || next < cursor {
			next = end
		}
		r.remote = append(r.remote, unix.RemoteIovec{Base: uintptr(cursor), Len: int(next - cursor)})
		cursor = next
	}
	r.local[0].Base = &buf[0]
	r.local[0].SetLen(int(cursor - addr))

	n, err := unix.ProcessVMReadv(pid, r.local, r.remote, 0)
	if err == nil {
		return n, nil
	}

	switch {
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EPERM):
		return readProcMem(pid, addr, buf[:cursor-addr])
	case errors.Is(err, unix.EFAULT):
		// The very first page is not mapped.
		return 0, nil
	default:
		return 0, fmt.Errorf("process_vm_readv: %w", err)
	}
}

func readProcMem(pid int, addr uint64, buf []byte) (int, error) {
	procMem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return 0, err
	}
	defer procMem.Close()

	n, err := procMem.ReadAt(buf, int64(addr))
	if n > 0 || errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) {
		return n, nil
	}
	return n, err
}
