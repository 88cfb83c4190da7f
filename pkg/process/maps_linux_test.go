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
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStackReaderReadsOwnMemory(t *testing.T) {
	src := make([]byte, 3*os.Getpagesize()+123)
	for i := range src {
		src[i] = byte(i)
	}

	r := NewStackReader()
	dst := make([]byte, len(src))
	n, err := r.Read(os.Getpid(), uint64(uintptr(unsafe.Pointer(&src[0]))), dst)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.Equal(t, src, dst)
}

func TestStackReaderStopsAtUnmappedPage(t *testing.T) {
	page := os.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	for i := 0; i < page; i++ {
		mem[i] = 0xab
	}
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	t.Cleanup(func() {
		_ = unix.Munmap(mem)
	})
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(base)+uintptr(page), uintptr(page), 0)
	require.Zero(t, errno)

	r := NewStackReader()
	// Start in the middle of the mapped page and reach into the hole.
	dst := make([]byte, page)
	n, err := r.Read(os.Getpid(), base+uint64(page/2), dst)
	require.NoError(t, err)
	require.Equal(t, page/2, n)
	require.Equal(t, byte(0xab), dst[0])

	n, err = r.Read(os.Getpid(), base+uint64(page), dst)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMapManager(t *testing.T) {
	mm := NewMapManager(mustFS(t))

	maps, err := mm.MappingsForPID(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, maps)
	for i := 1; i < len(maps); i++ {
		require.Less(t, maps[i-1].StartAddr, maps[i].StartAddr)
	}
	require.NotEmpty(t, maps.Executable())

	var local int
	addr := uint64(uintptr(unsafe.Pointer(&local)))
	m, err := mm.MappingForAddr(os.Getpid(), addr)
	require.NoError(t, err)
	require.LessOrEqual(t, uint64(m.StartAddr), addr)
	require.Greater(t, uint64(m.EndAddr), addr)

	_, err = mm.MappingForAddr(os.Getpid(), 0)
	require.ErrorIs(t, err, ErrMappingNotFound)

	tids, err := mm.Threads(os.Getpid())
	require.NoError(t, err)
	require.Contains(t, tids, os.Getpid())

	ok, err := mm.ThreadExists(os.Getpid(), unix.Gettid())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = mm.MappingsForPID(-1)
	require.ErrorIs(t, err, ErrProcNotFound)
}
