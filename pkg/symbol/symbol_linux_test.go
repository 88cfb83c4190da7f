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

package symbol

import (
	"debug/elf"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stack-sampler/pkg/process"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}
	r := NewResolver(log.NewNopLogger(), prometheus.NewRegistry(), process.NewMapManager(fs), 8)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r
}

//go:noinline
func resolveTarget() int {
	return 42
}

func TestResolveSelf(t *testing.T) {
	r := newTestResolver(t)

	pc := reflect.ValueOf(resolveTarget).Pointer()
	want := runtime.FuncForPC(pc).Name()

	info, err := r.Resolve(os.Getpid(), uint64(pc)+1)
	require.NoError(t, err)
	require.Equal(t, want, info.Symbol)
	require.Equal(t, uint64(pc), info.SymbolAddr)

	name, ok := Name(info)
	require.True(t, ok)
	require.Equal(t, want, name)
}

// mappedLibc returns the path of the C library mapped into this process and
// the runtime address of one of its exported functions.
func mappedLibc(t *testing.T, r *Resolver, name string) (string, uint64) {
	t.Helper()

	maps, err := r.maps.MappingsForPID(os.Getpid())
	require.NoError(t, err)
	var path string
	for _, m := range maps {
		if strings.Contains(filepath.Base(m.Pathname), "libc.so") || strings.Contains(filepath.Base(m.Pathname), "libc-") {
			path = m.Pathname
			break
		}
	}
	if path == "" {
		t.Skip("no C library mapped, the test binary is static")
	}

	tab, err := readTable(path)
	require.NoError(t, err)
	var sym elf.Symbol
	for _, s := range tab.syms {
		if s.Name == name {
			sym = s
			break
		}
	}
	require.NotEmpty(t, sym.Name, "%s not exported by %s", name, path)

	var fileOff uint64
	found := false
	for _, p := range tab.progs {
		if sym.Value >= p.Vaddr && sym.Value < p.Vaddr+p.Filesz {
			fileOff = sym.Value - p.Vaddr + p.Off
			found = true
			break
		}
	}
	require.True(t, found)

	for _, m := range maps {
		size := uint64(m.EndAddr - m.StartAddr)
		if m.Pathname == path && fileOff >= uint64(m.Offset) && fileOff < uint64(m.Offset)+size {
			return path, uint64(m.StartAddr) + fileOff - uint64(m.Offset)
		}
	}
	t.Fatalf("%s at offset 0x%x is not mapped", name, fileOff)
	return "", 0
}

func TestResolveFromSymbolTable(t *testing.T) {
	r := newTestResolver(t)
	path, addr := mappedLibc(t, r, "getpid")

	info, err := r.Resolve(os.Getpid(), addr+1)
	require.NoError(t, err)
	require.Equal(t, path, info.Object)
	require.Equal(t, addr, info.SymbolAddr)
	require.NotEmpty(t, info.Symbol)

	// Aliases share the address; any of them is a valid answer.
	tab, err := readTable(path)
	require.NoError(t, err)
	var aliases []string
	var value uint64
	for _, s := range tab.syms {
		if s.Name == "getpid" {
			value = s.Value
		}
	}
	for _, s := range tab.syms {
		if s.Value == value {
			aliases = append(aliases, s.Name)
		}
	}
	require.Contains(t, aliases, info.Symbol)
}

func TestResolveUnmapped(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(os.Getpid(), 0x10)
	require.ErrorIs(t, err, process.ErrMappingNotFound)
}
