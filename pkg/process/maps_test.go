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

package process

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func mustFS(t *testing.T) procfs.FS {
	t.Helper()
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}
	return fs
}

func TestMappingsFind(t *testing.T) {
	ms := Mappings{
		{StartAddr: 0x1000, EndAddr: 0x2000, Perms: &procfs.ProcMapPermissions{Read: true}},
		{StartAddr: 0x3000, EndAddr: 0x5000, Perms: &procfs.ProcMapPermissions{Read: true, Execute: true}},
	}

	testcases := []struct {
		name  string
		addr  uint64
		start uintptr
		found bool
	}{
		{name: "before first", addr: 0x500},
		{name: "first start", addr: 0x1000, start: 0x1000, found: true},
		{name: "first end is exclusive", addr: 0x2000},
		{name: "gap", addr: 0x2800},
		{name: "second", addr: 0x4fff, start: 0x3000, found: true},
		{name: "after last", addr: 0x6000},
	}
	for _, tt := range testcases {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := ms.Find(tt.addr)
			require.Equal(t, tt.found, ok)
			if tt.found {
				require.Equal(t, tt.start, m.StartAddr)
			}
		})
	}

	require.Len(t, ms.Executable(), 1)
}
