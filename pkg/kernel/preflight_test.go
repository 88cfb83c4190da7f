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

package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	for _, path := range []string{"testdata/config", "testdata/procconfig.gz"} {
		t.Run(path, func(t *testing.T) {
			config, err := readConfig(path)
			require.NoError(t, err)
			require.Equal(t, map[string]string{
				"CONFIG_CC_VERSION_TEXT":     "gcc (Debian 12.2.0-14) 12.2.0",
				"CONFIG_CROSS_MEMORY_ATTACH": "y",
				"CONFIG_PROC_FS":             "y",
				"CONFIG_HZ":                  "250",
			}, config)
		})
	}
}

func TestCheckConfig(t *testing.T) {
	testcases := []struct {
		name  string
		paths []string
		want  string
	}{
		{
			name:  "enabled",
			paths: []string{"testdata/config"},
		},
		{
			name:  "compressed",
			paths: []string{"testdata/procconfig.gz"},
		},
		{
			name:  "first existing path wins",
			paths: []string{"testdata/nope", "testdata/config", "testdata/config-disabled"},
		},
		{
			name:  "disabled",
			paths: []string{"testdata/config-disabled"},
			want:  "kernel config option CONFIG_CROSS_MEMORY_ATTACH is disabled",
		},
		{
			name:  "missing",
			paths: []string{"testdata/config-missing"},
			want:  "kernel config option CONFIG_PROC_FS not found",
		},
	}
	for _, tt := range testcases {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConfig(tt.paths)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.want)
		})
	}

	err := CheckConfig([]string{"testdata/nope"})
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestPtraceScope(t *testing.T) {
	dir := t.TempDir()

	scope, err := PtraceScope(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Zero(t, scope)

	path := filepath.Join(dir, "ptrace_scope")
	for want, check := range map[int]bool{0: true, 1: true, 2: true, 3: false} {
		require.NoError(t, os.WriteFile(path, []byte{byte('0' + want), '\n'}, 0o600))
		scope, err := PtraceScope(path)
		require.NoError(t, err)
		require.Equal(t, want, scope)
		require.Equal(t, check, checkPtraceScope(log.NewNopLogger(), path) == nil)
	}
}

func TestPreflight(t *testing.T) {
	if _, err := GetRelease(); err != nil {
		t.Skipf("kernel release not available: %v", err)
	}
	// Any kernel this runs on supports process_vm_readv.
	require.NoError(t, Preflight(log.NewNopLogger(), false))
}
