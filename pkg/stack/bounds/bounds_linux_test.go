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

package bounds

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stack-sampler/pkg/process"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

func TestProviderOwnThread(t *testing.T) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		t.Skipf("procfs not available: %v", err)
	}
	p := NewProvider(log.NewNopLogger(), prometheus.NewRegistry(), process.NewMapManager(fs), 16)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var local uint64
	sp := uint64(uintptr(unsafe.Pointer(&local)))
	b, err := p.Bounds(target.Current(), sp)
	require.NoError(t, err)
	require.True(t, b.Valid())
	require.True(t, b.Contains(sp))
}
