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

package unwind

import (
	"os/exec"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHasFramePointersInModernGolang(t *testing.T) {
	// The test binary itself is built by a Go toolchain newer than 1.12.
	res, err := hasFramePointers("/proc/self/exe")
	require.NoError(t, err)
	require.True(t, res.Go)
	require.True(t, res.MainExecutable)
}

func TestHasFramePointersInCApplication(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}

	res, err := hasFramePointers(sh)
	require.NoError(t, err)
	require.False(t, res.Go)
	require.False(t, res.MainExecutable)
}

func TestHasFramePointersCache(t *testing.T) {
	fpd := NewFramePointerDetector(prometheus.NewRegistry())
	t.Cleanup(func() {
		require.NoError(t, fpd.Close())
	})

	// Ensure that the cached results are correct.
	for i := 0; i < 2; i++ {
		res, err := fpd.HasFramePointers("/proc/self/exe")
		require.NoError(t, err)
		require.True(t, res.MainExecutable)
	}

	_, err := fpd.HasFramePointers("/does/not/exist")
	require.Error(t, err)
}
