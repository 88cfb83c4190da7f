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

package sampler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateStartsClosed(t *testing.T) {
	g := NewGate()
	require.False(t, g.Open())
	require.True(t, g.Enable())
	require.True(t, g.Open())
}

func TestGateNesting(t *testing.T) {
	g := NewGate()
	g.Enable()

	g.Disable()
	g.Disable()
	require.False(t, g.Open())
	require.Equal(t, int64(2), g.Depth())

	require.True(t, g.Enable())
	require.False(t, g.Open())
	require.True(t, g.Enable())
	require.True(t, g.Open())
}

func TestGateFloorAtZero(t *testing.T) {
	g := NewGate()
	g.Enable()

	require.False(t, g.Enable())
	require.False(t, g.Enable())
	require.Zero(t, g.Depth())

	// A single Disable still closes the gate after surplus Enables.
	g.Disable()
	require.False(t, g.Open())
}

func TestGateConcurrent(t *testing.T) {
	g := NewGate()
	g.Enable()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Disable()
			g.Enable()
		}()
	}
	wg.Wait()
	require.True(t, g.Open())
}
