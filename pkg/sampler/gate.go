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

import "go.uber.org/atomic"

// Gate is a reentrant switch for thread interruption. Each Disable must be
// matched by an Enable; interruption is allowed only while no Disable is
// outstanding. A new Gate starts disabled once.
type Gate struct {
	disabled *atomic.Int64
}

func NewGate() *Gate {
	return &Gate{disabled: atomic.NewInt64(1)}
}

// Disable suppresses new interruptions. In-flight captures are not
// affected.
func (g *Gate) Disable() {
	g.disabled.Inc()
}

// Enable undoes one Disable. Enabling an open gate is a no-op and returns
// false; the counter never goes below zero.
func (g *Gate) Enable() bool {
	for {
		v := g.disabled.Load()
		if v <= 0 {
			return false
		}
		if g.disabled.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// Open reports whether interruption is currently allowed.
func (g *Gate) Open() bool {
	return g.disabled.Load() == 0
}

// Depth returns the number of outstanding Disable calls.
func (g *Gate) Depth() int64 {
	return g.disabled.Load()
}
