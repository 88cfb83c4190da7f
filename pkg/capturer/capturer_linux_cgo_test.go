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

//go:build linux && cgo

package capturer

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-sampler/pkg/interrupt"
	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

// The chain below must keep its frames: each function calls the next and
// f5 sleeps in a syscall on its locked thread, so f5..f1 sit right under
// whatever frame the interrupt lands in. A busy loop would be preempted
// and leave the thread parked in the scheduler on a single CPU.

//go:noinline
func f1(c *Capturer, ready chan<- target.Thread, stop *atomic.Bool) uint64 {
	return f2(c, ready, stop) + 1
}

//go:noinline
func f2(c *Capturer, ready chan<- target.Thread, stop *atomic.Bool) uint64 {
	return f3(c, ready, stop) + 1
}

//go:noinline
func f3(c *Capturer, ready chan<- target.Thread, stop *atomic.Bool) uint64 {
	return f4(c, ready, stop) + 1
}

//go:noinline
func f4(c *Capturer, ready chan<- target.Thread, stop *atomic.Bool) uint64 {
	return f5(c, ready, stop) + 1
}

//go:noinline
func f5(c *Capturer, ready chan<- target.Thread, stop *atomic.Bool) uint64 {
	ready <- c.SetCurrentThreadAsTarget()
	var n uint64
	for !stop.Load() {
		_ = unix.Nanosleep(&unix.Timespec{Nsec: 100_000}, nil)
		n++
	}
	return n
}

func startChain(t *testing.T, c *Capturer) target.Thread {
	t.Helper()

	stop := &atomic.Bool{}
	done := make(chan struct{})
	ready := make(chan target.Thread)
	go func() {
		defer close(done)
		defer runtime.UnlockOSThread()
		f1(c, ready, stop)
	}()
	th := <-ready
	t.Cleanup(func() {
		stop.Store(true)
		<-done
	})
	return th
}

func funcName(pc uint64, innermost bool) string {
	if !innermost {
		// Return addresses point past the call instruction.
		pc--
	}
	fn := runtime.FuncForPC(uintptr(pc))
	if fn == nil {
		return ""
	}
	name := fn.Name()
	return name[strings.LastIndex(name, ".")+1:]
}

// hasChain reports whether names contain f5, f4, f3, f2, f1 as
// consecutive frames.
func hasChain(names []string) bool {
	want := []string{"f5", "f4", "f3", "f2", "f1"}
	for i := range names {
		if i+len(want) > len(names) {
			return false
		}
		match := true
		for j, w := range want {
			if names[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestCollectStackTraceOfRunningThread(t *testing.T) {
	for _, policy := range []unwind.Policy{unwind.PolicyThreadBounds, unwind.PolicyWindow} {
		t.Run(policy.String(), func(t *testing.T) {
			c, err := New(log.NewNopLogger(), prometheus.NewRegistry(), Config{Policy: policy.String()})
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, c.Close())
			})
			require.Equal(t, interrupt.StrategySignal, c.Strategy())

			th := startChain(t, c)
			got, ok := c.Target()
			require.True(t, ok)
			require.Equal(t, th, got)

			buf := make([]uint64, 64)
			var names []string
			for attempt := 0; attempt < 20; attempt++ {
				n, err := c.CollectStackTrace(context.Background(), buf)
				require.NoError(t, err)
				require.Zero(t, buf[n])

				names = names[:0]
				for i, pc := range buf[:n] {
					names = append(names, funcName(pc, i == 0))
				}
				if hasChain(names) {
					return
				}
			}
			t.Fatalf("call chain f5..f1 not found in %v", names)
		})
	}
}

func TestBackgroundSamplingOfRunningThread(t *testing.T) {
	c, err := New(log.NewNopLogger(), prometheus.NewRegistry(), Config{Interval: time.Millisecond, BufferSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	startChain(t, c)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		return len(c.CapturedSamples()) == 8
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	found := false
	for _, s := range c.DrainSamples() {
		names := make([]string, 0, len(s.PCs))
		for i, pc := range s.PCs {
			names = append(names, funcName(pc, i == 0))
		}
		found = found || hasChain(names)
	}
	require.True(t, found, "no sample contains the call chain f5..f1")
}

func TestNewOnSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	var a, b *Capturer
	require.NotPanics(t, func() {
		var err error
		a, err = New(log.NewNopLogger(), reg, Config{})
		require.NoError(t, err)
		b, err = New(log.NewNopLogger(), reg, Config{})
		require.NoError(t, err)
	})
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	require.NotPanics(t, func() {
		c, err := New(log.NewNopLogger(), reg, Config{})
		require.NoError(t, err)
		require.NoError(t, c.Close())
	})
}
