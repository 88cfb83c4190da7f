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

// Package interrupt stops a running thread just long enough to take a
// snapshot of its registers and stack.
package interrupt

import (
	"context"
	"errors"

	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

const (
	StrategySignal = "signal"
	StrategyPtrace = "ptrace"
)

// DefaultSignal is the real-time signal reserved for stack capture. Go
// itself uses SIGPROF and SIGURG, glibc reserves the first real-time
// signals.
const DefaultSignal = 42

// DefaultWindow is the number of stack bytes copied above the stack
// pointer.
const DefaultWindow = 64 << 10

var (
	ErrInstallHandler = errors.New("failed to install signal handler")
	ErrDeliver        = errors.New("failed to deliver interrupt")
	ErrTimeout        = errors.New("interrupted thread did not respond in time")
	ErrNoTarget       = errors.New("no target thread")
	ErrSuspend        = errors.New("failed to suspend thread")
	ErrUnsupported    = errors.New("interrupt strategy not supported on this platform")
	ErrClosed         = errors.New("interrupter is closed")
)

// Snapshot is the state of an interrupted thread: its registers and a copy
// of its stack starting at the stack pointer.
type Snapshot struct {
	Registers unwind.Registers
	Stack     *unwind.StackCopy
	// Hint is the last known stack range of the thread, if any. Some
	// strategies use it to bound direct stack reads.
	Hint unwind.Bounds
}

func NewSnapshot(window int) *Snapshot {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Snapshot{Stack: unwind.NewStackCopy(window)}
}

// Interrupter captures a Snapshot of a thread at an arbitrary point of its
// execution without the thread's cooperation.
type Interrupter interface {
	Name() string
	// Interrupt fills snap. On error snap must not be used.
	Interrupt(ctx context.Context, t target.Thread, snap *Snapshot) error
	Close() error
}

// Session is implemented by interrupters with per-use setup that can be
// kept across many interrupts, such as a process-wide signal handler.
type Session interface {
	Install() error
	Uninstall() error
}
