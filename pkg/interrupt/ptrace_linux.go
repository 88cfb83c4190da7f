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

package interrupt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-sampler/pkg/process"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

var errThreadExited = errors.New("thread exited")

// Ptrace suspends a thread of another process with PTRACE_SEIZE and
// PTRACE_INTERRUPT, reads its registers and copies its stack, then lets it
// run again. A process cannot trace its own threads.
type Ptrace struct {
	logger  log.Logger
	metrics *metrics

	mtx    sync.Mutex
	reader *process.StackReader
	// stop brings a seized thread into a ptrace-stop.
	stop func(tid int) (unix.Signal, error)
}

func NewPtrace(logger log.Logger, reg prometheus.Registerer) *Ptrace {
	return &Ptrace{
		logger:  logger,
		metrics: newMetrics(reg, StrategyPtrace),
		reader:  process.NewStackReader(),
		stop:    interruptAndWait,
	}
}

func (p *Ptrace) Name() string {
	return StrategyPtrace
}

func (p *Ptrace) Interrupt(ctx context.Context, t target.Thread, snap *Snapshot) error {
	if !t.Valid() {
		return ErrNoTarget
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	// Every ptrace request has to come from the tracing thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ptrace(unix.PTRACE_SEIZE, t.TID, 0, 0); err != nil {
		return fmt.Errorf("%w: seize %s: %w", ErrSuspend, t, err)
	}

	var (
		stopped bool
		pending unix.Signal
	)
	defer func() {
		p.detach(t, stopped, pending)
	}()

	sig, err := p.stop(t.TID)
	if err != nil {
		return fmt.Errorf("%w: stop %s: %w", ErrSuspend, t, err)
	}
	stopped, pending = true, sig

	regs, err := readRegisters(t.TID)
	if err != nil {
		return fmt.Errorf("%w: read registers of %s: %w", ErrSuspend, t, err)
	}

	n, err := p.reader.Read(t.PID, regs.SP, snap.Stack.Buffer())
	if err != nil {
		level.Debug(p.logger).Log("msg", "failed to copy stack", "thread", t, "err", err)
		n = 0
	}
	snap.Registers = regs
	snap.Stack.Reset(regs.SP, n)
	return nil
}

func (p *Ptrace) Close() error {
	return nil
}

// detach lets t run again. A seized thread only accepts PTRACE_DETACH while
// stopped, so a thread that never reached the stop is stopped first.
func (p *Ptrace) detach(t target.Thread, stopped bool, sig unix.Signal) {
	err := ptrace(unix.PTRACE_DETACH, t.TID, 0, uintptr(sig))
	if err == nil {
		return
	}
	if errors.Is(err, unix.ESRCH) {
		if stopped {
			// Stopped threads only vanish from under us by exiting.
			return
		}
		sig, stopErr := p.stop(t.TID)
		switch {
		case errors.Is(stopErr, errThreadExited):
			return
		case stopErr != nil:
			err = errors.Join(err, stopErr)
		default:
			if err = ptrace(unix.PTRACE_DETACH, t.TID, 0, uintptr(sig)); err == nil {
				return
			}
		}
	}
	p.metrics.resumeErrors.Inc()
	level.Warn(p.logger).Log("msg", "failed to detach from thread", "thread", t, "err", err)
}

// interruptAndWait stops a seized thread with PTRACE_INTERRUPT.
func interruptAndWait(tid int) (unix.Signal, error) {
	if err := ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		return 0, fmt.Errorf("interrupt: %w", err)
	}
	sig, err := waitForStop(tid)
	if err != nil {
		return 0, fmt.Errorf("wait: %w", err)
	}
	return sig, nil
}

func ptrace(request int, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// waitForStop waits until tid reports a stop. It returns the signal to
// re-inject on detach when the thread stopped for a signal delivery rather
// than for our interrupt.
func waitForStop(tid int) (unix.Signal, error) {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if ws.Exited() || ws.Signaled() {
			return 0, errThreadExited
		}
		if !ws.Stopped() {
			continue
		}
		// PTRACE_EVENT_STOP covers both the interrupt and group stops.
		if event := (uint32(ws) >> 16) & 0xff; event == unix.PTRACE_EVENT_STOP {
			return 0, nil
		}
		return ws.StopSignal(), nil
	}
}

