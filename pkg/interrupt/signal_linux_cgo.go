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

package interrupt

/*
#include "sampler_signal.h"
*/
import "C"

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stack-sampler/pkg/target"
)

var (
	// handlerMtx guards the process-wide handler installation.
	handlerMtx    sync.Mutex
	handlerRefs   int
	handlerSignal unix.Signal

	// campaignMtx serialises captures: only one slot may be armed at a time.
	campaignMtx sync.Mutex
)

func installHandler(sig unix.Signal) error {
	handlerMtx.Lock()
	defer handlerMtx.Unlock()

	if handlerRefs > 0 {
		if sig != handlerSignal {
			return fmt.Errorf("%w: handler already installed for signal %d", ErrInstallHandler, handlerSignal)
		}
		handlerRefs++
		return nil
	}
	if errno := C.sampler_install(C.int(sig)); errno != 0 {
		return fmt.Errorf("%w: sigaction(%d): %w", ErrInstallHandler, sig, syscall.Errno(errno))
	}
	handlerSignal = sig
	handlerRefs = 1
	return nil
}

// uninstallHandler restores the previous disposition once the last user is
// gone.
func uninstallHandler() error {
	handlerMtx.Lock()
	defer handlerMtx.Unlock()

	if handlerRefs == 0 {
		return nil
	}
	handlerRefs--
	if handlerRefs > 0 {
		return nil
	}
	if errno := C.sampler_uninstall(C.int(handlerSignal)); errno != 0 {
		return fmt.Errorf("restore disposition of signal %d: %w", handlerSignal, syscall.Errno(errno))
	}
	return nil
}

// cSlot adapts a C capture slot to the Coordinator.
type cSlot struct {
	s *C.sampler_slot
}

func (c cSlot) Arm() {
	C.sampler_arm(c.s)
}

func (c cSlot) State() SlotState {
	return SlotState(C.sampler_slot_state(c.s))
}

func (c cSlot) Disarm() bool {
	return C.sampler_disarm(c.s) != 0
}

// Signal interrupts a thread of the current process with a reserved
// signal. The handler copies the registers and the top of the stack into
// a slot allocated outside the Go heap; the walk happens afterwards on the
// requesting goroutine.
type Signal struct {
	logger  log.Logger
	metrics *metrics

	sig         unix.Signal
	window      int
	coordinator *Coordinator

	mtx     sync.Mutex
	slot    *C.sampler_slot
	session bool
	closed  bool
}

var _ Session = (*Signal)(nil)

func NewSignal(logger log.Logger, reg prometheus.Registerer, sig unix.Signal, window int, timeout time.Duration) (*Signal, error) {
	if sig == 0 {
		sig = unix.Signal(DefaultSignal)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Signal{
		logger:      logger,
		metrics:     newMetrics(reg, StrategySignal),
		sig:         sig,
		window:      window,
		coordinator: NewCoordinator(timeout),
	}
	slot, err := s.newSlot()
	if err != nil {
		return nil, err
	}
	s.slot = slot
	return s, nil
}

func (s *Signal) newSlot() (*C.sampler_slot, error) {
	slot := C.sampler_slot_new(C.uint64_t(s.window), C.uint64_t(os.Getpagesize()))
	if slot == nil {
		return nil, fmt.Errorf("allocate capture slot of %d bytes", s.window)
	}
	return slot, nil
}

func (s *Signal) Name() string {
	return StrategySignal
}

// Install keeps the handler installed until Uninstall, instead of once per
// Interrupt.
func (s *Signal) Install() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.session {
		return nil
	}
	if err := installHandler(s.sig); err != nil {
		return err
	}
	s.session = true
	return nil
}

func (s *Signal) Uninstall() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.session {
		return nil
	}
	s.session = false
	return uninstallHandler()
}

func (s *Signal) Interrupt(ctx context.Context, t target.Thread, snap *Snapshot) error {
	if !t.Valid() {
		return ErrNoTarget
	}
	if t.PID != os.Getpid() {
		return fmt.Errorf("%w: thread %s belongs to another process", ErrDeliver, t)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.session {
		if err := installHandler(s.sig); err != nil {
			return err
		}
		defer func() {
			if err := uninstallHandler(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to restore signal disposition", "err", err)
			}
		}()
	}

	campaignMtx.Lock()
	defer campaignMtx.Unlock()

	slot := s.slot
	cs := cSlot{slot}
	C.sampler_slot_prepare(slot, C.int32_t(t.PID), C.int32_t(t.TID), C.uint64_t(snap.Hint.Low), C.uint64_t(snap.Hint.High))
	err := s.coordinator.Await(ctx, cs, func() error {
		return unix.Tgkill(t.PID, t.TID, s.sig)
	})
	if err != nil {
		if cs.State() == SlotClaimed {
			// The handler may still write into this slot. Leave it to the
			// handler and capture into a fresh one from now on.
			s.metrics.slotsAbandoned.Inc()
			level.Warn(s.logger).Log("msg", "abandoning capture slot of unresponsive handler", "thread", t)
			fresh, allocErr := s.newSlot()
			if allocErr != nil {
				s.slot = nil
				s.closed = true
				return fmt.Errorf("%w: %w", err, allocErr)
			}
			s.slot = fresh
		} else {
			C.sampler_slot_reset(slot)
		}
		return err
	}

	snap.Registers.PC = uint64(slot.pc)
	snap.Registers.FP = uint64(slot.fp)
	snap.Registers.SP = uint64(slot.sp)
	snap.Registers.AltSP = uint64(slot.alt_sp)
	snap.Registers.LR = uint64(slot.lr)

	buf := snap.Stack.Buffer()
	n := copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(slot.stack)), int(slot.copied)))
	snap.Stack.Reset(uint64(slot.sp), n)

	C.sampler_slot_reset(slot)
	return nil
}

func (s *Signal) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var err error
	if s.session {
		s.session = false
		err = uninstallHandler()
	}
	if s.slot != nil {
		campaignMtx.Lock()
		C.sampler_slot_free(s.slot)
		campaignMtx.Unlock()
		s.slot = nil
	}
	s.closed = true
	return err
}
