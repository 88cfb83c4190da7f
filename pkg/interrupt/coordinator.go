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

package interrupt

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultTimeout = 50 * time.Millisecond
	DefaultQuantum = time.Millisecond
	DefaultGrace   = 10 * time.Millisecond
)

// SlotState is the lifecycle of a capture slot: the requester arms it, the
// interrupted thread claims and completes it.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotArmed
	SlotClaimed
	SlotCompleted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotArmed:
		return "armed"
	case SlotClaimed:
		return "claimed"
	case SlotCompleted:
		return "completed"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// Slot is the single-use handoff between a requester and the context that
// fills it.
type Slot interface {
	Arm()
	State() SlotState
	// Disarm withdraws an armed slot. It returns false when the slot was
	// already claimed.
	Disarm() bool
}

// Coordinator runs the requester side of a capture: arm, deliver, then
// poll for completion within a bounded time.
type Coordinator struct {
	Timeout time.Duration
	Quantum time.Duration
	// Grace is the extra time granted to a handler that claimed the slot
	// but had not completed it when Timeout expired.
	Grace time.Duration
}

func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		Timeout: timeout,
		Quantum: DefaultQuantum,
		Grace:   DefaultGrace,
	}
}

// Await arms slot, calls deliver and waits until the slot completes. When
// it returns an error and the slot is left in SlotClaimed, the handler may
// still write to it and the caller must not reuse it.
func (c *Coordinator) Await(ctx context.Context, slot Slot, deliver func() error) error {
	slot.Arm()
	if err := deliver(); err != nil {
		if slot.Disarm() {
			return fmt.Errorf("%w: %w", ErrDeliver, err)
		}
		// Delivered after all.
		if c.wait(ctx, slot, c.Grace) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrDeliver, err)
	}

	if c.wait(ctx, slot, c.Timeout) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if !slot.Disarm() && c.wait(context.Background(), slot, c.Grace) {
			return nil
		}
		return err
	}

	if slot.Disarm() {
		return fmt.Errorf("%w: no response within %s", ErrTimeout, c.Timeout)
	}
	// The handler is running, give it a little longer.
	if c.wait(ctx, slot, c.Grace) {
		return nil
	}
	return fmt.Errorf("%w: handler did not complete within %s", ErrTimeout, c.Timeout+c.Grace)
}

func (c *Coordinator) wait(ctx context.Context, slot Slot, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if slot.State() == SlotCompleted {
			return true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return slot.State() == SlotCompleted
		}
		time.Sleep(c.Quantum)
	}
}
