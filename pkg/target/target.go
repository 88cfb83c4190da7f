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

// Package target identifies the OS thread a capturer samples.
package target

import (
	"fmt"

	"go.uber.org/atomic"
)

// Thread is an OS thread: PID is the thread group (process) id and TID the
// kernel thread id.
type Thread struct {
	PID int
	TID int
}

func (t Thread) String() string {
	return fmt.Sprintf("%d/%d", t.PID, t.TID)
}

// IsMain reports whether t is the initial thread of its process.
func (t Thread) IsMain() bool {
	return t.PID == t.TID
}

func (t Thread) Valid() bool {
	return t.PID > 0 && t.TID > 0
}

// Handle holds the current target thread. Writers race, the last write wins.
type Handle struct {
	thread atomic.Pointer[Thread]
}

// Store replaces the target and returns the previous one, if any.
func (h *Handle) Store(t Thread) (Thread, bool) {
	prev := h.thread.Swap(&t)
	if prev == nil {
		return Thread{}, false
	}
	return *prev, true
}

func (h *Handle) Load() (Thread, bool) {
	t := h.thread.Load()
	if t == nil {
		return Thread{}, false
	}
	return *t, true
}
