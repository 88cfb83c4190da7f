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

package target

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// LockCurrent wires the calling goroutine to its OS thread and returns that
// thread. The goroutine stays locked until it exits or calls
// runtime.UnlockOSThread.
func LockCurrent() Thread {
	runtime.LockOSThread()
	return Current()
}

// Current returns the OS thread the calling goroutine is running on. Unless
// the goroutine is locked to it the result may be stale immediately.
func Current() Thread {
	return Thread{PID: unix.Getpid(), TID: unix.Gettid()}
}
