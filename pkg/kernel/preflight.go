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

package kernel

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/zcalusic/sysinfo"
)

const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Preflight checks the running kernel. ptrace reports whether the ptrace
// strategy will be used. Problems that make sampling impossible are
// returned, joined; the rest is logged.
func Preflight(logger log.Logger, ptrace bool) error {
	var si sysinfo.SysInfo
	si.GetSysInfo()

	v, err := ParseRelease(si.Kernel.Release)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "kernel", "release", si.Kernel.Release, "arch", si.Kernel.Architecture)

	var result error
	if !SupportsProcessVMReadv(v) {
		result = errors.Join(result, fmt.Errorf("kernel %s does not support process_vm_readv", v))
	}
	if ptrace {
		if !SupportsPtraceSeize(v) {
			result = errors.Join(result, fmt.Errorf("kernel %s does not support PTRACE_SEIZE", v))
		}
		result = errors.Join(result, checkPtraceScope(logger, ptraceScopePath))
	}

	if err := CheckConfig(ConfigPaths(si.Kernel.Release)); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			level.Debug(logger).Log("msg", "skipping kernel config check", "err", err)
		} else {
			level.Warn(logger).Log("msg", "kernel config check failed, stacks may be empty", "err", err)
		}
	}
	return result
}

// PtraceScope returns the Yama ptrace scope, 0 when Yama is not enabled.
func PtraceScope(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func checkPtraceScope(logger log.Logger, path string) error {
	scope, err := PtraceScope(path)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to read ptrace scope", "err", err)
		return nil
	}
	switch {
	case scope >= 3:
		return errors.New("ptrace is disabled by kernel.yama.ptrace_scope=3")
	case scope == 2:
		level.Warn(logger).Log("msg", "kernel.yama.ptrace_scope=2 requires CAP_SYS_PTRACE")
	case scope == 1:
		level.Debug(logger).Log("msg", "kernel.yama.ptrace_scope=1 restricts tracing to descendants unless CAP_SYS_PTRACE is held")
	}
	return nil
}
