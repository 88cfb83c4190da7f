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

// Package kernel checks that the running kernel supports the interrupt
// strategies.
package kernel

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zcalusic/sysinfo"
)

var (
	// PTRACE_SEIZE and PTRACE_INTERRUPT.
	ptraceSeizeConstraint = mustConstraint(">= 3.4")
	// process_vm_readv(2).
	processVMReadvConstraint = mustConstraint(">= 3.2")
)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("bad constraint %q: %v", c, err))
	}
	return constraint
}

// GetRelease returns the version of the running kernel.
func GetRelease() (*semver.Version, error) {
	var si sysinfo.SysInfo
	si.GetSysInfo()
	return ParseRelease(si.Kernel.Release)
}

// ParseRelease parses a kernel release string such as "6.1.0-13-amd64",
// ignoring everything after the version.
func ParseRelease(release string) (*semver.Version, error) {
	short, _, _ := strings.Cut(release, "-")
	short, _, _ = strings.Cut(short, "+")
	v, err := semver.NewVersion(short)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kernel release %q: %w", release, err)
	}
	return v, nil
}

func SupportsPtraceSeize(v *semver.Version) bool {
	return ptraceSeizeConstraint.Check(v)
}

func SupportsProcessVMReadv(v *semver.Version) bool {
	return processVMReadvConstraint.Check(v)
}
