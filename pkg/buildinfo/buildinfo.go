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

// Package buildinfo reads the build settings the Go toolchain embeds in the
// binary.
package buildinfo

import (
	"errors"
	"runtime/debug"
)

const develVersion = "(devel)"

var ErrNoBuildInfo = errors.New("binary carries no build info")

type Info struct {
	// Version is the main module version, empty for development builds.
	Version   string
	GoVersion string

	GoArch, GoOS string

	VcsRevision string
	VcsTime     string
	VcsModified bool
}

func Fetch() (Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, ErrNoBuildInfo
	}
	return fromBuildInfo(bi), nil
}

func fromBuildInfo(bi *debug.BuildInfo) Info {
	info := Info{GoVersion: bi.GoVersion}
	if v := bi.Main.Version; v != develVersion {
		info.Version = v
	}

	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}

// Revision returns the abbreviated VCS revision, marked dirty when the tree
// had local modifications.
func (i Info) Revision() string {
	rev := i.VcsRevision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && i.VcsModified {
		rev += "-dirty"
	}
	return rev
}
