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

package unwind

import (
	"debug/buildinfo"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/cache"
)

// The inode value can be recycled (this behavior is filesystem specific)
// and it's only guaranteed to be unique within each filesystem. By adding
// the change time, which gets updated every time the file or its medatadata
// are modified + the inode we significantly reduce the chances of collisions.
type framePointerCacheKey struct {
	inode        uint64
	creationTime syscall.Timespec
}

type FramePointerDetectionResult struct {
	// Go is set when the executable was built by the Go toolchain.
	Go bool
	// MainExecutable is set when the main executable is known to keep
	// frame pointers.
	MainExecutable bool
}

// FramePointerDetector tells whether an executable can be unwound by
// following frame pointers.
type FramePointerDetector struct {
	cache *cache.LRUCache[framePointerCacheKey, FramePointerDetectionResult]
}

func NewFramePointerDetector(reg prometheus.Registerer) *FramePointerDetector {
	return &FramePointerDetector{
		cache: cache.NewLRUCache[framePointerCacheKey, FramePointerDetectionResult](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "frame_pointer"}, reg),
			1_000,
		),
	}
}

func (fpd *FramePointerDetector) cacheKey(executable string) (framePointerCacheKey, error) {
	fileinfo, err := os.Stat(executable)
	if err != nil {
		return framePointerCacheKey{}, err
	}

	stat, ok := fileinfo.Sys().(*syscall.Stat_t)
	if !ok {
		return framePointerCacheKey{}, errors.New("fileinfo didn't have stat_t")
	}

	return framePointerCacheKey{
		inode:        stat.Ino,
		creationTime: statCtime(stat),
	}, nil
}

func (fpd *FramePointerDetector) HasFramePointers(executable string) (FramePointerDetectionResult, error) {
	cacheKey, err := fpd.cacheKey(executable)
	if err != nil {
		return FramePointerDetectionResult{}, err
	}

	if cached, found := fpd.cache.Get(cacheKey); found {
		return cached, nil
	}

	res, err := hasFramePointers(executable)
	if err != nil {
		return res, err
	}
	fpd.cache.Add(cacheKey, res)
	return res, nil
}

func (fpd *FramePointerDetector) Close() error {
	return fpd.cache.Close()
}

func hasFramePointers(executable string) (FramePointerDetectionResult, error) {
	res := FramePointerDetectionResult{}
	info, err := buildinfo.ReadFile(executable)
	if err != nil {
		// Not a Go executable. Whether C/C++ code keeps frame pointers
		// depends on compiler flags we cannot see, so assume it does not.
		return res, nil //nolint:nilerr
	}
	res.Go = true

	// Go 1.7 [0] enabled FP for x86_64. arm64 got them enabled in 1.12 [1].
	//
	// [0]: https://go.dev/doc/go1.7 (released on 2016-08-15).
	// [1]: https://go.dev/doc/go1.12 (released on 2019-02-25).
	v := "1.12.0"
	want, err := semver.NewVersion(v)
	if err != nil {
		return res, fmt.Errorf("failed to parse (%s) semver: %w", v, err)
	}

	goVersion := strings.TrimPrefix(info.GoVersion, "go")
	if i := strings.IndexAny(goVersion, " +"); i >= 0 {
		goVersion = goVersion[:i]
	}
	compilerVersion, err := semver.NewVersion(goVersion)
	if err != nil {
		return res, fmt.Errorf("failed to parse semver for the compiler (%s): %w", info.GoVersion, err)
	}

	// For Go, we can only guarantee that the main executable has frame pointers.
	// cgo code or a linked libc might not have them.
	res.MainExecutable = want.LessThan(compilerVersion)
	return res, nil
}
