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
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var ErrConfigNotFound = errors.New("kernel config not found")

type configOption struct {
	name string
	// Synonymous options, any of them will do.
	alternatives []string
}

// samplerOptions are the kernel options the sampler depends on.
var samplerOptions = []configOption{
	{name: "CONFIG_PROC_FS"},
	// process_vm_readv(2), used to copy stacks.
	{name: "CONFIG_CROSS_MEMORY_ATTACH"},
}

// ConfigPaths returns the locations of the kernel config of release, in
// order of preference.
func ConfigPaths(release string) []string {
	return []string{
		"/proc/config.gz",
		"/boot/config",
		"/boot/config-" + release,
	}
}

// CheckConfig returns a non-nil error if one of the kernel options the
// sampler depends on is disabled. It fails with ErrConfigNotFound when no
// config can be read.
func CheckConfig(paths []string) error {
	var result error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			result = errors.Join(result, err)
			continue
		}
		return checkOptions(path, samplerOptions)
	}
	if result != nil {
		return result
	}
	return fmt.Errorf("%w, tried paths: %s", ErrConfigNotFound, strings.Join(paths, ", "))
}

func checkOption(kernelConfig map[string]string, option string) error {
	value, found := kernelConfig[option]
	if !found {
		return fmt.Errorf("kernel config option %s not found", option)
	}
	if value != "y" && value != "m" {
		return fmt.Errorf("kernel config option %s is disabled", option)
	}
	return nil
}

func checkOptions(configFile string, options []configOption) error {
	kernelConfig, err := readConfig(configFile)
	if err != nil {
		return err
	}

	var result error
	for _, option := range options {
		err := checkOption(kernelConfig, option.name)
		if err == nil {
			continue
		}
		found := false
		for _, alt := range option.alternatives {
			if checkOption(kernelConfig, alt) == nil {
				found = true
				break
			}
		}
		if !found {
			if len(option.alternatives) > 0 {
				err = fmt.Errorf("%w; alternatives checked: %s", err, strings.Join(option.alternatives, ", "))
			}
			result = errors.Join(result, err)
		}
	}
	return result
}

// readConfig reads a kernel config file, gzip compressed if its name ends
// in .gz.
func readConfig(configFile string) (map[string]string, error) {
	file, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(configFile, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	kernelConfig := make(map[string]string)
	if err := parse(bufio.NewScanner(r), kernelConfig); err != nil {
		return nil, err
	}
	return kernelConfig, nil
}

var configLine = regexp.MustCompile(`^(?:# *)?(CONFIG_\w*)(?:=| )(y|n|m|is not set|\d+|0x.+|".*")$`)

func parse(s *bufio.Scanner, p map[string]string) error {
	for s.Scan() {
		t := s.Text()
		if t == "" {
			continue
		}

		// 1 is the key, 2 is the value.
		m := configLine.FindStringSubmatch(t)
		if m == nil {
			continue
		}
		if len(m[2]) > 1 {
			m[2] = strings.Trim(m[2], "\"")
		}
		p[m[1]] = m[2]
	}
	return s.Err()
}
