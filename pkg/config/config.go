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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the sampling settings that can be kept in a file. Flags
// given on the command line take precedence.
type Config struct {
	Sampling Sampling `yaml:"sampling,omitempty"`
}

type Sampling struct {
	Strategy      string        `yaml:"strategy,omitempty"`
	Signal        int           `yaml:"signal,omitempty"`
	Policy        string        `yaml:"policy,omitempty"`
	SamplerPolicy string        `yaml:"sampler_policy,omitempty"`
	Interval      time.Duration `yaml:"interval,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	MaxFrames     int           `yaml:"max_frames,omitempty"`
	BufferSize    int           `yaml:"buffer_size,omitempty"`
	StackWindow   int           `yaml:"stack_window,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate rejects settings no capturer can run with. Zero values select
// defaults and are valid.
func (c Config) Validate() error {
	s := c.Sampling
	var err error
	if s.Interval < 0 {
		err = errors.Join(err, fmt.Errorf("sampling.interval must not be negative, got %s", s.Interval))
	}
	if s.Timeout < 0 {
		err = errors.Join(err, fmt.Errorf("sampling.timeout must not be negative, got %s", s.Timeout))
	}
	if s.MaxFrames < 0 {
		err = errors.Join(err, fmt.Errorf("sampling.max_frames must not be negative, got %d", s.MaxFrames))
	}
	if s.BufferSize < 0 {
		err = errors.Join(err, fmt.Errorf("sampling.buffer_size must not be negative, got %d", s.BufferSize))
	}
	if s.StackWindow < 0 || s.StackWindow%8 != 0 {
		err = errors.Join(err, fmt.Errorf("sampling.stack_window must be a non-negative multiple of 8, got %d", s.StackWindow))
	}
	if s.Signal < 0 || s.Signal > 64 {
		err = errors.Join(err, fmt.Errorf("sampling.signal out of range, got %d", s.Signal))
	}
	return err
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
