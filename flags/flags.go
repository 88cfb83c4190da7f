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

package flags

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/alecthomas/kong"

	"github.com/parca-dev/stack-sampler/pkg/buildinfo"
	"github.com/parca-dev/stack-sampler/pkg/config"
)

var (
	version string
	commit  string
	date    string
)

// Version describes the build. Values set at link time take precedence
// over the embedded build info.
func Version() string {
	v, c, d := version, commit, date
	if bi, err := buildinfo.Fetch(); err == nil {
		if v == "" {
			v = bi.Version
		}
		if c == "" {
			c = bi.Revision()
		}
		if d == "" {
			d = bi.VcsTime
		}
	}
	return fmt.Sprintf("stack-sampler %s (commit %s, built %s, %s/%s)", orUnknown(v), orUnknown(c), orUnknown(d), runtime.GOOS, runtime.GOARCH)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Parse parses the command line arguments, without the program name.
func Parse(args []string, options ...kong.Option) (Flags, *kong.Context, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, append([]kong.Option{
		kong.Name("stack-sampler"),
		kong.Description("Samples the call stacks of a thread by walking its frame pointers."),
	}, options...)...)
	if err != nil {
		return Flags{}, nil, err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, nil, err
	}
	return flags, ctx, nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                        prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072"        help:"Address to bind HTTP server to. Empty disables the server."`
	Version     bool      `help:"Show application version."`
	ConfigPath  string    `default:""                      help:"Path to config file. Flags take precedence over it."`

	PID           int           `help:"Process to sample."`
	TID           int           `help:"Thread to sample. Defaults to the main thread of the process."`
	AllThreads    bool          `help:"Sample every thread of the process."`
	Duration      time.Duration `default:"10s"                   help:"How long to sample for."`
	Output        string        `default:"stack-sampler.pb.gz"   help:"Path of the pprof profile to write."`
	WaitForTarget time.Duration `default:"0s"                    help:"How long to wait for the target to appear."`
	Symbolize     bool          `default:"true"                  help:"Resolve function names before writing the profile." negatable:""`

	// Left unset, these fall back to the config file and then to the
	// built-in defaults.
	Strategy      string        `help:"Interrupt strategy: signal or ptrace. Only ptrace can sample other processes."`
	Signal        int           `help:"Signal number used by the signal strategy."`
	Policy        string        `help:"Frame pointer validation of one-shot captures: thread_bounds or window."`
	SamplerPolicy string        `help:"Frame pointer validation of background samples: thread_bounds or window."`
	Interval      time.Duration `help:"Sampling interval."`
	Timeout       time.Duration `help:"How long to wait for an interrupted thread."`
	MaxFrames     int           `help:"Maximum number of frames per sample."`
	BufferSize    int           `help:"Number of samples kept between flushes."`
	StackWindow   int           `help:"Number of stack bytes copied above the stack pointer."`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// ApplyConfig fills the sampling settings not given on the command line
// from cfg.
func (f *Flags) ApplyConfig(cfg *config.Config) {
	s := cfg.Sampling
	setString(&f.Strategy, s.Strategy)
	setString(&f.Policy, s.Policy)
	setString(&f.SamplerPolicy, s.SamplerPolicy)
	setInt(&f.Signal, s.Signal)
	setInt(&f.MaxFrames, s.MaxFrames)
	setInt(&f.BufferSize, s.BufferSize)
	setInt(&f.StackWindow, s.StackWindow)
	if f.Interval == 0 {
		f.Interval = s.Interval
	}
	if f.Timeout == 0 {
		f.Timeout = s.Timeout
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func (f Flags) Validate() error {
	if f.Version {
		return nil
	}

	var err error
	if f.PID <= 0 {
		err = errors.Join(err, errors.New("--pid is required"))
	}
	if f.TID < 0 {
		err = errors.Join(err, fmt.Errorf("invalid --tid %d", f.TID))
	}
	if f.TID != 0 && f.AllThreads {
		err = errors.Join(err, errors.New("--tid and --all-threads are mutually exclusive"))
	}
	if f.Duration <= 0 {
		err = errors.Join(err, fmt.Errorf("--duration must be positive, got %s", f.Duration))
	}
	if f.Output == "" {
		err = errors.Join(err, errors.New("--output must not be empty"))
	}
	switch f.Strategy {
	case "", "signal", "ptrace":
	default:
		err = errors.Join(err, fmt.Errorf("unknown --strategy %q", f.Strategy))
	}
	return errors.Join(err, config.Config{Sampling: config.Sampling{
		Signal:      f.Signal,
		Interval:    f.Interval,
		Timeout:     f.Timeout,
		MaxFrames:   f.MaxFrames,
		BufferSize:  f.BufferSize,
		StackWindow: f.StackWindow,
	}}.Validate())
}
