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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/stack-sampler/flags"
	"github.com/parca-dev/stack-sampler/pkg/capturer"
	"github.com/parca-dev/stack-sampler/pkg/config"
	"github.com/parca-dev/stack-sampler/pkg/kernel"
	"github.com/parca-dev/stack-sampler/pkg/logger"
	"github.com/parca-dev/stack-sampler/pkg/pprof"
	"github.com/parca-dev/stack-sampler/pkg/profiler"
	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
)

func main() {
	f, _, err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stack-sampler: %v\n", err)
		os.Exit(2)
	}
	if f.Version {
		fmt.Println(flags.Version())
		return
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "stack-sampler")

	if f.ConfigPath != "" {
		cfg, err := config.LoadFile(f.ConfigPath)
		if err != nil {
			level.Error(logger).Log("msg", "failed to read config", "err", err)
			os.Exit(1)
		}
		f.ApplyConfig(cfg)
	}
	if err := f.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid flags", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Stack Sampler ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	level.Info(logger).Log("msg", "starting...", "version", flags.Version(), "pid", f.PID)
	if err := runSampler(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func runSampler(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	usePtrace := f.Strategy == "ptrace" || (f.Strategy == "" && f.PID != os.Getpid())
	if err := kernel.Preflight(logger, usePtrace); err != nil {
		return fmt.Errorf("kernel preflight: %w", err)
	}
	checkFramePointers(logger, reg, f.PID)

	p, err := profiler.New(logger, reg, profiler.Config{
		PID:       f.PID,
		Symbolize: f.Symbolize,
		Capturer: capturer.Config{
			Strategy:      f.Strategy,
			Signal:        f.Signal,
			Policy:        f.Policy,
			SamplerPolicy: f.SamplerPolicy,
			MaxFrames:     f.MaxFrames,
			BufferSize:    f.BufferSize,
			Interval:      f.Interval,
			StackWindow:   f.StackWindow,
			Timeout:       f.Timeout,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close profiler", "err", err)
		}
	}()

	ctx := context.Background()
	if err := attach(ctx, logger, p, f); err != nil {
		return err
	}

	var g run.Group
	{
		ctx, cancel := context.WithTimeout(ctx, f.Duration)
		g.Add(func() error {
			start := time.Now()
			if err := p.Run(ctx); err != nil {
				return err
			}
			return writeProfile(logger, p, f.Output, start)
		}, func(error) {
			cancel()
		})
	}

	if f.HTTPAddress != "" {
		ln, err := net.Listen("tcp", f.HTTPAddress)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		srv := &http.Server{
			Handler:           newMux(logger, reg, p),
			ReadHeaderTimeout: 5 * time.Second,
		}
		level.Info(logger).Log("msg", "serving metrics", "address", ln.Addr().String())
		g.Add(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		level.Info(logger).Log("msg", "stopped early", "signal", sigErr.Signal)
		return nil
	}
	return err
}

func attach(ctx context.Context, logger log.Logger, p *profiler.Profiler, f flags.Flags) error {
	tid := f.TID
	if tid == 0 {
		tid = f.PID
	}
	if f.WaitForTarget > 0 {
		if err := p.WaitForThread(ctx, tid, f.WaitForTarget); err != nil {
			return err
		}
	}

	if !f.AllThreads {
		return p.Attach(tid)
	}
	n, err := p.AttachAll()
	if n == 0 {
		return errors.Join(profiler.ErrNoThreads, err)
	}
	if err != nil {
		level.Warn(logger).Log("msg", "some threads could not be attached", "err", err)
	}
	level.Info(logger).Log("msg", "attached threads", "count", n)
	return nil
}

func writeProfile(logger log.Logger, p *profiler.Profiler, path string, start time.Time) error {
	prof, err := p.Profile()
	if err != nil {
		return fmt.Errorf("failed to build profile: %w", err)
	}
	if err := pprof.WriteFile(path, prof); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	level.Info(logger).Log(
		"msg", "profile written",
		"path", path,
		"stacks", len(prof.Sample),
		"size", humanize.Bytes(size),
		"sampled_for", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// checkFramePointers warns when the target executable is unlikely to keep
// frame pointers, in which case stacks come out short.
func checkFramePointers(logger log.Logger, reg prometheus.Registerer, pid int) {
	fpd := unwind.NewFramePointerDetector(reg)
	defer fpd.Close()

	exe := fmt.Sprintf("/proc/%d/exe", pid)
	res, err := fpd.HasFramePointers(exe)
	if err != nil {
		level.Debug(logger).Log("msg", "frame pointer detection failed", "executable", exe, "err", err)
		return
	}
	if !res.Go && !res.MainExecutable {
		level.Warn(logger).Log("msg", "target may not keep frame pointers, stacks can be truncated", "pid", pid)
	}
}
