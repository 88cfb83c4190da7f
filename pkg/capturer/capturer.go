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

// Package capturer captures the call stack of a designated thread, either
// on demand or continuously in the background.
package capturer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/stack-sampler/pkg/interrupt"
	"github.com/parca-dev/stack-sampler/pkg/process"
	"github.com/parca-dev/stack-sampler/pkg/ring"
	"github.com/parca-dev/stack-sampler/pkg/sampler"
	"github.com/parca-dev/stack-sampler/pkg/stack/bounds"
	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

const (
	DefaultBoundsCacheSize = 64
	DefaultInterval        = sampler.DefaultInterval
)

// Stack is a captured sample.
type Stack = sampler.Stack

type Config struct {
	// Strategy forces an interrupt strategy, see interrupt.Options.
	Strategy string
	Signal   int
	// Policy is the unwind policy of CollectStackTrace. Empty selects
	// unwind.DefaultPolicy.
	Policy string
	// SamplerPolicy is the unwind policy of background samples. Empty
	// selects the window policy.
	SamplerPolicy string

	MaxFrames   int
	BufferSize  int
	Interval    time.Duration
	StackWindow int
	Timeout     time.Duration

	BoundsCacheSize int
	// ProcFS is the mount point of procfs. Empty selects the default.
	ProcFS string
}

func (c *Config) setDefaults() {
	if c.MaxFrames <= 0 {
		c.MaxFrames = sampler.DefaultMaxFrames
	}
	if c.BufferSize <= 0 {
		c.BufferSize = ring.DefaultCapacity
	}
	if c.Interval <= 0 {
		c.Interval = sampler.DefaultInterval
	}
	if c.StackWindow <= 0 {
		c.StackWindow = interrupt.DefaultWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = interrupt.DefaultTimeout
	}
	if c.BoundsCacheSize <= 0 {
		c.BoundsCacheSize = DefaultBoundsCacheSize
	}
	if c.ProcFS == "" {
		c.ProcFS = procfs.DefaultMountPoint
	}
	if c.Policy == "" {
		c.Policy = unwind.DefaultPolicy.String()
	}
	if c.SamplerPolicy == "" {
		c.SamplerPolicy = unwind.PolicyWindow.String()
	}
}

// Capturer owns everything needed to sample one target thread: the target
// handle, its stack bounds, the interrupt strategy and the ring buffer of
// background samples.
type Capturer struct {
	logger  log.Logger
	metrics *metrics

	target      target.Handle
	interrupter interrupt.Interrupter
	bounds      *bounds.Provider

	// mtx serialises captures; they share the snapshot.
	mtx        sync.Mutex
	snap       *interrupt.Snapshot
	oneShot    *unwind.Walker
	background *unwind.Walker

	gate    *sampler.Gate
	sampler *sampler.Sampler

	runMtx  sync.Mutex
	running bool
}

func New(logger log.Logger, reg prometheus.Registerer, cfg Config) (*Capturer, error) {
	cfg.setDefaults()

	fs, err := procfs.NewFS(cfg.ProcFS)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	i, err := interrupt.New(logger, reg, interrupt.Options{
		Strategy: cfg.Strategy,
		Signal:   cfg.Signal,
		Window:   cfg.StackWindow,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create interrupter: %w", err)
	}

	c, err := newCapturer(logger, reg, cfg, i, process.NewMapManager(fs))
	if err != nil {
		return nil, errors.Join(err, i.Close())
	}
	return c, nil
}

func newCapturer(logger log.Logger, reg prometheus.Registerer, cfg Config, i interrupt.Interrupter, finder bounds.MappingFinder) (*Capturer, error) {
	cfg.setDefaults()

	layout, err := unwind.HostLayout()
	if err != nil {
		return nil, err
	}
	oneShot, err := unwind.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	background, err := unwind.ParsePolicy(cfg.SamplerPolicy)
	if err != nil {
		return nil, err
	}

	c := &Capturer{
		logger:      logger,
		metrics:     newMetrics(reg, i.Name()),
		interrupter: i,
		bounds:      bounds.NewProvider(logger, reg, finder, cfg.BoundsCacheSize),
		snap:        interrupt.NewSnapshot(cfg.StackWindow),
		oneShot:     unwind.NewWalker(layout, oneShot),
		background:  unwind.NewWalker(layout, background),
		gate:        sampler.NewGate(),
	}
	c.sampler = sampler.New(logger, reg, c.gate, c.sample, sampler.Config{
		Interval:  cfg.Interval,
		MaxFrames: cfg.MaxFrames,
		Capacity:  cfg.BufferSize,
	})
	level.Debug(logger).Log("msg", "capturer created", "strategy", i.Name(), "policy", oneShot, "sampler_policy", background)
	return c, nil
}

// Strategy returns the name of the interrupt strategy in use.
func (c *Capturer) Strategy() string {
	return c.interrupter.Name()
}

// SetTarget makes t the thread to capture. The cached stack bounds of the
// previous target are dropped.
func (c *Capturer) SetTarget(t target.Thread) {
	if prev, ok := c.target.Store(t); ok && prev != t {
		c.bounds.Invalidate(prev)
	}
}

func (c *Capturer) Target() (target.Thread, bool) {
	return c.target.Load()
}

// CollectStackTrace captures the current call stack of the target thread
// into buf, innermost first and 0-terminated, and returns the number of
// frames. buf always holds a terminated, possibly empty, sample, also when
// an error is returned.
func (c *Capturer) CollectStackTrace(ctx context.Context, buf []uint64) (int, error) {
	_, n, err := c.capture(ctx, c.oneShot, buf)
	return n, err
}

func (c *Capturer) sample(ctx context.Context, buf []uint64) (target.Thread, int, error) {
	return c.capture(ctx, c.background, buf)
}

func (c *Capturer) capture(ctx context.Context, w *unwind.Walker, buf []uint64) (target.Thread, int, error) {
	if len(buf) > 0 {
		buf[0] = 0
	}
	t, ok := c.target.Load()
	if !ok {
		c.metrics.attempts.WithLabelValues(resultNoTarget).Inc()
		return t, 0, interrupt.ErrNoTarget
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	start := time.Now()
	defer func() {
		c.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	c.snap.Hint, _ = c.bounds.Peek(t)
	if err := c.interrupter.Interrupt(ctx, t, c.snap); err != nil {
		c.metrics.attempts.WithLabelValues(resultFor(err)).Inc()
		return t, 0, err
	}

	var b unwind.Bounds
	if w.Policy().NeedsBounds() {
		var err error
		b, err = c.bounds.Bounds(t, c.snap.Registers.SP)
		if err != nil {
			c.metrics.attempts.WithLabelValues(resultNoBounds).Inc()
			return t, 0, err
		}
	}

	n := w.Walk(c.snap.Registers, b, c.snap.Stack, buf)
	if n == 0 {
		c.metrics.attempts.WithLabelValues(resultEmpty).Inc()
	} else {
		c.metrics.attempts.WithLabelValues(resultSuccess).Inc()
	}
	return t, n, nil
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, interrupt.ErrTimeout):
		return resultTimeout
	case errors.Is(err, interrupt.ErrDeliver):
		return resultDeliver
	case errors.Is(err, interrupt.ErrSuspend):
		return resultSuspend
	default:
		return resultError
	}
}

// Start installs the interrupt handler, opens the gate once and starts
// background sampling.
func (c *Capturer) Start() error {
	c.runMtx.Lock()
	defer c.runMtx.Unlock()

	if c.running {
		return sampler.ErrRunning
	}
	if s, ok := c.interrupter.(interrupt.Session); ok {
		if err := s.Install(); err != nil {
			return err
		}
	}
	c.gate.Enable()
	if err := c.sampler.Start(); err != nil {
		c.gate.Disable()
		return errors.Join(err, c.uninstall())
	}
	c.running = true
	return nil
}

// Stop stops background sampling, closes the gate and uninstalls the
// handler. Buffered samples are kept.
func (c *Capturer) Stop() error {
	c.runMtx.Lock()
	defer c.runMtx.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	err := c.sampler.Stop()
	c.gate.Disable()
	return errors.Join(err, c.uninstall())
}

func (c *Capturer) uninstall() error {
	if s, ok := c.interrupter.(interrupt.Session); ok {
		return s.Uninstall()
	}
	return nil
}

// CapturedSamples returns the buffered samples, oldest first.
func (c *Capturer) CapturedSamples() []Stack {
	return c.sampler.Samples()
}

// DrainSamples returns the buffered samples, oldest first, and clears the
// buffer.
func (c *Capturer) DrainSamples() []Stack {
	return c.sampler.Drain()
}

// DisableThreadInterrupts pauses background sampling. Calls nest.
func (c *Capturer) DisableThreadInterrupts() {
	c.gate.Disable()
}

// EnableThreadInterrupts undoes one DisableThreadInterrupts. It returns
// false when there was nothing to undo.
func (c *Capturer) EnableThreadInterrupts() bool {
	return c.gate.Enable()
}

func (c *Capturer) Close() error {
	return errors.Join(
		c.Stop(),
		c.interrupter.Close(),
		c.bounds.Close(),
	)
}
