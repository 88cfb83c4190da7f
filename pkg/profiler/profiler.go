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

// Package profiler samples the threads of one process with a capturer per
// thread and turns the collected stacks into pprof profiles.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/stack-sampler/pkg/capturer"
	"github.com/parca-dev/stack-sampler/pkg/pprof"
	"github.com/parca-dev/stack-sampler/pkg/process"
	"github.com/parca-dev/stack-sampler/pkg/symbol"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

const DefaultSymbolCacheSize = 32

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrNoThreads      = errors.New("no threads attached")
)

// Capturer is the part of *capturer.Capturer the profiler drives.
type Capturer interface {
	Strategy() string
	SetTarget(t target.Thread)
	Start() error
	Stop() error
	CapturedSamples() []capturer.Stack
	Close() error
}

// NewCapturerFunc creates the capturer of one thread.
type NewCapturerFunc func(logger log.Logger, reg prometheus.Registerer, cfg capturer.Config) (Capturer, error)

func newCapturer(logger log.Logger, reg prometheus.Registerer, cfg capturer.Config) (Capturer, error) {
	return capturer.New(logger, reg, cfg)
}

type Config struct {
	PID      int
	Capturer capturer.Config

	// Symbolize resolves function names while building profiles.
	Symbolize       bool
	SymbolCacheSize int

	NewCapturer NewCapturerFunc
}

// Profiler samples threads of a single process.
type Profiler struct {
	logger  log.Logger
	reg     prometheus.Registerer
	metrics *metrics

	cfg  Config
	maps *process.MapManager

	resolver  *symbol.Resolver
	capturers *xsync.MapOf[int, Capturer]

	// mtx guards the converter and the run state below.
	mtx                  sync.Mutex
	converter            *pprof.Converter
	running              bool
	lastProfileStartedAt time.Time
	lastError            error
}

func New(logger log.Logger, reg prometheus.Registerer, cfg Config) (*Profiler, error) {
	if cfg.PID <= 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Capturer.Strategy == "" && cfg.PID != os.Getpid() {
		// Signals sent to another process cannot reach our handler.
		cfg.Capturer.Strategy = "ptrace"
	}
	if cfg.SymbolCacheSize <= 0 {
		cfg.SymbolCacheSize = DefaultSymbolCacheSize
	}
	if cfg.NewCapturer == nil {
		cfg.NewCapturer = newCapturer
	}

	procFS := cfg.Capturer.ProcFS
	if procFS == "" {
		procFS = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procFS)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	p := &Profiler{
		logger:    log.With(logger, "pid", cfg.PID),
		reg:       reg,
		metrics:   newMetrics(reg),
		cfg:       cfg,
		maps:      process.NewMapManager(fs),
		capturers: xsync.NewMapOf[int, Capturer](),
	}
	var sym pprof.Symbolizer
	if cfg.Symbolize {
		p.resolver = symbol.NewResolver(logger, reg, p.maps, cfg.SymbolCacheSize)
		sym = p.resolver
	}
	p.converter = pprof.NewConverter(logger, reg, sym)
	return p, nil
}

func (p *Profiler) PID() int {
	return p.cfg.PID
}

// WaitForThread polls until tid is a live thread of the process or maxWait
// has elapsed.
func (p *Profiler) WaitForThread(ctx context.Context, tid int, maxWait time.Duration) error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 10 * time.Millisecond
	expBackOff.MaxInterval = time.Second
	expBackOff.MaxElapsedTime = maxWait

	err := backoff.Retry(func() error {
		ok, err := p.maps.ThreadExists(p.cfg.PID, tid)
		if err != nil {
			level.Debug(p.logger).Log("msg", "waiting for process", "tid", tid, "retry", expBackOff.NextBackOff(), "err", err)
			return err
		}
		if !ok {
			level.Debug(p.logger).Log("msg", "waiting for thread", "tid", tid, "retry", expBackOff.NextBackOff())
			return ErrThreadNotFound
		}
		return nil
	}, backoff.WithContext(expBackOff, ctx))
	if err != nil {
		return fmt.Errorf("thread %d of process %d: %w", tid, p.cfg.PID, err)
	}
	return nil
}

// Attach creates a capturer for tid. Attaching the same thread twice is a
// no-op. Threads attached while the profiler runs start sampling at once.
func (p *Profiler) Attach(tid int) error {
	if _, ok := p.capturers.Load(tid); ok {
		return nil
	}
	ok, err := p.maps.ThreadExists(p.cfg.PID, tid)
	if err != nil {
		p.metrics.attachAttempts.WithLabelValues(labelError).Inc()
		return err
	}
	if !ok {
		p.metrics.attachAttempts.WithLabelValues(labelError).Inc()
		return fmt.Errorf("thread %d of process %d: %w", tid, p.cfg.PID, ErrThreadNotFound)
	}

	reg := prometheus.WrapRegistererWith(prometheus.Labels{"tid": strconv.Itoa(tid)}, p.reg)
	c, err := p.cfg.NewCapturer(log.With(p.logger, "tid", tid), reg, p.cfg.Capturer)
	if err != nil {
		p.metrics.attachAttempts.WithLabelValues(labelError).Inc()
		return fmt.Errorf("failed to create capturer for thread %d: %w", tid, err)
	}
	c.SetTarget(target.Thread{PID: p.cfg.PID, TID: tid})

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, loaded := p.capturers.LoadOrStore(tid, c); loaded {
		return c.Close()
	}
	if p.running {
		if err := c.Start(); err != nil {
			p.capturers.Delete(tid)
			p.metrics.attachAttempts.WithLabelValues(labelError).Inc()
			return errors.Join(err, c.Close())
		}
	}
	p.metrics.attachAttempts.WithLabelValues(labelSuccess).Inc()
	p.metrics.threads.Inc()
	level.Debug(p.logger).Log("msg", "attached", "tid", tid, "strategy", c.Strategy())
	return nil
}

// AttachAll attaches every thread the process currently has and returns
// how many were attached. Threads exiting in between are skipped.
func (p *Profiler) AttachAll() (int, error) {
	tids, err := p.maps.Threads(p.cfg.PID)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs error
	)
	for _, tid := range tids {
		if err := p.Attach(tid); err != nil {
			if errors.Is(err, ErrThreadNotFound) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// Detach stops and closes the capturer of tid. Its samples are lost.
func (p *Profiler) Detach(tid int) error {
	c, ok := p.capturers.LoadAndDelete(tid)
	if !ok {
		return nil
	}
	p.metrics.threads.Dec()
	return c.Close()
}

// Threads returns the attached thread ids in ascending order.
func (p *Profiler) Threads() []int {
	tids := make([]int, 0, p.capturers.Size())
	p.capturers.Range(func(tid int, _ Capturer) bool {
		tids = append(tids, tid)
		return true
	})
	sort.Ints(tids)
	return tids
}

// Samples returns how many samples are buffered for tid.
func (p *Profiler) Samples(tid int) int {
	c, ok := p.capturers.Load(tid)
	if !ok {
		return 0
	}
	return len(c.CapturedSamples())
}

// Start starts background sampling of all attached threads.
func (p *Profiler) Start() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.running {
		return nil
	}
	if p.capturers.Size() == 0 {
		return ErrNoThreads
	}

	var errs error
	p.capturers.Range(func(tid int, c Capturer) bool {
		if err := c.Start(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("thread %d: %w", tid, err))
		}
		return true
	})
	if errs != nil {
		p.stopLocked()
		return errs
	}
	p.running = true
	p.lastProfileStartedAt = time.Now()
	level.Info(p.logger).Log("msg", "sampling started", "threads", p.capturers.Size())
	return nil
}

func (p *Profiler) Stop() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	return p.stopLocked()
}

func (p *Profiler) stopLocked() error {
	var errs error
	p.capturers.Range(func(tid int, c Capturer) bool {
		if err := c.Stop(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("thread %d: %w", tid, err))
		}
		return true
	})
	return errs
}

// Run samples until ctx is done. Cancellation is not an error.
func (p *Profiler) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

// Profile builds a profile of the samples buffered so far. The buffers are
// left untouched.
func (p *Profiler) Profile() (*profile.Profile, error) {
	start := time.Now()
	prof, err := p.profile()
	p.metrics.profileDuration.Observe(time.Since(start).Seconds())

	p.mtx.Lock()
	p.lastError = err
	p.mtx.Unlock()

	if err != nil {
		p.metrics.profileAttempts.WithLabelValues(labelError).Inc()
		return nil, err
	}
	p.metrics.profileAttempts.WithLabelValues(labelSuccess).Inc()
	return prof, nil
}

func (p *Profiler) profile() (*profile.Profile, error) {
	var samples []capturer.Stack
	p.capturers.Range(func(_ int, c Capturer) bool {
		samples = append(samples, c.CapturedSamples()...)
		return true
	})
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Time.Before(samples[j].Time)
	})

	mappings, err := p.maps.MappingsForPID(p.cfg.PID)
	if err != nil {
		return nil, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	start := p.lastProfileStartedAt
	if start.IsZero() {
		start = time.Now()
	}
	return p.converter.Convert(p.cfg.PID, mappings, samples, start, p.interval()), nil
}

func (p *Profiler) interval() time.Duration {
	if p.cfg.Capturer.Interval > 0 {
		return p.cfg.Capturer.Interval
	}
	return capturer.DefaultInterval
}

func (p *Profiler) LastProfileStartedAt() time.Time {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastProfileStartedAt
}

func (p *Profiler) LastError() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastError
}

func (p *Profiler) Close() error {
	errs := p.Stop()
	p.capturers.Range(func(tid int, _ Capturer) bool {
		errs = errors.Join(errs, p.Detach(tid))
		return true
	})
	if p.resolver != nil {
		errs = errors.Join(errs, p.resolver.Close())
	}
	return errs
}
