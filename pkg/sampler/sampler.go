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

// Package sampler drives continuous capture of a thread's call stack.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/ring"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

const (
	DefaultInterval    = 16 * time.Millisecond
	DefaultMaxFrames   = 640
	DefaultJoinTimeout = time.Second
)

var (
	ErrRunning     = errors.New("sampler is running")
	ErrJoinTimeout = errors.New("sampler did not stop in time")
)

// Stack is one captured sample.
type Stack struct {
	// PCs holds the program counters, innermost first, without terminator.
	PCs    []uint64
	Thread target.Thread
	Time   time.Time
}

func (s Stack) Frames() int {
	return len(s.PCs)
}

// CaptureFunc writes one 0-terminated sample into buf and returns the
// thread it was taken from and the number of frames.
type CaptureFunc func(ctx context.Context, buf []uint64) (target.Thread, int, error)

type Config struct {
	Interval    time.Duration
	MaxFrames   int
	Capacity    int
	JoinTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.Capacity <= 0 {
		c.Capacity = ring.DefaultCapacity
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
}

// Sampler periodically captures samples while its gate is open and keeps
// the most recent ones in a ring buffer.
type Sampler struct {
	logger  log.Logger
	metrics *metrics

	cfg     Config
	gate    *Gate
	capture CaptureFunc
	samples *ring.Buffer[Stack]

	mtx      sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

func New(logger log.Logger, reg prometheus.Registerer, gate *Gate, capture CaptureFunc, cfg Config) *Sampler {
	cfg.setDefaults()
	m := newMetrics(reg)
	return &Sampler{
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		gate:    gate,
		capture: capture,
		samples: ring.New[Stack](cfg.Capacity, ring.WithEvictionHandler(func(Stack) {
			m.overwritten.Inc()
		})),
	}
}

// Start launches the sampling loop. It fails with ErrRunning when a loop,
// including one that did not stop in time, is still alive.
func (s *Sampler) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrRunning
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.cancel = cancel

	go s.loop(ctx, s.shutdown, s.done)
	level.Debug(s.logger).Log("msg", "sampler started", "interval", s.cfg.Interval)
	return nil
}

// Stop signals the loop to exit and waits for it up to the join timeout.
// Stopping a sampler that is not running is a no-op.
func (s *Sampler) Stop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.shutdown == nil {
		return nil
	}
	close(s.shutdown)
	s.cancel()
	s.shutdown = nil

	select {
	case <-s.done:
		level.Debug(s.logger).Log("msg", "sampler stopped")
		return nil
	case <-time.After(s.cfg.JoinTimeout):
		return fmt.Errorf("%w: waited %s", ErrJoinTimeout, s.cfg.JoinTimeout)
	}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

// Samples returns the buffered samples, oldest first, leaving them in place.
func (s *Sampler) Samples() []Stack {
	return s.samples.GetAll()
}

// Drain returns the buffered samples, oldest first, and clears the buffer.
func (s *Sampler) Drain() []Stack {
	return s.samples.Drain()
}

func (s *Sampler) loop(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]uint64, s.cfg.MaxFrames+1)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
		}

		if !s.gate.Open() {
			s.metrics.samples.WithLabelValues(labelGateClosed).Inc()
			continue
		}
		s.sample(ctx, buf)
	}
}

func (s *Sampler) sample(ctx context.Context, buf []uint64) {
	t, n, err := s.capture(ctx, buf)
	if err != nil {
		if ctx.Err() == nil {
			level.Debug(s.logger).Log("msg", "failed to capture sample", "thread", t, "err", err)
		}
		s.metrics.samples.WithLabelValues(labelError).Inc()
		return
	}
	if n == 0 {
		s.metrics.samples.WithLabelValues(labelEmpty).Inc()
		return
	}

	pcs := make([]uint64, n)
	copy(pcs, buf[:n])
	s.samples.Put(Stack{PCs: pcs, Thread: t, Time: time.Now()})
	s.metrics.samples.WithLabelValues(labelCaptured).Inc()
	s.metrics.frames.Observe(float64(n))
}
