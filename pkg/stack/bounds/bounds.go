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

// Package bounds resolves the address range of a thread's stack.
package bounds

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/parca-dev/stack-sampler/pkg/cache"
	"github.com/parca-dev/stack-sampler/pkg/stack/unwind"
	"github.com/parca-dev/stack-sampler/pkg/target"
)

var ErrBoundsUnavailable = errors.New("stack bounds unavailable")

// MappingFinder returns the memory mapping [start, end) of pid containing
// addr.
type MappingFinder interface {
	MappingRange(pid int, addr uint64) (start, end uint64, err error)
}

// Provider resolves and caches the stack bounds of threads. The stack of
// a thread is the mapping that contains its stack pointer.
//
// OS thread stacks never move, but a goroutine's stack is reallocated when
// it grows. A stack pointer outside the cached bounds therefore marks the
// entry as stale and triggers one more resolution.
type Provider struct {
	logger log.Logger
	finder MappingFinder

	cache *cache.LRUCache[target.Thread, unwind.Bounds]
	sfg   *singleflight.Group
}

func NewProvider(logger log.Logger, reg prometheus.Registerer, finder MappingFinder, size int) *Provider {
	return &Provider{
		logger: logger,
		finder: finder,
		cache: cache.NewLRUCache[target.Thread, unwind.Bounds](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "stack_bounds"}, reg),
			size,
		),
		sfg: &singleflight.Group{},
	}
}

// Bounds returns the stack bounds of t given its current stack pointer.
func (p *Provider) Bounds(t target.Thread, sp uint64) (unwind.Bounds, error) {
	if b, ok := p.cache.Get(t); ok && b.Contains(sp) {
		return b, nil
	}

	v, err, _ := p.sfg.Do(t.String(), func() (interface{}, error) {
		start, end, err := p.finder.MappingRange(t.PID, sp)
		if err != nil {
			return unwind.Bounds{}, err
		}
		b := unwind.Bounds{Low: start, High: end}
		if !b.Valid() {
			return unwind.Bounds{}, fmt.Errorf("invalid range 0x%x-0x%x", start, end)
		}
		p.cache.Add(t, b)
		level.Debug(p.logger).Log("msg", "resolved stack bounds", "thread", t, "low", fmt.Sprintf("0x%x", b.Low), "high", fmt.Sprintf("0x%x", b.High))
		return b, nil
	})
	if err != nil {
		return unwind.Bounds{}, fmt.Errorf("%w: thread %s: %w", ErrBoundsUnavailable, t, err)
	}
	return v.(unwind.Bounds), nil //nolint:forcetypeassert
}

// Peek returns the cached bounds of t without resolving them.
func (p *Provider) Peek(t target.Thread) (unwind.Bounds, bool) {
	return p.cache.Peek(t)
}

// Invalidate drops the cached bounds of t.
func (p *Provider) Invalidate(t target.Thread) {
	p.cache.Remove(t)
}

func (p *Provider) Close() error {
	return p.cache.Close()
}
