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

// Package cache provides bounded, instrumented caches.
package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/promreg"
)

// none marks the absence of a slot in the recency list.
const none = -1

type slot[K comparable, V any] struct {
	key        K
	value      V
	prev, next int
}

// LRUCache is a size bounded, concurrency safe least recently used cache.
// Entries live in a fixed array of slots linked by index, most recently used
// at the head; evicted slots are reused in place.
type LRUCache[K comparable, V any] struct {
	mtx sync.Mutex

	index      map[K]int
	slots      []slot[K, V]
	head, tail int

	requests  *prometheus.CounterVec
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	// entries is shared by every cache registered under the same labels,
	// so it only ever moves by deltas.
	entries prometheus.Gauge
}

func NewLRUCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRUCache[K, V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &LRUCache[K, V]{
		index: make(map[K]int, maxEntries),
		slots: make([]slot[K, V], 0, maxEntries),
		head:  none,
		tail:  none,
		requests: promreg.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of cache requests.",
		}, []string{"result"})),
		evictions: promreg.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions.",
		})),
		entries: promreg.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Number of entries in the cache.",
		})),
	}
	c.hits = c.requests.WithLabelValues("hit")
	c.misses = c.requests.WithLabelValues("miss")
	return c
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if i, ok := c.index[key]; ok {
		c.slots[i].value = value
		c.touch(i)
		return
	}

	var i int
	if len(c.slots) < cap(c.slots) {
		c.slots = append(c.slots, slot[K, V]{})
		i = len(c.slots) - 1
		c.entries.Inc()
	} else {
		i = c.tail
		c.unlink(i)
		delete(c.index, c.slots[i].key)
		c.evictions.Inc()
	}
	c.slots[i] = slot[K, V]{key: key, value: value, prev: none, next: none}
	c.index[key] = i
	c.pushFront(i)
}

// Get also marks the key as recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	i, ok := c.index[key]
	if !ok {
		c.misses.Inc()
		var zero V
		return zero, false
	}
	c.hits.Inc()
	c.touch(i)
	return c.slots[i].value, true
}

// Peek returns the value associated with key without updating the "recently
// used"-ness of that key.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.slots[i].value, true
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	i, ok := c.index[key]
	if !ok {
		return
	}
	c.unlink(i)
	delete(c.index, key)

	// Keep the slots dense: move the last slot into the hole.
	last := len(c.slots) - 1
	if i != last {
		moved := c.slots[last]
		c.unlink(last)
		c.slots[i] = slot[K, V]{key: moved.key, value: moved.value, prev: none, next: none}
		c.index[moved.key] = i
		c.insertBefore(i, moved.next, moved.prev)
	}
	c.slots[last] = slot[K, V]{}
	c.slots = c.slots[:last]
	c.entries.Dec()
}

func (c *LRUCache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.index)
}

func (c *LRUCache[K, V]) Purge() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.purge()
}

func (c *LRUCache[K, V]) purge() {
	c.entries.Sub(float64(len(c.index)))
	clear(c.index)
	clear(c.slots)
	c.slots = c.slots[:0]
	c.head, c.tail = none, none
}

// Close purges the cache. Its collectors stay registered; a cache created
// later on the same registerer reports into them.
func (c *LRUCache[K, V]) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.purge()
	return nil
}

func (c *LRUCache[K, V]) touch(i int) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}

func (c *LRUCache[K, V]) pushFront(i int) {
	c.slots[i].prev = none
	c.slots[i].next = c.head
	if c.head != none {
		c.slots[c.head].prev = i
	}
	c.head = i
	if c.tail == none {
		c.tail = i
	}
}

// insertBefore links i between prev and next, either of which may be none.
func (c *LRUCache[K, V]) insertBefore(i, next, prev int) {
	c.slots[i].prev = prev
	c.slots[i].next = next
	if prev == none {
		c.head = i
	} else {
		c.slots[prev].next = i
	}
	if next == none {
		c.tail = i
	} else {
		c.slots[next].prev = i
	}
}

func (c *LRUCache[K, V]) unlink(i int) {
	s := &c.slots[i]
	if s.prev == none {
		c.head = s.next
	} else {
		c.slots[s.prev].next = s.next
	}
	if s.next == none {
		c.tail = s.prev
	} else {
		c.slots[s.next].prev = s.prev
	}
	s.prev, s.next = none, none
}
