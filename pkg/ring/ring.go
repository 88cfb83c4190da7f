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

// Package ring provides a fixed capacity buffer that overwrites its oldest
// element once full.
package ring

import "sync"

// DefaultCapacity is the number of samples kept by continuous sampling.
const DefaultCapacity = 641

// Buffer is a bounded FIFO of T. Put never blocks: once the buffer is full
// it replaces the oldest element. Buffer is safe for concurrent use.
type Buffer[T any] struct {
	mtx *sync.Mutex

	items []T
	head  int // index of the oldest element
	size  int

	onEvict func(T)
}

type Option[T any] func(*Buffer[T])

// WithEvictionHandler registers fn to be called with every element that is
// overwritten by Put. fn runs with the buffer locked and must not call back
// into it.
func WithEvictionHandler[T any](fn func(T)) Option[T] {
	return func(b *Buffer[T]) {
		b.onEvict = fn
	}
}

// New returns a Buffer holding at most capacity elements. A capacity below
// one is raised to one.
func New[T any](capacity int, opts ...Option[T]) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer[T]{
		mtx:   &sync.Mutex{},
		items: make([]T, capacity),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Put appends v, overwriting the oldest element when the buffer is full.
// It reports whether an element was overwritten.
func (b *Buffer[T]) Put(v T) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return false
	}

	old := b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	if b.onEvict != nil {
		b.onEvict(old)
	}
	return true
}

// GetAll returns the buffered elements from oldest to newest without
// removing them.
func (b *Buffer[T]) GetAll() []T {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.snapshot()
}

// Drain returns the buffered elements from oldest to newest and empties
// the buffer. The caller owns the returned elements.
func (b *Buffer[T]) Drain() []T {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	res := b.snapshot()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head, b.size = 0, 0
	return res
}

func (b *Buffer[T]) snapshot() []T {
	res := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		res = append(res, b.items[(b.head+i)%len(b.items)])
	}
	return res
}

func (b *Buffer[T]) Empty() bool {
	return b.Size() == 0
}

func (b *Buffer[T]) Full() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.size == len(b.items)
}

func (b *Buffer[T]) Size() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.size
}

func (b *Buffer[T]) Capacity() int {
	return len(b.items)
}
