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

package cache

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// LoadingOnceCache wraps an LRUCache with a loader that runs at most once
// concurrently per key. Concurrent misses for the same key share the result
// of the first loader call.
type LoadingOnceCache[K comparable, V any] struct {
	*LRUCache[K, V]

	sfg    *singleflight.Group
	loader func(K) (V, error)
}

func NewLoadingOnceCache[K comparable, V any](c *LRUCache[K, V], loader func(K) (V, error)) *LoadingOnceCache[K, V] {
	return &LoadingOnceCache[K, V]{
		LRUCache: c,
		sfg:      &singleflight.Group{},
		loader:   loader,
	}
}

// Load returns the cached value for key, calling the loader on a miss.
func (c *LoadingOnceCache[K, V]) Load(key K) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	return c.Reload(key)
}

// Reload calls the loader regardless of the cached value and stores the
// result.
func (c *LoadingOnceCache[K, V]) Reload(key K) (V, error) {
	// Singleflight keys are strings.
	val, err, _ := c.sfg.Do(fmt.Sprintf("%v", key), func() (interface{}, error) {
		v, err := c.loader(key)
		if err != nil {
			return v, err
		}
		c.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return val.(V), nil //nolint:forcetypeassert
}
