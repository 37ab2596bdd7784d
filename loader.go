/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package nearcache

import "sync"

// CacheLoader fills a FrontStore miss from an authoritative source.
type CacheLoader interface {
	Load(key interface{}) (interface{}, error)
	LoadAll(keys []interface{}) (map[interface{}]interface{}, error)
}

// CacheStore is a CacheLoader that also accepts writes and erasures,
// installed as a write-through/erase-through pass on a FrontStore.
type CacheStore interface {
	CacheLoader
	Store(key, value interface{}) error
	StoreAll(entries map[interface{}]interface{}) error
	Erase(key interface{}) error
	EraseAll(keys []interface{}) error
}

// singleflightLoader ensures that concurrent misses on the same key collapse
// into a single CacheLoader.Load call, with every other caller blocking on
// the first's result. This mirrors the sharded, lock-per-key "call" cache
// the teacher uses for its own request coalescing.
type singleflightLoader struct {
	mu sync.Mutex
	m  map[interface{}]*loadCall
}

type loadCall struct {
	wg    sync.WaitGroup
	value interface{}
	err   error
}

func newSingleflightLoader() *singleflightLoader {
	return &singleflightLoader{m: make(map[interface{}]*loadCall)}
}

func (s *singleflightLoader) do(key interface{}, fn func() (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	if c, ok := s.m[key]; ok {
		s.mu.Unlock()
		c.wg.Wait()
		return c.value, c.err
	}
	c := &loadCall{}
	c.wg.Add(1)
	s.m[key] = c
	s.mu.Unlock()

	c.value, c.err = fn()
	c.wg.Done()

	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()

	return c.value, c.err
}

// writeThroughMask suppresses write-through while a goroutine is in the
// middle of filling a cache miss from the loader: without it, storing the
// freshly loaded value back into the FrontStore would immediately trigger
// putLocked's write-through and write the value right back to the store it
// was just loaded from. §9 calls for this to be an explicit
// operation mode threaded through the call, not thread-local state; we
// thread it as a context-shaped flag passed alongside the mutation.
type writeThroughMask struct {
	suppressed bool
}

func (m writeThroughMask) allowsWriteThrough() bool { return !m.suppressed }

var loadingMask = writeThroughMask{suppressed: true}
var normalMask = writeThroughMask{suppressed: false}
