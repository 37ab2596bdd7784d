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

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBackStore is a minimal in-memory ObservableStore used to exercise
// CachingMap's invalidation protocol without a real wire client.
type fakeBackStore struct {
	mu        sync.Mutex
	data      map[interface{}]interface{}
	listeners *ListenerSupport
	deactivators map[ListenerHandle]func(bool)
	seq       uint64
}

func newFakeBackStore() *fakeBackStore {
	return &fakeBackStore{
		data:         make(map[interface{}]interface{}),
		listeners:    NewListenerSupport(zerolog.Nop()),
		deactivators: make(map[ListenerHandle]func(bool)),
	}
}

func (f *fakeBackStore) Get(key interface{}) (interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeBackStore) GetAll(keys []interface{}) (map[interface{}]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[interface{}]interface{})
	for _, k := range keys {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeBackStore) Put(key, value interface{}, ttlMillis int64) error {
	f.mu.Lock()
	old, existed := f.data[key]
	f.data[key] = value
	f.mu.Unlock()
	evType := EventInsert
	if existed {
		evType = EventUpdate
	}
	return f.listeners.Dispatch(MapEvent{Type: evType, Key: key, OldValue: old, NewValue: value})
}

func (f *fakeBackStore) PutAll(entries map[interface{}]interface{}) error {
	for k, v := range entries {
		if err := f.Put(k, v, 0); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackStore) Remove(key interface{}) (interface{}, bool, error) {
	f.mu.Lock()
	v, ok := f.data[key]
	delete(f.data, key)
	f.mu.Unlock()
	if ok {
		_ = f.listeners.Dispatch(MapEvent{Type: EventDelete, Key: key, OldValue: v})
	}
	return v, ok, nil
}

func (f *fakeBackStore) Clear() error {
	f.mu.Lock()
	keys := make([]interface{}, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	f.data = make(map[interface{}]interface{})
	f.mu.Unlock()
	for _, k := range keys {
		_ = f.listeners.Dispatch(MapEvent{Type: EventDelete, Key: k})
	}
	return nil
}

func (f *fakeBackStore) ContainsKey(key interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeBackStore) Size() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), nil
}

func (f *fakeBackStore) Keys() ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeBackStore) AddKeyListener(l Listener, key interface{}, lite bool) ListenerHandle {
	h := f.listeners.AddKeyListener(key, l, lite)
	f.mu.Lock()
	v, ok := f.data[key]
	f.mu.Unlock()
	if ok {
		_ = l.OnEvent(MapEvent{Type: EventInsert, Key: key, NewValue: v, Synthetic: true, Priming: true})
	}
	return h
}

func (f *fakeBackStore) RemoveKeyListener(key interface{}, h ListenerHandle) {
	f.listeners.RemoveKeyListener(key, h)
}

func (f *fakeBackStore) AddFilterListener(l Listener, filter Filter, lite bool) ListenerHandle {
	return f.listeners.AddFilterListener(filter, l, lite)
}

func (f *fakeBackStore) RemoveFilterListener(h ListenerHandle) {
	f.listeners.RemoveFilterListener(h)
}

func (f *fakeBackStore) AddDeactivationListener(l func(truncate bool)) ListenerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := ListenerHandle(f.seq)
	f.deactivators[h] = l
	return h
}

func (f *fakeBackStore) RemoveDeactivationListener(h ListenerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deactivators, h)
}

func (f *fakeBackStore) deactivate(truncate bool) {
	f.mu.Lock()
	handlers := make([]func(bool), 0, len(f.deactivators))
	for _, h := range f.deactivators {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(truncate)
	}
}

// S4 — caching map get with priming.
func TestCachingMap_S4_GetWithPriming(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["k"] = "v"

	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	v, ok, err := cm.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	fv, ffound := front.Peek("k")
	require.True(t, ffound)
	require.Equal(t, "v", fv)
	require.True(t, cm.state.hasKeyListener("k"))
}

// S5 — invalidation race: a concurrent back write lands in the pending
// event list before the in-flight get validates, so the get must not
// populate the front with the stale value it already read.
func TestCachingMap_S5_InvalidationRace(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["k"] = "v"

	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	// Pre-register the listener so AddKeyListener's synchronous priming
	// fire happens up front, then simulate the race by attaching the
	// pending list ourselves and writing before snapshotting, mirroring
	// what a concurrent writer interleaved with Get would produce.
	owner := cm.newOwner()
	cm.control.Lock("k", owner, -1)
	list := newPendingEvents()
	cm.control.AttachEventList("k", list)
	require.NoError(t, cm.ensureListener("k", StrategyPresent))
	// Drain the priming event so it doesn't count against validity.
	list.events = nil

	v, found, err := back.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)

	require.NoError(t, back.Put("k", "w", 0))

	result, ok, err := cm.maybeCache("k", v, found, list.snapshot())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", result)
	cm.control.DetachEventList("k")
	cm.control.Unlock("k", owner)

	_, cached := front.Peek("k")
	require.False(t, cached)
	require.EqualValues(t, 1, cm.Metrics().InvalidationHits())

	v2, ok, err := cm.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "w", v2)
}

func TestCachingMap_PutRoundTrip(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	require.NoError(t, cm.Put("k", "v", 0))
	require.NoError(t, cm.ensureListener("k", StrategyPresent))
	v, ok, err := cm.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestCachingMap_StrategyNonePassesThrough(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	cm := NewCachingMap(front, back, StrategyNone, zerolog.Nop())

	require.NoError(t, cm.Put("k", "v", 0))
	bv, ok, _ := back.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", bv)
	fv, ok := front.Peek("k")
	require.True(t, ok)
	require.Equal(t, "v", fv)
}

func TestCachingMap_GetAllMixesFrontHitsAndBackMisses(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["a"] = "1"
	back.data["b"] = "2"
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())
	require.NoError(t, front.Put("a", "1", 0))

	got, err := cm.GetAll([]interface{}{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{"a": "1", "b": "2"}, got)
}

func TestCachingMap_GetAllUnderStrategyNoneReadsThroughInBulk(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["a"] = "1"
	back.data["b"] = "2"
	cm := NewCachingMap(front, back, StrategyNone, zerolog.Nop())

	got, err := cm.GetAll([]interface{}{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{"a": "1", "b": "2"}, got)
}

func TestCachingMap_PutAllRoundTrip(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())
	// Under strategy present a put only populates the front for keys that
	// already have a back listener; track both keys first.
	require.NoError(t, cm.ensureListener("a", StrategyPresent))
	require.NoError(t, cm.ensureListener("b", StrategyPresent))

	require.NoError(t, cm.PutAll(map[interface{}]interface{}{"a": "1", "b": "2"}))

	bv, ok, _ := back.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", bv)
	fv, ok := front.Peek("b")
	require.True(t, ok)
	require.Equal(t, "2", fv)
}

func TestCachingMap_PutAllUnderStrategyNonePutsBulkThroughBack(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	cm := NewCachingMap(front, back, StrategyNone, zerolog.Nop())

	require.NoError(t, cm.PutAll(map[interface{}]interface{}{"a": "1", "b": "2"}))

	bv, ok, _ := back.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", bv)
	fv, ok := front.Peek("b")
	require.True(t, ok)
	require.Equal(t, "2", fv)
}

func TestCachingMap_ContainsValueChecksFrontThenBack(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["a"] = "1"
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	ok, err := cm.ContainsValue("1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cm.ContainsValue("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachingMap_KeySetValuesEntrySetReflectBackStore(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["a"] = "1"
	back.data["b"] = "2"
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	keys, err := cm.KeySet()
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{"a", "b"}, keys)

	values, err := cm.Values()
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{"1", "2"}, values)

	entries, err := cm.EntrySet()
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{"a": "1", "b": "2"}, entries)
}

func TestCachingMap_ResetOnDeactivate(t *testing.T) {
	front, err := NewFrontStore(Config{HighUnits: 100})
	require.NoError(t, err)
	back := newFakeBackStore()
	back.data["k"] = "v"
	cm := NewCachingMap(front, back, StrategyPresent, zerolog.Nop())

	_, _, err = cm.Get("k")
	require.NoError(t, err)
	back.deactivate(true)

	require.Equal(t, StrategyNone, cm.Strategy())
	_, ok := front.Peek("k")
	require.False(t, ok)
}
