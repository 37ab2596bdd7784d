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

package cqv

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coherence-go/nearcache"
)

// fakeBack is a minimal in-process ObservableStore double, local to this
// package so cqv can be tested without importing the root package's own
// test doubles.
type fakeBack struct {
	mu           sync.Mutex
	data         map[interface{}]interface{}
	filters      []filterReg
	deactivators map[nearcache.ListenerHandle]func(bool)
	seq          uint64
}

type filterReg struct {
	handle nearcache.ListenerHandle
	filter nearcache.Filter
	l      nearcache.Listener
}

func newFakeBack() *fakeBack {
	return &fakeBack{
		data:         make(map[interface{}]interface{}),
		deactivators: make(map[nearcache.ListenerHandle]func(bool)),
	}
}

func (f *fakeBack) nextHandle() nearcache.ListenerHandle {
	f.seq++
	return nearcache.ListenerHandle(f.seq)
}

func (f *fakeBack) Get(key interface{}) (interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeBack) GetAll(keys []interface{}) (map[interface{}]interface{}, error) {
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

func (f *fakeBack) Put(key, value interface{}, ttlMillis int64) error {
	f.mu.Lock()
	old, existed := f.data[key]
	f.data[key] = value
	filters := append([]filterReg(nil), f.filters...)
	f.mu.Unlock()
	evType := nearcache.EventInsert
	if existed {
		evType = nearcache.EventUpdate
	}
	ev := nearcache.MapEvent{Type: evType, Key: key, OldValue: old, NewValue: value}
	for _, r := range filters {
		_ = r.l.OnEvent(ev)
	}
	return nil
}

func (f *fakeBack) PutAll(entries map[interface{}]interface{}) error {
	for k, v := range entries {
		if err := f.Put(k, v, 0); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBack) Remove(key interface{}) (interface{}, bool, error) {
	f.mu.Lock()
	v, ok := f.data[key]
	delete(f.data, key)
	filters := append([]filterReg(nil), f.filters...)
	f.mu.Unlock()
	if ok {
		ev := nearcache.MapEvent{Type: nearcache.EventDelete, Key: key, OldValue: v}
		for _, r := range filters {
			_ = r.l.OnEvent(ev)
		}
	}
	return v, ok, nil
}

func (f *fakeBack) Clear() error {
	f.mu.Lock()
	keys := make([]interface{}, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	f.data = make(map[interface{}]interface{})
	f.mu.Unlock()
	for _, k := range keys {
		_, _, _ = f.Remove(k)
	}
	return nil
}

func (f *fakeBack) ContainsKey(key interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeBack) Size() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), nil
}

func (f *fakeBack) Keys() ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeBack) AddKeyListener(l nearcache.Listener, key interface{}, lite bool) nearcache.ListenerHandle {
	return f.nextHandle()
}

func (f *fakeBack) RemoveKeyListener(key interface{}, h nearcache.ListenerHandle) {}

func (f *fakeBack) AddFilterListener(l nearcache.Listener, filt nearcache.Filter, lite bool) nearcache.ListenerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextHandle()
	f.filters = append(f.filters, filterReg{handle: h, filter: filt, l: l})
	return h
}

func (f *fakeBack) RemoveFilterListener(h nearcache.ListenerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.filters[:0]
	for _, r := range f.filters {
		if r.handle != h {
			kept = append(kept, r)
		}
	}
	f.filters = kept
}

func (f *fakeBack) AddDeactivationListener(l func(truncate bool)) nearcache.ListenerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextHandle()
	f.deactivators[h] = l
	return h
}

func (f *fakeBack) RemoveDeactivationListener(h nearcache.ListenerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deactivators, h)
}

func (f *fakeBack) deactivate(truncate bool) {
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

func gt10(_ interface{}, v interface{}) bool {
	n, ok := v.(int)
	return ok && n > 10
}

// S6 — construction order: configuring buffers a concurrent mutation,
// population reconciles the initial snapshot, and finishing population
// drains the buffered mutation exactly once.
func TestView_S6_ConfiguringBuffersThenDrains(t *testing.T) {
	back := newFakeBack()
	back.data["a"] = 5
	back.data["b"] = 15
	back.data["c"] = 20

	v := New(back, Config{Filter: gt10, CacheValues: true, Logger: zerolog.Nop()})

	require.NoError(t, v.BeginConfiguring())
	require.Equal(t, StateConfiguring, v.State())

	// Concurrent mutation arrives mid-configure: the listener only buffers
	// the key for the drain. The back already holds c=3, so the initial
	// query below does not match c either.
	require.NoError(t, back.Put("c", 3, 0))

	require.NoError(t, v.Populate())
	require.Equal(t, StateConfigured, v.State())

	entries := v.Entries()
	require.Equal(t, map[interface{}]interface{}{"b": 15}, entries)

	require.NoError(t, v.FinishPopulation())
	require.Equal(t, StateSynchronized, v.State())

	entries = v.Entries()
	require.Equal(t, map[interface{}]interface{}{"b": 15}, entries)
}

func TestView_ConfigureConvenienceReachesSynchronized(t *testing.T) {
	back := newFakeBack()
	back.data["a"] = 5
	back.data["b"] = 20
	v := New(back, Config{Filter: gt10, CacheValues: true, Logger: zerolog.Nop()})

	require.NoError(t, v.Configure())
	require.Equal(t, StateSynchronized, v.State())
	ok, err := v.ContainsKey("b")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = v.ContainsKey("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestView_LiveInsertUpdateRemoveMembership(t *testing.T) {
	back := newFakeBack()
	v := New(back, Config{Filter: gt10, CacheValues: true, Logger: zerolog.Nop()})
	require.NoError(t, v.Configure())

	require.NoError(t, back.Put("x", 20, 0))
	ok, _ := v.ContainsKey("x")
	require.True(t, ok)

	// Update that drops below the filter removes membership.
	require.NoError(t, back.Put("x", 1, 0))
	ok, _ = v.ContainsKey("x")
	require.False(t, ok)

	require.NoError(t, back.Put("x", 99, 0))
	ok, _ = v.ContainsKey("x")
	require.True(t, ok)
	_, _, _ = back.Remove("x")
	ok, _ = v.ContainsKey("x")
	require.False(t, ok)
}

func TestView_PutRejectsValueFailingFilter(t *testing.T) {
	back := newFakeBack()
	v := New(back, Config{Filter: gt10, CacheValues: true, Logger: zerolog.Nop()})
	require.NoError(t, v.Configure())

	err := v.Put("x", 1, 0)
	require.ErrorIs(t, err, nearcache.ErrViewReadOnly)

	require.NoError(t, v.Put("x", 50, 0))
	ok, _ := v.ContainsKey("x")
	require.True(t, ok)
}

func TestView_DeactivateAbortsConfiguringToDisconnected(t *testing.T) {
	back := newFakeBack()
	back.data["a"] = 20
	v := New(back, Config{Filter: gt10, CacheValues: true, Logger: zerolog.Nop()})

	require.NoError(t, v.BeginConfiguring())
	back.deactivate(true)
	require.Equal(t, StateDisconnected, v.State())
	require.Empty(t, v.Entries())

	_, err := v.ContainsKey("a")
	require.ErrorIs(t, err, nearcache.ErrDisconnected)
}

func TestView_GetWithoutCachingReadsThrough(t *testing.T) {
	back := newFakeBack()
	back.data["a"] = 20
	v := New(back, Config{Filter: gt10, CacheValues: false, Logger: zerolog.Nop()})
	require.NoError(t, v.Configure())

	val, ok, err := v.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20, val)
}
