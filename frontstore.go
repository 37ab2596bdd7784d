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
	"time"

	"github.com/rs/zerolog"
)

// FrontStore is the bounded, local half of a near cache: components A-D of
// the design. It owns an entryTable, charges every value through a
// UnitCalculator, prunes through an EvictionPolicy once currentUnits
// crosses HighUnits, and optionally fronts a CacheLoader/CacheStore.
//
// Every exported method that reads or mutates entries takes the same write
// barrier (mu); Metrics and Listeners return their objects without it. This
// matches the
// teacher's single-shard-lock discipline rather than attempting the
// sharded-mutex layout a multi-core-throughput cache would want: this
// engine is sized for a client-side near cache, not a server-side hot
// path.
type FrontStore struct {
	mu sync.Mutex

	table  *entryTable
	calc   UnitCalculator
	policy EvictionPolicy

	highUnits    int64
	lowUnits     int64
	defaultTTL   int64 // millis, 0 = never
	flushDelay   time.Duration
	nextFlushAt  int64
	currentUnits int64

	allowMutableValues bool

	loader   CacheLoader
	store    CacheStore
	sfLoader *singleflightLoader

	listeners *ListenerSupport
	metrics   Metrics
	logger    zerolog.Logger

	released bool
}

// NewFrontStore builds a FrontStore from a normalized copy of cfg; the
// caller's Config is not modified.
func NewFrontStore(cfg Config) (*FrontStore, error) {
	cfg.normalize()

	calc, err := newUnitCalculator(cfg.UnitCalculator, cfg.ExternalUnitFunc)
	if err != nil {
		return nil, err
	}
	policy, err := newEvictionPolicy(cfg.EvictionPolicy, cfg.ExternalPolicy)
	if err != nil {
		return nil, err
	}

	s := &FrontStore{
		table:              newEntryTable(),
		calc:               calc,
		policy:             policy,
		highUnits:          cfg.HighUnits,
		lowUnits:           cfg.lowUnits(),
		defaultTTL:         cfg.ExpiryDelay.Milliseconds(),
		flushDelay:         cfg.FlushDelay,
		allowMutableValues: cfg.AllowMutableValues,
		loader:             cfg.Loader,
		store:              cfg.Store,
		sfLoader:           newSingleflightLoader(),
		listeners:          NewListenerSupport(cfg.Logger),
		logger:             cfg.Logger,
	}
	s.listeners.SetEnforceSynchronous(cfg.env.EnforceSynchronousListeners)
	s.scheduleFlush()
	return s, nil
}

// putOptions carries the explicit operation mode described in §9 down
// through putLocked, replacing what the original design modeled as
// thread-local state.
type putOptions struct {
	mask      writeThroughMask
	synthetic bool
}

var callerPut = putOptions{mask: normalMask, synthetic: false}
var loaderFillPut = putOptions{mask: loadingMask, synthetic: true}

// Get returns the value for key, faulting through the configured
// CacheLoader (via the singleflight coalescer) on a miss. The bool result
// is false only when key is absent both from the front and from the
// loader.
func (s *FrontStore) Get(key interface{}) (interface{}, bool, error) {
	if key == nil {
		return nil, false, ErrNilKey
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, false, ErrReleased
	}
	s.checkFlush()
	now := nowMillis()
	hash := hashKey(key)
	e := s.table.get(hash, key)
	if e != nil && !s.expireIfNeeded(e, now) {
		e.touch(now)
		v := e.value
		s.metrics.addHit()
		s.mu.Unlock()
		return v, true, nil
	}
	s.metrics.addMiss()
	s.mu.Unlock()

	if s.loader == nil {
		return nil, false, nil
	}

	v, err := s.sfLoader.do(key, func() (interface{}, error) { return s.loader.Load(key) })
	if err != nil {
		return nil, false, wrapError(KindBackStore, err, "nearcache: loader failed")
	}
	if v == nil {
		return nil, false, nil
	}
	if err := s.putLocked(key, v, 0, loaderFillPut); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Peek returns the value for key without faulting through the loader and
// without updating recency/frequency bookkeeping.
func (s *FrontStore) Peek(key interface{}) (interface{}, bool) {
	if key == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, false
	}
	s.checkFlush()
	now := nowMillis()
	e := s.table.get(hashKey(key), key)
	if e == nil || s.expireIfNeeded(e, now) {
		return nil, false
	}
	return e.value, true
}

// PeekAll returns the live, unexpired values among keys, without faulting
// the loader or touching recency/frequency bookkeeping, per §4.D.
func (s *FrontStore) PeekAll(keys []interface{}) map[interface{}]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[interface{}]interface{})
	if s.released {
		return out
	}
	s.checkFlush()
	now := nowMillis()
	for _, key := range keys {
		e := s.table.get(hashKey(key), key)
		if e != nil && !e.isExpired(now) {
			out[key] = e.value
		}
	}
	return out
}

// Put inserts or replaces key's value. ttlMillis follows the §6 contract:
// 0 uses the store's default expiry, a positive value is a relative TTL in
// milliseconds, and a negative value means "never expires".
func (s *FrontStore) Put(key, value interface{}, ttlMillis int64) error {
	if key == nil {
		return ErrNilKey
	}
	return s.putLocked(key, value, ttlMillis, callerPut)
}

func (s *FrontStore) putLocked(key, value interface{}, ttlMillis int64, opts putOptions) error {
	if !s.allowMutableValues {
		value = immutable(value)
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	s.checkFlush()

	units, err := calculateUnits(s.calc, key, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	now := nowMillis()
	e := &Entry{
		key:           key,
		value:         value,
		hash:          hashKey(key),
		createdAt:     now,
		lastTouchedAt: now,
		expiresAt:     s.resolveExpiry(ttlMillis, now),
		touchCount:    1,
		units:         units,
	}

	prev := s.table.put(e)
	var oldValue interface{}
	evType := EventInsert
	if prev != nil {
		oldValue = prev.value
		evType = EventUpdate
		s.currentUnits -= prev.units
		s.metrics.addKeyUpdate()
	} else {
		s.metrics.addKeyAdd()
	}
	s.currentUnits += units
	s.metrics.addCost(units)

	writeThrough := opts.mask.allowsWriteThrough() && s.store != nil
	s.pruneIfNeeded()

	dispatchErr := s.listeners.Dispatch(MapEvent{
		Type: evType, Key: key, OldValue: oldValue, NewValue: value, Synthetic: opts.synthetic,
	})
	s.mu.Unlock()

	if dispatchErr != nil {
		return dispatchErr
	}
	if writeThrough {
		if err := s.store.Store(key, value); err != nil {
			return wrapError(KindBackStore, err, "nearcache: store write-through failed")
		}
	}
	return nil
}

// resolveExpiry must be called with mu held; it reads s.defaultTTL.
func (s *FrontStore) resolveExpiry(ttlMillis, now int64) int64 {
	switch {
	case ttlMillis > 0:
		return now + ttlMillis
	case ttlMillis == 0:
		if s.defaultTTL <= 0 {
			return 0
		}
		return now + s.defaultTTL
	default:
		return 0
	}
}

// Remove deletes key from the front, returning the value that was present
// (if any), and erases through to the configured CacheStore.
func (s *FrontStore) Remove(key interface{}) (interface{}, bool, error) {
	if key == nil {
		return nil, false, ErrNilKey
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, false, ErrReleased
	}
	s.checkFlush()
	e := s.table.remove(hashKey(key), key)
	var dispatchErr error
	if e != nil {
		dispatchErr = s.listeners.Dispatch(MapEvent{Type: EventDelete, Key: e.key, OldValue: e.value})
	}
	s.mu.Unlock()
	if e == nil {
		return nil, false, nil
	}
	if dispatchErr != nil {
		return e.value, true, dispatchErr
	}

	if s.store != nil {
		if err := s.store.Erase(key); err != nil {
			return e.value, true, wrapError(KindBackStore, err, "nearcache: store erase-through failed")
		}
	}
	return e.value, true, nil
}

// Clear empties the front store, erasing through the configured CacheStore
// if present, resetting hit/miss statistics, and rescheduling the next
// flush, per §4.D ("erases all, through the store if present, resets
// hit/miss counters, and reschedules the next flush").
func (s *FrontStore) Clear() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	entries := s.table.entries()
	s.table.clear()
	s.currentUnits = 0
	s.metrics.reset()
	s.scheduleFlush()
	var dispatchErr error
	for _, e := range entries {
		if err := s.listeners.Dispatch(MapEvent{Type: EventDelete, Key: e.key, OldValue: e.value, Synthetic: true}); err != nil && dispatchErr == nil {
			dispatchErr = err
		}
	}
	store := s.store
	s.mu.Unlock()

	if store != nil && len(entries) > 0 {
		keys := make([]interface{}, len(entries))
		for i, e := range entries {
			keys[i] = e.key
		}
		if err := store.EraseAll(keys); err != nil && dispatchErr == nil {
			dispatchErr = wrapError(KindBackStore, err, "nearcache: store erase-through failed")
		}
	}
	return dispatchErr
}

// Release permanently disables the store; every subsequent operation
// returns ErrReleased.
func (s *FrontStore) Release() {
	s.mu.Lock()
	s.released = true
	s.table.clear()
	s.mu.Unlock()
}

// ContainsKey reports whether key is present and unexpired, without
// faulting the loader or touching recency/frequency bookkeeping.
func (s *FrontStore) ContainsKey(key interface{}) bool {
	_, ok := s.Peek(key)
	return ok
}

// ContainsValue reports whether any live entry holds a value equal to
// value, per §9's supplemented query operations. This is a full scan, same
// cost profile as the original's equivalent call.
func (s *FrontStore) ContainsValue(value interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	now := nowMillis()
	for _, e := range s.table.entries() {
		if !e.isExpired(now) && e.value == value {
			return true
		}
	}
	return false
}

// Keys returns a snapshot of every live key.
func (s *FrontStore) Keys() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMillis()
	out := make([]interface{}, 0, s.table.size)
	for _, e := range s.table.entries() {
		if !e.isExpired(now) {
			out = append(out, e.key)
		}
	}
	return out
}

// Values returns a snapshot of every live value.
func (s *FrontStore) Values() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMillis()
	out := make([]interface{}, 0, s.table.size)
	for _, e := range s.table.entries() {
		if !e.isExpired(now) {
			out = append(out, e.value)
		}
	}
	return out
}

// Evict forces expiry of one entry regardless of its actual expiry time,
// emitting a synthetic delete if it was present, per §4.D. It is a no-op
// if key is absent.
func (s *FrontStore) Evict(key interface{}) {
	if key == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if e := s.table.get(hashKey(key), key); e != nil {
		s.evictEntry(e)
	}
	s.mu.Unlock()
}

// EvictExpired scans every entry, removes those that have expired, and
// reschedules the next periodic flush, per §4.D's public eviction sweep.
func (s *FrontStore) EvictExpired() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.sweepExpired(nowMillis())
	s.scheduleFlush()
	s.mu.Unlock()
}

// Size returns the number of entries in the table, including expired
// entries that no access or flush has removed yet.
func (s *FrontStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.size
}

// CurrentUnits returns the cost currently charged against HighUnits.
func (s *FrontStore) CurrentUnits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUnits
}

// Metrics returns the store's live counters.
func (s *FrontStore) Metrics() *Metrics { return &s.metrics }

// Listeners exposes the store's ListenerSupport so a CachingMap or a
// ContinuousQueryView can register against front-store mutation events.
func (s *FrontStore) Listeners() *ListenerSupport { return s.listeners }

// pruneIfNeeded runs an eviction pass if currentUnits has crossed
// highUnits. Must be called with mu held; the policy's Evict callback
// (evictEntry) dispatches delete events while mu is still held, which is
// safe because ListenerSupport guards its registry with its own mutex.
func (s *FrontStore) pruneIfNeeded() {
	if s.highUnits <= 0 || s.currentUnits <= s.highUnits {
		return
	}
	s.policy.RequestEviction(EvictionRequest{
		LowUnits:     s.lowUnits,
		Entries:      s.table.entries(),
		CurrentUnits: func() int64 { return s.currentUnits },
		Evict:        s.evictEntry,
	})
}

// evictEntry removes e from the table, updates bookkeeping and dispatches
// a synthetic delete event. Used by pruning (eviction.go policies) and by
// flush.go's lazy/periodic expiry paths. Must be called with mu held; it
// never writes through, since neither eviction nor expiry is a caller
// mutation.
func (s *FrontStore) evictEntry(e *Entry) {
	if !s.table.removeEntry(e) {
		return
	}
	s.currentUnits -= e.units
	s.metrics.addKeyEvict(e.units)
	if err := s.listeners.Dispatch(MapEvent{Type: EventDelete, Key: e.key, OldValue: e.value, Synthetic: true}); err != nil {
		s.logger.Error().Err(err).Msg("nearcache: synchronous listener error during eviction")
	}
}

// immutable returns value unchanged unless it implements Cloner, in which
// case it returns a clone. Go has no general-purpose deep-copy for an
// arbitrary interface{}, so AllowMutableValues=false is a best-effort
// safeguard rather than the hard guarantee a language with value-type
// generics could offer: callers storing mutable composite values should
// implement Cloner themselves if they need the protection described in
// §4.A.
func immutable(value interface{}) interface{} {
	if c, ok := value.(Cloner); ok {
		return c.Clone()
	}
	return value
}

// Cloner is implemented by values that know how to copy themselves, used
// by Put to honor AllowMutableValues=false.
type Cloner interface {
	Clone() interface{}
}
