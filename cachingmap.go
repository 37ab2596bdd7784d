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
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coherence-go/nearcache/control"
)

// CachingMap is component F: InvalidationCore. It composes a FrontStore
// (component D) and a remote ObservableStore, keeping them consistent
// through one of four invalidation strategies, using a control.Map
// (component E) to line up in-flight reads against concurrent back
// mutations.
type CachingMap struct {
	front *FrontStore
	back  ObservableStore

	control *control.Map
	owners  uint64 // monotonic source of per-call control.Owner tokens

	mu       sync.Mutex
	strategy Strategy
	state    *strategyState

	frontDeleteHandle   ListenerHandle
	deactivationHandle  ListenerHandle
	lastConnectedAtMillis int64

	metrics Metrics
	logger  zerolog.Logger
}

// NewCachingMap builds a CachingMap over front and back under the given
// strategy. strategy == StrategyAuto resolves to StrategyPresent, per
// §4.F.
func NewCachingMap(front *FrontStore, back ObservableStore, strategy Strategy, logger zerolog.Logger) *CachingMap {
	if strategy == StrategyAuto {
		strategy = StrategyPresent
	}
	c := &CachingMap{
		front:    front,
		back:     back,
		control:  control.New(),
		strategy: strategy,
		state:    newStrategyState(),
		logger:   logger,
	}
	c.lastConnectedAtMillis = nowMillis()
	c.frontDeleteHandle = front.Listeners().AddListener(ListenerFunc(c.onFrontDelete), true)
	c.deactivationHandle = back.AddDeactivationListener(c.onBackDeactivate)
	if strategy == StrategyAll || strategy == StrategyLogical {
		c.installGlobalListener()
	}
	return c
}

func (c *CachingMap) newOwner() control.Owner {
	return atomic.AddUint64(&c.owners, 1)
}

// Metrics returns the caching map's own counters (invalidation hits and
// misses); front-store hit/miss/eviction counters remain on the
// underlying FrontStore.
func (c *CachingMap) Metrics() *Metrics { return &c.metrics }

// Get implements §4.F's get protocol.
func (c *CachingMap) Get(key interface{}) (interface{}, bool, error) {
	if key == nil {
		return nil, false, ErrNilKey
	}
	if v, ok := c.front.Peek(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	if strategy == StrategyNone {
		return c.back.Get(key)
	}

	owner := c.newOwner()
	c.control.Lock(key, owner, -1)
	defer c.control.Unlock(key, owner)

	if v, ok := c.front.Peek(key); ok {
		return v, true, nil
	}

	list := newPendingEvents()
	c.control.AttachEventList(key, list)
	defer c.control.DetachEventList(key)

	if err := c.ensureListener(key, strategy); err != nil {
		return nil, false, err
	}

	// A priming event may already have landed in list as a synchronous
	// side effect of ensureListener's registration.
	if v, ok := primingValue(list.snapshot()); ok {
		return c.maybeCache(key, v, true, list.snapshot())
	}

	v, found, err := c.back.Get(key)
	if err != nil {
		return nil, false, wrapError(KindBackStore, err, "nearcache: back get failed")
	}
	c.noteConnected()
	if !found {
		return nil, false, nil
	}
	return c.maybeCache(key, v, true, list.snapshot())
}

// maybeCache applies the read-validity rule and, if valid, stores v into
// the front.
func (c *CachingMap) maybeCache(key, v interface{}, found bool, events []MapEvent) (interface{}, bool, error) {
	if !validReadEvents(events, key) {
		c.metrics.addInvalidationHit()
		return v, found, nil
	}
	c.metrics.addInvalidationMiss()
	if err := c.front.Put(key, v, 0); err != nil {
		return v, found, err
	}
	return v, found, nil
}

// ensureListener installs whatever back-store listener the strategy
// requires for key, if not already installed. For present, this is a
// deferred-to-first-read per-key listener; for all/logical, the global
// listener is already installed at construction and this is a no-op.
func (c *CachingMap) ensureListener(key interface{}, strategy Strategy) error {
	if strategy != StrategyPresent {
		return nil
	}
	if c.state.hasKeyListener(key) {
		return nil
	}
	h := c.back.AddKeyListener(ListenerFunc(c.onBackEvent), key, false)
	c.state.setKeyListener(key, h)
	return nil
}

func (c *CachingMap) installGlobalListener() {
	c.state.mu.Lock()
	if c.state.globalActive {
		c.state.mu.Unlock()
		return
	}
	c.state.globalActive = true
	c.state.mu.Unlock()
	c.state.globalHandle = c.back.AddFilterListener(ListenerFunc(c.onBackEvent), func(interface{}, interface{}) bool { return true }, false)
}

// onBackEvent is the listener installed on the back store. It implements
// §4.F's back-map event validation: append to an attached per-key event
// list if one exists, else invalidate the front entry directly (unless
// the event is itself a priming event, which carries no invalidation
// intent).
func (c *CachingMap) onBackEvent(e MapEvent) error {
	if list := c.control.EventListFor(e.Key); list != nil {
		list.(*pendingEvents).append(e)
		return nil
	}
	if e.Priming {
		return nil
	}
	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()
	if strategy == StrategyLogical && e.Synthetic {
		return nil
	}
	_, _, _ = c.front.Remove(e.Key)
	return nil
}

// onFrontDelete is the front-map deletion listener: it deregisters the
// per-key back listener under strategy present so the listener set stays
// equal to the front's keyset (testable property 4).
func (c *CachingMap) onFrontDelete(e MapEvent) error {
	if e.Type != EventDelete {
		return nil
	}
	if h, ok := c.state.takeKeyListener(e.Key); ok {
		c.back.RemoveKeyListener(e.Key, h)
	}
	return nil
}

// onBackDeactivate implements "reset on disconnect" (§4.F): drop all
// listeners, clear the front, and switch to strategy none. The map stays on
// strategy none afterwards: no later operation restores the previous
// strategy or reinstalls its listeners.
func (c *CachingMap) onBackDeactivate(truncate bool) {
	c.mu.Lock()
	for key, h := range c.state.allKeyListeners() {
		c.back.RemoveKeyListener(key, h)
	}
	if c.state.globalActive {
		c.back.RemoveFilterListener(c.state.globalHandle)
	}
	c.state.reset()
	c.strategy = StrategyNone
	c.mu.Unlock()
	_ = c.front.Clear()
	c.logger.Warn().Bool("truncate", truncate).Msg("nearcache: back store deactivated, reset to strategy none")
}

// Put implements §4.F's put protocol.
func (c *CachingMap) Put(key, value interface{}, ttlMillis int64) error {
	if key == nil {
		return ErrNilKey
	}

	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	if strategy == StrategyNone {
		if err := c.back.Put(key, value, ttlMillis); err != nil {
			return wrapError(KindBackStore, err, "nearcache: back put failed")
		}
		if value != nil {
			return c.front.Put(key, value, ttlMillis)
		}
		return nil
	}

	owner := c.newOwner()
	c.control.Lock(key, owner, -1)
	defer c.control.Unlock(key, owner)

	tracked := c.state.hasKeyListener(key) || strategy == StrategyAll || strategy == StrategyLogical
	var list *pendingEvents
	if tracked {
		list = newPendingEvents()
		c.control.AttachEventList(key, list)
		defer c.control.DetachEventList(key)
	}

	backErr := c.back.Put(key, value, ttlMillis)
	if backErr != nil {
		_, _, _ = c.front.Remove(key)
		return wrapError(KindBackStore, backErr, "nearcache: back put failed")
	}
	c.noteConnected()

	if value == nil || list == nil {
		_, _, _ = c.front.Remove(key)
		return nil
	}

	events := list.snapshot()
	if len(events) == 1 && !events[0].Synthetic && (events[0].Type == EventInsert || events[0].Type == EventUpdate) && events[0].Key == key {
		return c.front.Put(key, value, ttlMillis)
	}
	_, _, _ = c.front.Remove(key)
	return nil
}

// GetAll is the batched variant of Get (§4.F, §2): every key not already
// cached in the front runs through Get's own single-key lock/prime/validate
// protocol, so the same invalidation-race guarantees apply per key as if
// the caller had looked each one up individually.
func (c *CachingMap) GetAll(keys []interface{}) (map[interface{}]interface{}, error) {
	out := make(map[interface{}]interface{}, len(keys))
	var missed []interface{}
	for _, key := range keys {
		if v, ok := c.front.Peek(key); ok {
			out[key] = v
		} else {
			missed = append(missed, key)
		}
	}
	if len(missed) == 0 {
		return out, nil
	}

	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	if strategy == StrategyNone {
		vals, err := c.back.GetAll(missed)
		if err != nil {
			return out, wrapError(KindBackStore, err, "nearcache: back getAll failed")
		}
		for k, v := range vals {
			out[k] = v
		}
		return out, nil
	}

	for _, key := range missed {
		v, found, err := c.Get(key)
		if err != nil {
			return out, err
		}
		if found {
			out[key] = v
		}
	}
	return out, nil
}

// PutAll is the batched variant of Put (§4.F, §2): under strategy none it
// writes through in one bulk back-store call, otherwise each entry runs
// through Put's own per-key lock/validate protocol.
func (c *CachingMap) PutAll(entries map[interface{}]interface{}) error {
	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	if strategy == StrategyNone {
		if err := c.back.PutAll(entries); err != nil {
			return wrapError(KindBackStore, err, "nearcache: back putAll failed")
		}
		for key, value := range entries {
			if value == nil {
				continue
			}
			if err := c.front.Put(key, value, 0); err != nil {
				return err
			}
		}
		return nil
	}

	for key, value := range entries {
		if err := c.Put(key, value, 0); err != nil {
			return err
		}
	}
	return nil
}

// Remove implements §4.F's remove: lock, invalidate the front
// unconditionally, perform the back remove, unlock.
func (c *CachingMap) Remove(key interface{}) (interface{}, bool, error) {
	if key == nil {
		return nil, false, ErrNilKey
	}
	owner := c.newOwner()
	c.control.Lock(key, owner, -1)
	defer c.control.Unlock(key, owner)

	v, found, _ := c.front.Remove(key)
	bv, bfound, err := c.back.Remove(key)
	if err != nil {
		return v, found, wrapError(KindBackStore, err, "nearcache: back remove failed")
	}
	if bfound {
		return bv, true, nil
	}
	return v, found, nil
}

// Clear implements §4.F's clear: try to take the global gate
// non-blockingly with bounded retries; on success, clear the front
// directly, unregister listeners per strategy, then clear the back. On
// repeated failure, clear the back anyway and let back-originated events
// clean up the front (only sound for strategies all/logical, which have a
// standing global listener).
func (c *CachingMap) Clear() error {
	owner := c.newOwner()
	const (
		maxAttempts = 20
		backoff     = 5 * time.Millisecond
	)
	gotGate := false
	for i := 0; i < maxAttempts; i++ {
		if c.control.LockAll(owner, 0) {
			gotGate = true
			break
		}
		time.Sleep(backoff)
	}

	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()

	if !gotGate {
		if strategy != StrategyAll && strategy != StrategyLogical {
			return ErrLockTimeout
		}
		return c.back.Clear()
	}
	defer c.control.UnlockAll(owner)

	if err := c.front.Clear(); err != nil {
		return err
	}
	for key, h := range c.state.allKeyListeners() {
		c.back.RemoveKeyListener(key, h)
		c.state.takeKeyListener(key)
	}
	return c.back.Clear()
}

// ContainsKey reports whether key is cached in the front or, failing that,
// present in the back store.
func (c *CachingMap) ContainsKey(key interface{}) (bool, error) {
	if c.front.ContainsKey(key) {
		return true, nil
	}
	return c.back.ContainsKey(key)
}

// ContainsValue reports whether value is present in the front or, failing
// that, anywhere in the back store, per SPEC_FULL's supplemented query
// operations.
func (c *CachingMap) ContainsValue(value interface{}) (bool, error) {
	if c.front.ContainsValue(value) {
		return true, nil
	}
	keys, err := c.back.Keys()
	if err != nil {
		return false, wrapError(KindBackStore, err, "nearcache: back keys failed")
	}
	for _, key := range keys {
		v, ok, err := c.back.Get(key)
		if err != nil {
			return false, wrapError(KindBackStore, err, "nearcache: back get failed")
		}
		if ok && v == value {
			return true, nil
		}
	}
	return false, nil
}

// KeySet returns the back store's full key set: the CachingMap as a whole
// represents the back store's entire map, of which the front is only an
// accelerator cache of a subset.
func (c *CachingMap) KeySet() ([]interface{}, error) {
	keys, err := c.back.Keys()
	if err != nil {
		return nil, wrapError(KindBackStore, err, "nearcache: back keys failed")
	}
	return keys, nil
}

// Values returns every value in the back store.
func (c *CachingMap) Values() ([]interface{}, error) {
	entries, err := c.EntrySet()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(entries))
	for _, v := range entries {
		out = append(out, v)
	}
	return out, nil
}

// EntrySet returns every (key, value) pair in the back store.
func (c *CachingMap) EntrySet() (map[interface{}]interface{}, error) {
	keys, err := c.back.Keys()
	if err != nil {
		return nil, wrapError(KindBackStore, err, "nearcache: back keys failed")
	}
	entries, err := c.back.GetAll(keys)
	if err != nil {
		return nil, wrapError(KindBackStore, err, "nearcache: back getAll failed")
	}
	return entries, nil
}

// connectedRecently reports whether the back store has been reachable
// within the caller-supplied window, per §9's reconnect back-off
// supplement: a caller driving its own retry loop can use this to avoid
// hammering a back store that just dropped.
func (c *CachingMap) connectedRecently(window time.Duration) bool {
	c.mu.Lock()
	last := c.lastConnectedAtMillis
	c.mu.Unlock()
	return nowMillis()-last < window.Milliseconds()
}

// noteConnected records a successful back-store round trip, advancing the
// reconnect back-off window tracked by connectedRecently.
func (c *CachingMap) noteConnected() {
	c.mu.Lock()
	c.lastConnectedAtMillis = nowMillis()
	c.mu.Unlock()
}

// Strategy returns the caching map's current invalidation strategy.
func (c *CachingMap) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Release tears down listener registrations and releases the underlying
// FrontStore.
func (c *CachingMap) Release() {
	c.front.Listeners().RemoveListener(c.frontDeleteHandle)
	c.back.RemoveDeactivationListener(c.deactivationHandle)
	c.mu.Lock()
	for key, h := range c.state.allKeyListeners() {
		c.back.RemoveKeyListener(key, h)
	}
	if c.state.globalActive {
		c.back.RemoveFilterListener(c.state.globalHandle)
	}
	c.mu.Unlock()
	c.front.Release()
}
