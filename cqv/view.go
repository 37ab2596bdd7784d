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
	"time"

	"github.com/rs/zerolog"

	"github.com/coherence-go/nearcache"
)

// Querier is an optional capability a back store can implement to serve
// View's initial reconciliation pass as a single bulk query instead of a
// Keys()+Get() scan.
type Querier interface {
	QueryFilter(filter nearcache.Filter) (map[interface{}]interface{}, error)
}

// Config configures a View.
type Config struct {
	Filter nearcache.Filter
	// Transform, if set, maps a back (key, value) pair to the value stored
	// locally; when nil the back value is stored unchanged.
	Transform func(key, value interface{}) interface{}
	// CacheValues controls whether the view stores values locally (true)
	// or only tracks membership, reading values through to the back on
	// every Get (false).
	CacheValues bool
	// ReconnectInterval gates re-entry to configuring from disconnected.
	// Zero disables auto-reconnect: operations return ErrDisconnected.
	ReconnectInterval time.Duration
	// AsyncDispatchBuffer, when > 0, routes non-synchronous listener
	// notifications through a buffered worker goroutine instead of the
	// calling goroutine.
	AsyncDispatchBuffer int
	Logger               zerolog.Logger
}

// View is component G: ContinuousQueryView.
type View struct {
	mu sync.RWMutex

	back   nearcache.ObservableStore
	filter nearcache.Filter
	cfg    Config

	state           State
	local           map[interface{}]interface{}
	pendingSync     map[interface{}]struct{}
	lastConnectedAt time.Time

	filterHandle       nearcache.ListenerHandle
	deactivationHandle nearcache.ListenerHandle

	syncListeners  *nearcache.ListenerSupport
	asyncListeners *nearcache.ListenerSupport
	dispatch       *dispatchQueue

	logger zerolog.Logger
}

// New builds a disconnected View. Call Configure (or the three-step
// BeginConfiguring/Populate/FinishPopulation sequence) to bring it up.
func New(back nearcache.ObservableStore, cfg Config) *View {
	v := &View{
		back:           back,
		filter:         cfg.Filter,
		cfg:            cfg,
		local:          make(map[interface{}]interface{}),
		syncListeners:  nearcache.NewListenerSupport(cfg.Logger),
		asyncListeners: nearcache.NewListenerSupport(cfg.Logger),
		logger:         cfg.Logger,
	}
	if cfg.AsyncDispatchBuffer > 0 {
		v.dispatch = newDispatchQueue(cfg.AsyncDispatchBuffer)
	}
	return v
}

// State returns the view's current configuration state.
func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// AddListener registers l for view membership changes. A listener that
// implements nearcache.SynchronousListener and reports true is delivered
// on the calling goroutine; everything else goes through the async
// dispatch queue when one is configured.
func (v *View) AddListener(l nearcache.Listener, lite bool) nearcache.ListenerHandle {
	if sl, ok := l.(nearcache.SynchronousListener); ok && sl.Synchronous() {
		return v.syncListeners.AddListener(l, lite)
	}
	return v.asyncListeners.AddListener(l, lite)
}

func (v *View) notify(e nearcache.MapEvent) {
	if err := v.syncListeners.Dispatch(e); err != nil {
		v.logger.Error().Err(err).Msg("nearcache/cqv: synchronous listener error")
	}
	if v.dispatch != nil {
		v.dispatch.enqueue(func() { _ = v.asyncListeners.Dispatch(e) })
		return
	}
	_ = v.asyncListeners.Dispatch(e)
}

// Close tears down listener registrations and drains the dispatch queue.
func (v *View) Close() {
	v.mu.Lock()
	if v.state != StateDisconnected {
		v.back.RemoveFilterListener(v.filterHandle)
		v.back.RemoveDeactivationListener(v.deactivationHandle)
		v.state = StateDisconnected
	}
	v.mu.Unlock()
	if v.dispatch != nil {
		v.dispatch.Close()
	}
}

// BeginConfiguring is the disconnected -> configuring transition: it
// installs the back listener and deactivation hook and allocates the
// pending-sync buffer that absorbs events observed during population.
func (v *View) BeginConfiguring() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateDisconnected {
		return nil
	}
	v.state = StateConfiguring
	v.pendingSync = make(map[interface{}]struct{})
	v.filterHandle = v.back.AddFilterListener(nearcache.ListenerFunc(v.onBackEventLocked), trueFilter, false)
	v.deactivationHandle = v.back.AddDeactivationListener(v.onDeactivate)
	return nil
}

// Populate runs the initial back-store query under the view's filter and
// is the configuring -> configured transition (population complete).
func (v *View) Populate() error {
	v.mu.Lock()
	if v.state != StateConfiguring {
		v.mu.Unlock()
		return nearcache.ErrDisconnected
	}
	v.mu.Unlock()

	matches, err := v.query()
	if err != nil {
		return err
	}

	v.mu.Lock()
	for k, backValue := range matches {
		v.local[k] = v.valueForLocked(k, backValue)
	}
	v.state = StateConfigured
	v.lastConnectedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *View) query() (map[interface{}]interface{}, error) {
	if q, ok := v.back.(Querier); ok {
		return q.QueryFilter(v.filter)
	}
	keys, err := v.back.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[interface{}]interface{})
	for _, k := range keys {
		val, ok, err := v.back.Get(k)
		if err != nil {
			return nil, err
		}
		if ok && v.filter(k, val) {
			out[k] = val
		}
	}
	return out, nil
}

// FinishPopulation is the configured -> synchronized transition: it
// drains whatever the pending-sync buffer accumulated while Populate was
// running, re-reading each affected key from the back before dropping the
// buffer.
func (v *View) FinishPopulation() error {
	v.mu.Lock()
	if v.state != StateConfigured {
		v.mu.Unlock()
		return nearcache.ErrDisconnected
	}
	pending := v.pendingSync
	v.mu.Unlock()

	for key := range pending {
		val, ok, err := v.back.Get(key)
		if err != nil {
			return err
		}
		v.mu.Lock()
		_, wasIn := v.local[key]
		switch {
		case ok && v.filter(key, val):
			v.local[key] = v.valueForLocked(key, val)
		case wasIn:
			delete(v.local, key)
		}
		v.mu.Unlock()
	}

	v.mu.Lock()
	v.pendingSync = nil
	v.state = StateSynchronized
	v.mu.Unlock()
	return nil
}

// Configure runs the full disconnected -> synchronized sequence.
func (v *View) Configure() error {
	if err := v.BeginConfiguring(); err != nil {
		return err
	}
	if err := v.Populate(); err != nil {
		return err
	}
	return v.FinishPopulation()
}

func (v *View) valueForLocked(key, backValue interface{}) interface{} {
	if !v.cfg.CacheValues {
		return nil
	}
	if v.cfg.Transform != nil {
		return v.cfg.Transform(key, backValue)
	}
	return backValue
}

var trueFilter nearcache.Filter = func(interface{}, interface{}) bool { return true }

// onBackEventLocked is the combined add/remove-filter listener logic
// (§4.G): a single back registration, since our ObservableStore's filter
// convention evaluates one (key, value) pair per event and cannot express
// "matches the old value but not the new" as a standalone Filter predicate
// the way the original's two separate listener registrations did. Which
// local-state transition happens is decided here from the full event
// instead.
func (v *View) onBackEventLocked(e nearcache.MapEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateConfiguring {
		if v.pendingSync != nil {
			v.pendingSync[e.Key] = struct{}{}
		}
		return nil
	}
	if v.state != StateConfigured && v.state != StateSynchronized {
		return nil
	}

	if e.Type == nearcache.EventDelete {
		if _, in := v.local[e.Key]; in {
			delete(v.local, e.Key)
			v.notify(nearcache.MapEvent{Type: nearcache.EventDelete, Key: e.Key, OldValue: e.OldValue})
		}
		return nil
	}

	matches := v.filter(e.Key, e.NewValue)
	_, wasIn := v.local[e.Key]
	switch {
	case matches && !wasIn:
		v.local[e.Key] = v.valueForLocked(e.Key, e.NewValue)
		v.notify(nearcache.MapEvent{Type: nearcache.EventInsert, Key: e.Key, NewValue: e.NewValue})
	case matches && wasIn:
		v.local[e.Key] = v.valueForLocked(e.Key, e.NewValue)
		v.notify(nearcache.MapEvent{Type: nearcache.EventUpdate, Key: e.Key, OldValue: e.OldValue, NewValue: e.NewValue})
	case !matches && wasIn:
		delete(v.local, e.Key)
		v.notify(nearcache.MapEvent{Type: nearcache.EventDelete, Key: e.Key, OldValue: e.OldValue, Synthetic: true})
	}
	return nil
}

// onDeactivate implements the open question's safer resolution: a
// truncate or destroy arriving mid-configure aborts the pass and returns
// to disconnected rather than risking a population race leaking entries.
func (v *View) onDeactivate(truncate bool) {
	v.mu.Lock()
	if v.state == StateDisconnected {
		v.mu.Unlock()
		return
	}
	v.back.RemoveFilterListener(v.filterHandle)
	v.back.RemoveDeactivationListener(v.deactivationHandle)
	v.state = StateDisconnected
	v.local = make(map[interface{}]interface{})
	v.pendingSync = nil
	v.mu.Unlock()
	v.logger.Warn().Bool("truncate", truncate).Msg("nearcache/cqv: back deactivated, view disconnected")
}

// reconnectIfDue attempts Configure when the view is disconnected and a
// non-zero ReconnectInterval has elapsed since the last successful
// connection, per §4.G's reconnection contract.
func (v *View) reconnectIfDue() error {
	v.mu.RLock()
	state := v.state
	last := v.lastConnectedAt
	interval := v.cfg.ReconnectInterval
	v.mu.RUnlock()
	if state != StateDisconnected {
		return nil
	}
	if interval <= 0 {
		return nearcache.ErrDisconnected
	}
	if time.Since(last) < interval {
		return nearcache.ErrDisconnected
	}
	return v.Configure()
}

// ContainsKey reports whether key is currently in the view.
func (v *View) ContainsKey(key interface{}) (bool, error) {
	if err := v.reconnectIfDue(); err != nil {
		return false, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.local[key]
	return ok, nil
}

// Get returns the view's value for key. When the view is not caching
// values, this reads through to the back.
func (v *View) Get(key interface{}) (interface{}, bool, error) {
	if err := v.reconnectIfDue(); err != nil {
		return nil, false, err
	}
	v.mu.RLock()
	_, in := v.local[key]
	caching := v.cfg.CacheValues
	val := v.local[key]
	v.mu.RUnlock()
	if !in {
		return nil, false, nil
	}
	if caching {
		return val, true, nil
	}
	return v.back.Get(key)
}

// Keys returns a snapshot of the view's current key set.
func (v *View) Keys() []interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]interface{}, 0, len(v.local))
	for k := range v.local {
		out = append(out, k)
	}
	return out
}

// Entries returns a snapshot of the view's local (key, value) pairs. When
// the view is not caching values the values are nil; use Get for a
// read-through value.
func (v *View) Entries() map[interface{}]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[interface{}]interface{}, len(v.local))
	for k, val := range v.local {
		out[k] = val
	}
	return out
}

// Put writes through to the back store after verifying the outgoing
// (key, value) satisfies the view's filter, per the read-only-outside-
// filter invariant in §4.G.
func (v *View) Put(key, value interface{}, ttlMillis int64) error {
	if !v.filter(key, value) {
		return nearcache.ErrViewReadOnly
	}
	return v.back.Put(key, value, ttlMillis)
}

// Remove delegates to the back store; the resulting delete event updates
// the local view through the normal listener path.
func (v *View) Remove(key interface{}) (interface{}, bool, error) {
	return v.back.Remove(key)
}
