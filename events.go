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

	"github.com/rs/zerolog"
)

// EventType distinguishes the three mutation shapes a map emits.
type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MapEvent describes one mutation of a CacheMap or ObservableStore. A
// priming event is a tagged case represented by the Priming flag: it is an
// EventUpdate whose NewValue is the authoritative value for Key at the
// moment a listener was registered, per §4.F and §9.
type MapEvent struct {
	Type     EventType
	Key      interface{}
	OldValue interface{}
	NewValue interface{}

	// Synthetic is true when the cache itself originated the event
	// (expiry, prune, loader fill) rather than an explicit caller
	// mutation.
	Synthetic bool
	// Priming is true for the update-shaped event emitted as a side
	// effect of installing a listener.
	Priming bool
	// Lite is true when OldValue/NewValue were intentionally omitted by
	// the registration that produced this event.
	Lite bool
}

// Listener receives MapEvents. A non-nil error return is logged and
// swallowed unless the listener also implements SynchronousListener and
// reports true, in which case the error propagates to the goroutine that
// generated the event.
type Listener interface {
	OnEvent(MapEvent) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(MapEvent) error

func (f ListenerFunc) OnEvent(e MapEvent) error { return f(e) }

// SynchronousListener is an optional interface a Listener can implement to
// declare that it must run on the event-generating goroutine and that its
// errors should propagate rather than merely be logged.
type SynchronousListener interface {
	Listener
	Synchronous() bool
}

// Sync wraps a Listener so it is treated as synchronous regardless of its
// concrete type.
func Sync(l Listener) Listener { return syncWrapper{l} }

type syncWrapper struct{ Listener }

func (syncWrapper) Synchronous() bool { return true }

func isSynchronous(l Listener) bool {
	s, ok := l.(SynchronousListener)
	return ok && s.Synchronous()
}

// Filter is an arbitrary predicate over a (key, value) pair, used both for
// filter-listener registration and for ContinuousQueryView membership.
type Filter func(key, value interface{}) bool

// ListenerHandle identifies a registration for later removal. Listeners
// are tracked by handle rather than by interface equality because Go
// cannot safely compare arbitrary Listener values (closures are not
// comparable).
type ListenerHandle uint64

var listenerHandleSeq uint64

func nextListenerHandle() ListenerHandle {
	return ListenerHandle(atomic.AddUint64(&listenerHandleSeq, 1))
}

type listenerReg struct {
	handle   ListenerHandle
	listener Listener
	lite     bool
}

type filterReg struct {
	listenerReg
	filter Filter
}

// ListenerSupport is a registry of all-events, filter-matching and
// key-specific listeners, each independently lite-capable. FrontStore uses
// one instance for its own event fan-out; test/mock ObservableStore
// implementations reuse it to honor the ObservableStore contract.
type ListenerSupport struct {
	mu          sync.RWMutex
	all         []listenerReg
	filters     []filterReg
	keyed       map[interface{}][]listenerReg
	logger      zerolog.Logger
	enforceSync bool
}

func NewListenerSupport(logger zerolog.Logger) *ListenerSupport {
	return &ListenerSupport{keyed: make(map[interface{}][]listenerReg), logger: logger, enforceSync: true}
}

// SetEnforceSynchronous controls whether an error from a listener that
// declares itself synchronous (SynchronousListener.Synchronous() == true)
// propagates to the caller that generated the event (enforce=true, the
// default) or is merely logged like any other listener's error
// (enforce=false). Backed by the NEARCACHE_ENFORCE_SYNC_LISTENERS
// environment toggle (§6).
func (s *ListenerSupport) SetEnforceSynchronous(enforce bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enforceSync = enforce
}

func (s *ListenerSupport) AddListener(l Listener, lite bool) ListenerHandle {
	h := nextListenerHandle()
	s.mu.Lock()
	s.all = append(s.all, listenerReg{handle: h, listener: l, lite: lite})
	s.mu.Unlock()
	return h
}

func (s *ListenerSupport) RemoveListener(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = removeByHandle(s.all, h)
}

func (s *ListenerSupport) AddFilterListener(f Filter, l Listener, lite bool) ListenerHandle {
	h := nextListenerHandle()
	s.mu.Lock()
	s.filters = append(s.filters, filterReg{listenerReg: listenerReg{handle: h, listener: l, lite: lite}, filter: f})
	s.mu.Unlock()
	return h
}

func (s *ListenerSupport) RemoveFilterListener(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.filters[:0]
	for _, r := range s.filters {
		if r.handle != h {
			kept = append(kept, r)
		}
	}
	s.filters = kept
}

func (s *ListenerSupport) AddKeyListener(key interface{}, l Listener, lite bool) ListenerHandle {
	h := nextListenerHandle()
	s.mu.Lock()
	s.keyed[key] = append(s.keyed[key], listenerReg{handle: h, listener: l, lite: lite})
	s.mu.Unlock()
	return h
}

func (s *ListenerSupport) RemoveKeyListener(key interface{}, h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := removeByHandle(s.keyed[key], h)
	if len(regs) == 0 {
		delete(s.keyed, key)
	} else {
		s.keyed[key] = regs
	}
}

// HasKeyListener reports whether any key-specific listener is registered
// for key.
func (s *ListenerSupport) HasKeyListener(key interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keyed[key]) > 0
}

func (s *ListenerSupport) FilterListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filters)
}

func removeByHandle(regs []listenerReg, h ListenerHandle) []listenerReg {
	kept := regs[:0]
	for _, r := range regs {
		if r.handle != h {
			kept = append(kept, r)
		}
	}
	return kept
}

func stripPayload(e MapEvent) MapEvent {
	e.OldValue = nil
	e.NewValue = nil
	e.Lite = true
	return e
}

// Dispatch delivers e to every matching listener, synchronously, under the
// caller's write barrier. It returns the first error raised by a
// SynchronousListener; all other listener errors are logged and swallowed.
func (s *ListenerSupport) Dispatch(e MapEvent) error {
	s.mu.RLock()
	all := append([]listenerReg(nil), s.all...)
	filters := append([]filterReg(nil), s.filters...)
	keyed := append([]listenerReg(nil), s.keyed[e.Key]...)
	enforceSync := s.enforceSync
	s.mu.RUnlock()

	var firstSyncErr error
	deliver := func(r listenerReg) {
		ev := e
		if r.lite {
			ev = stripPayload(e)
		}
		if err := r.listener.OnEvent(ev); err != nil {
			if enforceSync && isSynchronous(r.listener) {
				if firstSyncErr == nil {
					firstSyncErr = err
				}
				return
			}
			s.logger.Error().Err(err).Str("event", e.Type.String()).Msg("nearcache: listener error")
		}
	}
	for _, r := range all {
		deliver(r)
	}
	for _, r := range filters {
		if r.filter(e.Key, currentEventValue(e)) {
			deliver(r.listenerReg)
		}
	}
	for _, r := range keyed {
		deliver(r)
	}
	return firstSyncErr
}

// currentEventValue picks the value a filter should be evaluated against:
// the new value for insert/update, the old value for delete.
func currentEventValue(e MapEvent) interface{} {
	if e.Type == EventDelete {
		return e.OldValue
	}
	return e.NewValue
}
