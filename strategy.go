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

// pendingEvents is the per-key event list attached to the control map
// while a CachingMap get or put is in flight; Clear attaches no list of its
// own. It is externally
// synchronized, as §4.E requires: CachingMap owns the only references to
// it and guards access with its own mutex rather than relying on the
// control map's.
type pendingEvents struct {
	mu     sync.Mutex
	events []MapEvent
}

func newPendingEvents() *pendingEvents { return &pendingEvents{} }

func (p *pendingEvents) append(e MapEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *pendingEvents) snapshot() []MapEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MapEvent(nil), p.events...)
}

// validReadEvents implements the read-validity rule shared by get and
// getAll (§4.F step 5): the events observed while the read was in flight
// must be either empty, or exactly one priming event for this key (flagged
// Priming, or a synthetic insert), the same events primingValue accepts.
func validReadEvents(events []MapEvent, key interface{}) bool {
	if len(events) == 0 {
		return true
	}
	if len(events) != 1 {
		return false
	}
	e := events[0]
	return e.Key == key && (e.Priming || (e.Type == EventInsert && e.Synthetic))
}

// primingValue extracts the priming payload from a single-event snapshot,
// if present.
func primingValue(events []MapEvent) (interface{}, bool) {
	if len(events) != 1 {
		return nil, false
	}
	e := events[0]
	if e.Priming || (e.Type == EventInsert && e.Synthetic) {
		return e.NewValue, true
	}
	return nil, false
}

// strategyState tracks the per-key or global listener registrations a
// CachingMap has installed on the back store for its current Strategy.
type strategyState struct {
	mu sync.Mutex

	keyListeners map[interface{}]ListenerHandle // strategy present
	globalHandle ListenerHandle                 // strategy all/logical
	globalActive bool
}

func newStrategyState() *strategyState {
	return &strategyState{keyListeners: make(map[interface{}]ListenerHandle)}
}

func (s *strategyState) hasKeyListener(key interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keyListeners[key]
	return ok
}

func (s *strategyState) setKeyListener(key interface{}, h ListenerHandle) {
	s.mu.Lock()
	s.keyListeners[key] = h
	s.mu.Unlock()
}

func (s *strategyState) takeKeyListener(key interface{}) (ListenerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.keyListeners[key]
	if ok {
		delete(s.keyListeners, key)
	}
	return h, ok
}

func (s *strategyState) allKeyListeners() map[interface{}]ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[interface{}]ListenerHandle, len(s.keyListeners))
	for k, v := range s.keyListeners {
		out[k] = v
	}
	return out
}

func (s *strategyState) reset() {
	s.mu.Lock()
	s.keyListeners = make(map[interface{}]ListenerHandle)
	s.globalActive = false
	s.mu.Unlock()
}
