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

// Package control implements component E: a per-key reentrant lock map with
// a global lock-all gate and a side table of per-key pending-event lists,
// used by a CachingMap (component F) to line up in-flight back-store reads
// against concurrent invalidation events.
//
// The original design identifies a lock's owner by OS thread identity and
// reclaims a record when its owning thread has died. Go has no equivalent
// of thread-liveness introspection, so ownership here is a caller-supplied
// opaque token (Owner) paired with a renewable lease: a record whose lease
// has expired is treated exactly as the original treats a record held by a
// dead thread, reclaimable by the next contender. Callers that hold a lock
// across any wait longer than LeaseDuration must call Renew.
package control

import (
	"sync"
	"time"
)

// LeaseDuration bounds how long a lock may be held without a Renew call
// before another contender is allowed to reclaim it, mirroring the
// design's "self-refreshing waits ... to survive holder-thread death (<=
// ~1s)".
const LeaseDuration = time.Second

// pollInterval is how often a blocked Lock/LockAll call re-checks the
// record instead of parking on a condition variable; short enough that a
// bounded wait of a few hundred milliseconds still returns promptly.
const pollInterval = 5 * time.Millisecond

// Owner identifies a lock holder. Two calls made by the same logical
// caller (typically one goroutine servicing one operation end-to-end) must
// pass equal Owner values for reentrancy to be recognized.
type Owner interface{}

// EventList is the pending-event list a CachingMap attaches to a key while
// a read or write against the back store is in flight. It is opaque to the
// control map and externally synchronized by its owner, per §4.E.
type EventList interface{}

type record struct {
	owner          Owner
	depth          int
	waiters        int
	leaseExpiresAt time.Time
	events         EventList
}

func (r *record) discardable() bool { return r.depth == 0 && r.waiters == 0 && r.events == nil }

// Map is a ControlMap: component E.
type Map struct {
	mu         sync.Mutex
	records    map[interface{}]*record
	gateClosed bool
	gateOwner  Owner
	held       int // count of keys currently locked by anyone; blocks LockAll
	now        func() time.Time
}

// New returns an empty ControlMap.
func New() *Map {
	return &Map{records: make(map[interface{}]*record), now: time.Now}
}

// Lock blocks until owner acquires key's lock or waitMillis elapses.
// waitMillis == 0 is a non-blocking try; negative means wait indefinitely.
// Reentrant for a given owner. Returns false on timeout rather than
// raising an error, per §4.E.
func (m *Map) Lock(key interface{}, owner Owner, waitMillis int64) bool {
	infinite := waitMillis < 0
	deadline := m.now().Add(time.Duration(waitMillis) * time.Millisecond)

	registeredWait := false
	defer func() {
		if !registeredWait {
			return
		}
		m.mu.Lock()
		if rec, ok := m.records[key]; ok {
			rec.waiters--
			m.discardIfPossible(key, rec)
		}
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if !m.gateClosed {
			if m.tryAcquireLocked(key, owner) {
				m.mu.Unlock()
				return true
			}
		}
		if waitMillis == 0 {
			m.mu.Unlock()
			return false
		}
		if !registeredWait {
			if rec, ok := m.records[key]; ok {
				rec.waiters++
				registeredWait = true
			}
		}
		m.mu.Unlock()

		if !infinite && !m.now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// tryAcquireLocked attempts a single non-blocking acquisition. Caller must
// hold m.mu and have already verified the gate is open.
func (m *Map) tryAcquireLocked(key interface{}, owner Owner) bool {
	rec, ok := m.records[key]
	if !ok {
		m.records[key] = &record{owner: owner, depth: 1, leaseExpiresAt: m.now().Add(LeaseDuration)}
		m.held++
		return true
	}
	if rec.depth == 0 {
		// A free record kept alive only by waiters or an attached event list.
		rec.owner = owner
		rec.depth = 1
		rec.leaseExpiresAt = m.now().Add(LeaseDuration)
		m.held++
		return true
	}
	if rec.owner == owner {
		rec.depth++
		rec.leaseExpiresAt = m.now().Add(LeaseDuration)
		return true
	}
	if !m.now().Before(rec.leaseExpiresAt) {
		// The previous owner's lease expired without renewal: treat it as
		// holder-death and reclaim on behalf of the new caller.
		rec.owner = owner
		rec.depth = 1
		rec.leaseExpiresAt = m.now().Add(LeaseDuration)
		return true
	}
	return false
}

// Renew extends owner's lease on key. Must be called periodically (more
// often than LeaseDuration) by any caller holding a lock across a long
// operation, or the lock becomes reclaimable out from under it.
func (m *Map) Renew(key interface{}, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.owner == owner {
		rec.leaseExpiresAt = m.now().Add(LeaseDuration)
	}
}

// Unlock releases one level of reentrancy for owner on key. When depth and
// waiters both reach zero and no event list is attached, the record is
// discarded.
func (m *Map) Unlock(key interface{}, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.owner != owner {
		return
	}
	rec.depth--
	if rec.depth <= 0 {
		rec.depth = 0
		m.held--
		m.discardIfPossible(key, rec)
	}
}

func (m *Map) discardIfPossible(key interface{}, rec *record) {
	if rec.discardable() {
		delete(m.records, key)
	}
}

// LockAll closes the global gate: no per-key Lock may succeed while it is
// closed, and LockAll itself cannot succeed while any per-key lock is
// held. Callers on the event-delivery path must use short, non-blocking
// attempts (waitMillis == 0) with their own backoff to avoid spinning the
// service thread, per §4.E.
func (m *Map) LockAll(owner Owner, waitMillis int64) bool {
	infinite := waitMillis < 0
	deadline := m.now().Add(time.Duration(waitMillis) * time.Millisecond)
	for {
		m.mu.Lock()
		if !m.gateClosed && m.held == 0 {
			m.gateClosed = true
			m.gateOwner = owner
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
		if waitMillis == 0 {
			return false
		}
		if !infinite && !m.now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// UnlockAll reopens the gate.
func (m *Map) UnlockAll(owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gateClosed && m.gateOwner == owner {
		m.gateClosed = false
		m.gateOwner = nil
	}
}

// AttachEventList installs list as key's pending-event list, creating the
// record if needed (matching the design's "attach before read" sequencing
// in F's get/put protocol, which always runs while the caller holds key's
// lock).
func (m *Map) AttachEventList(key interface{}, list EventList) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		rec = &record{}
		m.records[key] = rec
	}
	rec.events = list
}

// DetachEventList removes key's pending-event list and returns it.
func (m *Map) DetachEventList(key interface{}) EventList {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	list := rec.events
	rec.events = nil
	m.discardIfPossible(key, rec)
	return list
}

// EventListFor returns the currently attached event list for key without
// detaching it, or nil. Used by the back-listener validation path (§4.F)
// to decide where an incoming event should be appended.
func (m *Map) EventListFor(key interface{}) EventList {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		return rec.events
	}
	return nil
}
