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

import "math"

// neverFlush is the nextFlushAt value meaning "no periodic sweep is
// scheduled", used both when FlushDelay is zero and, transiently, while a
// sweep is in progress so a second goroutine racing into checkFlush cannot
// start an overlapping pass.
const neverFlush = int64(math.MaxInt64)

// scheduleFlush sets the next periodic full-expiry-sweep deadline. Called
// once at construction and again after every sweep completes. Must be
// called with the store's write barrier held.
func (s *FrontStore) scheduleFlush() {
	if s.flushDelay <= 0 {
		s.nextFlushAt = neverFlush
		return
	}
	s.nextFlushAt = nowMillis() + s.flushDelay.Milliseconds()
}

// checkFlush runs a full expiry sweep if the wall clock has passed
// nextFlushAt. Must be called with the store's write barrier held; it never
// blocks on anything but its own table scan.
func (s *FrontStore) checkFlush() {
	if s.flushDelay <= 0 {
		return
	}
	now := nowMillis()
	if now < s.nextFlushAt {
		return
	}
	s.nextFlushAt = neverFlush
	s.sweepExpired(now)
	s.nextFlushAt = now + s.flushDelay.Milliseconds()
}

// sweepExpired removes every entry whose expiry has passed, dispatching a
// synthetic delete for each. It never writes through to the back store:
// expiry is a front-store-local phenomenon, not a caller mutation.
func (s *FrontStore) sweepExpired(now int64) {
	for _, e := range s.table.entries() {
		if e.isExpired(now) {
			s.evictEntry(e)
		}
	}
}

// expireIfNeeded performs the lazy, single-entry expiry check that runs on
// every access regardless of FlushDelay, so a FlushDelay of zero disables
// only the periodic full sweep, not expiry itself (§4.D boundary case).
func (s *FrontStore) expireIfNeeded(e *Entry, now int64) bool {
	if e == nil || !e.isExpired(now) {
		return false
	}
	s.evictEntry(e)
	return true
}
