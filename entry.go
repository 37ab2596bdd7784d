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
	"fmt"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
)

// discardedUnits is the sentinel cost carried by an Entry once it has been
// removed from its table. It must never be folded back into currentUnits,
// and an entry carrying it must never be reachable from a bucket chain.
const discardedUnits = int64(-1)

// hashKey derives the table hash for an arbitrary key. Strings and byte
// slices are hashed directly with xxhash; everything else falls back to its
// formatted representation, which keeps the contract "equal keys hash
// equal" for the comparable types callers are expected to use.
func hashKey(key interface{}) uint64 {
	switch k := key.(type) {
	case string:
		return xxhash.Sum64String(k)
	case []byte:
		return xxhash.Sum64(k)
	case fmt.Stringer:
		return xxhash.Sum64String(k.String())
	default:
		return xxhash.Sum64String(toComparableString(key))
	}
}

// Entry is one slot in a FrontStore. It is intrusive: next chains entries
// within a bucket, and the table never boxes entries into a separate node
// type.
type Entry struct {
	next *Entry

	key   interface{}
	value interface{}

	hash uint64

	createdAt     int64 // unix millis
	lastTouchedAt int64 // unix millis
	expiresAt     int64 // unix millis; 0 = never

	touchCount int32
	units      int64
}

// isDiscarded reports whether the entry has been logically removed. A
// discarded entry's units must never be double-counted and it must not
// appear in any bucket chain; entryTable's put, remove and removeEntry
// enforce the latter by unlinking before marking.
func (e *Entry) isDiscarded() bool { return e.units == discardedUnits }

func (e *Entry) discard() {
	e.units = discardedUnits
	e.next = nil
}

// isExpired reports whether wall-clock nowMillis has passed the entry's
// expiry. An expiresAt of zero means the entry never expires.
func (e *Entry) isExpired(nowMillis int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= nowMillis
}

// touch updates lastTouchedAt and touchCount together, as required by the
// data-model invariant that the two only ever change in lockstep.
func (e *Entry) touch(nowMillis int64) {
	e.lastTouchedAt = nowMillis
	if e.touchCount < 1<<30 {
		e.touchCount++
	}
}

// clockNow is overridden by tests (see testclock_test.go) that need to move the
// wall clock deterministically instead of sleeping.
var clockNow = time.Now

func nowMillis() int64 { return clockNow().UnixMilli() }

// entryTable is a hash-bucketed, singly-chained map keyed by an externally
// supplied hash code. It has no notion of ordering, expiry or eviction; it
// is the substrate FrontStore builds those concerns on top of.
type entryTable struct {
	buckets []*Entry
	size    int
}

const defaultBucketCount = 64

func newEntryTable() *entryTable {
	return &entryTable{buckets: make([]*Entry, defaultBucketCount)}
}

func (t *entryTable) bucketIndex(hash uint64) int {
	return int(hash % uint64(len(t.buckets)))
}

// get returns the live entry for (hash, key), or nil.
func (t *entryTable) get(hash uint64, key interface{}) *Entry {
	for e := t.buckets[t.bucketIndex(hash)]; e != nil; e = e.next {
		if e.hash == hash && keysEqual(e.key, key) {
			return e
		}
	}
	return nil
}

// put inserts a freshly constructed entry, replacing any existing entry for
// the same key. The replaced entry (if any) is discarded and unlinked
// before the new one is linked in, preserving the "discarded entries never
// appear in a bucket chain" invariant.
func (t *entryTable) put(e *Entry) (prev *Entry) {
	t.maybeGrow()
	idx := t.bucketIndex(e.hash)
	var before *Entry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.hash == e.hash && keysEqual(cur.key, e.key) {
			prev = cur
			if before == nil {
				t.buckets[idx] = cur.next
			} else {
				before.next = cur.next
			}
			cur.discard()
			break
		}
		before = cur
	}
	e.next = t.buckets[idx]
	t.buckets[idx] = e
	if prev == nil {
		t.size++
	}
	return prev
}

// remove unlinks and discards the entry for (hash, key), returning it.
func (t *entryTable) remove(hash uint64, key interface{}) *Entry {
	idx := t.bucketIndex(hash)
	var before *Entry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.hash == hash && keysEqual(cur.key, key) {
			if before == nil {
				t.buckets[idx] = cur.next
			} else {
				before.next = cur.next
			}
			cur.discard()
			t.size--
			return cur
		}
		before = cur
	}
	return nil
}

// removeEntry unlinks a specific entry instance located during a scan,
// without re-hashing the lookup. Used by prune/flush passes that already
// hold a reference into the chain.
func (t *entryTable) removeEntry(e *Entry) bool {
	idx := t.bucketIndex(e.hash)
	var before *Entry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur == e {
			if before == nil {
				t.buckets[idx] = cur.next
			} else {
				before.next = cur.next
			}
			cur.discard()
			t.size--
			return true
		}
		before = cur
	}
	return false
}

// entries returns a snapshot slice of every live entry. Callers must hold
// the owning FrontStore's write barrier for the duration of the scan; the
// snapshot itself is safe to range over afterwards since it is a plain
// slice of pointers.
func (t *entryTable) entries() []*Entry {
	out := make([]*Entry, 0, t.size)
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			out = append(out, e)
		}
	}
	return out
}

func (t *entryTable) clear() {
	t.buckets = make([]*Entry, len(t.buckets))
	t.size = 0
}

// maybeGrow doubles the bucket count once load factor passes 1, the same
// threshold the standard map implementation targets, to keep chains short
// under the table's O(1) average lookup.
func (t *entryTable) maybeGrow() {
	if t.size < len(t.buckets) {
		return
	}
	old := t.buckets
	t.buckets = make([]*Entry, len(old)*2)
	t.size = 0
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			idx := t.bucketIndex(e.hash)
			e.next = t.buckets[idx]
			t.buckets[idx] = e
			t.size++
			e = next
		}
	}
}

func keysEqual(a, b interface{}) bool {
	// Interface == panics when both sides share a non-comparable dynamic
	// type, so those keys go straight to the string fallback below.
	if t := reflect.TypeOf(a); t == nil || t.Comparable() {
		if a == b {
			return true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return toComparableString(a) == toComparableString(b)
}

func toComparableString(v interface{}) string {
	switch k := v.(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprintf("%#v", v)
	}
}
