/*
 * Copyright 2021 Dgraph Labs, Inc. and Contributors
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
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Metrics is a snapshot-style set of counters for a FrontStore. Updates are
// single atomic adds under no broader lock, matching §5's note that the
// exact consistency of stats is advisory outside the store's write
// barrier.
type Metrics struct {
	hits      uint64
	misses    uint64
	keyAdd    uint64
	keyUpdate uint64
	keyEvict  uint64
	costAdd   uint64
	costEvict uint64

	invalidationHits   uint64
	invalidationMisses uint64
}

func (m *Metrics) addHit()      { atomic.AddUint64(&m.hits, 1) }
func (m *Metrics) addMiss()     { atomic.AddUint64(&m.misses, 1) }
func (m *Metrics) addKeyAdd()    { atomic.AddUint64(&m.keyAdd, 1) }
func (m *Metrics) addKeyUpdate() { atomic.AddUint64(&m.keyUpdate, 1) }
func (m *Metrics) addKeyEvict(units int64) {
	atomic.AddUint64(&m.keyEvict, 1)
	atomic.AddUint64(&m.costEvict, uint64(units))
}
func (m *Metrics) addCost(units int64)  { atomic.AddUint64(&m.costAdd, uint64(units)) }
func (m *Metrics) addInvalidationHit()  { atomic.AddUint64(&m.invalidationHits, 1) }
func (m *Metrics) addInvalidationMiss() { atomic.AddUint64(&m.invalidationMisses, 1) }

func (m *Metrics) Hits() uint64        { return atomic.LoadUint64(&m.hits) }
func (m *Metrics) Misses() uint64      { return atomic.LoadUint64(&m.misses) }
func (m *Metrics) KeysAdded() uint64   { return atomic.LoadUint64(&m.keyAdd) }
func (m *Metrics) KeysUpdated() uint64 { return atomic.LoadUint64(&m.keyUpdate) }
func (m *Metrics) KeysEvicted() uint64 { return atomic.LoadUint64(&m.keyEvict) }
func (m *Metrics) CostAdded() uint64   { return atomic.LoadUint64(&m.costAdd) }
func (m *Metrics) CostEvicted() uint64 { return atomic.LoadUint64(&m.costEvict) }

// InvalidationHits is the number of CachingMap reads that declined to
// populate the front because a concurrent back-store mutation was observed
// while the read was in flight (§4.F, S5).
func (m *Metrics) InvalidationHits() uint64 { return atomic.LoadUint64(&m.invalidationHits) }

// InvalidationMisses counts reads that populated the front cleanly, i.e.
// without any concurrent invalidation racing them.
func (m *Metrics) InvalidationMisses() uint64 { return atomic.LoadUint64(&m.invalidationMisses) }

// Ratio is Hits / (Hits + Misses), 0 when no accesses have happened yet.
func (m *Metrics) Ratio() float64 {
	hits, misses := m.Hits(), m.Misses()
	if hits == 0 && misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (m *Metrics) reset() {
	atomic.StoreUint64(&m.hits, 0)
	atomic.StoreUint64(&m.misses, 0)
	atomic.StoreUint64(&m.keyAdd, 0)
	atomic.StoreUint64(&m.keyUpdate, 0)
	atomic.StoreUint64(&m.keyEvict, 0)
	atomic.StoreUint64(&m.costAdd, 0)
	atomic.StoreUint64(&m.costEvict, 0)
	atomic.StoreUint64(&m.invalidationHits, 0)
	atomic.StoreUint64(&m.invalidationMisses, 0)
}

// String renders a human-readable summary, formatting counters with comma
// thousands separators since a production cache's cost counters can run into the
// billions.
func (m *Metrics) String() string {
	return fmt.Sprintf(
		"hits=%s misses=%s hit-ratio=%.2f keys-added=%s keys-updated=%s keys-evicted=%s cost-added=%s cost-evicted=%s invalidation-hits=%s invalidation-misses=%s",
		humanize.Comma(int64(m.Hits())), humanize.Comma(int64(m.Misses())), m.Ratio(),
		humanize.Comma(int64(m.KeysAdded())), humanize.Comma(int64(m.KeysUpdated())), humanize.Comma(int64(m.KeysEvicted())),
		humanize.Comma(int64(m.CostAdded())), humanize.Comma(int64(m.CostEvicted())),
		humanize.Comma(int64(m.InvalidationHits())), humanize.Comma(int64(m.InvalidationMisses())),
	)
}
