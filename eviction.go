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

// EvictionRequest is handed to an EvictionPolicy when a FrontStore's
// currentUnits has crossed HighUnits. The policy's job is to call Evict on
// entries, in whatever order it judges best, until CurrentUnits() <=
// LowUnits or it concludes it cannot do any better (in which case the store
// remains over budget but functional, per §4.C).
type EvictionRequest struct {
	LowUnits     int64
	Entries      []*Entry
	CurrentUnits func() int64
	Evict        func(*Entry)
}

// EvictionPolicy chooses victims when a FrontStore is over its high
// watermark. LRU, LFU and Hybrid are built in; External lets a caller
// supply arbitrary logic.
type EvictionPolicy interface {
	RequestEviction(req EvictionRequest)
}

// --- LRU -------------------------------------------------------------

// LRUPolicy evicts the least-recently-touched entries first.
type LRUPolicy struct{}

type lruCandidate struct {
	entry *Entry
	seq   int
}

func (c *lruCandidate) Less(other *lruCandidate) bool {
	if c.entry.lastTouchedAt != other.entry.lastTouchedAt {
		return c.entry.lastTouchedAt < other.entry.lastTouchedAt
	}
	// Ties broken by discovery order for deterministic test behavior.
	return c.seq < other.seq
}

func (LRUPolicy) RequestEviction(req EvictionRequest) {
	h := newMinHeap[lruCandidate]()
	for i, e := range req.Entries {
		h.Insert(&lruCandidate{entry: e, seq: i})
	}
	for req.CurrentUnits() > req.LowUnits {
		c, ok := h.Extract()
		if !ok {
			return
		}
		req.Evict(c.entry)
	}
}

// --- LFU -------------------------------------------------------------

// LFUPolicy evicts the least-frequently-touched entries first.
type LFUPolicy struct{}

type lfuCandidate struct {
	entry *Entry
	seq   int
}

func (c *lfuCandidate) Less(other *lfuCandidate) bool {
	if c.entry.touchCount != other.entry.touchCount {
		return c.entry.touchCount < other.entry.touchCount
	}
	return c.seq < other.seq
}

func (LFUPolicy) RequestEviction(req EvictionRequest) {
	h := newMinHeap[lfuCandidate]()
	for i, e := range req.Entries {
		h.Insert(&lfuCandidate{entry: e, seq: i})
	}
	for req.CurrentUnits() > req.LowUnits {
		c, ok := h.Extract()
		if !ok {
			return
		}
		req.Evict(c.entry)
	}
}

// --- External ----------------------------------------------------------

// ExternalEvictionFunc is invoked with the target low-units figure and the
// live entry snapshot; it must call evict on whichever entries it chooses
// to remove.
type ExternalEvictionFunc func(lowUnits int64, entries []*Entry, evict func(*Entry))

// ExternalEvictionPolicy adapts a caller-supplied function to the
// EvictionPolicy interface.
type ExternalEvictionPolicy struct {
	Func ExternalEvictionFunc
}

func (p ExternalEvictionPolicy) RequestEviction(req EvictionRequest) {
	if p.Func == nil {
		return
	}
	p.Func(req.LowUnits, req.Entries, req.Evict)
}

func newEvictionPolicy(kind EvictionPolicyKind, external EvictionPolicy) (EvictionPolicy, error) {
	switch kind {
	case EvictionLRU:
		return LRUPolicy{}, nil
	case EvictionLFU:
		return LFUPolicy{}, nil
	case EvictionHybrid:
		return newHybridPolicy(), nil
	case EvictionExternal:
		if external == nil {
			return nil, newError(KindArgument, "nearcache: EvictionExternal requires ExternalPolicy")
		}
		return external, nil
	default:
		return nil, ErrUnknownEnum
	}
}
