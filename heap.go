/*
 * Copyright 2020 Dgraph Labs, Inc. and Contributors
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

// lessThan is satisfied by eviction candidates so a minHeap can order them
// without reflection.
type lessThan[T any] interface {
	Less(other *T) bool
}

// minHeap is a small binary heap used to pick eviction victims in
// deterministic order (e.g. oldest-touched-first for LRU, least-used-first
// for LFU) without sorting the whole candidate set up front.
type minHeap[T lessThan[T]] struct {
	items []*T
}

func newMinHeap[T lessThan[T]]() *minHeap[T] {
	return &minHeap[T]{}
}

func (h *minHeap[T]) Insert(item *T) {
	h.items = append(h.items, item)
	h.heapifyUp(len(h.items) - 1)
}

func (h *minHeap[T]) Extract() (*T, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	min := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.heapifyDown(0)
	}
	return min, true
}

func (h *minHeap[T]) Size() int { return len(h.items) }

func (h *minHeap[T]) heapifyUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !(*h.items[index]).Less(h.items[parent]) {
			break
		}
		h.items[parent], h.items[index] = h.items[index], h.items[parent]
		index = parent
	}
}

func (h *minHeap[T]) heapifyDown(index int) {
	for {
		smallest := index
		left := 2*index + 1
		right := 2*index + 2
		if left < len(h.items) && (*h.items[left]).Less(h.items[smallest]) {
			smallest = left
		}
		if right < len(h.items) && (*h.items[right]).Less(h.items[smallest]) {
			smallest = right
		}
		if smallest == index {
			break
		}
		h.items[index], h.items[smallest] = h.items[smallest], h.items[index]
		index = smallest
	}
}
