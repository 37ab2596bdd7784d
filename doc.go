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

// Package nearcache implements a client-side, in-process near-cache: a
// bounded, eviction-managed front store kept consistent with a slower,
// observable back store through an event-driven invalidation protocol.
//
// Three pieces compose the engine:
//
//   - FrontStore (this package): a size-bounded map with pluggable eviction
//     policies, per-entry expiry and a lazy/periodic flush cycle, unit-based
//     cost accounting and mutation events.
//   - CachingMap (this package, built on the control subpackage): composes a
//     FrontStore with a remote ObservableStore and picks one of four
//     invalidation strategies to keep the two in sync.
//   - ContinuousQueryView (subpackage cqv): a live, filtered materialized
//     view over an ObservableStore.
//
// The back store, wire codec and cache factory are treated as external
// collaborators reached only through the interfaces declared here.
package nearcache
