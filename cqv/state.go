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

// Package cqv implements component G: ContinuousQueryView, a live
// materialized view of a back store filtered by a predicate.
package cqv

// State is one of the four configuration states a View moves through.
type State int

const (
	StateDisconnected State = iota
	StateConfiguring
	StateConfigured
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}
