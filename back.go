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

// BackStore is the CacheMap contract (§6) a CachingMap's remote tier must
// satisfy. The wire/RPC client, serialization codec and top-level cache
// factory that would sit behind a real implementation are out of scope
// (§1): only this interface matters here.
type BackStore interface {
	Get(key interface{}) (interface{}, bool, error)
	GetAll(keys []interface{}) (map[interface{}]interface{}, error)
	Put(key, value interface{}, ttlMillis int64) error
	PutAll(entries map[interface{}]interface{}) error
	Remove(key interface{}) (interface{}, bool, error)
	Clear() error
	ContainsKey(key interface{}) (bool, error)
	Size() (int, error)
	Keys() ([]interface{}, error)
}

// ObservableStore is the ObservableMap contract (§6): a BackStore that can
// also notify listeners of its own mutations, including those made by
// other clients.
type ObservableStore interface {
	BackStore

	AddKeyListener(l Listener, key interface{}, lite bool) ListenerHandle
	RemoveKeyListener(key interface{}, h ListenerHandle)
	AddFilterListener(l Listener, f Filter, lite bool) ListenerHandle
	RemoveFilterListener(h ListenerHandle)

	// AddDeactivationListener registers a callback invoked when the back
	// store signals destroy (truncate == false) or truncate (true).
	AddDeactivationListener(l func(truncate bool)) ListenerHandle
	RemoveDeactivationListener(h ListenerHandle)
}
