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
	"github.com/pkg/errors"
)

// Kind classifies an error raised by the cache engine, matching the
// taxonomy that every operation in this package is documented against.
type Kind int

const (
	// KindArgument covers null keys/values where forbidden, illegal TTLs,
	// illegal unit counts and unknown enum values.
	KindArgument Kind = iota
	// KindState covers operations against a released/disconnected cache
	// or mutation of a view that forbids it.
	KindState
	// KindConcurrency covers lock timeouts under enforced locking,
	// detected control-map corruption, and interrupted waits.
	KindConcurrency
	// KindBackStore wraps any error surfaced by the external back store
	// or loader.
	KindBackStore
	// KindLimits covers numeric overflow and size limits being exceeded.
	KindLimits
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindState:
		return "state"
	case KindConcurrency:
		return "concurrency"
	case KindBackStore:
		return "back-store"
	case KindLimits:
		return "limits"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package. It carries a
// Kind so callers can branch on the taxonomy in §7 of the design without
// string matching, while still composing with errors.Is/As via pkg/errors'
// Cause chain.
type Error struct {
	cause error
	msg   string
	Kind  Kind
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

// Unwrap allows errors.Is/errors.As (both standard library and pkg/errors)
// to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

func newError(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, cause error, msg string) error {
	if cause == nil {
		return newError(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, cause: errors.WithStack(cause)}
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrNilKey is returned when a nil key is supplied to an operation
	// that forbids it.
	ErrNilKey = newError(KindArgument, "nearcache: nil key")
	// ErrIllegalTTL names a TTL value outside the documented 0/-1/>0
	// contract. No FrontStore operation returns it: Put accepts every TTL
	// and treats any negative value as "never expires".
	ErrIllegalTTL = newError(KindArgument, "nearcache: illegal ttl")
	// ErrIllegalUnits is returned when a unit calculator produces a
	// negative cost.
	ErrIllegalUnits = newError(KindArgument, "nearcache: illegal unit count")
	// ErrUnknownEnum is returned for an unrecognized eviction policy or
	// unit calculator selector. NewCachingMap does not validate its
	// strategy argument.
	ErrUnknownEnum = newError(KindArgument, "nearcache: unknown enum value")

	// ErrReleased is returned by any operation on a store that has been
	// released/closed.
	ErrReleased = newError(KindState, "nearcache: store released")
	// ErrDisconnected is returned by a ContinuousQueryView operation when
	// the view is disconnected and reconnectIntervalMillis is zero.
	ErrDisconnected = newError(KindState, "nearcache: view disconnected")
	// ErrViewReadOnly is returned when a mutation would produce an
	// outgoing (k, v) that fails the view's filter.
	ErrViewReadOnly = newError(KindArgument, "nearcache: value does not satisfy view filter")

	// ErrLockTimeout is returned by enforced-locking callers when
	// tryLock fails to acquire within the requested window.
	ErrLockTimeout = newError(KindConcurrency, "nearcache: concurrent modification (lock timeout)")
	// ErrControlMapCorrupt names the condition where neither a per-key nor
	// a global event list can be found for a key, implying a key mutation
	// or hash inconsistency. No operation in this package returns it: the
	// back-listener path invalidates the front entry instead.
	ErrControlMapCorrupt = newError(KindConcurrency, "nearcache: control map corrupt")
)
