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
	"math"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// EvictionPolicyKind selects which EvictionPolicy a FrontStore uses when it
// is built via NewFrontStore instead of being handed a custom Policy.
type EvictionPolicyKind int

const (
	EvictionHybrid EvictionPolicyKind = iota
	EvictionLRU
	EvictionLFU
	EvictionExternal
)

// UnitCalculatorKind selects which UnitCalculator a FrontStore uses.
type UnitCalculatorKind int

const (
	UnitsFixed UnitCalculatorKind = iota
	UnitsExternal
)

// Strategy is one of the four invalidation strategies a CachingMap can run
// under, plus the auto sentinel that resolves to Present on first use.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyPresent
	StrategyAll
	StrategyLogical
	StrategyAuto
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyPresent:
		return "present"
	case StrategyAll:
		return "all"
	case StrategyLogical:
		return "logical"
	case StrategyAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Defaults mirror §6 of the design: a 1000-unit high watermark, a 0.75
// prune level, hour-long default expiry and a minute-long flush cadence.
const (
	DefaultHighUnits   = int64(1000)
	DefaultPruneLevel  = 0.75
	DefaultExpiryDelay = time.Hour
	DefaultFlushDelay  = 60 * time.Second
)

// envOptions is the single opt-in knob the design allows to come from the
// process environment: whether a back-map listener that declares itself
// synchronous is held to that contract strictly (a violation becomes a
// propagated error) or only best-effort (a violation is logged).
type envOptions struct {
	EnforceSynchronousListeners bool `envconfig:"NEARCACHE_ENFORCE_SYNC_LISTENERS" default:"true"`
}

func loadEnvOptions() envOptions {
	var o envOptions
	// envconfig.Process only fails on malformed values for the declared
	// fields; a missing or empty environment falls back to the struct
	// defaults above, so the error is not actionable here.
	_ = envconfig.Process("", &o)
	return o
}

// Config configures a FrontStore. Every field has a documented zero-value
// fallback so a bare Config{} produces a usable, if minimal, cache.
type Config struct {
	// Logger receives structured diagnostics: errors returned by listeners
	// that are logged rather than propagated, including those raised during
	// eviction. The zero value is a no-op logger, matching a library that
	// must never be noisy by default.
	Logger zerolog.Logger

	// HighUnits is the cost above which a prune cycle runs. Zero disables
	// pruning entirely.
	HighUnits int64
	// PruneLevel is the fraction of HighUnits a prune cycle targets. Must
	// be in [0, 1). Zero uses DefaultPruneLevel.
	PruneLevel float64

	// ExpiryDelay is the default per-entry TTL used when Put is called
	// with ttl == 0. Zero selects DefaultExpiryDelay (one hour); a negative
	// value means entries never expire by default, per §6.
	ExpiryDelay time.Duration
	// FlushDelay is the interval between full expiry sweeps. Zero
	// disables the periodic sweep; lazy on-access expiry still applies.
	FlushDelay time.Duration

	EvictionPolicy   EvictionPolicyKind
	ExternalPolicy   EvictionPolicy // used when EvictionPolicy == EvictionExternal
	UnitCalculator   UnitCalculatorKind
	ExternalUnitFunc func(key, value interface{}) (int64, error) // used when UnitCalculator == UnitsExternal

	// AllowMutableValues, when false (the default), forces every stored
	// value through immutable() before it is written into an Entry.
	AllowMutableValues bool

	Loader CacheLoader
	Store  CacheStore

	env envOptions
}

// normalize fills in zero-valued fields with their documented defaults.
// HighUnits is deliberately left alone: zero means "pruning disabled", not
// "use DefaultHighUnits".
func (c *Config) normalize() {
	if c.PruneLevel <= 0 || c.PruneLevel >= 1 {
		c.PruneLevel = DefaultPruneLevel
	}
	switch {
	case c.ExpiryDelay == 0:
		c.ExpiryDelay = DefaultExpiryDelay
	case c.ExpiryDelay < 0:
		c.ExpiryDelay = 0
	}
	c.env = loadEnvOptions()
}

// lowUnits rounds to nearest rather than truncating: a highUnits=3,
// pruneLevel=0.66 pair must land on 2, not 1 (S3).
func (c *Config) lowUnits() int64 {
	return int64(math.Round(float64(c.HighUnits) * c.PruneLevel))
}
