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

// UnitCalculator maps a (key, value) pair to a non-negative cost in
// abstract "units". Implementations must be pure: calculateUnits must not
// touch the store it is attached to.
type UnitCalculator interface {
	CalculateUnits(key, value interface{}) (int64, error)
}

// FixedUnitCalculator assigns a cost of 1 to every value, so currentUnits
// tracks entry count.
type FixedUnitCalculator struct{}

func (FixedUnitCalculator) CalculateUnits(interface{}, interface{}) (int64, error) {
	return 1, nil
}

// ExternalUnitCalculator delegates to a caller-supplied function. The
// function result is validated non-negative by calculateUnits below.
type ExternalUnitCalculator struct {
	Func func(key, value interface{}) (int64, error)
}

func (c ExternalUnitCalculator) CalculateUnits(key, value interface{}) (int64, error) {
	if c.Func == nil {
		return 0, newError(KindArgument, "nearcache: external unit calculator has no function")
	}
	return c.Func(key, value)
}

// calculateUnits runs the configured calculator and validates its output,
// surfacing a negative result as ErrIllegalUnits rather than silently
// corrupting currentUnits bookkeeping.
func calculateUnits(calc UnitCalculator, key, value interface{}) (int64, error) {
	units, err := calc.CalculateUnits(key, value)
	if err != nil {
		return 0, wrapError(KindArgument, err, "nearcache: unit calculator failed")
	}
	if units < 0 {
		return 0, ErrIllegalUnits
	}
	return units, nil
}

func newUnitCalculator(kind UnitCalculatorKind, externalFunc func(key, value interface{}) (int64, error)) (UnitCalculator, error) {
	switch kind {
	case UnitsFixed:
		return FixedUnitCalculator{}, nil
	case UnitsExternal:
		if externalFunc == nil {
			return nil, newError(KindArgument, "nearcache: UnitsExternal requires ExternalUnitFunc")
		}
		return ExternalUnitCalculator{Func: externalFunc}, nil
	default:
		return nil, ErrUnknownEnum
	}
}
