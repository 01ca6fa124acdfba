/*
 * Copyright 2018 The CovenantGraph Authors.
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

// Package types holds the property value variant and the id types shared by
// the storage engine, the durability encoders and the replication wire
// format.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueType discriminates the kinds a PropertyValue can hold.
type ValueType uint8

// Known value kinds. The integer values double as the serialized type byte
// and fix the cross-kind ordering, with the exception that ints and doubles
// are compared numerically against each other.
const (
	ValueNull ValueType = iota
	ValueBool
	ValueInt
	ValueDouble
	ValueString
	ValueList
	ValueMap
	ValueTemporal
)

// String implements fmt.Stringer.
func (t ValueType) String() string {
	switch t {
	case ValueNull:
		return "null"
	case ValueBool:
		return "bool"
	case ValueInt:
		return "int"
	case ValueDouble:
		return "double"
	case ValueString:
		return "string"
	case ValueList:
		return "list"
	case ValueMap:
		return "map"
	case ValueTemporal:
		return "temporal"
	default:
		return "unknown"
	}
}

// TemporalKind discriminates temporal value flavors.
type TemporalKind uint8

// Known temporal kinds.
const (
	TemporalDate TemporalKind = iota
	TemporalLocalTime
	TemporalLocalDateTime
	TemporalDuration
)

// String implements fmt.Stringer.
func (k TemporalKind) String() string {
	switch k {
	case TemporalDate:
		return "Date"
	case TemporalLocalTime:
		return "LocalTime"
	case TemporalLocalDateTime:
		return "LocalDateTime"
	case TemporalDuration:
		return "Duration"
	default:
		return "Unknown"
	}
}

// TemporalData is a temporal datum stored as microseconds since the kind
// specific epoch.
type TemporalData struct {
	Kind         TemporalKind
	Microseconds int64
}

// NewTemporalData builds a TemporalData value.
func NewTemporalData(kind TemporalKind, microseconds int64) TemporalData {
	return TemporalData{Kind: kind, Microseconds: microseconds}
}

// PropertyValue is the tagged variant holding a leaf datum stored on
// vertices and edges. The zero value is the null value.
type PropertyValue struct {
	t        ValueType
	boolV    bool
	intV     int64
	doubleV  float64
	stringV  string
	listV    []PropertyValue
	mapV     map[string]PropertyValue
	temporal TemporalData
}

// NullValue returns the null property value.
func NullValue() PropertyValue {
	return PropertyValue{}
}

// BoolValue returns a bool property value.
func BoolValue(v bool) PropertyValue {
	return PropertyValue{t: ValueBool, boolV: v}
}

// IntValue returns an int property value.
func IntValue(v int64) PropertyValue {
	return PropertyValue{t: ValueInt, intV: v}
}

// DoubleValue returns a double property value.
func DoubleValue(v float64) PropertyValue {
	return PropertyValue{t: ValueDouble, doubleV: v}
}

// StringValue returns a string property value.
func StringValue(v string) PropertyValue {
	return PropertyValue{t: ValueString, stringV: v}
}

// ListValue returns a list property value taking ownership of v.
func ListValue(v []PropertyValue) PropertyValue {
	return PropertyValue{t: ValueList, listV: v}
}

// MapValue returns a map property value taking ownership of v.
func MapValue(v map[string]PropertyValue) PropertyValue {
	return PropertyValue{t: ValueMap, mapV: v}
}

// TemporalValue returns a temporal property value.
func TemporalValue(v TemporalData) PropertyValue {
	return PropertyValue{t: ValueTemporal, temporal: v}
}

// Type returns the value kind.
func (v PropertyValue) Type() ValueType {
	return v.t
}

// IsNull reports whether the value holds null.
func (v PropertyValue) IsNull() bool {
	return v.t == ValueNull
}

// ValueBool returns the bool datum.
func (v PropertyValue) ValueBool() (b bool, err error) {
	if v.t != ValueBool {
		err = ErrWrongType
		return
	}
	b = v.boolV
	return
}

// ValueInt returns the int datum.
func (v PropertyValue) ValueInt() (i int64, err error) {
	if v.t != ValueInt {
		err = ErrWrongType
		return
	}
	i = v.intV
	return
}

// ValueDouble returns the double datum.
func (v PropertyValue) ValueDouble() (d float64, err error) {
	if v.t != ValueDouble {
		err = ErrWrongType
		return
	}
	d = v.doubleV
	return
}

// ValueString returns the string datum.
func (v PropertyValue) ValueString() (s string, err error) {
	if v.t != ValueString {
		err = ErrWrongType
		return
	}
	s = v.stringV
	return
}

// ValueList returns the list datum. The returned slice is shared with the
// value and must not be mutated by callers holding other references.
func (v PropertyValue) ValueList() (l []PropertyValue, err error) {
	if v.t != ValueList {
		err = ErrWrongType
		return
	}
	l = v.listV
	return
}

// ValueMap returns the map datum. The returned map is shared with the value.
func (v PropertyValue) ValueMap() (m map[string]PropertyValue, err error) {
	if v.t != ValueMap {
		err = ErrWrongType
		return
	}
	m = v.mapV
	return
}

// ValueTemporal returns the temporal datum.
func (v PropertyValue) ValueTemporal() (t TemporalData, err error) {
	if v.t != ValueTemporal {
		err = ErrWrongType
		return
	}
	t = v.temporal
	return
}

// comparisonRank merges int and double into one numeric rank so that the
// cross-kind ordering treats them as a single kind.
func (v PropertyValue) comparisonRank() int {
	switch v.t {
	case ValueNull:
		return 0
	case ValueBool:
		return 1
	case ValueInt, ValueDouble:
		return 2
	case ValueString:
		return 3
	case ValueList:
		return 4
	case ValueMap:
		return 5
	case ValueTemporal:
		return 6
	default:
		return 7
	}
}

func (v PropertyValue) numeric() float64 {
	if v.t == ValueInt {
		return float64(v.intV)
	}
	return v.doubleV
}

// Equal reports deep structural equality. Int and double values holding the
// same numeric value are equal.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.comparisonRank() != o.comparisonRank() {
		return false
	}
	switch v.t {
	case ValueNull:
		return true
	case ValueBool:
		return v.boolV == o.boolV
	case ValueInt, ValueDouble:
		if v.t == ValueInt && o.t == ValueInt {
			return v.intV == o.intV
		}
		return v.numeric() == o.numeric()
	case ValueString:
		return v.stringV == o.stringV
	case ValueList:
		if len(v.listV) != len(o.listV) {
			return false
		}
		for i := range v.listV {
			if !v.listV[i].Equal(o.listV[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		if len(v.mapV) != len(o.mapV) {
			return false
		}
		for k, vv := range v.mapV {
			ov, ok := o.mapV[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	case ValueTemporal:
		return v.temporal == o.temporal
	default:
		return false
	}
}

// Compare returns -1, 0 or 1 ordering v against o. Disparate kinds order by
// their comparison rank; ints and doubles share a numeric rank.
func (v PropertyValue) Compare(o PropertyValue) int {
	vr, or := v.comparisonRank(), o.comparisonRank()
	if vr != or {
		if vr < or {
			return -1
		}
		return 1
	}
	switch v.t {
	case ValueNull:
		return 0
	case ValueBool:
		ob, _ := o.ValueBool()
		if v.boolV == ob {
			return 0
		}
		if !v.boolV {
			return -1
		}
		return 1
	case ValueInt, ValueDouble:
		if v.t == ValueInt && o.t == ValueInt {
			return compareInt64(v.intV, o.intV)
		}
		return compareFloat64(v.numeric(), o.numeric())
	case ValueString:
		return strings.Compare(v.stringV, o.stringV)
	case ValueList:
		ol, _ := o.ValueList()
		return compareLists(v.listV, ol)
	case ValueMap:
		om, _ := o.ValueMap()
		return compareMaps(v.mapV, om)
	case ValueTemporal:
		ot, _ := o.ValueTemporal()
		if v.temporal.Kind != ot.Kind {
			if v.temporal.Kind < ot.Kind {
				return -1
			}
			return 1
		}
		return compareInt64(v.temporal.Microseconds, ot.Microseconds)
	default:
		return 0
	}
}

// Less reports whether v orders strictly before o.
func (v PropertyValue) Less(o PropertyValue) bool {
	return v.Compare(o) < 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareLists(a, b []PropertyValue) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareMaps(a, b map[string]PropertyValue) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := a[ak[i]].Compare(b[bk[i]]); c != 0 {
			return c
		}
	}
	switch {
	case len(ak) < len(bk):
		return -1
	case len(ak) > len(bk):
		return 1
	default:
		return 0
	}
}

func sortedKeys(m map[string]PropertyValue) (keys []string) {
	keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

// String renders the value in the stream format, e.g. `[true, {k: 1}]`.
func (v PropertyValue) String() string {
	switch v.t {
	case ValueNull:
		return "null"
	case ValueBool:
		if v.boolV {
			return "true"
		}
		return "false"
	case ValueInt:
		return strconv.FormatInt(v.intV, 10)
	case ValueDouble:
		return strconv.FormatFloat(v.doubleV, 'g', -1, 64)
	case ValueString:
		return v.stringV
	case ValueList:
		parts := make([]string, len(v.listV))
		for i, item := range v.listV {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case ValueMap:
		keys := sortedKeys(v.mapV)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.mapV[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case ValueTemporal:
		return fmt.Sprintf("{%s %d}", v.temporal.Kind, v.temporal.Microseconds)
	default:
		return "invalid"
	}
}
