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

package types

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPropertyValueAccessors(t *testing.T) {
	Convey("Given values of every kind", t, func() {
		Convey("The null value is the zero value", func() {
			var v PropertyValue
			So(v.IsNull(), ShouldBeTrue)
			So(v.Type(), ShouldEqual, ValueNull)
			So(NullValue().IsNull(), ShouldBeTrue)
		})
		Convey("Typed accessors return the datum for the matching kind", func() {
			b, err := BoolValue(true).ValueBool()
			So(err, ShouldBeNil)
			So(b, ShouldBeTrue)
			i, err := IntValue(123).ValueInt()
			So(err, ShouldBeNil)
			So(i, ShouldEqual, 123)
			d, err := DoubleValue(123.5).ValueDouble()
			So(err, ShouldBeNil)
			So(d, ShouldEqual, 123.5)
			s, err := StringValue("nandare").ValueString()
			So(err, ShouldBeNil)
			So(s, ShouldEqual, "nandare")
			l, err := ListValue([]PropertyValue{IntValue(1)}).ValueList()
			So(err, ShouldBeNil)
			So(len(l), ShouldEqual, 1)
			m, err := MapValue(map[string]PropertyValue{"k": IntValue(1)}).ValueMap()
			So(err, ShouldBeNil)
			So(len(m), ShouldEqual, 1)
			tv, err := TemporalValue(NewTemporalData(TemporalDuration, 23)).ValueTemporal()
			So(err, ShouldBeNil)
			So(tv.Microseconds, ShouldEqual, 23)
		})
		Convey("Typed accessors fail with ErrWrongType on any other kind", func() {
			_, err := IntValue(1).ValueBool()
			So(err, ShouldEqual, ErrWrongType)
			_, err = BoolValue(true).ValueInt()
			So(err, ShouldEqual, ErrWrongType)
			_, err = StringValue("x").ValueDouble()
			So(err, ShouldEqual, ErrWrongType)
			_, err = NullValue().ValueString()
			So(err, ShouldEqual, ErrWrongType)
			_, err = IntValue(1).ValueList()
			So(err, ShouldEqual, ErrWrongType)
			_, err = IntValue(1).ValueMap()
			So(err, ShouldEqual, ErrWrongType)
			_, err = IntValue(1).ValueTemporal()
			So(err, ShouldEqual, ErrWrongType)
		})
	})
}

func TestPropertyValueOrdering(t *testing.T) {
	Convey("Given one value of every kind in type order", t, func() {
		ordered := []PropertyValue{
			NullValue(),
			BoolValue(true),
			IntValue(123),
			DoubleValue(123.5),
			StringValue("nandare"),
			ListValue([]PropertyValue{BoolValue(true), IntValue(123)}),
			MapValue(map[string]PropertyValue{"nandare": BoolValue(false)}),
			TemporalValue(NewTemporalData(TemporalDate, 23)),
		}
		Convey("Every earlier value orders strictly before every later one", func() {
			for i := range ordered {
				for j := i + 1; j < len(ordered); j++ {
					Convey(fmt.Sprintf("ordered[%d] < ordered[%d]", i, j), func() {
						So(ordered[i].Less(ordered[j]), ShouldBeTrue)
						So(ordered[j].Less(ordered[i]), ShouldBeFalse)
						So(ordered[i].Equal(ordered[j]), ShouldBeFalse)
					})
				}
			}
		})
		Convey("Values are equal to themselves", func() {
			for i := range ordered {
				So(ordered[i].Equal(ordered[i]), ShouldBeTrue)
				So(ordered[i].Less(ordered[i]), ShouldBeFalse)
			}
		})
	})
}

func TestPropertyValueNumericComparison(t *testing.T) {
	Convey("Int and double compare numerically against each other", t, func() {
		So(IntValue(2).Equal(DoubleValue(2.0)), ShouldBeTrue)
		So(DoubleValue(2.0).Equal(IntValue(2)), ShouldBeTrue)
		So(IntValue(2).Equal(DoubleValue(2.5)), ShouldBeFalse)
		So(IntValue(2).Less(DoubleValue(2.5)), ShouldBeTrue)
		So(DoubleValue(1.5).Less(IntValue(2)), ShouldBeTrue)
		So(IntValue(3).Less(DoubleValue(2.5)), ShouldBeFalse)
	})
	Convey("Like kinds compare by value", t, func() {
		So(IntValue(1).Less(IntValue(2)), ShouldBeTrue)
		So(StringValue("a").Less(StringValue("b")), ShouldBeTrue)
		So(BoolValue(false).Less(BoolValue(true)), ShouldBeTrue)
		So(ListValue([]PropertyValue{IntValue(1)}).
			Less(ListValue([]PropertyValue{IntValue(1), IntValue(2)})), ShouldBeTrue)
	})
}

func TestPropertyValueString(t *testing.T) {
	Convey("Values render in the stream format", t, func() {
		So(NullValue().String(), ShouldEqual, "null")
		So(BoolValue(true).String(), ShouldEqual, "true")
		So(BoolValue(false).String(), ShouldEqual, "false")
		So(IntValue(123).String(), ShouldEqual, "123")
		So(DoubleValue(123.5).String(), ShouldEqual, "123.5")
		So(StringValue("nandare").String(), ShouldEqual, "nandare")
		So(ListValue([]PropertyValue{StringValue("a"), StringValue("b")}).String(),
			ShouldEqual, "[a, b]")
		So(MapValue(map[string]PropertyValue{
			"b": IntValue(2), "a": IntValue(1),
		}).String(), ShouldEqual, "{a: 1, b: 2}")
	})
}

func TestPropertyValueRoundTrip(t *testing.T) {
	Convey("Given a representative set of values", t, func() {
		values := []PropertyValue{
			NullValue(),
			BoolValue(true),
			BoolValue(false),
			IntValue(-42),
			IntValue(1 << 40),
			DoubleValue(3.14159),
			StringValue(""),
			StringValue("nandare"),
			ListValue(nil),
			ListValue([]PropertyValue{IntValue(1), StringValue("x"),
				ListValue([]PropertyValue{BoolValue(true)})}),
			MapValue(map[string]PropertyValue{
				"a": IntValue(1),
				"b": MapValue(map[string]PropertyValue{"c": NullValue()}),
			}),
			TemporalValue(NewTemporalData(TemporalLocalDateTime, 1234567890)),
		}
		Convey("deserialize(serialize(v)) equals v", func() {
			for i, v := range values {
				Convey(fmt.Sprintf("value #%d (%s)", i, v.Type()), func() {
					buf, err := v.Encode()
					So(err, ShouldBeNil)
					decoded, err := DecodeValueBytes(buf)
					So(err, ShouldBeNil)
					So(decoded.Equal(v), ShouldBeTrue)
					So(decoded.Type(), ShouldEqual, v.Type())
				})
			}
		})
		Convey("Trailing garbage is rejected", func() {
			buf, err := IntValue(7).Encode()
			So(err, ShouldBeNil)
			_, err = DecodeValueBytes(append(buf, 0x00))
			So(err, ShouldEqual, ErrInvalidValueData)
		})
		Convey("An unknown type byte is rejected", func() {
			_, err := DecodeValueBytes([]byte{0xff})
			So(err, ShouldEqual, ErrInvalidValueData)
		})
	})
}
