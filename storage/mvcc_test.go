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

package storage

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantGraph/CovenantGraph/types"
)

func TestPreviousPtrTagRoundTrip(t *testing.T) {
	Convey("Given the three referent kinds", t, func() {
		var p PreviousPtr
		So(p.Get().Type, ShouldEqual, PreviousNull)

		d := &Delta{}
		p.SetDelta(d)
		ref := p.Get()
		So(ref.Type, ShouldEqual, PreviousDelta)
		So(ref.Delta, ShouldEqual, d)
		So(ref.Vertex, ShouldBeNil)
		So(ref.Edge, ShouldBeNil)

		v := newVertex(types.GidFromUint(1))
		p.SetVertex(v)
		ref = p.Get()
		So(ref.Type, ShouldEqual, PreviousVertex)
		So(ref.Vertex, ShouldEqual, v)
		So(ref.Delta, ShouldBeNil)

		e := newEdge(types.GidFromUint(2))
		p.SetEdge(e)
		ref = p.Get()
		So(ref.Type, ShouldEqual, PreviousEdge)
		So(ref.Edge, ShouldEqual, e)
		So(ref.Vertex, ShouldBeNil)
	})
}

func TestDeltaChainMonotonicity(t *testing.T) {
	Convey("Given a storage with several committed writers of one vertex", t, func() {
		s, err := NewStorage(Config{Gc: GcConfig{Type: GcNone}})
		So(err, ShouldBeNil)
		defer s.Close()

		setup := s.Access()
		gid := setup.CreateVertex().Gid()
		So(setup.Commit(), ShouldBeNil)

		// A pinned reader keeps every version alive.
		pin := s.Access()
		defer pin.Abort()

		prop := s.NameToProperty("n")
		for i := 0; i < 5; i++ {
			acc := s.Access()
			va, found := acc.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)
			So(va.SetProperty(prop, types.IntValue(int64(i))), ShouldBeNil)
			So(acc.Commit(), ShouldBeNil)
		}

		Convey("Timestamps strictly decrease towards older deltas", func() {
			s.vertexMu.RLock()
			v := s.vertices[gid]
			s.vertexMu.RUnlock()

			var previous uint64
			first := true
			for d := v.loadDelta(); d != nil; d = d.Next() {
				ts := d.Timestamp.Load()
				So(ts, ShouldBeLessThan, transactionInitialID)
				if !first {
					So(ts, ShouldBeLessThan, previous)
				}
				previous = ts
				first = false
			}
			So(first, ShouldBeFalse)
		})

		Convey("Walking at an old snapshot reproduces the old value", func() {
			va, found := pin.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)
			value, err := va.GetProperty(prop, ViewOld)
			So(err, ShouldBeNil)
			So(value.IsNull(), ShouldBeTrue)
		})
	})
}

func TestNameIdMapper(t *testing.T) {
	Convey("Given a fresh mapper", t, func() {
		m := NewNameIdMapper()
		a := m.NameToId("alpha")
		b := m.NameToId("beta")
		So(a, ShouldNotEqual, b)
		So(m.NameToId("alpha"), ShouldEqual, a)

		name, ok := m.IdToName(a)
		So(ok, ShouldBeTrue)
		So(name, ShouldEqual, "alpha")
		_, ok = m.IdToName(999)
		So(ok, ShouldBeFalse)

		Convey("Entries round trip through SetEntries", func() {
			entries := m.Entries()
			So(len(entries), ShouldEqual, 2)
			m2 := NewNameIdMapper()
			m2.SetEntries(entries)
			So(m2.NameToId("alpha"), ShouldEqual, a)
			So(m2.NameToId("beta"), ShouldEqual, b)
			So(m2.NameToId("gamma"), ShouldEqual, b+1)
		})
	})
}

func TestLabelIndexScans(t *testing.T) {
	Convey("Given an indexed label over committed vertices", t, func() {
		s, err := NewStorage(Config{Gc: GcConfig{Type: GcNone}})
		So(err, ShouldBeNil)
		defer s.Close()

		label := s.NameToLabel("Person")
		prop := s.NameToProperty("age")
		So(s.CreateLabelIndex(label), ShouldBeTrue)
		So(s.CreateLabelIndex(label), ShouldBeFalse)
		So(s.CreateLabelPropertyIndex(label, prop), ShouldBeTrue)

		setup := s.Access()
		for i := 0; i < 10; i++ {
			va := setup.CreateVertex()
			if i%2 == 0 {
				_, err := va.AddLabel(label)
				So(err, ShouldBeNil)
				So(va.SetProperty(prop, types.IntValue(int64(i))), ShouldBeNil)
			}
		}
		So(setup.Commit(), ShouldBeNil)

		Convey("The label scan returns exactly the labeled vertices", func() {
			acc := s.Access()
			defer acc.Abort()
			So(len(acc.VerticesByLabel(label, ViewOld)), ShouldEqual, 5)
		})

		Convey("The label+property scan filters by value", func() {
			acc := s.Access()
			defer acc.Abort()
			matches := acc.VerticesByLabelProperty(label, prop, types.IntValue(4), ViewOld)
			So(len(matches), ShouldEqual, 1)
			all := acc.VerticesByLabelProperty(label, prop, types.NullValue(), ViewOld)
			So(len(all), ShouldEqual, 5)
			// Value ordered: ages ascend.
			last := int64(-1)
			for _, va := range all {
				value, err := va.GetProperty(prop, ViewOld)
				So(err, ShouldBeNil)
				age, err := value.ValueInt()
				So(err, ShouldBeNil)
				So(age, ShouldBeGreaterThan, last)
				last = age
			}
		})

		Convey("Uncommitted additions stay invisible to other scans", func() {
			writer := s.Access()
			va := writer.CreateVertex()
			_, err := va.AddLabel(label)
			So(err, ShouldBeNil)

			reader := s.Access()
			So(len(reader.VerticesByLabel(label, ViewOld)), ShouldEqual, 5)
			reader.Abort()
			writer.Abort()

			after := s.Access()
			So(len(after.VerticesByLabel(label, ViewOld)), ShouldEqual, 5)
			after.Abort()
		})

		Convey("Dropped indexes disappear from the listing", func() {
			So(s.DropLabelIndex(label), ShouldBeTrue)
			So(s.DropLabelIndex(label), ShouldBeFalse)
			So(s.labelIndex.HasIndex(label), ShouldBeFalse)
		})
	})
}
