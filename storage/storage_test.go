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
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantGraph/CovenantGraph/types"
)

func newGcStorage(t *testing.T) *Storage {
	s, err := NewStorage(Config{
		Gc:    GcConfig{Type: GcPeriodic, Interval: 100 * time.Millisecond},
		Items: ItemsConfig{PropertiesOnEdges: true},
	})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	return s
}

// A transaction stays alive across GC runs while objects are created,
// deleted, relabeled and detached; GC must neither free live versions nor
// keep the view of any open transaction from working.
func TestStorageGcSanity(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	s := newGcStorage(t)
	defer s.Close()

	var vertices []types.Gid

	Convey("Given vertices created and partially deleted in one transaction", t, func() {
		acc := s.Access()
		for i := 0; i < 1000; i++ {
			vertices = append(vertices, acc.CreateVertex().Gid())
		}
		acc.AdvanceCommand()

		for i := 0; i < 1000; i++ {
			va, found := acc.FindVertex(vertices[i], ViewOld)
			So(found, ShouldBeTrue)
			if i%5 == 0 {
				So(acc.DeleteVertex(va), ShouldBeNil)
			}
		}

		// Let GC run against the live transaction.
		time.Sleep(300 * time.Millisecond)

		Convey("OLD sees all 1000, NEW sees the 800 survivors", func() {
			oldCount, newCount := 0, 0
			for i := 0; i < 1000; i++ {
				if _, found := acc.FindVertex(vertices[i], ViewOld); found {
					oldCount++
				}
				_, foundNew := acc.FindVertex(vertices[i], ViewNew)
				So(foundNew, ShouldEqual, i%5 != 0)
				if foundNew {
					newCount++
				}
			}
			So(oldCount, ShouldEqual, 1000)
			So(newCount, ShouldEqual, 800)
			So(acc.Commit(), ShouldBeNil)
		})
	})

	Convey("Given labels added to the survivors under GC", t, func() {
		acc := s.Access()
		for i := 0; i < 1000; i++ {
			va, found := acc.FindVertex(vertices[i], ViewOld)
			So(found, ShouldEqual, i%5 != 0)
			if found {
				for _, l := range []uint64{3 * uint64(i), 3*uint64(i) + 1, 3*uint64(i) + 2} {
					added, err := va.AddLabel(types.LabelIdFromUint(l))
					So(err, ShouldBeNil)
					So(added, ShouldBeTrue)
				}
			}
		}

		time.Sleep(300 * time.Millisecond)

		Convey("NEW sees the labels, OLD sees none", func() {
			for i := 0; i < 1000; i++ {
				va, found := acc.FindVertex(vertices[i], ViewNew)
				So(found, ShouldEqual, i%5 != 0)
				if !found {
					continue
				}
				labelsOld, err := va.Labels(ViewOld)
				So(err, ShouldBeNil)
				So(len(labelsOld), ShouldEqual, 0)
				labelsNew, err := va.Labels(ViewNew)
				So(err, ShouldBeNil)
				So(len(labelsNew), ShouldEqual, 3)
				seen := map[uint64]bool{}
				for _, l := range labelsNew {
					seen[l.AsUint()] = true
				}
				So(seen[3*uint64(i)], ShouldBeTrue)
				So(seen[3*uint64(i)+1], ShouldBeTrue)
				So(seen[3*uint64(i)+2], ShouldBeTrue)
			}
			So(acc.Commit(), ShouldBeNil)
		})
	})

	Convey("Given an edge ring and detach-deletions under GC", t, func() {
		acc := s.Access()
		for i := 0; i < 1000; i++ {
			from, foundFrom := acc.FindVertex(vertices[i], ViewOld)
			to, foundTo := acc.FindVertex(vertices[(i+1)%1000], ViewOld)
			So(foundFrom, ShouldEqual, i%5 != 0)
			So(foundTo, ShouldEqual, (i+1)%5 != 0)
			if foundFrom && foundTo {
				_, err := acc.CreateEdge(from, to, types.EdgeTypeIdFromUint(uint64(i)))
				So(err, ShouldBeNil)
			}
		}

		for i := 0; i < 1000; i++ {
			va, found := acc.FindVertex(vertices[i], ViewNew)
			So(found, ShouldEqual, i%5 != 0)
			if found && i%3 == 0 {
				So(acc.DetachDeleteVertex(va), ShouldBeNil)
			}
		}

		time.Sleep(300 * time.Millisecond)

		Convey("Existence and degrees follow the deletion pattern", func() {
			exists := func(i int) bool { return i%5 != 0 && i%3 != 0 }
			created := func(i int) bool { return i%5 != 0 && (i+1)%5 != 0 }
			for i := 0; i < 1000; i++ {
				va, found := acc.FindVertex(vertices[i], ViewNew)
				So(found, ShouldEqual, exists(i))
				if !found {
					continue
				}
				outDeg, err := va.OutDegree(ViewNew)
				So(err, ShouldBeNil)
				wantOut := 0
				if created(i) && exists((i+1)%1000) {
					wantOut = 1
				}
				So(outDeg, ShouldEqual, wantOut)

				inDeg, err := va.InDegree(ViewNew)
				So(err, ShouldBeNil)
				prev := (i + 999) % 1000
				wantIn := 0
				if created(prev) && exists(prev) {
					wantIn = 1
				}
				So(inDeg, ShouldEqual, wantIn)
			}
			So(acc.Commit(), ShouldBeNil)
		})
	})
}

func TestStorageVisibilityAcrossTransactions(t *testing.T) {
	Convey("Given a storage without background GC", t, func() {
		s, err := NewStorage(Config{Gc: GcConfig{Type: GcNone}})
		So(err, ShouldBeNil)
		defer s.Close()

		Convey("A committed vertex is visible to later snapshots only", func() {
			acc1 := s.Access()
			gid := acc1.CreateVertex().Gid()

			// A reader that started before the commit.
			reader := s.Access()
			So(acc1.Commit(), ShouldBeNil)

			_, found := reader.FindVertex(gid, ViewOld)
			So(found, ShouldBeFalse)
			_, found = reader.FindVertex(gid, ViewNew)
			So(found, ShouldBeFalse)
			reader.Abort()

			late := s.Access()
			_, found = late.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)
			late.Abort()
		})

		Convey("An uncommitted vertex is visible only to its creator", func() {
			acc1 := s.Access()
			gid := acc1.CreateVertex().Gid()
			acc1.AdvanceCommand()
			_, found := acc1.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)

			other := s.Access()
			_, found = other.FindVertex(gid, ViewNew)
			So(found, ShouldBeFalse)
			other.Abort()
			acc1.Abort()
		})

		Convey("Abort reverts labels, properties and deletions", func() {
			setup := s.Access()
			va := setup.CreateVertex()
			gid := va.Gid()
			label := s.NameToLabel("tmp")
			prop := s.NameToProperty("score")
			_, err := va.AddLabel(label)
			So(err, ShouldBeNil)
			So(va.SetProperty(prop, types.IntValue(10)), ShouldBeNil)
			So(setup.Commit(), ShouldBeNil)

			mutator := s.Access()
			va2, found := mutator.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)
			_, err = va2.RemoveLabel(label)
			So(err, ShouldBeNil)
			So(va2.SetProperty(prop, types.IntValue(20)), ShouldBeNil)
			mutator.Abort()

			check := s.Access()
			va3, found := check.FindVertex(gid, ViewOld)
			So(found, ShouldBeTrue)
			has, err := va3.HasLabel(label, ViewOld)
			So(err, ShouldBeNil)
			So(has, ShouldBeTrue)
			value, err := va3.GetProperty(prop, ViewOld)
			So(err, ShouldBeNil)
			So(value.Equal(types.IntValue(10)), ShouldBeTrue)
			check.Abort()
		})

		Convey("A write conflict surfaces as a serialization error", func() {
			setup := s.Access()
			gid := setup.CreateVertex().Gid()
			So(setup.Commit(), ShouldBeNil)
			prop := s.NameToProperty("p")

			first := s.Access()
			second := s.Access()
			fv, _ := first.FindVertex(gid, ViewOld)
			So(fv.SetProperty(prop, types.IntValue(1)), ShouldBeNil)

			sv, _ := second.FindVertex(gid, ViewOld)
			err := sv.SetProperty(prop, types.IntValue(2))
			So(err, ShouldEqual, ErrSerialization)

			So(first.Commit(), ShouldBeNil)
			// Still conflicting after the commit: the winner is newer than
			// the loser's snapshot.
			err = sv.SetProperty(prop, types.IntValue(2))
			So(err, ShouldEqual, ErrSerialization)
			second.Abort()
		})

		Convey("DeleteVertex refuses vertices with edges", func() {
			acc := s.Access()
			from := acc.CreateVertex()
			to := acc.CreateVertex()
			_, err := acc.CreateEdge(from, to, s.NameToEdgeType("knows"))
			So(err, ShouldBeNil)
			So(acc.DeleteVertex(from), ShouldEqual, ErrVertexHasEdges)
			So(acc.DetachDeleteVertex(from), ShouldBeNil)
			acc.Abort()
		})
	})
}

func TestStorageGcReclaimsDeletedVertices(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	Convey("Given a storage with manual GC", t, func() {
		s, err := NewStorage(Config{Gc: GcConfig{Type: GcNone}})
		So(err, ShouldBeNil)
		defer s.Close()

		acc := s.Access()
		gid := acc.CreateVertex().Gid()
		So(acc.Commit(), ShouldBeNil)

		del := s.Access()
		va, found := del.FindVertex(gid, ViewOld)
		So(found, ShouldBeTrue)
		So(del.DeleteVertex(va), ShouldBeNil)
		So(del.Commit(), ShouldBeNil)

		Convey("After GC with no active readers the container shrinks", func() {
			s.CollectGarbage()
			s.vertexMu.RLock()
			_, present := s.vertices[gid]
			s.vertexMu.RUnlock()
			So(present, ShouldBeFalse)
		})
	})
}
