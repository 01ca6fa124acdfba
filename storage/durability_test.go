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

// Every committed state must be reproducible from the written snapshot
// and WAL chain.
func TestDurabilityRoundTrip(t *testing.T) {
	defer leaktest.CheckTimeout(t, 30*time.Second)()

	Convey("Given a storage with committed graph data", t, func() {
		cfg, cleanup := durableConfig(t, 20*1024)
		defer cleanup()
		s, err := NewStorage(cfg)
		So(err, ShouldBeNil)

		label := s.NameToLabel("Person")
		prop := s.NameToProperty("name")
		weight := s.NameToProperty("weight")
		knows := s.NameToEdgeType("knows")
		So(s.CreateLabelIndex(label), ShouldBeTrue)

		acc := s.Access()
		alice := acc.CreateVertex()
		bob := acc.CreateVertex()
		carol := acc.CreateVertex()
		_, err = alice.AddLabel(label)
		So(err, ShouldBeNil)
		_, err = bob.AddLabel(label)
		So(err, ShouldBeNil)
		So(alice.SetProperty(prop, types.StringValue("alice")), ShouldBeNil)
		So(bob.SetProperty(prop, types.StringValue("bob")), ShouldBeNil)
		edge, err := acc.CreateEdge(alice, bob, knows)
		So(err, ShouldBeNil)
		So(edge.SetProperty(weight, types.DoubleValue(0.9)), ShouldBeNil)
		So(acc.Commit(), ShouldBeNil)

		// A second transaction mutates and deletes.
		acc2 := s.Access()
		carolAcc, found := acc2.FindVertex(carol.Gid(), ViewOld)
		So(found, ShouldBeTrue)
		So(acc2.DeleteVertex(carolAcc), ShouldBeNil)
		aliceAcc, found := acc2.FindVertex(alice.Gid(), ViewOld)
		So(found, ShouldBeTrue)
		So(aliceAcc.SetProperty(prop, types.StringValue("alice2")), ShouldBeNil)
		So(acc2.Commit(), ShouldBeNil)

		aliceGid, bobGid, carolGid := alice.Gid(), bob.Gid(), carol.Gid()
		lastCommit := s.LastCommitTimestamp()
		s.Close()

		Convey("A fresh instance recovers the identical state", func() {
			cfg2 := cfg
			cfg2.Durability.RecoverOnStartup = true
			recovered, err := NewStorage(cfg2)
			So(err, ShouldBeNil)
			defer recovered.Close()

			So(recovered.LastCommitTimestamp(), ShouldEqual, lastCommit)

			acc := recovered.Access()
			defer acc.Abort()

			va, found := acc.FindVertex(aliceGid, ViewOld)
			So(found, ShouldBeTrue)
			rprop := recovered.NameToProperty("name")
			value, err := va.GetProperty(rprop, ViewOld)
			So(err, ShouldBeNil)
			So(value.Equal(types.StringValue("alice2")), ShouldBeTrue)
			rlabel := recovered.NameToLabel("Person")
			has, err := va.HasLabel(rlabel, ViewOld)
			So(err, ShouldBeNil)
			So(has, ShouldBeTrue)

			_, found = acc.FindVertex(carolGid, ViewOld)
			So(found, ShouldBeFalse)

			outEdges, err := va.OutEdges(ViewOld)
			So(err, ShouldBeNil)
			So(len(outEdges), ShouldEqual, 1)
			So(outEdges[0].ToVertex().Gid(), ShouldEqual, bobGid)
			rweight := recovered.NameToProperty("weight")
			wv, err := outEdges[0].GetProperty(rweight, ViewOld)
			So(err, ShouldBeNil)
			So(wv.Equal(types.DoubleValue(0.9)), ShouldBeTrue)

			So(recovered.labelIndex.HasIndex(rlabel), ShouldBeTrue)
			So(len(acc.VerticesByLabel(rlabel, ViewOld)), ShouldEqual, 2)

			Convey("New writes keep working after recovery", func() {
				w := recovered.Access()
				w.CreateVertex()
				So(w.Commit(), ShouldBeNil)
				So(recovered.LastCommitTimestamp(), ShouldBeGreaterThan, lastCommit)
			})
		})

		Convey("Recovery with a snapshot in the chain matches too", func() {
			cfg2 := cfg
			cfg2.Durability.RecoverOnStartup = true
			first, err := NewStorage(cfg2)
			So(err, ShouldBeNil)

			_, err = first.CreateSnapshot()
			So(err, ShouldBeNil)
			w := first.Access()
			extra := w.CreateVertex().Gid()
			So(w.Commit(), ShouldBeNil)
			first.Close()

			second, err := NewStorage(cfg2)
			So(err, ShouldBeNil)
			defer second.Close()
			acc := second.Access()
			defer acc.Abort()
			_, found := acc.FindVertex(extra, ViewOld)
			So(found, ShouldBeTrue)
			_, found = acc.FindVertex(aliceGid, ViewOld)
			So(found, ShouldBeTrue)
		})
	})
}
