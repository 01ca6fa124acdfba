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

package durability

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantGraph/CovenantGraph/types"
)

func testDir(t *testing.T) (dir string, cleanup func()) {
	dir, err := ioutil.TempDir("", "covenantgraph-durability")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

func sampleRecords(baseTs uint64, txID uint64) []*Record {
	return []*Record{
		{Timestamp: baseTs, TransactionID: txID, Type: RecordVertexCreate, Gid: 1},
		{Timestamp: baseTs, TransactionID: txID, Type: RecordVertexAddLabel, Gid: 1, Label: "Person"},
		{Timestamp: baseTs, TransactionID: txID, Type: RecordVertexSetProperty,
			Gid: 1, Property: "name", Value: types.StringValue("neo")},
		{Timestamp: baseTs, TransactionID: txID, Type: RecordEdgeCreate,
			Gid: 7, FromGid: 1, ToGid: 1, EdgeType: "knows"},
		{Timestamp: baseTs, TransactionID: txID, Type: RecordTransactionEnd},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	Convey("Every record kind round trips through the codec", t, func() {
		records := []*Record{
			{Timestamp: 1, TransactionID: 9, Type: RecordVertexCreate, Gid: 5},
			{Timestamp: 2, TransactionID: 9, Type: RecordVertexDelete, Gid: 5},
			{Timestamp: 3, TransactionID: 9, Type: RecordVertexAddLabel, Gid: 5, Label: "L"},
			{Timestamp: 4, TransactionID: 9, Type: RecordVertexRemoveLabel, Gid: 5, Label: "L"},
			{Timestamp: 5, TransactionID: 9, Type: RecordVertexSetProperty,
				Gid: 5, Property: "p", Value: types.ListValue([]types.PropertyValue{types.IntValue(1)})},
			{Timestamp: 6, TransactionID: 9, Type: RecordEdgeCreate,
				Gid: 6, FromGid: 5, ToGid: 7, EdgeType: "E"},
			{Timestamp: 7, TransactionID: 9, Type: RecordEdgeDelete,
				Gid: 6, FromGid: 5, ToGid: 7, EdgeType: "E"},
			{Timestamp: 8, TransactionID: 9, Type: RecordEdgeSetProperty,
				Gid: 6, Property: "w", Value: types.DoubleValue(0.5)},
			{Timestamp: 9, TransactionID: 9, Type: RecordTransactionEnd},
			{Timestamp: 10, Type: RecordLabelIndexCreate, Label: "L"},
			{Timestamp: 11, Type: RecordLabelIndexDrop, Label: "L"},
			{Timestamp: 12, Type: RecordLabelPropertyIndexCreate, Label: "L", Property: "p"},
			{Timestamp: 13, Type: RecordLabelPropertyIndexDrop, Label: "L", Property: "p"},
		}
		for _, rec := range records {
			buf, err := EncodeRecordBytes(rec)
			So(err, ShouldBeNil)
			decoded, err := DecodeRecordBytes(buf)
			So(err, ShouldBeNil)
			So(decoded.Timestamp, ShouldEqual, rec.Timestamp)
			So(decoded.TransactionID, ShouldEqual, rec.TransactionID)
			So(decoded.Type, ShouldEqual, rec.Type)
			So(decoded.Gid, ShouldEqual, rec.Gid)
			So(decoded.Label, ShouldEqual, rec.Label)
			So(decoded.Property, ShouldEqual, rec.Property)
			So(decoded.FromGid, ShouldEqual, rec.FromGid)
			So(decoded.ToGid, ShouldEqual, rec.ToGid)
			So(decoded.EdgeType, ShouldEqual, rec.EdgeType)
			So(decoded.Value.Equal(rec.Value), ShouldBeTrue)
		}
	})
}

func TestWalFileLifecycle(t *testing.T) {
	dir, cleanup := testDir(t)
	defer cleanup()

	Convey("Given a fresh wal segment", t, func() {
		w, err := NewWalFile(dir, "uuid-1", "epoch-1", 4)
		So(err, ShouldBeNil)

		for _, rec := range sampleRecords(10, 1) {
			So(w.AppendRecord(rec), ShouldBeNil)
		}
		So(w.Flush(), ShouldBeNil)
		for _, rec := range sampleRecords(11, 2) {
			So(w.AppendRecord(rec), ShouldBeNil)
		}

		Convey("The unflushed tail is visible through CurrentFileBuffer", func() {
			buf, flushed := w.CurrentFileBuffer()
			So(len(buf), ShouldBeGreaterThan, 0)
			So(flushed, ShouldBeGreaterThan, uint64(0))
			So(w.Size(), ShouldEqual, flushed+uint64(len(buf)))
		})

		Convey("Flushing can be frozen and resumed", func() {
			w.DisableFlushing()
			So(w.Flush(), ShouldBeNil)
			buf, _ := w.CurrentFileBuffer()
			So(len(buf), ShouldBeGreaterThan, 0)
			w.EnableFlushing()
			buf, _ = w.CurrentFileBuffer()
			So(len(buf), ShouldEqual, 0)
		})

		Convey("Finalize patches the header and the reader sees everything", func() {
			So(w.Finalize(), ShouldBeNil)
			info, records, err := ReadWalRecords(w.Path())
			So(err, ShouldBeNil)
			So(info.UUID, ShouldEqual, "uuid-1")
			So(info.EpochID, ShouldEqual, "epoch-1")
			So(info.SeqNum, ShouldEqual, 4)
			So(info.FromTimestamp, ShouldEqual, 10)
			So(info.ToTimestamp, ShouldEqual, 11)
			So(info.Count, ShouldEqual, 10)
			So(len(records), ShouldEqual, 10)
			So(w.AppendRecord(sampleRecords(12, 3)[0]), ShouldEqual, ErrWalFinalized)
		})
	})
}

func TestWalFileNameParsing(t *testing.T) {
	Convey("Wal and snapshot file names round trip", t, func() {
		name := WalFileName("ab-cd", 17)
		uuid, seq, ok := ParseWalFileName(name)
		So(ok, ShouldBeTrue)
		So(uuid, ShouldEqual, "ab-cd")
		So(seq, ShouldEqual, 17)
		_, _, ok = ParseWalFileName("garbage")
		So(ok, ShouldBeFalse)

		sname := SnapshotFileName("ab-cd", 99)
		uuid, ts, ok := ParseSnapshotFileName(sname)
		So(ok, ShouldBeTrue)
		So(uuid, ShouldEqual, "ab-cd")
		So(ts, ShouldEqual, 99)
		_, _, ok = ParseSnapshotFileName("wal_x_1")
		So(ok, ShouldBeFalse)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir, cleanup := testDir(t)
	defer cleanup()

	Convey("Given a populated snapshot", t, func() {
		data := &SnapshotData{
			UUID:           "uuid-2",
			EpochID:        "epoch-2",
			StartTimestamp: 42,
			Mapper: []MapperEntry{
				{ID: 0, Name: "Person"},
				{ID: 1, Name: "name"},
			},
			LabelIndices:         []uint64{0},
			LabelPropertyIndices: [][2]uint64{{0, 1}},
			Vertices: []SnapshotVertex{
				{Gid: 1, Labels: []uint64{0}, Properties: map[uint32]types.PropertyValue{
					1: types.StringValue("neo"),
				}},
				{Gid: 2, Properties: map[uint32]types.PropertyValue{}},
			},
			Edges: []SnapshotEdge{
				{Gid: 0, FromGid: 1, ToGid: 2, EdgeType: 3,
					Properties: map[uint32]types.PropertyValue{1: types.IntValue(7)}},
			},
		}
		path, err := WriteSnapshot(dir, data)
		So(err, ShouldBeNil)

		Convey("The header reads back alone", func() {
			info, err := ReadSnapshotInfo(path)
			So(err, ShouldBeNil)
			So(info.UUID, ShouldEqual, "uuid-2")
			So(info.EpochID, ShouldEqual, "epoch-2")
			So(info.StartTimestamp, ShouldEqual, 42)
		})

		Convey("The full snapshot reads back equal", func() {
			loaded, err := ReadSnapshot(path)
			So(err, ShouldBeNil)
			So(loaded.UUID, ShouldEqual, data.UUID)
			So(loaded.StartTimestamp, ShouldEqual, data.StartTimestamp)
			So(len(loaded.Mapper), ShouldEqual, 2)
			So(loaded.LabelIndices, ShouldResemble, data.LabelIndices)
			So(loaded.LabelPropertyIndices, ShouldResemble, data.LabelPropertyIndices)
			So(len(loaded.Vertices), ShouldEqual, 2)
			So(loaded.Vertices[0].Properties[1].Equal(types.StringValue("neo")), ShouldBeTrue)
			So(len(loaded.Edges), ShouldEqual, 1)
			So(loaded.Edges[0].Properties[1].Equal(types.IntValue(7)), ShouldBeTrue)
		})

		Convey("A corrupted byte fails the checksum", func() {
			raw, err := ioutil.ReadFile(path)
			So(err, ShouldBeNil)
			raw[len(raw)/2] ^= 0xff
			corrupt := filepath.Join(dir, "corrupt")
			So(ioutil.WriteFile(corrupt, raw, 0644), ShouldBeNil)
			_, err = ReadSnapshot(corrupt)
			So(errors.Cause(err), ShouldEqual, ErrChecksumMismatch)
		})
	})
}

func writeFinalizedWal(t *testing.T, dir, uuid string, seq, ts uint64) string {
	w, err := NewWalFile(dir, uuid, "epoch", seq)
	if err != nil {
		t.Fatalf("failed to create wal: %v", err)
	}
	for _, rec := range sampleRecords(ts, transactionInitialIDForTest+ts) {
		if err = w.AppendRecord(rec); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	if err = w.Finalize(); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	return w.Path()
}

const transactionInitialIDForTest = uint64(1) << 63

func TestRecoverDataWalChain(t *testing.T) {
	Convey("Given wal segments 0..2 and no snapshot", t, func() {
		walDir, cleanup := testDir(t)
		defer cleanup()
		snapDir, cleanup2 := testDir(t)
		defer cleanup2()

		for seq := uint64(0); seq < 3; seq++ {
			writeFinalizedWal(t, walDir, "u", seq, 10+seq)
		}

		Convey("Recovery replays every transaction", func() {
			rec, err := RecoverData(snapDir, walDir)
			So(err, ShouldBeNil)
			So(rec.Snapshot, ShouldBeNil)
			So(rec.WalSeen, ShouldBeTrue)
			So(rec.LastSeqNum, ShouldEqual, 2)
			So(rec.LastCommitTimestamp, ShouldEqual, 12)
			So(len(rec.Records), ShouldEqual, 15)
		})

		Convey("A missing middle segment is a gap", func() {
			infos, err := GetWalFiles(walDir, "u", nil)
			So(err, ShouldBeNil)
			So(len(infos), ShouldEqual, 3)
			So(os.Remove(infos[1].Path), ShouldBeNil)
			_, err = RecoverData(snapDir, walDir)
			So(errors.Cause(err), ShouldEqual, ErrWalGap)
		})
	})
}

func TestRecoverDataSnapshotPlusWals(t *testing.T) {
	Convey("Given a snapshot at ts 20 and wals around it", t, func() {
		walDir, cleanup := testDir(t)
		defer cleanup()
		snapDir, cleanup2 := testDir(t)
		defer cleanup2()

		// Old segment fully covered by the snapshot, two newer ones.
		writeFinalizedWal(t, walDir, "u", 5, 18)
		writeFinalizedWal(t, walDir, "u", 6, 21)
		writeFinalizedWal(t, walDir, "u", 7, 22)
		_, err := WriteSnapshot(snapDir, &SnapshotData{UUID: "u", EpochID: "e", StartTimestamp: 20})
		So(err, ShouldBeNil)

		Convey("Only entries newer than the snapshot replay", func() {
			rec, err := RecoverData(snapDir, walDir)
			So(err, ShouldBeNil)
			So(rec.Snapshot, ShouldNotBeNil)
			So(rec.UUID, ShouldEqual, "u")
			So(rec.LastCommitTimestamp, ShouldEqual, 22)
			So(len(rec.Records), ShouldEqual, 10)
			for _, r := range rec.Records {
				So(r.Timestamp, ShouldBeGreaterThan, 20)
			}
		})

		Convey("A hole right after the covered segment is a gap", func() {
			infos, err := GetWalFiles(walDir, "u", nil)
			So(err, ShouldBeNil)
			// Losing segment 6 while 5 (covered) and 7 remain hides the
			// commits at ts 21.
			So(os.Remove(infos[1].Path), ShouldBeNil)
			_, err = RecoverData(snapDir, walDir)
			So(errors.Cause(err), ShouldEqual, ErrWalGap)
		})

		Convey("Pruned covered segments are not a gap", func() {
			infos, err := GetWalFiles(walDir, "u", nil)
			So(err, ShouldBeNil)
			So(os.Remove(infos[0].Path), ShouldBeNil)
			rec, err := RecoverData(snapDir, walDir)
			So(err, ShouldBeNil)
			So(rec.LastCommitTimestamp, ShouldEqual, 22)
		})
	})
}

func TestFileRetainer(t *testing.T) {
	dir, cleanup := testDir(t)
	defer cleanup()

	Convey("Given a retained file", t, func() {
		path := filepath.Join(dir, "pinned")
		So(ioutil.WriteFile(path, []byte("x"), 0644), ShouldBeNil)

		retainer := NewFileRetainer()
		locker := retainer.AddLocker()
		locker.AddFile(path)

		Convey("Deletion is deferred until the locker releases", func() {
			retainer.DeleteOrDefer(path)
			_, err := os.Stat(path)
			So(err, ShouldBeNil)
			locker.Release()
			_, err = os.Stat(path)
			So(os.IsNotExist(err), ShouldBeTrue)
		})

		Convey("Unreferenced files are removed immediately", func() {
			other := filepath.Join(dir, "loose")
			So(ioutil.WriteFile(other, []byte("y"), 0644), ShouldBeNil)
			retainer.DeleteOrDefer(other)
			_, err := os.Stat(other)
			So(os.IsNotExist(err), ShouldBeTrue)
			locker.Release()
		})
	})
}
