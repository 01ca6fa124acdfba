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
	"sync/atomic"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/types"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// buildWalRecords converts the transaction's undo deltas into redo WAL
// records. The conversion is inverted: deltas describe how to revert a
// change, the log stores how to reapply it. Property records carry the
// value currently stored on the object, which is the transaction's final
// value because conflicting writers are serialized away. In-edge deltas
// are skipped, the out-edge side fully describes an edge.
func (s *Storage) buildWalRecords(tx *Transaction, commitTs uint64) (records []*durability.Record) {
	for _, d := range tx.deltas {
		vertex, edge := resolveDeltaOwner(d)
		var rec *durability.Record
		switch {
		case vertex != nil:
			rec = s.vertexDeltaToRecord(d, vertex)
		case edge != nil:
			rec = s.edgeDeltaToRecord(d, edge)
		}
		if rec != nil {
			rec.Timestamp = commitTs
			rec.TransactionID = tx.id
			records = append(records, rec)
		}
	}
	records = append(records, &durability.Record{
		Timestamp:     commitTs,
		TransactionID: tx.id,
		Type:          durability.RecordTransactionEnd,
	})
	return
}

func (s *Storage) vertexDeltaToRecord(d *Delta, v *Vertex) (rec *durability.Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch d.Action {
	case DeltaDeleteObject:
		rec = &durability.Record{
			Type: durability.RecordVertexCreate,
			Gid:  v.gid.AsUint(),
		}
	case DeltaRecreateObject:
		rec = &durability.Record{
			Type: durability.RecordVertexDelete,
			Gid:  v.gid.AsUint(),
		}
	case DeltaAddLabel:
		rec = &durability.Record{
			Type:  durability.RecordVertexRemoveLabel,
			Gid:   v.gid.AsUint(),
			Label: s.LabelToName(d.Label),
		}
	case DeltaRemoveLabel:
		rec = &durability.Record{
			Type:  durability.RecordVertexAddLabel,
			Gid:   v.gid.AsUint(),
			Label: s.LabelToName(d.Label),
		}
	case DeltaSetProperty:
		value, has := v.properties[d.Key]
		if !has {
			value = types.NullValue()
		}
		rec = &durability.Record{
			Type:     durability.RecordVertexSetProperty,
			Gid:      v.gid.AsUint(),
			Property: s.PropertyToName(d.Key),
			Value:    value,
		}
	case DeltaRemoveOutEdge:
		rec = &durability.Record{
			Type:     durability.RecordEdgeCreate,
			Gid:      d.EdgeHook.Gid().AsUint(),
			FromGid:  v.gid.AsUint(),
			ToGid:    d.VertexHook.gid.AsUint(),
			EdgeType: s.EdgeTypeToName(d.EdgeType),
		}
	case DeltaAddOutEdge:
		rec = &durability.Record{
			Type:     durability.RecordEdgeDelete,
			Gid:      d.EdgeHook.Gid().AsUint(),
			FromGid:  v.gid.AsUint(),
			ToGid:    d.VertexHook.gid.AsUint(),
			EdgeType: s.EdgeTypeToName(d.EdgeType),
		}
	case DeltaAddInEdge, DeltaRemoveInEdge:
		// Covered by the out-edge record on the other endpoint.
	}
	return
}

func (s *Storage) edgeDeltaToRecord(d *Delta, e *Edge) (rec *durability.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch d.Action {
	case DeltaSetProperty:
		value, has := e.properties[d.Key]
		if !has {
			value = types.NullValue()
		}
		rec = &durability.Record{
			Type:     durability.RecordEdgeSetProperty,
			Gid:      e.gid.AsUint(),
			Property: s.PropertyToName(d.Key),
			Value:    value,
		}
	case DeltaDeleteObject, DeltaRecreateObject:
		// Edge creation/deletion is encoded from the out-vertex side.
	}
	return
}

// ensureWalFile lazily opens the current WAL segment. Called with
// engineMu held.
func (s *Storage) ensureWalFile() bool {
	if !s.config.durabilityEnabled() {
		return false
	}
	if s.walFile != nil {
		return true
	}
	walFile, err := durability.NewWalFile(
		s.config.Durability.WalDirectory, s.uuid, s.epochID, s.walSeqNum)
	if err != nil {
		log.WithError(err).Error("failed to open wal segment")
		return false
	}
	s.walFile = walFile
	return true
}

// appendRecordsToWal appends one transaction's records and applies the
// flush batching policy. Durability I/O failures are logged and the
// storage keeps running; the segment retries flushing with the next
// commit. Called with engineMu held.
func (s *Storage) appendRecordsToWal(records []*durability.Record) {
	if s.recovering || !s.ensureWalFile() {
		return
	}
	for _, record := range records {
		if err := s.walFile.AppendRecord(record); err != nil {
			log.WithError(err).Error("failed to append wal record")
			return
		}
	}
	s.walTxSinceFlush++
	if s.walTxSinceFlush >= s.config.Durability.WalFileFlushEveryNTx {
		if err := s.walFile.Flush(); err != nil {
			log.WithError(err).Error("failed to flush wal segment")
			return
		}
		s.walTxSinceFlush = 0
	}
}

// maybeRolloverWal finalizes the current segment once it outgrows the
// configured size. Called with engineMu held.
func (s *Storage) maybeRolloverWal() {
	if s.walFile == nil {
		return
	}
	if s.walFile.Size() < s.config.Durability.WalFileSizeKB*1024 {
		return
	}
	if err := s.walFile.Finalize(); err != nil {
		log.WithError(err).Error("failed to finalize wal segment")
		return
	}
	s.walFile = nil
	s.walSeqNum++
	s.walTxSinceFlush = 0
}

// appendGlobalOperation logs and replicates an index create/drop at a
// freshly allocated timestamp. Called with engineMu held.
func (s *Storage) appendGlobalOperation(rec *durability.Record, forcedTs uint64) {
	if forcedTs != 0 {
		rec.Timestamp = forcedTs
		if s.timestamp <= forcedTs {
			s.timestamp = forcedTs + 1
		}
	} else {
		rec.Timestamp = s.timestamp
		s.timestamp++
	}
	records := []*durability.Record{rec}
	s.appendRecordsToWal(records)
	s.replicateRecords(records)
	atomic.StoreUint64(&s.lastCommitTimestamp, rec.Timestamp)
	s.maybeRolloverWal()
}

// CreateLabelIndex builds an index over the given label. It reports false
// when the index already exists.
func (s *Storage) CreateLabelIndex(label types.LabelId) bool {
	return s.createLabelIndex(label, 0)
}

func (s *Storage) createLabelIndex(label types.LabelId, forcedTs uint64) bool {
	if !s.labelIndex.CreateIndex(label, s.allVertices()) {
		return false
	}
	s.engineMu.Lock()
	s.appendGlobalOperation(&durability.Record{
		Type:  durability.RecordLabelIndexCreate,
		Label: s.LabelToName(label),
	}, forcedTs)
	s.engineMu.Unlock()
	return true
}

// DropLabelIndex drops the label index, reporting whether it existed.
func (s *Storage) DropLabelIndex(label types.LabelId) bool {
	return s.dropLabelIndex(label, 0)
}

func (s *Storage) dropLabelIndex(label types.LabelId, forcedTs uint64) bool {
	if !s.labelIndex.DropIndex(label) {
		return false
	}
	s.engineMu.Lock()
	s.appendGlobalOperation(&durability.Record{
		Type:  durability.RecordLabelIndexDrop,
		Label: s.LabelToName(label),
	}, forcedTs)
	s.engineMu.Unlock()
	return true
}

// CreateLabelPropertyIndex builds an index over (label, property). It
// reports false when the index already exists.
func (s *Storage) CreateLabelPropertyIndex(label types.LabelId, property types.PropertyId) bool {
	return s.createLabelPropertyIndex(label, property, 0)
}

func (s *Storage) createLabelPropertyIndex(
	label types.LabelId, property types.PropertyId, forcedTs uint64) bool {
	if !s.labelPropertyIndex.CreateIndex(label, property, s.allVertices()) {
		return false
	}
	s.engineMu.Lock()
	s.appendGlobalOperation(&durability.Record{
		Type:     durability.RecordLabelPropertyIndexCreate,
		Label:    s.LabelToName(label),
		Property: s.PropertyToName(property),
	}, forcedTs)
	s.engineMu.Unlock()
	return true
}

// DropLabelPropertyIndex drops the (label, property) index, reporting
// whether it existed.
func (s *Storage) DropLabelPropertyIndex(label types.LabelId, property types.PropertyId) bool {
	return s.dropLabelPropertyIndex(label, property, 0)
}

func (s *Storage) dropLabelPropertyIndex(
	label types.LabelId, property types.PropertyId, forcedTs uint64) bool {
	if !s.labelPropertyIndex.DropIndex(label, property) {
		return false
	}
	s.engineMu.Lock()
	s.appendGlobalOperation(&durability.Record{
		Type:     durability.RecordLabelPropertyIndexDrop,
		Label:    s.LabelToName(label),
		Property: s.PropertyToName(property),
	}, forcedTs)
	s.engineMu.Unlock()
	return true
}
