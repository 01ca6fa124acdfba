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

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/types"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// recoverOnStartup reconstructs the storage from the durability
// directories: latest snapshot, then the WAL chain replayed in commit
// order. The recovered epoch enters the history so replicas from it can
// still be validated.
func (s *Storage) recoverOnStartup() (err error) {
	// Replayed transactions must not be re-logged or re-replicated; the
	// source segments already hold them.
	s.recovering = true
	defer func() { s.recovering = false }()

	rec, rerr := durability.RecoverData(
		s.config.Durability.SnapshotDirectory, s.config.Durability.WalDirectory)
	if rerr != nil {
		if errors.Cause(rerr) == durability.ErrNoDurabilityFiles {
			return
		}
		err = rerr
		return
	}

	if rec.Snapshot != nil {
		s.loadSnapshotData(rec.Snapshot)
		s.uuid = rec.UUID
	} else if rec.UUID != "" {
		s.uuid = rec.UUID
	}

	if err = s.applyRecordStream(rec.Records); err != nil {
		return
	}

	if rec.WalSeen {
		s.walSeqNum = rec.LastSeqNum + 1
	}
	if rec.EpochID != "" && rec.EpochID != s.epochID {
		s.epochHistory = append(s.epochHistory, epochHistoryEntry{
			epochID:             rec.EpochID,
			lastCommitTimestamp: rec.LastCommitTimestamp,
		})
	}
	atomic.StoreUint64(&s.lastCommitTimestamp, rec.LastCommitTimestamp)
	s.engineMu.Lock()
	if s.timestamp <= rec.LastCommitTimestamp {
		s.timestamp = rec.LastCommitTimestamp + 1
	}
	s.engineMu.Unlock()

	log.WithFields(log.Fields{
		"uuid":        s.uuid,
		"last_commit": rec.LastCommitTimestamp,
		"records":     len(rec.Records),
	}).Info("storage recovered from durability files")
	return
}

// applyRecordStream replays a mixed stream of transaction runs and global
// operations in order.
func (s *Storage) applyRecordStream(records []*durability.Record) (err error) {
	var run []*durability.Record
	for _, record := range records {
		if record.Type.IsGlobalOperation() {
			if err = s.ApplyGlobalOperation(record); err != nil {
				return
			}
			continue
		}
		run = append(run, record)
		if record.Type == durability.RecordTransactionEnd {
			if err = s.ApplyReplicationTransaction(run); err != nil {
				return
			}
			run = nil
		}
	}
	if len(run) > 0 {
		err = errors.Wrap(durability.ErrInvalidRecord, "record stream ended inside a transaction")
	}
	return
}

// ApplyReplicationTransaction applies one complete transaction at its
// recorded commit timestamp. Used both by startup recovery and by the
// replication server, so a replica's WAL ends up byte-equivalent in
// content to the main's.
func (s *Storage) ApplyReplicationTransaction(records []*durability.Record) (err error) {
	if len(records) == 0 {
		return
	}
	end := records[len(records)-1]
	if end.Type != durability.RecordTransactionEnd {
		err = errors.Wrap(durability.ErrInvalidRecord, "transaction run lacks TRANSACTION_END")
		return
	}

	acc := s.access(end.Timestamp)
	defer acc.Abort()
	for _, record := range records[:len(records)-1] {
		if err = s.applyRecord(acc, record); err != nil {
			err = errors.Wrapf(err, "apply %s at ts %d", record.Type, record.Timestamp)
			return
		}
	}
	err = acc.Commit()
	return
}

func (s *Storage) applyRecord(acc *Accessor, record *durability.Record) (err error) {
	switch record.Type {
	case durability.RecordVertexCreate:
		acc.createVertex(types.GidFromUint(record.Gid))
	case durability.RecordVertexDelete:
		va, found := acc.FindVertex(types.GidFromUint(record.Gid), ViewNew)
		if !found {
			err = ErrNonexistentObject
			return
		}
		err = acc.DeleteVertex(va)
	case durability.RecordVertexAddLabel:
		va, found := acc.FindVertex(types.GidFromUint(record.Gid), ViewNew)
		if !found {
			err = ErrNonexistentObject
			return
		}
		_, err = va.AddLabel(s.NameToLabel(record.Label))
	case durability.RecordVertexRemoveLabel:
		va, found := acc.FindVertex(types.GidFromUint(record.Gid), ViewNew)
		if !found {
			err = ErrNonexistentObject
			return
		}
		_, err = va.RemoveLabel(s.NameToLabel(record.Label))
	case durability.RecordVertexSetProperty:
		va, found := acc.FindVertex(types.GidFromUint(record.Gid), ViewNew)
		if !found {
			err = ErrNonexistentObject
			return
		}
		err = va.SetProperty(s.NameToProperty(record.Property), record.Value)
	case durability.RecordEdgeCreate:
		from, foundFrom := acc.FindVertex(types.GidFromUint(record.FromGid), ViewNew)
		to, foundTo := acc.FindVertex(types.GidFromUint(record.ToGid), ViewNew)
		if !foundFrom || !foundTo {
			err = ErrNonexistentObject
			return
		}
		_, err = acc.createEdge(from, to,
			s.NameToEdgeType(record.EdgeType), types.GidFromUint(record.Gid))
	case durability.RecordEdgeDelete:
		var ea *EdgeAccessor
		if ea, err = s.findEdgeForApply(acc, record); err != nil {
			return
		}
		err = acc.DeleteEdge(ea)
	case durability.RecordEdgeSetProperty:
		if !s.config.Items.PropertiesOnEdges {
			err = ErrEdgePropertiesDisabled
			return
		}
		s.edgeMu.RLock()
		e, found := s.edges[types.GidFromUint(record.Gid)]
		s.edgeMu.RUnlock()
		if !found {
			err = ErrNonexistentObject
			return
		}
		ea := &EdgeAccessor{edge: NewEdgeRef(e), accessor: acc}
		err = ea.SetProperty(s.NameToProperty(record.Property), record.Value)
	default:
		err = errors.Wrapf(durability.ErrInvalidRecord, "unexpected record %s", record.Type)
	}
	return
}

// findEdgeForApply locates an edge by gid through its source vertex
// adjacency, which also recovers the endpoints needed for unlinking.
func (s *Storage) findEdgeForApply(
	acc *Accessor, record *durability.Record) (ea *EdgeAccessor, err error) {
	from, found := acc.FindVertex(types.GidFromUint(record.FromGid), ViewNew)
	if !found {
		err = ErrNonexistentObject
		return
	}
	var outEdges []*EdgeAccessor
	if outEdges, err = from.OutEdges(ViewNew); err != nil {
		return
	}
	for _, candidate := range outEdges {
		if candidate.Gid().AsUint() == record.Gid {
			ea = candidate
			return
		}
	}
	err = ErrNonexistentObject
	return
}

// ApplyGlobalOperation applies an index create/drop record at its
// recorded timestamp.
func (s *Storage) ApplyGlobalOperation(record *durability.Record) (err error) {
	switch record.Type {
	case durability.RecordLabelIndexCreate:
		s.createLabelIndex(s.NameToLabel(record.Label), record.Timestamp)
	case durability.RecordLabelIndexDrop:
		s.dropLabelIndex(s.NameToLabel(record.Label), record.Timestamp)
	case durability.RecordLabelPropertyIndexCreate:
		s.createLabelPropertyIndex(
			s.NameToLabel(record.Label), s.NameToProperty(record.Property), record.Timestamp)
	case durability.RecordLabelPropertyIndexDrop:
		s.dropLabelPropertyIndex(
			s.NameToLabel(record.Label), s.NameToProperty(record.Property), record.Timestamp)
	default:
		err = errors.Wrapf(durability.ErrInvalidRecord, "unexpected global op %s", record.Type)
	}
	return
}
