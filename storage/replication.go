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
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// The storage implements replication.Main towards its replica clients and
// replication.Replica towards an incoming replication server.

// SnapshotDirectory implements replication.Main.
func (s *Storage) SnapshotDirectory() string {
	return s.config.Durability.SnapshotDirectory
}

// WalDirectory implements replication.Main.
func (s *Storage) WalDirectory() string {
	return s.config.Durability.WalDirectory
}

// FileRetainer implements replication.Main.
func (s *Storage) FileRetainer() *durability.FileRetainer {
	return s.fileRetainer
}

// CurrentWalSeqNum implements replication.Main.
func (s *Storage) CurrentWalSeqNum() (seqNum uint64, exists bool) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if s.walFile == nil {
		return
	}
	return s.walFile.SequenceNumber(), true
}

// WithCurrentWalFrozen implements replication.Main. Flushing stays
// disabled for the duration of fn so the on-disk prefix is immutable
// while it is streamed; commits keep appending to the in-memory tail.
func (s *Storage) WithCurrentWalFrozen(
	seqNum uint64, fn func(path string, buffer []byte, flushedSize uint64)) bool {
	s.engineMu.Lock()
	if s.walFile == nil || s.walFile.SequenceNumber() != seqNum {
		s.engineMu.Unlock()
		return false
	}
	walFile := s.walFile
	walFile.DisableFlushing()
	s.engineMu.Unlock()

	buffer, flushedSize := walFile.CurrentFileBuffer()
	fn(walFile.Path(), buffer, flushedSize)
	walFile.EnableFlushing()
	return true
}

// AdvanceCommitTimestamp implements replication.Replica for the
// timestamp-only OnlySnapshot recovery step.
func (s *Storage) AdvanceCommitTimestamp(ts uint64) {
	s.engineMu.Lock()
	if s.timestamp <= ts {
		s.timestamp = ts + 1
	}
	s.engineMu.Unlock()
	atomic.StoreUint64(&s.lastCommitTimestamp, ts)
}

// TransferDirectory implements replication.Replica: the holding area for
// transferred durability files before they are applied.
func (s *Storage) TransferDirectory() string {
	if s.config.durabilityEnabled() {
		return filepath.Join(s.config.Durability.WalDirectory, "received")
	}
	return filepath.Join(os.TempDir(), "covenantgraph_received_"+s.uuid)
}

// LoadReplicaSnapshot implements replication.Replica: replaces the
// replica content with the transferred snapshot and re-dumps it locally
// so the replica's own durability directory stays self contained.
func (s *Storage) LoadReplicaSnapshot(path string) (err error) {
	var data *durability.SnapshotData
	if data, err = durability.ReadSnapshot(path); err != nil {
		err = errors.Wrap(err, "load transferred snapshot")
		return
	}
	s.loadSnapshotData(data)
	log.WithFields(log.Fields{
		"start_timestamp": data.StartTimestamp,
		"vertices":        len(data.Vertices),
	}).Info("replica loaded transferred snapshot")

	if s.config.durabilityEnabled() {
		if _, serr := s.CreateSnapshot(); serr != nil {
			log.WithError(serr).Warning("failed to persist transferred snapshot locally")
		}
	}
	return
}

// LoadReplicaWal implements replication.Replica: applies every complete
// transaction of the transferred WAL newer than the replica's position.
// Applying through the regular commit path re-logs the data into the
// replica's own WAL.
func (s *Storage) LoadReplicaWal(path string) (err error) {
	_, records, err := durability.ReadWalRecords(path)
	if err != nil {
		err = errors.Wrap(err, "read transferred wal")
		return
	}
	lastCommit := s.LastCommitTimestamp()
	var filtered []*durability.Record
	for _, record := range records {
		if record.Timestamp <= lastCommit {
			continue
		}
		filtered = append(filtered, record)
	}
	// A trailing unterminated transaction (current WAL transfers) is
	// dropped the same way recovery drops it.
	for len(filtered) > 0 {
		last := filtered[len(filtered)-1]
		if last.Type == durability.RecordTransactionEnd || last.Type.IsGlobalOperation() {
			break
		}
		filtered = filtered[:len(filtered)-1]
	}
	if err = s.applyRecordStream(filtered); err != nil {
		return
	}
	log.WithFields(log.Fields{
		"path":        filepath.Base(path),
		"applied":     len(filtered),
		"last_commit": s.LastCommitTimestamp(),
	}).Debug("replica applied transferred wal")
	return
}
