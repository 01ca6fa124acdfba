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
	"sort"

	"github.com/pkg/errors"
	lru "github.com/hashicorp/golang-lru"

	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// walInfoCache avoids re-reading headers of finalized segments while the
// replication client recomputes recovery steps. Finalized segments are
// immutable so path+size is a sufficient key.
var walInfoCache, _ = lru.New(256)

type walInfoCacheKey struct {
	path string
	size int64
}

// GetWalFiles enumerates the WAL segments of the given uuid in dir, sorted
// by sequence number. A segment whose sequence number equals excludeSeq
// (the segment currently being written) is skipped. Headers with a zero
// to_timestamp (crash leftovers) fall back to scanning the entries.
func GetWalFiles(dir, uuid string, excludeSeq *uint64) (infos []WalInfo, err error) {
	var entries []os.FileInfo
	if entries, err = ioutil.ReadDir(dir); err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileUUID, seqNum, ok := ParseWalFileName(entry.Name())
		if !ok || (uuid != "" && fileUUID != uuid) {
			continue
		}
		if excludeSeq != nil && seqNum == *excludeSeq {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		key := walInfoCacheKey{path: path, size: entry.Size()}
		if cached, hit := walInfoCache.Get(key); hit {
			infos = append(infos, cached.(WalInfo))
			continue
		}
		var info WalInfo
		var ierr error
		if info, ierr = ReadWalInfo(path); ierr != nil {
			log.WithError(ierr).WithField("path", path).Warning("skipping unreadable wal file")
			continue
		}
		if info.ToTimestamp == 0 {
			// The segment was never finalized, derive the range from its
			// entries instead of the unpatched header.
			var records []*Record
			if info, records, ierr = ReadWalRecords(path); ierr != nil {
				log.WithError(ierr).WithField("path", path).Warning("skipping corrupt wal file")
				continue
			}
			for _, rec := range records {
				if info.Count == 0 || rec.Timestamp < info.FromTimestamp {
					info.FromTimestamp = rec.Timestamp
				}
				if rec.Timestamp > info.ToTimestamp {
					info.ToTimestamp = rec.Timestamp
				}
				info.Count++
			}
		} else {
			walInfoCache.Add(key, info)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SeqNum < infos[j].SeqNum })
	return
}

// GetSnapshotFiles enumerates the snapshots of the given uuid in dir,
// sorted by start timestamp ascending.
func GetSnapshotFiles(dir, uuid string) (infos []SnapshotInfo, err error) {
	var entries []os.FileInfo
	if entries, err = ioutil.ReadDir(dir); err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileUUID, _, ok := ParseSnapshotFileName(entry.Name())
		if !ok || (uuid != "" && fileUUID != uuid) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, ierr := ReadSnapshotInfo(path)
		if ierr != nil {
			log.WithError(ierr).WithField("path", path).Warning("skipping unreadable snapshot file")
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTimestamp < infos[j].StartTimestamp
	})
	return
}

// RecoveredData is everything reconstructed from a durability directory.
type RecoveredData struct {
	// Snapshot is the loaded latest snapshot, nil if none was usable.
	Snapshot *SnapshotData
	// Records are the complete-transaction WAL entries to replay on top of
	// the snapshot, in commit order.
	Records []*Record
	// UUID of the recovered durability files.
	UUID string
	// EpochID of the newest durability file.
	EpochID string
	// LastCommitTimestamp reached after replaying Records.
	LastCommitTimestamp uint64
	// LastSeqNum is the highest WAL sequence number seen.
	LastSeqNum uint64
	// WalSeen reports whether any WAL segment took part in recovery.
	WalSeen bool
}

// RecoverData loads the latest usable snapshot and the WAL chain covering
// everything after it. It fails with ErrWalGap when segments holding
// entries newer than the snapshot are missing from the contiguous chain.
func RecoverData(snapshotDir, walDir string) (rec *RecoveredData, err error) {
	rec = &RecoveredData{}

	var snapshots []SnapshotInfo
	if snapshots, err = GetSnapshotFiles(snapshotDir, ""); err != nil {
		return
	}
	// Latest snapshot first, older ones as fallback when loading fails.
	for i := len(snapshots) - 1; i >= 0; i-- {
		var data *SnapshotData
		var lerr error
		if data, lerr = ReadSnapshot(snapshots[i].Path); lerr != nil {
			log.WithError(lerr).WithField("path", snapshots[i].Path).
				Warning("failed to load snapshot, trying an older one")
			continue
		}
		rec.Snapshot = data
		rec.UUID = data.UUID
		rec.EpochID = data.EpochID
		rec.LastCommitTimestamp = data.StartTimestamp
		break
	}

	var walFiles []WalInfo
	if walFiles, err = GetWalFiles(walDir, rec.UUID, nil); err != nil {
		return
	}
	if rec.Snapshot == nil && len(walFiles) == 0 {
		err = ErrNoDurabilityFiles
		return
	}
	if len(walFiles) == 0 {
		return
	}
	if rec.UUID == "" {
		rec.UUID = walFiles[0].UUID
	}

	var snapshotStart uint64
	if rec.Snapshot != nil {
		snapshotStart = rec.Snapshot.StartTimestamp
	}

	// Validate the chain. Segments holding entries newer than the
	// snapshot ("needed") must be sequence-contiguous, and when a segment
	// fully covered by the snapshot is still present (the "anchor"), the
	// needed chain must start right after it; a hole between them hides
	// lost commits. Without a snapshot, the chain must start at segment 0.
	var needed []WalInfo
	anchorSeq := uint64(0)
	haveAnchor := false
	for _, wal := range walFiles {
		if wal.ToTimestamp > snapshotStart || wal.ToTimestamp == 0 {
			needed = append(needed, wal)
		} else if !haveAnchor || wal.SeqNum > anchorSeq {
			anchorSeq = wal.SeqNum
			haveAnchor = true
		}
	}
	for i := 1; i < len(needed); i++ {
		if needed[i].SeqNum != needed[i-1].SeqNum+1 {
			err = errors.Wrapf(ErrWalGap, "segments %d and %d are not contiguous",
				needed[i-1].SeqNum, needed[i].SeqNum)
			return
		}
	}
	if len(needed) > 0 {
		if haveAnchor && needed[0].SeqNum != anchorSeq+1 {
			err = errors.Wrapf(ErrWalGap, "segment %d is missing between %d and %d",
				anchorSeq+1, anchorSeq, needed[0].SeqNum)
			return
		}
		if rec.Snapshot == nil && !haveAnchor && needed[0].SeqNum != 0 {
			err = errors.Wrapf(ErrWalGap, "no snapshot and wal chain starts at segment %d",
				needed[0].SeqNum)
			return
		}
	}

	rec.WalSeen = true
	rec.LastSeqNum = walFiles[len(walFiles)-1].SeqNum
	rec.EpochID = walFiles[len(walFiles)-1].EpochID

	// Replay entry runs, dropping transactions without a TRANSACTION_END.
	var run []*Record
	for i := range needed {
		var records []*Record
		if _, records, err = ReadWalRecords(needed[i].Path); err != nil {
			return
		}
		for _, record := range records {
			if record.Timestamp <= snapshotStart {
				continue
			}
			if record.Type.IsGlobalOperation() {
				rec.Records = append(rec.Records, record)
				if record.Timestamp > rec.LastCommitTimestamp {
					rec.LastCommitTimestamp = record.Timestamp
				}
				continue
			}
			run = append(run, record)
			if record.Type == RecordTransactionEnd {
				rec.Records = append(rec.Records, run...)
				if record.Timestamp > rec.LastCommitTimestamp {
					rec.LastCommitTimestamp = record.Timestamp
				}
				run = nil
			}
		}
	}
	if len(run) > 0 {
		log.WithField("count", len(run)).
			Warning("dropping trailing wal entries of an unterminated transaction")
	}
	return
}
