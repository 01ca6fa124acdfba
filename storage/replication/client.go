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

package replication

import (
	"crypto/tls"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CovenantGraph/CovenantGraph/rpc"
	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// fileChunkSize is the transfer granularity of durability files.
const fileChunkSize = 64 << 10

// Main is the view of the main storage instance the client needs: its
// durability files, epoch bookkeeping and the currently open WAL segment.
// All methods must be safe for concurrent use.
type Main interface {
	// UUID returns the storage instance uuid.
	UUID() string
	// EpochID returns the current epoch id.
	EpochID() string
	// EpochHistoryLookup returns the final commit timestamp the given past
	// epoch ended with, if that epoch appears in the local history.
	EpochHistoryLookup(epochID string) (lastCommit uint64, ok bool)
	// LastCommitTimestamp returns the last committed timestamp.
	LastCommitTimestamp() uint64
	// SnapshotDirectory returns the snapshot directory path.
	SnapshotDirectory() string
	// WalDirectory returns the WAL directory path.
	WalDirectory() string
	// CurrentWalSeqNum returns the sequence number of the WAL segment
	// currently being written, if one exists.
	CurrentWalSeqNum() (seqNum uint64, exists bool)
	// WithCurrentWalFrozen freezes flushing of the current WAL segment if
	// its sequence number still matches and calls fn with the segment path,
	// the unflushed tail buffer and the flushed on-disk size. It reports
	// whether the segment matched.
	WithCurrentWalFrozen(seqNum uint64, fn func(path string, buffer []byte, flushedSize uint64)) bool
	// FileRetainer pins durability files during transfers.
	FileRetainer() *durability.FileRetainer
}

// Client is the per-replica state machine driven by the commit path of the
// main instance.
type Client struct {
	name          string
	main          Main
	timeout       time.Duration
	restorePolicy ModeRestorePolicy

	rpcClient *rpc.Client
	pool      *taskPool
	closed    int32

	mu              sync.Mutex
	state           State
	mode            Mode
	demoted         bool
	permanentBranch bool
	stream          *ReplicaStream
}

// NewClient builds the client and performs the initial handshake. A failed
// handshake leaves the client INVALID, and the next commit queues a
// reconnect; a detected branching point leaves it permanently unusable.
func NewClient(cfg ClientConfig, main Main) (c *Client, err error) {
	var tlsConfig *tls.Config
	if cfg.CertFile != "" {
		if tlsConfig, err = rpc.ClientTLSConfig(cfg.CertFile); err != nil {
			return
		}
	}
	c = &Client{
		name:          cfg.Name,
		main:          main,
		timeout:       cfg.Timeout,
		restorePolicy: cfg.ModeRestore,
		rpcClient:     rpc.NewClient(cfg.Address, tlsConfig),
		pool:          newTaskPool(),
		state:         StateInvalid,
		mode:          cfg.Mode,
	}
	if cfg.Mode != ModeSync {
		c.timeout = 0
	}
	c.TryInitializeClient()
	return
}

// Name returns the replica name.
func (c *Client) Name() string {
	return c.name
}

// State returns the current state machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current replication mode, reflecting any demotion.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Address returns the replica endpoint.
func (c *Client) Address() string {
	return c.rpcClient.Addr()
}

// Close stops the background worker and tears down the connection. An
// in-flight catch-up loop observes the flag and bails out.
func (c *Client) Close() {
	atomic.StoreInt32(&c.closed, 1)
	c.rpcClient.Abort()
	c.pool.Stop()
	c.rpcClient.Close()
}

func (c *Client) initializeClient() (err error) {
	req := &HeartbeatReq{
		MainCommitTimestamp: c.main.LastCommitTimestamp(),
		EpochID:             c.main.EpochID(),
	}
	var res HeartbeatRes
	if err = c.rpcClient.Call(MethodHeartbeat, req, &res); err != nil {
		return
	}

	// A replica holding data from an unknown epoch, or from a known epoch
	// at a timestamp our history never reached, has diverged and can never
	// be caught up safely.
	if res.EpochID != req.EpochID && res.CurrentCommitTimestamp != 0 {
		branched := false
		if histTs, ok := c.main.EpochHistoryLookup(res.EpochID); !ok {
			branched = true
		} else if histTs != res.CurrentCommitTimestamp {
			branched = true
		}
		if branched {
			log.WithFields(log.Fields{
				"replica":       c.name,
				"replica_epoch": res.EpochID,
			}).Error("replica diverged at a branching point and cannot be used with this instance")
			c.mu.Lock()
			c.state = StateInvalid
			c.permanentBranch = true
			c.mu.Unlock()
			return
		}
	}

	log.WithFields(log.Fields{
		"replica":        c.name,
		"replica_commit": res.CurrentCommitTimestamp,
		"main_commit":    c.main.LastCommitTimestamp(),
	}).Debug("replication handshake")

	if res.CurrentCommitTimestamp == c.main.LastCommitTimestamp() {
		c.mu.Lock()
		c.state = StateReady
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.state = StateRecovery
	c.mu.Unlock()
	replicaCommit := res.CurrentCommitTimestamp
	c.pool.AddTask(func() { c.recoverReplica(replicaCommit) })
	return
}

// TryInitializeClient runs the handshake, downgrading failures to the
// INVALID state.
func (c *Client) TryInitializeClient() {
	c.mu.Lock()
	if c.permanentBranch {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.initializeClient(); err != nil {
		c.mu.Lock()
		c.state = StateInvalid
		c.mu.Unlock()
		log.WithError(err).WithFields(log.Fields{
			"replica": c.name,
			"address": c.rpcClient.Addr(),
		}).Error("failed to connect to replica")
	}
}

func (c *Client) handleRpcFailure() {
	log.WithField("replica", c.name).Error("couldn't replicate data to replica")
	c.pool.AddTask(func() {
		c.rpcClient.Abort()
		c.TryInitializeClient()
	})
}

// StartTransactionReplication reacts to a new transaction entering the
// commit path.
func (c *Client) StartTransactionReplication(currentWalSeqNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRecovery:
		log.WithField("replica", c.name).Debug("replica is behind main instance")
		return
	case StateReplicating:
		log.WithField("replica", c.name).Debug("replica missed a transaction")
		// The previous transaction is still draining so this one is missed.
		// Recovery is not queued here: an error may still surface while the
		// previous transaction finishes, which must put the client into
		// INVALID before any catch-up starts.
		c.state = StateRecovery
		return
	case StateInvalid:
		if !c.permanentBranch {
			c.handleRpcFailure()
		}
		return
	case StateReady:
		stream, err := newReplicaStream(c, c.main.LastCommitTimestamp(), currentWalSeqNum)
		if err != nil {
			c.state = StateInvalid
			c.handleRpcFailure()
			return
		}
		c.stream = stream
		c.state = StateReplicating
	}
}

// IfStreamingTransaction runs fn against the open transaction stream when
// the client is REPLICATING, demoting to INVALID on stream errors.
func (c *Client) IfStreamingTransaction(fn func(stream *ReplicaStream) error) {
	c.mu.Lock()
	if c.state != StateReplicating || c.stream == nil {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	c.mu.Unlock()

	if err := fn(stream); err != nil {
		c.mu.Lock()
		c.state = StateInvalid
		c.stream = nil
		c.mu.Unlock()
		c.handleRpcFailure()
	}
}

// FinalizeTransactionReplication awaits the replica acknowledgement
// according to the replication mode. A SYNC client with a timeout that
// fires is demoted to ASYNC.
func (c *Client) FinalizeTransactionReplication() {
	c.mu.Lock()
	state := c.state
	mode := c.mode
	timeout := c.timeout
	c.mu.Unlock()
	if state != StateReplicating {
		return
	}

	if mode == ModeAsync {
		c.pool.AddTask(c.finalizeTransactionReplicationInternal)
		return
	}

	if timeout > 0 {
		done := make(chan struct{})
		c.pool.AddTask(func() {
			c.finalizeTransactionReplicationInternal()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(timeout):
			c.mu.Lock()
			if c.state == StateReplicating {
				// The acknowledgement did not arrive in time; from now on
				// this replica is confirmed asynchronously.
				c.mode = ModeAsync
				c.demoted = true
				log.WithField("replica", c.name).
					Warning("sync replica timed out, demoting to async")
			}
			c.mu.Unlock()
		}
		return
	}

	c.finalizeTransactionReplicationInternal()
}

func (c *Client) finalizeTransactionReplicationInternal() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream == nil {
		return
	}

	res, err := stream.Finalize()
	if err != nil {
		c.mu.Lock()
		c.state = StateInvalid
		c.mu.Unlock()
		c.handleRpcFailure()
		return
	}

	c.mu.Lock()
	if !res.Success || c.state == StateRecovery {
		c.state = StateRecovery
		replicaCommit := res.CurrentCommitTimestamp
		c.pool.AddTask(func() { c.recoverReplica(replicaCommit) })
		c.mu.Unlock()
		return
	}
	c.becomeReadyLocked()
	c.mu.Unlock()
}

// becomeReadyLocked transitions to READY and re-arms SYNC when the restore
// policy allows it. The caller holds c.mu.
func (c *Client) becomeReadyLocked() {
	c.state = StateReady
	if c.demoted && c.restorePolicy == RestoreOnReady {
		c.mode = ModeSync
		c.demoted = false
		log.WithField("replica", c.name).Info("restoring sync replication mode")
	}
}

// recoverReplica drives catch-up until the replica matches the main's last
// commit timestamp. It runs on the client's worker.
func (c *Client) recoverReplica(replicaCommit uint64) {
	for atomic.LoadInt32(&c.closed) == 0 {
		locker := c.main.FileRetainer().AddLocker()
		steps := c.getRecoverySteps(replicaCommit, locker)
		failed := false
		for _, step := range steps {
			newCommit, err := c.executeRecoveryStep(step, replicaCommit)
			if err != nil {
				c.mu.Lock()
				c.state = StateInvalid
				c.mu.Unlock()
				c.handleRpcFailure()
				failed = true
				break
			}
			replicaCommit = newCommit
		}
		locker.Release()
		if failed {
			return
		}

		// Locking before the comparison closes the race where another
		// transaction commits between reading the main timestamp and the
		// READY store; such a commit would otherwise be silently skipped
		// until the next AppendDeltas mismatch.
		c.mu.Lock()
		if c.main.LastCommitTimestamp() == replicaCommit {
			c.becomeReadyLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if len(steps) == 0 {
			// Nothing transferable covers the gap yet (e.g. durability is
			// disabled or the segment rolled over mid-computation); retry
			// once new files appear instead of spinning.
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// Recovery step variants, executed in order.
type recoverySnapshot struct{ path string }
type recoveryWals struct{ paths []string }
type recoveryCurrentWal struct{ seqNum uint64 }
type recoveryFinalSnapshot struct{ snapshotTimestamp uint64 }

// getRecoverySteps finds the shortest durability prefix able to update the
// replica. WAL segments hold only deltas and are much smaller than
// snapshots, so a sequential WAL chain is preferred; the snapshot plus its
// trailing segments is the fallback; the currently open segment and the
// timestamp-only advance close the remaining cases.
func (c *Client) getRecoverySteps(replicaCommit uint64, locker *durability.FileLocker) (steps []interface{}) {
	currentSeqNum, hasCurrent := c.main.CurrentWalSeqNum()
	var excludeSeq *uint64
	if hasCurrent {
		excludeSeq = &currentSeqNum
	}

	walFiles, err := durability.GetWalFiles(c.main.WalDirectory(), c.main.UUID(), excludeSeq)
	if err != nil {
		log.WithError(err).Error("failed to enumerate wal files for recovery")
		return
	}
	snapshots, err := durability.GetSnapshotFiles(c.main.SnapshotDirectory(), c.main.UUID())
	if err != nil {
		log.WithError(err).Error("failed to enumerate snapshots for recovery")
		return
	}
	var latestSnapshot *durability.SnapshotInfo
	if len(snapshots) > 0 {
		latestSnapshot = &snapshots[len(snapshots)-1]
	}

	// No finalized segments: the difference lives in the current segment,
	// or the snapshot itself holds the latest change.
	if len(walFiles) == 0 {
		if hasCurrent {
			steps = append(steps, recoveryCurrentWal{seqNum: currentSeqNum})
		} else if latestSnapshot != nil {
			locker.AddFile(latestSnapshot.Path)
			steps = append(steps, recoveryFinalSnapshot{snapshotTimestamp: latestSnapshot.StartTimestamp})
		}
		return
	}

	// Every finalized segment is already on the replica.
	if walFiles[len(walFiles)-1].ToTimestamp <= replicaCommit {
		if hasCurrent {
			steps = append(steps, recoveryCurrentWal{seqNum: currentSeqNum})
		} else if latestSnapshot != nil {
			locker.AddFile(latestSnapshot.Path)
			steps = append(steps, recoveryFinalSnapshot{snapshotTimestamp: latestSnapshot.StartTimestamp})
		}
		return
	}

	// Longest strictly sequential chain ending at the newest segment that
	// reaches back to the replica commit.
	previousSeqNum := walFiles[len(walFiles)-1].SeqNum
	for i := len(walFiles) - 1; i >= 0; i-- {
		wal := walFiles[i]
		if previousSeqNum-wal.SeqNum > 1 {
			// Gap in the chain, fall back to the snapshot.
			break
		}
		if replicaCommit >= wal.FromTimestamp || wal.SeqNum == 0 {
			start := i
			if replicaCommit >= wal.ToTimestamp {
				// The replica already holds this whole segment.
				start = i + 1
			}
			var chain []string
			for j := start; j < len(walFiles); j++ {
				locker.AddFile(walFiles[j].Path)
				chain = append(chain, walFiles[j].Path)
			}
			if len(chain) > 0 {
				steps = append(steps, recoveryWals{paths: chain})
			}
			if hasCurrent {
				steps = append(steps, recoveryCurrentWal{seqNum: currentSeqNum})
			}
			return
		}
		previousSeqNum = wal.SeqNum
	}

	if latestSnapshot == nil {
		log.Error("invalid durability state, missing snapshot for replica recovery")
		return
	}

	// Snapshot plus every segment holding entries after its start.
	locker.AddFile(latestSnapshot.Path)
	steps = append(steps, recoverySnapshot{path: latestSnapshot.Path})

	var recoveryWalFiles []string
	i := 0
	for ; i < len(walFiles); i++ {
		if latestSnapshot.StartTimestamp < walFiles[i].ToTimestamp {
			if latestSnapshot.StartTimestamp < walFiles[i].FromTimestamp && i > 0 {
				i--
			}
			break
		}
	}
	for ; i < len(walFiles); i++ {
		locker.AddFile(walFiles[i].Path)
		recoveryWalFiles = append(recoveryWalFiles, walFiles[i].Path)
	}
	if len(recoveryWalFiles) == 0 {
		last := walFiles[len(walFiles)-1]
		locker.AddFile(last.Path)
		recoveryWalFiles = append(recoveryWalFiles, last.Path)
	}
	steps = append(steps, recoveryWals{paths: recoveryWalFiles})

	if hasCurrent {
		steps = append(steps, recoveryCurrentWal{seqNum: currentSeqNum})
	}
	return
}

func (c *Client) executeRecoveryStep(step interface{}, replicaCommit uint64) (newCommit uint64, err error) {
	newCommit = replicaCommit
	switch s := step.(type) {
	case recoverySnapshot:
		log.WithField("path", s.path).Debug("sending the latest snapshot file")
		var res SnapshotRes
		if res, err = c.transferSnapshot(s.path); err != nil {
			return
		}
		newCommit = res.CurrentCommitTimestamp
	case recoveryWals:
		log.WithField("count", len(s.paths)).Debug("sending the latest wal files")
		var res WalFilesRes
		if res, err = c.transferWalFiles(s.paths); err != nil {
			return
		}
		newCommit = res.CurrentCommitTimestamp
	case recoveryCurrentWal:
		matched := c.main.WithCurrentWalFrozen(s.seqNum, func(path string, buffer []byte, flushedSize uint64) {
			log.WithField("path", path).Debug("sending the current wal file")
			var res CurrentWalRes
			if res, err = c.replicateCurrentWal(path, buffer, flushedSize); err == nil {
				newCommit = res.CurrentCommitTimestamp
			}
		})
		if !matched {
			log.WithField("seq_num", s.seqNum).Debug("current wal rolled over, skipping")
		}
	case recoveryFinalSnapshot:
		log.Debug("snapshot timestamp is the latest")
		var res OnlySnapshotRes
		req := &OnlySnapshotReq{SnapshotTimestamp: s.snapshotTimestamp, EpochID: c.main.EpochID()}
		if err = c.rpcClient.Call(MethodOnlySnapshot, req, &res); err != nil {
			return
		}
		if res.Success {
			newCommit = res.CurrentCommitTimestamp
		}
	}
	return
}

func (c *Client) transferSnapshot(path string) (res SnapshotRes, err error) {
	var stream *rpc.Stream
	if stream, err = c.rpcClient.Stream(MethodSnapshot, &SnapshotReq{}); err != nil {
		return
	}
	if err = sendFile(stream, path); err != nil {
		return
	}
	err = stream.Finalize(&res)
	return
}

func (c *Client) transferWalFiles(paths []string) (res WalFilesRes, err error) {
	var stream *rpc.Stream
	if stream, err = c.rpcClient.Stream(MethodWalFiles, &WalFilesReq{FileCount: uint64(len(paths))}); err != nil {
		return
	}
	for _, path := range paths {
		if err = sendFile(stream, path); err != nil {
			return
		}
	}
	err = stream.Finalize(&res)
	return
}

func (c *Client) replicateCurrentWal(path string, buffer []byte, flushedSize uint64) (res CurrentWalRes, err error) {
	var stream *rpc.Stream
	if stream, err = c.rpcClient.Stream(MethodCurrentWal, &CurrentWalReq{}); err != nil {
		return
	}
	total := flushedSize + uint64(len(buffer))
	if err = sendFileMeta(stream, baseName(path), total); err != nil {
		return
	}
	if err = sendFileData(stream, path, flushedSize); err != nil {
		return
	}
	if len(buffer) > 0 {
		if err = stream.Send(buffer); err != nil {
			return
		}
	}
	err = stream.Finalize(&res)
	return
}

func sendFile(stream *rpc.Stream, path string) (err error) {
	var info os.FileInfo
	if info, err = os.Stat(path); err != nil {
		return
	}
	if err = sendFileMeta(stream, baseName(path), uint64(info.Size())); err != nil {
		return
	}
	return sendFileData(stream, path, uint64(info.Size()))
}

func sendFileMeta(stream *rpc.Stream, name string, size uint64) (err error) {
	var buf []byte
	if buf, err = encodeFileMeta(&fileMeta{Name: name, Size: size}); err != nil {
		return
	}
	return stream.Send(buf)
}

func sendFileData(stream *rpc.Stream, path string, limit uint64) (err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	remaining := limit
	chunk := make([]byte, fileChunkSize)
	for remaining > 0 {
		n := uint64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if _, err = io.ReadFull(f, chunk[:n]); err != nil {
			return
		}
		if err = stream.Send(chunk[:n]); err != nil {
			return
		}
		remaining -= n
	}
	return
}

// ReplicaStream is one transaction being streamed to a replica.
type ReplicaStream struct {
	client *Client
	stream *rpc.Stream
}

func newReplicaStream(c *Client, previousCommitTimestamp, currentSeqNum uint64) (s *ReplicaStream, err error) {
	req := &AppendDeltasReq{
		PreviousCommitTimestamp: previousCommitTimestamp,
		SeqNum:                  currentSeqNum,
		EpochID:                 c.main.EpochID(),
	}
	var stream *rpc.Stream
	if stream, err = c.rpcClient.Stream(MethodAppendDeltas, req); err != nil {
		return
	}
	s = &ReplicaStream{client: c, stream: stream}
	return
}

// AppendRecord streams one WAL record of the transaction.
func (s *ReplicaStream) AppendRecord(rec *durability.Record) (err error) {
	var buf []byte
	if buf, err = durability.EncodeRecordBytes(rec); err != nil {
		return
	}
	return s.stream.Send(buf)
}

// Finalize terminates the stream and awaits the replica acknowledgement.
func (s *ReplicaStream) Finalize() (res AppendDeltasRes, err error) {
	err = s.stream.Finalize(&res)
	return
}
