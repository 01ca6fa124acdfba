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
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/rpc"
	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// Replica is the view of the replica storage instance the server applies
// incoming replication data through.
type Replica interface {
	// LastCommitTimestamp returns the replica's last committed timestamp.
	LastCommitTimestamp() uint64
	// EpochID returns the epoch the replica's data belongs to.
	EpochID() string
	// SetEpochID adopts the main's epoch once its data is accepted.
	SetEpochID(epochID string)
	// ApplyReplicationTransaction applies one complete transaction (delta
	// records terminated by TRANSACTION_END) at its recorded timestamps.
	ApplyReplicationTransaction(records []*durability.Record) error
	// ApplyGlobalOperation applies one index create/drop record.
	ApplyGlobalOperation(record *durability.Record) error
	// LoadReplicaSnapshot resets the replica content from a transferred
	// snapshot file.
	LoadReplicaSnapshot(path string) error
	// LoadReplicaWal applies every transaction of a transferred WAL file
	// newer than the replica's last commit timestamp.
	LoadReplicaWal(path string) error
	// AdvanceCommitTimestamp moves the replica's commit timestamp without
	// data movement (OnlySnapshot recovery step).
	AdvanceCommitTimestamp(ts uint64)
	// TransferDirectory is where transferred durability files are stored.
	TransferDirectory() string
}

// Server is the replica side endpoint of the replication protocol.
type Server struct {
	replica   Replica
	rpcServer *rpc.Server
}

// NewServer creates a replication server listening on addr. Pass a TLS
// config to require TLS from the main.
func NewServer(replica Replica, addr string, tlsConfig *tls.Config) (s *Server, err error) {
	s = &Server{
		replica:   replica,
		rpcServer: rpc.NewServer(),
	}
	s.rpcServer.RegisterService(MethodHeartbeat, s.handleHeartbeat)
	s.rpcServer.RegisterService(MethodAppendDeltas, s.handleAppendDeltas)
	s.rpcServer.RegisterService(MethodSnapshot, s.handleSnapshot)
	s.rpcServer.RegisterService(MethodWalFiles, s.handleWalFiles)
	s.rpcServer.RegisterService(MethodCurrentWal, s.handleCurrentWal)
	s.rpcServer.RegisterService(MethodOnlySnapshot, s.handleOnlySnapshot)
	if err = s.rpcServer.ListenTCP(addr, tlsConfig); err != nil {
		s = nil
		return
	}
	go s.rpcServer.Serve()
	return
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.rpcServer.Addr()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.rpcServer.Stop()
}

func (s *Server) handleHeartbeat(req *rpc.ServerRequest) (resp interface{}, err error) {
	var hb HeartbeatReq
	if err = req.DecodeBody(&hb); err != nil {
		return
	}
	resp = &HeartbeatRes{
		CurrentCommitTimestamp: s.replica.LastCommitTimestamp(),
		EpochID:                s.replica.EpochID(),
	}
	return
}

func (s *Server) handleAppendDeltas(req *rpc.ServerRequest) (resp interface{}, err error) {
	var head AppendDeltasReq
	if err = req.DecodeBody(&head); err != nil {
		return
	}

	// A mismatched previous commit timestamp means a transaction was missed
	// (or the replica diverged); report failure so the main starts
	// catch-up. The stream is still drained by the rpc layer.
	if head.PreviousCommitTimestamp != s.replica.LastCommitTimestamp() {
		log.WithFields(log.Fields{
			"expected": s.replica.LastCommitTimestamp(),
			"received": head.PreviousCommitTimestamp,
		}).Debug("append deltas timestamp mismatch")
		resp = &AppendDeltasRes{
			Success:                false,
			CurrentCommitTimestamp: s.replica.LastCommitTimestamp(),
		}
		return
	}

	var run []*durability.Record
	for {
		var chunk []byte
		if chunk, err = req.NextChunk(); err != nil {
			if err == io.EOF {
				err = nil
				break
			}
			return
		}
		var record *durability.Record
		if record, err = durability.DecodeRecordBytes(chunk); err != nil {
			return
		}
		run = append(run, record)
		if record.Type == durability.RecordTransactionEnd {
			if err = s.replica.ApplyReplicationTransaction(run); err != nil {
				return
			}
			run = nil
		} else if record.Type.IsGlobalOperation() {
			run = run[:len(run)-1]
			if err = s.replica.ApplyGlobalOperation(record); err != nil {
				return
			}
		}
	}
	if len(run) > 0 {
		err = errors.New("append deltas stream ended inside a transaction")
		return
	}
	s.replica.SetEpochID(head.EpochID)
	resp = &AppendDeltasRes{
		Success:                true,
		CurrentCommitTimestamp: s.replica.LastCommitTimestamp(),
	}
	return
}

func (s *Server) handleSnapshot(req *rpc.ServerRequest) (resp interface{}, err error) {
	var body SnapshotReq
	if err = req.DecodeBody(&body); err != nil {
		return
	}
	var path string
	if path, err = s.receiveFile(req); err != nil {
		return
	}
	if err = s.replica.LoadReplicaSnapshot(path); err != nil {
		return
	}
	resp = &SnapshotRes{CurrentCommitTimestamp: s.replica.LastCommitTimestamp()}
	return
}

func (s *Server) handleWalFiles(req *rpc.ServerRequest) (resp interface{}, err error) {
	var body WalFilesReq
	if err = req.DecodeBody(&body); err != nil {
		return
	}
	for i := uint64(0); i < body.FileCount; i++ {
		var path string
		if path, err = s.receiveFile(req); err != nil {
			return
		}
		if err = s.replica.LoadReplicaWal(path); err != nil {
			return
		}
	}
	resp = &WalFilesRes{CurrentCommitTimestamp: s.replica.LastCommitTimestamp()}
	return
}

func (s *Server) handleCurrentWal(req *rpc.ServerRequest) (resp interface{}, err error) {
	var body CurrentWalReq
	if err = req.DecodeBody(&body); err != nil {
		return
	}
	var path string
	if path, err = s.receiveFile(req); err != nil {
		return
	}
	if err = s.replica.LoadReplicaWal(path); err != nil {
		return
	}
	resp = &CurrentWalRes{CurrentCommitTimestamp: s.replica.LastCommitTimestamp()}
	return
}

func (s *Server) handleOnlySnapshot(req *rpc.ServerRequest) (resp interface{}, err error) {
	var body OnlySnapshotReq
	if err = req.DecodeBody(&body); err != nil {
		return
	}
	res := &OnlySnapshotRes{CurrentCommitTimestamp: s.replica.LastCommitTimestamp()}
	if body.SnapshotTimestamp >= res.CurrentCommitTimestamp {
		s.replica.AdvanceCommitTimestamp(body.SnapshotTimestamp)
		s.replica.SetEpochID(body.EpochID)
		res.Success = true
		res.CurrentCommitTimestamp = s.replica.LastCommitTimestamp()
	}
	resp = res
	return
}

// receiveFile reads one file (meta chunk followed by data chunks) from the
// request stream into the transfer directory.
func (s *Server) receiveFile(req *rpc.ServerRequest) (path string, err error) {
	var chunk []byte
	if chunk, err = req.NextChunk(); err != nil {
		err = errors.Wrap(err, "receive file meta")
		return
	}
	var meta *fileMeta
	if meta, err = decodeFileMeta(chunk); err != nil {
		err = errors.Wrap(err, "decode file meta")
		return
	}

	dir := s.replica.TransferDirectory()
	if err = os.MkdirAll(dir, 0755); err != nil {
		return
	}
	path = filepath.Join(dir, filepath.Base(meta.Name))
	var f *os.File
	if f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); err != nil {
		return
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	received := uint64(0)
	for received < meta.Size {
		if chunk, err = req.NextChunk(); err != nil {
			err = errors.Wrapf(err, "receive file data at %d/%d", received, meta.Size)
			return
		}
		if received+uint64(len(chunk)) > meta.Size {
			// The tail of this chunk belongs to the next file; this cannot
			// happen with our sender which never coalesces across files.
			err = errors.New("file data chunk crosses file boundary")
			return
		}
		if _, err = f.Write(chunk); err != nil {
			return
		}
		received += uint64(len(chunk))
	}
	err = f.Sync()
	return
}
