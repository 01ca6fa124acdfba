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

// Package storage implements the MVCC graph storage engine: per-object
// delta chains, snapshot isolated transactions, label and label+property
// indexes, a transaction coordinated garbage collector, a snapshot/WAL
// durability pipeline and replication to registered replicas.
package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/storage/replication"
	"github.com/CovenantGraph/CovenantGraph/types"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// epochHistoryEntry remembers a past epoch and the commit timestamp it
// ended with, so diverged replicas can be refused.
type epochHistoryEntry struct {
	epochID             string
	lastCommitTimestamp uint64
}

// Storage is one graph database instance.
type Storage struct {
	config Config

	// engineMu serializes timestamp allocation, the active set, epoch
	// reads and the commit pipeline.
	engineMu              sync.Mutex
	timestamp             uint64
	nextTransactionID     uint64
	lastCommitTimestamp   uint64 // atomic
	activeTransactions    map[uint64]uint64
	committedTransactions []*Transaction

	vertexMu sync.RWMutex
	vertices map[types.Gid]*Vertex
	edgeMu   sync.RWMutex
	edges    map[types.Gid]*Edge

	nextVertexID uint64 // atomic
	nextEdgeID   uint64 // atomic

	nameIDMapper       *NameIdMapper
	labelIndex         *LabelIndex
	labelPropertyIndex *LabelPropertyIndex

	uuid         string
	epochID      string
	epochHistory []epochHistoryEntry

	walFile         *durability.WalFile
	walSeqNum       uint64
	walTxSinceFlush int

	fileRetainer *durability.FileRetainer

	gcMu              sync.Mutex
	gcDeletedVertices []*Vertex
	gcDeletedEdges    []*Edge

	replicationMu      sync.Mutex
	replicationClients []*replication.Client
	registry           *replication.Registry

	stopCh     chan struct{}
	loopsWg    sync.WaitGroup
	closed     bool
	recovering bool
}

// NewStorage opens a storage instance, recovering durability files when
// configured, and starts the GC and snapshot workers.
func NewStorage(config Config) (s *Storage, err error) {
	config.applyDefaults()
	s = &Storage{
		config:             config,
		timestamp:          1,
		nextTransactionID:  transactionInitialID,
		activeTransactions: make(map[uint64]uint64),
		vertices:           make(map[types.Gid]*Vertex),
		edges:              make(map[types.Gid]*Edge),
		nameIDMapper:       NewNameIdMapper(),
		labelIndex:         NewLabelIndex(),
		labelPropertyIndex: NewLabelPropertyIndex(),
		uuid:               uuid.Must(uuid.NewV4()).String(),
		epochID:            uuid.Must(uuid.NewV4()).String(),
		fileRetainer:       durability.NewFileRetainer(),
		stopCh:             make(chan struct{}),
	}

	if config.durabilityEnabled() && config.Durability.RecoverOnStartup {
		if err = s.recoverOnStartup(); err != nil {
			s = nil
			return
		}
	}

	if config.durabilityEnabled() {
		if err = os.MkdirAll(config.Durability.SnapshotDirectory, 0755); err != nil {
			s = nil
			return
		}
		if err = os.MkdirAll(config.Durability.WalDirectory, 0755); err != nil {
			s = nil
			return
		}
		registryPath := filepath.Join(config.Durability.SnapshotDirectory, "replication_registry")
		if s.registry, err = replication.OpenRegistry(registryPath); err != nil {
			log.WithError(err).Warning("replica registry unavailable, replicas will not persist")
			err = nil
		} else {
			s.restoreReplicas()
		}
	}

	if config.Gc.Type == GcPeriodic {
		s.loopsWg.Add(1)
		go s.gcLoop()
	}
	if config.durabilityEnabled() && config.Durability.SnapshotInterval > 0 {
		s.loopsWg.Add(1)
		go s.snapshotLoop()
	}
	return
}

// Close stops background workers, finalizes the current WAL segment and
// releases every replica client.
func (s *Storage) Close() {
	s.engineMu.Lock()
	if s.closed {
		s.engineMu.Unlock()
		return
	}
	s.closed = true
	s.engineMu.Unlock()

	close(s.stopCh)
	s.loopsWg.Wait()

	s.replicationMu.Lock()
	clients := s.replicationClients
	s.replicationClients = nil
	s.replicationMu.Unlock()
	for _, client := range clients {
		client.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}

	s.engineMu.Lock()
	if s.walFile != nil {
		if err := s.walFile.Finalize(); err != nil {
			log.WithError(err).Error("failed to finalize wal on close")
		}
		s.walFile = nil
	}
	s.engineMu.Unlock()
}

// UUID returns the storage instance uuid.
func (s *Storage) UUID() string {
	return s.uuid
}

// EpochID returns the current epoch id.
func (s *Storage) EpochID() string {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return s.epochID
}

// SetEpochID adopts an epoch id; used on the replica side once the main's
// data is accepted.
func (s *Storage) SetEpochID(epochID string) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if s.epochID == epochID {
		return
	}
	s.epochHistory = append(s.epochHistory, epochHistoryEntry{
		epochID:             s.epochID,
		lastCommitTimestamp: atomic.LoadUint64(&s.lastCommitTimestamp),
	})
	s.epochID = epochID
}

// EpochHistoryLookup reports the commit timestamp a past epoch ended with.
func (s *Storage) EpochHistoryLookup(epochID string) (lastCommit uint64, ok bool) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	for i := len(s.epochHistory) - 1; i >= 0; i-- {
		if s.epochHistory[i].epochID == epochID {
			return s.epochHistory[i].lastCommitTimestamp, true
		}
	}
	return
}

// LastCommitTimestamp returns the timestamp of the newest committed
// transaction.
func (s *Storage) LastCommitTimestamp() uint64 {
	return atomic.LoadUint64(&s.lastCommitTimestamp)
}

// NameToLabel registers/resolves a label name.
func (s *Storage) NameToLabel(name string) types.LabelId {
	return types.LabelIdFromUint(s.nameIDMapper.NameToId(name))
}

// NameToProperty registers/resolves a property name.
func (s *Storage) NameToProperty(name string) types.PropertyId {
	return types.PropertyIdFromUint(s.nameIDMapper.NameToId(name))
}

// NameToEdgeType registers/resolves an edge type name.
func (s *Storage) NameToEdgeType(name string) types.EdgeTypeId {
	return types.EdgeTypeIdFromUint(s.nameIDMapper.NameToId(name))
}

// LabelToName resolves a label id.
func (s *Storage) LabelToName(label types.LabelId) string {
	name, _ := s.nameIDMapper.IdToName(label.AsUint())
	return name
}

// PropertyToName resolves a property id.
func (s *Storage) PropertyToName(property types.PropertyId) string {
	name, _ := s.nameIDMapper.IdToName(property.AsUint())
	return name
}

// EdgeTypeToName resolves an edge type id.
func (s *Storage) EdgeTypeToName(edgeType types.EdgeTypeId) string {
	name, _ := s.nameIDMapper.IdToName(edgeType.AsUint())
	return name
}

// Access opens an accessor scoped to a fresh transaction.
func (s *Storage) Access() *Accessor {
	return s.access(0)
}

// access opens an accessor; a non-zero forcedCommitTimestamp replays a
// recovered or replicated transaction at its original timestamp.
func (s *Storage) access(forcedCommitTimestamp uint64) *Accessor {
	s.engineMu.Lock()
	id := s.nextTransactionID
	s.nextTransactionID++
	startTimestamp := s.timestamp
	s.timestamp++
	tx := newTransaction(id, startTimestamp)
	tx.forcedCommitTimestamp = forcedCommitTimestamp
	s.activeTransactions[id] = startTimestamp
	s.engineMu.Unlock()
	return &Accessor{storage: s, transaction: tx, active: true}
}

func (s *Storage) nextVertexGid() types.Gid {
	return types.GidFromUint(atomic.AddUint64(&s.nextVertexID, 1) - 1)
}

func (s *Storage) nextEdgeGid() types.Gid {
	return types.GidFromUint(atomic.AddUint64(&s.nextEdgeID, 1) - 1)
}

// observeVertexGid raises the vertex gid counter past an externally
// supplied gid (recovery, replication).
func (s *Storage) observeVertexGid(gid types.Gid) {
	for {
		cur := atomic.LoadUint64(&s.nextVertexID)
		if gid.AsUint() < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&s.nextVertexID, cur, gid.AsUint()+1) {
			return
		}
	}
}

func (s *Storage) observeEdgeGid(gid types.Gid) {
	for {
		cur := atomic.LoadUint64(&s.nextEdgeID)
		if gid.AsUint() < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&s.nextEdgeID, cur, gid.AsUint()+1) {
			return
		}
	}
}

// commitTransaction runs the commit pipeline: allocate the timestamp,
// append to the WAL, stream to replicas, then flip the commit timestamp
// cell making every delta of the transaction visible at once.
func (s *Storage) commitTransaction(tx *Transaction) {
	if len(tx.deltas) == 0 {
		s.engineMu.Lock()
		delete(s.activeTransactions, tx.id)
		s.engineMu.Unlock()
		tx.state = txCommitted
		return
	}

	s.engineMu.Lock()
	var commitTs uint64
	if tx.forcedCommitTimestamp != 0 {
		commitTs = tx.forcedCommitTimestamp
		if s.timestamp <= commitTs {
			s.timestamp = commitTs + 1
		}
	} else {
		commitTs = s.timestamp
		s.timestamp++
	}

	records := s.buildWalRecords(tx, commitTs)
	s.appendRecordsToWal(records)
	s.replicateRecords(records)

	tx.commitTimestamp.Store(commitTs)
	atomic.StoreUint64(&s.lastCommitTimestamp, commitTs)
	s.committedTransactions = append(s.committedTransactions, tx)
	delete(s.activeTransactions, tx.id)
	s.maybeRolloverWal()
	s.engineMu.Unlock()
	tx.state = txCommitted
}

// abortTransaction undoes the transaction's changes and unlinks its
// deltas. Deltas are processed newest first so per object the chain head
// always is the delta being removed.
func (s *Storage) abortTransaction(tx *Transaction) {
	for i := len(tx.deltas) - 1; i >= 0; i-- {
		d := tx.deltas[i]
		vertex, edge := resolveDeltaOwner(d)
		switch {
		case vertex != nil:
			s.abortVertexDelta(vertex, d)
		case edge != nil:
			s.abortEdgeDelta(edge, d)
		}
	}
	s.engineMu.Lock()
	delete(s.activeTransactions, tx.id)
	s.engineMu.Unlock()
	tx.state = txAborted
	tx.deltas = nil
}

func (s *Storage) abortVertexDelta(v *Vertex, d *Delta) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loadDelta() != d {
		// The chain head must be ours; anything else means the delta was
		// already detached.
		return
	}
	switch d.Action {
	case DeltaDeleteObject:
		v.deleted = true
		s.queueDeletedVertexLocked(v)
	case DeltaRecreateObject:
		v.deleted = false
	case DeltaAddLabel:
		if !v.hasLabel(d.Label) {
			v.addLabel(d.Label)
		}
	case DeltaRemoveLabel:
		v.removeLabel(d.Label)
	case DeltaSetProperty:
		if d.Value.IsNull() {
			delete(v.properties, d.Key)
		} else {
			v.properties[d.Key] = d.Value
		}
	case DeltaAddInEdge:
		v.inEdges = addEdgeEntry(v.inEdges, vertexEdgeEntry{
			edgeType: d.EdgeType, vertex: d.VertexHook, edge: d.EdgeHook})
	case DeltaRemoveInEdge:
		v.inEdges = removeEdgeEntry(v.inEdges, vertexEdgeEntry{
			edgeType: d.EdgeType, vertex: d.VertexHook, edge: d.EdgeHook})
	case DeltaAddOutEdge:
		v.outEdges = addEdgeEntry(v.outEdges, vertexEdgeEntry{
			edgeType: d.EdgeType, vertex: d.VertexHook, edge: d.EdgeHook})
	case DeltaRemoveOutEdge:
		v.outEdges = removeEdgeEntry(v.outEdges, vertexEdgeEntry{
			edgeType: d.EdgeType, vertex: d.VertexHook, edge: d.EdgeHook})
	}
	next := d.Next()
	v.storeDelta(next)
	if next != nil {
		next.Prev.SetVertex(v)
	}
}

func (s *Storage) abortEdgeDelta(e *Edge, d *Delta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadDelta() != d {
		return
	}
	switch d.Action {
	case DeltaDeleteObject:
		e.deleted = true
		s.queueDeletedEdgeLocked(e)
	case DeltaRecreateObject:
		e.deleted = false
	case DeltaSetProperty:
		if d.Value.IsNull() {
			delete(e.properties, d.Key)
		} else {
			e.properties[d.Key] = d.Value
		}
	}
	next := d.Next()
	e.storeDelta(next)
	if next != nil {
		next.Prev.SetEdge(e)
	}
}

// queueDeletedVertexLocked remembers a tombstoned vertex for container
// removal. The caller holds the vertex lock.
func (s *Storage) queueDeletedVertexLocked(v *Vertex) {
	s.gcMu.Lock()
	s.gcDeletedVertices = append(s.gcDeletedVertices, v)
	s.gcMu.Unlock()
}

func (s *Storage) queueDeletedEdgeLocked(e *Edge) {
	s.gcMu.Lock()
	s.gcDeletedEdges = append(s.gcDeletedEdges, e)
	s.gcMu.Unlock()
}

// allVertices snapshots the vertex container values.
func (s *Storage) allVertices() (vertices []*Vertex) {
	s.vertexMu.RLock()
	defer s.vertexMu.RUnlock()
	vertices = make([]*Vertex, 0, len(s.vertices))
	for _, v := range s.vertices {
		vertices = append(vertices, v)
	}
	return
}

func (s *Storage) gcLoop() {
	defer s.loopsWg.Done()
	ticker := time.NewTicker(s.config.Gc.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CollectGarbage()
		}
	}
}

func (s *Storage) snapshotLoop() {
	defer s.loopsWg.Done()
	ticker := time.NewTicker(s.config.Durability.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.CreateSnapshot(); err != nil {
				log.WithError(err).Error("periodic snapshot failed")
			}
		}
	}
}

// restoreReplicas re-creates replication clients persisted in the
// registry.
func (s *Storage) restoreReplicas() {
	configs, err := s.registry.List()
	if err != nil {
		log.WithError(err).Error("failed to list persisted replicas")
		return
	}
	for _, cfg := range configs {
		client, cerr := replication.NewClient(*cfg, s)
		if cerr != nil {
			log.WithError(cerr).WithField("replica", cfg.Name).
				Error("failed to restore replica client")
			continue
		}
		s.replicationMu.Lock()
		s.replicationClients = append(s.replicationClients, client)
		s.replicationMu.Unlock()
	}
}

// RegisterReplica connects a new replica and persists it when a registry
// is available.
func (s *Storage) RegisterReplica(cfg replication.ClientConfig) (err error) {
	s.replicationMu.Lock()
	for _, client := range s.replicationClients {
		if client.Name() == cfg.Name {
			s.replicationMu.Unlock()
			err = ErrReplicaNameTaken
			return
		}
	}
	s.replicationMu.Unlock()

	var client *replication.Client
	if client, err = replication.NewClient(cfg, s); err != nil {
		return
	}
	s.replicationMu.Lock()
	s.replicationClients = append(s.replicationClients, client)
	s.replicationMu.Unlock()
	if s.registry != nil {
		if rerr := s.registry.Save(&cfg); rerr != nil {
			log.WithError(rerr).WithField("replica", cfg.Name).
				Error("failed to persist replica registration")
		}
	}
	return
}

// UnregisterReplica disconnects and forgets a replica.
func (s *Storage) UnregisterReplica(name string) (found bool) {
	s.replicationMu.Lock()
	for i, client := range s.replicationClients {
		if client.Name() == name {
			s.replicationClients = append(
				s.replicationClients[:i], s.replicationClients[i+1:]...)
			s.replicationMu.Unlock()
			client.Close()
			found = true
			if s.registry != nil {
				if err := s.registry.Delete(name); err != nil {
					log.WithError(err).WithField("replica", name).
						Error("failed to remove persisted replica")
				}
			}
			return
		}
	}
	s.replicationMu.Unlock()
	return
}

// Replica returns the client of the named replica.
func (s *Storage) Replica(name string) *replication.Client {
	s.replicationMu.Lock()
	defer s.replicationMu.Unlock()
	for _, client := range s.replicationClients {
		if client.Name() == name {
			return client
		}
	}
	return nil
}

func (s *Storage) replicaClients() (clients []*replication.Client) {
	s.replicationMu.Lock()
	defer s.replicationMu.Unlock()
	clients = append(clients, s.replicationClients...)
	return
}

// replicateRecords streams one committed transaction (or a single global
// operation) to every replica. Called with engineMu held, matching the
// commit ordering guarantee: replicas observe transactions in commit
// timestamp order.
func (s *Storage) replicateRecords(records []*durability.Record) {
	if s.recovering {
		return
	}
	clients := s.replicaClients()
	if len(clients) == 0 {
		return
	}
	seqNum := s.walSeqNum
	if s.walFile != nil {
		seqNum = s.walFile.SequenceNumber()
	}
	for _, client := range clients {
		client.StartTransactionReplication(seqNum)
	}
	for _, client := range clients {
		client.IfStreamingTransaction(func(stream *replication.ReplicaStream) (err error) {
			for _, record := range records {
				if err = stream.AppendRecord(record); err != nil {
					return
				}
			}
			return
		})
	}
	for _, client := range clients {
		client.FinalizeTransactionReplication()
	}
}
