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
	"errors"
	"sync/atomic"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
	"github.com/CovenantGraph/CovenantGraph/types"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// ErrDurabilityDisabled indicates a snapshot request on a storage running
// without durability directories.
var ErrDurabilityDisabled = errors.New("storage: durability is disabled")

// CreateSnapshot dumps a consistent point-in-time view of the storage and
// prunes durability files the snapshot supersedes.
func (s *Storage) CreateSnapshot() (path string, err error) {
	if !s.config.durabilityEnabled() {
		err = ErrDurabilityDisabled
		return
	}

	// The snapshot transaction pins the view; it performs no writes so it
	// is simply aborted afterwards.
	acc := s.Access()
	defer acc.Abort()
	tx := acc.transaction

	data := &durability.SnapshotData{
		UUID:           s.uuid,
		EpochID:        s.EpochID(),
		StartTimestamp: tx.startTimestamp,
		Mapper:         s.nameIDMapper.Entries(),
	}
	for _, label := range s.labelIndex.ListIndices() {
		data.LabelIndices = append(data.LabelIndices, label.AsUint())
	}
	for _, pair := range s.labelPropertyIndex.ListIndices() {
		data.LabelPropertyIndices = append(data.LabelPropertyIndices,
			[2]uint64{pair.label.AsUint(), pair.property.AsUint()})
	}

	for _, va := range acc.Vertices(ViewOld) {
		var labels []types.LabelId
		if labels, err = va.Labels(ViewOld); err != nil {
			continue
		}
		var props map[types.PropertyId]types.PropertyValue
		if props, err = va.Properties(ViewOld); err != nil {
			continue
		}
		sv := durability.SnapshotVertex{
			Gid:        va.Gid().AsUint(),
			Properties: make(map[uint32]types.PropertyValue, len(props)),
		}
		for _, label := range labels {
			sv.Labels = append(sv.Labels, label.AsUint())
		}
		for key, value := range props {
			sv.Properties[uint32(key.AsUint())] = value
		}
		data.Vertices = append(data.Vertices, sv)

		var outEdges []*EdgeAccessor
		if outEdges, err = va.OutEdges(ViewOld); err != nil {
			continue
		}
		for _, ea := range outEdges {
			se := durability.SnapshotEdge{
				Gid:        ea.Gid().AsUint(),
				FromGid:    ea.FromVertex().Gid().AsUint(),
				ToGid:      ea.ToVertex().Gid().AsUint(),
				EdgeType:   uint32(ea.EdgeType().AsUint()),
				Properties: make(map[uint32]types.PropertyValue),
			}
			if s.config.Items.PropertiesOnEdges {
				var eprops map[types.PropertyId]types.PropertyValue
				if eprops, err = ea.Properties(ViewOld); err == nil {
					for key, value := range eprops {
						se.Properties[uint32(key.AsUint())] = value
					}
				}
			}
			data.Edges = append(data.Edges, se)
		}
	}
	err = nil

	if path, err = durability.WriteSnapshot(s.config.Durability.SnapshotDirectory, data); err != nil {
		return
	}
	log.WithFields(log.Fields{
		"path":            path,
		"start_timestamp": data.StartTimestamp,
		"vertices":        len(data.Vertices),
		"edges":           len(data.Edges),
	}).Info("snapshot created")

	s.pruneDurabilityFiles(data.StartTimestamp)
	return
}

// pruneDurabilityFiles enforces snapshot retention and drops finalized WAL
// segments fully covered by the oldest retained snapshot. Files pinned by the
// retainer (an in-flight replica transfer) are deferred.
func (s *Storage) pruneDurabilityFiles(snapshotStart uint64) {
	snapshots, err := durability.GetSnapshotFiles(s.config.Durability.SnapshotDirectory, s.uuid)
	if err != nil {
		log.WithError(err).Warning("failed to enumerate snapshots for pruning")
		return
	}
	retain := s.config.Durability.SnapshotRetentionCount
	if excess := len(snapshots) - retain; excess > 0 {
		for _, info := range snapshots[:excess] {
			s.fileRetainer.DeleteOrDefer(info.Path)
		}
		snapshots = snapshots[excess:]
	}

	// The oldest retained snapshot bounds which WAL segments must stay:
	// everything needed to recover from it onwards.
	oldestRetained := snapshotStart
	if len(snapshots) > 0 && snapshots[0].StartTimestamp < oldestRetained {
		oldestRetained = snapshots[0].StartTimestamp
	}

	s.engineMu.Lock()
	var excludeSeq *uint64
	if s.walFile != nil {
		seq := s.walFile.SequenceNumber()
		excludeSeq = &seq
	}
	s.engineMu.Unlock()

	walFiles, err := durability.GetWalFiles(s.config.Durability.WalDirectory, s.uuid, excludeSeq)
	if err != nil {
		log.WithError(err).Warning("failed to enumerate wal files for pruning")
		return
	}
	for _, info := range walFiles {
		if info.ToTimestamp != 0 && info.ToTimestamp <= oldestRetained {
			s.fileRetainer.DeleteOrDefer(info.Path)
		}
	}
}

// loadSnapshotData replaces the storage content with a snapshot dump. The
// caller guarantees no transactions are running.
func (s *Storage) loadSnapshotData(data *durability.SnapshotData) {
	s.nameIDMapper.SetEntries(data.Mapper)

	vertices := make(map[types.Gid]*Vertex, len(data.Vertices))
	for i := range data.Vertices {
		sv := &data.Vertices[i]
		gid := types.GidFromUint(sv.Gid)
		v := newVertex(gid)
		for _, label := range sv.Labels {
			v.labels = append(v.labels, types.LabelIdFromUint(label))
		}
		for key, value := range sv.Properties {
			v.properties[types.PropertyIdFromUint(uint64(key))] = value
		}
		vertices[gid] = v
		s.observeVertexGid(gid)
	}

	edges := make(map[types.Gid]*Edge, len(data.Edges))
	for i := range data.Edges {
		se := &data.Edges[i]
		gid := types.GidFromUint(se.Gid)
		from := vertices[types.GidFromUint(se.FromGid)]
		to := vertices[types.GidFromUint(se.ToGid)]
		if from == nil || to == nil {
			log.WithField("edge", se.Gid).Warning("snapshot edge references missing vertex")
			continue
		}
		var ref EdgeRef
		if s.config.Items.PropertiesOnEdges {
			e := newEdge(gid)
			for key, value := range se.Properties {
				e.properties[types.PropertyIdFromUint(uint64(key))] = value
			}
			edges[gid] = e
			ref = NewEdgeRef(e)
		} else {
			ref = NewEdgeRefGid(gid)
		}
		edgeType := types.EdgeTypeIdFromUint(uint64(se.EdgeType))
		from.outEdges = append(from.outEdges, vertexEdgeEntry{
			edgeType: edgeType, vertex: to, edge: ref})
		to.inEdges = append(to.inEdges, vertexEdgeEntry{
			edgeType: edgeType, vertex: from, edge: ref})
		s.observeEdgeGid(gid)
	}

	s.vertexMu.Lock()
	s.vertices = vertices
	s.vertexMu.Unlock()
	s.edgeMu.Lock()
	s.edges = edges
	s.edgeMu.Unlock()

	s.labelIndex = NewLabelIndex()
	s.labelPropertyIndex = NewLabelPropertyIndex()
	all := s.allVertices()
	for _, label := range data.LabelIndices {
		s.labelIndex.CreateIndex(types.LabelIdFromUint(label), all)
	}
	for _, pair := range data.LabelPropertyIndices {
		s.labelPropertyIndex.CreateIndex(
			types.LabelIdFromUint(pair[0]), types.PropertyIdFromUint(pair[1]), all)
	}

	s.engineMu.Lock()
	if s.timestamp <= data.StartTimestamp {
		s.timestamp = data.StartTimestamp + 1
	}
	s.engineMu.Unlock()
	atomic.StoreUint64(&s.lastCommitTimestamp, data.StartTimestamp)
}
