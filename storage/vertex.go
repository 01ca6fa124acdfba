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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/CovenantGraph/CovenantGraph/types"
)

// vertexEdgeEntry is one adjacency list row.
type vertexEdgeEntry struct {
	edgeType types.EdgeTypeId
	vertex   *Vertex
	edge     EdgeRef
}

// Vertex is the head object of a vertex version chain. Current state
// fields are written under mu; the delta head is additionally published
// atomically so readers can walk the chain without the lock.
type Vertex struct {
	gid types.Gid

	mu         sync.Mutex
	labels     []types.LabelId
	properties map[types.PropertyId]types.PropertyValue
	inEdges    []vertexEdgeEntry
	outEdges   []vertexEdgeEntry
	deleted    bool

	delta unsafe.Pointer // *Delta
}

func newVertex(gid types.Gid) *Vertex {
	return &Vertex{
		gid:        gid,
		properties: make(map[types.PropertyId]types.PropertyValue),
	}
}

// Gid returns the vertex global id.
func (v *Vertex) Gid() types.Gid {
	return v.gid
}

func (v *Vertex) loadDelta() *Delta {
	return (*Delta)(atomic.LoadPointer(&v.delta))
}

func (v *Vertex) storeDelta(d *Delta) {
	atomic.StorePointer(&v.delta, unsafe.Pointer(d))
}

func (v *Vertex) hasLabel(label types.LabelId) bool {
	for _, l := range v.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (v *Vertex) addLabel(label types.LabelId) {
	v.labels = append(v.labels, label)
}

func (v *Vertex) removeLabel(label types.LabelId) {
	for i, l := range v.labels {
		if l == label {
			v.labels[i] = v.labels[len(v.labels)-1]
			v.labels = v.labels[:len(v.labels)-1]
			return
		}
	}
}

func addEdgeEntry(list []vertexEdgeEntry, entry vertexEdgeEntry) []vertexEdgeEntry {
	return append(list, entry)
}

func removeEdgeEntry(list []vertexEdgeEntry, entry vertexEdgeEntry) []vertexEdgeEntry {
	out, _ := removeEdgeEntryChecked(list, entry)
	return out
}

func removeEdgeEntryChecked(
	list []vertexEdgeEntry, entry vertexEdgeEntry) ([]vertexEdgeEntry, bool) {
	for i := range list {
		if list[i].edgeType == entry.edgeType && list[i].vertex == entry.vertex &&
			list[i].edge.Gid() == entry.edge.Gid() {
			list[i] = list[len(list)-1]
			return list[:len(list)-1], true
		}
	}
	return list, false
}
