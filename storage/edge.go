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

// Edge is the head object of an edge version chain. Edge objects exist
// only when the storage is configured with properties on edges; otherwise
// edges live purely as adjacency entries identified by gid.
type Edge struct {
	gid types.Gid

	mu         sync.Mutex
	properties map[types.PropertyId]types.PropertyValue
	deleted    bool

	delta unsafe.Pointer // *Delta
}

func newEdge(gid types.Gid) *Edge {
	return &Edge{
		gid:        gid,
		properties: make(map[types.PropertyId]types.PropertyValue),
	}
}

// Gid returns the edge global id.
func (e *Edge) Gid() types.Gid {
	return e.gid
}

func (e *Edge) loadDelta() *Delta {
	return (*Delta)(atomic.LoadPointer(&e.delta))
}

func (e *Edge) storeDelta(d *Delta) {
	atomic.StorePointer(&e.delta, unsafe.Pointer(d))
}

// EdgeRef names an edge either by object pointer or, when edge properties
// are disabled, by gid alone.
type EdgeRef struct {
	ptr *Edge
	gid types.Gid
}

// NewEdgeRef builds a reference from an edge object.
func NewEdgeRef(e *Edge) EdgeRef {
	return EdgeRef{ptr: e, gid: e.gid}
}

// NewEdgeRefGid builds a gid-only reference.
func NewEdgeRefGid(gid types.Gid) EdgeRef {
	return EdgeRef{gid: gid}
}

// Gid returns the referenced edge's gid.
func (r EdgeRef) Gid() types.Gid {
	return r.gid
}

// Ptr returns the edge object, nil for gid-only references.
func (r EdgeRef) Ptr() *Edge {
	return r.ptr
}
