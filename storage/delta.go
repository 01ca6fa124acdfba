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
	"unsafe"

	"github.com/CovenantGraph/CovenantGraph/types"
)

// Timestamp is the commit timestamp cell shared by every delta of one
// transaction. It holds the transaction id until commit flips it to the
// assigned commit timestamp in a single atomic store, which is what makes
// all of the transaction's deltas visible at once.
type Timestamp struct {
	value uint64
}

// NewTimestamp returns a cell holding the given initial value.
func NewTimestamp(value uint64) *Timestamp {
	return &Timestamp{value: value}
}

// Load atomically reads the cell.
func (t *Timestamp) Load() uint64 {
	return atomic.LoadUint64(&t.value)
}

// Store atomically writes the cell.
func (t *Timestamp) Store(value uint64) {
	atomic.StoreUint64(&t.value, value)
}

// DeltaAction discriminates the undo payload of a delta.
type DeltaAction uint8

// Delta actions. Each names the undo it performs when applied during a
// chain walk, which is the inverse of the operation that created it.
const (
	// DeltaDeleteObject is the undo of creating a vertex or edge.
	DeltaDeleteObject DeltaAction = iota
	// DeltaRecreateObject is the undo of deleting a vertex or edge.
	DeltaRecreateObject
	// DeltaSetProperty restores the previous value of a property.
	DeltaSetProperty
	// DeltaAddLabel is the undo of removing a label.
	DeltaAddLabel
	// DeltaRemoveLabel is the undo of adding a label.
	DeltaRemoveLabel
	// DeltaAddInEdge is the undo of removing an in-edge adjacency entry.
	DeltaAddInEdge
	// DeltaAddOutEdge is the undo of removing an out-edge adjacency entry.
	DeltaAddOutEdge
	// DeltaRemoveInEdge is the undo of adding an in-edge adjacency entry.
	DeltaRemoveInEdge
	// DeltaRemoveOutEdge is the undo of adding an out-edge adjacency entry.
	DeltaRemoveOutEdge
)

// PreviousPtrType discriminates the referent of a PreviousPtr.
type PreviousPtrType uint8

// PreviousPtr referent kinds.
const (
	PreviousNull PreviousPtrType = iota
	PreviousDelta
	PreviousVertex
	PreviousEdge
)

// PreviousPtr points from a delta towards the newer end of its chain:
// either the next newer delta or the object heading the chain. The original
// implementation packs the discriminator into the low bits of the pointer
// itself; without pointer arithmetic the discriminator travels in an
// immutable node swapped atomically, so the collector can read the link
// while a writer re-points it.
type PreviousPtr struct {
	p unsafe.Pointer // *prevNode
}

type prevNode struct {
	t      PreviousPtrType
	delta  *Delta
	vertex *Vertex
	edge   *Edge
}

// PrevRef is a loaded PreviousPtr value.
type PrevRef struct {
	Type   PreviousPtrType
	Delta  *Delta
	Vertex *Vertex
	Edge   *Edge
}

// Get atomically loads the reference.
func (p *PreviousPtr) Get() PrevRef {
	node := (*prevNode)(atomic.LoadPointer(&p.p))
	if node == nil {
		return PrevRef{}
	}
	return PrevRef{Type: node.t, Delta: node.delta, Vertex: node.vertex, Edge: node.edge}
}

// SetDelta points at a newer delta.
func (p *PreviousPtr) SetDelta(d *Delta) {
	atomic.StorePointer(&p.p, unsafe.Pointer(&prevNode{t: PreviousDelta, delta: d}))
}

// SetVertex points at the vertex heading the chain.
func (p *PreviousPtr) SetVertex(v *Vertex) {
	atomic.StorePointer(&p.p, unsafe.Pointer(&prevNode{t: PreviousVertex, vertex: v}))
}

// SetEdge points at the edge heading the chain.
func (p *PreviousPtr) SetEdge(e *Edge) {
	atomic.StorePointer(&p.p, unsafe.Pointer(&prevNode{t: PreviousEdge, edge: e}))
}

// Delta is one undo record in an object's version chain.
type Delta struct {
	Action DeltaAction

	// Timestamp aliases the owning transaction's commit timestamp cell.
	Timestamp *Timestamp
	// CommandID is the sub-transaction ordinal the delta was created in.
	CommandID uint64

	// Prev points towards the chain head, next towards older deltas. next
	// is loaded by lock-free readers and truncated by the collector, so it
	// is accessed atomically.
	Prev PreviousPtr
	next unsafe.Pointer // *Delta

	// Payload, discriminated by Action.
	Label      types.LabelId
	Key        types.PropertyId
	Value      types.PropertyValue
	EdgeType   types.EdgeTypeId
	VertexHook *Vertex
	EdgeHook   EdgeRef
}

// Next atomically loads the next older delta.
func (d *Delta) Next() *Delta {
	return (*Delta)(atomic.LoadPointer(&d.next))
}

// StoreNext atomically publishes the next older delta.
func (d *Delta) StoreNext(next *Delta) {
	atomic.StorePointer(&d.next, unsafe.Pointer(next))
}
