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
	"github.com/CovenantGraph/CovenantGraph/types"
)

// Accessor is the per-transaction handle through which all reads and
// writes happen. It is not safe for concurrent use; the underlying
// storage is.
type Accessor struct {
	storage     *Storage
	transaction *Transaction
	active      bool
}

// Transaction exposes the underlying transaction.
func (a *Accessor) Transaction() *Transaction {
	return a.transaction
}

// AdvanceCommand starts the next sub-transaction command; later
// operations observe the effects of earlier ones under ViewOld.
func (a *Accessor) AdvanceCommand() {
	a.transaction.commandID++
}

// Commit finishes the transaction, making its writes durable, replicated
// and visible.
func (a *Accessor) Commit() (err error) {
	if !a.active {
		return ErrTransactionFinished
	}
	a.storage.commitTransaction(a.transaction)
	a.active = false
	return
}

// Abort reverts every change made through the accessor. Aborting an
// already finished accessor is a no-op so it can be deferred.
func (a *Accessor) Abort() {
	if !a.active {
		return
	}
	a.storage.abortTransaction(a.transaction)
	a.active = false
}

// CreateVertex inserts a fresh vertex. The undo delta records that the
// object did not exist before.
func (a *Accessor) CreateVertex() *VertexAccessor {
	return a.createVertex(a.storage.nextVertexGid())
}

func (a *Accessor) createVertex(gid types.Gid) *VertexAccessor {
	v := newVertex(gid)
	v.mu.Lock()
	d := a.transaction.newDelta(DeltaDeleteObject)
	linkDeltaVertex(v, d)
	v.mu.Unlock()

	a.storage.vertexMu.Lock()
	a.storage.vertices[gid] = v
	a.storage.vertexMu.Unlock()
	a.storage.observeVertexGid(gid)
	return &VertexAccessor{vertex: v, accessor: a}
}

// FindVertex looks a vertex up at the given view.
func (a *Accessor) FindVertex(gid types.Gid, view View) (va *VertexAccessor, found bool) {
	a.storage.vertexMu.RLock()
	v, ok := a.storage.vertices[gid]
	a.storage.vertexMu.RUnlock()
	if !ok {
		return
	}
	if !vertexVisible(a.transaction, v, view) {
		return
	}
	return &VertexAccessor{vertex: v, accessor: a}, true
}

// Vertices returns every vertex visible at the view.
func (a *Accessor) Vertices(view View) (result []*VertexAccessor) {
	for _, v := range a.storage.allVertices() {
		if vertexVisible(a.transaction, v, view) {
			result = append(result, &VertexAccessor{vertex: v, accessor: a})
		}
	}
	return
}

// VerticesByLabel scans the label index at the view.
func (a *Accessor) VerticesByLabel(label types.LabelId, view View) (result []*VertexAccessor) {
	for _, entry := range a.storage.labelIndex.Entries(label) {
		va := &VertexAccessor{vertex: entry.vertex, accessor: a}
		if !vertexVisible(a.transaction, entry.vertex, view) {
			continue
		}
		if has, err := va.HasLabel(label, view); err == nil && has {
			result = append(result, va)
		}
	}
	return
}

// VerticesByLabelProperty scans the (label, property) index at the view,
// returning vertices whose property equals value. A null value matches
// any property value, yielding the whole index in value order.
func (a *Accessor) VerticesByLabelProperty(
	label types.LabelId, property types.PropertyId,
	value types.PropertyValue, view View) (result []*VertexAccessor) {
	for _, entry := range a.storage.labelPropertyIndex.Entries(label, property) {
		if !value.IsNull() && !entry.value.Equal(value) {
			continue
		}
		va := &VertexAccessor{vertex: entry.vertex, accessor: a}
		if !vertexVisible(a.transaction, entry.vertex, view) {
			continue
		}
		has, err := va.HasLabel(label, view)
		if err != nil || !has {
			continue
		}
		current, err := va.GetProperty(property, view)
		if err != nil || !current.Equal(entry.value) {
			continue
		}
		result = append(result, va)
	}
	return
}

// DeleteVertex tombstones a vertex that has no adjacent edges.
func (a *Accessor) DeleteVertex(va *VertexAccessor) (err error) {
	v := va.vertex
	v.mu.Lock()
	defer v.mu.Unlock()
	if !prepareForWrite(a.transaction, v.loadDelta()) {
		err = ErrSerialization
		return
	}
	if v.deleted {
		err = ErrDeletedObject
		return
	}
	if len(v.inEdges) > 0 || len(v.outEdges) > 0 {
		err = ErrVertexHasEdges
		return
	}
	d := a.transaction.newDelta(DeltaRecreateObject)
	linkDeltaVertex(v, d)
	v.deleted = true
	a.storage.queueDeletedVertexLocked(v)
	return
}

// DetachDeleteVertex deletes a vertex together with every adjacent edge.
func (a *Accessor) DetachDeleteVertex(va *VertexAccessor) (err error) {
	v := va.vertex

	// Collect the adjacency under the lock, then delete the edges through
	// the regular path which locks both endpoints.
	v.mu.Lock()
	if !prepareForWrite(a.transaction, v.loadDelta()) {
		v.mu.Unlock()
		err = ErrSerialization
		return
	}
	if v.deleted {
		v.mu.Unlock()
		err = ErrDeletedObject
		return
	}
	inEdges := append([]vertexEdgeEntry(nil), v.inEdges...)
	outEdges := append([]vertexEdgeEntry(nil), v.outEdges...)
	v.mu.Unlock()

	for _, entry := range outEdges {
		ea := &EdgeAccessor{
			edge: entry.edge, edgeType: entry.edgeType,
			from: v, to: entry.vertex, accessor: a,
		}
		if err = a.DeleteEdge(ea); err != nil {
			return
		}
	}
	for _, entry := range inEdges {
		ea := &EdgeAccessor{
			edge: entry.edge, edgeType: entry.edgeType,
			from: entry.vertex, to: v, accessor: a,
		}
		if err = a.DeleteEdge(ea); err != nil {
			return
		}
	}

	return a.DeleteVertex(va)
}

// CreateEdge connects from to to with the given edge type.
func (a *Accessor) CreateEdge(
	from, to *VertexAccessor, edgeType types.EdgeTypeId) (ea *EdgeAccessor, err error) {
	return a.createEdge(from, to, edgeType, a.storage.nextEdgeGid())
}

func (a *Accessor) createEdge(
	from, to *VertexAccessor, edgeType types.EdgeTypeId,
	gid types.Gid) (ea *EdgeAccessor, err error) {
	fromV, toV := from.vertex, to.vertex

	lockVertexPair(fromV, toV)
	defer unlockVertexPair(fromV, toV)

	if !prepareForWrite(a.transaction, fromV.loadDelta()) ||
		!prepareForWrite(a.transaction, toV.loadDelta()) {
		err = ErrSerialization
		return
	}
	if fromV.deleted || toV.deleted {
		err = ErrDeletedObject
		return
	}

	var ref EdgeRef
	if a.storage.config.Items.PropertiesOnEdges {
		e := newEdge(gid)
		e.mu.Lock()
		d := a.transaction.newDelta(DeltaDeleteObject)
		linkDeltaEdge(e, d)
		e.mu.Unlock()
		a.storage.edgeMu.Lock()
		a.storage.edges[gid] = e
		a.storage.edgeMu.Unlock()
		ref = NewEdgeRef(e)
	} else {
		ref = NewEdgeRefGid(gid)
	}
	a.storage.observeEdgeGid(gid)

	outDelta := a.transaction.newDelta(DeltaRemoveOutEdge)
	outDelta.EdgeType = edgeType
	outDelta.VertexHook = toV
	outDelta.EdgeHook = ref
	linkDeltaVertex(fromV, outDelta)
	fromV.outEdges = addEdgeEntry(fromV.outEdges, vertexEdgeEntry{
		edgeType: edgeType, vertex: toV, edge: ref})

	inDelta := a.transaction.newDelta(DeltaRemoveInEdge)
	inDelta.EdgeType = edgeType
	inDelta.VertexHook = fromV
	inDelta.EdgeHook = ref
	linkDeltaVertex(toV, inDelta)
	toV.inEdges = addEdgeEntry(toV.inEdges, vertexEdgeEntry{
		edgeType: edgeType, vertex: fromV, edge: ref})

	ea = &EdgeAccessor{edge: ref, edgeType: edgeType, from: fromV, to: toV, accessor: a}
	return
}

// DeleteEdge tombstones an edge and unlinks it from both endpoints.
func (a *Accessor) DeleteEdge(ea *EdgeAccessor) (err error) {
	fromV, toV := ea.from, ea.to

	lockVertexPair(fromV, toV)
	defer unlockVertexPair(fromV, toV)

	if !prepareForWrite(a.transaction, fromV.loadDelta()) ||
		!prepareForWrite(a.transaction, toV.loadDelta()) {
		err = ErrSerialization
		return
	}

	// A self loop reached through both adjacency lists arrives here twice;
	// the second call finds the entries already gone and must not append
	// undo deltas for them.
	newOut, removedOut := removeEdgeEntryChecked(fromV.outEdges, vertexEdgeEntry{
		edgeType: ea.edgeType, vertex: toV, edge: ea.edge})
	newIn, removedIn := removeEdgeEntryChecked(toV.inEdges, vertexEdgeEntry{
		edgeType: ea.edgeType, vertex: fromV, edge: ea.edge})
	if !removedOut && !removedIn {
		return
	}

	if e := ea.edge.Ptr(); e != nil {
		e.mu.Lock()
		if !prepareForWrite(a.transaction, e.loadDelta()) {
			e.mu.Unlock()
			err = ErrSerialization
			return
		}
		if !e.deleted {
			d := a.transaction.newDelta(DeltaRecreateObject)
			linkDeltaEdge(e, d)
			e.deleted = true
			a.storage.queueDeletedEdgeLocked(e)
		}
		e.mu.Unlock()
	}

	if removedOut {
		outDelta := a.transaction.newDelta(DeltaAddOutEdge)
		outDelta.EdgeType = ea.edgeType
		outDelta.VertexHook = toV
		outDelta.EdgeHook = ea.edge
		linkDeltaVertex(fromV, outDelta)
		fromV.outEdges = newOut
	}

	if removedIn {
		inDelta := a.transaction.newDelta(DeltaAddInEdge)
		inDelta.EdgeType = ea.edgeType
		inDelta.VertexHook = fromV
		inDelta.EdgeHook = ea.edge
		linkDeltaVertex(toV, inDelta)
		toV.inEdges = newIn
	}
	return
}

// lockVertexPair takes both vertex locks in gid order so concurrent edge
// operations cannot deadlock.
func lockVertexPair(a, b *Vertex) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.gid < b.gid {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockVertexPair(a, b *Vertex) {
	if a == b {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	b.mu.Unlock()
}

// vertexVisible reports whether the vertex exists at the transaction's
// view: head state copied under the lock, then the chain walked without
// it.
func vertexVisible(tx *Transaction, v *Vertex, view View) bool {
	v.mu.Lock()
	deleted := v.deleted
	head := v.loadDelta()
	v.mu.Unlock()

	exists := true
	applyDeltasForRead(tx, head, view, func(d *Delta) {
		switch d.Action {
		case DeltaDeleteObject:
			exists = false
		case DeltaRecreateObject:
			deleted = false
		}
	})
	return exists && !deleted
}
