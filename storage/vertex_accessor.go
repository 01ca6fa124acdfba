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

// VertexAccessor reads and writes one vertex within its accessor's
// transaction.
type VertexAccessor struct {
	vertex   *Vertex
	accessor *Accessor
}

// Gid returns the vertex global id.
func (va *VertexAccessor) Gid() types.Gid {
	return va.vertex.gid
}

// AddLabel attaches a label, reporting false when it was already present.
func (va *VertexAccessor) AddLabel(label types.LabelId) (added bool, err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	if !prepareForWrite(tx, v.loadDelta()) {
		v.mu.Unlock()
		err = ErrSerialization
		return
	}
	if v.deleted {
		v.mu.Unlock()
		err = ErrDeletedObject
		return
	}
	if v.hasLabel(label) {
		v.mu.Unlock()
		return
	}
	d := tx.newDelta(DeltaRemoveLabel)
	d.Label = label
	linkDeltaVertex(v, d)
	v.addLabel(label)
	va.accessor.storage.labelPropertyIndex.UpdateOnAddLabel(label, v, tx)
	v.mu.Unlock()

	va.accessor.storage.labelIndex.UpdateOnAddLabel(label, v, tx)
	added = true
	return
}

// RemoveLabel detaches a label, reporting false when it was not present.
func (va *VertexAccessor) RemoveLabel(label types.LabelId) (removed bool, err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	defer v.mu.Unlock()
	if !prepareForWrite(tx, v.loadDelta()) {
		err = ErrSerialization
		return
	}
	if v.deleted {
		err = ErrDeletedObject
		return
	}
	if !v.hasLabel(label) {
		return
	}
	d := tx.newDelta(DeltaAddLabel)
	d.Label = label
	linkDeltaVertex(v, d)
	v.removeLabel(label)
	removed = true
	return
}

// HasLabel reports label membership at the view.
func (va *VertexAccessor) HasLabel(label types.LabelId, view View) (has bool, err error) {
	var labels []types.LabelId
	if labels, err = va.Labels(view); err != nil {
		return
	}
	for _, l := range labels {
		if l == label {
			has = true
			return
		}
	}
	return
}

// Labels returns the labels visible at the view.
func (va *VertexAccessor) Labels(view View) (labels []types.LabelId, err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	exists := true
	deleted := v.deleted
	labels = append([]types.LabelId(nil), v.labels...)
	head := v.loadDelta()
	v.mu.Unlock()

	applyDeltasForRead(tx, head, view, func(d *Delta) {
		switch d.Action {
		case DeltaAddLabel:
			labels = append(labels, d.Label)
		case DeltaRemoveLabel:
			for i, l := range labels {
				if l == d.Label {
					labels[i] = labels[len(labels)-1]
					labels = labels[:len(labels)-1]
					break
				}
			}
		case DeltaDeleteObject:
			exists = false
		case DeltaRecreateObject:
			deleted = false
		}
	})
	if !exists || deleted {
		labels = nil
		err = ErrNonexistentObject
	}
	return
}

// SetProperty stores a property value; a null value erases the property.
// Storing the already present value is a no-op and appends no delta.
func (va *VertexAccessor) SetProperty(key types.PropertyId, value types.PropertyValue) (err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	if !prepareForWrite(tx, v.loadDelta()) {
		v.mu.Unlock()
		err = ErrSerialization
		return
	}
	if v.deleted {
		v.mu.Unlock()
		err = ErrDeletedObject
		return
	}
	old, had := v.properties[key]
	if !had {
		old = types.NullValue()
	}
	if old.Equal(value) && old.Type() == value.Type() {
		v.mu.Unlock()
		return
	}
	d := tx.newDelta(DeltaSetProperty)
	d.Key = key
	d.Value = old
	linkDeltaVertex(v, d)
	if value.IsNull() {
		delete(v.properties, key)
	} else {
		v.properties[key] = value
	}
	v.mu.Unlock()

	va.accessor.storage.labelPropertyIndex.UpdateOnSetProperty(key, value, v, tx)
	return
}

// GetProperty returns the property value at the view, null when unset.
func (va *VertexAccessor) GetProperty(key types.PropertyId, view View) (value types.PropertyValue, err error) {
	var props map[types.PropertyId]types.PropertyValue
	if props, err = va.Properties(view); err != nil {
		return
	}
	value, ok := props[key]
	if !ok {
		value = types.NullValue()
	}
	return
}

// Properties returns every property visible at the view.
func (va *VertexAccessor) Properties(view View) (props map[types.PropertyId]types.PropertyValue, err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	exists := true
	deleted := v.deleted
	props = make(map[types.PropertyId]types.PropertyValue, len(v.properties))
	for k, val := range v.properties {
		props[k] = val
	}
	head := v.loadDelta()
	v.mu.Unlock()

	applyDeltasForRead(tx, head, view, func(d *Delta) {
		switch d.Action {
		case DeltaSetProperty:
			if d.Value.IsNull() {
				delete(props, d.Key)
			} else {
				props[d.Key] = d.Value
			}
		case DeltaDeleteObject:
			exists = false
		case DeltaRecreateObject:
			deleted = false
		}
	})
	if !exists || deleted {
		props = nil
		err = ErrNonexistentObject
	}
	return
}

// adjacency materializes one adjacency list at the view.
func (va *VertexAccessor) adjacency(view View, out bool) (entries []vertexEdgeEntry, err error) {
	v := va.vertex
	tx := va.accessor.transaction
	v.mu.Lock()
	exists := true
	deleted := v.deleted
	if out {
		entries = append([]vertexEdgeEntry(nil), v.outEdges...)
	} else {
		entries = append([]vertexEdgeEntry(nil), v.inEdges...)
	}
	head := v.loadDelta()
	v.mu.Unlock()

	applyDeltasForRead(tx, head, view, func(d *Delta) {
		entry := vertexEdgeEntry{edgeType: d.EdgeType, vertex: d.VertexHook, edge: d.EdgeHook}
		switch d.Action {
		case DeltaAddOutEdge:
			if out {
				entries = addEdgeEntry(entries, entry)
			}
		case DeltaRemoveOutEdge:
			if out {
				entries = removeEdgeEntry(entries, entry)
			}
		case DeltaAddInEdge:
			if !out {
				entries = addEdgeEntry(entries, entry)
			}
		case DeltaRemoveInEdge:
			if !out {
				entries = removeEdgeEntry(entries, entry)
			}
		case DeltaDeleteObject:
			exists = false
		case DeltaRecreateObject:
			deleted = false
		}
	})
	if !exists || deleted {
		entries = nil
		err = ErrNonexistentObject
	}
	return
}

// OutEdges returns the outgoing edges visible at the view.
func (va *VertexAccessor) OutEdges(view View) (edges []*EdgeAccessor, err error) {
	var entries []vertexEdgeEntry
	if entries, err = va.adjacency(view, true); err != nil {
		return
	}
	for _, entry := range entries {
		edges = append(edges, &EdgeAccessor{
			edge: entry.edge, edgeType: entry.edgeType,
			from: va.vertex, to: entry.vertex, accessor: va.accessor,
		})
	}
	return
}

// InEdges returns the incoming edges visible at the view.
func (va *VertexAccessor) InEdges(view View) (edges []*EdgeAccessor, err error) {
	var entries []vertexEdgeEntry
	if entries, err = va.adjacency(view, false); err != nil {
		return
	}
	for _, entry := range entries {
		edges = append(edges, &EdgeAccessor{
			edge: entry.edge, edgeType: entry.edgeType,
			from: entry.vertex, to: va.vertex, accessor: va.accessor,
		})
	}
	return
}

// OutDegree returns the number of outgoing edges at the view.
func (va *VertexAccessor) OutDegree(view View) (degree int, err error) {
	entries, err := va.adjacency(view, true)
	if err != nil {
		return
	}
	degree = len(entries)
	return
}

// InDegree returns the number of incoming edges at the view.
func (va *VertexAccessor) InDegree(view View) (degree int, err error) {
	entries, err := va.adjacency(view, false)
	if err != nil {
		return
	}
	degree = len(entries)
	return
}
