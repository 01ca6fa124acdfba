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

// EdgeAccessor reads and writes one edge within its accessor's
// transaction.
type EdgeAccessor struct {
	edge     EdgeRef
	edgeType types.EdgeTypeId
	from     *Vertex
	to       *Vertex
	accessor *Accessor
}

// Gid returns the edge global id.
func (ea *EdgeAccessor) Gid() types.Gid {
	return ea.edge.Gid()
}

// EdgeType returns the edge type id.
func (ea *EdgeAccessor) EdgeType() types.EdgeTypeId {
	return ea.edgeType
}

// FromVertex returns the edge source.
func (ea *EdgeAccessor) FromVertex() *VertexAccessor {
	return &VertexAccessor{vertex: ea.from, accessor: ea.accessor}
}

// ToVertex returns the edge target.
func (ea *EdgeAccessor) ToVertex() *VertexAccessor {
	return &VertexAccessor{vertex: ea.to, accessor: ea.accessor}
}

// SetProperty stores a property value on the edge; a null value erases
// the property. Requires properties on edges to be enabled.
func (ea *EdgeAccessor) SetProperty(key types.PropertyId, value types.PropertyValue) (err error) {
	e := ea.edge.Ptr()
	if e == nil {
		return ErrEdgePropertiesDisabled
	}
	tx := ea.accessor.transaction
	e.mu.Lock()
	defer e.mu.Unlock()
	if !prepareForWrite(tx, e.loadDelta()) {
		err = ErrSerialization
		return
	}
	if e.deleted {
		err = ErrDeletedObject
		return
	}
	old, had := e.properties[key]
	if !had {
		old = types.NullValue()
	}
	if old.Equal(value) && old.Type() == value.Type() {
		return
	}
	d := tx.newDelta(DeltaSetProperty)
	d.Key = key
	d.Value = old
	linkDeltaEdge(e, d)
	if value.IsNull() {
		delete(e.properties, key)
	} else {
		e.properties[key] = value
	}
	return
}

// GetProperty returns the edge property value at the view, null when
// unset.
func (ea *EdgeAccessor) GetProperty(key types.PropertyId, view View) (value types.PropertyValue, err error) {
	var props map[types.PropertyId]types.PropertyValue
	if props, err = ea.Properties(view); err != nil {
		return
	}
	value, ok := props[key]
	if !ok {
		value = types.NullValue()
	}
	return
}

// Properties returns every edge property visible at the view.
func (ea *EdgeAccessor) Properties(view View) (props map[types.PropertyId]types.PropertyValue, err error) {
	e := ea.edge.Ptr()
	if e == nil {
		err = ErrEdgePropertiesDisabled
		return
	}
	tx := ea.accessor.transaction
	e.mu.Lock()
	exists := true
	deleted := e.deleted
	props = make(map[types.PropertyId]types.PropertyValue, len(e.properties))
	for k, v := range e.properties {
		props[k] = v
	}
	head := e.loadDelta()
	e.mu.Unlock()

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
