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

package types

// Gid is the global id uniquely naming each vertex and edge within a
// database instance. Gids are allocated monotonically and never recycled.
type Gid uint64

// AsUint returns the raw uint64 form of the gid.
func (g Gid) AsUint() uint64 {
	return uint64(g)
}

// GidFromUint wraps a raw uint64 into a Gid.
func GidFromUint(v uint64) Gid {
	return Gid(v)
}

// LabelId names a vertex label registered in the name id mapper.
type LabelId uint64

// AsUint returns the raw uint64 form of the label id.
func (i LabelId) AsUint() uint64 {
	return uint64(i)
}

// LabelIdFromUint wraps a raw uint64 into a LabelId.
func LabelIdFromUint(v uint64) LabelId {
	return LabelId(v)
}

// PropertyId names a property key registered in the name id mapper.
type PropertyId uint64

// AsUint returns the raw uint64 form of the property id.
func (i PropertyId) AsUint() uint64 {
	return uint64(i)
}

// PropertyIdFromUint wraps a raw uint64 into a PropertyId.
func PropertyIdFromUint(v uint64) PropertyId {
	return PropertyId(v)
}

// EdgeTypeId names an edge type registered in the name id mapper.
type EdgeTypeId uint64

// AsUint returns the raw uint64 form of the edge type id.
func (i EdgeTypeId) AsUint() uint64 {
	return uint64(i)
}

// EdgeTypeIdFromUint wraps a raw uint64 into an EdgeTypeId.
func EdgeTypeIdFromUint(v uint64) EdgeTypeId {
	return EdgeTypeId(v)
}
