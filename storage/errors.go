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
)

var (
	// ErrSerialization indicates a write conflict with a newer committed
	// version; the transaction must be retried.
	ErrSerialization = errors.New("storage: serialization conflict")
	// ErrVertexHasEdges indicates DeleteVertex on a vertex that still has
	// edges; use DetachDeleteVertex instead.
	ErrVertexHasEdges = errors.New("storage: vertex has edges")
	// ErrNonexistentObject indicates an operation on an object the
	// transaction cannot see.
	ErrNonexistentObject = errors.New("storage: nonexistent object")
	// ErrDeletedObject indicates a write on an object deleted by the same
	// transaction.
	ErrDeletedObject = errors.New("storage: deleted object")
	// ErrEdgePropertiesDisabled indicates property access on edges while
	// the storage is configured without edge properties.
	ErrEdgePropertiesDisabled = errors.New("storage: properties on edges are disabled")
	// ErrTransactionFinished indicates an operation on an accessor whose
	// transaction already committed or aborted.
	ErrTransactionFinished = errors.New("storage: transaction already finished")
	// ErrReplicaNameTaken indicates a replica registration under a name
	// that is already in use.
	ErrReplicaNameTaken = errors.New("storage: replica name already registered")
)
