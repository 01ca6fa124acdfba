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

// prepareForWrite checks whether the transaction may modify the object
// whose chain head is head. Writable iff the head delta belongs to this
// transaction or is committed before its start snapshot; anything else is
// a conflicting writer and surfaces as a serialization error.
func prepareForWrite(tx *Transaction, head *Delta) bool {
	if head == nil {
		return true
	}
	ts := head.Timestamp.Load()
	return ts == tx.id || ts < tx.startTimestamp
}

// newDelta allocates a delta owned by the transaction.
func (t *Transaction) newDelta(action DeltaAction) (d *Delta) {
	d = &Delta{
		Action:    action,
		Timestamp: t.commitTimestamp,
		CommandID: t.commandID,
	}
	t.deltas = append(t.deltas, d)
	return
}

// linkDeltaVertex prepends d to the vertex chain. The caller holds the
// vertex lock and has passed prepareForWrite.
func linkDeltaVertex(v *Vertex, d *Delta) {
	d.Prev.SetVertex(v)
	old := v.loadDelta()
	d.StoreNext(old)
	if old != nil {
		old.Prev.SetDelta(d)
	}
	v.storeDelta(d)
}

// linkDeltaEdge prepends d to the edge chain. The caller holds the edge
// lock and has passed prepareForWrite.
func linkDeltaEdge(e *Edge, d *Delta) {
	d.Prev.SetEdge(e)
	old := e.loadDelta()
	d.StoreNext(old)
	if old != nil {
		old.Prev.SetDelta(d)
	}
	e.storeDelta(d)
}

// applyDeltasForRead walks the chain from head applying every delta that
// must be undone to materialize the state the transaction sees at the
// given view. The walk stops at the first delta already visible: a commit
// older than the start snapshot, or the transaction's own change from the
// current command (ViewNew) or an earlier one (ViewOld).
func applyDeltasForRead(tx *Transaction, head *Delta, view View, apply func(*Delta)) {
	for d := head; d != nil; d = d.Next() {
		ts := d.Timestamp.Load()
		cid := d.CommandID

		if ts < tx.startTimestamp {
			break
		}
		if ts == tx.id {
			if view == ViewNew && cid <= tx.commandID {
				break
			}
			if view == ViewOld && cid < tx.commandID {
				break
			}
		}
		apply(d)
	}
}

// resolveDeltaOwner follows Prev links up to the object heading the chain
// the delta currently belongs to.
func resolveDeltaOwner(d *Delta) (vertex *Vertex, edge *Edge) {
	cur := d
	for {
		prev := cur.Prev.Get()
		switch prev.Type {
		case PreviousDelta:
			cur = prev.Delta
		case PreviousVertex:
			vertex = prev.Vertex
			return
		case PreviousEdge:
			edge = prev.Edge
			return
		default:
			return
		}
	}
}
