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

// OldestActiveStartTimestamp is the GC watermark: the minimum start
// timestamp across active transactions, or the timestamp counter when the
// active set is empty. No delta with a commit timestamp below it is
// reachable by any current or future reader.
func (s *Storage) OldestActiveStartTimestamp() uint64 {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return s.oldestActiveLocked()
}

func (s *Storage) oldestActiveLocked() (oldest uint64) {
	oldest = s.timestamp
	for _, startTs := range s.activeTransactions {
		if startTs < oldest {
			oldest = startTs
		}
	}
	return
}

// CollectGarbage walks committed transactions in commit order, unlinks
// delta chains no reader can walk anymore, removes tombstoned objects
// from the containers and prunes stale index entries. Readers are never
// blocked: truncation publishes nil links that walkers tolerate, and the
// runtime reclaims detached deltas once the last walker drops them.
func (s *Storage) CollectGarbage() {
	s.engineMu.Lock()
	oldest := s.oldestActiveLocked()
	cut := 0
	for cut < len(s.committedTransactions) &&
		s.committedTransactions[cut].commitTimestamp.Load() < oldest {
		cut++
	}
	collect := s.committedTransactions[:cut]
	s.committedTransactions = append(
		[]*Transaction(nil), s.committedTransactions[cut:]...)
	s.engineMu.Unlock()

	for _, tx := range collect {
		for _, d := range tx.deltas {
			s.collectDelta(tx, d)
		}
		tx.deltas = nil
	}

	s.sweepDeletedObjects()
	s.labelIndex.RemoveObsoleteEntries(oldest)
	s.labelPropertyIndex.RemoveObsoleteEntries(oldest)
}

// collectDelta detaches one delta of a collectable transaction from its
// chain. The prev reference is revalidated under the owner lock because a
// concurrent writer may prepend to the chain between the read and the
// lock.
func (s *Storage) collectDelta(tx *Transaction, d *Delta) {
	for {
		prev := d.Prev.Get()
		switch prev.Type {
		case PreviousVertex:
			v := prev.Vertex
			v.mu.Lock()
			if v.loadDelta() != d {
				v.mu.Unlock()
				continue
			}
			// d heads the chain and its timestamp is below the watermark,
			// so the whole chain is invisible; every reader sees the
			// materialized head state.
			v.storeDelta(nil)
			if v.deleted {
				s.queueDeletedVertexLocked(v)
			}
			v.mu.Unlock()
			return
		case PreviousEdge:
			e := prev.Edge
			e.mu.Lock()
			if e.loadDelta() != d {
				e.mu.Unlock()
				continue
			}
			e.storeDelta(nil)
			if e.deleted {
				s.queueDeletedEdgeLocked(e)
			}
			e.mu.Unlock()
			return
		case PreviousDelta:
			if prev.Delta.Timestamp == tx.commitTimestamp {
				// The newer delta belongs to the same transaction; the
				// whole run is detached when its head is processed.
				return
			}
			// The newer delta belongs to a transaction above the
			// watermark: truncate the chain right below it.
			vertex, edge := resolveDeltaOwner(prev.Delta)
			switch {
			case vertex != nil:
				vertex.mu.Lock()
				if prev.Delta.Next() == d {
					prev.Delta.StoreNext(nil)
				}
				vertex.mu.Unlock()
			case edge != nil:
				edge.mu.Lock()
				if prev.Delta.Next() == d {
					prev.Delta.StoreNext(nil)
				}
				edge.mu.Unlock()
			}
			return
		default:
			return
		}
	}
}

// sweepDeletedObjects removes tombstoned objects whose chains are gone
// from the containers. Objects still carrying a chain are kept for the
// next pass.
func (s *Storage) sweepDeletedObjects() {
	s.gcMu.Lock()
	queuedVertices := s.gcDeletedVertices
	queuedEdges := s.gcDeletedEdges
	s.gcDeletedVertices = nil
	s.gcDeletedEdges = nil
	s.gcMu.Unlock()

	var keepVertices []*Vertex
	for _, v := range queuedVertices {
		v.mu.Lock()
		deleted := v.deleted
		chainGone := v.loadDelta() == nil
		v.mu.Unlock()
		if !deleted {
			// The deleting transaction aborted; the vertex is live again.
			continue
		}
		if !chainGone {
			keepVertices = append(keepVertices, v)
			continue
		}
		s.vertexMu.Lock()
		delete(s.vertices, v.gid)
		s.vertexMu.Unlock()
	}

	var keepEdges []*Edge
	for _, e := range queuedEdges {
		e.mu.Lock()
		deleted := e.deleted
		chainGone := e.loadDelta() == nil
		e.mu.Unlock()
		if !deleted {
			continue
		}
		if !chainGone {
			keepEdges = append(keepEdges, e)
			continue
		}
		s.edgeMu.Lock()
		delete(s.edges, e.gid)
		s.edgeMu.Unlock()
	}

	if len(keepVertices) > 0 || len(keepEdges) > 0 {
		s.gcMu.Lock()
		s.gcDeletedVertices = append(s.gcDeletedVertices, keepVertices...)
		s.gcDeletedEdges = append(s.gcDeletedEdges, keepEdges...)
		s.gcMu.Unlock()
	}
}
