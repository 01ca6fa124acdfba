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
	"sort"
	"sync"

	"github.com/CovenantGraph/CovenantGraph/storage/durability"
)

// NameIdMapper is the append-only bidirectional registry of label,
// property and edge type names. Ids are dense and never reused.
type NameIdMapper struct {
	mu       sync.RWMutex
	nameToID map[string]uint64
	idToName map[uint64]string
	nextID   uint64
}

// NewNameIdMapper returns an empty mapper.
func NewNameIdMapper() *NameIdMapper {
	return &NameIdMapper{
		nameToID: make(map[string]uint64),
		idToName: make(map[uint64]string),
	}
}

// NameToId returns the id of name, registering it on first use.
func (m *NameIdMapper) NameToId(name string) uint64 {
	m.mu.RLock()
	id, ok := m.nameToID[name]
	m.mu.RUnlock()
	if ok {
		return id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok = m.nameToID[name]; ok {
		return id
	}
	id = m.nextID
	m.nextID++
	m.nameToID[name] = id
	m.idToName[id] = name
	return id
}

// IdToName resolves an id back to its name.
func (m *NameIdMapper) IdToName(id uint64) (name string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok = m.idToName[id]
	return
}

// Entries dumps the mapping sorted by id, for snapshots.
func (m *NameIdMapper) Entries() (entries []durability.MapperEntry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries = make([]durability.MapperEntry, 0, len(m.idToName))
	for id, name := range m.idToName {
		entries = append(entries, durability.MapperEntry{ID: uint32(id), Name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return
}

// SetEntries replaces the mapping, used when loading a snapshot.
func (m *NameIdMapper) SetEntries(entries []durability.MapperEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameToID = make(map[string]uint64, len(entries))
	m.idToName = make(map[uint64]string, len(entries))
	m.nextID = 0
	for _, entry := range entries {
		id := uint64(entry.ID)
		m.nameToID[entry.Name] = id
		m.idToName[id] = entry.Name
		if id >= m.nextID {
			m.nextID = id + 1
		}
	}
}
