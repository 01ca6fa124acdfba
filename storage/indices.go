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

	"github.com/huandu/skiplist"

	"github.com/CovenantGraph/CovenantGraph/types"
)

// Index lock ordering: an object lock may be taken before an index lock,
// never the other way around. Index creation installs the empty skip list
// first so concurrent writers flow their updates in while the backfill
// scan runs; garbage collection judges entries against object state
// outside the index lock and revalidates timestamps before removal.

// labelIndexEntry is one label index row. The timestamp is the inserting
// transaction's start timestamp; scans re-validate against the reading
// transaction's snapshot, the timestamp only gates garbage collection.
type labelIndexEntry struct {
	vertex *Vertex
	ts     uint64
}

// LabelIndex indexes vertices by label on one skip list per label.
type LabelIndex struct {
	mu      sync.RWMutex
	indices map[types.LabelId]*skiplist.SkipList
}

// NewLabelIndex returns an empty label index.
func NewLabelIndex() *LabelIndex {
	return &LabelIndex{indices: make(map[types.LabelId]*skiplist.SkipList)}
}

// CreateIndex builds the index for label, backfilling it from the given
// vertices. It reports false when the index already exists.
func (i *LabelIndex) CreateIndex(label types.LabelId, vertices []*Vertex) bool {
	i.mu.Lock()
	if _, exists := i.indices[label]; exists {
		i.mu.Unlock()
		return false
	}
	list := skiplist.New(skiplist.Uint64)
	i.indices[label] = list
	i.mu.Unlock()

	for _, v := range vertices {
		v.mu.Lock()
		matches := !v.deleted && v.hasLabel(label)
		v.mu.Unlock()
		if matches {
			i.mu.Lock()
			list.Set(v.gid.AsUint(), &labelIndexEntry{vertex: v})
			i.mu.Unlock()
		}
	}
	return true
}

// DropIndex removes the index for label, reporting whether it existed.
func (i *LabelIndex) DropIndex(label types.LabelId) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.indices[label]; !exists {
		return false
	}
	delete(i.indices, label)
	return true
}

// HasIndex reports whether label is indexed.
func (i *LabelIndex) HasIndex(label types.LabelId) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, exists := i.indices[label]
	return exists
}

// ListIndices returns the indexed labels sorted ascending.
func (i *LabelIndex) ListIndices() (labels []types.LabelId) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for label := range i.indices {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(a, b int) bool { return labels[a] < labels[b] })
	return
}

// UpdateOnAddLabel inserts the vertex into the label's index if one
// exists.
func (i *LabelIndex) UpdateOnAddLabel(label types.LabelId, v *Vertex, tx *Transaction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	list, exists := i.indices[label]
	if !exists {
		return
	}
	list.Set(v.gid.AsUint(), &labelIndexEntry{vertex: v, ts: tx.startTimestamp})
}

// Entries snapshots the index rows for label in gid order.
func (i *LabelIndex) Entries(label types.LabelId) (entries []*labelIndexEntry) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	list, exists := i.indices[label]
	if !exists {
		return
	}
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*labelIndexEntry))
	}
	return
}

// RemoveObsoleteEntries drops rows no active or future reader can match.
// A row is judged only once its object's delta chain is fully collected,
// so the head state is the only version left. Rows refreshed concurrently
// carry a timestamp at or above the watermark and survive the revalidation.
func (i *LabelIndex) RemoveObsoleteEntries(oldestActive uint64) {
	type judged struct {
		label types.LabelId
		gid   uint64
	}

	i.mu.RLock()
	candidates := make(map[judged]*labelIndexEntry)
	for label, list := range i.indices {
		for elem := list.Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*labelIndexEntry)
			if entry.ts < oldestActive {
				candidates[judged{label: label, gid: entry.vertex.gid.AsUint()}] = entry
			}
		}
	}
	i.mu.RUnlock()

	var drop []judged
	for key, entry := range candidates {
		v := entry.vertex
		v.mu.Lock()
		obsolete := v.loadDelta() == nil && (v.deleted || !v.hasLabel(key.label))
		v.mu.Unlock()
		if obsolete {
			drop = append(drop, key)
		}
	}
	if len(drop) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, key := range drop {
		list, exists := i.indices[key.label]
		if !exists {
			continue
		}
		if elem := list.Get(key.gid); elem != nil {
			if elem.Value.(*labelIndexEntry).ts < oldestActive {
				list.Remove(key.gid)
			}
		}
	}
}

// labelPropertyKey identifies one label+property index.
type labelPropertyKey struct {
	label    types.LabelId
	property types.PropertyId
}

// lpEntryKey orders label+property index rows by the property value total
// order, with the gid as tie breaker.
type lpEntryKey struct {
	value types.PropertyValue
	gid   uint64
}

// lpIndexEntry is one label+property index row.
type lpIndexEntry struct {
	vertex *Vertex
	value  types.PropertyValue
	ts     uint64
}

func newLabelPropertySkipList() *skiplist.SkipList {
	return skiplist.New(skiplist.GreaterThanFunc(func(k1, k2 interface{}) int {
		a, b := k1.(lpEntryKey), k2.(lpEntryKey)
		if c := a.value.Compare(b.value); c != 0 {
			return c
		}
		switch {
		case a.gid < b.gid:
			return -1
		case a.gid > b.gid:
			return 1
		default:
			return 0
		}
	}))
}

// LabelPropertyIndex indexes vertices by (label, property value) pairs.
type LabelPropertyIndex struct {
	mu      sync.RWMutex
	indices map[labelPropertyKey]*skiplist.SkipList
}

// NewLabelPropertyIndex returns an empty label+property index.
func NewLabelPropertyIndex() *LabelPropertyIndex {
	return &LabelPropertyIndex{indices: make(map[labelPropertyKey]*skiplist.SkipList)}
}

// CreateIndex builds the index for (label, property), backfilling it from
// the given vertices. It reports false when the index already exists.
func (i *LabelPropertyIndex) CreateIndex(
	label types.LabelId, property types.PropertyId, vertices []*Vertex) bool {
	key := labelPropertyKey{label: label, property: property}
	i.mu.Lock()
	if _, exists := i.indices[key]; exists {
		i.mu.Unlock()
		return false
	}
	list := newLabelPropertySkipList()
	i.indices[key] = list
	i.mu.Unlock()

	for _, v := range vertices {
		v.mu.Lock()
		value, has := v.properties[property]
		matches := !v.deleted && has && v.hasLabel(label)
		v.mu.Unlock()
		if matches {
			i.mu.Lock()
			list.Set(lpEntryKey{value: value, gid: v.gid.AsUint()},
				&lpIndexEntry{vertex: v, value: value})
			i.mu.Unlock()
		}
	}
	return true
}

// DropIndex removes the (label, property) index, reporting whether it
// existed.
func (i *LabelPropertyIndex) DropIndex(label types.LabelId, property types.PropertyId) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := labelPropertyKey{label: label, property: property}
	if _, exists := i.indices[key]; !exists {
		return false
	}
	delete(i.indices, key)
	return true
}

// HasIndex reports whether (label, property) is indexed.
func (i *LabelPropertyIndex) HasIndex(label types.LabelId, property types.PropertyId) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, exists := i.indices[labelPropertyKey{label: label, property: property}]
	return exists
}

// ListIndices returns the indexed pairs ordered by label then property.
func (i *LabelPropertyIndex) ListIndices() (pairs []labelPropertyKey) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for key := range i.indices {
		pairs = append(pairs, key)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].label != pairs[b].label {
			return pairs[a].label < pairs[b].label
		}
		return pairs[a].property < pairs[b].property
	})
	return
}

// UpdateOnAddLabel inserts the vertex into every (label, *) index whose
// property the vertex currently has. The caller holds the vertex lock.
func (i *LabelPropertyIndex) UpdateOnAddLabel(label types.LabelId, v *Vertex, tx *Transaction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for key, list := range i.indices {
		if key.label != label {
			continue
		}
		if value, has := v.properties[key.property]; has {
			list.Set(lpEntryKey{value: value, gid: v.gid.AsUint()},
				&lpIndexEntry{vertex: v, value: value, ts: tx.startTimestamp})
		}
	}
}

// UpdateOnSetProperty inserts the vertex into every (*, property) index.
// Scans re-check the label so no label filter is applied here.
func (i *LabelPropertyIndex) UpdateOnSetProperty(
	property types.PropertyId, value types.PropertyValue, v *Vertex, tx *Transaction) {
	if value.IsNull() {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for key, list := range i.indices {
		if key.property != property {
			continue
		}
		list.Set(lpEntryKey{value: value, gid: v.gid.AsUint()},
			&lpIndexEntry{vertex: v, value: value, ts: tx.startTimestamp})
	}
}

// Entries snapshots the rows of the (label, property) index in value
// order.
func (i *LabelPropertyIndex) Entries(
	label types.LabelId, property types.PropertyId) (entries []*lpIndexEntry) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	list, exists := i.indices[labelPropertyKey{label: label, property: property}]
	if !exists {
		return
	}
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*lpIndexEntry))
	}
	return
}

// RemoveObsoleteEntries drops rows no active or future reader can match.
func (i *LabelPropertyIndex) RemoveObsoleteEntries(oldestActive uint64) {
	type judged struct {
		key      labelPropertyKey
		entryKey lpEntryKey
	}

	i.mu.RLock()
	var candidates []judged
	entriesByIdx := make(map[int]*lpIndexEntry)
	for key, list := range i.indices {
		for elem := list.Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*lpIndexEntry)
			if entry.ts < oldestActive {
				candidates = append(candidates, judged{
					key:      key,
					entryKey: lpEntryKey{value: entry.value, gid: entry.vertex.gid.AsUint()},
				})
				entriesByIdx[len(candidates)-1] = entry
			}
		}
	}
	i.mu.RUnlock()

	var drop []judged
	for idx, cand := range candidates {
		entry := entriesByIdx[idx]
		v := entry.vertex
		v.mu.Lock()
		current, has := v.properties[cand.key.property]
		obsolete := v.loadDelta() == nil &&
			(v.deleted || !v.hasLabel(cand.key.label) || !has || !current.Equal(entry.value))
		v.mu.Unlock()
		if obsolete {
			drop = append(drop, cand)
		}
	}
	if len(drop) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, cand := range drop {
		list, exists := i.indices[cand.key]
		if !exists {
			continue
		}
		if elem := list.Get(cand.entryKey); elem != nil {
			if elem.Value.(*lpIndexEntry).ts < oldestActive {
				list.Remove(cand.entryKey)
			}
		}
	}
}
