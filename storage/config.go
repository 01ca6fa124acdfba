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
	"time"
)

// GcType selects the garbage collection strategy.
type GcType uint8

// Known GC strategies.
const (
	// GcNone disables automatic collection; CollectGarbage may still be
	// called manually.
	GcNone GcType = iota
	// GcPeriodic runs the collector on a fixed interval.
	GcPeriodic
)

// GcConfig configures the garbage collector.
type GcConfig struct {
	Type     GcType
	Interval time.Duration
}

// ItemsConfig configures stored item behavior.
type ItemsConfig struct {
	// PropertiesOnEdges allocates edge objects able to carry properties.
	// When disabled edges exist only as adjacency entries.
	PropertiesOnEdges bool
}

// DurabilityConfig configures snapshots and the WAL. Durability is active
// only when both directories are set.
type DurabilityConfig struct {
	SnapshotDirectory string
	WalDirectory      string

	// RecoverOnStartup replays the durability directories into the fresh
	// instance before it accepts transactions.
	RecoverOnStartup bool

	// SnapshotInterval triggers periodic snapshots when positive.
	SnapshotInterval time.Duration
	// SnapshotRetentionCount bounds how many snapshots are kept.
	SnapshotRetentionCount int

	// WalFileSizeKB triggers segment rollover once exceeded.
	WalFileSizeKB uint64
	// WalFileFlushEveryNTx batches this many committed transactions per
	// flush.
	WalFileFlushEveryNTx int
}

// Config is the storage instance configuration.
type Config struct {
	Gc         GcConfig
	Items      ItemsConfig
	Durability DurabilityConfig
}

// DefaultConfig returns the recommended configuration. NewStorage takes
// from it only the snapshot retention, WAL segment size, WAL flush batching
// and, when periodic GC is selected, the GC interval for fields left zero;
// a zero GC type means no GC and a zero Items means no edge properties.
func DefaultConfig() Config {
	return Config{
		Gc: GcConfig{
			Type:     GcPeriodic,
			Interval: time.Second,
		},
		Items: ItemsConfig{
			PropertiesOnEdges: true,
		},
		Durability: DurabilityConfig{
			SnapshotRetentionCount: 3,
			WalFileSizeKB:          20 * 1024,
			WalFileFlushEveryNTx:   1,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Durability.SnapshotRetentionCount <= 0 {
		c.Durability.SnapshotRetentionCount = def.Durability.SnapshotRetentionCount
	}
	if c.Durability.WalFileSizeKB == 0 {
		c.Durability.WalFileSizeKB = def.Durability.WalFileSizeKB
	}
	if c.Durability.WalFileFlushEveryNTx <= 0 {
		c.Durability.WalFileFlushEveryNTx = def.Durability.WalFileFlushEveryNTx
	}
	if c.Gc.Type == GcPeriodic && c.Gc.Interval <= 0 {
		c.Gc.Interval = def.Gc.Interval
	}
}

func (c *Config) durabilityEnabled() bool {
	return c.Durability.SnapshotDirectory != "" && c.Durability.WalDirectory != ""
}
