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

package durability

import (
	"errors"
)

var (
	// ErrInvalidMagic indicates a durability file does not start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("durability: invalid file magic")
	// ErrUnsupportedVersion indicates a durability file was written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("durability: unsupported format version")
	// ErrChecksumMismatch indicates snapshot data does not match its crc.
	ErrChecksumMismatch = errors.New("durability: checksum mismatch")
	// ErrInvalidRecord indicates a malformed WAL or snapshot record.
	ErrInvalidRecord = errors.New("durability: invalid record")
	// ErrWalGap indicates the WAL chain has non-contiguous sequence numbers.
	ErrWalGap = errors.New("durability: gap in wal chain")
	// ErrNoDurabilityFiles indicates recovery found nothing to recover from.
	ErrNoDurabilityFiles = errors.New("durability: no snapshot or wal files found")
	// ErrWalFinalized indicates an append on an already finalized wal file.
	ErrWalFinalized = errors.New("durability: wal file already finalized")
)
