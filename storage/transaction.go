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

// transactionInitialID offsets transaction ids away from commit
// timestamps: a loaded timestamp cell holds a transaction id iff it is at
// least this value, a commit timestamp otherwise.
const transactionInitialID = uint64(1) << 63

// View selects which database state reads observe.
type View uint8

// Views.
const (
	// ViewOld reads the transaction's start snapshot plus its own writes
	// from earlier commands.
	ViewOld View = iota
	// ViewNew additionally includes the transaction's own writes from the
	// current command.
	ViewNew
)

type transactionState uint8

const (
	txActive transactionState = iota
	txCommitted
	txAborted
)

// Transaction tracks one accessor's lifetime: its id, start snapshot,
// command counter and the deltas it created.
type Transaction struct {
	id             uint64
	startTimestamp uint64
	commandID      uint64

	// commitTimestamp initially holds the transaction id; commit stores
	// the allocated commit timestamp into it.
	commitTimestamp *Timestamp

	deltas []*Delta
	state  transactionState

	// forcedCommitTimestamp replays a replicated or recovered transaction
	// at its original commit timestamp instead of allocating a fresh one.
	forcedCommitTimestamp uint64
}

func newTransaction(id, startTimestamp uint64) *Transaction {
	return &Transaction{
		id:              id,
		startTimestamp:  startTimestamp,
		commitTimestamp: NewTimestamp(id),
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 {
	return t.id
}

// StartTimestamp returns the snapshot the transaction reads at.
func (t *Transaction) StartTimestamp() uint64 {
	return t.startTimestamp
}

// CommandID returns the current sub-transaction ordinal.
func (t *Transaction) CommandID() uint64 {
	return t.commandID
}
