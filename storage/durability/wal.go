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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var walMagic = []byte("MGwl")

const walVersion uint32 = 1

// Fixed header offsets so from/to/count can be patched in place when the
// segment is finalized.
const (
	walOffsetSeqNum  = 8
	walOffsetFrom    = 16
	walOffsetTo      = 24
	walOffsetCount   = 32
	walHeaderFixedSz = 40
)

// WalFile is an append-only WAL segment writer. Appends buffer in memory;
// Flush moves the buffer to disk and syncs. Exactly one flusher is assumed.
type WalFile struct {
	mu sync.Mutex

	path    string
	file    *os.File
	uuid    string
	epochID string
	seqNum  uint64

	from  uint64
	to    uint64
	count uint64

	buffer        bytes.Buffer
	flushedSize   uint64
	flushDisabled bool
	finalized     bool
}

// WalFileName builds the on-disk name of a WAL segment.
func WalFileName(uuid string, seqNum uint64) string {
	return fmt.Sprintf("wal_%s_%020d", uuid, seqNum)
}

// ParseWalFileName extracts the uuid and sequence number from a WAL file
// name, reporting ok=false for foreign files.
func ParseWalFileName(name string) (uuid string, seqNum uint64, ok bool) {
	if !strings.HasPrefix(name, "wal_") {
		return
	}
	rest := name[len("wal_"):]
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return
	}
	var err error
	if seqNum, err = strconv.ParseUint(rest[idx+1:], 10, 64); err != nil {
		return
	}
	uuid = rest[:idx]
	ok = true
	return
}

// NewWalFile creates a fresh WAL segment in dir and writes its header.
func NewWalFile(dir, uuid, epochID string, seqNum uint64) (w *WalFile, err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		err = errors.Wrap(err, "create wal directory")
		return
	}
	path := filepath.Join(dir, WalFileName(uuid, seqNum))
	var file *os.File
	if file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644); err != nil {
		err = errors.Wrap(err, "create wal file")
		return
	}
	w = &WalFile{
		path:    path,
		file:    file,
		uuid:    uuid,
		epochID: epochID,
		seqNum:  seqNum,
	}
	var header bytes.Buffer
	header.Write(walMagic)
	writeUint32(&header, walVersion)
	writeUint64(&header, seqNum)
	writeUint64(&header, 0) // from_timestamp, patched on finalize
	writeUint64(&header, 0) // to_timestamp, patched on finalize
	writeUint64(&header, 0) // entry count, patched on finalize
	writeString(&header, uuid)
	writeString(&header, epochID)
	if _, err = file.Write(header.Bytes()); err != nil {
		file.Close()
		os.Remove(path)
		err = errors.Wrap(err, "write wal header")
		return
	}
	w.flushedSize = uint64(header.Len())
	return
}

// Path returns the segment's file path.
func (w *WalFile) Path() string {
	return w.path
}

// SequenceNumber returns the segment's sequence number.
func (w *WalFile) SequenceNumber() uint64 {
	return w.seqNum
}

// FromTimestamp returns the lowest entry timestamp appended so far.
func (w *WalFile) FromTimestamp() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.from
}

// ToTimestamp returns the highest entry timestamp appended so far.
func (w *WalFile) ToTimestamp() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.to
}

// Size returns flushed plus buffered bytes.
func (w *WalFile) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushedSize + uint64(w.buffer.Len())
}

// AppendRecord buffers one entry.
func (w *WalFile) AppendRecord(rec *Record) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrWalFinalized
	}
	if err = EncodeRecord(&w.buffer, rec); err != nil {
		return
	}
	if w.count == 0 || rec.Timestamp < w.from {
		w.from = rec.Timestamp
	}
	if rec.Timestamp > w.to {
		w.to = rec.Timestamp
	}
	w.count++
	return
}

// Flush writes the buffered entries to disk and syncs the file. While
// flushing is disabled the buffer keeps growing and Flush is a no-op.
func (w *WalFile) Flush() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WalFile) flushLocked() (err error) {
	if w.flushDisabled || w.buffer.Len() == 0 {
		return
	}
	var n int
	if n, err = w.file.Write(w.buffer.Bytes()); err != nil {
		err = errors.Wrap(err, "flush wal buffer")
		return
	}
	w.flushedSize += uint64(n)
	w.buffer.Reset()
	err = w.file.Sync()
	return
}

// DisableFlushing freezes the on-disk portion of the segment so it can be
// streamed to a replica while commits keep buffering.
func (w *WalFile) DisableFlushing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushDisabled = true
}

// EnableFlushing resumes flushing and drains the accumulated buffer.
func (w *WalFile) EnableFlushing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushDisabled = false
	if err := w.flushLocked(); err != nil {
		// Data stays buffered, the next flush retries.
		return
	}
}

// CurrentFileBuffer returns a copy of the not yet flushed tail together
// with the flushed on-disk size.
func (w *WalFile) CurrentFileBuffer() (buf []byte, flushedSize uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf = append([]byte(nil), w.buffer.Bytes()...)
	flushedSize = w.flushedSize
	return
}

// Finalize flushes outstanding entries, patches from/to/count into the
// header and closes the file. A finalized segment is immutable.
func (w *WalFile) Finalize() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return
	}
	w.flushDisabled = false
	if err = w.flushLocked(); err != nil {
		return
	}
	var patch [8]byte
	for _, field := range []struct {
		offset int64
		value  uint64
	}{
		{walOffsetFrom, w.from},
		{walOffsetTo, w.to},
		{walOffsetCount, w.count},
	} {
		binary.LittleEndian.PutUint64(patch[:], field.value)
		if _, err = w.file.WriteAt(patch[:], field.offset); err != nil {
			err = errors.Wrap(err, "patch wal header")
			return
		}
	}
	if err = w.file.Sync(); err != nil {
		return
	}
	err = w.file.Close()
	w.finalized = true
	return
}

// Close abandons the writer without finalizing, keeping the file as a
// current (to_timestamp=0) segment for recovery.
func (w *WalFile) Close() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return
	}
	w.flushDisabled = false
	if err = w.flushLocked(); err != nil {
		return
	}
	err = w.file.Close()
	w.finalized = true
	return
}

// WalInfo is the decoded header of a WAL segment.
type WalInfo struct {
	Path          string
	UUID          string
	EpochID       string
	SeqNum        uint64
	FromTimestamp uint64
	ToTimestamp   uint64
	Count         uint64
}

func readWalHeader(f io.Reader) (info WalInfo, err error) {
	magic := make([]byte, 4)
	if _, err = io.ReadFull(f, magic); err != nil {
		return
	}
	if !bytes.Equal(magic, walMagic) {
		err = ErrInvalidMagic
		return
	}
	var version uint32
	if version, err = readUint32(f); err != nil {
		return
	}
	if version != walVersion {
		err = ErrUnsupportedVersion
		return
	}
	if info.SeqNum, err = readUint64(f); err != nil {
		return
	}
	if info.FromTimestamp, err = readUint64(f); err != nil {
		return
	}
	if info.ToTimestamp, err = readUint64(f); err != nil {
		return
	}
	if info.Count, err = readUint64(f); err != nil {
		return
	}
	if info.UUID, err = readString(f); err != nil {
		return
	}
	info.EpochID, err = readString(f)
	return
}

// ReadWalInfo reads just the header of a WAL segment.
func ReadWalInfo(path string) (info WalInfo, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	if info, err = readWalHeader(f); err != nil {
		return
	}
	info.Path = path
	return
}

// ReadWalRecords reads the header and every complete entry of a WAL
// segment. A torn trailing entry of a non-finalized segment is dropped.
func ReadWalRecords(path string) (info WalInfo, records []*Record, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	if info, err = readWalHeader(f); err != nil {
		return
	}
	info.Path = path
	for {
		var rec *Record
		if rec, err = DecodeRecord(f); err != nil {
			if err == io.EOF {
				err = nil
			} else if errors.Cause(err) == io.ErrUnexpectedEOF && info.ToTimestamp == 0 {
				// Torn tail of a segment that was still being written.
				err = nil
			}
			return
		}
		records = append(records, rec)
	}
}
