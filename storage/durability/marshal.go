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

// Package durability writes and recovers snapshots and write-ahead log
// segments. All integers are little-endian on disk; strings are u32 length
// prefixed utf8.
package durability

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/types"
)

const maxEncodedStringSize = 1 << 28

// RecordType discriminates WAL entries. The values double as the on-disk
// kind byte.
type RecordType uint8

// WAL entry kinds. Entries describe redo operations; the delta chain holds
// the inverse undo actions.
const (
	RecordVertexCreate RecordType = iota
	RecordVertexDelete
	RecordVertexAddLabel
	RecordVertexRemoveLabel
	RecordVertexSetProperty
	RecordEdgeCreate
	RecordEdgeDelete
	RecordEdgeSetProperty
	RecordTransactionEnd
	RecordLabelIndexCreate
	RecordLabelIndexDrop
	RecordLabelPropertyIndexCreate
	RecordLabelPropertyIndexDrop
)

// IsGlobalOperation reports whether the record is a storage global
// operation rather than a transactional delta.
func (t RecordType) IsGlobalOperation() bool {
	switch t {
	case RecordLabelIndexCreate, RecordLabelIndexDrop,
		RecordLabelPropertyIndexCreate, RecordLabelPropertyIndexDrop:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (t RecordType) String() string {
	switch t {
	case RecordVertexCreate:
		return "VERTEX_CREATE"
	case RecordVertexDelete:
		return "VERTEX_DELETE"
	case RecordVertexAddLabel:
		return "VERTEX_ADD_LABEL"
	case RecordVertexRemoveLabel:
		return "VERTEX_REMOVE_LABEL"
	case RecordVertexSetProperty:
		return "VERTEX_SET_PROPERTY"
	case RecordEdgeCreate:
		return "EDGE_CREATE"
	case RecordEdgeDelete:
		return "EDGE_DELETE"
	case RecordEdgeSetProperty:
		return "EDGE_SET_PROPERTY"
	case RecordTransactionEnd:
		return "TRANSACTION_END"
	case RecordLabelIndexCreate:
		return "LABEL_INDEX_CREATE"
	case RecordLabelIndexDrop:
		return "LABEL_INDEX_DROP"
	case RecordLabelPropertyIndexCreate:
		return "LABEL_PROPERTY_INDEX_CREATE"
	case RecordLabelPropertyIndexDrop:
		return "LABEL_PROPERTY_INDEX_DROP"
	default:
		return "UNKNOWN"
	}
}

// Record is one WAL entry. Names are stored instead of ids so a loading
// instance maps them through its own name id mapper.
type Record struct {
	Timestamp     uint64
	TransactionID uint64
	Type          RecordType

	Gid      uint64
	Label    string
	Property string
	Value    types.PropertyValue
	FromGid  uint64
	ToGid    uint64
	EdgeType string
}

// EncodeRecord writes one record: `timestamp u64, transaction_id u64,
// kind u8, payload`.
func EncodeRecord(w io.Writer, r *Record) (err error) {
	if err = writeUint64(w, r.Timestamp); err != nil {
		return
	}
	if err = writeUint64(w, r.TransactionID); err != nil {
		return
	}
	if _, err = w.Write([]byte{byte(r.Type)}); err != nil {
		return
	}
	switch r.Type {
	case RecordVertexCreate, RecordVertexDelete:
		err = writeUint64(w, r.Gid)
	case RecordVertexAddLabel, RecordVertexRemoveLabel:
		if err = writeUint64(w, r.Gid); err != nil {
			return
		}
		err = writeString(w, r.Label)
	case RecordVertexSetProperty, RecordEdgeSetProperty:
		if err = writeUint64(w, r.Gid); err != nil {
			return
		}
		if err = writeString(w, r.Property); err != nil {
			return
		}
		err = r.Value.EncodeTo(w)
	case RecordEdgeCreate, RecordEdgeDelete:
		if err = writeUint64(w, r.Gid); err != nil {
			return
		}
		if err = writeUint64(w, r.FromGid); err != nil {
			return
		}
		if err = writeUint64(w, r.ToGid); err != nil {
			return
		}
		err = writeString(w, r.EdgeType)
	case RecordTransactionEnd:
	case RecordLabelIndexCreate, RecordLabelIndexDrop:
		err = writeString(w, r.Label)
	case RecordLabelPropertyIndexCreate, RecordLabelPropertyIndexDrop:
		if err = writeString(w, r.Label); err != nil {
			return
		}
		err = writeString(w, r.Property)
	default:
		err = errors.Wrapf(ErrInvalidRecord, "encode kind %d", r.Type)
	}
	return
}

// EncodeRecordBytes returns the binary form of one record.
func EncodeRecordBytes(r *Record) (buf []byte, err error) {
	var b bytes.Buffer
	if err = EncodeRecord(&b, r); err != nil {
		return
	}
	buf = b.Bytes()
	return
}

// DecodeRecord reads one record previously written with EncodeRecord.
func DecodeRecord(rd io.Reader) (r *Record, err error) {
	r = &Record{}
	if r.Timestamp, err = readUint64(rd); err != nil {
		return
	}
	if r.TransactionID, err = readUint64(rd); err != nil {
		return
	}
	var kind byte
	if kind, err = readByte(rd); err != nil {
		return
	}
	r.Type = RecordType(kind)
	switch r.Type {
	case RecordVertexCreate, RecordVertexDelete:
		r.Gid, err = readUint64(rd)
	case RecordVertexAddLabel, RecordVertexRemoveLabel:
		if r.Gid, err = readUint64(rd); err != nil {
			return
		}
		r.Label, err = readString(rd)
	case RecordVertexSetProperty, RecordEdgeSetProperty:
		if r.Gid, err = readUint64(rd); err != nil {
			return
		}
		if r.Property, err = readString(rd); err != nil {
			return
		}
		r.Value, err = types.DecodeValue(rd)
	case RecordEdgeCreate, RecordEdgeDelete:
		if r.Gid, err = readUint64(rd); err != nil {
			return
		}
		if r.FromGid, err = readUint64(rd); err != nil {
			return
		}
		if r.ToGid, err = readUint64(rd); err != nil {
			return
		}
		r.EdgeType, err = readString(rd)
	case RecordTransactionEnd:
	case RecordLabelIndexCreate, RecordLabelIndexDrop:
		r.Label, err = readString(rd)
	case RecordLabelPropertyIndexCreate, RecordLabelPropertyIndexDrop:
		if r.Label, err = readString(rd); err != nil {
			return
		}
		r.Property, err = readString(rd)
	default:
		err = errors.Wrapf(ErrInvalidRecord, "decode kind %d", kind)
	}
	return
}

// DecodeRecordBytes reads one record from a byte slice.
func DecodeRecordBytes(buf []byte) (r *Record, err error) {
	return DecodeRecord(bytes.NewReader(buf))
}

func writeUint32(w io.Writer, v uint32) (err error) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err = w.Write(buf[:])
	return
}

func writeUint64(w io.Writer, v uint64) (err error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err = w.Write(buf[:])
	return
}

func writeString(w io.Writer, s string) (err error) {
	if err = writeUint32(w, uint32(len(s))); err != nil {
		return
	}
	_, err = io.WriteString(w, s)
	return
}

func readByte(r io.Reader) (b byte, err error) {
	var buf [1]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	b = buf[0]
	return
}

func readUint32(r io.Reader) (v uint32, err error) {
	var buf [4]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	v = binary.LittleEndian.Uint32(buf[:])
	return
}

func readUint64(r io.Reader) (v uint64, err error) {
	var buf [8]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	v = binary.LittleEndian.Uint64(buf[:])
	return
}

func readString(r io.Reader) (s string, err error) {
	var n uint32
	if n, err = readUint32(r); err != nil {
		return
	}
	if n > maxEncodedStringSize {
		err = ErrInvalidRecord
		return
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	s = string(buf)
	return
}
