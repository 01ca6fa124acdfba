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

package types

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// maxDecodedContainerSize bounds list/map/string sizes read from untrusted
// bytes so a corrupted length prefix cannot trigger a huge allocation.
const maxDecodedContainerSize = 1 << 28

// EncodeTo writes the little-endian binary form of the value: one type byte
// followed by the kind specific payload. Map keys are written in sorted
// order so the writer output is stable.
func (v PropertyValue) EncodeTo(w io.Writer) (err error) {
	if _, err = w.Write([]byte{byte(v.t)}); err != nil {
		return
	}
	switch v.t {
	case ValueNull:
	case ValueBool:
		b := byte(0)
		if v.boolV {
			b = 1
		}
		_, err = w.Write([]byte{b})
	case ValueInt:
		err = writeUint64(w, uint64(v.intV))
	case ValueDouble:
		err = writeUint64(w, math.Float64bits(v.doubleV))
	case ValueString:
		err = writeString(w, v.stringV)
	case ValueList:
		if err = writeUint32(w, uint32(len(v.listV))); err != nil {
			return
		}
		for _, item := range v.listV {
			if err = item.EncodeTo(w); err != nil {
				return
			}
		}
	case ValueMap:
		if err = writeUint32(w, uint32(len(v.mapV))); err != nil {
			return
		}
		for _, k := range sortedKeys(v.mapV) {
			if err = writeString(w, k); err != nil {
				return
			}
			if err = v.mapV[k].EncodeTo(w); err != nil {
				return
			}
		}
	case ValueTemporal:
		if _, err = w.Write([]byte{byte(v.temporal.Kind)}); err != nil {
			return
		}
		err = writeUint64(w, uint64(v.temporal.Microseconds))
	default:
		err = ErrInvalidValueData
	}
	return
}

// Encode returns the binary form of the value.
func (v PropertyValue) Encode() (buf []byte, err error) {
	var b bytes.Buffer
	if err = v.EncodeTo(&b); err != nil {
		return
	}
	buf = b.Bytes()
	return
}

// DecodeValue reads one value previously written with EncodeTo.
func DecodeValue(r io.Reader) (v PropertyValue, err error) {
	var tb byte
	if tb, err = readByte(r); err != nil {
		err = errors.Wrap(err, "read value type")
		return
	}
	switch ValueType(tb) {
	case ValueNull:
		v = NullValue()
	case ValueBool:
		var b byte
		if b, err = readByte(r); err != nil {
			return
		}
		v = BoolValue(b != 0)
	case ValueInt:
		var u uint64
		if u, err = readUint64(r); err != nil {
			return
		}
		v = IntValue(int64(u))
	case ValueDouble:
		var u uint64
		if u, err = readUint64(r); err != nil {
			return
		}
		v = DoubleValue(math.Float64frombits(u))
	case ValueString:
		var s string
		if s, err = readString(r); err != nil {
			return
		}
		v = StringValue(s)
	case ValueList:
		var cnt uint32
		if cnt, err = readUint32(r); err != nil {
			return
		}
		if cnt > maxDecodedContainerSize {
			err = ErrInvalidValueData
			return
		}
		list := make([]PropertyValue, cnt)
		for i := range list {
			if list[i], err = DecodeValue(r); err != nil {
				return
			}
		}
		v = ListValue(list)
	case ValueMap:
		var cnt uint32
		if cnt, err = readUint32(r); err != nil {
			return
		}
		if cnt > maxDecodedContainerSize {
			err = ErrInvalidValueData
			return
		}
		m := make(map[string]PropertyValue, cnt)
		for i := uint32(0); i < cnt; i++ {
			var k string
			if k, err = readString(r); err != nil {
				return
			}
			if m[k], err = DecodeValue(r); err != nil {
				return
			}
		}
		v = MapValue(m)
	case ValueTemporal:
		var kind byte
		if kind, err = readByte(r); err != nil {
			return
		}
		var u uint64
		if u, err = readUint64(r); err != nil {
			return
		}
		v = TemporalValue(NewTemporalData(TemporalKind(kind), int64(u)))
	default:
		err = ErrInvalidValueData
	}
	return
}

// DecodeValueBytes reads one value from a byte slice, failing on trailing
// garbage.
func DecodeValueBytes(buf []byte) (v PropertyValue, err error) {
	r := bytes.NewReader(buf)
	if v, err = DecodeValue(r); err != nil {
		return
	}
	if r.Len() != 0 {
		err = ErrInvalidValueData
	}
	return
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
	if n > maxDecodedContainerSize {
		err = ErrInvalidValueData
		return
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	s = string(buf)
	return
}
