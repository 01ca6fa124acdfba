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

// Package utils holds shared serialization helpers.
package utils

import (
	"bytes"
	"io"

	"github.com/ugorji/go/codec"
)

var msgpackHandle = &codec.MsgpackHandle{
	WriteExt: true,
}

func init() {
	msgpackHandle.RawToString = true
}

// EncodeMsgPack writes an encoded object to a new bytes buffer.
func EncodeMsgPack(in interface{}) (buf *bytes.Buffer, err error) {
	buf = bytes.NewBuffer(nil)
	err = codec.NewEncoder(buf, msgpackHandle).Encode(in)
	return
}

// EncodeMsgPackToWriter encodes an object directly to a stream.
func EncodeMsgPackToWriter(w io.Writer, in interface{}) error {
	return codec.NewEncoder(w, msgpackHandle).Encode(in)
}

// DecodeMsgPack reverses the encode operation on a byte slice input.
func DecodeMsgPack(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// DecodeMsgPackFromReader decodes an object directly from a stream.
func DecodeMsgPackFromReader(r io.Reader, out interface{}) error {
	return codec.NewDecoder(r, msgpackHandle).Decode(out)
}
