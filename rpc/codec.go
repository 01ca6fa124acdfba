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

// Package rpc implements the framed request/response transport used for
// replication. A call is an envelope frame naming the method, a msgpack
// body frame, a chunked byte stream (possibly empty) for bulk payloads and
// a single response frame. Calls on one connection are strictly sequential.
package rpc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/utils"
)

// maxFrameSize bounds a single frame. Bulk data moves in chunk frames, so
// this only has to fit encoded request/response bodies and file chunks.
const maxFrameSize = 8 << 20

// envelope opens every call on the wire.
type envelope struct {
	Method string
}

// responseEnvelope closes every call. A non-empty Error carries the remote
// failure message.
type responseEnvelope struct {
	Error string
	Body  []byte
}

func writeFrame(w io.Writer, payload []byte) (err error) {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err = w.Write(size[:]); err != nil {
		return
	}
	_, err = w.Write(payload)
	return
}

func readFrame(r io.Reader) (payload []byte, err error) {
	var size [4]byte
	if _, err = io.ReadFull(r, size[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxFrameSize {
		err = ErrFrameTooLarge
		return
	}
	payload = make([]byte, n)
	_, err = io.ReadFull(r, payload)
	return
}

func writeObjectFrame(w io.Writer, in interface{}) (err error) {
	var buf *bytes.Buffer
	if buf, err = utils.EncodeMsgPack(in); err != nil {
		err = errors.Wrap(err, "encode frame object")
		return
	}
	return writeFrame(w, buf.Bytes())
}

func readObjectFrame(r io.Reader, out interface{}) (err error) {
	var payload []byte
	if payload, err = readFrame(r); err != nil {
		return
	}
	return utils.DecodeMsgPack(payload, out)
}

// ServerTLSConfig loads the key/cert pair into a server side TLS config.
func ServerTLSConfig(keyFile, certFile string) (cfg *tls.Config, err error) {
	var cert tls.Certificate
	if cert, err = tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		err = errors.Wrap(err, "load server key pair")
		return
	}
	cfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	return
}

// ClientTLSConfig trusts the given certificate for outgoing connections.
func ClientTLSConfig(certFile string) (cfg *tls.Config, err error) {
	var pem []byte
	if pem, err = ioutil.ReadFile(certFile); err != nil {
		err = errors.Wrap(err, "read trusted certificate")
		return
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		err = errors.New("no certificate parsed from trusted file")
		return
	}
	cfg = &tls.Config{RootCAs: pool}
	return
}
