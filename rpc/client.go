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

package rpc

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/utils"
)

// dialTimeout bounds connection establishment.
const dialTimeout = 10 * time.Second

// Client drives sequential calls over one lazily established connection.
// callMu serializes calls; connMu guards only the connection pointer so
// Abort can sever a hung in-flight call without waiting for it.
type Client struct {
	addr      string
	tlsConfig *tls.Config

	callMu sync.Mutex

	connMu sync.Mutex
	conn   net.Conn
	closed bool
}

// NewClient returns an unconnected client for the address. The connection
// is established on the first call and re-established after errors.
func NewClient(addr string, tlsConfig *tls.Config) *Client {
	return &Client{addr: addr, tlsConfig: tlsConfig}
}

// currentConn returns the live connection, dialing if needed.
func (c *Client) currentConn() (conn net.Conn, err error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		err = ErrClientClosed
		return
	}
	if c.conn != nil {
		conn = c.conn
		return
	}
	if conn, err = net.DialTimeout("tcp", c.addr, dialTimeout); err != nil {
		err = errors.Wrapf(ErrRPCFailed, "dial %s: %v", c.addr, err)
		return
	}
	if c.tlsConfig != nil {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err = tlsConn.Handshake(); err != nil {
			conn.Close()
			err = errors.Wrapf(ErrRPCFailed, "tls handshake with %s: %v", c.addr, err)
			return
		}
		conn = tlsConn
	}
	c.conn = conn
	return
}

// discardConn drops conn if it still is the current connection.
func (c *Client) discardConn(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == conn && conn != nil {
		conn.Close()
		c.conn = nil
	}
}

// Abort severs the connection, failing any in-flight call so its caller
// unblocks with an error.
func (c *Client) Abort() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close aborts the connection and marks the client unusable.
func (c *Client) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closed = true
}

// Addr returns the remote address.
func (c *Client) Addr() string {
	return c.addr
}

// Stream opens a call and leaves the chunk stream writable. The call slot
// stays held until the stream is finalized.
func (c *Client) Stream(method string, req interface{}) (s *Stream, err error) {
	c.callMu.Lock()
	var conn net.Conn
	if conn, err = c.currentConn(); err != nil {
		c.callMu.Unlock()
		return
	}
	if err = writeObjectFrame(conn, &envelope{Method: method}); err == nil {
		err = writeObjectFrame(conn, req)
	}
	if err != nil {
		c.discardConn(conn)
		c.callMu.Unlock()
		err = errors.Wrapf(ErrRPCFailed, "start %s: %v", method, err)
		return
	}
	s = &Stream{client: c, conn: conn, method: method}
	return
}

// Call performs a plain request/response exchange with an empty chunk
// stream.
func (c *Client) Call(method string, req, resp interface{}) (err error) {
	var s *Stream
	if s, err = c.Stream(method, req); err != nil {
		return
	}
	return s.Finalize(resp)
}

// Stream is an open call whose chunk stream is still being written.
type Stream struct {
	client    *Client
	conn      net.Conn
	method    string
	finalized bool
}

// Send appends one chunk to the call's byte stream. Empty chunks are
// dropped, a zero length frame is the stream terminator.
func (s *Stream) Send(chunk []byte) (err error) {
	if s.finalized {
		return ErrStreamFinalized
	}
	if len(chunk) == 0 {
		return
	}
	if err = writeFrame(s.conn, chunk); err != nil {
		s.fail()
		err = errors.Wrapf(ErrRPCFailed, "send chunk on %s: %v", s.method, err)
	}
	return
}

// Finalize terminates the chunk stream, awaits the response and decodes
// it into resp.
func (s *Stream) Finalize(resp interface{}) (err error) {
	if s.finalized {
		return ErrStreamFinalized
	}
	defer func() {
		if err != nil {
			s.fail()
		} else {
			s.finalized = true
			s.client.callMu.Unlock()
		}
	}()
	if err = writeFrame(s.conn, nil); err != nil {
		err = errors.Wrapf(ErrRPCFailed, "terminate %s: %v", s.method, err)
		return
	}
	var respEnv responseEnvelope
	if err = readObjectFrame(s.conn, &respEnv); err != nil {
		err = errors.Wrapf(ErrRPCFailed, "await %s response: %v", s.method, err)
		return
	}
	if respEnv.Error != "" {
		err = errors.Wrapf(ErrRPCFailed, "%s remote error: %s", s.method, respEnv.Error)
		return
	}
	if resp != nil {
		if err = utils.DecodeMsgPack(respEnv.Body, resp); err != nil {
			err = errors.Wrapf(ErrRPCFailed, "decode %s response: %v", s.method, err)
		}
	}
	return
}

// fail releases the call slot after discarding the broken connection.
func (s *Stream) fail() {
	if s.finalized {
		return
	}
	s.finalized = true
	s.client.discardConn(s.conn)
	s.client.callMu.Unlock()
}
