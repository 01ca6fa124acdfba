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
	"io"
	"net"
	"sync"

	"github.com/CovenantGraph/CovenantGraph/utils"
	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// ServerRequest exposes one incoming call to its handler.
type ServerRequest struct {
	method    string
	body      []byte
	conn      io.Reader
	chunksEOF bool
}

// Method returns the called method name.
func (r *ServerRequest) Method() string {
	return r.method
}

// DecodeBody decodes the request body into out.
func (r *ServerRequest) DecodeBody(out interface{}) error {
	return utils.DecodeMsgPack(r.body, out)
}

// NextChunk returns the next chunk of the call's byte stream, or io.EOF
// once the terminator chunk arrives.
func (r *ServerRequest) NextChunk() (chunk []byte, err error) {
	if r.chunksEOF {
		err = io.EOF
		return
	}
	if chunk, err = readFrame(r.conn); err != nil {
		r.chunksEOF = true
		return
	}
	if len(chunk) == 0 {
		r.chunksEOF = true
		chunk = nil
		err = io.EOF
	}
	return
}

func (r *ServerRequest) drainChunks() (err error) {
	for {
		if _, err = r.NextChunk(); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
	}
}

// Handler serves one method. The returned value is encoded as the response
// body; a non-nil error is transported to the caller instead.
type Handler func(req *ServerRequest) (resp interface{}, err error)

// ServiceMap maps method names to handlers.
type ServiceMap map[string]Handler

// Server accepts connections and dispatches sequential calls on each of
// them to the registered handlers.
type Server struct {
	serviceMap ServiceMap
	serviceMu  sync.RWMutex
	listener   net.Listener
	conns      sync.Map
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewServer returns a new Server.
func NewServer() *Server {
	return &Server{
		serviceMap: make(ServiceMap),
		stopCh:     make(chan struct{}),
	}
}

// NewServerWithService returns a new Server serving the given map.
func NewServerWithService(serviceMap ServiceMap) (s *Server) {
	s = NewServer()
	for method, handler := range serviceMap {
		s.RegisterService(method, handler)
	}
	return
}

// RegisterService installs a handler for the method name.
func (s *Server) RegisterService(method string, handler Handler) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	s.serviceMap[method] = handler
}

func (s *Server) handler(method string) Handler {
	s.serviceMu.RLock()
	defer s.serviceMu.RUnlock()
	return s.serviceMap[method]
}

// SetListener sets the accept loop listener, used by Serve.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// ListenTCP starts listening on addr, optionally wrapped with TLS.
func (s *Server) ListenTCP(addr string, tlsConfig *tls.Config) (err error) {
	var l net.Listener
	if l, err = net.Listen("tcp", addr); err != nil {
		return
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	s.listener = l
	return
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the accept loop until Stop is called.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.WithError(err).Debug("rpc accept failed")
				continue
			}
		}
		s.conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var env envelope
		if err := readObjectFrame(conn, &env); err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("rpc read envelope failed")
			}
			return
		}
		body, err := readFrame(conn)
		if err != nil {
			log.WithError(err).Debug("rpc read body failed")
			return
		}
		req := &ServerRequest{method: env.Method, body: body, conn: conn}
		var respEnv responseEnvelope
		if handler := s.handler(env.Method); handler == nil {
			respEnv.Error = ErrUnknownMethod.Error()
		} else if resp, herr := handler(req); herr != nil {
			respEnv.Error = herr.Error()
		} else if buf, eerr := utils.EncodeMsgPack(resp); eerr != nil {
			respEnv.Error = eerr.Error()
		} else {
			respEnv.Body = buf.Bytes()
		}
		// The chunk stream must be fully consumed before responding, the
		// handler may have stopped early.
		if err = req.drainChunks(); err != nil {
			log.WithError(err).Debug("rpc drain chunks failed")
			return
		}
		if err = writeObjectFrame(conn, &respEnv); err != nil {
			log.WithError(err).Debug("rpc write response failed")
			return
		}
	}
}

// Stop closes the listener and waits for running connections to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.conns.Range(func(key, _ interface{}) bool {
			key.(net.Conn).Close()
			return true
		})
	})
	s.wg.Wait()
}
