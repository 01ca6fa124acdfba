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
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

type echoReq struct {
	Payload string
}

type echoRes struct {
	Payload string
	Chunks  int
	Bytes   int
}

func startTestServer(t *testing.T) *Server {
	s := NewServer()
	s.RegisterService("Test.Echo", func(req *ServerRequest) (resp interface{}, err error) {
		var body echoReq
		if err = req.DecodeBody(&body); err != nil {
			return
		}
		res := &echoRes{Payload: body.Payload}
		for {
			chunk, cerr := req.NextChunk()
			if cerr == io.EOF {
				break
			}
			if cerr != nil {
				err = cerr
				return
			}
			res.Chunks++
			res.Bytes += len(chunk)
		}
		resp = res
		return
	})
	s.RegisterService("Test.Fail", func(req *ServerRequest) (resp interface{}, err error) {
		err = errors.New("deliberate failure")
		return
	})
	if err := s.ListenTCP("127.0.0.1:0", nil); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go s.Serve()
	return s
}

func TestRPCCallAndStream(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	server := startTestServer(t)
	defer server.Stop()

	Convey("Given a connected client", t, func() {
		client := NewClient(server.Addr(), nil)
		defer client.Close()

		Convey("A plain call round trips", func() {
			var res echoRes
			So(client.Call("Test.Echo", &echoReq{Payload: "hello"}, &res), ShouldBeNil)
			So(res.Payload, ShouldEqual, "hello")
			So(res.Chunks, ShouldEqual, 0)
		})

		Convey("Chunks arrive in order and are counted", func() {
			stream, err := client.Stream("Test.Echo", &echoReq{Payload: "bulk"})
			So(err, ShouldBeNil)
			So(stream.Send(bytes.Repeat([]byte{'a'}, 1000)), ShouldBeNil)
			So(stream.Send(bytes.Repeat([]byte{'b'}, 500)), ShouldBeNil)
			var res echoRes
			So(stream.Finalize(&res), ShouldBeNil)
			So(res.Chunks, ShouldEqual, 2)
			So(res.Bytes, ShouldEqual, 1500)
		})

		Convey("Sequential calls reuse the connection", func() {
			for i := 0; i < 5; i++ {
				var res echoRes
				So(client.Call("Test.Echo", &echoReq{Payload: "again"}, &res), ShouldBeNil)
			}
		})

		Convey("Remote handler errors surface as ErrRPCFailed", func() {
			err := client.Call("Test.Fail", &echoReq{}, nil)
			So(errors.Cause(err), ShouldEqual, ErrRPCFailed)
			// The connection survives remote errors.
			var res echoRes
			So(client.Call("Test.Echo", &echoReq{Payload: "alive"}, &res), ShouldBeNil)
		})

		Convey("Unknown methods are reported", func() {
			err := client.Call("Test.Missing", &echoReq{}, nil)
			So(errors.Cause(err), ShouldEqual, ErrRPCFailed)
		})
	})
}

func TestRPCClientAbortAndClose(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	server := startTestServer(t)
	defer server.Stop()

	Convey("Given a client", t, func() {
		client := NewClient(server.Addr(), nil)

		Convey("Calls after Close fail with ErrClientClosed", func() {
			client.Close()
			err := client.Call("Test.Echo", &echoReq{}, nil)
			So(errors.Cause(err), ShouldEqual, ErrClientClosed)
		})

		Convey("Abort severs the connection but the client recovers", func() {
			var res echoRes
			So(client.Call("Test.Echo", &echoReq{Payload: "x"}, &res), ShouldBeNil)
			client.Abort()
			So(client.Call("Test.Echo", &echoReq{Payload: "y"}, &res), ShouldBeNil)
			client.Close()
		})
	})
}
