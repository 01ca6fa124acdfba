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
	"errors"
)

var (
	// ErrRPCFailed indicates a transport or remote failure of an RPC call.
	ErrRPCFailed = errors.New("rpc call failed")
	// ErrUnknownMethod indicates the remote does not serve the method.
	ErrUnknownMethod = errors.New("unknown rpc method")
	// ErrFrameTooLarge indicates an incoming frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("rpc frame exceeds size limit")
	// ErrClientClosed indicates a call on a closed client.
	ErrClientClosed = errors.New("rpc client is closed")
	// ErrStreamFinalized indicates a send on an already finalized stream.
	ErrStreamFinalized = errors.New("rpc stream already finalized")
)
