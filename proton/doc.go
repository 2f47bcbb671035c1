/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

/*
Package proton is a small event-driven AMQP protocol engine.

An Engine holds the protocol state of one connection: the connection endpoint,
its links and their deliveries. It does no I/O of its own. Bytes read from the
transport are passed to Feed, bytes to write are collected with Output and Pop,
and Tick advances idle-timeout and heartbeat timers.

Every change of endpoint state, local or remote, is recorded as an Event in
the engine's collector. The event package drains the collector with
PeekEvent/PopEvent and turns events into application callbacks.

Frames are AMQP shaped: the AMQP and SASL protocol headers, an 8 byte frame
header and a performative body. Bodies are encoded with amqp.MarshalMap rather
than the AMQP type system, so an Engine only interoperates with another Engine.
TLS is not provided, see ErrSSLUnavailable.

Engine values are not goroutine safe, all calls for one engine must be
serialized by the caller.
*/
package proton

// This file is just for the package comment.
