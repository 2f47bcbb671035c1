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
Package event turns the events of an AMQP 1.0 protocol engine into callbacks for
connections and links.

Start by creating a Container with NewContainer, then create connections with
Container.CreateConnection. A Connection does no I/O of its own: the
application reads from its transport into Connection.ProcessInput, writes
Connection.OutputData to the transport, and calls Connection.Process to
dispatch events. All callbacks of a connection and its links are called
synchronously from Process, on the caller's goroutine.

Links opened locally are created with Connection.CreateSender and
Connection.CreateReceiver. Links opened by the peer are offered to the
ConnectionHandler as a LinkRequest, which the application resolves with one of
the Accept or Reject methods of the Connection, from the callback or later.

A receiver only gets as many messages as its capacity, see ReceiverLink.AddCapacity.
*/
package event

// This file is just for the package comment.

/* DEVELOPER NOTES

Each Connection owns one proton.Engine. Connection and link state changes are
driven only by engine events popped in Process, local calls like Open and Close
act on the engine and take effect when their event is dispatched.

The endpoint state machine is shared by connections and links, hooks on the
endpoint call the handlers.

*/
