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

package event

import (
	"github.com/rs/zerolog"
)

// endpointState is the lifecycle state shared by connections and links.
type endpointState int

const (
	stateUninit endpointState = iota
	// statePending: opened locally, waiting for the peer.
	statePending
	// stateRequested: opened by the peer, waiting for a local open.
	stateRequested
	stateActive
	// stateNeedClose: closed by the peer, waiting for a local close.
	stateNeedClose
	// stateClosing: closed locally, waiting for the peer.
	stateClosing
	stateClosed
	stateFailed
)

var stateNames = [...]string{"uninit", "pending", "requested", "active", "need-close", "closing", "closed", "failed"}

func (s endpointState) String() string { return stateNames[s] }

type endpointEvent int

const (
	localOpened endpointEvent = iota
	localClosed
	remoteOpened
	remoteClosed
)

var eventNames = [...]string{"local-opened", "local-closed", "remote-opened", "remote-closed"}

func (e endpointEvent) String() string { return eventNames[e] }

type transition struct {
	from endpointState
	on   endpointEvent
}

// Pairs not listed leave the state unchanged.
var transitions = map[transition]endpointState{
	{stateUninit, localOpened}:     statePending,
	{stateUninit, remoteOpened}:    stateRequested,
	{stateUninit, localClosed}:     stateClosing,
	{stateUninit, remoteClosed}:    stateNeedClose,
	{statePending, remoteOpened}:   stateActive,
	{statePending, localClosed}:    stateClosing,
	{statePending, remoteClosed}:   stateNeedClose,
	{stateRequested, localOpened}:  stateActive,
	{stateRequested, localClosed}:  stateClosing,
	{stateRequested, remoteClosed}: stateNeedClose,
	{stateActive, localClosed}:     stateClosing,
	{stateActive, remoteClosed}:    stateNeedClose,
	{stateNeedClose, localClosed}:  stateClosed,
	{stateClosing, remoteClosed}:   stateClosed,
	{stateFailed, localClosed}:     stateClosed,
}

// endpointHooks are called on entering the corresponding state.
type endpointHooks struct {
	active       func()
	remoteClosed func()
	closed       func()
	failed       func(error)
}

// endpoint is the state machine of a connection or link.
type endpoint struct {
	state endpointState
	log   zerolog.Logger
	hooks endpointHooks
}

func (e *endpoint) Active() bool { return e.state == stateActive }

// Closed is true once the endpoint is closed in both directions. It never reverts.
func (e *endpoint) Closed() bool { return e.state == stateClosed }

// Failed is true after a protocol or transport failure, until closed.
func (e *endpoint) Failed() bool { return e.state == stateFailed }

// terminal is true if the endpoint can no longer be used.
func (e *endpoint) terminal() bool { return e.state == stateClosed || e.state == stateFailed }

func (e *endpoint) process(ev endpointEvent) {
	next, ok := transitions[transition{e.state, ev}]
	if !ok {
		e.log.Debug().Stringer("state", e.state).Stringer("event", ev).Msg("event ignored")
		return
	}
	e.log.Debug().Stringer("from", e.state).Stringer("to", next).Stringer("event", ev).Msg("state change")
	e.enter(next)
}

// fail moves a non-terminal endpoint to stateFailed. An endpoint that was
// already closing locally has seen its close and moves on to stateClosed.
func (e *endpoint) fail(err error) {
	if e.terminal() {
		return
	}
	from := e.state
	e.log.Warn().Err(err).Stringer("from", from).Msg("failed")
	e.state = stateFailed
	if e.hooks.failed != nil {
		e.hooks.failed(err)
	}
	if from == stateClosing && e.state == stateFailed {
		e.enter(stateClosed)
	}
}

// enter sets the state and calls the state's hook.
func (e *endpoint) enter(next endpointState) {
	e.state = next
	var hook func()
	switch next {
	case stateActive:
		hook = e.hooks.active
	case stateNeedClose:
		hook = e.hooks.remoteClosed
	case stateClosed:
		hook = e.hooks.closed
	}
	if hook != nil {
		hook()
	}
}
