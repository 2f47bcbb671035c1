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

package proton

import (
	"fmt"

	"github.com/apache/qpid-proton-events/amqp"
)

// State holds the state flags for an AMQP endpoint.
type State byte

const (
	SLocalUninit State = 1 << iota
	SLocalActive
	SLocalClosed
	SRemoteUninit
	SRemoteActive
	SRemoteClosed

	localMask  = SLocalUninit | SLocalActive | SLocalClosed
	remoteMask = SRemoteUninit | SRemoteActive | SRemoteClosed
)

const initialState = SLocalUninit | SRemoteUninit

// Has is True if bits & state is non 0.
func (s State) Has(bits State) bool { return s&bits != 0 }

func (s State) LocalUninit() bool  { return s.Has(SLocalUninit) }
func (s State) LocalActive() bool  { return s.Has(SLocalActive) }
func (s State) LocalClosed() bool  { return s.Has(SLocalClosed) }
func (s State) RemoteUninit() bool { return s.Has(SRemoteUninit) }
func (s State) RemoteActive() bool { return s.Has(SRemoteActive) }
func (s State) RemoteClosed() bool { return s.Has(SRemoteClosed) }

// Return a State containing just the local flags
func (s State) Local() State { return s & localMask }

// Return a State containing just the remote flags
func (s State) Remote() State { return s & remoteMask }

func (s State) setLocal(l State) State  { return s&remoteMask | l }
func (s State) setRemote(r State) State { return s&localMask | r }

func (s State) String() string {
	local, remote := "uninit", "uninit"
	switch {
	case s.LocalClosed():
		local = "closed"
	case s.LocalActive():
		local = "active"
	}
	switch {
	case s.RemoteClosed():
		remote = "closed"
	case s.RemoteActive():
		remote = "active"
	}
	return fmt.Sprintf("local:%s,remote:%s", local, remote)
}

// EventType identifies an engine event.
type EventType int

const (
	EConnectionLocalOpen EventType = iota + 1
	EConnectionRemoteOpen
	EConnectionLocalClose
	EConnectionRemoteClose
	ELinkLocalOpen
	ELinkRemoteOpen
	ELinkLocalClose
	ELinkRemoteClose
	// ELinkFlow is raised when the peer updates the flow state of a link.
	ELinkFlow
	// EDelivery is raised for a new incoming delivery or a remote disposition update.
	EDelivery
	// ESASLStep is raised on the server when the client's SASL response arrives.
	ESASLStep
	// ESASLOutcome is raised once the SASL outcome is known, on both sides.
	ESASLOutcome
	// ETransportError is raised once when the transport fails, see Engine.Error.
	ETransportError
	ETransportTailClosed
	ETransportHeadClosed
	ETransportClosed
)

var eventNames = map[EventType]string{
	EConnectionLocalOpen:   "ConnectionLocalOpen",
	EConnectionRemoteOpen:  "ConnectionRemoteOpen",
	EConnectionLocalClose:  "ConnectionLocalClose",
	EConnectionRemoteClose: "ConnectionRemoteClose",
	ELinkLocalOpen:         "LinkLocalOpen",
	ELinkRemoteOpen:        "LinkRemoteOpen",
	ELinkLocalClose:        "LinkLocalClose",
	ELinkRemoteClose:       "LinkRemoteClose",
	ELinkFlow:              "LinkFlow",
	EDelivery:              "Delivery",
	ESASLStep:              "SASLStep",
	ESASLOutcome:           "SASLOutcome",
	ETransportError:        "TransportError",
	ETransportTailClosed:   "TransportTailClosed",
	ETransportHeadClosed:   "TransportHeadClosed",
	ETransportClosed:       "TransportClosed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is an engine event. Link and Delivery are set for link and delivery events.
type Event struct {
	eventType EventType
	link      *Link
	delivery  *Delivery
}

func (e Event) IsNil() bool         { return e.eventType == EventType(0) }
func (e Event) Type() EventType     { return e.eventType }
func (e Event) Link() *Link         { return e.link }
func (e Event) Delivery() *Delivery { return e.delivery }
func (e Event) String() string      { return e.Type().String() }

// Terminus is the source or target of a link.
type Terminus struct {
	Address string
	// Dynamic asks the peer to assign an address.
	Dynamic bool
}

func (t Terminus) toMap() map[string]interface{} {
	return map[string]interface{}{"address": t.Address, "dynamic": t.Dynamic}
}

func terminusFrom(v interface{}) Terminus {
	m, _ := v.(map[string]interface{})
	var t Terminus
	t.Address, _ = m["address"].(string)
	t.Dynamic, _ = m["dynamic"].(bool)
	return t
}

// Outcome is a delivery outcome, the values are the AMQP descriptor codes.
type Outcome uint64

const (
	Received Outcome = 0x23
	Accepted Outcome = 0x24
	Rejected Outcome = 0x25
	Released Outcome = 0x26
	Modified Outcome = 0x27
)

func (o Outcome) String() string {
	switch o {
	case 0:
		return "none"
	case Received:
		return "received"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("outcome(%#x)", uint64(o))
	}
}

// Disposition is the delivery state carried by a disposition frame.
type Disposition struct {
	Outcome Outcome
	// Error is set for Rejected.
	Error *amqp.Error
	// DeliveryFailed and UndeliverableHere qualify Modified.
	DeliveryFailed, UndeliverableHere bool
}

func (d Disposition) toMap() map[string]interface{} {
	m := map[string]interface{}{"outcome": uint64(d.Outcome)}
	if d.Error != nil {
		m["error"] = conditionToMap(d.Error)
	}
	if d.DeliveryFailed {
		m["delivery-failed"] = true
	}
	if d.UndeliverableHere {
		m["undeliverable-here"] = true
	}
	return m
}

func dispositionFrom(v interface{}) Disposition {
	m, _ := v.(map[string]interface{})
	var d Disposition
	d.Outcome = Outcome(number(m["outcome"]))
	d.Error = conditionFrom(m["error"])
	d.DeliveryFailed, _ = m["delivery-failed"].(bool)
	d.UndeliverableHere, _ = m["undeliverable-here"].(bool)
	return d
}

func conditionToMap(c *amqp.Error) map[string]interface{} {
	m := map[string]interface{}{"condition": c.Name, "description": c.Description}
	if len(c.Info) > 0 {
		m["info"] = c.Info
	}
	return m
}

// conditionFrom returns nil unless v holds a condition.
func conditionFrom(v interface{}) *amqp.Error {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	c := &amqp.Error{}
	c.Name, _ = m["condition"].(string)
	c.Description, _ = m["description"].(string)
	c.Info, _ = m["info"].(map[string]interface{})
	return c
}

func number(v interface{}) uint64 {
	f, _ := v.(float64)
	if f < 0 {
		return 0
	}
	return uint64(f)
}
