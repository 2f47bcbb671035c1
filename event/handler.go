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
	"fmt"

	"github.com/apache/qpid-proton-events/amqp"
	"github.com/apache/qpid-proton-events/proton"
)

// ConnectionHandler receives connection events. All methods are called from
// Connection.Process, they may call any Connection or Link method except Process.
//
// Embed NopConnectionHandler to implement only some of the methods.
type ConnectionHandler interface {
	// ConnectionActive is called once both ends have opened.
	ConnectionActive(c *Connection)
	// ConnectionRemoteClosed is called when the peer closes first. cond is nil
	// if the peer sent no error condition.
	ConnectionRemoteClosed(c *Connection, cond *amqp.Error)
	// ConnectionClosed is called once the close is complete in both directions.
	ConnectionClosed(c *Connection)
	// ConnectionFailed is called once on a transport failure.
	ConnectionFailed(c *Connection, err error)
	// SenderRequested is called when the peer attaches a receiver, asking this
	// end to send. Resolve req.Handle with AcceptSender or RejectSender.
	SenderRequested(c *Connection, req LinkRequest)
	// ReceiverRequested is called when the peer attaches a sender. Resolve
	// req.Handle with AcceptReceiver or RejectReceiver.
	ReceiverRequested(c *Connection, req LinkRequest)
	// SASLStep is called on a SASL server when the client's credentials arrive.
	// Check them and call sasl.Done.
	SASLStep(c *Connection, sasl *proton.SASL)
	// SASLDone is called when SASL negotiation completes.
	SASLDone(c *Connection, sasl *proton.SASL, outcome proton.SASLOutcome)
}

// SenderHandler receives sender link events.
type SenderHandler interface {
	SenderActive(s *SenderLink)
	SenderRemoteClosed(s *SenderLink, cond *amqp.Error)
	SenderClosed(s *SenderLink)
	SenderFailed(s *SenderLink, err error)
	// CreditGranted is called when the peer issues more credit.
	CreditGranted(s *SenderLink)
}

// ReceiverHandler receives receiver link events.
type ReceiverHandler interface {
	ReceiverActive(r *ReceiverLink)
	ReceiverRemoteClosed(r *ReceiverLink, cond *amqp.Error)
	ReceiverClosed(r *ReceiverLink)
	ReceiverFailed(r *ReceiverLink, err error)
	// MessageReceived delivers a message. Settle it later with one of the
	// ReceiverLink.Message* methods using h, unless the peer sent it settled.
	MessageReceived(r *ReceiverLink, msg *amqp.Message, h MessageHandle)
}

// NopConnectionHandler ignores all events. Link requests are left pending.
type NopConnectionHandler struct{}

func (NopConnectionHandler) ConnectionActive(*Connection)                           {}
func (NopConnectionHandler) ConnectionRemoteClosed(*Connection, *amqp.Error)        {}
func (NopConnectionHandler) ConnectionClosed(*Connection)                           {}
func (NopConnectionHandler) ConnectionFailed(*Connection, error)                    {}
func (NopConnectionHandler) SenderRequested(*Connection, LinkRequest)               {}
func (NopConnectionHandler) ReceiverRequested(*Connection, LinkRequest)             {}
func (NopConnectionHandler) SASLStep(*Connection, *proton.SASL)                     {}
func (NopConnectionHandler) SASLDone(*Connection, *proton.SASL, proton.SASLOutcome) {}

// NopSenderHandler ignores all events.
type NopSenderHandler struct{}

func (NopSenderHandler) SenderActive(*SenderLink)                    {}
func (NopSenderHandler) SenderRemoteClosed(*SenderLink, *amqp.Error) {}
func (NopSenderHandler) SenderClosed(*SenderLink)                    {}
func (NopSenderHandler) SenderFailed(*SenderLink, error)             {}
func (NopSenderHandler) CreditGranted(*SenderLink)                   {}

// NopReceiverHandler ignores all events.
type NopReceiverHandler struct{}

func (NopReceiverHandler) ReceiverActive(*ReceiverLink)                                {}
func (NopReceiverHandler) ReceiverRemoteClosed(*ReceiverLink, *amqp.Error)             {}
func (NopReceiverHandler) ReceiverClosed(*ReceiverLink)                                {}
func (NopReceiverHandler) ReceiverFailed(*ReceiverLink, error)                         {}
func (NopReceiverHandler) MessageReceived(*ReceiverLink, *amqp.Message, MessageHandle) {}

// LinkRequest describes a link the peer attached with no matching local link.
// The handle stays valid until resolved or until the peer detaches.
type LinkRequest struct {
	Handle proton.Handle
	Name   string
	// RequestedSource is the peer's source for a sender request, empty if the
	// peer asks this end to assign one.
	RequestedSource string
	// RequestedTarget is the peer's target for a receiver request, empty if the
	// peer asks this end to assign one.
	RequestedTarget string
	// Properties is a copy of the peer's link properties plus "source-address"
	// (receiver requests) or "target-address" (sender requests).
	Properties map[string]interface{}
}

// SendStatus is the final state of a send.
type SendStatus int

const (
	// Aborted means the link or connection closed or failed before an outcome arrived.
	Aborted SendStatus = iota
	// Unknown means the peer settled with an outcome this package does not recognize.
	Unknown
	Accepted
	Rejected
	Released
	Modified
)

func (s SendStatus) String() string {
	switch s {
	case Aborted:
		return "aborted"
	case Unknown:
		return "unknown"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

func sendStatus(o proton.Outcome) SendStatus {
	switch o {
	case proton.Accepted:
		return Accepted
	case proton.Rejected:
		return Rejected
	case proton.Released:
		return Released
	case proton.Modified:
		return Modified
	default:
		return Unknown
	}
}

// DeliveryCallback is called once with the outcome of a send. info is the
// peer's condition for Rejected and the failure for Aborted, nil otherwise.
type DeliveryCallback func(s *SenderLink, status SendStatus, info *amqp.Error)

// MessageHandle identifies a received message awaiting settlement.
type MessageHandle uint32
