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
	"github.com/apache/qpid-proton-events/amqp"
	"github.com/apache/qpid-proton-events/proton"
)

// ReceiverLink is the receiving end of a link.
//
// The peer may only send as many messages as the receiver's capacity allows,
// see AddCapacity. Each message received uses one unit of capacity.
type ReceiverLink struct {
	link
	handler    ReceiverHandler
	capacity   int
	unsettled  map[MessageHandle]*proton.Delivery
	nextHandle MessageHandle
}

func newReceiverLink(c *Connection, pl *proton.Link, h ReceiverHandler) *ReceiverLink {
	if h == nil {
		h = NopReceiverHandler{}
	}
	r := &ReceiverLink{handler: h, unsettled: make(map[MessageHandle]*proton.Delivery)}
	r.init(c, pl, r)
	r.hooks = endpointHooks{
		active: func() {
			r.conn.dispatched("receiver_active")
			r.handler.ReceiverActive(r)
		},
		remoteClosed: func() {
			r.conn.dispatched("receiver_remote_closed")
			r.handler.ReceiverRemoteClosed(r, r.pl.RemoteCondition())
		},
		closed: func() {
			r.conn.dispatched("receiver_closed")
			r.handler.ReceiverClosed(r)
		},
		failed: func(err error) {
			r.conn.dispatched("receiver_failed")
			r.handler.ReceiverFailed(r, err)
		},
	}
	return r
}

// TargetAddress is the local target address.
func (r *ReceiverLink) TargetAddress() string { return r.pl.Target().Address }

// SourceAddress is the peer's source once it has attached, the requested
// source before that. It is empty for a dynamic source not yet assigned.
func (r *ReceiverLink) SourceAddress() string {
	if r.remoteAttached() {
		return r.pl.RemoteSource().Address
	}
	return r.pl.Source().Address
}

// Capacity is the number of messages the peer may still send.
func (r *ReceiverLink) Capacity() int { return r.capacity }

// AddCapacity allows the peer to send n more messages.
func (r *ReceiverLink) AddCapacity(n int) {
	if n <= 0 || r.terminal() || r.destroyed {
		return
	}
	r.capacity += n
	r.pl.Flow(n)
}

// MessageAccepted settles the message h as accepted.
func (r *ReceiverLink) MessageAccepted(h MessageHandle) error {
	return r.settle(h, proton.Disposition{Outcome: proton.Accepted})
}

// MessageRejected settles the message h as rejected, cond may be nil.
func (r *ReceiverLink) MessageRejected(h MessageHandle, cond *amqp.Error) error {
	return r.settle(h, proton.Disposition{Outcome: proton.Rejected, Error: cond})
}

// MessageReleased settles the message h as released, the peer may deliver it again.
func (r *ReceiverLink) MessageReleased(h MessageHandle) error {
	return r.settle(h, proton.Disposition{Outcome: proton.Released})
}

// MessageModified settles the message h as modified.
func (r *ReceiverLink) MessageModified(h MessageHandle, deliveryFailed, undeliverableHere bool) error {
	return r.settle(h, proton.Disposition{
		Outcome:           proton.Modified,
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
	})
}

func (r *ReceiverLink) settle(h MessageHandle, disp proton.Disposition) error {
	d, ok := r.unsettled[h]
	if !ok {
		return invalidHandle("message", h)
	}
	delete(r.unsettled, h)
	d.Settle(disp)
	return nil
}

// Destroy frees the link. Unsettled messages are dropped.
func (r *ReceiverLink) Destroy() {
	r.destroy()
	r.unsettled = make(map[MessageHandle]*proton.Delivery)
}

func (r *ReceiverLink) handleFlow() {}

func (r *ReceiverLink) handleDelivery(d *proton.Delivery) {
	if d.Settled() {
		return
	}
	r.capacity--
	if r.capacity < 0 {
		r.capacity = 0
		d.Release(false)
		r.fail(amqp.Errorf(amqp.TransferLimit, "received message in excess of credit limit"))
		return
	}
	msg, err := amqp.DecodeMessage(d.Payload())
	if err != nil {
		r.log.Warn().Err(err).Uint32("delivery", d.ID()).Msg("cannot decode message")
		d.Reject(amqp.Condition(amqp.DecodeError, err.Error(), nil))
		r.capacity++
		r.pl.Flow(1)
		return
	}
	h := r.nextHandle
	r.nextHandle++
	if !d.RemoteSettled() {
		r.unsettled[h] = d
	}
	r.conn.dispatched("message_received")
	r.handler.MessageReceived(r, msg, h)
}

func (r *ReceiverLink) connectionClosed() {
	if !r.Closed() {
		r.enter(stateClosed)
	}
}
