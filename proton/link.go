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

// Handle identifies a link within its Engine. Handles are never reused.
type Handle uint32

// Link is a sender or receiver link endpoint.
type Link struct {
	eng    *Engine
	handle Handle
	name   string
	sender bool
	state  State
	freed  bool

	source, target             Terminus
	properties                 map[string]interface{}
	cond                       *amqp.Error
	remoteAttached             bool
	remoteHandle               uint32
	remoteSource, remoteTarget Terminus
	remoteProperties           map[string]interface{}
	remoteCond                 *amqp.Error
	attachSent, detachSent     bool

	// Senders: credit available and our delivery-count.
	// Receivers: credit granted to the peer and the delivery-count.
	credit        int
	deliveryCount uint32
	flowDirty     bool
	transfers     []frame
	dispositions  []frame
}

// NewSender creates a local sender link. Nothing is sent until Open.
func (eng *Engine) NewSender(name string) *Link { return eng.newLink(name, true) }

// NewReceiver creates a local receiver link. Nothing is sent until Open.
func (eng *Engine) NewReceiver(name string) *Link { return eng.newLink(name, false) }

func (eng *Engine) newLink(name string, sender bool) *Link {
	l := &Link{eng: eng, handle: eng.nextHandle, name: name, sender: sender, state: initialState}
	eng.nextHandle++
	eng.links = append(eng.links, l)
	eng.byHandle[l.handle] = l
	return l
}

// Link returns the link with handle h, nil if there is none or it was freed.
func (eng *Engine) Link(h Handle) *Link { return eng.byHandle[h] }

func (l *Link) Engine() *Engine        { return l.eng }
func (l *Link) Handle() Handle         { return l.handle }
func (l *Link) Name() string           { return l.name }
func (l *Link) IsSender() bool         { return l.sender }
func (l *Link) IsReceiver() bool       { return !l.sender }
func (l *Link) State() State           { return l.state }
func (l *Link) Source() Terminus       { return l.source }
func (l *Link) Target() Terminus       { return l.target }
func (l *Link) RemoteSource() Terminus { return l.remoteSource }
func (l *Link) RemoteTarget() Terminus { return l.remoteTarget }

// SetSource sets the local source, it must be called before Open.
func (l *Link) SetSource(t Terminus) { l.source = t }

// SetTarget sets the local target, it must be called before Open.
func (l *Link) SetTarget(t Terminus) { l.target = t }

// Properties are the local link properties sent with the attach.
func (l *Link) Properties() map[string]interface{} { return l.properties }

func (l *Link) SetProperties(p map[string]interface{}) { l.properties = p }

// RemoteProperties are the properties from the peer's attach.
func (l *Link) RemoteProperties() map[string]interface{} { return l.remoteProperties }

func (l *Link) Condition() *amqp.Error       { return l.cond }
func (l *Link) RemoteCondition() *amqp.Error { return l.remoteCond }

// Type is "sender-link" or "receiver-link".
func (l *Link) Type() string {
	if l.sender {
		return "sender-link"
	}
	return "receiver-link"
}

func (l *Link) String() string {
	return fmt.Sprintf("%s(%s->%s)", l.name, l.source.Address, l.target.Address)
}

// Open the link. Does nothing if already opened or closed.
func (l *Link) Open() {
	if !l.state.LocalUninit() {
		return
	}
	l.state = l.state.setLocal(SLocalActive)
	l.eng.push(ELinkLocalOpen, l, nil)
}

// Close the link with an optional condition for the peer. Closing a link that
// was never opened attaches and immediately detaches it, which refuses a
// link requested by the peer.
func (l *Link) Close(cond *amqp.Error) {
	if l.state.LocalClosed() {
		return
	}
	l.cond = cond
	l.state = l.state.setLocal(SLocalClosed)
	l.eng.push(ELinkLocalClose, l, nil)
}

// Free removes the link from the engine. A pending detach is still sent.
// Frames from the peer for a freed link are accepted but raise no events.
func (l *Link) Free() {
	if l.freed {
		return
	}
	l.freed = true
	delete(l.eng.byHandle, l.handle)
	for i, e := range l.eng.events {
		if e.link == l {
			l.eng.events[i].link = nil
		}
	}
	if !l.remoteAttached {
		return
	}
	if l.state.RemoteClosed() {
		delete(l.eng.byRemote, l.remoteHandle)
	}
}

// Credit is the number of messages a sender may send now,
// or the credit a receiver has outstanding with the peer.
func (l *Link) Credit() int { return l.credit }

// Flow grants n more credit to the peer. Only valid for receivers.
func (l *Link) Flow(n int) {
	if l.sender || n <= 0 {
		return
	}
	l.credit += n
	l.flowDirty = true
}

// Send a message payload. A settled delivery is not tracked after sending.
func (l *Link) Send(payload []byte, settled bool) (*Delivery, error) {
	if !l.sender || !l.state.LocalActive() || l.state.RemoteClosed() {
		return nil, fmt.Errorf("%w: cannot send on %s %s", ErrLinkState, l, l.state)
	}
	if l.credit <= 0 {
		return nil, ErrNoCredit
	}
	eng := l.eng
	d := &Delivery{link: l, id: eng.nextDeliveryID, payload: payload, settled: settled}
	eng.nextDeliveryID++
	l.credit--
	l.deliveryCount++
	if !settled {
		eng.outgoing[d.id] = d
	}
	l.transfers = append(l.transfers, newFrame(frameTypeAMQP, "transfer", map[string]interface{}{
		"handle":      uint32(l.handle),
		"delivery-id": d.id,
		"settled":     settled,
		"payload":     amqp.Binary(payload),
	}))
	return d, nil
}

func (l *Link) role() string {
	if l.sender {
		return "sender"
	}
	return "receiver"
}

func (l *Link) flush() {
	eng := l.eng
	if !l.attachSent {
		if l.state.LocalUninit() {
			return
		}
		l.attachSent = true
		fields := map[string]interface{}{
			"name":   l.name,
			"handle": uint32(l.handle),
			"role":   l.role(),
			"source": l.source.toMap(),
			"target": l.target.toMap(),
		}
		if len(l.properties) > 0 {
			fields["properties"] = l.properties
		}
		if l.sender {
			fields["initial-delivery-count"] = l.deliveryCount
		}
		eng.write(newFrame(frameTypeAMQP, "attach", fields))
	}
	if l.detachSent {
		return
	}
	if l.flowDirty {
		l.flowDirty = false
		eng.write(newFrame(frameTypeAMQP, "flow", map[string]interface{}{
			"handle":         uint32(l.handle),
			"delivery-count": l.deliveryCount,
			"link-credit":    l.credit,
		}))
	}
	for _, f := range l.transfers {
		eng.write(f)
	}
	l.transfers = nil
	for _, f := range l.dispositions {
		eng.write(f)
	}
	l.dispositions = nil
	if l.state.LocalClosed() {
		l.detachSent = true
		fields := map[string]interface{}{"handle": uint32(l.handle), "closed": true}
		if l.cond != nil {
			fields["error"] = conditionToMap(l.cond)
		}
		eng.write(newFrame(frameTypeAMQP, "detach", fields))
	}
}

func (l *Link) handleDetach(f frame) {
	l.remoteCond = conditionFrom(f.body["error"])
	l.state = l.state.setRemote(SRemoteClosed)
	l.eng.push(ELinkRemoteClose, l, nil)
}

func (l *Link) handleFlow(f frame) {
	if !l.sender {
		return
	}
	rcvCount, ok := f.body["delivery-count"].(float64)
	if !ok {
		rcvCount = 0
	}
	linkCredit := int64(number(f.body["link-credit"]))
	l.credit = int(int64(rcvCount) + linkCredit - int64(l.deliveryCount))
	if l.credit < 0 {
		l.credit = 0
	}
	l.eng.push(ELinkFlow, l, nil)
}

func (l *Link) handleTransfer(f frame) {
	eng := l.eng
	if l.sender {
		eng.fail(amqp.Errorf(amqp.FramingError, "transfer on sender %s", l))
		return
	}
	payload, _ := f.body["payload"].(amqp.Binary)
	d := &Delivery{link: l, id: uint32(number(f.body["delivery-id"])), payload: []byte(payload)}
	d.remoteSettled, _ = f.body["settled"].(bool)
	l.deliveryCount++
	if l.credit > 0 {
		l.credit--
	}
	if !d.remoteSettled {
		eng.incoming[d.id] = d
	}
	eng.push(EDelivery, l, d)
}

// Delivery is a message transfer on a link.
type Delivery struct {
	link          *Link
	id            uint32
	payload       []byte
	settled       bool
	remoteSettled bool
	remote        Disposition
}

func (d *Delivery) Link() *Link         { return d.link }
func (d *Delivery) ID() uint32          { return d.id }
func (d *Delivery) Payload() []byte     { return d.payload }
func (d *Delivery) Settled() bool       { return d.settled }
func (d *Delivery) RemoteSettled() bool { return d.remoteSettled }
func (d *Delivery) Remote() Disposition { return d.remote }

// Settle the delivery. On a receiver the disposition is sent to the peer.
func (d *Delivery) Settle(disp Disposition) {
	if d.settled {
		return
	}
	d.settled = true
	eng := d.link.eng
	if d.link.sender {
		delete(eng.outgoing, d.id)
		return
	}
	delete(eng.incoming, d.id)
	if d.remoteSettled || d.link.detachSent {
		return
	}
	d.link.dispositions = append(d.link.dispositions, newFrame(frameTypeAMQP, "disposition", map[string]interface{}{
		"role":    "receiver",
		"first":   d.id,
		"settled": true,
		"state":   disp.toMap(),
	}))
}

// Accept and settle the delivery.
func (d *Delivery) Accept() { d.Settle(Disposition{Outcome: Accepted}) }

// Reject and settle the delivery with an optional condition.
func (d *Delivery) Reject(cond *amqp.Error) { d.Settle(Disposition{Outcome: Rejected, Error: cond}) }

// Release settles the delivery as released, or as modified with
// delivery-failed if the message was delivered to the application.
func (d *Delivery) Release(delivered bool) {
	if delivered {
		d.Settle(Disposition{Outcome: Modified, DeliveryFailed: true})
	} else {
		d.Settle(Disposition{Outcome: Released})
	}
}
