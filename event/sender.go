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

type pendingSend struct {
	payload []byte
	cb      DeliveryCallback
}

// SenderLink is the sending end of a link.
type SenderLink struct {
	link
	handler   SenderHandler
	queue     []pendingSend
	unsettled map[*proton.Delivery]DeliveryCallback
}

func newSenderLink(c *Connection, pl *proton.Link, h SenderHandler) *SenderLink {
	if h == nil {
		h = NopSenderHandler{}
	}
	s := &SenderLink{handler: h, unsettled: make(map[*proton.Delivery]DeliveryCallback)}
	s.init(c, pl, s)
	s.hooks = endpointHooks{
		active: func() {
			s.conn.dispatched("sender_active")
			s.handler.SenderActive(s)
			s.trySend()
		},
		remoteClosed: func() {
			s.conn.dispatched("sender_remote_closed")
			s.handler.SenderRemoteClosed(s, s.pl.RemoteCondition())
		},
		closed: func() {
			s.abort(nil)
			s.conn.dispatched("sender_closed")
			s.handler.SenderClosed(s)
		},
		failed: func(err error) {
			s.abort(err)
			s.conn.dispatched("sender_failed")
			s.handler.SenderFailed(s, err)
		},
	}
	return s
}

// SourceAddress is the local source address.
func (s *SenderLink) SourceAddress() string { return s.pl.Source().Address }

// TargetAddress is the peer's target once it has attached, the requested
// target before that. It is empty for a dynamic target not yet assigned.
func (s *SenderLink) TargetAddress() string {
	if s.remoteAttached() {
		return s.pl.RemoteTarget().Address
	}
	return s.pl.Target().Address
}

// Credit is the number of messages the peer will accept now.
func (s *SenderLink) Credit() int { return s.pl.Credit() }

// Pending is the number of messages waiting for credit or for an outcome.
func (s *SenderLink) Pending() int { return len(s.queue) + len(s.unsettled) }

// Send a message. It is sent when the peer grants credit. cb is called from a
// later Process with the outcome, or with Aborted if the link or connection
// ends first. If cb is nil the message is sent settled and no outcome is reported.
func (s *SenderLink) Send(m *amqp.Message, cb DeliveryCallback) error {
	if err := s.checkSendable(); err != nil {
		return err
	}
	payload, err := m.Encode()
	if err != nil {
		return fmt.Errorf("cannot send on %s: %w", s, err)
	}
	s.queue = append(s.queue, pendingSend{payload: payload, cb: cb})
	s.trySend()
	return nil
}

// Destroy frees the link. Sends still pending are aborted.
func (s *SenderLink) Destroy() {
	if s.destroyed {
		return
	}
	s.destroy()
	s.abort(nil)
}

func (s *SenderLink) trySend() {
	for len(s.queue) > 0 && s.pl.Credit() > 0 {
		if st := s.pl.State(); !st.LocalActive() || st.RemoteClosed() {
			return
		}
		p := s.queue[0]
		d, err := s.pl.Send(p.payload, p.cb == nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("send deferred")
			return
		}
		s.queue[0] = pendingSend{}
		s.queue = s.queue[1:]
		if p.cb != nil {
			s.unsettled[d] = p.cb
		}
	}
}

func (s *SenderLink) handleFlow() {
	s.trySend()
	s.conn.dispatched("credit_granted")
	s.handler.CreditGranted(s)
}

func (s *SenderLink) handleDelivery(d *proton.Delivery) {
	if !d.RemoteSettled() {
		return
	}
	cb, ok := s.unsettled[d]
	if !ok {
		return
	}
	delete(s.unsettled, d)
	d.Settle(proton.Disposition{})
	remote := d.Remote()
	status := sendStatus(remote.Outcome)
	var info *amqp.Error
	if status == Rejected {
		info = remote.Error
	}
	s.conn.collector.SendCompleted(status.String())
	cb(s, status, info)
}

// abort completes every pending send with Aborted.
func (s *SenderLink) abort(err error) {
	info := errorCondition(err)
	queue, unsettled := s.queue, s.unsettled
	s.queue, s.unsettled = nil, make(map[*proton.Delivery]DeliveryCallback)
	for _, p := range queue {
		if p.cb != nil {
			s.conn.collector.SendCompleted(Aborted.String())
			p.cb(s, Aborted, info)
		}
	}
	for d, cb := range unsettled {
		d.Settle(proton.Disposition{})
		s.conn.collector.SendCompleted(Aborted.String())
		cb(s, Aborted, info)
	}
}

func (s *SenderLink) connectionClosed() {
	if !s.Closed() {
		s.enter(stateClosed)
	}
}
