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

// anyLink is implemented by *SenderLink and *ReceiverLink.
type anyLink interface {
	base() *link
	handleFlow()
	handleDelivery(d *proton.Delivery)
	// connectionClosed closes the link because its connection closed.
	connectionClosed()
}

// link is the state shared by senders and receivers.
type link struct {
	endpoint
	conn        *Connection
	pl          *proton.Link
	userContext interface{}
	destroyed   bool
}

func (l *link) init(c *Connection, pl *proton.Link, self anyLink) {
	l.conn = c
	l.pl = pl
	l.log = c.linkLogger(pl)
	c.links[pl.Handle()] = self
}

func (l *link) base() *link { return l }

// Name of the link, unique among links between the same containers in the same direction.
func (l *link) Name() string { return l.pl.Name() }

// Handle identifies the link within its connection.
func (l *link) Handle() proton.Handle { return l.pl.Handle() }

func (l *link) IsSender() bool { return l.pl.IsSender() }

func (l *link) Connection() *Connection { return l.conn }

// Properties are the local link properties.
func (l *link) Properties() map[string]interface{} { return l.pl.Properties() }

// RemoteProperties are the peer's link properties, nil until the peer attaches.
func (l *link) RemoteProperties() map[string]interface{} { return l.pl.RemoteProperties() }

func (l *link) UserContext() interface{} { return l.userContext }

func (l *link) SetUserContext(v interface{}) { l.userContext = v }

func (l *link) String() string { return fmt.Sprintf("%s/%s", l.conn, l.pl) }

// Open the link. Does nothing if already open.
func (l *link) Open() { l.pl.Open() }

// Close the link, sending cond to the peer if it is not nil.
func (l *link) Close(cond *amqp.Error) { l.pl.Close(cond) }

// remoteAttached is true once the peer's attach has arrived.
func (l *link) remoteAttached() bool { return !l.pl.State().RemoteUninit() }

// checkSendable returns an error wrapping ErrInvalidState once the link is being closed.
func (l *link) checkSendable() error {
	switch l.state {
	case stateClosing, stateNeedClose, stateClosed, stateFailed:
		return fmt.Errorf("%w: link %s is %s", ErrInvalidState, l, l.state)
	}
	if l.destroyed {
		return fmt.Errorf("%w: link %s is destroyed", ErrInvalidState, l)
	}
	return nil
}

// destroy frees the engine link and removes it from the connection.
func (l *link) destroy() {
	if l.destroyed {
		return
	}
	if !l.Closed() {
		l.log.Warn().Stringer("state", l.state).Msg("destroying link that is not closed")
	}
	l.destroyed = true
	l.pl.Close(nil)
	l.pl.Free()
	if l.conn.links != nil {
		delete(l.conn.links, l.pl.Handle())
	}
}

// errorCondition is the condition passed to delivery callbacks for err.
func errorCondition(err error) *amqp.Error {
	if err == nil {
		return nil
	}
	cond := amqp.MakeError(err)
	return &cond
}
