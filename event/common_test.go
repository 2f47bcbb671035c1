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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apache/qpid-proton-events/amqp"
	"github.com/apache/qpid-proton-events/proton"
)

// processConnections calls Process on both connections and moves bytes
// between them until nothing moves.
func processConnections(t *testing.T, a, b *Connection) {
	t.Helper()
	for i := 0; i < 100; i++ {
		now := time.Now()
		a.Process(now)
		b.Process(now)
		moved := transfer(t, a, b)
		moved = transfer(t, b, a) || moved
		if !moved {
			return
		}
	}
	t.Fatal("connections did not settle")
}

// transfer moves the pending output of src to dst, dropping it if dst has no input.
func transfer(t *testing.T, src, dst *Connection) bool {
	if src.HasOutput() <= 0 {
		return false
	}
	out := src.OutputData()
	if dst.NeedsInput() > 0 {
		_, err := dst.ProcessInput(out)
		require.NoError(t, err)
	}
	src.OutputWritten(len(out))
	return true
}

func newContainers(t *testing.T, opts ...ContainerOption) (c1, c2 *Container) {
	t.Helper()
	c1, err := NewContainer("test-container-1", opts...)
	require.NoError(t, err)
	c2, err = NewContainer("test-container-2", opts...)
	require.NoError(t, err)
	return c1, c2
}

func mustConnect(t *testing.T, cont *Container, name string, h ConnectionHandler) *Connection {
	t.Helper()
	return mustConnectWith(t, cont, name, h, nil)
}

func mustConnectWith(t *testing.T, cont *Container, name string, h ConnectionHandler, props map[string]interface{}) *Connection {
	t.Helper()
	c, err := cont.CreateConnection(name, h, props)
	require.NoError(t, err)
	return c
}

// openPair opens two connected connections and processes them until both are active.
func openPair(t *testing.T, h1, h2 ConnectionHandler) (c1, c2 *Connection) {
	t.Helper()
	cont1, cont2 := newContainers(t)
	c1 = mustConnect(t, cont1, "c1", h1)
	c2 = mustConnect(t, cont2, "c2", h2)
	c1.Open()
	c2.Open()
	processConnections(t, c1, c2)
	require.True(t, c1.Active())
	require.True(t, c2.Active())
	return c1, c2
}

type connCallback struct {
	NopConnectionHandler
	activeCt, remoteClosedCt, closedCt, failedCt int
	remoteClosedError                            *amqp.Error
	failedError                                  error
	senderRequests, receiverRequests             []LinkRequest

	onActive            func(c *Connection)
	onSenderRequested   func(c *Connection, req LinkRequest)
	onReceiverRequested func(c *Connection, req LinkRequest)
	onSASLStep          func(c *Connection, sasl *proton.SASL)
	saslOutcomes        []proton.SASLOutcome
}

func (cb *connCallback) ConnectionActive(c *Connection) {
	cb.activeCt++
	if cb.onActive != nil {
		cb.onActive(c)
	}
}

func (cb *connCallback) ConnectionRemoteClosed(c *Connection, cond *amqp.Error) {
	cb.remoteClosedCt++
	cb.remoteClosedError = cond
}

func (cb *connCallback) ConnectionClosed(c *Connection) { cb.closedCt++ }

func (cb *connCallback) ConnectionFailed(c *Connection, err error) {
	cb.failedCt++
	cb.failedError = err
}

func (cb *connCallback) SenderRequested(c *Connection, req LinkRequest) {
	cb.senderRequests = append(cb.senderRequests, req)
	if cb.onSenderRequested != nil {
		cb.onSenderRequested(c, req)
	}
}

func (cb *connCallback) ReceiverRequested(c *Connection, req LinkRequest) {
	cb.receiverRequests = append(cb.receiverRequests, req)
	if cb.onReceiverRequested != nil {
		cb.onReceiverRequested(c, req)
	}
}

func (cb *connCallback) SASLStep(c *Connection, sasl *proton.SASL) {
	if cb.onSASLStep != nil {
		cb.onSASLStep(c, sasl)
	}
}

func (cb *connCallback) SASLDone(c *Connection, sasl *proton.SASL, outcome proton.SASLOutcome) {
	cb.saslOutcomes = append(cb.saslOutcomes, outcome)
}

type senderCallback struct {
	activeCt, remoteClosedCt, closedCt, failedCt, creditCt int
	remoteClosedError                                      *amqp.Error
	failedError                                            error
}

func (cb *senderCallback) SenderActive(*SenderLink) { cb.activeCt++ }

func (cb *senderCallback) SenderRemoteClosed(s *SenderLink, cond *amqp.Error) {
	cb.remoteClosedCt++
	cb.remoteClosedError = cond
}

func (cb *senderCallback) SenderClosed(*SenderLink) { cb.closedCt++ }

func (cb *senderCallback) SenderFailed(s *SenderLink, err error) {
	cb.failedCt++
	cb.failedError = err
}

func (cb *senderCallback) CreditGranted(*SenderLink) { cb.creditCt++ }

type received struct {
	msg    *amqp.Message
	handle MessageHandle
}

type receiverCallback struct {
	activeCt, remoteClosedCt, closedCt, failedCt int
	remoteClosedError                            *amqp.Error
	failedError                                  error
	messages                                     []received

	onRemoteClosed func(r *ReceiverLink)
}

func (cb *receiverCallback) ReceiverActive(*ReceiverLink) { cb.activeCt++ }

func (cb *receiverCallback) ReceiverRemoteClosed(r *ReceiverLink, cond *amqp.Error) {
	cb.remoteClosedCt++
	cb.remoteClosedError = cond
	if cb.onRemoteClosed != nil {
		cb.onRemoteClosed(r)
	}
}

func (cb *receiverCallback) ReceiverClosed(*ReceiverLink) { cb.closedCt++ }

func (cb *receiverCallback) ReceiverFailed(r *ReceiverLink, err error) {
	cb.failedCt++
	cb.failedError = err
}

func (cb *receiverCallback) MessageReceived(r *ReceiverLink, msg *amqp.Message, h MessageHandle) {
	cb.messages = append(cb.messages, received{msg, h})
}

type outcome struct {
	status SendStatus
	info   *amqp.Error
}

// outcomes records delivery callbacks.
type outcomes []outcome

func (o *outcomes) callback() DeliveryCallback {
	return func(s *SenderLink, status SendStatus, info *amqp.Error) {
		*o = append(*o, outcome{status, info})
	}
}
