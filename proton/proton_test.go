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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/qpid-proton-events/amqp"
)

type events []EventType

// pump moves bytes between two engines until neither has output.
func pump(t *testing.T, a, b *Engine) {
	t.Helper()
	for i := 0; i < 100; i++ {
		moved := false
		for _, p := range [][2]*Engine{{a, b}, {b, a}} {
			src, dst := p[0], p[1]
			if src.Pending() <= 0 {
				continue
			}
			out := src.Output()
			if dst.Capacity() > 0 {
				_, err := dst.Feed(out)
				require.NoError(t, err)
			}
			src.Pop(len(out))
			moved = true
		}
		if !moved {
			return
		}
	}
	t.Fatal("engines did not settle")
}

func drain(eng *Engine) (got events) {
	for ev, ok := eng.PeekEvent(); ok; ev, ok = eng.PeekEvent() {
		got = append(got, ev.Type())
		eng.PopEvent()
	}
	return got
}

// next pops the next event and checks its type.
func next(t *testing.T, eng *Engine, want EventType) Event {
	t.Helper()
	ev, ok := eng.PeekEvent()
	require.True(t, ok, "want %s, got no event", want)
	require.Equal(t, want, ev.Type())
	eng.PopEvent()
	return ev
}

func openPair(t *testing.T) (client, server *Engine) {
	client = NewEngine(Config{ContainerID: "client", Hostname: "example.com"})
	server = NewEngine(Config{ContainerID: "server"})
	client.Open()
	server.Open()
	pump(t, client, server)
	require.Equal(t, events{EConnectionLocalOpen, EConnectionRemoteOpen}, drain(client))
	require.Equal(t, events{EConnectionLocalOpen, EConnectionRemoteOpen}, drain(server))
	return client, server
}

func TestOpenClose(t *testing.T) {
	client := NewEngine(Config{ContainerID: "client", Hostname: "example.com"})
	server := NewEngine(Config{ContainerID: "server"})

	client.Open()
	pump(t, client, server)
	assert.Equal(t, events{EConnectionLocalOpen}, drain(client))
	assert.Equal(t, events{EConnectionRemoteOpen}, drain(server))
	assert.Equal(t, "client", server.RemoteContainer())
	assert.Equal(t, "example.com", server.RemoteHostname())
	assert.True(t, server.State().RemoteActive())
	assert.True(t, server.State().LocalUninit())

	server.Open()
	pump(t, client, server)
	assert.Equal(t, events{EConnectionRemoteOpen}, drain(client))
	assert.Equal(t, events{EConnectionLocalOpen}, drain(server))
	assert.Equal(t, "server", client.RemoteContainer())

	client.Close(amqp.Condition("x", "y", nil))
	pump(t, client, server)
	assert.Equal(t, events{EConnectionLocalClose, ETransportHeadClosed}, drain(client))
	assert.Equal(t, events{EConnectionRemoteClose, ETransportTailClosed}, drain(server))
	require.NotNil(t, server.RemoteCondition())
	assert.Equal(t, "x", server.RemoteCondition().Name)
	assert.Equal(t, EOS, server.Capacity())

	server.Close(nil)
	pump(t, client, server)
	assert.Equal(t, events{EConnectionLocalClose, ETransportHeadClosed, ETransportClosed}, drain(server))
	assert.Equal(t, events{EConnectionRemoteClose, ETransportTailClosed, ETransportClosed}, drain(client))
	assert.Nil(t, client.RemoteCondition())
	assert.Equal(t, EOS, server.Pending())
	assert.Equal(t, EOS, client.Pending())
	assert.NoError(t, client.Error())
	assert.NoError(t, server.Error())
}

func TestLinkTransfer(t *testing.T) {
	client, server := openPair(t)

	snd := client.NewSender("link1")
	snd.SetTarget(Terminus{Address: "queue"})
	snd.SetProperties(map[string]interface{}{"distribution-mode": "copy"})
	snd.Open()
	pump(t, client, server)
	assert.Equal(t, events{ELinkLocalOpen}, drain(client))
	rcv := next(t, server, ELinkRemoteOpen).Link()
	assert.True(t, rcv.IsReceiver())
	assert.Equal(t, "link1", rcv.Name())
	assert.Equal(t, "queue", rcv.RemoteTarget().Address)
	assert.Equal(t, "copy", rcv.RemoteProperties()["distribution-mode"])
	assert.Equal(t, rcv, server.Link(rcv.Handle()))

	_, err := snd.Send([]byte("early"), false)
	assert.ErrorIs(t, err, ErrNoCredit)

	rcv.SetTarget(rcv.RemoteTarget())
	rcv.Open()
	rcv.Flow(2)
	pump(t, client, server)
	assert.Equal(t, events{ELinkLocalOpen}, drain(server))
	assert.Equal(t, events{ELinkRemoteOpen, ELinkFlow}, drain(client))
	assert.Equal(t, 2, snd.Credit())

	d, err := snd.Send([]byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, snd.Credit())
	pump(t, client, server)
	rd := next(t, server, EDelivery).Delivery()
	assert.Equal(t, []byte("hello"), rd.Payload())
	assert.False(t, rd.RemoteSettled())
	assert.Equal(t, 1, rcv.Credit())

	rd.Accept()
	pump(t, client, server)
	ev := next(t, client, EDelivery)
	assert.Equal(t, d, ev.Delivery())
	assert.True(t, d.RemoteSettled())
	assert.Equal(t, Accepted, d.Remote().Outcome)

	_, err = snd.Send([]byte("fire and forget"), true)
	require.NoError(t, err)
	pump(t, client, server)
	rd = next(t, server, EDelivery).Delivery()
	assert.True(t, rd.RemoteSettled())
	_, err = snd.Send([]byte("no credit"), false)
	assert.ErrorIs(t, err, ErrNoCredit)

	rcv.Flow(1)
	pump(t, client, server)
	next(t, client, ELinkFlow)
	d, err = snd.Send([]byte("bad"), false)
	require.NoError(t, err)
	pump(t, client, server)
	next(t, server, EDelivery).Delivery().Reject(amqp.Condition(amqp.DecodeError, "bad", nil))
	pump(t, client, server)
	next(t, client, EDelivery)
	assert.Equal(t, Rejected, d.Remote().Outcome)
	require.NotNil(t, d.Remote().Error)
	assert.Equal(t, amqp.DecodeError, d.Remote().Error.Name)

	snd.Close(nil)
	pump(t, client, server)
	assert.Equal(t, events{ELinkLocalClose}, drain(client))
	assert.Equal(t, events{ELinkRemoteClose}, drain(server))
	assert.True(t, rcv.State().RemoteClosed())
	assert.Nil(t, rcv.RemoteCondition())
	_, err = snd.Send([]byte("closed"), false)
	assert.ErrorIs(t, err, ErrLinkState)

	rcv.Close(nil)
	pump(t, client, server)
	assert.Equal(t, events{ELinkRemoteClose}, drain(client))
	snd.Free()
	assert.Nil(t, client.Link(snd.Handle()))
}

func TestRefuseLink(t *testing.T) {
	client, server := openPair(t)
	rcv := client.NewReceiver("r")
	rcv.SetSource(Terminus{Address: "src"})
	rcv.Open()
	pump(t, client, server)
	drain(client)
	l := next(t, server, ELinkRemoteOpen).Link()
	assert.True(t, l.IsSender())
	assert.Equal(t, "src", l.RemoteSource().Address)

	cond := amqp.Condition("reject", "Smells funny", map[string]interface{}{"aroma": "bananas"})
	l.Close(cond)
	pump(t, client, server)
	assert.Equal(t, events{ELinkRemoteOpen, ELinkRemoteClose}, drain(client))
	assert.True(t, rcv.State().RemoteClosed())
	assert.Equal(t, cond, rcv.RemoteCondition())
}

func TestDynamicTerminus(t *testing.T) {
	client, server := openPair(t)
	rcv := client.NewReceiver("dyn")
	rcv.SetSource(Terminus{Dynamic: true})
	rcv.Open()
	pump(t, client, server)
	l := next(t, server, ELinkRemoteOpen).Link()
	assert.True(t, l.RemoteSource().Dynamic)
	assert.Equal(t, "", l.RemoteSource().Address)
}

func TestHandlesNotReused(t *testing.T) {
	eng := NewEngine(Config{})
	a := eng.NewSender("a")
	a.Free()
	b := eng.NewSender("b")
	assert.NotEqual(t, a.Handle(), b.Handle())
	assert.Nil(t, eng.Link(a.Handle()))
	assert.Equal(t, b, eng.Link(b.Handle()))
}

func TestCloseTailEarly(t *testing.T) {
	client, _ := openPair(t)
	client.CloseTail()
	assert.Equal(t, events{ETransportError, ETransportTailClosed, ETransportHeadClosed, ETransportClosed}, drain(client))
	var cond amqp.Error
	require.True(t, errors.As(client.Error(), &cond))
	assert.Equal(t, amqp.FramingError, cond.Name)
	assert.Equal(t, EOS, client.Capacity())
	assert.Equal(t, EOS, client.Pending())
	_, err := client.Feed([]byte("x"))
	assert.ErrorIs(t, err, ErrTailClosed)

	client.CloseTail()
	client.CloseHead()
	assert.Empty(t, drain(client))
}

func TestCloseHeadEarly(t *testing.T) {
	client, _ := openPair(t)
	client.CloseHead()
	assert.Equal(t, events{ETransportError, ETransportTailClosed, ETransportHeadClosed, ETransportClosed}, drain(client))
	assert.Error(t, client.Error())
}

func TestBadProtocolHeader(t *testing.T) {
	eng := NewEngine(Config{})
	_, err := eng.Feed([]byte("HTTP/1.1 200 OK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, ETransportError, next(t, eng, ETransportError).Type())
	var cond amqp.Error
	require.True(t, errors.As(eng.Error(), &cond))
	assert.Equal(t, amqp.FramingError, cond.Name)
}

func TestIdleTimeout(t *testing.T) {
	client := NewEngine(Config{ContainerID: "client", IdleTimeout: time.Second})
	server := NewEngine(Config{ContainerID: "server"})
	now := time.Unix(1000, 0)
	assert.Equal(t, now.Add(time.Second), client.Tick(now))
	assert.True(t, server.Tick(now).IsZero())

	client.Open()
	server.Open()
	pump(t, client, server)
	assert.Equal(t, time.Second, server.RemoteIdleTimeout())
	assert.Equal(t, now.Add(500*time.Millisecond), server.Tick(now))

	// Server sends a heartbeat at half the peer's timeout.
	later := now.Add(600 * time.Millisecond)
	assert.Equal(t, later.Add(500*time.Millisecond), server.Tick(later))
	assert.Equal(t, FrameHeaderSize, server.Pending())
	pump(t, client, server)
	later = now.Add(900 * time.Millisecond)
	assert.Equal(t, later.Add(time.Second), client.Tick(later))

	drain(client)
	drain(server)
	client.Tick(now.Add(5 * time.Second))
	assert.Equal(t, events{ETransportError, ETransportTailClosed}, drain(client))
	var cond amqp.Error
	require.True(t, errors.As(client.Error(), &cond))
	assert.Equal(t, amqp.ResourceLimitExceeded, cond.Name)

	pump(t, client, server)
	assert.Equal(t, events{ETransportHeadClosed, ETransportClosed}, drain(client))
	assert.Equal(t, events{EConnectionRemoteClose, ETransportTailClosed}, drain(server))
	require.NotNil(t, server.RemoteCondition())
	assert.Equal(t, amqp.ResourceLimitExceeded, server.RemoteCondition().Name)
}

func saslPair(t *testing.T, user string, mechs ...string) (client, server *Engine, cs, ss *SASL) {
	client = NewEngine(Config{ContainerID: "client"})
	server = NewEngine(Config{ContainerID: "server"})
	cs, err := client.SASL()
	require.NoError(t, err)
	if user != "" {
		cs.Plain(user, "secret")
	}
	ss, err = server.SASL()
	require.NoError(t, err)
	ss.SetServer(true)
	ss.AllowMechs(mechs...)
	client.Open()
	server.Open()
	pump(t, client, server)
	return client, server, cs, ss
}

func TestSASLPlain(t *testing.T) {
	client, server, cs, ss := saslPair(t, "user", "PLAIN")
	assert.Equal(t, events{EConnectionLocalOpen}, drain(client))
	assert.Equal(t, events{EConnectionLocalOpen, ESASLStep}, drain(server))
	assert.Equal(t, "PLAIN", ss.Mechanism())
	assert.Equal(t, "user", ss.User())
	assert.Equal(t, "secret", ss.Password())
	assert.Equal(t, []byte("\x00user\x00secret"), ss.Recv())
	assert.Equal(t, SASLNone, ss.Outcome())

	ss.Done(SASLOk)
	pump(t, client, server)
	assert.Equal(t, events{ESASLOutcome, EConnectionRemoteOpen}, drain(client))
	assert.Equal(t, events{ESASLOutcome, EConnectionRemoteOpen}, drain(server))
	assert.Equal(t, SASLOk, cs.Outcome())
	assert.Equal(t, "PLAIN", cs.Mechanism())
}

func TestSASLAnonymous(t *testing.T) {
	client, server, cs, ss := saslPair(t, "")
	assert.Equal(t, events{EConnectionLocalOpen, ESASLOutcome, EConnectionRemoteOpen}, drain(client))
	assert.Equal(t, events{EConnectionLocalOpen, ESASLOutcome, EConnectionRemoteOpen}, drain(server))
	assert.Equal(t, "ANONYMOUS", cs.Mechanism())
	assert.Equal(t, SASLOk, ss.Outcome())
}

func TestSASLFailed(t *testing.T) {
	client, server, cs, ss := saslPair(t, "user", "PLAIN")
	drain(client)
	drain(server)
	ss.Done(SASLAuth)
	pump(t, client, server)
	assert.Equal(t, SASLAuth, cs.Outcome())
	assert.Equal(t, events{ESASLOutcome, ETransportError, ETransportTailClosed, ETransportHeadClosed, ETransportClosed}, drain(client))
	assert.Equal(t, events{ESASLOutcome, ETransportError, ETransportTailClosed, ETransportHeadClosed, ETransportClosed}, drain(server))
	var cond amqp.Error
	require.True(t, errors.As(client.Error(), &cond))
	assert.Equal(t, amqp.UnauthorizedAccess, cond.Name)
}

func TestSASLNoMechanism(t *testing.T) {
	// PLAIN without credentials cannot be chosen.
	client, _, cs, _ := saslPair(t, "", "PLAIN")
	assert.Equal(t, SASLSys, cs.Outcome())
	assert.Contains(t, drain(client), ETransportError)
}

func TestSASLAfterStart(t *testing.T) {
	eng := NewEngine(Config{})
	eng.Pending()
	_, err := eng.SASL()
	assert.ErrorIs(t, err, ErrSASLStarted)
}

func TestUnpackFrame(t *testing.T) {
	buf, err := packFrame(nil, newFrame(frameTypeAMQP, "open", map[string]interface{}{"container-id": "x"}))
	require.NoError(t, err)
	_, _, err = unpackFrame(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrIncompleteFrame)
	f, n, err := unpackFrame(append(buf, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "open", f.performative())
	assert.Equal(t, "x", f.body["container-id"])

	heartbeat, err := packFrame(nil, frame{})
	require.NoError(t, err)
	f, n, err = unpackFrame(heartbeat)
	require.NoError(t, err)
	assert.Equal(t, FrameHeaderSize, n)
	assert.Nil(t, f.body)

	_, _, err = unpackFrame([]byte{0, 0, 0, 4, 2, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidFrameLength)
}

func TestFreeAfterCloseSendsDetach(t *testing.T) {
	client, server := openPair(t)
	rcv := client.NewReceiver("r")
	rcv.SetSource(Terminus{Address: "src"})
	rcv.Open()
	pump(t, client, server)
	drain(client)
	l := next(t, server, ELinkRemoteOpen).Link()
	l.Close(nil)
	l.Free()
	pump(t, client, server)
	assert.Equal(t, events{ELinkRemoteOpen, ELinkRemoteClose}, drain(client))
	assert.True(t, rcv.State().RemoteClosed())
}
