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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apache/qpid-proton-events/amqp"
	"github.com/apache/qpid-proton-events/proton"
	"github.com/apache/qpid-proton-events/telemetry"
)

// EOS is returned by NeedsInput and HasOutput once that side of the transport has closed.
const EOS = proton.EOS

// Connection is an AMQP connection driven by the application.
//
// The Connection does no I/O. The application moves bytes between its
// transport and the connection with NeedsInput/ProcessInput and
// HasOutput/OutputData/OutputWritten, and calls Process to dispatch the
// resulting events to the handlers.
//
// A Connection and its links must only be used by one goroutine at a time.
type Connection struct {
	endpoint
	container   *Container
	name        string
	handler     ConnectionHandler
	engine      *proton.Engine
	config      connectionConfig
	collector   telemetry.Collector
	userContext interface{}
	processing  bool
	destroyed   bool
	nextTick    time.Time
	links       map[proton.Handle]anyLink
	// requests are peer attached links waiting for accept or reject.
	requests map[proton.Handle]*proton.Link
}

func newConnection(cont *Container, name string, h ConnectionHandler, cfg connectionConfig) (*Connection, error) {
	c := &Connection{
		container: cont,
		name:      name,
		handler:   h,
		config:    cfg,
		collector: cont.collector,
		links:     make(map[proton.Handle]anyLink),
		requests:  make(map[proton.Handle]*proton.Link),
	}
	c.log = cont.log.With().Str("connection", name).Logger()
	c.hooks = endpointHooks{
		active:       c.onActive,
		remoteClosed: c.onRemoteClosed,
		closed:       c.onClosed,
		failed:       c.onFailed,
	}
	c.engine = proton.NewEngine(proton.Config{
		ContainerID: cont.name,
		Hostname:    cfg.Hostname,
		IdleTimeout: cfg.idleTimeout(),
		Trace:       cfg.Trace,
		Logger:      c.log,
	})
	if err := cfg.configureSASL(c.engine); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) Name() string { return c.name }

func (c *Connection) Container() *Container { return c.container }

func (c *Connection) String() string { return c.container.name + "/" + c.name }

// UserContext is any value the application associates with the connection.
func (c *Connection) UserContext() interface{} { return c.userContext }

func (c *Connection) SetUserContext(v interface{}) { c.userContext = v }

// RemoteContainer is the peer's container-id, empty until the peer opens.
func (c *Connection) RemoteContainer() string { return c.engine.RemoteContainer() }

// RemoteHostname is the hostname sent by the peer, empty if none.
func (c *Connection) RemoteHostname() string { return c.engine.RemoteHostname() }

// NextTick is the time by which Process must be called again, zero if there is no deadline.
func (c *Connection) NextTick() time.Time { return c.nextTick }

// SASL returns the SASL layer. SASL must be requested before the first I/O
// call unless it was enabled by the connection options.
func (c *Connection) SASL() (*proton.SASL, error) { return c.engine.SASL() }

// SSL returns the TLS session. It fails with proton.ErrSSLUnavailable.
func (c *Connection) SSL() (*proton.SSL, error) { return c.engine.SSL() }

// Open the connection. Does nothing if already open.
func (c *Connection) Open() { c.engine.Open() }

// Close the connection, sending cond to the peer if it is not nil.
func (c *Connection) Close(cond *amqp.Error) { c.engine.Close(cond) }

// NeedsInput is the number of bytes the connection can accept, or EOS if the input is closed.
func (c *Connection) NeedsInput() int { return c.engine.Capacity() }

// ProcessInput passes bytes read from the transport to the connection.
func (c *Connection) ProcessInput(data []byte) (int, error) { return c.engine.Feed(data) }

// CloseInput reports the end of the input. Before the peer has closed this
// fails the connection on the next Process.
func (c *Connection) CloseInput() { c.engine.CloseTail() }

// HasOutput is the number of bytes waiting to be written, or EOS if the output is closed.
func (c *Connection) HasOutput() int { return c.engine.Pending() }

// OutputData returns the bytes waiting to be written. It is valid until the next call on c.
func (c *Connection) OutputData() []byte { return c.engine.Output() }

// OutputWritten reports that n bytes of OutputData were written.
func (c *Connection) OutputWritten(n int) { c.engine.Pop(n) }

// CloseOutput reports that no more output can be written. Before the close
// frame is written this fails the connection on the next Process.
func (c *Connection) CloseOutput() { c.engine.CloseHead() }

// Process dispatches the pending events to the handlers and returns NextTick.
//
// Handlers may call any method of the connection or its links except Process.
// Calling Process while it is already running for the same connection panics
// with ErrReentrant.
func (c *Connection) Process(now time.Time) time.Time {
	if c.processing {
		c.collector.ReentrancyFault()
		c.log.Error().Msg("re-entrant call to Process")
		panic(ErrReentrant)
	}
	c.processing = true
	defer func() { c.processing = false }()

	if c.destroyed || c.Closed() {
		c.nextTick = time.Time{}
		return c.nextTick
	}
	c.nextTick = c.engine.Tick(now)
	for !c.destroyed && !c.Closed() {
		ev, ok := c.engine.PeekEvent()
		if !ok {
			break
		}
		c.engine.PopEvent()
		c.dispatch(ev)
	}
	return c.nextTick
}

func (c *Connection) dispatch(ev proton.Event) {
	switch ev.Type() {
	case proton.EConnectionLocalOpen:
		c.process(localOpened)
	case proton.EConnectionRemoteOpen:
		if !c.engine.State().RemoteClosed() {
			c.process(remoteOpened)
		}
	case proton.EConnectionLocalClose:
		c.process(localClosed)
	case proton.EConnectionRemoteClose:
		c.process(remoteClosed)
	case proton.ELinkLocalOpen, proton.ELinkLocalClose, proton.ELinkRemoteOpen, proton.ELinkRemoteClose:
		c.dispatchLink(ev)
	case proton.ELinkFlow:
		if pl := ev.Link(); pl != nil {
			if l := c.links[pl.Handle()]; l != nil {
				l.handleFlow()
			}
		}
	case proton.EDelivery:
		if pl := ev.Link(); pl != nil {
			if l := c.links[pl.Handle()]; l != nil {
				l.handleDelivery(ev.Delivery())
			}
		}
	case proton.ESASLStep:
		sasl, _ := c.engine.SASL()
		if c.handler == nil {
			c.log.Warn().Msg("no handler to check SASL credentials")
			sasl.Done(proton.SASLAuth)
			return
		}
		c.dispatched("sasl_step")
		c.handler.SASLStep(c, sasl)
	case proton.ESASLOutcome:
		sasl, _ := c.engine.SASL()
		c.log.Debug().Stringer("outcome", sasl.Outcome()).Str("mechanism", sasl.Mechanism()).Msg("SASL done")
		if c.handler != nil {
			c.dispatched("sasl_done")
			c.handler.SASLDone(c, sasl, sasl.Outcome())
		}
	case proton.ETransportError:
		c.fail(c.engine.Error())
	}
}

func (c *Connection) dispatchLink(ev proton.Event) {
	pl := ev.Link()
	if pl == nil {
		return // Freed
	}
	h := pl.Handle()
	l := c.links[h]
	switch ev.Type() {
	case proton.ELinkLocalOpen:
		if l != nil {
			l.base().process(localOpened)
		}
	case proton.ELinkLocalClose:
		if l != nil {
			l.base().process(localClosed)
		}
	case proton.ELinkRemoteOpen:
		if pl.State().RemoteClosed() {
			return // The remote close follows
		}
		if l != nil {
			l.base().process(remoteOpened)
			return
		}
		if !pl.State().LocalClosed() {
			c.linkRequested(pl)
		}
	case proton.ELinkRemoteClose:
		if l != nil {
			l.base().process(remoteClosed)
			return
		}
		if _, ok := c.requests[h]; ok {
			c.log.Debug().Stringer("link", pl).Msg("link request withdrawn by peer")
			delete(c.requests, h)
		}
		pl.Close(nil)
		pl.Free()
	}
}

func (c *Connection) linkRequested(pl *proton.Link) {
	req := LinkRequest{Handle: pl.Handle(), Name: pl.Name(), Properties: make(map[string]interface{})}
	for k, v := range pl.RemoteProperties() {
		req.Properties[k] = v
	}
	role := "receiver"
	if pl.IsReceiver() {
		req.RequestedTarget = pl.RemoteTarget().Address
		if src := pl.RemoteSource().Address; src != "" {
			req.Properties["source-address"] = src
		}
	} else {
		role = "sender"
		req.RequestedSource = pl.RemoteSource().Address
		if tgt := pl.RemoteTarget().Address; tgt != "" {
			req.Properties["target-address"] = tgt
		}
	}
	if c.handler == nil {
		c.log.Debug().Stringer("link", pl).Msg("no handler, link request refused")
		pl.Close(amqp.Condition(amqp.NotAllowed, "link requests are not accepted", nil))
		pl.Free()
		c.collector.LinkRequest(role, "refused")
		return
	}
	c.requests[pl.Handle()] = pl
	c.log.Debug().Stringer("link", pl).Str("role", role).Msg("link requested")
	if pl.IsReceiver() {
		c.dispatched("receiver_requested")
		c.handler.ReceiverRequested(c, req)
	} else {
		c.dispatched("sender_requested")
		c.handler.SenderRequested(c, req)
	}
}

// resolve removes and returns the pending request for h.
func (c *Connection) resolve(h proton.Handle, receiver bool) (*proton.Link, error) {
	pl, ok := c.requests[h]
	if !ok || pl.IsReceiver() != receiver {
		return nil, invalidHandle("link request", h)
	}
	if c.terminal() {
		return nil, fmt.Errorf("%w: connection %s is %s", ErrInvalidState, c, c.state)
	}
	delete(c.requests, h)
	return pl, nil
}

// CreateSender creates a sender link. Nothing is sent to the peer until the
// link is opened. An empty target asks the peer to assign one.
// h may be nil to ignore link events.
func (c *Connection) CreateSender(source, target string, h SenderHandler, opts ...LinkOption) (*SenderLink, error) {
	if c.terminal() || c.destroyed {
		return nil, fmt.Errorf("%w: connection %s is %s", ErrInvalidState, c, c.state)
	}
	settings := makeLinkSettings(opts)
	pl := c.engine.NewSender(c.linkName(settings))
	pl.SetSource(proton.Terminus{Address: source})
	pl.SetTarget(proton.Terminus{Address: target, Dynamic: target == ""})
	pl.SetProperties(settings.properties)
	return newSenderLink(c, pl, h), nil
}

// CreateReceiver creates a receiver link. Nothing is sent to the peer until
// the link is opened. An empty source asks the peer to assign one.
// h may be nil to ignore link events.
func (c *Connection) CreateReceiver(target, source string, h ReceiverHandler, opts ...LinkOption) (*ReceiverLink, error) {
	if c.terminal() || c.destroyed {
		return nil, fmt.Errorf("%w: connection %s is %s", ErrInvalidState, c, c.state)
	}
	settings := makeLinkSettings(opts)
	pl := c.engine.NewReceiver(c.linkName(settings))
	pl.SetTarget(proton.Terminus{Address: target})
	pl.SetSource(proton.Terminus{Address: source, Dynamic: source == ""})
	pl.SetProperties(settings.properties)
	return newReceiverLink(c, pl, h), nil
}

func (c *Connection) linkName(s linkSettings) string {
	if s.name != "" {
		return s.name
	}
	return c.container.nextLinkName()
}

// AcceptReceiver accepts the peer's request h for this end to receive.
// The target is targetOverride if not empty, else the target the peer
// requested, else a generated address. The LinkName option is ignored, the
// peer chose the name. Call Open on the returned link.
func (c *Connection) AcceptReceiver(h proton.Handle, targetOverride string, handler ReceiverHandler, opts ...LinkOption) (*ReceiverLink, error) {
	pl, err := c.resolve(h, true)
	if err != nil {
		return nil, err
	}
	pl.SetSource(pl.RemoteSource())
	pl.SetTarget(proton.Terminus{Address: assignAddress(targetOverride, pl.RemoteTarget().Address)})
	pl.SetProperties(makeLinkSettings(opts).properties)
	r := newReceiverLink(c, pl, handler)
	r.process(remoteOpened)
	c.collector.LinkRequest("receiver", "accepted")
	return r, nil
}

// AcceptSender accepts the peer's request h for this end to send.
// The source is sourceOverride if not empty, else the source the peer
// requested, else a generated address. Call Open on the returned link.
func (c *Connection) AcceptSender(h proton.Handle, sourceOverride string, handler SenderHandler, opts ...LinkOption) (*SenderLink, error) {
	pl, err := c.resolve(h, false)
	if err != nil {
		return nil, err
	}
	pl.SetSource(proton.Terminus{Address: assignAddress(sourceOverride, pl.RemoteSource().Address)})
	pl.SetTarget(pl.RemoteTarget())
	pl.SetProperties(makeLinkSettings(opts).properties)
	s := newSenderLink(c, pl, handler)
	s.process(remoteOpened)
	c.collector.LinkRequest("sender", "accepted")
	return s, nil
}

func assignAddress(override, requested string) string {
	switch {
	case override != "":
		return override
	case requested != "":
		return requested
	default:
		return uuid.NewString()
	}
}

// RejectReceiver refuses the peer's request h. cond, which may be nil, is
// passed to the peer.
func (c *Connection) RejectReceiver(h proton.Handle, cond *amqp.Error) error {
	return c.reject(h, true, cond)
}

// RejectSender refuses the peer's request h. cond, which may be nil, is
// passed to the peer.
func (c *Connection) RejectSender(h proton.Handle, cond *amqp.Error) error {
	return c.reject(h, false, cond)
}

func (c *Connection) reject(h proton.Handle, receiver bool, cond *amqp.Error) error {
	pl, err := c.resolve(h, receiver)
	if err != nil {
		return err
	}
	c.log.Debug().Stringer("link", pl).Interface("condition", cond).Msg("link request rejected")
	pl.Close(cond)
	pl.Free()
	role := "sender"
	if receiver {
		role = "receiver"
	}
	c.collector.LinkRequest(role, "rejected")
	return nil
}

// Sender returns the sender link with handle h, nil if there is none.
func (c *Connection) Sender(h proton.Handle) *SenderLink {
	s, _ := c.links[h].(*SenderLink)
	return s
}

// Receiver returns the receiver link with handle h, nil if there is none.
func (c *Connection) Receiver(h proton.Handle) *ReceiverLink {
	r, _ := c.links[h].(*ReceiverLink)
	return r
}

// Destroy releases the connection and its links and removes it from the container.
// The connection should be closed first.
func (c *Connection) Destroy() {
	if c.destroyed {
		return
	}
	if !c.Closed() {
		c.log.Warn().Stringer("state", c.state).Msg("destroying connection that is not closed")
	}
	c.destroyed = true
	for _, l := range c.links {
		l.base().pl.Free()
	}
	c.links = nil
	c.discardRequests()
	c.container.removeConnection(c)
	c.log.Debug().Msg("connection destroyed")
}

// discardRequests drops unresolved link requests, their handles become invalid.
func (c *Connection) discardRequests() {
	for h, pl := range c.requests {
		c.log.Debug().Stringer("link", pl).Msg("unresolved link request discarded")
		pl.Free()
		delete(c.requests, h)
	}
}

func (c *Connection) dispatched(event string) {
	c.collector.EventDispatched(event)
}

func (c *Connection) onActive() {
	if c.handler != nil {
		c.dispatched("connection_active")
		c.handler.ConnectionActive(c)
	}
}

func (c *Connection) onRemoteClosed() {
	if c.handler != nil {
		c.dispatched("connection_remote_closed")
		c.handler.ConnectionRemoteClosed(c, c.engine.RemoteCondition())
	}
}

func (c *Connection) onClosed() {
	for _, l := range c.links {
		l.connectionClosed()
	}
	c.discardRequests()
	if c.handler != nil {
		c.dispatched("connection_closed")
		c.handler.ConnectionClosed(c)
	}
}

func (c *Connection) onFailed(err error) {
	for _, l := range c.links {
		l.base().fail(err)
	}
	c.discardRequests()
	if c.handler != nil {
		c.dispatched("connection_failed")
		c.handler.ConnectionFailed(c, err)
	}
}

// linkLogger is the logger of a link on this connection.
func (c *Connection) linkLogger(pl *proton.Link) zerolog.Logger {
	return c.log.With().Str("link", pl.Name()).Uint32("handle", uint32(pl.Handle())).Logger()
}
