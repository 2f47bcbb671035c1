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
	"bytes"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/apache/qpid-proton-events/amqp"
)

// EOS is returned by Capacity and Pending once that side of the transport has closed.
const EOS = -1

const bufferSize = 16 * 1024

func envBool(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// Config is the fixed configuration of an Engine.
type Config struct {
	// ContainerID is sent to the peer in the open frame.
	ContainerID string
	// Hostname is the virtual host sent in the open frame.
	Hostname string
	// IdleTimeout fails the transport if nothing is read for this long. Zero disables it.
	IdleTimeout time.Duration
	// Trace logs every frame at debug level.
	//
	// As with the C engine, setting PN_TRACE_FRM to true, 1, yes or on in the
	// process environment turns tracing on for every Engine regardless of
	// Trace. It cannot turn tracing off.
	Trace  bool
	Logger zerolog.Logger
}

type inputStage int

const (
	inSASLHeader inputStage = iota
	inSASL
	inAMQPHeader
	inAMQP
)

type outputStage int

const (
	outNone outputStage = iota
	outSASL
	outAMQP
)

// Engine holds the protocol state of a single AMQP connection.
//
// The Engine does not do I/O: call Feed with bytes read from the transport,
// write the bytes returned by Output and report them with Pop. Local and remote
// state changes are queued as events, see PeekEvent.
type Engine struct {
	config Config
	log    zerolog.Logger
	trace  bool

	state                           State
	cond, remoteCond                *amqp.Error
	remoteContainer, remoteHostname string
	remoteIdleTimeout               time.Duration
	openSent, closeSent             bool

	links          []*Link
	byHandle       map[Handle]*Link
	byRemote       map[uint32]*Link
	nextHandle     Handle
	nextDeliveryID uint32
	outgoing       map[uint32]*Delivery
	incoming       map[uint32]*Delivery

	sasl     *SASL
	started  bool
	parsing  bool
	inStage  inputStage
	outStage outputStage

	in, out              []byte
	tailClosed           bool
	headClosed           bool
	closeHeadWhenDrained bool
	closedEmitted        bool
	err                  ErrorHolder
	events               []Event
	bytesIn, bytesOut    uint64
	readMark, writeMark  uint64
	lastRead, lastWrite  time.Time
}

// NewEngine creates an engine for one connection.
func NewEngine(config Config) *Engine {
	return &Engine{
		config:   config,
		log:      config.Logger,
		trace:    config.Trace || envBool("PN_TRACE_FRM"),
		state:    initialState,
		byHandle: make(map[Handle]*Link),
		byRemote: make(map[uint32]*Link),
		outgoing: make(map[uint32]*Delivery),
		incoming: make(map[uint32]*Delivery),
	}
}

// State of the connection endpoint.
func (eng *Engine) State() State { return eng.state }

// Condition is the local close condition, nil if none.
func (eng *Engine) Condition() *amqp.Error { return eng.cond }

// RemoteCondition is the condition sent by the peer with its close, nil if none.
func (eng *Engine) RemoteCondition() *amqp.Error { return eng.remoteCond }

// RemoteContainer is the container id from the peer's open frame.
func (eng *Engine) RemoteContainer() string { return eng.remoteContainer }

// RemoteHostname is the hostname from the peer's open frame.
func (eng *Engine) RemoteHostname() string { return eng.remoteHostname }

// RemoteIdleTimeout is the idle timeout announced by the peer.
func (eng *Engine) RemoteIdleTimeout() time.Duration { return eng.remoteIdleTimeout }

// Error is the transport error, nil unless an ETransportError event was raised.
func (eng *Engine) Error() error { return eng.err.Get() }

// Open the connection endpoint. Does nothing if already opened or closed.
func (eng *Engine) Open() {
	if !eng.state.LocalUninit() {
		return
	}
	eng.state = eng.state.setLocal(SLocalActive)
	eng.push(EConnectionLocalOpen, nil, nil)
}

// Close the connection endpoint with an optional condition for the peer.
func (eng *Engine) Close(cond *amqp.Error) {
	if eng.state.LocalClosed() {
		return
	}
	eng.cond = cond
	eng.state = eng.state.setLocal(SLocalClosed)
	eng.push(EConnectionLocalClose, nil, nil)
}

// PeekEvent returns the oldest queued event without removing it.
func (eng *Engine) PeekEvent() (Event, bool) {
	if len(eng.events) == 0 {
		return Event{}, false
	}
	return eng.events[0], true
}

// PopEvent removes the oldest queued event.
func (eng *Engine) PopEvent() {
	if len(eng.events) > 0 {
		eng.events[0] = Event{}
		eng.events = eng.events[1:]
	}
}

func (eng *Engine) push(t EventType, l *Link, d *Delivery) {
	if l != nil && l.freed {
		return
	}
	eng.events = append(eng.events, Event{eventType: t, link: l, delivery: d})
}

// Capacity is the number of bytes Feed would like, or EOS if input is closed.
func (eng *Engine) Capacity() int {
	if eng.tailClosed {
		return EOS
	}
	if n := bufferSize - len(eng.in); n > 0 {
		return n
	}
	return 0
}

// Feed passes bytes read from the transport to the engine and processes
// all complete frames.
func (eng *Engine) Feed(data []byte) (int, error) {
	if eng.tailClosed {
		return 0, ErrTailClosed
	}
	eng.start()
	eng.in = append(eng.in, data...)
	eng.bytesIn += uint64(len(data))
	eng.parse()
	return len(data), nil
}

// Pending is the number of bytes ready to write, or EOS if output is closed.
func (eng *Engine) Pending() int {
	eng.flush()
	if len(eng.out) == 0 {
		eng.maybeCloseHead()
		if eng.headClosed {
			return EOS
		}
	}
	return len(eng.out)
}

// Output returns the bytes ready to write. The slice is valid until the next engine call.
func (eng *Engine) Output() []byte {
	eng.flush()
	return eng.out
}

// Pop removes n written bytes from the front of the output.
func (eng *Engine) Pop(n int) {
	if n > len(eng.out) {
		n = len(eng.out)
	}
	eng.out = eng.out[n:]
	eng.bytesOut += uint64(n)
	if len(eng.out) == 0 {
		eng.out = nil
		eng.maybeCloseHead()
	}
}

// CloseTail signals that no more input will arrive. If the peer has not
// closed the connection the transport fails with a framing error.
func (eng *Engine) CloseTail() {
	if eng.tailClosed {
		return
	}
	if !eng.state.RemoteClosed() {
		eng.fail(amqp.Errorf(amqp.FramingError, "connection aborted: input closed before close frame"))
		return
	}
	eng.closeTail()
}

// CloseHead signals that no more output can be written. If the close frame
// has not been written the transport fails with a framing error.
func (eng *Engine) CloseHead() {
	if eng.headClosed {
		return
	}
	if !eng.closeSent || len(eng.out) > 0 {
		eng.fail(amqp.Errorf(amqp.FramingError, "connection aborted: output closed before close frame"))
		return
	}
	eng.closeHeadNow()
}

// Tick advances the idle timers and returns the next deadline, zero if none.
func (eng *Engine) Tick(now time.Time) time.Time {
	if eng.lastRead.IsZero() {
		eng.lastRead, eng.lastWrite = now, now
	}
	if eng.bytesIn != eng.readMark {
		eng.readMark, eng.lastRead = eng.bytesIn, now
	}
	if eng.bytesOut != eng.writeMark {
		eng.writeMark, eng.lastWrite = eng.bytesOut, now
	}
	var deadline time.Time
	earliest := func(t time.Time) {
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	if eng.config.IdleTimeout > 0 && !eng.tailClosed {
		expire := eng.lastRead.Add(eng.config.IdleTimeout)
		if now.Before(expire) {
			earliest(expire)
		} else {
			eng.idleExpired()
		}
	}
	if eng.remoteIdleTimeout > 0 && eng.outStage == outAMQP && !eng.headClosed && !eng.closeHeadWhenDrained {
		beat := eng.lastWrite.Add(eng.remoteIdleTimeout / 2)
		if !now.Before(beat) {
			eng.write(frame{})
			eng.lastWrite = now
			beat = now.Add(eng.remoteIdleTimeout / 2)
		}
		earliest(beat)
	}
	return deadline
}

func (eng *Engine) start() {
	if eng.started {
		return
	}
	eng.started = true
	if eng.sasl != nil {
		eng.out = append(eng.out, saslHeader...)
		eng.outStage, eng.inStage = outSASL, inSASLHeader
		if eng.sasl.server {
			eng.sasl.sendMechanisms()
		}
		return
	}
	eng.out = append(eng.out, amqpHeader...)
	eng.outStage, eng.inStage = outAMQP, inAMQPHeader
}

// write encodes f onto the output unless the head is closed.
func (eng *Engine) write(f frame) {
	if eng.headClosed {
		return
	}
	if eng.trace {
		eng.log.Debug().Str("frame", f.String()).Msg("->")
	}
	var err error
	if eng.out, err = packFrame(eng.out, f); err != nil {
		eng.fail(amqp.Errorf(amqp.InternalError, "cannot encode %s: %v", f.performative(), err))
	}
}

// flush turns local state changes into frames.
func (eng *Engine) flush() {
	eng.start()
	if eng.outStage != outAMQP || eng.headClosed || eng.closeSent {
		return
	}
	if !eng.openSent {
		if eng.state.LocalUninit() {
			return
		}
		eng.openSent = true
		fields := map[string]interface{}{"container-id": eng.config.ContainerID}
		if eng.config.Hostname != "" {
			fields["hostname"] = eng.config.Hostname
		}
		if eng.config.IdleTimeout > 0 {
			fields["idle-time-out"] = eng.config.IdleTimeout.Milliseconds()
		}
		eng.write(newFrame(frameTypeAMQP, "open", fields))
	}
	links := eng.links[:0]
	for _, l := range eng.links {
		l.flush()
		if !l.freed || (l.attachSent && !l.detachSent) {
			links = append(links, l)
		}
	}
	eng.links = links
	if eng.state.LocalClosed() {
		fields := map[string]interface{}{}
		if eng.cond != nil {
			fields["error"] = conditionToMap(eng.cond)
		}
		eng.writeClose(fields)
	}
}

func (eng *Engine) writeClose(fields map[string]interface{}) {
	eng.write(newFrame(frameTypeAMQP, "close", fields))
	eng.closeSent = true
	eng.closeHeadWhenDrained = true
	eng.maybeCloseHead()
}

func (eng *Engine) parse() {
	if eng.parsing {
		return
	}
	eng.parsing = true
	defer func() { eng.parsing = false }()
	for !eng.tailClosed {
		switch eng.inStage {
		case inSASLHeader, inAMQPHeader:
			if len(eng.in) < ProtocolHeaderSize {
				return
			}
			want, next := amqpHeader, inAMQP
			if eng.inStage == inSASLHeader {
				want, next = saslHeader, inSASL
			}
			if got := eng.in[:ProtocolHeaderSize]; !bytes.Equal(got, want) {
				eng.fail(amqp.Errorf(amqp.FramingError, "expected protocol header %q, got %q", want, got))
				return
			}
			eng.in = eng.in[ProtocolHeaderSize:]
			eng.inStage = next
		default:
			if eng.inStage == inSASL && eng.sasl.waiting() {
				return
			}
			f, n, err := unpackFrame(eng.in)
			if errors.Is(err, ErrIncompleteFrame) {
				return
			}
			if err != nil {
				eng.fail(amqp.Errorf(amqp.FramingError, "bad frame: %v", err))
				return
			}
			eng.in = eng.in[n:]
			if eng.trace {
				eng.log.Debug().Str("frame", f.String()).Msg("<-")
			}
			if f.body == nil {
				continue // Heartbeat
			}
			if eng.inStage == inSASL {
				if f.frameType != frameTypeSASL {
					eng.fail(amqp.Errorf(amqp.FramingError, "expected SASL frame, got %s", f.performative()))
					return
				}
				eng.sasl.handle(f)
			} else {
				if f.frameType != frameTypeAMQP {
					eng.fail(amqp.Errorf(amqp.FramingError, "unexpected SASL frame %s", f.performative()))
					return
				}
				eng.handle(f)
			}
		}
	}
}

func (eng *Engine) handle(f frame) {
	perf := f.performative()
	if eng.state.RemoteUninit() && perf != "open" {
		eng.fail(amqp.Errorf(amqp.FramingError, "expected open, got %s", perf))
		return
	}
	switch perf {
	case "open":
		if !eng.state.RemoteUninit() {
			eng.fail(amqp.Errorf(amqp.FramingError, "duplicate open"))
			return
		}
		eng.remoteContainer, _ = f.body["container-id"].(string)
		eng.remoteHostname, _ = f.body["hostname"].(string)
		eng.remoteIdleTimeout = time.Duration(number(f.body["idle-time-out"])) * time.Millisecond
		eng.state = eng.state.setRemote(SRemoteActive)
		eng.push(EConnectionRemoteOpen, nil, nil)
	case "close":
		eng.remoteCond = conditionFrom(f.body["error"])
		eng.state = eng.state.setRemote(SRemoteClosed)
		eng.push(EConnectionRemoteClose, nil, nil)
		eng.closeTail()
	case "attach":
		eng.handleAttach(f)
	case "detach", "flow", "transfer":
		rh := uint32(number(f.body["handle"]))
		l := eng.byRemote[rh]
		if l == nil {
			eng.fail(amqp.Errorf(amqp.FramingError, "%s for unattached handle %d", perf, rh))
			return
		}
		switch perf {
		case "detach":
			delete(eng.byRemote, rh)
			l.handleDetach(f)
		case "flow":
			l.handleFlow(f)
		case "transfer":
			l.handleTransfer(f)
		}
	case "disposition":
		eng.handleDisposition(f)
	default:
		eng.fail(amqp.Errorf(amqp.FramingError, "unexpected performative %q", perf))
	}
}

func (eng *Engine) handleAttach(f frame) {
	name, _ := f.body["name"].(string)
	rh := uint32(number(f.body["handle"]))
	if _, inUse := eng.byRemote[rh]; inUse {
		eng.fail(amqp.Errorf(amqp.FramingError, "attach on handle %d already in use", rh))
		return
	}
	role, _ := f.body["role"].(string)
	sender := role != "sender" // Our role is the opposite of the peer's
	var l *Link
	for _, x := range eng.links {
		if x.name == name && x.sender == sender && !x.remoteAttached && !x.freed {
			l = x
			break
		}
	}
	if l == nil {
		l = eng.newLink(name, sender)
	}
	l.remoteAttached = true
	l.remoteHandle = rh
	eng.byRemote[rh] = l
	l.remoteSource = terminusFrom(f.body["source"])
	l.remoteTarget = terminusFrom(f.body["target"])
	l.remoteProperties, _ = f.body["properties"].(map[string]interface{})
	if !sender {
		l.deliveryCount = uint32(number(f.body["initial-delivery-count"]))
	}
	l.state = l.state.setRemote(SRemoteActive)
	eng.push(ELinkRemoteOpen, l, nil)
}

func (eng *Engine) handleDisposition(f frame) {
	role, _ := f.body["role"].(string)
	id := uint32(number(f.body["first"]))
	settled, _ := f.body["settled"].(bool)
	if role == "receiver" {
		d := eng.outgoing[id]
		if d == nil {
			return
		}
		d.remote = dispositionFrom(f.body["state"])
		d.remoteSettled = settled
		if settled {
			delete(eng.outgoing, id)
		}
		eng.push(EDelivery, d.link, d)
		return
	}
	if d := eng.incoming[id]; d != nil {
		d.remote = dispositionFrom(f.body["state"])
		d.remoteSettled = settled
	}
}

// fail the transport: both sides close and an ETransportError event is queued.
func (eng *Engine) fail(cond amqp.Error) {
	if eng.err.Get() != nil {
		return
	}
	eng.err.Set(cond)
	eng.log.Debug().Err(cond).Msg("transport error")
	eng.push(ETransportError, nil, nil)
	eng.closeTail()
	eng.closeHeadNow()
}

func (eng *Engine) idleExpired() {
	cond := amqp.Errorf(amqp.ResourceLimitExceeded, "local-idle-timeout expired")
	if eng.err.Get() != nil {
		return
	}
	eng.err.Set(cond)
	eng.push(ETransportError, nil, nil)
	eng.closeTail()
	if eng.outStage == outAMQP && !eng.closeSent {
		eng.writeClose(map[string]interface{}{"error": conditionToMap(&cond)})
	} else {
		eng.closeHeadNow()
	}
}

func (eng *Engine) closeTail() {
	if eng.tailClosed {
		return
	}
	eng.tailClosed = true
	eng.in = nil
	eng.push(ETransportTailClosed, nil, nil)
	eng.checkClosed()
}

func (eng *Engine) closeHeadNow() {
	if eng.headClosed {
		return
	}
	eng.headClosed = true
	eng.out = nil
	eng.push(ETransportHeadClosed, nil, nil)
	eng.checkClosed()
}

func (eng *Engine) maybeCloseHead() {
	if eng.closeHeadWhenDrained && len(eng.out) == 0 {
		eng.closeHeadNow()
	}
}

func (eng *Engine) checkClosed() {
	if eng.tailClosed && eng.headClosed && !eng.closedEmitted {
		eng.closedEmitted = true
		eng.push(ETransportClosed, nil, nil)
	}
}
