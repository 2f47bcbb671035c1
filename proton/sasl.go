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
	"fmt"

	"github.com/apache/qpid-proton-events/amqp"
)

// SASLOutcome is the result of SASL negotiation.
type SASLOutcome int

const (
	// SASLNone means negotiation has not completed.
	SASLNone SASLOutcome = iota
	SASLOk
	// SASLAuth means authentication failed.
	SASLAuth
	// SASLSys means a system error, for example no acceptable mechanism.
	SASLSys
)

func (o SASLOutcome) String() string {
	switch o {
	case SASLNone:
		return "none"
	case SASLOk:
		return "ok"
	case SASLAuth:
		return "auth"
	case SASLSys:
		return "sys"
	default:
		return fmt.Sprintf("SASLOutcome(%d)", int(o))
	}
}

// Supported SASL mechanisms, in order of client preference.
var supportedMechs = []string{"PLAIN", "ANONYMOUS"}

// SASL is the SASL layer of an Engine. ANONYMOUS and PLAIN are supported.
//
// A server completes ANONYMOUS itself. For PLAIN it raises ESASLStep and the
// application checks the credentials and calls Done.
type SASL struct {
	eng            *Engine
	server         bool
	allowed        []string
	user, password string
	mech           string
	response       []byte
	outcome        SASLOutcome
	stepped        bool
}

// SASL enables the SASL layer. It must be called before the first I/O call.
func (eng *Engine) SASL() (*SASL, error) {
	if eng.sasl != nil {
		return eng.sasl, nil
	}
	if eng.started {
		return nil, ErrSASLStarted
	}
	eng.sasl = &SASL{eng: eng}
	return eng.sasl, nil
}

// SASLPresent is true if SASL has been enabled on the engine.
func (eng *Engine) SASLPresent() bool { return eng.sasl != nil }

// SSLPresent is always false, there is no TLS layer.
func SSLPresent() bool { return false }

// SSL describes a negotiated TLS session.
type SSL struct {
	Protocol string
	Cipher   string
	PeerName string
}

// SSL returns the engine's TLS session. It always fails with ErrSSLUnavailable.
func (eng *Engine) SSL() (*SSL, error) { return nil, ErrSSLUnavailable }

// SetServer makes this the server side of the negotiation.
func (s *SASL) SetServer(server bool) { s.server = server }

// Server is true for the server side.
func (s *SASL) Server() bool { return s.server }

// AllowMechs restricts the mechanisms offered by a server or accepted by a client.
func (s *SASL) AllowMechs(mechs ...string) { s.allowed = append([]string(nil), mechs...) }

// Mechanisms are the allowed mechanisms, all supported ones if none were set.
func (s *SASL) Mechanisms() []string {
	if len(s.allowed) > 0 {
		return s.allowed
	}
	return supportedMechs
}

// Plain sets the client credentials used by the PLAIN mechanism.
func (s *SASL) Plain(user, password string) { s.user, s.password = user, password }

// Mechanism is the negotiated mechanism, empty until known.
func (s *SASL) Mechanism() string { return s.mech }

// User is the authenticated user. On a server it is the user sent by the client.
func (s *SASL) User() string { return s.user }

// Password sent by the client, only set on a server using PLAIN.
func (s *SASL) Password() string { return s.password }

// Recv is the initial response sent by the client.
func (s *SASL) Recv() []byte { return s.response }

// Outcome of the negotiation, SASLNone until done.
func (s *SASL) Outcome() SASLOutcome { return s.outcome }

// Done completes a server side negotiation with outcome o.
// It does nothing on a client or once the outcome is known.
func (s *SASL) Done(o SASLOutcome) {
	if !s.server || s.outcome != SASLNone || o == SASLNone {
		return
	}
	eng := s.eng
	s.outcome = o
	eng.write(newFrame(frameTypeSASL, "sasl-outcome", map[string]interface{}{"code": int(o) - 1}))
	eng.push(ESASLOutcome, nil, nil)
	if o != SASLOk {
		s.failed()
		return
	}
	eng.out = append(eng.out, amqpHeader...)
	eng.outStage, eng.inStage = outAMQP, inAMQPHeader
	eng.parse()
}

// waiting is true while a server waits for the application to call Done.
func (s *SASL) waiting() bool { return s.server && s.stepped && s.outcome == SASLNone }

func (s *SASL) allows(mech string) bool {
	for _, m := range s.Mechanisms() {
		if m == mech {
			return true
		}
	}
	return false
}

func (s *SASL) sendMechanisms() {
	mechs := make([]interface{}, 0, len(s.Mechanisms()))
	for _, m := range s.Mechanisms() {
		mechs = append(mechs, amqp.Symbol(m))
	}
	s.eng.write(newFrame(frameTypeSASL, "sasl-mechanisms", map[string]interface{}{"mechanisms": mechs}))
}

func (s *SASL) handle(f frame) {
	eng := s.eng
	switch perf := f.performative(); {
	case s.server && perf == "sasl-init":
		s.mech, _ = f.body["mechanism"].(string)
		resp, _ := f.body["initial-response"].(amqp.Binary)
		s.response = []byte(resp)
		s.stepped = true
		switch {
		case !s.allows(s.mech):
			s.Done(SASLAuth)
		case s.mech == "ANONYMOUS":
			s.Done(SASLOk)
		case s.mech == "PLAIN":
			parts := bytes.SplitN(s.response, []byte{0}, 3)
			if len(parts) != 3 {
				s.Done(SASLAuth)
				return
			}
			s.user, s.password = string(parts[1]), string(parts[2])
			eng.push(ESASLStep, nil, nil)
		default:
			s.Done(SASLAuth)
		}
	case !s.server && perf == "sasl-mechanisms":
		offered, _ := f.body["mechanisms"].([]interface{})
		s.mech = s.choose(offered)
		if s.mech == "" {
			s.outcome = SASLSys
			eng.push(ESASLOutcome, nil, nil)
			eng.fail(amqp.Errorf(amqp.UnauthorizedAccess, "no acceptable SASL mechanism in %v", offered))
			return
		}
		fields := map[string]interface{}{"mechanism": amqp.Symbol(s.mech)}
		if s.mech == "PLAIN" {
			fields["initial-response"] = amqp.Binary("\x00" + s.user + "\x00" + s.password)
		}
		eng.write(newFrame(frameTypeSASL, "sasl-init", fields))
	case !s.server && perf == "sasl-outcome":
		s.outcome = SASLOutcome(number(f.body["code"]) + 1)
		eng.push(ESASLOutcome, nil, nil)
		if s.outcome != SASLOk {
			eng.fail(amqp.Errorf(amqp.UnauthorizedAccess, "SASL authentication failed: %s", s.outcome))
			return
		}
		eng.out = append(eng.out, amqpHeader...)
		eng.outStage, eng.inStage = outAMQP, inAMQPHeader
	default:
		eng.fail(amqp.Errorf(amqp.FramingError, "unexpected SASL frame %s", perf))
	}
}

// choose the first supported mechanism that is both offered and allowed.
// PLAIN needs credentials.
func (s *SASL) choose(offered []interface{}) string {
	in := func(mech string) bool {
		for _, o := range offered {
			if o == mech {
				return true
			}
		}
		return false
	}
	for _, m := range supportedMechs {
		if m == "PLAIN" && s.user == "" {
			continue
		}
		if in(m) && s.allows(m) {
			return m
		}
	}
	return ""
}

// failed ends a server side negotiation that did not succeed. The outcome
// frame is still written before the output closes.
func (s *SASL) failed() {
	eng := s.eng
	if eng.err.Get() != nil {
		return
	}
	eng.err.Set(amqp.Errorf(amqp.UnauthorizedAccess, "SASL authentication failed"))
	eng.push(ETransportError, nil, nil)
	eng.closeTail()
	eng.closeHeadWhenDrained = true
	eng.maybeCloseHead()
}
