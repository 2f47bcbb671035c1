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

package amqp

import (
	"bytes"
	"fmt"
)

// Message is the application message carried by a transfer.
//
// Only the commonly used properties are represented. Properties holds the
// application properties, Body may be any value accepted by Marshal.
type Message struct {
	MessageID     string
	CorrelationID string
	UserID        string
	Address       string
	Subject       string
	ReplyTo       string
	ContentType   string
	Durable       bool
	Properties    map[string]interface{}
	Body          interface{}
}

// NewMessage creates a new message instance.
func NewMessage() *Message { return &Message{} }

// NewMessageWith creates a message with value as the body.
func NewMessageWith(value interface{}) *Message { return &Message{Body: value} }

// Encode encodes the message as bytes.
func (m *Message) Encode() ([]byte, error) {
	fields := map[string]interface{}{"body": m.Body}
	for k, v := range map[string]string{
		"message-id":     m.MessageID,
		"correlation-id": m.CorrelationID,
		"user-id":        m.UserID,
		"to":             m.Address,
		"subject":        m.Subject,
		"reply-to":       m.ReplyTo,
		"content-type":   m.ContentType,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if m.Durable {
		fields["durable"] = true
	}
	if len(m.Properties) > 0 {
		fields["application-properties"] = m.Properties
	}
	return MarshalMap(fields)
}

// DecodeMessage decodes bytes produced by Message.Encode.
func DecodeMessage(data []byte) (*Message, error) {
	fields, err := UnmarshalMap(data)
	if err != nil {
		return nil, err
	}
	str := func(k string) string { s, _ := fields[k].(string); return s }
	m := &Message{
		MessageID:     str("message-id"),
		CorrelationID: str("correlation-id"),
		UserID:        str("user-id"),
		Address:       str("to"),
		Subject:       str("subject"),
		ReplyTo:       str("reply-to"),
		ContentType:   str("content-type"),
		Body:          fields["body"],
	}
	m.Durable, _ = fields["durable"].(bool)
	if p, ok := fields["application-properties"].(map[string]interface{}); ok {
		m.Properties = p
	} else if v, ok := fields["application-properties"]; ok && v != nil {
		return nil, &UnmarshalError{s: fmt.Sprintf("bad application-properties %T", v)}
	}
	return m, nil
}

// String is a human readable rendering of the non-empty fields.
func (m *Message) String() string {
	out := &bytes.Buffer{}
	out.WriteString("Message{")
	sep := ""
	add := func(name string, v interface{}) {
		fmt.Fprintf(out, "%s%s: %v", sep, name, v)
		sep = ", "
	}
	for _, f := range []struct {
		name, value string
	}{
		{"message-id", m.MessageID},
		{"user-id", m.UserID},
		{"address", m.Address},
		{"subject", m.Subject},
		{"reply-to", m.ReplyTo},
		{"correlation-id", m.CorrelationID},
		{"content-type", m.ContentType},
	} {
		if f.value != "" {
			add(f.name, f.value)
		}
	}
	if m.Durable {
		add("durable", true)
	}
	if len(m.Properties) > 0 {
		add("application-properties", m.Properties)
	}
	if m.Body != nil {
		add("body", m.Body)
	}
	out.WriteString("}")
	return out.String()
}
