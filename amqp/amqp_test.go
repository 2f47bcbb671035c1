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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMessage(t *testing.T) {
	m := NewMessage()
	data, err := m.Encode()
	require.NoError(t, err)
	m2, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, m2)
	assert.Equal(t, "Message{}", m.String())
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessageWith("hello")
	m.MessageID = "id"
	m.UserID = "user"
	m.Address = "address"
	m.Subject = "subject"
	m.ReplyTo = "replyto"
	m.CorrelationID = "correlation"
	m.ContentType = "text/plain"
	m.Durable = true
	m.Properties = map[string]interface{}{"int": 32.0, "s": "x"}

	data, err := m.Encode()
	require.NoError(t, err)
	m2, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, m2)
}

func TestMessageString(t *testing.T) {
	m := NewMessageWith("hello")
	m.UserID = "user"
	m.Properties = map[string]interface{}{"int": int32(32)}
	assert.Equal(t, "Message{user-id: user, application-properties: map[int:32], body: hello}", m.String())
}

func TestMessageBinaryBody(t *testing.T) {
	m := NewMessageWith([]byte{0, 1, 2, 0xff})
	data, err := m.Encode()
	require.NoError(t, err)
	m2, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, Binary([]byte{0, 1, 2, 0xff}), m2.Body)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0xff, 0xff})
	var ue *UnmarshalError
	assert.ErrorAs(t, err, &ue)
}

func TestMarshalTypes(t *testing.T) {
	for _, x := range []struct {
		in, want interface{}
	}{
		{nil, nil},
		{true, true},
		{int8(-3), -3.0},
		{uint64(42), 42.0},
		{float32(1.5), 1.5},
		{"str", "str"},
		{Symbol("sym"), "sym"},
		{Binary("bin"), Binary("bin")},
		{[]string{"a", "b"}, []interface{}{"a", "b"}},
		{map[string]int{"x": 1}, map[string]interface{}{"x": 1.0}},
		{map[string]interface{}{"l": []interface{}{1, "two"}}, map[string]interface{}{"l": []interface{}{1.0, "two"}}},
	} {
		t.Run(fmt.Sprintf("%T", x.in), func(t *testing.T) {
			data, err := Marshal(x.in)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, x.want, got)
		})
	}
}

func TestMarshalError(t *testing.T) {
	_, err := Marshal(make(chan int))
	var me *MarshalError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "chan int", me.GoType.String())

	_, err = Marshal(map[int]string{1: "x"})
	assert.ErrorAs(t, err, &me)
}

func TestMakeError(t *testing.T) {
	e := Errorf(NotFound, "no %s", "thing")
	assert.Equal(t, "amqp:not-found: no thing", e.Error())
	assert.Equal(t, e, MakeError(e))
	assert.Equal(t, e, MakeError(fmt.Errorf("wrapped: %w", e)))
	c := Condition("reject", "Smells funny", map[string]interface{}{"aroma": "bananas"})
	assert.Equal(t, *c, MakeError(c))
	assert.Equal(t, Error{Name: InternalError, Description: "plain"}, MakeError(fmt.Errorf("plain")))
}
