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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apache/qpid-proton-events/amqp"
)

// Frame format:
// +----------------+------+------+----------------+----------------+
// | Size (4 bytes) | DOFF | Type | Channel (2)    | Body           |
// +----------------+------+------+----------------+----------------+
//
// - Size: total frame size including the header, big-endian
// - DOFF: data offset in 4 byte words, always 2
// - Type: 0 for AMQP frames, 1 for SASL frames
// - Body: amqp.MarshalMap encoding of the performative, empty for a heartbeat

const (
	// FrameHeaderSize is the size of the fixed frame header.
	FrameHeaderSize = 8
	// MaxFrameSize is the largest frame accepted from the peer.
	MaxFrameSize = 1 << 20
	// ProtocolHeaderSize is the size of the AMQP and SASL protocol headers.
	ProtocolHeaderSize = 8

	frameTypeAMQP byte = 0
	frameTypeSASL byte = 1
	dataOffset    byte = 2
)

var (
	amqpHeader = []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
	saslHeader = []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}

	// ErrIncompleteFrame indicates the buffer does not yet hold a complete frame.
	ErrIncompleteFrame = errors.New("incomplete frame data")
	// ErrInvalidFrameLength indicates a frame header with an impossible size.
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// frame is a decoded frame. A nil body is a heartbeat.
type frame struct {
	frameType byte
	channel   uint16
	body      map[string]interface{}
}

func (f frame) performative() string {
	s, _ := f.body["performative"].(string)
	return s
}

func (f frame) String() string {
	if f.body == nil {
		return "(empty)"
	}
	return fmt.Sprintf("%s %v", f.performative(), f.body)
}

func newFrame(frameType byte, performative string, fields map[string]interface{}) frame {
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["performative"] = performative
	return frame{frameType: frameType, body: body}
}

// packFrame appends the encoded frame to buf.
func packFrame(buf []byte, f frame) ([]byte, error) {
	var payload []byte
	if f.body != nil {
		var err error
		if payload, err = amqp.MarshalMap(f.body); err != nil {
			return buf, err
		}
	}
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(FrameHeaderSize+len(payload)))
	header[4] = dataOffset
	header[5] = f.frameType
	binary.BigEndian.PutUint16(header[6:8], f.channel)
	buf = append(buf, header[:]...)
	return append(buf, payload...), nil
}

// unpackFrame decodes one frame from the front of data and returns the
// number of bytes consumed. ErrIncompleteFrame means more data is needed.
func unpackFrame(data []byte) (frame, int, error) {
	if len(data) < FrameHeaderSize {
		return frame{}, 0, ErrIncompleteFrame
	}
	size := binary.BigEndian.Uint32(data[0:4])
	if size < FrameHeaderSize || size > MaxFrameSize {
		return frame{}, 0, fmt.Errorf("%w: %d", ErrInvalidFrameLength, size)
	}
	doff := int(data[4]) * 4
	if doff < FrameHeaderSize || uint32(doff) > size {
		return frame{}, 0, fmt.Errorf("%w: data offset %d", ErrInvalidFrameLength, doff)
	}
	if uint32(len(data)) < size {
		return frame{}, 0, ErrIncompleteFrame
	}
	f := frame{frameType: data[5], channel: binary.BigEndian.Uint16(data[6:8])}
	if payload := data[doff:size]; len(payload) > 0 {
		body, err := amqp.UnmarshalMap(payload)
		if err != nil {
			return frame{}, 0, err
		}
		f.body = body
	}
	return f, int(size), nil
}
