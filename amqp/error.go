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
	"errors"
	"fmt"
)

// Error is an AMQP error condition. It has a name, a description and an
// optional map of extra information for the peer.
// It implements the Go error interface so can be returned as an error value.
//
// You can pass amqp.Error to methods that send an error to a remote endpoint,
// this gives you full control over what the remote endpoint will see.
type Error struct {
	Name, Description string
	Info              map[string]interface{}
}

// Error implements the Go error interface for AMQP error errors.
func (c Error) Error() string { return fmt.Sprintf("%s: %s", c.Name, c.Description) }

// Errorf makes a Error with name and formatted description as per fmt.Sprintf
func Errorf(name, format string, arg ...interface{}) Error {
	return Error{Name: name, Description: fmt.Sprintf(format, arg...)}
}

// Condition makes a *Error suitable for passing as a close or reject condition.
func Condition(name, description string, info map[string]interface{}) *Error {
	return &Error{Name: name, Description: description, Info: info}
}

// MakeError makes an AMQP error from a go error: {Name: InternalError, Description: err.Error()}
// If err is already an amqp.Error it is returned unchanged.
func MakeError(err error) Error {
	var amqpErr Error
	if errors.As(err, &amqpErr) {
		return amqpErr
	}
	var amqpErrPtr *Error
	if errors.As(err, &amqpErrPtr) && amqpErrPtr != nil {
		return *amqpErrPtr
	}
	return Error{Name: InternalError, Description: err.Error()}
}

var (
	InternalError         = "amqp:internal-error"
	NotFound              = "amqp:not-found"
	UnauthorizedAccess    = "amqp:unauthorized-access"
	DecodeError           = "amqp:decode-error"
	ResourceLimitExceeded = "amqp:resource-limit-exceeded"
	NotAllowed            = "amqp:not-allowed"
	InvalidField          = "amqp:invalid-field"
	NotImplemented        = "amqp:not-implemented"
	ResourceLocked        = "amqp:resource-locked"
	PreconditionFailed    = "amqp:precondition-failed"
	ResourceDeleted       = "amqp:resource-deleted"
	IllegalState          = "amqp:illegal-state"
	FrameSizeTooSmall     = "amqp:frame-size-too-small"

	ConnectionForced = "amqp:connection:forced"
	FramingError     = "amqp:connection:framing-error"
	DetachForced     = "amqp:link:detach-forced"
	TransferLimit    = "amqp:link:transfer-limit-exceeded"
)
