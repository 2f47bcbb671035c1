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
	"errors"
	"fmt"
)

var (
	// ErrReentrant is the panic value when Connection.Process is called while
	// already processing the same connection, for example from a callback.
	ErrReentrant = errors.New("re-entrant call to Connection.Process")
	// ErrInvalidState is returned for an operation the endpoint's state does not permit.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidHandle is returned for a link or message handle that is unknown or already resolved.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrNameInUse is returned when a container or connection name is taken.
	ErrNameInUse = errors.New("name already in use")
	// ErrConnectionsRemain is returned by Container.Destroy while connections are live.
	ErrConnectionsRemain = errors.New("connections not destroyed")
	// ErrContainerDestroyed is returned by CreateConnection after Container.Destroy.
	ErrContainerDestroyed = errors.New("container destroyed")
)

// ConfigError reports a bad connection option. No connection is created.
type ConfigError struct {
	// Option is the offending option name, empty if the options could not be decoded at all.
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("invalid connection options: %v", e.Err)
	}
	return fmt.Sprintf("invalid connection option %q: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func invalidHandle(what string, h interface{}) error {
	return fmt.Errorf("%w: %w: %s %v", ErrInvalidState, ErrInvalidHandle, what, h)
}
