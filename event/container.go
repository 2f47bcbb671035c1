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
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apache/qpid-proton-events/internal"
	"github.com/apache/qpid-proton-events/telemetry"
)

// Registry keeps container names unique. It is safe for concurrent use.
type Registry struct {
	containers *internal.SafeMap[string, *Container]
}

func NewRegistry() *Registry {
	return &Registry{containers: internal.MakeSafeMap[string, *Container]()}
}

// Container returns the registered container called name, nil if there is none.
func (r *Registry) Container(name string) *Container { return r.containers.Get(name) }

// Names of the registered containers in no particular order.
func (r *Registry) Names() []string { return r.containers.Keys() }

// Container is an AMQP container, it represents a single AMQP "application"
// and creates the connections of that application. All its connections send
// the container's name as their container-id.
//
// The container's methods are safe for concurrent use. Each of its connections
// must only be used by one goroutine at a time.
type Container struct {
	name        string
	log         zerolog.Logger
	collector   telemetry.Collector
	registry    *Registry
	connections *internal.SafeMap[string, *Connection]
	tagCounter  uint64
	destroyed   atomic.Bool
}

// NewContainer creates a container. If name == "" a random UUID is used.
// With WithRegistry it fails with ErrNameInUse if the registry already holds the name.
func NewContainer(name string, opts ...ContainerOption) (*Container, error) {
	if name == "" {
		name = uuid.NewString()
	}
	c := &Container{
		name:        name,
		log:         zerolog.Nop(),
		collector:   telemetry.Noop(),
		connections: internal.MakeSafeMap[string, *Connection](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("container", name).Logger()
	if c.registry != nil && !c.registry.containers.PutIfAbsent(name, c) {
		return nil, fmt.Errorf("%w: container %q", ErrNameInUse, name)
	}
	return c, nil
}

func (c *Container) Name() string { return c.name }

func (c *Container) String() string { return c.name }

func (c *Container) nextTag() string {
	return strconv.FormatUint(atomic.AddUint64(&c.tagCounter, 1), 32)
}

func (c *Container) nextLinkName() string {
	return c.name + "@" + c.nextTag()
}

// CreateConnection creates a connection called name, which must not be in use
// by another live connection of this container. h may be nil, in which case
// link requests from the peer are refused. props holds the connection options,
// invalid options return a *ConfigError. A destroyed container returns
// ErrContainerDestroyed.
func (c *Container) CreateConnection(name string, h ConnectionHandler, props map[string]interface{}) (*Connection, error) {
	if c.destroyed.Load() {
		return nil, fmt.Errorf("%w: %q", ErrContainerDestroyed, c.name)
	}
	if _, ok := c.connections.GetOk(name); ok {
		return nil, fmt.Errorf("%w: connection %q", ErrNameInUse, name)
	}
	cfg, err := parseConfig(props)
	if err != nil {
		return nil, err
	}
	conn, err := newConnection(c, name, h, cfg)
	if err != nil {
		return nil, err
	}
	// Another goroutine may have taken the name since the check above.
	if !c.connections.PutIfAbsent(name, conn) {
		return nil, fmt.Errorf("%w: connection %q", ErrNameInUse, name)
	}
	if c.destroyed.Load() {
		c.connections.Delete(name)
		return nil, fmt.Errorf("%w: %q", ErrContainerDestroyed, c.name)
	}
	c.collector.ConnectionCreated(c.name)
	conn.log.Debug().Msg("connection created")
	return conn, nil
}

// GetConnection returns the live connection called name, nil if there is none.
func (c *Container) GetConnection(name string) *Connection { return c.connections.Get(name) }

// ConnectionNames returns the names of live connections in no particular order.
func (c *Container) ConnectionNames() []string { return c.connections.Keys() }

// Destroy the container. It fails with ErrConnectionsRemain until every
// connection has been destroyed. The name is released from the registry and
// the container creates no more connections.
func (c *Container) Destroy() error {
	if c.destroyed.Swap(true) {
		return nil
	}
	if n := c.connections.Len(); n > 0 {
		c.destroyed.Store(false)
		return fmt.Errorf("%w: %d connections in container %q", ErrConnectionsRemain, n, c.name)
	}
	if c.registry != nil && c.registry.containers.Get(c.name) == c {
		c.registry.containers.Delete(c.name)
	}
	c.log.Debug().Msg("container destroyed")
	return nil
}

func (c *Container) removeConnection(conn *Connection) {
	if c.connections.Get(conn.name) == conn {
		c.connections.Delete(conn.name)
		c.collector.ConnectionDestroyed(c.name)
	}
}
