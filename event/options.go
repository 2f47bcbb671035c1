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
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/apache/qpid-proton-events/proton"
	"github.com/apache/qpid-proton-events/telemetry"
)

// connectionConfig holds the recognized connection options.
type connectionConfig struct {
	Hostname      string   `mapstructure:"hostname"`
	IdleTimeout   float64  `mapstructure:"idle-time-out"`
	Trace         bool     `mapstructure:"x-trace-protocol"`
	SSLCAFile     string   `mapstructure:"x-ssl-ca-file"`
	SSLIdentity   []string `mapstructure:"x-ssl-identity"`
	SSLVerifyMode string   `mapstructure:"x-ssl-verify-mode"`
	SSLPeerName   string   `mapstructure:"x-ssl-peer-name"`
	SSLServer     bool     `mapstructure:"x-ssl-server"`
	Username      string   `mapstructure:"x-username"`
	Password      string   `mapstructure:"x-password"`
	SASLMechs     string   `mapstructure:"x-sasl-mechs"`
	Server        bool     `mapstructure:"x-server"`
}

var sslVerifyModes = map[string]bool{"verify-peer": true, "verify-cert": true, "no-verify": true}

// parseConfig decodes and validates connection options. Unknown options are errors.
func parseConfig(props map[string]interface{}) (connectionConfig, error) {
	var cfg connectionConfig
	if len(props) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, &ConfigError{Err: err}
	}
	if err := dec.Decode(props); err != nil {
		return cfg, &ConfigError{Err: err}
	}
	return cfg, cfg.validate()
}

func (cfg *connectionConfig) validate() error {
	if cfg.IdleTimeout < 0 {
		return &ConfigError{Option: "idle-time-out", Err: fmt.Errorf("negative value %v", cfg.IdleTimeout)}
	}
	if cfg.Password != "" && cfg.Username == "" {
		return &ConfigError{Option: "x-password", Err: errors.New("password given without x-username")}
	}
	if cfg.SSLVerifyMode != "" && !sslVerifyModes[cfg.SSLVerifyMode] {
		return &ConfigError{Option: "x-ssl-verify-mode", Err: fmt.Errorf("unknown mode %q", cfg.SSLVerifyMode)}
	}
	if cfg.SSLIdentity != nil && len(cfg.SSLIdentity) != 3 {
		return &ConfigError{Option: "x-ssl-identity", Err: errors.New("want certificate, key and password")}
	}
	if opt := cfg.sslOption(); opt != "" && !proton.SSLPresent() {
		return &ConfigError{Option: opt, Err: proton.ErrSSLUnavailable}
	}
	return nil
}

// sslOption returns the name of the first SSL option set, or "".
func (cfg *connectionConfig) sslOption() string {
	switch {
	case cfg.SSLCAFile != "":
		return "x-ssl-ca-file"
	case cfg.SSLIdentity != nil:
		return "x-ssl-identity"
	case cfg.SSLVerifyMode != "":
		return "x-ssl-verify-mode"
	case cfg.SSLPeerName != "":
		return "x-ssl-peer-name"
	case cfg.SSLServer:
		return "x-ssl-server"
	}
	return ""
}

func (cfg *connectionConfig) idleTimeout() time.Duration {
	return time.Duration(cfg.IdleTimeout * float64(time.Second))
}

func (cfg *connectionConfig) wantSASL() bool {
	return cfg.Username != "" || cfg.SASLMechs != "" || cfg.Server
}

// configureSASL applies the SASL options to eng.
func (cfg *connectionConfig) configureSASL(eng *proton.Engine) error {
	if !cfg.wantSASL() {
		return nil
	}
	sasl, err := eng.SASL()
	if err != nil {
		return err
	}
	sasl.SetServer(cfg.Server)
	if mechs := strings.Fields(cfg.SASLMechs); len(mechs) > 0 {
		sasl.AllowMechs(mechs...)
	}
	if cfg.Username != "" {
		sasl.Plain(cfg.Username, cfg.Password)
	}
	return nil
}

// LinkOption sets optional configuration when creating or accepting a link.
type LinkOption func(*linkSettings)

// LinkName sets the link name. By default a name unique within the container is generated.
func LinkName(s string) LinkOption { return func(l *linkSettings) { l.name = s } }

// LinkProperties sets the properties sent to the peer when the link attaches.
func LinkProperties(p map[string]interface{}) LinkOption {
	return func(l *linkSettings) { l.properties = p }
}

type linkSettings struct {
	name       string
	properties map[string]interface{}
}

func makeLinkSettings(opts []LinkOption) linkSettings {
	var s linkSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// ContainerOption sets optional configuration of a Container.
type ContainerOption func(*Container)

// WithLogger sets the logger used by the container and its connections.
func WithLogger(log zerolog.Logger) ContainerOption {
	return func(c *Container) { c.log = log }
}

// WithCollector sets the metrics collector. The default is telemetry.Noop().
func WithCollector(col telemetry.Collector) ContainerOption {
	return func(c *Container) {
		if col != nil {
			c.collector = col
		}
	}
}

// WithRegistry makes the container claim its name in reg.
func WithRegistry(reg *Registry) ContainerOption {
	return func(c *Container) { c.registry = reg }
}
