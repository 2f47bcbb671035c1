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

// Package telemetry records metrics about connections, callbacks and links.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by containers and connections.
//
// Implementations are called inline from Connection.Process, so they must be
// cheap and must not call back into the connection.
type Collector interface {
	ConnectionCreated(container string)
	ConnectionDestroyed(container string)
	// EventDispatched counts one application callback by name.
	EventDispatched(event string)
	// LinkRequest counts a peer link request; result is accepted, rejected or refused.
	LinkRequest(role, result string)
	// SendCompleted counts a send outcome by status name.
	SendCompleted(status string)
	ReentrancyFault()
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ConnectionCreated(string)   {}
func (noopCollector) ConnectionDestroyed(string) {}
func (noopCollector) EventDispatched(string)     {}
func (noopCollector) LinkRequest(string, string) {}
func (noopCollector) SendCompleted(string)       {}
func (noopCollector) ReentrancyFault()           {}

// PrometheusCollector exposes the metrics via Prometheus.
type PrometheusCollector struct {
	connections      *prometheus.CounterVec
	destroyed        *prometheus.CounterVec
	live             *prometheus.GaugeVec
	events           *prometheus.CounterVec
	linkRequests     *prometheus.CounterVec
	sends            *prometheus.CounterVec
	reentrancyFaults prometheus.Counter
}

// NewPrometheusCollector registers the metrics with reg, the default registerer
// if nil. Metrics already registered with reg are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{}
	var err error
	if p.connections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_event_connections_created_total",
		Help: "Number of connections created per container.",
	}, []string{"container"})); err != nil {
		return nil, err
	}
	if p.destroyed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_event_connections_destroyed_total",
		Help: "Number of connections destroyed per container.",
	}, []string{"container"})); err != nil {
		return nil, err
	}
	if p.live, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amqp_event_connections",
		Help: "Number of live connections per container.",
	}, []string{"container"})); err != nil {
		return nil, err
	}
	if p.events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_event_callbacks_total",
		Help: "Number of application callbacks dispatched per event.",
	}, []string{"event"})); err != nil {
		return nil, err
	}
	if p.linkRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_event_link_requests_total",
		Help: "Number of peer link requests per role and result.",
	}, []string{"role", "result"})); err != nil {
		return nil, err
	}
	if p.sends, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_event_sends_total",
		Help: "Number of completed sends per outcome.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if p.reentrancyFaults, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amqp_event_reentrancy_faults_total",
		Help: "Number of re-entrant calls to Connection.Process.",
	})); err != nil {
		return nil, err
	}
	return p, nil
}

// register c with reg, or return the equivalent collector already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, err
}

func (p *PrometheusCollector) ConnectionCreated(container string) {
	if p == nil {
		return
	}
	p.connections.WithLabelValues(container).Inc()
	p.live.WithLabelValues(container).Inc()
}

func (p *PrometheusCollector) ConnectionDestroyed(container string) {
	if p == nil {
		return
	}
	p.destroyed.WithLabelValues(container).Inc()
	p.live.WithLabelValues(container).Dec()
}

func (p *PrometheusCollector) EventDispatched(event string) {
	if p == nil {
		return
	}
	p.events.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) LinkRequest(role, result string) {
	if p == nil {
		return
	}
	p.linkRequests.WithLabelValues(role, result).Inc()
}

func (p *PrometheusCollector) SendCompleted(status string) {
	if p == nil {
		return
	}
	p.sends.WithLabelValues(status).Inc()
}

func (p *PrometheusCollector) ReentrancyFault() {
	if p == nil {
		return
	}
	p.reentrancyFaults.Inc()
}
