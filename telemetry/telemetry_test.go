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

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.ConnectionCreated("c")
	collector.EventDispatched("ConnectionActive")
	collector.ReentrancyFault()
}

func TestNilPrometheusCollector(t *testing.T) {
	var p *PrometheusCollector
	p.ConnectionCreated("c")
	p.SendCompleted("accepted")
}

func TestPrometheusCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ConnectionCreated("c")
	collector.ConnectionCreated("c")
	collector.ConnectionDestroyed("c")
	collector.EventDispatched("ConnectionActive")
	collector.LinkRequest("receiver", "accepted")
	collector.SendCompleted("accepted")
	collector.ReentrancyFault()

	families := gather(t, reg)
	requireValue(t, families["amqp_event_connections_created_total"], 2)
	requireValue(t, families["amqp_event_connections_destroyed_total"], 1)
	requireValue(t, families["amqp_event_connections"], 1)
	requireValue(t, families["amqp_event_callbacks_total"], 1)
	requireValue(t, families["amqp_event_link_requests_total"], 1)
	requireValue(t, families["amqp_event_sends_total"], 1)
	requireValue(t, families["amqp_event_reentrancy_faults_total"], 1)
}

func TestPrometheusCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.events, again.events)

	first.EventDispatched("x")
	again.EventDispatched("x")
	requireValue(t, gather(t, reg)["amqp_event_callbacks_total"], 2)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func requireValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	m := mf.Metric[0]
	switch {
	case m.Counter != nil:
		require.Equal(t, value, m.Counter.GetValue())
	case m.Gauge != nil:
		require.Equal(t, value, m.Gauge.GetValue())
	default:
		t.Fatalf("%s is not a counter or gauge", mf.GetName())
	}
}
