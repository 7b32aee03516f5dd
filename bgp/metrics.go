// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "bgp"

// Metrics exports counters about sessions and route selection. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Sessions          prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	RouteUpdates      *prometheus.CounterVec
	BestRoutes        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "sessions",
		Help:      "Number of connected peer sessions",
	})

	m.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "messages_received_total",
		Help:      "Number of BGP messages received",
	}, []string{"type"})

	m.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "messages_sent_total",
		Help:      "Number of BGP messages sent",
	}, []string{"type"})

	m.NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "notifications_sent_total",
		Help:      "Number of NOTIFICATIONs sent by error code and subcode",
	}, []string{"code", "subcode"})

	m.RouteUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "route_updates_total",
		Help:      "Number of best route events delivered to the route listener",
	}, []string{"type"})

	m.BestRoutes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "best_routes",
		Help:      "Number of prefixes in the best route table",
	}, []string{"family"})

	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.MessagesReceived,
			m.MessagesSent,
			m.NotificationsSent,
			m.RouteUpdates,
			m.BestRoutes,
		)
	}
	return m
}

func (m *Metrics) sessionUp() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) sessionDown() {
	if m != nil {
		m.Sessions.Dec()
	}
}

func (m *Metrics) messageReceived(typ uint8) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(messageTypeName(typ)).Inc()
	}
}

func (m *Metrics) messageSent(typ uint8) {
	if m != nil {
		m.MessagesSent.WithLabelValues(messageTypeName(typ)).Inc()
	}
}

func (m *Metrics) notificationSent(code, subcode uint8) {
	if m != nil {
		m.NotificationsSent.WithLabelValues(strconv.Itoa(int(code)), strconv.Itoa(int(subcode))).Inc()
	}
}

func (m *Metrics) routeUpdates(updates []RouteUpdate) {
	if m != nil {
		for _, u := range updates {
			m.RouteUpdates.WithLabelValues(u.Type.String()).Inc()
		}
	}
}

func (m *Metrics) setBestRoutes(v4, v6 int) {
	if m != nil {
		m.BestRoutes.WithLabelValues(IPv4Unicast.String()).Set(float64(v4))
		m.BestRoutes.WithLabelValues(IPv6Unicast.String()).Set(float64(v6))
	}
}
