// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus metrics for the proxy's routing state.
//
// All methods of *Metrics are safe to call on a nil receiver, in which
// case they do nothing. Components take an optional *Metrics and never
// need to check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/bufbuild/h2cproxy/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "h2cproxy"

// Request outcomes, used as values of the "outcome" label.
const (
	OutcomeCompleted     = "completed"
	OutcomeRejected      = "rejected"
	OutcomeUpstreamError = "upstream_error"
)

// Metrics holds the proxy's collectors.
type Metrics struct {
	backendHealthy *prometheus.GaugeVec
	probes         *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	selections     *prometheus.CounterVec
	requests       *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer. It
// panics if any of them is already registered.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_healthy",
			Help:      "Whether the backend is currently eligible for traffic (1) or not (0).",
		}, []string{"backend"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Health probes performed, by result.",
		}, []string{"backend", "result"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Time taken by health probes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"backend"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_selections_total",
			Help:      "Requests routed to each backend, by upstream protocol.",
		}, []string{"backend", "protocol"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests, by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.backendHealthy, m.probes, m.probeDuration, m.selections, m.requests)
	return m
}

// ObserveProbe records the result of one health probe. It implements
// health.Observer.
func (m *Metrics) ObserveProbe(addr string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.probes.WithLabelValues(addr, result).Inc()
	m.probeDuration.WithLabelValues(addr).Observe(elapsed.Seconds())
}

// SetBackendState records a backend's published health state.
func (m *Metrics) SetBackendState(addr string, state health.State) {
	if m == nil {
		return
	}
	value := 0.0
	if state == health.StateHealthy {
		value = 1
	}
	m.backendHealthy.WithLabelValues(addr).Set(value)
}

// ObserveSelection records that a request was routed to addr.
func (m *Metrics) ObserveSelection(addr, protocol string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(addr, protocol).Inc()
}

// ObserveRequest records the final outcome of a request.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics gathered by gatherer in the Prometheus
// exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
