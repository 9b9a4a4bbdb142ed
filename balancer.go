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

package h2cproxy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/h2cproxy/health"
	"github.com/bufbuild/h2cproxy/metrics"
	"github.com/bufbuild/h2cproxy/picker"
	"github.com/bufbuild/h2cproxy/upstream"
)

// LoadBalancer selects backends from a fixed upstream set and keeps the
// selection current with the results of periodic health checks.
//
// It is the only writer of backend health. Each health transition is
// stored in the backend's atomic cell and then published as a new picker
// built over the healthy backends. Select only loads the latest picker,
// so request goroutines never take a lock.
type LoadBalancer struct {
	set     *upstream.Set
	targets []health.Target
	factory picker.Factory
	checker *health.Checker
	metrics *metrics.Metrics

	latestPicker atomic.Pointer[picker.Picker]

	mu sync.Mutex
	// The last picker built from a non-empty healthy set, handed to the
	// factory so state like a round-robin cursor survives every rebuild.
	// +checklocks:mu
	prevPicker picker.Picker
}

var _ health.Tracker = (*LoadBalancer)(nil)

// NewLoadBalancer returns a balancer over set. Backends start out healthy,
// so traffic flows before the first health check completes.
func NewLoadBalancer(
	set *upstream.Set,
	factory picker.Factory,
	checker *health.Checker,
	m *metrics.Metrics,
) *LoadBalancer {
	lb := &LoadBalancer{
		set:     set,
		targets: set.Targets(),
		factory: factory,
		checker: checker,
		metrics: m,
	}
	for i := range set.Len() {
		backend := set.Get(i)
		m.SetBackendState(backend.Address(), backend.State())
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.publishLocked()
	return lb
}

// Select returns a healthy backend for the given routing key. If no
// backend is healthy, the error is upstream.ErrNoUpstreamAvailable.
func (lb *LoadBalancer) Select(key []byte) (*upstream.Backend, error) {
	return (*lb.latestPicker.Load()).Pick(key)
}

// RunOnce runs one health check cycle over every backend. It returns once
// all probes have completed or timed out.
func (lb *LoadBalancer) RunOnce(ctx context.Context) error {
	lb.checker.Check(ctx, lb.targets, lb)
	return ctx.Err()
}

// UpdateHealthState implements health.Tracker.
func (lb *LoadBalancer) UpdateHealthState(target health.Target, state health.State) {
	backend, ok := lb.set.Lookup(target.Address())
	if !ok {
		return
	}
	if !backend.SetState(state) {
		// no change, nothing else to do
		return
	}
	lb.metrics.SetBackendState(backend.Address(), state)
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.publishLocked()
}

// Healthy returns the backends that are currently healthy.
func (lb *LoadBalancer) Healthy() []*upstream.Backend {
	return lb.set.Healthy()
}

// +checklocks:lb.mu
func (lb *LoadBalancer) publishLocked() {
	// Health cells are read under mu, after the triggering write, so the
	// last publish always reflects every transition stored before it.
	healthy := lb.set.Healthy()
	var next picker.Picker
	if len(healthy) == 0 {
		next = picker.ErrorPicker(upstream.ErrNoUpstreamAvailable)
	} else {
		next = lb.factory.New(lb.prevPicker, healthy)
		lb.prevPicker = next
	}
	lb.latestPicker.Store(&next)
}
