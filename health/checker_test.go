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

package health_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/h2cproxy/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProber(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	addr := listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	prober := &health.TCPProber{}
	require.NoError(t, prober.Probe(ctx, addr))

	// Once nothing listens, the same address must fail.
	require.NoError(t, listener.Close())
	assert.Error(t, prober.Probe(ctx, addr))
}

func TestTCPProberTimeout(t *testing.T) {
	t.Parallel()

	prober := &health.TCPProber{
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	t.Cleanup(cancel)
	err := prober.Probe(ctx, "127.0.0.1:9001")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPProber(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(server.Close)
	addr := server.Listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	prober := &health.HTTPProber{Path: "healthz"}
	require.NoError(t, prober.Probe(ctx, addr))

	status.Store(http.StatusBadGateway)
	assert.Error(t, prober.Probe(ctx, addr))
}

func TestCheckerThresholds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	results := make(chan error, 1)
	checker := health.NewChecker(health.CheckerConfig{
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}, health.ProberFunc(func(context.Context, string) error {
		return <-results
	}))
	target := newFakeTarget("127.0.0.1:9001", health.StateHealthy)
	tracker := &fakeTracker{}
	check := func(err error) health.State {
		t.Helper()
		results <- err
		checker.Check(ctx, []health.Target{target}, tracker)
		return target.State()
	}
	probeErr := errors.New("connection refused")

	// Three failures are needed before the target is excluded.
	assert.Equal(t, health.StateHealthy, check(probeErr))
	assert.Equal(t, health.StateHealthy, check(probeErr))
	assert.Equal(t, health.StateUnhealthy, check(probeErr))

	// Recovery needs two passes in a row; a failure restarts the count.
	assert.Equal(t, health.StateUnhealthy, check(nil))
	assert.Equal(t, health.StateUnhealthy, check(probeErr))
	assert.Equal(t, health.StateUnhealthy, check(nil))
	assert.Equal(t, health.StateHealthy, check(nil))

	assert.Len(t, tracker.updatesFor(target.Address()), 7)
}

func TestCheckerStalledProbe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	const stalledAddr = "127.0.0.1:9001"
	checker := health.NewChecker(health.CheckerConfig{
		Timeout: 50 * time.Millisecond,
	}, health.ProberFunc(func(ctx context.Context, addr string) error {
		if addr == stalledAddr {
			// Simulates a connect that never completes.
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))
	stalled := newFakeTarget(stalledAddr, health.StateHealthy)
	responsive := newFakeTarget("127.0.0.1:9002", health.StateUnhealthy)
	tracker := &fakeTracker{}

	start := time.Now()
	checker.Check(ctx, []health.Target{stalled, responsive}, tracker)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, health.StateUnhealthy, stalled.State())
	assert.Equal(t, health.StateHealthy, responsive.State())
}

func TestCheckerProberIgnoresTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	checker := health.NewChecker(health.CheckerConfig{
		Timeout: 20 * time.Millisecond,
	}, health.ProberFunc(func(context.Context, string) error {
		// Never looks at its context and would report success late.
		<-release
		return nil
	}))
	target := newFakeTarget("127.0.0.1:9001", health.StateUnhealthy)
	tracker := &fakeTracker{}

	start := time.Now()
	checker.Check(ctx, []health.Target{target}, tracker)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, health.StateUnhealthy, target.State())

	healthy := newFakeTarget("127.0.0.1:9002", health.StateHealthy)
	checker.Check(ctx, []health.Target{healthy}, tracker)
	assert.Equal(t, health.StateUnhealthy, healthy.State())
}

func TestCheckerHealthyStaysHealthy(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	checker := health.NewChecker(health.CheckerConfig{}, &health.TCPProber{})
	target := newFakeTarget(listener.Addr().String(), health.StateHealthy)
	tracker := &fakeTracker{}
	for range 20 {
		checker.Check(ctx, []health.Target{target}, tracker)
		require.Equal(t, health.StateHealthy, target.State())
	}
}

func TestCheckerCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := health.NewChecker(health.CheckerConfig{}, health.ProberFunc(func(ctx context.Context, _ string) error {
		return ctx.Err()
	}))
	target := newFakeTarget("127.0.0.1:9001", health.StateHealthy)
	tracker := &fakeTracker{}
	checker.Check(ctx, []health.Target{target}, tracker)

	assert.Equal(t, health.StateHealthy, target.State())
	assert.Empty(t, tracker.updatesFor(target.Address()))
}

func TestCheckerObserver(t *testing.T) {
	t.Parallel()

	observer := &fakeObserver{}
	probeErr := errors.New("i/o timeout")
	checker := health.NewChecker(health.CheckerConfig{Observer: observer}, health.ProberFunc(func(_ context.Context, addr string) error {
		if addr == "127.0.0.1:9001" {
			return probeErr
		}
		return nil
	}))
	targets := []health.Target{
		newFakeTarget("127.0.0.1:9001", health.StateHealthy),
		newFakeTarget("127.0.0.1:9002", health.StateHealthy),
	}
	checker.Check(context.Background(), targets, &fakeTracker{})

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, map[string]error{
		"127.0.0.1:9001": probeErr,
		"127.0.0.1:9002": nil,
	}, observer.results)
}

type fakeTarget struct {
	addr  string
	state atomic.Int32
}

func newFakeTarget(addr string, state health.State) *fakeTarget {
	target := &fakeTarget{addr: addr}
	target.state.Store(int32(state))
	return target
}

func (f *fakeTarget) Address() string {
	return f.addr
}

func (f *fakeTarget) State() health.State {
	return health.State(f.state.Load())
}

type fakeTracker struct {
	mu      sync.Mutex
	updates map[string][]health.State
}

func (f *fakeTracker) UpdateHealthState(target health.Target, state health.State) {
	target.(*fakeTarget).state.Store(int32(state)) //nolint:forcetypeassert
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string][]health.State{}
	}
	f.updates[target.Address()] = append(f.updates[target.Address()], state)
}

func (f *fakeTracker) updatesFor(addr string) []health.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[addr]
}

type fakeObserver struct {
	mu      sync.Mutex
	results map[string]error
}

func (f *fakeObserver) ObserveProbe(addr string, err error, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = map[string]error{}
	}
	f.results[addr] = err
}
