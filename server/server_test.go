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

package server_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/h2cproxy/internal/clocktest"
	"github.com/bufbuild/h2cproxy/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestBackgroundService(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs := make(chan struct{})
	svc := server.NewBackgroundService("refresh", time.Second, server.TaskFunc(func(ctx context.Context) error {
		select {
		case runs <- struct{}{}:
		case <-ctx.Done():
		}
		return nil
	}))
	clock := clocktest.NewFakeClock()
	server.SetClock(svc, clock)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	// The first cycle runs without waiting for the interval.
	awaitRun(ctx, t, runs)
	for range 3 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
		awaitRun(ctx, t, runs)
	}

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("background service did not stop")
	}
}

func TestBackgroundServiceContainsFailures(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	runs := make(chan struct{})
	svc := server.NewBackgroundService("refresh", time.Second, server.TaskFunc(func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("probe exploded")
		case 2:
			return errors.New("cycle failed")
		}
		select {
		case runs <- struct{}{}:
		case <-ctx.Done():
		}
		return nil
	}))
	clock := clocktest.NewFakeClock()
	server.SetClock(svc, clock)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = svc.Run(runCtx) }()

	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}
	// Ticks may be dropped while a cycle runs, so keep advancing until the
	// third cycle is observed.
	for {
		select {
		case <-runs:
			assert.GreaterOrEqual(t, calls.Load(), int32(3))
			return
		case <-time.After(10 * time.Millisecond):
			clock.Advance(time.Second)
		case <-ctx.Done():
			t.Fatal("background service stopped running after a failed cycle")
		}
	}
}

func TestHTTPServiceH2C(t *testing.T) {
	t.Parallel()
	addr := serve(t, true, protoHandler())

	status, body := h2cGet(t, addr)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HTTP/2.0", body)

	status, body = http1Get(t, addr)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HTTP/1.1", body)
}

func TestHTTPServiceWithoutH2C(t *testing.T) {
	t.Parallel()
	addr := serve(t, false, protoHandler())

	status, body := http1Get(t, addr)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HTTP/1.1", body)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr, http.NoBody)
	require.NoError(t, err)
	resp, err := h2cClient().Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, "drained")
	})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc := server.NewHTTPService("proxy", "", false, handler, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, listener) }()

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 1)
	go func() {
		status, body := http1Get(t, listener.Addr().String())
		results <- result{status, body}
	}()

	<-started
	cancel()
	close(release)

	res := <-results
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "drained", res.body)
	require.NoError(t, <-done)
}

func TestServerRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stopped atomic.Bool
	srv := server.New()
	srv.AddService(serviceFunc{name: "blocking", run: func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	}})
	errBoom := errors.New("boom")
	srv.AddService(serviceFunc{name: "failing", run: func(context.Context) error {
		return errBoom
	}})

	err := srv.Run(ctx)
	require.ErrorIs(t, err, errBoom)
	assert.ErrorContains(t, err, "failing")
	assert.True(t, stopped.Load())

	require.Error(t, server.New().Run(ctx))
}

type serviceFunc struct {
	name string
	run  func(context.Context) error
}

func (s serviceFunc) Name() string                  { return s.name }
func (s serviceFunc) Run(ctx context.Context) error { return s.run(ctx) }

func awaitRun(ctx context.Context, t *testing.T, runs <-chan struct{}) {
	t.Helper()
	select {
	case <-runs:
	case <-ctx.Done():
		t.Fatal("timed out waiting for background task")
	}
}

func protoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	})
}

func serve(t *testing.T, h2c bool, handler http.Handler) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc := server.NewHTTPService("test", "", h2c, handler, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return listener.Addr().String()
}

func h2cClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

func h2cGet(t *testing.T, addr string) (int, string) {
	t.Helper()
	return doGet(t, h2cClient(), addr)
}

func http1Get(t *testing.T, addr string) (int, string) {
	t.Helper()
	return doGet(t, &http.Client{Transport: &http.Transport{}}, addr)
}

func doGet(t *testing.T, client *http.Client, addr string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr, http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}
