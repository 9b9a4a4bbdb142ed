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

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		// Probes never reuse their connection.
		KeepAlive: -1,
	}

	errUnexpectedStatus = errors.New("unexpected health check status")
)

// A Prober performs a single-shot health check against one address. A nil
// error means the address is healthy. Any error, including the context
// deadline expiring, means it is unhealthy.
//
// Implementations must honor cancellation of the given context; the context
// carries the probe timeout.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// DialFunc establishes a transport connection. It has the same signature as
// [net.Dialer.DialContext].
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TCPProber checks that a TCP connection can be established to an address.
// On success the connection is closed immediately without exchanging data.
type TCPProber struct {
	// Dial is used to connect. If nil, a net.Dialer with keep-alives
	// disabled is used.
	Dial DialFunc
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, addr string) error {
	dial := p.Dial
	if dial == nil {
		dial = defaultDialer.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// HTTPProber performs an HTTP GET request for Path against the address. If
// the response has a successful status (200-299), the address is healthy.
type HTTPProber struct {
	// Path is the request path, "/" if empty.
	Path string
	// Client sends the request. If nil, http.DefaultClient is used. Use a
	// client with an h2c transport to probe upstreams that only speak
	// HTTP/2 over plaintext.
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, addr string) error {
	path := p.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status)
	}
	return nil
}
