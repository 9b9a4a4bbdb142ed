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

// Package proxy forwards HTTP requests to the peer chosen for each one.
//
// The [Dispatcher] is the per-request entry point. It asks an [App] for the
// request's upstream [peer.Peer] and then streams the request and response
// over a connection speaking the peer's protocol. Connection management,
// the HTTP codecs and body streaming are delegated to net/http.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bufbuild/h2cproxy/metrics"
	"github.com/bufbuild/h2cproxy/peer"
	"github.com/rs/zerolog"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
)

// App supplies the routing decision for each request. C is the type of an
// opaque per-request context: the dispatcher creates one with NewContext
// for every request and hands it back to UpstreamPeer.
type App[C any] interface {
	NewContext() C
	// UpstreamPeer returns where to send the request. If it returns an
	// error, the request is rejected without contacting any upstream.
	UpstreamPeer(r *http.Request, ctx C) (*peer.Peer, error)
}

// DispatcherOption is an option used to customize a Dispatcher.
type DispatcherOption interface {
	apply(*dispatcherOptions)
}

// WithDialer configures the function used to establish upstream
// connections. If no WithDialer option is provided, a default [net.Dialer]
// is used that uses a 30-second dial timeout and configures the connection
// to use TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTransport replaces the round tripper used for upstream requests of
// the given protocol.
func WithTransport(protocol peer.Protocol, transport http.RoundTripper) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		if opts.transports == nil {
			opts.transports = map[peer.Protocol]http.RoundTripper{}
		}
		opts.transports[protocol] = transport
	})
}

// WithMetrics records request outcomes and upstream selections.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return dispatcherOptionFunc(func(opts *dispatcherOptions) {
		opts.metrics = m
	})
}

type dispatcherOptionFunc func(*dispatcherOptions)

func (f dispatcherOptionFunc) apply(opts *dispatcherOptions) {
	f(opts)
}

type dispatcherOptions struct {
	dialFunc   func(ctx context.Context, network, addr string) (net.Conn, error)
	transports map[peer.Protocol]http.RoundTripper
	metrics    *metrics.Metrics
}

// Dispatcher is an http.Handler that proxies every request to the peer its
// App resolves. Each request moves through these steps:
//
//	Received -> Resolving -> Resolved -> Streaming -> Completed
//	                      \-> ResolutionFailed -> Rejected
//
// A resolution failure is final. The request is answered with 503 Service
// Unavailable when no upstream is healthy, or 502 Bad Gateway for any other
// error, and no upstream connection is attempted. Requests are never
// retried on another backend.
type Dispatcher[C any] struct {
	app     App[C]
	proxies map[peer.Protocol]*httputil.ReverseProxy
	closers []func()
	metrics *metrics.Metrics
}

// NewDispatcher returns a dispatcher that routes requests using app.
func NewDispatcher[C any](app App[C], options ...DispatcherOption) *Dispatcher[C] {
	var opts dispatcherOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	dispatcher := &Dispatcher[C]{
		app:     app,
		proxies: make(map[peer.Protocol]*httputil.ReverseProxy, 2),
		metrics: opts.metrics,
	}
	for _, protocol := range []peer.Protocol{peer.ProtocolHTTP1, peer.ProtocolHTTP2} {
		transport, ok := opts.transports[protocol]
		if !ok {
			var closeIdle func()
			transport, closeIdle = NewTransport(protocol, opts.dialFunc)
			dispatcher.closers = append(dispatcher.closers, closeIdle)
		}
		dispatcher.proxies[protocol] = dispatcher.newReverseProxy(transport)
	}
	return dispatcher
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher[C]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := d.app.UpstreamPeer(r, d.app.NewContext())
	if err != nil {
		d.reject(w, r, err)
		return
	}
	if target.Done != nil {
		defer target.Done()
	}
	proxy, ok := d.proxies[target.Protocol]
	if !ok {
		d.reject(w, r, errUnsupportedProtocol(target.Protocol))
		return
	}
	d.metrics.ObserveSelection(target.Address, target.Protocol.String())

	state := &requestState{peer: target}
	proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestStateKey{}, state)))
	if state.failed {
		d.metrics.ObserveRequest(metrics.OutcomeUpstreamError)
	} else {
		d.metrics.ObserveRequest(metrics.OutcomeCompleted)
	}
}

// Close closes idle upstream connections held by the default transports.
func (d *Dispatcher[C]) Close() {
	for _, closeIdle := range d.closers {
		closeIdle()
	}
}

func (d *Dispatcher[C]) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, peer.ErrNoUpstreamAvailable) {
		status = http.StatusServiceUnavailable
	}
	zerolog.Ctx(r.Context()).Warn().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("rejecting request: no upstream peer")
	d.metrics.ObserveRequest(metrics.OutcomeRejected)
	http.Error(w, http.StatusText(status), status)
}

func (d *Dispatcher[C]) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := stateFromContext(pr.In.Context()).peer
			pr.SetURL(&url.URL{Scheme: "http", Host: target.Address})
			pr.Out.Host = pr.In.Host
			if target.Host != "" {
				pr.Out.Host = target.Host
			}
			pr.SetXForwarded()
		},
		Transport: transport,
		// Flush immediately so streaming responses (gRPC, server-sent
		// events) are not delayed.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			state := stateFromContext(r.Context())
			state.failed = true
			zerolog.Ctx(r.Context()).Error().
				Err(err).
				Str("backend", state.peer.Address).
				Stringer("protocol", state.peer.Protocol).
				Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

type requestStateKey struct{}

// requestState is owned by a single request's goroutine.
type requestState struct {
	peer   *peer.Peer
	failed bool
}

func stateFromContext(ctx context.Context) *requestState {
	return ctx.Value(requestStateKey{}).(*requestState) //nolint:forcetypeassert // always set by ServeHTTP
}

type errUnsupportedProtocol peer.Protocol

func (e errUnsupportedProtocol) Error() string {
	return "unsupported upstream protocol " + peer.Protocol(e).String()
}
