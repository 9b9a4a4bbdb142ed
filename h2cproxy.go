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
	"fmt"
	"net"
	"net/http"

	"github.com/bufbuild/h2cproxy/config"
	"github.com/bufbuild/h2cproxy/health"
	"github.com/bufbuild/h2cproxy/metrics"
	"github.com/bufbuild/h2cproxy/peer"
	"github.com/bufbuild/h2cproxy/picker"
	"github.com/bufbuild/h2cproxy/proxy"
	"github.com/bufbuild/h2cproxy/server"
	"github.com/bufbuild/h2cproxy/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

// Option is an option used to customize a Proxy.
type Option interface {
	apply(*proxyOptions)
}

// WithRegistry registers the proxy's metrics with registry, which is also
// the source for the metrics endpoint. By default a new registry is
// created.
func WithRegistry(registry *prometheus.Registry) Option {
	return optionFunc(func(opts *proxyOptions) {
		opts.registry = registry
	})
}

// WithProber replaces the health probe selected by the configuration.
func WithProber(prober health.Prober) Option {
	return optionFunc(func(opts *proxyOptions) {
		opts.prober = prober
	})
}

// WithDialer configures the function used for upstream connections, both
// for proxied requests and for health probes.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return optionFunc(func(opts *proxyOptions) {
		opts.dialFunc = dialFunc
	})
}

type optionFunc func(*proxyOptions)

func (f optionFunc) apply(opts *proxyOptions) {
	f(opts)
}

type proxyOptions struct {
	registry *prometheus.Registry
	prober   health.Prober
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Proxy is a load-balancing reverse proxy. It forwards inbound HTTP/1.1
// and h2c requests to healthy upstreams while a background service keeps
// checking upstream health.
type Proxy struct {
	balancer   *LoadBalancer
	dispatcher *proxy.Dispatcher[requestContext]
	server     *server.Server
	registry   *prometheus.Registry
	closers    []func()
}

// New validates cfg and assembles a Proxy. Nothing is started until Run is
// called.
func New(cfg *config.Config, options ...Option) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts proxyOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.registry == nil {
		opts.registry = prometheus.NewRegistry()
	}
	set, err := upstream.NewSet(cfg.UpstreamAddresses())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	factory, err := newPickerFactory(cfg.Policy)
	if err != nil {
		return nil, err
	}
	proxyMetrics := metrics.New(opts.registry)

	var closers []func()
	prober := opts.prober
	if prober == nil {
		var closeProber func()
		prober, closeProber = newProber(cfg, opts.dialFunc)
		closers = append(closers, closeProber)
	}
	checker := health.NewChecker(health.CheckerConfig{
		Timeout:            cfg.HealthCheck.Timeout,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		Observer:           proxyMetrics,
	}, prober)
	balancer := NewLoadBalancer(set, factory, checker, proxyMetrics)

	resolver := peer.NewResolver(balancer, peer.Config{
		ForceHTTP2: cfg.H2,
		Host:       cfg.UpstreamHost,
	})
	dispatcherOpts := []proxy.DispatcherOption{proxy.WithMetrics(proxyMetrics)}
	if opts.dialFunc != nil {
		dispatcherOpts = append(dispatcherOpts, proxy.WithDialer(opts.dialFunc))
	}
	dispatcher := proxy.NewDispatcher[requestContext](&app{
		resolver:         resolver,
		routingKeyHeader: cfg.RoutingKeyHeader,
	}, dispatcherOpts...)

	srv := server.New()
	srv.AddService(server.NewHTTPService("proxy", cfg.Listen, cfg.InboundH2CEnabled(), dispatcher, cfg.GracePeriod))
	srv.AddService(server.NewBackgroundService("health-check", cfg.HealthCheck.Interval, balancer))
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(opts.registry))
		srv.AddService(server.NewHTTPService("metrics", cfg.Metrics.Listen, false, mux, cfg.GracePeriod))
	}

	return &Proxy{
		balancer:   balancer,
		dispatcher: dispatcher,
		server:     srv,
		registry:   opts.registry,
		closers:    closers,
	}, nil
}

// Run serves until ctx is cancelled or a service fails. On cancellation,
// in-flight requests are given the configured grace period to complete.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.close()
	return p.server.Run(ctx)
}

func (p *Proxy) close() {
	p.dispatcher.Close()
	for _, closeIdle := range p.closers {
		closeIdle()
	}
}

// Handler returns the request dispatcher, for serving on a caller-managed
// listener.
func (p *Proxy) Handler() http.Handler {
	return p.dispatcher
}

// LoadBalancer returns the proxy's load balancer.
func (p *Proxy) LoadBalancer() *LoadBalancer {
	return p.balancer
}

func newPickerFactory(policy string) (picker.Factory, error) {
	switch policy {
	case config.PolicyRoundRobin:
		return picker.RoundRobinFactory, nil
	case config.PolicyRandom:
		return picker.RandomFactory, nil
	case config.PolicyRendezvous:
		return picker.RendezvousFactory, nil
	case config.PolicyRing:
		return picker.RingFactory, nil
	case config.PolicyPowerOfTwo:
		return picker.PowerOfTwoFactory, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", config.ErrInvalidConfig, policy)
	}
}

// newProber returns the configured health prober and a function that
// releases any connections it holds.
func newProber(
	cfg *config.Config,
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error),
) (health.Prober, func()) {
	if cfg.HealthCheck.Probe == config.ProbeHTTP {
		protocol := peer.ProtocolHTTP1
		if cfg.H2 {
			protocol = peer.ProtocolHTTP2
		}
		if dialFunc == nil {
			dialFunc = (&net.Dialer{KeepAlive: -1}).DialContext
		}
		transport, closeIdle := proxy.NewTransport(protocol, dialFunc)
		return &health.HTTPProber{
			Path:   cfg.HealthCheck.Path,
			Client: &http.Client{Transport: transport},
		}, closeIdle
	}
	return &health.TCPProber{Dial: dialFunc}, func() {}
}
