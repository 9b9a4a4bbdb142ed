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

// Package peer resolves the upstream target of a single request.
//
// A [Resolver] asks a [Selector] for a healthy backend and turns it into a
// [Peer]: the address to connect to and the protocol to speak on that
// connection. The protocol is a static, per-deployment decision. Whether an
// upstream accepts HTTP/2 over plaintext cannot be discovered without a
// full handshake, so the operator states it up front.
package peer

import (
	"fmt"

	"github.com/bufbuild/h2cproxy/upstream"
)

// ErrNoUpstreamAvailable is returned by Resolve when no backend is healthy.
var ErrNoUpstreamAvailable = upstream.ErrNoUpstreamAvailable //nolint:gochecknoglobals,errname

// Protocol is the wire protocol spoken to the upstream.
type Protocol int

const (
	// ProtocolHTTP1 is HTTP/1.1.
	ProtocolHTTP1 Protocol = iota
	// ProtocolHTTP2 is HTTP/2. Without TLS this means prior-knowledge h2c.
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "h1"
	case ProtocolHTTP2:
		return "h2"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Peer describes where and how to send one request upstream. A new Peer is
// created for every request and is owned by that request.
type Peer struct {
	// Address is the selected backend's "host:port".
	Address string
	// TLS is always false: connections to upstreams are plaintext.
	TLS bool
	// Protocol is the protocol to use on the upstream connection.
	Protocol Protocol
	// Host, if non-empty, replaces the Host header (and would be the SNI
	// if TLS were used). When empty, the inbound Host header is kept.
	Host string
	// Done must be called once the request to this peer has finished. It
	// ends the request's contribution to the backend's in-flight load.
	Done func()
}

// Selector selects a healthy backend for a routing key.
type Selector interface {
	Select(key []byte) (*upstream.Backend, error)
}

// Config holds the static settings applied to every resolved peer.
type Config struct {
	// ForceHTTP2 selects ProtocolHTTP2 for all upstream connections.
	// Otherwise ProtocolHTTP1 is used.
	ForceHTTP2 bool
	// Host overrides the Host header sent upstream.
	Host string
}

// Resolver builds a Peer for each request. It never performs I/O.
type Resolver struct {
	selector Selector
	protocol Protocol
	host     string
}

// NewResolver returns a resolver that selects backends using selector.
func NewResolver(selector Selector, config Config) *Resolver {
	protocol := ProtocolHTTP1
	if config.ForceHTTP2 {
		protocol = ProtocolHTTP2
	}
	return &Resolver{
		selector: selector,
		protocol: protocol,
		host:     config.Host,
	}
}

// Resolve selects a backend for the given routing key and describes how to
// reach it. If no backend is healthy, the returned error satisfies
// errors.Is(err, ErrNoUpstreamAvailable). On success the backend's
// in-flight count is incremented until the peer's Done is called.
func (r *Resolver) Resolve(key []byte) (*Peer, error) {
	backend, err := r.selector.Select(key)
	if err != nil {
		return nil, err
	}
	return &Peer{
		Address:  backend.Address(),
		TLS:      false,
		Protocol: r.protocol,
		Host:     r.host,
		Done:     backend.Acquire(),
	}, nil
}
