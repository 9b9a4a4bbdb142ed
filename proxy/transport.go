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

package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/bufbuild/h2cproxy/peer"
)

// NewTransport returns the round tripper used for upstream connections
// speaking protocol, along with a function that closes its idle
// connections. HTTP/2 upstreams are reached with prior-knowledge h2c.
func NewTransport(
	protocol peer.Protocol,
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error),
) (http.RoundTripper, func()) {
	if protocol == peer.ProtocolHTTP2 {
		return newH2CTransport(dialFunc)
	}
	transport := &http.Transport{
		DialContext:           dialFunc,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return transport, transport.CloseIdleConnections
}
