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
	"net/http"

	"github.com/bufbuild/h2cproxy/peer"
	"github.com/bufbuild/h2cproxy/proxy"
)

// requestContext is the per-request state of the proxy app. Routing is
// stateless today, so it carries nothing.
type requestContext struct{}

// app routes each request through a peer.Resolver. The routing key is
// empty unless a routing key header is configured, in which case the
// header's value is used so hashing policies keep a client on one backend.
type app struct {
	resolver         *peer.Resolver
	routingKeyHeader string
}

var _ proxy.App[requestContext] = (*app)(nil)

func (a *app) NewContext() requestContext {
	return requestContext{}
}

func (a *app) UpstreamPeer(r *http.Request, _ requestContext) (*peer.Peer, error) {
	var key []byte
	if a.routingKeyHeader != "" {
		key = []byte(r.Header.Get(a.routingKeyHeader))
	}
	return a.resolver.Resolve(key)
}
