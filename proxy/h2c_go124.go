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

//go:build go1.24

package proxy

import (
	"context"
	"net"
	"net/http"
	"time"
)

// As of Go 1.24, net/http speaks prior-knowledge h2c when unencrypted
// HTTP/2 is the only enabled protocol.
func newH2CTransport(
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error),
) (http.RoundTripper, func()) {
	var protocols http.Protocols
	protocols.SetUnencryptedHTTP2(true)
	transport := &http.Transport{
		DialContext:           dialFunc,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		Protocols:             &protocols,
	}
	return transport, transport.CloseIdleConnections
}
