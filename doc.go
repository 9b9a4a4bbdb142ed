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

// Package h2cproxy is a load-balancing reverse proxy for HTTP/1.1 and
// cleartext HTTP/2 (h2c). Each inbound request is forwarded to one backend
// from a static list of upstreams, while a background service keeps
// checking which of those backends are alive.
//
// To create a proxy use the [New] function with a validated
// [config.Config], then call [Proxy.Run]. Run serves until its context is
// cancelled, and then gives in-flight requests the configured grace period
// to finish.
//
// # Default Behavior
//
// Without any policy or probe settings, the proxy behaves like this:
//
//  1. Requests are routed round-robin across the healthy backends, in the
//     order they were configured. With upstreams 9001 and 9002, four
//     requests go to 9001, 9002, 9001, 9002.
//
//  2. Every second, each backend is probed by opening (and immediately
//     closing) a TCP connection. A single failed probe removes the backend
//     from rotation and a single successful one restores it. Backends are
//     considered healthy until the first probe says otherwise.
//
//  3. When no backend is healthy, requests are answered with 503 Service
//     Unavailable and no upstream connection is attempted. Failed requests
//     are never retried on another backend.
//
//  4. Upstream connections use HTTP/1.1, unless the h2 setting is enabled,
//     in which case they use HTTP/2 with prior knowledge over plaintext.
//     The inbound listener accepts h2c if and only if h2 is enabled, unless
//     inbound_h2c says otherwise.
//
// # Routing
//
// Routing never blocks on I/O. Health transitions are published as a new
// [picker.Picker] built over the healthy backends, and selecting a backend
// is a single atomic load of the current picker. Besides round-robin, the
// "random", "power_of_two", "rendezvous" and "ring" policies are
// available. The hashing policies route on the value of the configured
// routing key header, so requests carrying the same key stay on the same
// backend while it is healthy.
package h2cproxy
