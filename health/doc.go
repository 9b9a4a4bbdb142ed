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

// Package health provides active health checking of upstream backends.
//
// A [Prober] performs a single check against one address. The [Checker]
// runs one probe per target concurrently, applies consecutive success and
// failure thresholds, and reports the outcome to a [Tracker]. Checkers do
// not schedule themselves: a background service calls [Checker.Check] on a
// fixed interval.
//
// Two probers are provided. [TCPProber] considers a backend healthy if a
// transport connection can be established within the probe timeout. The
// connection is closed immediately and no data is exchanged. [HTTPProber]
// sends a GET request for a fixed path and requires a 2xx response.
package health
