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

// Package picker provides the policies used to select one healthy backend
// for a request.
//
// This package defines the core interface, [Picker], which selects a single
// backend from the healthy subset of an upstream set, and [Factory], which
// creates a new picker each time that subset changes. Pickers are
// immutable snapshots: the proxy swaps in a new one when health changes, so
// picking never takes a lock.
//
// The provided factories implement round-robin, random, power-of-two
// choices, rendezvous hashing and consistent hash ring policies. Only the
// hashing policies look at the routing key. Power-of-two reads each
// backend's in-flight request count.
package picker
