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

// Package upstream provides the set of backends a proxy forwards to.
//
// A [Set] is built once from a static list of "host:port" addresses and its
// membership never changes. Each [Backend] carries a single mutable field,
// its health state, which is stored in an atomic cell: a background health
// checker is the only writer, and any number of request goroutines may
// read it without locking.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/bufbuild/h2cproxy/health"
)

var (
	// ErrNoUpstreamAvailable is returned when a backend must be selected
	// but none is currently healthy.
	ErrNoUpstreamAvailable = errors.New("unavailable: no healthy upstreams")
	// ErrNoUpstreams is returned by NewSet for an empty address list.
	ErrNoUpstreams = errors.New("no upstream addresses")
	// ErrInvalidAddress is wrapped by all *AddressError values.
	ErrInvalidAddress = errors.New("invalid upstream address")
)

// AddressError describes a malformed or duplicate address.
type AddressError struct {
	Address string
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrInvalidAddress, e.Address, e.Reason)
}

func (e *AddressError) Unwrap() error {
	return ErrInvalidAddress
}

// ValidateAddress checks that addr has the form "host:port", with a
// non-empty host and a port in the range 1-65535.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &AddressError{Address: addr, Reason: err.Error()}
	}
	if host == "" {
		return &AddressError{Address: addr, Reason: "missing host"}
	}
	if num, err := strconv.ParseUint(port, 10, 16); err != nil || num == 0 {
		return &AddressError{Address: addr, Reason: "port must be a number between 1 and 65535"}
	}
	return nil
}

// Backend is one upstream endpoint. Its address is immutable; its health
// state may be updated concurrently with reads.
type Backend struct {
	addr string
	// +checkatomic
	state atomic.Int32
	// +checkatomic
	inFlight atomic.Int64
}

var _ health.Target = (*Backend)(nil)

// NewBackend returns a healthy backend for the given address. The address
// is not validated; use NewSet for that.
func NewBackend(addr string) *Backend {
	return &Backend{addr: addr}
}

// Address returns the backend's "host:port" address.
func (b *Backend) Address() string {
	return b.addr
}

// State returns the most recently published health state.
func (b *Backend) State() health.State {
	return health.State(b.state.Load())
}

// Healthy reports whether the backend may currently receive traffic.
func (b *Backend) Healthy() bool {
	return b.State() == health.StateHealthy
}

// SetState publishes a new health state and reports whether it differs
// from the previous one.
func (b *Backend) SetState(state health.State) bool {
	return health.State(b.state.Swap(int32(state))) != state
}

// Acquire records the start of a request to this backend and returns a
// function that records its end. The returned function must be called
// exactly once.
func (b *Backend) Acquire() (release func()) {
	b.inFlight.Add(1)
	return func() {
		b.inFlight.Add(-1)
	}
}

// InFlight returns the number of requests to this backend that have been
// acquired but not yet released.
func (b *Backend) InFlight() int64 {
	return b.inFlight.Load()
}

func (b *Backend) String() string {
	return b.addr
}

// Set is an ordered collection of backends, unique by address.
type Set struct {
	backends []*Backend
	byAddr   map[string]*Backend
}

// NewSet creates a set from the given addresses, preserving their order.
// All backends start out healthy. It returns an error if addrs is empty or
// if any address is malformed or repeated.
func NewSet(addrs []string) (*Set, error) {
	if len(addrs) == 0 {
		return nil, ErrNoUpstreams
	}
	set := &Set{
		backends: make([]*Backend, 0, len(addrs)),
		byAddr:   make(map[string]*Backend, len(addrs)),
	}
	for _, addr := range addrs {
		if err := ValidateAddress(addr); err != nil {
			return nil, err
		}
		if _, ok := set.byAddr[addr]; ok {
			return nil, &AddressError{Address: addr, Reason: "duplicate address"}
		}
		backend := NewBackend(addr)
		set.backends = append(set.backends, backend)
		set.byAddr[addr] = backend
	}
	return set, nil
}

// Len returns the number of backends in the set.
func (s *Set) Len() int {
	return len(s.backends)
}

// Get returns the backend at index i.
func (s *Set) Get(i int) *Backend {
	return s.backends[i]
}

// Lookup returns the backend with the given address.
func (s *Set) Lookup(addr string) (*Backend, bool) {
	backend, ok := s.byAddr[addr]
	return backend, ok
}

// Healthy returns the backends that are currently healthy, in set order.
// Each backend's state is read independently, so a concurrent health
// update may or may not be reflected.
func (s *Set) Healthy() []*Backend {
	healthy := make([]*Backend, 0, len(s.backends))
	for _, backend := range s.backends {
		if backend.Healthy() {
			healthy = append(healthy, backend)
		}
	}
	return healthy
}

// All returns every backend in set order.
func (s *Set) All() []*Backend {
	return append([]*Backend(nil), s.backends...)
}

// Targets returns all backends as health check targets.
func (s *Set) Targets() []health.Target {
	targets := make([]health.Target, len(s.backends))
	for i, backend := range s.backends {
		targets[i] = backend
	}
	return targets
}
