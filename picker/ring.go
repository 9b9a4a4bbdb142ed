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

package picker

import (
	"github.com/bufbuild/h2cproxy/upstream"
	"github.com/lafikl/consistent"
)

//nolint:gochecknoglobals
var (
	// RingFactory creates pickers that place the healthy backends on a
	// consistent hash ring and pick the owner of the routing key. The ring
	// is rebuilt for every generation; since placement only depends on the
	// addresses, the same key and the same healthy backends always yield
	// the same backend.
	RingFactory Factory = FactoryFunc(NewRing)
)

// NewRing creates a consistent hash ring picker over the given backends.
func NewRing(_ Picker, healthy []*upstream.Backend) Picker {
	ring := consistent.New()
	byAddr := make(map[string]*upstream.Backend, len(healthy))
	for _, backend := range healthy {
		ring.Add(backend.Address())
		byAddr[backend.Address()] = backend
	}
	return &ringPicker{ring: ring, byAddr: byAddr}
}

type ringPicker struct {
	ring   *consistent.Consistent
	byAddr map[string]*upstream.Backend
}

func (r *ringPicker) Pick(key []byte) (*upstream.Backend, error) {
	addr, err := r.ring.Get(string(key))
	if err != nil {
		return nil, err
	}
	return r.byAddr[addr], nil
}
