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
	"github.com/cespare/xxhash/v2"
)

//nolint:gochecknoglobals
var (
	// RendezvousFactory creates pickers that use rendezvous (highest random
	// weight) hashing of the routing key. Given the same key and the same
	// healthy backends, they always pick the same backend. When a backend
	// becomes unhealthy, only the keys that mapped to it move, and they are
	// spread over the remaining backends.
	//
	// All requests with an empty key go to the same backend.
	RendezvousFactory Factory = FactoryFunc(NewRendezvous)
)

// NewRendezvous creates a rendezvous hashing picker over the given backends.
func NewRendezvous(_ Picker, healthy []*upstream.Backend) Picker {
	return &rendezvous{backends: healthy}
}

type rendezvous struct {
	backends []*upstream.Backend
}

func (r *rendezvous) Pick(key []byte) (*upstream.Backend, error) {
	var (
		digest   = xxhash.New()
		best     *upstream.Backend
		bestRank uint64
	)
	for _, backend := range r.backends {
		digest.Reset()
		_, _ = digest.Write(key)
		_, _ = digest.WriteString(backend.Address())
		if rank := digest.Sum64(); best == nil || rank > bestRank {
			best, bestRank = backend, rank
		}
	}
	return best, nil
}
