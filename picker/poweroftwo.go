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
	"math/rand/v2"

	"github.com/bufbuild/h2cproxy/upstream"
)

//nolint:gochecknoglobals
var (
	// PowerOfTwoFactory creates pickers that select two healthy backends at
	// random and pick the one with fewer in-flight requests. This takes
	// advantage of the [power of two random choices], which provides
	// substantial benefits over a simple random picker without keeping a
	// sorted view of every backend's load.
	//
	// Load is read from [upstream.Backend.InFlight], so it is only
	// meaningful when requests are bracketed by [upstream.Backend.Acquire].
	//
	// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
	PowerOfTwoFactory Factory = FactoryFunc(NewPowerOfTwo)
)

// NewPowerOfTwo creates a power-of-two-choices picker over the given
// healthy backends. Load lives on the backends themselves, so nothing
// needs to be carried over from the previous picker.
func NewPowerOfTwo(_ Picker, healthy []*upstream.Backend) Picker {
	return &powerOfTwo{backends: healthy}
}

type powerOfTwo struct {
	backends []*upstream.Backend
}

func (p *powerOfTwo) Pick([]byte) (*upstream.Backend, error) {
	//nolint:gosec // does not need to be cryptographically secure
	first, second := p.backends[rand.IntN(len(p.backends))], p.backends[rand.IntN(len(p.backends))]
	if second.InFlight() < first.InFlight() {
		return second, nil
	}
	return first, nil
}
