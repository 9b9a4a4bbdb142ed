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
	"sync/atomic"

	"github.com/bufbuild/h2cproxy/upstream"
)

//nolint:gochecknoglobals
var (
	// RoundRobinFactory creates pickers that pick backends in a "round-robin"
	// fashion, that is to say, in sequential order. Backends are visited in
	// the order they were configured. The cursor is carried over from the
	// previous picker, so a change in the healthy set does not restart the
	// cycle at the first backend.
	RoundRobinFactory Factory = roundRobinFactory{}
)

type roundRobinFactory struct{}

type roundRobin struct {
	backends []*upstream.Backend
	// shared by every generation built from the first one
	counter *atomic.Uint64
}

func (f roundRobinFactory) New(prev Picker, healthy []*upstream.Backend) Picker {
	picker := &roundRobin{backends: healthy}
	if prevRoundRobin, ok := prev.(*roundRobin); ok {
		picker.counter = prevRoundRobin.counter
	} else {
		picker.counter = &atomic.Uint64{}
	}
	return picker
}

func (r *roundRobin) Pick([]byte) (*upstream.Backend, error) {
	next := r.counter.Add(1) - 1
	return r.backends[next%uint64(len(r.backends))], nil
}
