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
	// RandomFactory creates pickers that pick a backend uniformly at random.
	RandomFactory Factory = FactoryFunc(NewRandom)
)

// NewRandom creates a picker that picks a healthy backend at random.
func NewRandom(_ Picker, healthy []*upstream.Backend) Picker {
	return pickerFunc(func([]byte) (*upstream.Backend, error) {
		return healthy[rand.IntN(len(healthy))], nil //nolint:gosec // does not need to be cryptographically secure
	})
}
