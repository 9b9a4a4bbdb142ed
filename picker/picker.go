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
)

// Picker implements backend selection. For a given routing key, it returns
// the backend to use. Policies that do not hash ignore the key, and it may
// be nil.
//
// Pick is called concurrently from every request goroutine, so it must be
// safe for concurrent use and must never block on I/O.
type Picker interface {
	Pick(key []byte) (*upstream.Backend, error)
}

// Factory creates new Picker instances.
type Factory interface {
	// New creates a new picker that will select a backend from the given
	// healthy backends, in the order given.
	//
	// The previous picker is provided so that successive "generations" of
	// pickers can share state, like a round-robin cursor. The previous
	// picker may still be in use, concurrently, while the factory is
	// creating the new one, and even for some small amount of time after
	// this method returns.
	//
	// This method will never be called with an empty set of backends.
	New(prev Picker, healthy []*upstream.Backend) Picker
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(prev Picker, healthy []*upstream.Backend) Picker

// New implements Factory.
func (f FactoryFunc) New(prev Picker, healthy []*upstream.Backend) Picker {
	return f(prev, healthy)
}

// ErrorPicker returns a picker that always fails with the given error.
func ErrorPicker(err error) Picker {
	return pickerFunc(func([]byte) (*upstream.Backend, error) {
		return nil, err
	})
}

type pickerFunc func(key []byte) (*upstream.Backend, error)

func (f pickerFunc) Pick(key []byte) (*upstream.Backend, error) {
	return f(key)
}
