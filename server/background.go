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

package server

import (
	"context"
	"time"

	"github.com/bufbuild/h2cproxy/internal"
	"github.com/rs/zerolog"
)

// Task is one cycle of periodic background work.
type Task interface {
	RunOnce(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// RunOnce implements Task.
func (f TaskFunc) RunOnce(ctx context.Context) error {
	return f(ctx)
}

// BackgroundService runs a Task once at startup and then once per
// interval. Cycles never overlap: a tick that arrives while a cycle is
// still running is dropped. Errors and panics from a cycle are logged
// and do not stop the service.
type BackgroundService struct {
	name     string
	interval time.Duration
	task     Task
	clock    internal.Clock
}

var _ Service = (*BackgroundService)(nil)

// NewBackgroundService returns a service that runs task every interval.
func NewBackgroundService(name string, interval time.Duration, task Task) *BackgroundService {
	return &BackgroundService{
		name:     name,
		interval: interval,
		task:     task,
		clock:    internal.NewRealClock(),
	}
}

// Name implements Service.
func (s *BackgroundService) Name() string {
	return s.name
}

// Run implements Service.
func (s *BackgroundService) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *BackgroundService) runOnce(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("background task panicked")
		}
	}()
	start := s.clock.Now()
	if err := s.task.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("background task failed")
		return
	}
	logger.Debug().Dur("elapsed", s.clock.Since(start)).Msg("background task finished")
}
