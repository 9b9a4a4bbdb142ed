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

// Package server runs the proxy's long-lived services: HTTP listeners and
// periodic background tasks. A [Server] starts every registered [Service]
// and stops all of them when its context is cancelled or any one fails.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errNoServices = errors.New("no services registered")

// Service is a long-running unit of work. Run blocks until ctx is done or
// the service fails. A service that stops because ctx was cancelled
// returns nil.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Server is a group of services sharing one lifetime.
type Server struct {
	services []Service
}

// New returns an empty Server.
func New() *Server {
	return &Server{}
}

// AddService registers svc. It must be called before Run.
func (s *Server) AddService(svc Service) {
	s.services = append(s.services, svc)
}

// Run starts all services and waits for them to stop. The first service
// to fail cancels the others, and its error is returned.
func (s *Server) Run(ctx context.Context) error {
	if len(s.services) == 0 {
		return errNoServices
	}
	grp, ctx := errgroup.WithContext(ctx)
	for _, svc := range s.services {
		grp.Go(func() error {
			logger := zerolog.Ctx(ctx).With().Str("service", svc.Name()).Logger()
			logger.Info().Msg("starting service")
			err := svc.Run(logger.WithContext(ctx))
			if err != nil {
				logger.Error().Err(err).Msg("service failed")
				return fmt.Errorf("service %s: %w", svc.Name(), err)
			}
			logger.Info().Msg("service stopped")
			return nil
		})
	}
	return grp.Wait()
}
