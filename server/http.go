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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// HTTPService serves an http.Handler on a TCP listener.
type HTTPService struct {
	name        string
	addr        string
	h2c         bool
	handler     http.Handler
	gracePeriod time.Duration
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService returns a service that serves handler on addr. When
// h2cEnabled is true, the listener accepts cleartext HTTP/2 (both prior
// knowledge and HTTP/1.1 upgrade) in addition to HTTP/1.1. On shutdown,
// in-flight requests get up to gracePeriod to finish.
func NewHTTPService(name, addr string, h2cEnabled bool, handler http.Handler, gracePeriod time.Duration) *HTTPService {
	if h2cEnabled {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	return &HTTPService{
		name:        name,
		addr:        addr,
		h2c:         h2cEnabled,
		handler:     handler,
		gracePeriod: gracePeriod,
	}
}

// Name implements Service.
func (s *HTTPService) Name() string {
	return s.name
}

// Run implements Service.
func (s *HTTPService) Run(ctx context.Context) error {
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an already bound listener, which it takes ownership of.
func (s *HTTPService) Serve(ctx context.Context, listener net.Listener) error {
	// Request contexts carry ctx's values (the logger) but must outlive
	// its cancellation so in-flight requests can drain.
	baseCtx := context.WithoutCancel(ctx)
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("addr", listener.Addr().String()).Bool("h2c", s.h2c).Msg("listening")

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(baseCtx, s.gracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Dur("grace_period", s.gracePeriod).Msg("graceful shutdown incomplete, closing connections")
		_ = srv.Close()
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
