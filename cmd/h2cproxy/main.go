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

// Command h2cproxy is a load-balancing reverse proxy for HTTP/1.1 and
// cleartext HTTP/2 (h2c) traffic.
//
// Example:
//
//	h2cproxy --listen 0.0.0.0:2080 --upstream 127.0.0.1:9001,127.0.0.1:9002 --h2
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufbuild/h2cproxy"
	"github.com/bufbuild/h2cproxy/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"
)

type flags struct {
	configFile          string
	upstreams           []string
	listen              string
	h2                  bool
	healthCheckInterval time.Duration
	metricsListen       string
	logLevel            string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("h2cproxy failed")
	}
}

func run(args []string) error {
	parsed, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger

	proxy, err := h2cproxy.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger.Info().
		Str("listen", cfg.Listen).
		Strs("upstreams", cfg.UpstreamAddresses()).
		Bool("h2", cfg.H2).
		Bool("inbound_h2c", cfg.InboundH2CEnabled()).
		Str("policy", cfg.Policy).
		Msg("starting proxy")
	return proxy.Run(logger.WithContext(ctx))
}

func parseFlags(args []string) (*flags, error) {
	var parsed flags
	app := kingpin.New("h2cproxy", "Load-balancing reverse proxy for HTTP/1.1 and h2c.")
	app.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&parsed.configFile)
	app.Flag("upstream", "Upstream address (host:port). Repeatable; comma-separated lists are accepted.").
		Short('u').StringsVar(&parsed.upstreams)
	app.Flag("listen", "Listen address, for example 0.0.0.0:2080.").Short('l').StringVar(&parsed.listen)
	app.Flag("h2", "Use HTTP/2 (h2c) to upstreams and accept h2c from clients.").BoolVar(&parsed.h2)
	app.Flag("health-check-interval", "Interval between health check cycles.").DurationVar(&parsed.healthCheckInterval)
	app.Flag("metrics-listen", "Address for the Prometheus metrics endpoint. Disabled if empty.").StringVar(&parsed.metricsListen)
	app.Flag("log-level", "Log level (debug, info, warn, error).").StringVar(&parsed.logLevel)
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// loadConfig layers the configuration file, the environment and the
// command-line flags, in increasing order of precedence.
func loadConfig(parsed *flags) (*config.Config, error) {
	cfg := config.Default()
	if parsed.configFile != "" {
		var err error
		if cfg, err = config.Load(parsed.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if parsed.listen != "" {
		cfg.Listen = parsed.listen
	}
	if len(parsed.upstreams) > 0 {
		cfg.Upstreams = parsed.upstreams
	}
	if parsed.h2 {
		cfg.H2 = true
	}
	if parsed.healthCheckInterval != 0 {
		cfg.HealthCheck.Interval = parsed.healthCheckInterval
	}
	if parsed.metricsListen != "" {
		cfg.Metrics.Listen = parsed.metricsListen
	}
	if parsed.logLevel != "" {
		cfg.Log.Level = parsed.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log.level: %w", config.ErrInvalidConfig, err)
	}
	if cfg.Format == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
