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

// Package config loads and validates the proxy's static configuration.
//
// Values are layered: built-in defaults, then an optional YAML document,
// then H2CPROXY_* environment variables, then command-line flags (applied
// by the caller). The result is read-only once Validate succeeds.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/h2cproxy/upstream"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every error returned from Validate.
var ErrInvalidConfig = errors.New("invalid configuration") //nolint:gochecknoglobals

// Selection policies.
const (
	PolicyRoundRobin = "round_robin"
	PolicyRandom     = "random"
	PolicyRendezvous = "rendezvous"
	PolicyRing       = "ring"
	PolicyPowerOfTwo = "power_of_two"
)

// Probe kinds.
const (
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config is the process-wide proxy configuration.
type Config struct {
	// Listen is the inbound "host:port". The host may be empty.
	Listen string `yaml:"listen"`
	// Upstreams are the backend "host:port" addresses, in selection order.
	Upstreams []string `yaml:"upstreams"`
	// H2 forces HTTP/2 (h2c) on upstream connections.
	H2 bool `yaml:"h2"`
	// InboundH2C enables h2c on the inbound listener. Defaults to H2.
	InboundH2C *bool `yaml:"inbound_h2c"`
	// Policy names the selection policy.
	Policy string `yaml:"policy"`
	// RoutingKeyHeader, if set, names the request header used as the
	// routing key for hashing policies.
	RoutingKeyHeader string `yaml:"routing_key_header"`
	// UpstreamHost, if set, replaces the Host header sent upstream.
	UpstreamHost string `yaml:"upstream_host"`
	// GracePeriod bounds how long in-flight requests may drain on shutdown.
	GracePeriod time.Duration `yaml:"grace_period"`

	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// HealthCheckConfig configures the background health checks.
type HealthCheckConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	Probe              string        `yaml:"probe"`
	Path               string        `yaml:"path"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// MetricsConfig configures the Prometheus endpoint. It is disabled when
// Listen is empty.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// Load reads the YAML document at path and applies defaults for any field
// it leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyRoundRobin
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = time.Second
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = time.Second
	}
	if c.HealthCheck.Probe == "" {
		c.HealthCheck.Probe = ProbeTCP
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = "/"
	}
	if c.HealthCheck.HealthyThreshold == 0 {
		c.HealthCheck.HealthyThreshold = 1
	}
	if c.HealthCheck.UnhealthyThreshold == 0 {
		c.HealthCheck.UnhealthyThreshold = 1
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatJSON
	}
}

type environment struct {
	Listen              string        `envconfig:"H2CPROXY_LISTEN"`
	Upstreams           []string      `envconfig:"H2CPROXY_UPSTREAMS"`
	H2                  string        `envconfig:"H2CPROXY_H2"`
	HealthCheckInterval time.Duration `envconfig:"H2CPROXY_HEALTH_CHECK_INTERVAL"`
	MetricsListen       string        `envconfig:"H2CPROXY_METRICS_LISTEN"`
	LogLevel            string        `envconfig:"H2CPROXY_LOG_LEVEL"`
}

// ApplyEnv overrides fields with any H2CPROXY_* environment variables that
// are set.
func (c *Config) ApplyEnv() error {
	var env environment
	if err := envconfig.InitWithOptions(&env, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if env.Listen != "" {
		c.Listen = env.Listen
	}
	if len(env.Upstreams) > 0 {
		c.Upstreams = env.Upstreams
	}
	if env.H2 != "" {
		h2, err := strconv.ParseBool(env.H2)
		if err != nil {
			return fmt.Errorf("H2CPROXY_H2: %w", err)
		}
		c.H2 = h2
	}
	if env.HealthCheckInterval != 0 {
		c.HealthCheck.Interval = env.HealthCheckInterval
	}
	if env.MetricsListen != "" {
		c.Metrics.Listen = env.MetricsListen
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	return nil
}

// InboundH2CEnabled reports whether the inbound listener accepts h2c.
func (c *Config) InboundH2CEnabled() bool {
	if c.InboundH2C != nil {
		return *c.InboundH2C
	}
	return c.H2
}

// UpstreamAddresses returns the upstream list with comma-separated entries
// split and whitespace trimmed.
func (c *Config) UpstreamAddresses() []string {
	addrs := make([]string, 0, len(c.Upstreams))
	for _, entry := range c.Upstreams {
		for _, addr := range strings.Split(entry, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

// Validate checks that the configuration can be served. Every returned
// error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return invalid("listen address is required")
	}
	if err := validateListen(c.Listen); err != nil {
		return invalid("listen: %v", err)
	}
	if _, err := upstream.NewSet(c.UpstreamAddresses()); err != nil {
		return fmt.Errorf("%w: upstreams: %w", ErrInvalidConfig, err)
	}
	switch c.Policy {
	case PolicyRoundRobin, PolicyRandom, PolicyRendezvous, PolicyRing, PolicyPowerOfTwo:
	default:
		return invalid("unknown policy %q", c.Policy)
	}
	switch c.HealthCheck.Probe {
	case ProbeTCP:
	case ProbeHTTP:
		if !strings.HasPrefix(c.HealthCheck.Path, "/") {
			return invalid("health_check.path %q must start with /", c.HealthCheck.Path)
		}
	default:
		return invalid("unknown health_check.probe %q", c.HealthCheck.Probe)
	}
	if c.HealthCheck.Interval <= 0 {
		return invalid("health_check.interval must be positive")
	}
	if c.HealthCheck.Timeout <= 0 {
		return invalid("health_check.timeout must be positive")
	}
	if c.HealthCheck.HealthyThreshold < 1 || c.HealthCheck.UnhealthyThreshold < 1 {
		return invalid("health_check thresholds must be at least 1")
	}
	if c.GracePeriod < 0 {
		return invalid("grace_period must not be negative")
	}
	if c.Metrics.Listen != "" {
		if err := validateListen(c.Metrics.Listen); err != nil {
			return invalid("metrics.listen: %v", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics.path %q must start with /", c.Metrics.Path)
		}
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatConsole:
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}
	return nil
}

func validateListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
