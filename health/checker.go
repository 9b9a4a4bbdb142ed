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

package health

import (
	"context"
	"sync"
	"time"

	"github.com/bufbuild/h2cproxy/internal"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = time.Second

// Target is something whose health can be checked: a backend address and
// the health state most recently published for it.
type Target interface {
	Address() string
	State() State
}

// Tracker represents an object that tracks the health state of targets.
// This is the interface through which a Checker communicates results.
//
// UpdateHealthState is called once per target per check, from the
// goroutine that probed it, so calls for different targets may be
// concurrent.
type Tracker interface {
	UpdateHealthState(Target, State)
}

// Observer is notified of every completed probe. It may be used to record
// metrics. A nil err means the probe passed.
type Observer interface {
	ObserveProbe(addr string, err error, elapsed time.Duration)
}

// CheckerConfig represents the configuration options for a Checker.
type CheckerConfig struct {
	// Timeout bounds each individual probe. A probe still running when it
	// expires is abandoned and counts as a failure. Defaults to one second.
	Timeout time.Duration

	// HealthyThreshold is the number of consecutive passing probes needed
	// for an unhealthy target to become healthy. Defaults to one.
	HealthyThreshold int

	// UnhealthyThreshold is the number of consecutive failing probes needed
	// for a healthy target to become unhealthy. Defaults to one.
	UnhealthyThreshold int

	// Observer, if non-nil, sees the outcome of every probe.
	Observer Observer
}

// Checker runs health check cycles. Each call to Check probes every target
// once, concurrently, and reports the resulting state of each target to a
// Tracker.
//
// Calls to Check must not overlap. Consecutive success and failure counts
// are kept per address between calls.
type Checker struct {
	prober             Prober
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	observer           Observer
	clock              internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	counters map[string]*counter
}

// NewChecker creates a new checker that uses the given prober.
func NewChecker(config CheckerConfig, prober Prober) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	return &Checker{
		prober:             prober,
		timeout:            config.Timeout,
		healthyThreshold:   config.HealthyThreshold,
		unhealthyThreshold: config.UnhealthyThreshold,
		observer:           config.Observer,
		clock:              internal.NewRealClock(),
		counters:           map[string]*counter{},
	}
}

// Check probes all targets and blocks until every probe has finished or
// timed out. A slow target never delays the results of the others: each
// target's result is reported as soon as its own probe completes.
//
// Probe failures are logged using the logger in ctx and are never
// returned. If ctx is cancelled, in-flight probes are abandoned and their
// targets are left unchanged.
func (c *Checker) Check(ctx context.Context, targets []Target, tracker Tracker) {
	var grp errgroup.Group
	for _, target := range targets {
		cnt := c.counterFor(target.Address())
		grp.Go(func() error {
			c.checkOne(ctx, target, cnt, tracker)
			return nil
		})
	}
	_ = grp.Wait()
}

func (c *Checker) checkOne(ctx context.Context, target Target, cnt *counter, tracker Tracker) {
	addr := target.Address()
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	start := c.clock.Now()
	err := c.probe(probeCtx, addr)
	elapsed := c.clock.Since(start)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if c.observer != nil {
		c.observer.ObserveProbe(addr, err, elapsed)
	}

	logger := zerolog.Ctx(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("backend", addr).Dur("elapsed", elapsed).Msg("health probe failed")
	}
	current := target.State()
	next := cnt.record(err == nil, current, c.healthyThreshold, c.unhealthyThreshold)
	if next != current {
		logger.Info().
			Str("backend", addr).
			Stringer("from", current).
			Stringer("to", next).
			Msg("backend health changed")
	}
	tracker.UpdateHealthState(target, next)
}

// probe runs the prober and returns its result, or the context's error if
// the timeout expires first. A prober that ignores ctx is left running in
// the background and its late result is discarded.
func (c *Checker) probe(ctx context.Context, addr string) error {
	result := make(chan error, 1)
	go func() {
		result <- c.prober.Probe(ctx, addr)
	}()
	select {
	case err := <-result:
		if err == nil && ctx.Err() != nil {
			// finished, but not within the timeout
			return ctx.Err()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checker) counterFor(addr string) *counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	cnt, ok := c.counters[addr]
	if !ok {
		cnt = &counter{}
		c.counters[addr] = cnt
	}
	return cnt
}

// counter tracks consecutive probe results for one address. It is only
// touched by the goroutine probing that address.
type counter struct {
	successes int
	failures  int
}

func (c *counter) record(passed bool, current State, healthyThreshold, unhealthyThreshold int) State {
	if passed {
		c.failures = 0
		c.successes++
		if current != StateHealthy && c.successes >= healthyThreshold {
			return StateHealthy
		}
		return current
	}
	c.successes = 0
	c.failures++
	if current != StateUnhealthy && c.failures >= unhealthyThreshold {
		return StateUnhealthy
	}
	return current
}
