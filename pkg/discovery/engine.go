/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package discovery feeds peer candidates into the registry through
// several independently scheduled strategies. Each strategy runs on its
// own timer, so a slow or failing strategy never blocks the others;
// strategy failures are logged and retried on the next tick, never
// fatal to the process.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
)

// Strategy is one candidate source scheduled by the engine.
type Strategy interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

const (
	defaultBootstrapInterval = 60 * time.Second
	defaultLocalScanInterval = 5 * time.Minute
	defaultLedgerInterval    = 2 * time.Minute
)

// Config controls strategy construction and cadence.
type Config struct {
	BootstrapEndpoints []string        `json:"bootstrap_endpoints,omitempty"`
	BootstrapInterval  models.Duration `json:"bootstrap_interval,omitempty"`

	LocalScanEnabled  bool            `json:"local_scan_enabled,omitempty"`
	LocalScanHosts    []string        `json:"local_scan_hosts,omitempty"`
	LocalScanPorts    []int           `json:"local_scan_ports,omitempty"`
	LocalScanInterval models.Duration `json:"local_scan_interval,omitempty"`
	LocalScanTimeout  models.Duration `json:"local_scan_timeout,omitempty"`
	LocalScanRate     float64         `json:"local_scan_rate,omitempty"`

	LedgerBlocks   int             `json:"ledger_blocks,omitempty"`
	LedgerInterval models.Duration `json:"ledger_interval,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if time.Duration(c.BootstrapInterval) == 0 {
		c.BootstrapInterval = models.Duration(defaultBootstrapInterval)
	}

	if time.Duration(c.LocalScanInterval) == 0 {
		c.LocalScanInterval = models.Duration(defaultLocalScanInterval)
	}

	if time.Duration(c.LedgerInterval) == 0 {
		c.LedgerInterval = models.Duration(defaultLedgerInterval)
	}

	if c.LedgerBlocks == 0 {
		c.LedgerBlocks = defaultLedgerBlocks
	}

	return nil
}

// Engine schedules the configured strategies.
type Engine struct {
	strategies []Strategy
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	metrics    *metrics.DiscoveryMetrics
	logger     logger.Logger
}

// NewEngine creates an engine over the given strategies.
func NewEngine(strategies []Strategy, log logger.Logger) *Engine {
	return &Engine{
		strategies: strategies,
		done:       make(chan struct{}),
		logger:     log,
	}
}

// WithMetrics attaches strategy instrumentation.
func (e *Engine) WithMetrics(dm *metrics.DiscoveryMetrics) *Engine {
	e.metrics = dm
	return e
}

// Start implements the lifecycle.Service interface. Each strategy gets
// an immediate first run, then its own ticker.
func (e *Engine) Start(ctx context.Context) error {
	for _, s := range e.strategies {
		e.wg.Add(1)

		go func(s Strategy) {
			defer e.wg.Done()
			e.runStrategy(ctx, s)
		}(s)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
}

// Stop implements the lifecycle.Service interface.
func (e *Engine) Stop(_ context.Context) error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	e.wg.Wait()

	return nil
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy) {
	e.logger.Info().
		Str("strategy", s.Name()).
		Dur("interval", s.Interval()).
		Msg("Starting discovery strategy")

	e.runOnce(ctx, s)

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.runOnce(ctx, s)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, s Strategy) {
	if err := s.Run(ctx); err != nil {
		e.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("Discovery strategy run failed")

		if e.metrics != nil {
			e.metrics.Failures.WithLabelValues(s.Name()).Inc()
		}
	}
}
