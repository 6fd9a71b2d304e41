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

// Package health drives the peer liveness state machine. A fixed
// interval sweep probes every registry entry, applies at most one state
// transition per record per sweep, and evicts records whose last
// contact exceeds the stale threshold.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
)

const (
	defaultSweepInterval    = 60 * time.Second
	defaultStaleThreshold   = 5 * time.Minute
	defaultUnreachableAfter = 3
)

// Config controls the monitor cadence and thresholds. All values are
// configuration, not constants; they hot-reload with the config file.
type Config struct {
	SweepInterval    models.Duration `json:"sweep_interval,omitempty"`
	ProbeTimeout     models.Duration `json:"probe_timeout,omitempty"`
	StaleThreshold   models.Duration `json:"stale_threshold,omitempty"`
	UnreachableAfter int             `json:"unreachable_after,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if time.Duration(c.SweepInterval) == 0 {
		c.SweepInterval = models.Duration(defaultSweepInterval)
	}

	if time.Duration(c.ProbeTimeout) == 0 {
		c.ProbeTimeout = models.Duration(defaultProbeTimeout)
	}

	if time.Duration(c.StaleThreshold) == 0 {
		c.StaleThreshold = models.Duration(defaultStaleThreshold)
	}

	if c.UnreachableAfter == 0 {
		c.UnreachableAfter = defaultUnreachableAfter
	}

	return nil
}

// Clock abstracts time for deterministic sweeps in tests.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }

// Monitor owns the periodic health sweep.
type Monitor struct {
	mu        sync.RWMutex
	config    Config
	registry  *registry.PeerRegistry
	prober    Prober
	clock     Clock
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	reloadCh  chan Config
	selfID    string
	metrics   *metrics.HealthMetrics
	logger    logger.Logger
}

// New creates a Monitor. A nil clock uses real time; a nil prober uses
// the HTTP prober with the configured timeout.
func New(config Config, reg *registry.PeerRegistry, prober Prober, clock Clock, log logger.Logger) *Monitor {
	if clock == nil {
		clock = realClock{}
	}

	if prober == nil {
		prober = NewHTTPProber(time.Duration(config.ProbeTimeout))
	}

	return &Monitor{
		config:   config,
		registry: reg,
		prober:   prober,
		clock:    clock,
		done:     make(chan struct{}),
		reloadCh: make(chan Config, 1),
		logger:   log,
	}
}

// WithSelfID excludes the coordinator's own registry entry from probing.
func (m *Monitor) WithSelfID(id string) *Monitor {
	m.selfID = id
	return m
}

// WithMetrics attaches sweep instrumentation.
func (m *Monitor) WithMetrics(hm *metrics.HealthMetrics) *Monitor {
	m.metrics = hm
	return m
}

// Reload applies changed thresholds on the next sweep.
func (m *Monitor) Reload(config Config) {
	select {
	case m.reloadCh <- config:
	default:
	}
}

// Start implements the lifecycle.Service interface.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.RLock()
	interval := time.Duration(m.config.SweepInterval)
	m.mu.RUnlock()

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("Starting health monitor")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-ticker.Chan():
			m.Sweep(ctx)
		case cfg := <-m.reloadCh:
			m.mu.Lock()
			m.config = cfg
			m.mu.Unlock()

			ticker.Stop()
			ticker = m.clock.Ticker(time.Duration(cfg.SweepInterval))
			m.logger.Info().Dur("interval", time.Duration(cfg.SweepInterval)).Msg("Sweep interval hot-reloaded")
		}
	}
}

// Stop implements the lifecycle.Service interface. In-flight probes run
// to completion or time out; there is no mid-flight cancellation.
func (m *Monitor) Stop(_ context.Context) error {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	m.wg.Wait()

	return nil
}

// Sweep runs one full pass: eviction first, then one probe and at most
// one transition per remaining record. Transitions for different peers
// are independent and unordered.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	now := m.clock.Now()
	stale := time.Duration(cfg.StaleThreshold)

	for _, rec := range m.registry.List(nil) {
		if now.Sub(rec.LastSeen) > stale {
			if m.registry.Remove(rec.ID) {
				m.logger.Info().
					Str("peer_id", rec.ID).
					Time("last_seen", rec.LastSeen).
					Msg("Evicting stale peer")

				if m.metrics != nil {
					m.metrics.Evictions.Inc()
				}
			}

			continue
		}

		if rec.ID == m.selfID || rec.Endpoint == "" {
			// Light clients have no probeable endpoint; their liveness
			// comes from indirect signals and staleness still evicts.
			continue
		}

		m.wg.Add(1)

		go func(rec models.PeerRecord) {
			defer m.wg.Done()
			m.probeOne(ctx, &rec, &cfg)
		}(rec)
	}

	m.wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, rec *models.PeerRecord, cfg *Config) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ProbeTimeout))
	defer cancel()

	start := m.clock.Now()
	err := m.prober.Probe(probeCtx, rec.Endpoint)

	if m.metrics != nil {
		m.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		m.noteFailure(rec, cfg, err)
		return
	}

	m.NoteLiveness(rec.ID)
}

// NoteLiveness records a successful liveness signal for a peer: probe
// success here, or a heartbeat arriving through the API, which counts
// the same. One forward transition, LastSeen bumped, fail count reset.
func (m *Monitor) NoteLiveness(id string) {
	now := m.clock.Now()

	_, err := m.registry.Update(id, func(rec *models.PeerRecord) {
		rec.ConsecutiveFails = 0

		if now.After(rec.LastSeen) {
			rec.LastSeen = now
		}

		rec.Status = nextOnSuccess(rec.Status)
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("peer_id", id).Msg("Liveness note for unknown peer")
	}
}

func (m *Monitor) noteFailure(rec *models.PeerRecord, cfg *Config, probeErr error) {
	applied, err := m.registry.Update(rec.ID, func(stored *models.PeerRecord) {
		stored.ConsecutiveFails++
		stored.Status = nextOnFailure(stored.Status, stored.ConsecutiveFails, cfg.UnreachableAfter)
	})
	if err != nil {
		return
	}

	m.logger.Debug().
		Err(probeErr).
		Str("peer_id", rec.ID).
		Str("status", string(applied.Status)).
		Int("consecutive_fails", applied.ConsecutiveFails).
		Msg("Health probe failed")
}
