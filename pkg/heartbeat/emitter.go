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

// Package heartbeat pushes worker status reports to a coordinator on a
// fixed interval. A missed delivery is retried on the next tick and
// the worker keeps processing jobs; the coordinator-side consequence
// of persistent misses is the health state machine demoting the peer.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
)

const (
	defaultInterval       = 45 * time.Second
	defaultPushTimeout    = 10 * time.Second
	heartbeatStatusActive = "active"
)

// Clock abstracts time-related operations.
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

// StatusSource supplies the live fields of a heartbeat payload.
type StatusSource interface {
	ActiveJobs() int
	Utilization(ctx context.Context) *models.ResourceUtilization
	Performance() *models.PerformanceSample
}

// Emitter is the worker-side heartbeat loop.
type Emitter struct {
	coordinatorURL string
	interval       time.Duration
	identity       *identity.Identity
	source         StatusSource
	httpClient     *http.Client
	clock          Clock
	done           chan struct{}
	closeOnce      sync.Once
	reloadCh       chan time.Duration
	logger         logger.Logger
}

// New creates an Emitter. A nil clock uses real time; a zero interval
// uses the default cadence.
func New(
	coordinatorURL string, interval time.Duration, ident *identity.Identity,
	source StatusSource, clock Clock, log logger.Logger,
) *Emitter {
	if interval == 0 {
		interval = defaultInterval
	}

	if clock == nil {
		clock = realClock{}
	}

	return &Emitter{
		coordinatorURL: coordinatorURL,
		interval:       interval,
		identity:       ident,
		source:         source,
		httpClient:     &http.Client{Timeout: defaultPushTimeout},
		clock:          clock,
		done:           make(chan struct{}),
		reloadCh:       make(chan time.Duration, 1),
		logger:         log,
	}
}

// SetInterval hot-reloads the heartbeat cadence, typically after the
// coordinator hands back its preferred interval at registration.
func (e *Emitter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	select {
	case e.reloadCh <- d:
	default:
	}
}

// Start implements the lifecycle.Service interface.
func (e *Emitter) Start(ctx context.Context) error {
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("Starting heartbeat emitter")

	e.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case <-ticker.Chan():
			e.beat(ctx)
		case newInterval := <-e.reloadCh:
			ticker.Stop()
			ticker = e.clock.Ticker(newInterval)
			e.interval = newInterval
			e.logger.Info().Dur("interval", newInterval).Msg("Heartbeat interval updated")
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (e *Emitter) Stop(_ context.Context) error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	return nil
}

func (e *Emitter) beat(ctx context.Context) {
	payload := models.HeartbeatRequest{
		NodeID:    e.identity.ID,
		Status:    heartbeatStatusActive,
		Signature: e.identity.Sign([]byte(e.identity.ID)),
	}

	if e.source != nil {
		payload.ActiveJobs = e.source.ActiveJobs()
		payload.Utilization = e.source.Utilization(ctx)
		payload.Performance = e.source.Performance()
	}

	if err := e.push(ctx, &payload); err != nil {
		// Not fatal; the next tick retries.
		e.logger.Warn().Err(err).Msg("Heartbeat delivery failed")
		return
	}

	e.logger.Debug().Int("active_jobs", payload.ActiveJobs).Msg("Heartbeat delivered")
}

func (e *Emitter) push(ctx context.Context, payload *models.HeartbeatRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal payload: %w", err)
	}

	url := heartbeatURL(e.coordinatorURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: http %d from %s", resp.StatusCode, url)
	}

	return nil
}

func heartbeatURL(coordinator string) string {
	if !strings.HasPrefix(coordinator, "http://") && !strings.HasPrefix(coordinator, "https://") {
		coordinator = "http://" + coordinator
	}

	return strings.TrimSuffix(coordinator, "/") + "/heartbeat"
}
