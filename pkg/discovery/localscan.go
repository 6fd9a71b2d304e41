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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
	"golang.org/x/time/rate"
)

const (
	defaultScanTimeout     = 2 * time.Second
	defaultScanRate        = 20 // probes per second
	defaultScanConcurrency = 8
)

// selfIdentity is the health payload shape a scanned node must answer
// with to become a candidate. Anything without a node id is some other
// service that happens to expose /health.
type selfIdentity struct {
	NodeID   string          `json:"node_id"`
	NodeType models.PeerRole `json:"nodeType"`
}

// LocalScanStrategy probes a fixed small set of local addresses and
// ports for a self-identifying health endpoint. It is optional and
// intended for constrained or private networks where nodes cannot be
// told about each other any other way.
type LocalScanStrategy struct {
	hosts      []string
	ports      []int
	interval   time.Duration
	timeout    time.Duration
	selfID     string
	limiter    *rate.Limiter
	registry   *registry.PeerRegistry
	httpClient *http.Client
	metrics    *metrics.DiscoveryMetrics
	logger     logger.Logger
}

// NewLocalScanStrategy builds the strategy from config.
func NewLocalScanStrategy(
	cfg *Config, selfID string, reg *registry.PeerRegistry,
	dm *metrics.DiscoveryMetrics, log logger.Logger,
) *LocalScanStrategy {
	hosts := cfg.LocalScanHosts
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}

	timeout := time.Duration(cfg.LocalScanTimeout)
	if timeout == 0 {
		timeout = defaultScanTimeout
	}

	scanRate := cfg.LocalScanRate
	if scanRate == 0 {
		scanRate = defaultScanRate
	}

	return &LocalScanStrategy{
		hosts:      hosts,
		ports:      cfg.LocalScanPorts,
		interval:   time.Duration(cfg.LocalScanInterval),
		timeout:    timeout,
		selfID:     selfID,
		limiter:    rate.NewLimiter(rate.Limit(scanRate), 1),
		registry:   reg,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    dm,
		logger:     log,
	}
}

// Name implements Strategy.
func (*LocalScanStrategy) Name() string { return string(models.DiscoveryLocalScan) }

// Interval implements Strategy.
func (s *LocalScanStrategy) Interval() time.Duration { return s.interval }

// Run implements Strategy: a small rate-limited worker pool walks the
// host/port grid.
func (s *LocalScanStrategy) Run(ctx context.Context) error {
	if len(s.ports) == 0 {
		return nil
	}

	targets := make(chan string, len(s.hosts)*len(s.ports))

	for _, host := range s.hosts {
		for _, port := range s.ports {
			targets <- net.JoinHostPort(host, strconv.Itoa(port))
		}
	}

	close(targets)

	var wg sync.WaitGroup

	for i := 0; i < defaultScanConcurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for target := range targets {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}

				s.probe(ctx, target)
			}
		}()
	}

	wg.Wait()

	return ctx.Err()
}

func (s *LocalScanStrategy) probe(ctx context.Context, target string) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", target)

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Closed ports are the common case on a scan; not worth logging.
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var ident selfIdentity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil || ident.NodeID == "" {
		return
	}

	if ident.NodeID == s.selfID {
		return
	}

	candidate := models.PeerRecord{
		ID:              ident.NodeID,
		Role:            ident.NodeType,
		Endpoint:        target,
		DiscoveryMethod: models.DiscoveryLocalScan,
	}

	if _, err := s.registry.AddOrUpdate(candidate); err != nil {
		s.logger.Warn().Err(err).Str("target", target).Msg("Rejected local-scan candidate")
		return
	}

	if s.metrics != nil {
		s.metrics.Candidates.WithLabelValues(s.Name()).Inc()
	}

	s.logger.Info().
		Str("peer_id", ident.NodeID).
		Str("endpoint", target).
		Msg("Local scan found a peer")
}
