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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
)

const bootstrapRequestTimeout = 10 * time.Second

var errAllBootstrapsFailed = errors.New("discovery: all bootstrap endpoints failed")

// BootstrapStrategy periodically asks each configured coordinator for
// its current peer list and feeds every returned peer into the
// registry as a bootstrap-query candidate.
type BootstrapStrategy struct {
	endpoints  []string
	interval   time.Duration
	selfID     string
	registry   *registry.PeerRegistry
	httpClient *http.Client
	metrics    *metrics.DiscoveryMetrics
	logger     logger.Logger
}

// NewBootstrapStrategy builds the strategy from config.
func NewBootstrapStrategy(
	cfg *Config, selfID string, reg *registry.PeerRegistry,
	dm *metrics.DiscoveryMetrics, log logger.Logger,
) *BootstrapStrategy {
	return &BootstrapStrategy{
		endpoints:  cfg.BootstrapEndpoints,
		interval:   time.Duration(cfg.BootstrapInterval),
		selfID:     selfID,
		registry:   reg,
		httpClient: &http.Client{Timeout: bootstrapRequestTimeout},
		metrics:    dm,
		logger:     log,
	}
}

// Name implements Strategy.
func (*BootstrapStrategy) Name() string { return string(models.DiscoveryBootstrapQuery) }

// Interval implements Strategy.
func (s *BootstrapStrategy) Interval() time.Duration { return s.interval }

// Run implements Strategy. One unreachable coordinator is not an
// error; only all endpoints failing is reported.
func (s *BootstrapStrategy) Run(ctx context.Context) error {
	if len(s.endpoints) == 0 {
		return nil
	}

	failures := 0

	for _, endpoint := range s.endpoints {
		if err := s.queryOne(ctx, endpoint); err != nil {
			failures++

			s.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Bootstrap query failed")
		}
	}

	if failures == len(s.endpoints) {
		return errAllBootstrapsFailed
	}

	return nil
}

func (s *BootstrapStrategy) queryOne(ctx context.Context, endpoint string) error {
	url := peersURL(endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bootstrap query: http %d from %s", resp.StatusCode, url)
	}

	var peers models.PeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return fmt.Errorf("bootstrap query: decode %s: %w", url, err)
	}

	for _, peer := range peers.Peers {
		if peer.ID == s.selfID {
			continue
		}

		candidate := models.PeerRecord{
			ID:              peer.ID,
			Role:            peer.Role,
			Endpoint:        peer.Endpoint,
			ChainAddress:    peer.ChainAddress,
			Capabilities:    peer.Capabilities,
			DiscoveryMethod: models.DiscoveryBootstrapQuery,
		}

		if _, err := s.registry.AddOrUpdate(candidate); err != nil {
			s.logger.Warn().Err(err).Str("peer_id", peer.ID).Msg("Rejected bootstrap candidate")
			continue
		}

		if s.metrics != nil {
			s.metrics.Candidates.WithLabelValues(s.Name()).Inc()
		}
	}

	return nil
}

func peersURL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	return strings.TrimSuffix(endpoint, "/") + "/peers"
}
