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
	"strings"
	"time"

	"github.com/carverauto/fleetmesh/pkg/ledger"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
)

const defaultLedgerBlocks = 10

// LedgerStrategy inspects the most recent blocks for block-producer
// addresses. Without an address-to-endpoint mapping it can never
// promote a candidate past discovered; its whole job is corroborating
// liveness of already-known peers whose chain address is on record.
type LedgerStrategy struct {
	client   ledger.Client
	blocks   int
	interval time.Duration
	registry *registry.PeerRegistry
	now      func() time.Time
	logger   logger.Logger
}

// NewLedgerStrategy builds the strategy from config.
func NewLedgerStrategy(
	cfg *Config, client ledger.Client, reg *registry.PeerRegistry, log logger.Logger,
) *LedgerStrategy {
	return &LedgerStrategy{
		client:   client,
		blocks:   cfg.LedgerBlocks,
		interval: time.Duration(cfg.LedgerInterval),
		registry: reg,
		now:      time.Now,
		logger:   log,
	}
}

// Name implements Strategy.
func (*LedgerStrategy) Name() string { return string(models.DiscoveryLedgerCrossRef) }

// Interval implements Strategy.
func (s *LedgerStrategy) Interval() time.Duration { return s.interval }

// Run implements Strategy.
func (s *LedgerStrategy) Run(ctx context.Context) error {
	latest, err := s.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return err
	}

	producers := make(map[string]struct{})

	for i := 0; i < s.blocks && uint64(i) <= latest; i++ {
		block, err := s.client.GetBlock(ctx, latest-uint64(i))
		if err != nil {
			// One missing block does not spoil the sighting set.
			s.logger.Debug().Err(err).Uint64("block", latest-uint64(i)).Msg("Block fetch failed")
			continue
		}

		if block.MinerAddress != "" {
			producers[strings.ToLower(block.MinerAddress)] = struct{}{}
		}
	}

	if len(producers) == 0 {
		return nil
	}

	corroborated := 0
	now := s.now()

	for _, rec := range s.registry.List(nil) {
		if rec.ChainAddress == "" {
			continue
		}

		if _, ok := producers[strings.ToLower(rec.ChainAddress)]; !ok {
			continue
		}

		if err := s.registry.MarkSeen(rec.ID, now); err == nil {
			corroborated++
		}
	}

	s.logger.Debug().
		Int("producers", len(producers)).
		Int("corroborated", corroborated).
		Msg("Ledger cross-reference pass complete")

	return nil
}
