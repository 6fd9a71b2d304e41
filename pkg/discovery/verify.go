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
	"time"

	"github.com/carverauto/fleetmesh/pkg/health"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
)

const verifyTimeout = 5 * time.Second

// Verifier is the push-model half of discovery: when a peer
// self-registers through the coordinator API, one immediate probe
// against the declared endpoint decides whether it is promoted to
// verified. A failed probe leaves the record at registered for the
// health sweep to retry.
type Verifier struct {
	prober   health.Prober
	registry *registry.PeerRegistry
	now      func() time.Time
	logger   logger.Logger
}

// NewVerifier creates a Verifier. A nil prober uses the HTTP prober.
func NewVerifier(prober health.Prober, reg *registry.PeerRegistry, log logger.Logger) *Verifier {
	if prober == nil {
		prober = health.NewHTTPProber(verifyTimeout)
	}

	return &Verifier{
		prober:   prober,
		registry: reg,
		now:      time.Now,
		logger:   log,
	}
}

// VerifyRegistration probes the declared endpoint once and promotes the
// peer to verified on success. The returned record reflects the
// outcome.
func (v *Verifier) VerifyRegistration(ctx context.Context, id, endpoint string) (models.PeerRecord, error) {
	probeCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	if err := v.prober.Probe(probeCtx, endpoint); err != nil {
		v.logger.Info().
			Err(err).
			Str("peer_id", id).
			Str("endpoint", endpoint).
			Msg("Verification probe failed; peer stays registered")

		rec, _ := v.registry.Get(id)

		return rec, nil
	}

	// A peer re-registering from verified or beyond (a restarting
	// healthy worker, say) keeps its current status; the probe just
	// refreshes liveness.
	if rec, ok := v.registry.Get(id); ok && atOrPastVerified(rec.Status) {
		if err := v.registry.MarkSeen(id, v.now()); err != nil {
			return models.PeerRecord{}, err
		}

		rec, _ = v.registry.Get(id)

		return rec, nil
	}

	if err := v.registry.UpdateStatus(id, models.StatusVerified); err != nil {
		return models.PeerRecord{}, err
	}

	if err := v.registry.MarkSeen(id, v.now()); err != nil {
		return models.PeerRecord{}, err
	}

	rec, _ := v.registry.Get(id)

	v.logger.Info().
		Str("peer_id", id).
		Str("endpoint", endpoint).
		Msg("Self-registered peer verified")

	return rec, nil
}

func atOrPastVerified(status models.PeerStatus) bool {
	switch status {
	case models.StatusVerified, models.StatusHealthy,
		models.StatusUnhealthy, models.StatusUnreachable:
		return true
	default:
		return false
	}
}
