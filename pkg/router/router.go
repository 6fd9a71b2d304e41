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

// Package router picks a worker for a unit of work. Fairness is
// round-robin by recency: among eligible workers the one idle longest
// wins, with a nil assignment timestamp sorting oldest. The rule
// deliberately avoids any load metric that would require trusting a
// worker's self-reported instantaneous utilization.
package router

import (
	"errors"
	"sort"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
)

// ErrNoWorkerAvailable is the explicit empty-pool outcome; the router
// never silently returns a stale or ineligible record.
var ErrNoWorkerAvailable = errors.New("no available workers")

const maxSelectAttempts = 3

// Router selects workers from the shared registry.
type Router struct {
	registry *registry.PeerRegistry
	now      func() time.Time
	logger   logger.Logger
}

// New creates a Router.
func New(reg *registry.PeerRegistry, log logger.Logger) *Router {
	return &Router{
		registry: reg,
		now:      time.Now,
		logger:   log,
	}
}

// WithClock overrides the time source, for tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// SelectWorker returns one healthy, capable worker and stamps its
// LastJobAssignedAt before returning. The stamp is a compare-and-set
// under the record lock, so no two concurrent calls observe the same
// pre-update timestamp for the same record.
func (r *Router) SelectWorker(req models.JobRequirements) (models.PeerRecord, error) {
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		candidate, ok := r.pickIdleLongest(req)
		if !ok {
			return models.PeerRecord{}, ErrNoWorkerAvailable
		}

		// Last attempt skips the CAS: under heavy contention stamping
		// the freshest view beats failing the request.
		expected := candidate.LastJobAssignedAt
		relaxed := attempt == maxSelectAttempts-1

		stamped := false

		applied, err := r.registry.Update(candidate.ID, func(rec *models.PeerRecord) {
			if rec.Status != models.StatusHealthy {
				return
			}

			if !relaxed && !timePtrEqual(rec.LastJobAssignedAt, expected) {
				return
			}

			now := r.now()
			if rec.LastJobAssignedAt != nil && !now.After(*rec.LastJobAssignedAt) {
				now = rec.LastJobAssignedAt.Add(time.Nanosecond)
			}

			rec.LastJobAssignedAt = &now
			stamped = true
		})

		if err == nil && stamped {
			r.logger.Debug().
				Str("worker_id", applied.ID).
				Msg("Job routed to worker")

			return applied, nil
		}
	}

	return models.PeerRecord{}, ErrNoWorkerAvailable
}

// pickIdleLongest filters the pool down to eligible workers and sorts
// by assignment recency, peer ID breaking exact ties for determinism.
func (r *Router) pickIdleLongest(req models.JobRequirements) (models.PeerRecord, bool) {
	role := models.RoleWorker
	status := models.StatusHealthy

	pool := r.registry.List(&registry.Filter{Role: &role, Status: &status})

	eligible := pool[:0]

	for _, rec := range pool {
		if satisfies(&rec.Capabilities, &req) {
			eligible = append(eligible, rec)
		}
	}

	if len(eligible) == 0 {
		return models.PeerRecord{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].LastJobAssignedAt, eligible[j].LastJobAssignedAt

		switch {
		case a == nil && b == nil:
			return eligible[i].ID < eligible[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return eligible[i].ID < eligible[j].ID
		}
	})

	return eligible[0], true
}

func satisfies(caps *models.Capabilities, req *models.JobRequirements) bool {
	if req.CPUCores > 0 && caps.CPUCores < req.CPUCores {
		return false
	}

	if req.MemoryGB > 0 && caps.MemoryGB < req.MemoryGB {
		return false
	}

	if req.GPU {
		if !caps.GPU {
			return false
		}

		if req.GPUMemoryGB > 0 && caps.GPUMemoryGB < req.GPUMemoryGB {
			return false
		}
	}

	return caps.SupportsTaskType(req.TaskType)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}
