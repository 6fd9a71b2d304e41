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

// Package registry implements the shared in-memory table of known
// peers. It is the only cross-component mutable state: a sharded map
// with per-shard locking so readers are never blocked behind writers
// for longer than a single record update.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
)

const numShards = 16

var (
	// ErrPeerNotFound indicates the peer id has no registry entry.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrInvalidTransition indicates a status change that the health
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
	errEmptyPeerID       = errors.New("peer id is required")
)

// allowedTransitions encodes the health state machine. Re-asserting the
// current status is always a no-op.
var allowedTransitions = map[models.PeerStatus][]models.PeerStatus{
	models.StatusDiscovered:  {models.StatusRegistered, models.StatusVerified, models.StatusUnreachable},
	models.StatusRegistered:  {models.StatusVerified, models.StatusUnreachable},
	models.StatusVerified:    {models.StatusHealthy, models.StatusUnhealthy},
	models.StatusHealthy:     {models.StatusUnhealthy},
	models.StatusUnhealthy:   {models.StatusHealthy, models.StatusUnreachable},
	models.StatusUnreachable: {models.StatusHealthy},
}

func transitionAllowed(from, to models.PeerStatus) bool {
	if from == to {
		return true
	}

	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

type shard struct {
	mu    sync.RWMutex
	peers map[string]*models.PeerRecord
}

// PeerRegistry owns PeerRecord storage. All accessors return copies;
// callers never hold pointers into registry internals.
type PeerRegistry struct {
	shards [numShards]*shard
	events *EventBus
	now    func() time.Time
	logger logger.Logger
}

// Option configures a PeerRegistry.
type Option func(*PeerRegistry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *PeerRegistry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(log logger.Logger, opts ...Option) *PeerRegistry {
	r := &PeerRegistry{
		events: NewEventBus(log),
		now:    time.Now,
		logger: log,
	}

	for i := range r.shards {
		r.shards[i] = &shard{peers: make(map[string]*models.PeerRecord)}
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Events exposes the registry's event bus for subscribers.
func (r *PeerRegistry) Events() *EventBus {
	return r.events
}

func (r *PeerRegistry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))

	return r.shards[h.Sum32()%numShards]
}

// AddOrUpdate inserts or refreshes the record for candidate.ID and
// returns the applied record. For an existing id, fields present in the
// candidate overwrite the stored fields and LastSeen is bumped; status
// is owned by the health state machine and is never changed here. A
// brand-new id is stored with status discovered and emits a
// PeerDiscovered event.
func (r *PeerRegistry) AddOrUpdate(candidate models.PeerRecord) (models.PeerRecord, error) {
	if candidate.ID == "" {
		return models.PeerRecord{}, errEmptyPeerID
	}

	if err := candidate.Capabilities.Validate(); err != nil {
		return models.PeerRecord{}, fmt.Errorf("rejecting candidate %s: %w", candidate.ID, err)
	}

	now := r.now()
	s := r.shardFor(candidate.ID)

	s.mu.Lock()

	existing, ok := s.peers[candidate.ID]
	if !ok {
		rec := candidate
		rec.Status = models.StatusDiscovered
		rec.AddedAt = now
		rec.LastSeen = now
		rec.LastJobAssignedAt = nil
		rec.ConsecutiveFails = 0

		if rec.DiscoveryMethod == "" {
			rec.DiscoveryMethod = models.DiscoveryBootstrapQuery
		}

		s.peers[rec.ID] = &rec
		applied := rec
		s.mu.Unlock()

		r.events.Publish(PeerEvent{Type: EventPeerDiscovered, Peer: applied, At: now})
		r.logger.Debug().
			Str("peer_id", applied.ID).
			Str("method", string(applied.DiscoveryMethod)).
			Msg("New peer discovered")

		return applied, nil
	}

	mergeCandidate(existing, &candidate)

	if now.After(existing.LastSeen) {
		existing.LastSeen = now
	}

	applied := *existing
	s.mu.Unlock()

	return applied, nil
}

// mergeCandidate overwrites stored fields with the fields the candidate
// actually carries. Zero values mean "not present" at this boundary.
func mergeCandidate(dst, src *models.PeerRecord) {
	if src.Role.Valid() {
		dst.Role = src.Role
	}

	if src.Endpoint != "" {
		dst.Endpoint = src.Endpoint
	}

	if src.ChainAddress != "" {
		dst.ChainAddress = src.ChainAddress
	}

	if src.PublicKey != "" {
		dst.PublicKey = src.PublicKey
	}

	if src.DiscoveryMethod != "" {
		dst.DiscoveryMethod = src.DiscoveryMethod
	}

	if caps := src.Capabilities; caps.CPUCores > 0 || caps.MemoryGB > 0 || caps.GPU ||
		len(caps.TaskTypes) > 0 || caps.MaxConcurrentJobs > 0 {
		dst.Capabilities = caps
	}
}

// Get returns a copy of the record for id.
func (r *PeerRegistry) Get(id string) (models.PeerRecord, bool) {
	s := r.shardFor(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.peers[id]
	if !ok {
		return models.PeerRecord{}, false
	}

	return *rec, true
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Role   *models.PeerRole
	Status *models.PeerStatus
}

// List returns copies of all records matching the filter in unspecified
// order.
func (r *PeerRegistry) List(filter *Filter) []models.PeerRecord {
	var out []models.PeerRecord

	for _, s := range r.shards {
		s.mu.RLock()

		for _, rec := range s.peers {
			if filter != nil {
				if filter.Role != nil && rec.Role != *filter.Role {
					continue
				}

				if filter.Status != nil && rec.Status != *filter.Status {
					continue
				}
			}

			out = append(out, *rec)
		}

		s.mu.RUnlock()
	}

	return out
}

// Remove deletes the record for id and emits a PeerRemoved event.
// Removing an absent id is a no-op.
func (r *PeerRegistry) Remove(id string) bool {
	s := r.shardFor(id)

	s.mu.Lock()

	rec, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	removed := *rec
	delete(s.peers, id)
	s.mu.Unlock()

	r.events.Publish(PeerEvent{Type: EventPeerRemoved, Peer: removed, At: r.now()})
	r.logger.Info().
		Str("peer_id", id).
		Str("status", string(removed.Status)).
		Msg("Peer removed from registry")

	return true
}

// UpdateStatus applies one state machine transition. Transitions outside
// the machine return ErrInvalidTransition and leave the record intact.
func (r *PeerRegistry) UpdateStatus(id string, status models.PeerStatus) error {
	s := r.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	if !transitionAllowed(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s for peer %s", ErrInvalidTransition, rec.Status, status, id)
	}

	rec.Status = status

	return nil
}

// MarkSeen bumps LastSeen to at, keeping it monotonically non-decreasing.
func (r *PeerRegistry) MarkSeen(id string, at time.Time) error {
	s := r.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}

	return nil
}

// Update runs fn on the stored record under the shard lock, so
// read-modify-write sequences (fail counters, assignment stamps) are
// atomic per record. fn must not retain the pointer.
func (r *PeerRegistry) Update(id string, fn func(rec *models.PeerRecord)) (models.PeerRecord, error) {
	s := r.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.peers[id]
	if !ok {
		return models.PeerRecord{}, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	fn(rec)

	return *rec, nil
}

// Count returns the total number of records.
func (r *PeerRegistry) Count() int {
	total := 0

	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.peers)
		s.mu.RUnlock()
	}

	return total
}

// CountByStatus returns record counts keyed by status.
func (r *PeerRegistry) CountByStatus() map[models.PeerStatus]int {
	counts := make(map[models.PeerStatus]int)

	for _, s := range r.shards {
		s.mu.RLock()

		for _, rec := range s.peers {
			counts[rec.Status]++
		}

		s.mu.RUnlock()
	}

	return counts
}
