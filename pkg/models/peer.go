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

// Package models defines the shared data types exchanged between the
// registry, discovery, health, and routing components.
package models

import (
	"errors"
	"time"
)

// PeerRole identifies what part a node plays in the fleet.
type PeerRole string

const (
	RoleCoordinator PeerRole = "coordinator"
	RoleWorker      PeerRole = "worker"
	RoleLightClient PeerRole = "light-client"
)

// Valid reports whether the role is one of the known values.
func (r PeerRole) Valid() bool {
	switch r {
	case RoleCoordinator, RoleWorker, RoleLightClient:
		return true
	default:
		return false
	}
}

// PeerStatus is the health state machine position of a peer.
// Transitions only move along:
//
//	discovered -> registered -> verified -> healthy <-> unhealthy -> unreachable
//
// Eviction removes the record outright once lastSeen exceeds the stale
// threshold, regardless of status.
type PeerStatus string

const (
	StatusDiscovered  PeerStatus = "discovered"
	StatusRegistered  PeerStatus = "registered"
	StatusVerified    PeerStatus = "verified"
	StatusHealthy     PeerStatus = "healthy"
	StatusUnhealthy   PeerStatus = "unhealthy"
	StatusUnreachable PeerStatus = "unreachable"
)

// DiscoveryMethod records which strategy produced or last confirmed a peer.
type DiscoveryMethod string

const (
	DiscoveryBootstrapQuery   DiscoveryMethod = "bootstrap-query"
	DiscoveryLocalScan        DiscoveryMethod = "local-scan"
	DiscoveryLedgerCrossRef   DiscoveryMethod = "ledger-cross-reference"
	DiscoverySelfRegistration DiscoveryMethod = "self-registration"
)

// Capabilities is the declared capacity descriptor a node advertises.
// Declared values are what the operator configured, not live usage.
type Capabilities struct {
	CPUCores          int      `json:"cpu_cores"`
	MemoryGB          float64  `json:"memory_gb"`
	GPU               bool     `json:"gpu"`
	GPUMemoryGB       float64  `json:"gpu_memory_gb,omitempty"`
	StorageGB         float64  `json:"storage_gb,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"`
	TaskTypes         []string `json:"task_types,omitempty"`
}

var (
	errCapabilitiesCPU    = errors.New("capabilities: cpu_cores must be non-negative")
	errCapabilitiesSizing = errors.New("capabilities: sizes must be non-negative")
)

// Validate checks the descriptor at the registry boundary so loosely
// typed registration payloads cannot smuggle nonsense into the store.
func (c *Capabilities) Validate() error {
	if c.CPUCores < 0 {
		return errCapabilitiesCPU
	}

	if c.MemoryGB < 0 || c.GPUMemoryGB < 0 || c.StorageGB < 0 {
		return errCapabilitiesSizing
	}

	return nil
}

// SupportsTaskType reports whether the peer advertises the given task
// type. An empty list means the peer accepts any task type.
func (c *Capabilities) SupportsTaskType(taskType string) bool {
	if taskType == "" || len(c.TaskTypes) == 0 {
		return true
	}

	for _, t := range c.TaskTypes {
		if t == taskType {
			return true
		}
	}

	return false
}

// PeerRecord is one registry entry per known node. The registry owns
// the storage; callers receive copies, never pointers into the store.
type PeerRecord struct {
	ID                string          `json:"id"`
	Role              PeerRole        `json:"role"`
	Endpoint          string          `json:"endpoint,omitempty"`
	ChainAddress      string          `json:"chain_address,omitempty"`
	Capabilities      Capabilities    `json:"capabilities"`
	PublicKey         string          `json:"public_key,omitempty"`
	DiscoveryMethod   DiscoveryMethod `json:"discovery_method"`
	Status            PeerStatus      `json:"status"`
	LastSeen          time.Time       `json:"last_seen"`
	AddedAt           time.Time       `json:"added_at"`
	LastJobAssignedAt *time.Time      `json:"last_job_assigned_at,omitempty"`
	ConsecutiveFails  int             `json:"-"`
}
