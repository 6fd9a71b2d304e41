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

package models

import "time"

// RegisterRequest is the body a node pushes to POST /peers/register.
type RegisterRequest struct {
	NodeID       string       `json:"node_id"`
	NodeType     PeerRole     `json:"node_type"`
	Endpoint     string       `json:"endpoint,omitempty"`
	ChainAddress string       `json:"chain_address,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	PublicKey    string       `json:"public_key,omitempty"`
}

// RegisterResponse hands back the applied record plus the coordinator
// connection parameters the worker needs for its heartbeat loop.
type RegisterResponse struct {
	Peer              PeerRecord `json:"peer"`
	CoordinatorID     string     `json:"coordinator_id"`
	HeartbeatInterval Duration   `json:"heartbeat_interval"`
	HeartbeatPath     string     `json:"heartbeat_path"`
}

// ResourceUtilization is the live usage fraction per governed resource,
// each in [0,1]. A nil pointer means the resource could not be measured
// and is excluded from admission decisions.
type ResourceUtilization struct {
	CPU     *float64 `json:"cpu,omitempty"`
	Memory  *float64 `json:"memory,omitempty"`
	GPU     *float64 `json:"gpu,omitempty"`
	Storage *float64 `json:"storage,omitempty"`
}

// PerformanceSample is a coarse worker self-report carried on heartbeats.
type PerformanceSample struct {
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	AvgTaskTime    time.Duration `json:"avg_task_time_ns"`
}

// HeartbeatRequest is the body a worker pushes to POST /heartbeat.
type HeartbeatRequest struct {
	NodeID      string               `json:"node_id"`
	Status      string               `json:"status,omitempty"`
	ActiveJobs  int                  `json:"active_jobs"`
	Utilization *ResourceUtilization `json:"utilization,omitempty"`
	Performance *PerformanceSample   `json:"performance,omitempty"`
	Signature   string               `json:"signature,omitempty"`
}

// JobRequirements is the resource ask carried on POST /jobs/route.
type JobRequirements struct {
	CPUCores    int     `json:"cpu,omitempty"`
	MemoryGB    float64 `json:"ram,omitempty"`
	GPU         bool    `json:"gpu,omitempty"`
	GPUMemoryGB float64 `json:"gpu_memory_gb,omitempty"`
	TaskType    string  `json:"task_type,omitempty"`
}

// RouteResponse wraps the selected worker for a routed job.
type RouteResponse struct {
	JobID  string     `json:"job_id"`
	Worker PeerRecord `json:"worker"`
}

// HealthResponse is the coordinator's GET /health body.
type HealthResponse struct {
	Status        string   `json:"status"`
	NodeType      PeerRole `json:"nodeType"`
	Uptime        Duration `json:"uptime"`
	PeerCount     int      `json:"peerCount"`
	RealPeerCount int      `json:"realPeerCount"`
}

// PeersResponse is the coordinator's GET /peers body.
type PeersResponse struct {
	Peers  []PeerRecord       `json:"peers"`
	Counts map[PeerRole]int   `json:"counts"`
	Status map[PeerStatus]int `json:"status_counts"`
}
