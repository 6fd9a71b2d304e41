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

// Package metrics exposes coordinator instrumentation through
// prometheus collectors mounted at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetmesh"

// HealthMetrics instruments the health monitor sweep.
type HealthMetrics struct {
	Evictions     prometheus.Counter
	ProbeDuration prometheus.Histogram
}

// NewHealthMetrics builds and registers health collectors.
func NewHealthMetrics(reg prometheus.Registerer) *HealthMetrics {
	m := &HealthMetrics{
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "evictions_total",
			Help:      "Stale peer records evicted from the registry.",
		}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Liveness probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Evictions, m.ProbeDuration)

	return m
}

// DiscoveryMetrics instruments the discovery strategies.
type DiscoveryMetrics struct {
	Candidates *prometheus.CounterVec
	Failures   *prometheus.CounterVec
}

// NewDiscoveryMetrics builds and registers discovery collectors.
func NewDiscoveryMetrics(reg prometheus.Registerer) *DiscoveryMetrics {
	m := &DiscoveryMetrics{
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "candidates_total",
			Help:      "Peer candidates fed into the registry, by strategy.",
		}, []string{"strategy"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "failures_total",
			Help:      "Strategy runs that ended in error, by strategy.",
		}, []string{"strategy"}),
	}

	reg.MustRegister(m.Candidates, m.Failures)

	return m
}

// APIMetrics instruments the coordinator HTTP surface.
type APIMetrics struct {
	Heartbeats prometheus.Counter
	JobsRouted prometheus.Counter
	NoWorkers  prometheus.Counter
}

// NewAPIMetrics builds and registers API collectors.
func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	m := &APIMetrics{
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted from workers.",
		}),
		JobsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "jobs_routed_total",
			Help:      "Jobs successfully matched to a worker.",
		}),
		NoWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "jobs_unroutable_total",
			Help:      "Routing requests that found no eligible worker.",
		}),
	}

	reg.MustRegister(m.Heartbeats, m.JobsRouted, m.NoWorkers)

	return m
}
