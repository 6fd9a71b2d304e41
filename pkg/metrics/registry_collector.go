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

package metrics

import (
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCounter is the registry view the collector scrapes. Keeping it
// an interface avoids a dependency cycle with the registry package.
type StatusCounter interface {
	CountByStatus() map[models.PeerStatus]int
}

// RegistryCollector exports the live registry size by status on each
// scrape instead of tracking a gauge alongside every mutation.
type RegistryCollector struct {
	registry StatusCounter
	desc     *prometheus.Desc
}

// NewRegistryCollector builds and registers the collector.
func NewRegistryCollector(reg prometheus.Registerer, counter StatusCounter) *RegistryCollector {
	c := &RegistryCollector{
		registry: counter,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "peers"),
			"Known peers by status.",
			[]string{"status"}, nil,
		),
	}

	reg.MustRegister(c)

	return c
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	for status, count := range c.registry.CountByStatus() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), string(status))
	}
}
