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

// Package coordinator assembles the coordinator-side services: peer
// registry, health monitor, discovery engine, job router, and the HTTP
// API, plus config hot-reload.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/carverauto/fleetmesh/pkg/api"
	"github.com/carverauto/fleetmesh/pkg/config"
	"github.com/carverauto/fleetmesh/pkg/discovery"
	"github.com/carverauto/fleetmesh/pkg/health"
	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/ledger"
	"github.com/carverauto/fleetmesh/pkg/lifecycle"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
	"github.com/carverauto/fleetmesh/pkg/router"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultKeyFile       = "/var/lib/fleetmesh/coordinator.key"
	defaultWatchInterval = 30 * time.Second
	ledgerClientTimeout  = 10 * time.Second
)

var errLoggerRequired = errors.New("coordinator: logger is required")

// Config is the coordinator's on-disk configuration.
type Config struct {
	KeyFile        string           `json:"key_file,omitempty"`
	LedgerEndpoint string           `json:"ledger_endpoint,omitempty"`
	API            api.Config       `json:"api"`
	Health         health.Config    `json:"health"`
	Discovery      discovery.Config `json:"discovery"`
	Logging        *logger.Config   `json:"logging,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.KeyFile == "" {
		c.KeyFile = defaultKeyFile
	}

	if err := c.API.Validate(); err != nil {
		return err
	}

	if err := c.Health.Validate(); err != nil {
		return err
	}

	return c.Discovery.Validate()
}

// Coordinator is the assembled service set plus the pieces reload
// needs to reach.
type Coordinator struct {
	Identity *identity.Identity
	Registry *registry.PeerRegistry
	Monitor  *health.Monitor
	Services []lifecycle.Service

	logger logger.Logger
}

// New wires the full coordinator from config. The returned Services
// slice is ready for lifecycle.Run.
func New(ctx context.Context, cfg *Config, configPath string, log logger.Logger) (*Coordinator, error) {
	if log == nil {
		return nil, errLoggerRequired
	}

	ident, err := identity.LoadOrGenerate(cfg.KeyFile, models.RoleCoordinator, models.Capabilities{})
	if err != nil {
		return nil, err
	}

	log.Info().Str("node_id", ident.ID).Msg("Coordinator identity loaded")

	promReg := prometheus.NewRegistry()
	healthMetrics := metrics.NewHealthMetrics(promReg)
	discoveryMetrics := metrics.NewDiscoveryMetrics(promReg)
	apiMetrics := metrics.NewAPIMetrics(promReg)

	reg := registry.New(log)
	metrics.NewRegistryCollector(promReg, reg)

	prober := health.NewHTTPProber(time.Duration(cfg.Health.ProbeTimeout))

	monitor := health.New(cfg.Health, reg, prober, nil, log).
		WithSelfID(ident.ID).
		WithMetrics(healthMetrics)

	verifier := discovery.NewVerifier(prober, reg, log)

	var strategies []discovery.Strategy

	if len(cfg.Discovery.BootstrapEndpoints) > 0 {
		strategies = append(strategies,
			discovery.NewBootstrapStrategy(&cfg.Discovery, ident.ID, reg, discoveryMetrics, log))
	}

	if cfg.Discovery.LocalScanEnabled {
		strategies = append(strategies,
			discovery.NewLocalScanStrategy(&cfg.Discovery, ident.ID, reg, discoveryMetrics, log))
	}

	if cfg.LedgerEndpoint != "" {
		client := ledger.NewHTTPClient(cfg.LedgerEndpoint, ledgerClientTimeout)
		strategies = append(strategies,
			discovery.NewLedgerStrategy(&cfg.Discovery, client, reg, log))
	}

	engine := discovery.NewEngine(strategies, log).WithMetrics(discoveryMetrics)

	jobRouter := router.New(reg, log)

	server := api.NewServer(cfg.API, reg, ident, log,
		api.WithVerifier(verifier),
		api.WithLivenessSink(monitor),
		api.WithJobRouter(jobRouter),
		api.WithMetrics(apiMetrics, promReg),
	)

	services := []lifecycle.Service{monitor, engine, server}

	if configPath != "" {
		watcher := config.NewFileWatcher(configPath, defaultWatchInterval, log)
		services = append(services, watcher, newReloader(watcher, configPath, monitor, log))
	}

	c := &Coordinator{
		Identity: ident,
		Registry: reg,
		Monitor:  monitor,
		Services: services,
		logger:   log,
	}

	c.watchEvents(ctx)

	return c, nil
}

// watchEvents logs registry membership changes for the duration of the
// process. Purely observational; the bus also serves tests.
func (c *Coordinator) watchEvents(ctx context.Context) {
	events, unsubscribe := c.Registry.Events().Subscribe()

	go func() {
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}

				c.logger.Info().
					Str("event", string(ev.Type)).
					Str("peer_id", ev.Peer.ID).
					Str("role", string(ev.Peer.Role)).
					Msg("Peer membership changed")
			}
		}
	}()
}
