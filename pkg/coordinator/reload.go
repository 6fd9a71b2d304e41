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

package coordinator

import (
	"context"
	"sync"

	"github.com/carverauto/fleetmesh/pkg/config"
	"github.com/carverauto/fleetmesh/pkg/health"
	"github.com/carverauto/fleetmesh/pkg/logger"
)

// reloader applies config file changes to the running health monitor.
// Only the sweep thresholds hot-reload; listener addresses and
// discovery strategy wiring need a restart.
type reloader struct {
	watcher    *config.FileWatcher
	configPath string
	monitor    *health.Monitor
	done       chan struct{}
	closeOnce  sync.Once
	logger     logger.Logger
}

func newReloader(w *config.FileWatcher, path string, m *health.Monitor, log logger.Logger) *reloader {
	return &reloader{
		watcher:    w,
		configPath: path,
		monitor:    m,
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Start implements the lifecycle.Service interface.
func (r *reloader) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case <-r.watcher.Changes():
			r.apply(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (r *reloader) Stop(_ context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	return nil
}

func (r *reloader) apply(ctx context.Context) {
	var cfg Config

	loader := config.NewConfig(r.logger)
	if err := loader.LoadAndValidate(ctx, r.configPath, &cfg); err != nil {
		// Keep running on the previous settings.
		r.logger.Error().Err(err).Msg("Config reload failed")
		return
	}

	r.monitor.Reload(cfg.Health)
	r.logger.Info().Msg("Health monitor configuration reloaded")
}
