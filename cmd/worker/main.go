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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/carverauto/fleetmesh/pkg/config"
	"github.com/carverauto/fleetmesh/pkg/governor"
	"github.com/carverauto/fleetmesh/pkg/heartbeat"
	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/lifecycle"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/worker"
)

const defaultKeyFile = "/var/lib/fleetmesh/worker.key"

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetmesh/worker.json", "Path to worker config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg worker.Config

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{
			Level:  "info",
			Output: "stdout",
		}
	}

	workerLogger, err := lifecycle.CreateComponentLogger("worker", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	keyFile := cfg.KeyFile
	if keyFile == "" {
		keyFile = defaultKeyFile
	}

	caps := governor.DetectCapacity(ctx, cfg.Governor.StoragePath, workerLogger)

	ident, err := identity.LoadOrGenerate(keyFile, models.RoleWorker, caps)
	if err != nil {
		return err
	}

	workerLogger.Info().Str("node_id", ident.ID).Msg("Worker identity loaded")

	gov := governor.New(ident.ID, cfg.Governor, workerLogger)

	w, err := worker.New(cfg, ident, gov, nil, workerLogger)
	if err != nil {
		return err
	}

	hbLogger, err := lifecycle.CreateComponentLogger("heartbeat", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	emitter := heartbeat.New(cfg.CoordinatorURL, 0, ident, w, nil, hbLogger)
	w.WithHeartbeatTuner(emitter)

	server := worker.NewServer(w, workerLogger)

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "fleetmesh-worker",
		Services:    []lifecycle.Service{w, emitter, server},
		Logger:      workerLogger,
	})
}
