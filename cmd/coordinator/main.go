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
	"github.com/carverauto/fleetmesh/pkg/coordinator"
	"github.com/carverauto/fleetmesh/pkg/lifecycle"
	"github.com/carverauto/fleetmesh/pkg/logger"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetmesh/coordinator.json", "Path to coordinator config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg coordinator.Config

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

	coordLogger, err := lifecycle.CreateComponentLogger("coordinator", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	coord, err := coordinator.New(ctx, &cfg, *configPath, coordLogger)
	if err != nil {
		return err
	}

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "fleetmesh-coordinator",
		Services:    coord.Services,
		Logger:      coordLogger,
	})
}
