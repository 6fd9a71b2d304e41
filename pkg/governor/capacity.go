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

package governor

import (
	"context"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DetectCapacity measures the host's declared capacity for the
// capability descriptor a worker advertises on registration. Detection
// failures degrade to zero values rather than aborting startup; the
// coordinator treats zeroes as "unknown".
func DetectCapacity(ctx context.Context, storagePath string, log logger.Logger) models.Capabilities {
	if storagePath == "" {
		storagePath = defaultStoragePath
	}

	caps := models.Capabilities{}

	if counts, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.Warn().Err(err).Msg("CPU count detection failed")
	} else {
		caps.CPUCores = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Memory detection failed")
	} else {
		caps.MemoryGB = bytesToGB(vm.Total)
	}

	if usage, err := disk.UsageWithContext(ctx, storagePath); err != nil {
		log.Warn().Err(err).Msg("Storage detection failed")
	} else {
		caps.StorageGB = bytesToGB(usage.Total)
	}

	return caps
}
