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
	"errors"
	"testing"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Config{
		CPUPercent:     50,
		MemoryPercent:  50,
		GPUPercent:     50,
		StoragePercent: 50,
	}
	_ = cfg.Validate()

	return cfg
}

// fixedSamplers returns samplers reporting the given used fraction of
// an 8-unit capacity for every resource.
func fixedSamplers(used, capacity float64) Samplers {
	fixed := func(_ context.Context) (Sample, error) {
		return Sample{Used: used, Capacity: capacity}, nil
	}

	return Samplers{
		CPU:    fixed,
		Memory: fixed,
		GPU:    fixed,
		Storage: func(_ context.Context, _ string) (Sample, error) {
			return Sample{Used: used, Capacity: capacity}, nil
		},
	}
}

func TestConfigValidateRejectsBadPercentages(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero cpu", Config{MemoryPercent: 50, GPUPercent: 50, StoragePercent: 50}},
		{"negative memory", Config{CPUPercent: 50, MemoryPercent: -1, GPUPercent: 50, StoragePercent: 50}},
		{"over 100", Config{CPUPercent: 101, MemoryPercent: 50, GPUPercent: 50, StoragePercent: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.cfg.Validate(), errBadPercentage)
		})
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()

	assert.InDelta(t, 0.80, cfg.SafetyMargin, 1e-9)
	assert.Equal(t, "/", cfg.StoragePath)
}

func TestCanAcceptTaskUnderMargin(t *testing.T) {
	g := New("node-1", validConfig(), logger.NewTestLogger()).
		// 50% contribution of 8 units = 4 allocated; 2 used = 0.5 utilization.
		WithSamplers(fixedSamplers(2, 8))

	assert.True(t, g.CanAcceptTask(context.Background()))
}

func TestCanAcceptTaskDeniesOverMargin(t *testing.T) {
	g := New("node-1", validConfig(), logger.NewTestLogger()).
		// 3.5 used of 4 allocated = 0.875 > 0.80 margin.
		WithSamplers(fixedSamplers(3.5, 8))

	assert.False(t, g.CanAcceptTask(context.Background()))
}

func TestCanAcceptTaskSingleHotResourceDenies(t *testing.T) {
	samplers := fixedSamplers(1, 8)
	samplers.Memory = func(_ context.Context) (Sample, error) {
		return Sample{Used: 3.9, Capacity: 8}, nil
	}

	g := New("node-1", validConfig(), logger.NewTestLogger()).WithSamplers(samplers)

	assert.False(t, g.CanAcceptTask(context.Background()))
}

func TestUnmeasurableResourceIsExcludedFromGate(t *testing.T) {
	samplers := fixedSamplers(1, 8)
	samplers.GPU = func(_ context.Context) (Sample, error) {
		return Sample{}, ErrGPUUnsupported
	}

	g := New("node-1", validConfig(), logger.NewTestLogger()).WithSamplers(samplers)

	assert.True(t, g.CanAcceptTask(context.Background()))

	report := g.Report(context.Background())
	require.Len(t, report.Resources, 4)

	for _, res := range report.Resources {
		if res.Resource == "gpu" {
			assert.True(t, res.Excluded)
			assert.Nil(t, res.Utilization)
		} else {
			assert.False(t, res.Excluded)
			require.NotNil(t, res.Utilization)
		}
	}
}

func TestSamplerErrorExcludesRatherThanDenies(t *testing.T) {
	samplers := fixedSamplers(1, 8)
	samplers.Storage = func(_ context.Context, _ string) (Sample, error) {
		return Sample{}, errors.New("statfs failed")
	}

	g := New("node-1", validConfig(), logger.NewTestLogger()).WithSamplers(samplers)

	assert.True(t, g.CanAcceptTask(context.Background()))
}

func TestReloadAppliesNewPercentages(t *testing.T) {
	g := New("node-1", validConfig(), logger.NewTestLogger()).
		// 3 used of 4 allocated = 0.75, just under margin.
		WithSamplers(fixedSamplers(3, 8))

	require.True(t, g.CanAcceptTask(context.Background()))

	shrunk := validConfig()
	shrunk.CPUPercent = 25 // 2 allocated, 3 used = 1.5 utilization

	require.NoError(t, g.Reload(shrunk))
	assert.False(t, g.CanAcceptTask(context.Background()))
}

func TestReloadRejectsInvalidConfigKeepsOld(t *testing.T) {
	g := New("node-1", validConfig(), logger.NewTestLogger()).
		WithSamplers(fixedSamplers(2, 8))

	bad := validConfig()
	bad.MemoryPercent = 0

	require.Error(t, g.Reload(bad))

	// The previous allocation still admits work.
	assert.True(t, g.CanAcceptTask(context.Background()))
}

func TestUtilizationWireShape(t *testing.T) {
	samplers := fixedSamplers(2, 8)
	samplers.GPU = func(_ context.Context) (Sample, error) {
		return Sample{}, ErrGPUUnsupported
	}

	g := New("node-1", validConfig(), logger.NewTestLogger()).WithSamplers(samplers)

	util := g.Utilization(context.Background())
	require.NotNil(t, util.CPU)
	require.NotNil(t, util.Memory)
	require.NotNil(t, util.Storage)
	assert.Nil(t, util.GPU, "unmeasurable resource must be nil on the wire")
	assert.InDelta(t, 0.5, *util.CPU, 1e-9)
}
