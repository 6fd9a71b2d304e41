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

// Package governor implements the worker-side resource governance gate.
// It computes per-resource allocations from configured contribution
// percentages and refuses new work once measured utilization crosses
// the safety margin of any allocation.
//
// A resource that cannot be measured on this host (typically GPU) is
// excluded from the admission gate entirely. This is deliberate: the
// gate neither fails closed (starving the worker over a missing probe)
// nor open (ignoring the resources it can see).
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultSafetyMargin   = 0.80
	defaultSampleInterval = 15 * time.Second
	defaultStoragePath    = "/"

	cpuSampleWindow = 200 * time.Millisecond
)

var (
	// ErrGPUUnsupported marks a host without a usable GPU query path.
	ErrGPUUnsupported = errors.New("governor: gpu measurement unsupported on this host")

	errBadPercentage  = errors.New("governor: contribution percentage must be in (0, 100]")
	errBadMargin      = errors.New("governor: safety margin must be in (0, 1]")
	errNotionalSample = errors.New("governor: sampler returned zero capacity")
)

// Config declares the contribution percentages per governed resource.
// All four are required at startup; a malformed value is fatal.
type Config struct {
	CPUPercent     float64         `json:"cpu_percent"`
	MemoryPercent  float64         `json:"memory_percent"`
	GPUPercent     float64         `json:"gpu_percent"`
	StoragePercent float64         `json:"storage_percent"`
	SafetyMargin   float64         `json:"safety_margin,omitempty"`
	StoragePath    string          `json:"storage_path,omitempty"`
	SampleInterval models.Duration `json:"sample_interval,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	for name, pct := range map[string]float64{
		"cpu_percent":     c.CPUPercent,
		"memory_percent":  c.MemoryPercent,
		"gpu_percent":     c.GPUPercent,
		"storage_percent": c.StoragePercent,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%w: %s=%v", errBadPercentage, name, pct)
		}
	}

	if c.SafetyMargin == 0 {
		c.SafetyMargin = defaultSafetyMargin
	}

	if c.SafetyMargin < 0 || c.SafetyMargin > 1 {
		return fmt.Errorf("%w: %v", errBadMargin, c.SafetyMargin)
	}

	if c.StoragePath == "" {
		c.StoragePath = defaultStoragePath
	}

	if time.Duration(c.SampleInterval) == 0 {
		c.SampleInterval = models.Duration(defaultSampleInterval)
	}

	return nil
}

// Sample is one measured capacity/usage pair in resource units.
type Sample struct {
	Used     float64
	Capacity float64
}

// Samplers measure live resource usage. Production uses gopsutil; tests
// inject deterministic functions. A sampler returning an error excludes
// its resource from the gate for that decision.
type Samplers struct {
	CPU     func(ctx context.Context) (Sample, error)
	Memory  func(ctx context.Context) (Sample, error)
	GPU     func(ctx context.Context) (Sample, error)
	Storage func(ctx context.Context, path string) (Sample, error)
}

func defaultSamplers() Samplers {
	return Samplers{
		CPU: func(ctx context.Context) (Sample, error) {
			counts, err := cpu.CountsWithContext(ctx, true)
			if err != nil {
				return Sample{}, err
			}

			percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
			if err != nil || len(percents) == 0 {
				return Sample{}, fmt.Errorf("cpu sample: %w", err)
			}

			total := float64(counts)

			return Sample{Used: percents[0] / 100 * total, Capacity: total}, nil
		},
		Memory: func(ctx context.Context) (Sample, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return Sample{}, err
			}

			return Sample{Used: bytesToGB(vm.Used), Capacity: bytesToGB(vm.Total)}, nil
		},
		GPU: func(_ context.Context) (Sample, error) {
			return Sample{}, ErrGPUUnsupported
		},
		Storage: func(ctx context.Context, path string) (Sample, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return Sample{}, err
			}

			return Sample{Used: bytesToGB(usage.Used), Capacity: bytesToGB(usage.Total)}, nil
		},
	}
}

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// ResourceAllocation is one governed resource's computed budget and its
// most recent measurement.
type ResourceAllocation struct {
	Resource    string   `json:"resource"`
	CapacityGB  float64  `json:"capacity"`
	AllocatedGB float64  `json:"allocated"`
	UsedGB      *float64 `json:"used,omitempty"`
	Utilization *float64 `json:"utilization,omitempty"`
	Excluded    bool     `json:"excluded,omitempty"`
}

// Report is the full allocation-and-usage view returned by Governor.Report.
type Report struct {
	NodeID       string               `json:"node_id"`
	SafetyMargin float64              `json:"safety_margin"`
	Resources    []ResourceAllocation `json:"resources"`
	GeneratedAt  time.Time            `json:"generated_at"`
}

// Governor is the admission gate a worker consults before pulling work.
type Governor struct {
	mu       sync.RWMutex
	config   Config
	nodeID   string
	samplers Samplers
	logger   logger.Logger
}

// New creates a Governor. The config must already be validated.
func New(nodeID string, config Config, log logger.Logger) *Governor {
	return &Governor{
		config:   config,
		nodeID:   nodeID,
		samplers: defaultSamplers(),
		logger:   log,
	}
}

// WithSamplers replaces the measurement functions, for tests.
func (g *Governor) WithSamplers(s Samplers) *Governor {
	g.samplers = s
	return g
}

// Reload applies a changed configuration at runtime and logs the delta
// per resource. Invalid percentages are rejected; the previous
// configuration stays in effect.
func (g *Governor) Reload(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	old := g.config
	g.config = config
	g.mu.Unlock()

	for _, d := range []struct {
		name     string
		from, to float64
	}{
		{"cpu_percent", old.CPUPercent, config.CPUPercent},
		{"memory_percent", old.MemoryPercent, config.MemoryPercent},
		{"gpu_percent", old.GPUPercent, config.GPUPercent},
		{"storage_percent", old.StoragePercent, config.StoragePercent},
		{"safety_margin", old.SafetyMargin, config.SafetyMargin},
	} {
		if d.from != d.to {
			g.logger.Info().
				Str("resource", d.name).
				Float64("from", d.from).
				Float64("to", d.to).
				Msg("Contribution reconfigured")
		}
	}

	return nil
}

// CanAcceptTask reports whether the node may currently accept more
// work: every measurable governed resource must sit below the safety
// margin of its allocation.
func (g *Governor) CanAcceptTask(ctx context.Context) bool {
	report := g.Report(ctx)

	for _, res := range report.Resources {
		if res.Excluded || res.Utilization == nil {
			continue
		}

		if *res.Utilization > report.SafetyMargin {
			g.logger.Debug().
				Str("resource", res.Resource).
				Float64("utilization", *res.Utilization).
				Float64("margin", report.SafetyMargin).
				Msg("Admission denied")

			return false
		}
	}

	return true
}

// Report measures every governed resource and returns allocations plus
// live utilization as a fraction of the allocation.
func (g *Governor) Report(ctx context.Context) *Report {
	g.mu.RLock()
	cfg := g.config
	samplers := g.samplers
	g.mu.RUnlock()

	report := &Report{
		NodeID:       g.nodeID,
		SafetyMargin: cfg.SafetyMargin,
		GeneratedAt:  time.Now().UTC(),
	}

	type probe struct {
		name    string
		percent float64
		sampleF func(context.Context) (Sample, error)
	}

	probes := []probe{
		{"cpu", cfg.CPUPercent, samplers.CPU},
		{"memory", cfg.MemoryPercent, samplers.Memory},
		{"gpu", cfg.GPUPercent, samplers.GPU},
		{"storage", cfg.StoragePercent, func(ctx context.Context) (Sample, error) {
			return samplers.Storage(ctx, cfg.StoragePath)
		}},
	}

	for _, p := range probes {
		report.Resources = append(report.Resources, g.measure(ctx, p.name, p.percent, p.sampleF))
	}

	return report
}

func (g *Governor) measure(
	ctx context.Context, name string, percent float64,
	sampleF func(context.Context) (Sample, error),
) ResourceAllocation {
	s, err := sampleF(ctx)
	if err != nil {
		if !errors.Is(err, ErrGPUUnsupported) {
			g.logger.Warn().Err(err).Str("resource", name).Msg("Resource measurement failed; excluding from gate")
		}

		return ResourceAllocation{Resource: name, Excluded: true}
	}

	if s.Capacity <= 0 {
		g.logger.Warn().Err(errNotionalSample).Str("resource", name).Msg("Excluding resource from gate")
		return ResourceAllocation{Resource: name, Excluded: true}
	}

	allocated := s.Capacity * percent / 100
	utilization := 0.0

	if allocated > 0 {
		utilization = s.Used / allocated
	}

	used := s.Used

	return ResourceAllocation{
		Resource:    name,
		CapacityGB:  s.Capacity,
		AllocatedGB: allocated,
		UsedGB:      &used,
		Utilization: &utilization,
	}
}

// Utilization condenses a report into the heartbeat wire shape. Excluded
// resources come back nil.
func (g *Governor) Utilization(ctx context.Context) *models.ResourceUtilization {
	report := g.Report(ctx)
	out := &models.ResourceUtilization{}

	for _, res := range report.Resources {
		if res.Excluded || res.Utilization == nil {
			continue
		}

		v := *res.Utilization

		switch res.Resource {
		case "cpu":
			out.CPU = &v
		case "memory":
			out.Memory = &v
		case "gpu":
			out.GPU = &v
		case "storage":
			out.Storage = &v
		}
	}

	return out
}
