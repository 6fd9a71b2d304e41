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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweepSettings struct {
	Interval models.Duration `json:"sweep_interval,omitempty"`
}

type testConfig struct {
	ListenAddr string          `json:"listen_addr"`
	APIKey     string          `json:"api_key,omitempty"`
	MaxPeers   int             `json:"max_peers,omitempty"`
	Debug      bool            `json:"debug,omitempty"`
	Hosts      []string        `json:"hosts,omitempty"`
	Ports      []int           `json:"ports,omitempty"`
	Sweep      sweepSettings   `json:"sweep"`
	Timeout    models.Duration `json:"timeout,omitempty"`

	validateCalled bool
	validateErr    error
}

func (c *testConfig) Validate() error {
	c.validateCalled = true
	return c.validateErr
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidateFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"listen_addr": ":8080",
		"max_peers": 100,
		"debug": true,
		"hosts": ["a", "b"],
		"timeout": "45s",
		"sweep": {"sweep_interval": "1m"}
	}`)

	var cfg testConfig

	loader := NewConfig(logger.NewTestLogger())
	require.NoError(t, loader.LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.MaxPeers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"a", "b"}, cfg.Hosts)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.Timeout))
	assert.Equal(t, time.Minute, time.Duration(cfg.Sweep.Interval))
	assert.True(t, cfg.validateCalled, "validators run after loading")
}

func TestLoadAndValidateMissingFile(t *testing.T) {
	var cfg testConfig

	loader := NewConfig(logger.NewTestLogger())
	require.Error(t, loader.LoadAndValidate(context.Background(), "/nonexistent/config.json", &cfg))
}

func TestLoadAndValidatePropagatesValidatorError(t *testing.T) {
	path := writeConfigFile(t, `{"listen_addr": ":8080"}`)

	cfg := testConfig{validateErr: errors.New("bad settings")}

	loader := NewConfig(logger.NewTestLogger())
	require.Error(t, loader.LoadAndValidate(context.Background(), path, &cfg))
}

func TestEnvLoaderMapsNestedFields(t *testing.T) {
	t.Setenv("FLEETMESH_LISTEN_ADDR", ":9999")
	t.Setenv("FLEETMESH_MAX_PEERS", "7")
	t.Setenv("FLEETMESH_DEBUG", "true")
	t.Setenv("FLEETMESH_HOSTS", "a, b,c")
	t.Setenv("FLEETMESH_PORTS", "8080, 8090,9000")
	t.Setenv("FLEETMESH_TIMEOUT", "30s")
	t.Setenv("FLEETMESH_SWEEP_SWEEP_INTERVAL", "2m")

	var cfg testConfig

	loader := NewEnvConfigLoader(logger.NewTestLogger(), "FLEETMESH_")
	require.NoError(t, loader.Load(context.Background(), "", &cfg))

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.MaxPeers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Hosts)
	assert.Equal(t, []int{8080, 8090, 9000}, cfg.Ports)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Timeout))
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Sweep.Interval))
}

func TestEnvLoaderRejectsBadIntSlice(t *testing.T) {
	t.Setenv("FLEETMESH_PORTS", "8080,not-a-port")

	var cfg testConfig

	loader := NewEnvConfigLoader(logger.NewTestLogger(), "FLEETMESH_")
	require.Error(t, loader.Load(context.Background(), "", &cfg))
}

func TestEnvLoaderRejectsUnsupportedFieldKind(t *testing.T) {
	t.Setenv("FLEETMESH_WEIGHTS", "0.1,0.2")

	var cfg struct {
		Weights []float64 `json:"weights"`
	}

	loader := NewEnvConfigLoader(logger.NewTestLogger(), "FLEETMESH_")
	require.ErrorIs(t, loader.Load(context.Background(), "", &cfg), errUnsupportedFieldKind)
}

func TestEnvLoaderConfigJSONTakesPriority(t *testing.T) {
	t.Setenv("FLEETMESH_CONFIG_JSON", `{"listen_addr": ":1234"}`)
	t.Setenv("FLEETMESH_LISTEN_ADDR", ":9999")

	var cfg testConfig

	loader := NewEnvConfigLoader(logger.NewTestLogger(), "FLEETMESH_")
	require.NoError(t, loader.Load(context.Background(), "", &cfg))

	assert.Equal(t, ":1234", cfg.ListenAddr)
}

func TestEnvLoaderRejectsNonPointer(t *testing.T) {
	loader := NewEnvConfigLoader(logger.NewTestLogger(), "FLEETMESH_")

	err := loader.Load(context.Background(), "", testConfig{})
	require.ErrorIs(t, err, ErrDstMustBeNonNilPointer)

	var notStruct int

	err = loader.Load(context.Background(), "", &notStruct)
	require.ErrorIs(t, err, ErrDstMustBePointerToStruct)
}

func TestConfigSourceSwitchesToEnv(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("FLEETMESH_LISTEN_ADDR", ":7777")

	var cfg testConfig

	loader := NewConfig(logger.NewTestLogger())
	require.NoError(t, loader.LoadAndValidate(context.Background(), "/ignored/path.json", &cfg))

	assert.Equal(t, ":7777", cfg.ListenAddr)
}

func TestFileWatcherSignalsOnChange(t *testing.T) {
	path := writeConfigFile(t, `{"listen_addr": ":8080"}`)

	w := NewFileWatcher(path, 10*time.Millisecond, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Start(ctx) }()

	defer func() { _ = w.Stop(context.Background()) }()

	// mtime granularity on some filesystems is one second.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0o600))
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("file change was not detected")
	}
}
