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

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/carverauto/fleetmesh/pkg/ledger"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *registry.PeerRegistry {
	return registry.New(logger.NewTestLogger())
}

func serveJSON(t *testing.T, body any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

func splitHostPort(t *testing.T, url string) (host string, port int) {
	t.Helper()

	trimmed := url[len("http://"):]

	host, portStr, err := net.SplitHostPort(trimmed)
	require.NoError(t, err)

	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port
}

func TestBootstrapStrategyImportsPeers(t *testing.T) {
	srv := serveJSON(t, models.PeersResponse{
		Peers: []models.PeerRecord{
			{ID: "fm-remote-1", Role: models.RoleWorker, Endpoint: "10.0.0.5:8090"},
			{ID: "fm-self", Role: models.RoleCoordinator, Endpoint: "10.0.0.1:8080"},
		},
	})
	defer srv.Close()

	reg := newTestRegistry()

	cfg := &Config{BootstrapEndpoints: []string{srv.URL}}
	require.NoError(t, cfg.Validate())

	s := NewBootstrapStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.NoError(t, s.Run(context.Background()))

	rec, ok := reg.Get("fm-remote-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusDiscovered, rec.Status)
	assert.Equal(t, models.DiscoveryBootstrapQuery, rec.DiscoveryMethod)

	_, ok = reg.Get("fm-self")
	assert.False(t, ok, "own id is never imported")
}

func TestBootstrapStrategyPartialFailureIsNotAnError(t *testing.T) {
	srv := serveJSON(t, models.PeersResponse{
		Peers: []models.PeerRecord{{ID: "fm-remote-1", Role: models.RoleWorker}},
	})
	defer srv.Close()

	reg := newTestRegistry()

	cfg := &Config{BootstrapEndpoints: []string{"127.0.0.1:1", srv.URL}}
	require.NoError(t, cfg.Validate())

	s := NewBootstrapStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.NoError(t, s.Run(context.Background()))

	_, ok := reg.Get("fm-remote-1")
	assert.True(t, ok)
}

func TestBootstrapStrategyAllEndpointsFailing(t *testing.T) {
	reg := newTestRegistry()

	cfg := &Config{BootstrapEndpoints: []string{"127.0.0.1:1", "127.0.0.1:2"}}
	require.NoError(t, cfg.Validate())

	s := NewBootstrapStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.ErrorIs(t, s.Run(context.Background()), errAllBootstrapsFailed)
	assert.Equal(t, 0, reg.Count())
}

func TestLocalScanFindsSelfIdentifyingNode(t *testing.T) {
	srv := serveJSON(t, map[string]any{
		"status":   "ok",
		"node_id":  "fm-scanned-1",
		"nodeType": "worker",
	})
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	reg := newTestRegistry()

	cfg := &Config{
		LocalScanEnabled: true,
		LocalScanHosts:   []string{host},
		LocalScanPorts:   []int{port},
	}
	require.NoError(t, cfg.Validate())

	s := NewLocalScanStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.NoError(t, s.Run(context.Background()))

	rec, ok := reg.Get("fm-scanned-1")
	require.True(t, ok)
	assert.Equal(t, models.RoleWorker, rec.Role)
	assert.Equal(t, models.DiscoveryLocalScan, rec.DiscoveryMethod)
	assert.NotEmpty(t, rec.Endpoint)
}

func TestLocalScanIgnoresAnonymousHealthEndpoints(t *testing.T) {
	// A service that answers /health but carries no node id is not a
	// fleet node and must not pollute the registry.
	srv := serveJSON(t, map[string]string{"status": "ok"})
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	reg := newTestRegistry()

	cfg := &Config{
		LocalScanEnabled: true,
		LocalScanHosts:   []string{host},
		LocalScanPorts:   []int{port},
	}
	require.NoError(t, cfg.Validate())

	s := NewLocalScanStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 0, reg.Count())
}

func TestLocalScanSkipsClosedPortsQuietly(t *testing.T) {
	reg := newTestRegistry()

	cfg := &Config{
		LocalScanEnabled: true,
		LocalScanHosts:   []string{"127.0.0.1"},
		LocalScanPorts:   []int{1},
		LocalScanTimeout: models.Duration(200 * time.Millisecond),
	}
	require.NoError(t, cfg.Validate())

	s := NewLocalScanStrategy(cfg, "fm-self", reg, nil, logger.NewTestLogger())
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 0, reg.Count())
}

// fakeLedger serves a fixed chain of blocks.
type fakeLedger struct {
	blocks map[uint64]*ledger.Block
	latest uint64
	err    error
}

func (f *fakeLedger) GetPeerCount(_ context.Context) (int, error) {
	return len(f.blocks), f.err
}

func (f *fakeLedger) GetLatestBlockNumber(_ context.Context) (uint64, error) {
	return f.latest, f.err
}

func (f *fakeLedger) GetBlock(_ context.Context, number uint64) (*ledger.Block, error) {
	b, ok := f.blocks[number]
	if !ok {
		return nil, errors.New("block not found")
	}

	return b, nil
}

func (f *fakeLedger) IsListening(_ context.Context) (bool, error) {
	return f.err == nil, f.err
}

func TestLedgerStrategyCorroboratesKnownPeers(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.AddOrUpdate(models.PeerRecord{
		ID:           "fm-miner",
		Role:         models.RoleWorker,
		ChainAddress: "0xABCDEF",
	})
	require.NoError(t, err)

	_, err = reg.AddOrUpdate(models.PeerRecord{
		ID:           "fm-idle",
		Role:         models.RoleWorker,
		ChainAddress: "0x999999",
	})
	require.NoError(t, err)

	before, ok := reg.Get("fm-miner")
	require.True(t, ok)

	client := &fakeLedger{
		latest: 10,
		blocks: map[uint64]*ledger.Block{
			10: {Number: 10, MinerAddress: "0xabcdef"},
			9:  {Number: 9, MinerAddress: "0x111111"},
		},
	}

	cfg := &Config{LedgerBlocks: 2}
	require.NoError(t, cfg.Validate())

	s := NewLedgerStrategy(cfg, client, reg, logger.NewTestLogger())
	s.now = func() time.Time { return before.LastSeen.Add(time.Minute) }

	require.NoError(t, s.Run(context.Background()))

	// Address matching is case-insensitive; only the producing peer is
	// corroborated and nobody's status changes.
	miner, ok := reg.Get("fm-miner")
	require.True(t, ok)
	assert.Equal(t, before.LastSeen.Add(time.Minute), miner.LastSeen)
	assert.Equal(t, models.StatusDiscovered, miner.Status)

	idle, ok := reg.Get("fm-idle")
	require.True(t, ok)
	assert.Equal(t, before.LastSeen, idle.LastSeen)
}

func TestLedgerStrategySurfacesClientFailure(t *testing.T) {
	reg := newTestRegistry()

	client := &fakeLedger{err: errors.New("rpc unreachable")}

	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	s := NewLedgerStrategy(cfg, client, reg, logger.NewTestLogger())
	require.Error(t, s.Run(context.Background()))
}

// okProber succeeds or fails wholesale.
type okProber struct{ err error }

func (p *okProber) Probe(_ context.Context, _ string) error { return p.err }

func TestVerifierPromotesRegisteredPeer(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.AddOrUpdate(models.PeerRecord{ID: "fm-w1", Role: models.RoleWorker, Endpoint: "10.0.0.1:8090"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusRegistered))

	v := NewVerifier(&okProber{}, reg, logger.NewTestLogger())

	rec, err := v.VerifyRegistration(context.Background(), "fm-w1", "10.0.0.1:8090")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
}

func TestVerifierProbeFailureLeavesRegistered(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.AddOrUpdate(models.PeerRecord{ID: "fm-w1", Role: models.RoleWorker, Endpoint: "10.0.0.1:8090"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusRegistered))

	v := NewVerifier(&okProber{err: errors.New("refused")}, reg, logger.NewTestLogger())

	rec, err := v.VerifyRegistration(context.Background(), "fm-w1", "10.0.0.1:8090")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRegistered, rec.Status, "failed verification is not fatal")
}

func TestVerifierKeepsStatusAtOrPastVerified(t *testing.T) {
	tests := []models.PeerStatus{
		models.StatusVerified,
		models.StatusHealthy,
		models.StatusUnhealthy,
		models.StatusUnreachable,
	}

	for _, status := range tests {
		t.Run(string(status), func(t *testing.T) {
			reg := newTestRegistry()

			_, err := reg.AddOrUpdate(models.PeerRecord{ID: "fm-w1", Role: models.RoleWorker, Endpoint: "10.0.0.1:8090"})
			require.NoError(t, err)

			// Walk the record into the target status.
			require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusRegistered))
			require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusVerified))

			switch status {
			case models.StatusHealthy:
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusHealthy))
			case models.StatusUnhealthy:
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusHealthy))
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusUnhealthy))
			case models.StatusUnreachable:
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusHealthy))
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusUnhealthy))
				require.NoError(t, reg.UpdateStatus("fm-w1", models.StatusUnreachable))
			}

			before, _ := reg.Get("fm-w1")

			v := NewVerifier(&okProber{}, reg, logger.NewTestLogger())

			rec, err := v.VerifyRegistration(context.Background(), "fm-w1", "10.0.0.1:8090")
			require.NoError(t, err)
			assert.Equal(t, status, rec.Status, "re-verification never moves an established peer")
			assert.False(t, rec.LastSeen.Before(before.LastSeen))
		})
	}
}

// countingStrategy records invocations for engine scheduling tests.
type countingStrategy struct {
	name   string
	runs   chan struct{}
	result error
}

func (s *countingStrategy) Name() string          { return s.name }
func (*countingStrategy) Interval() time.Duration { return 10 * time.Millisecond }

func (s *countingStrategy) Run(_ context.Context) error {
	select {
	case s.runs <- struct{}{}:
	default:
	}

	return s.result
}

func TestEngineRunsStrategiesImmediatelyAndOnInterval(t *testing.T) {
	strategy := &countingStrategy{name: "counting", runs: make(chan struct{}, 16)}

	e := NewEngine([]Strategy{strategy}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = e.Start(ctx) }()

	defer func() { _ = e.Stop(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case <-strategy.runs:
		case <-time.After(2 * time.Second):
			t.Fatal("strategy was not scheduled")
		}
	}
}

func TestEngineKeepsSchedulingAfterStrategyError(t *testing.T) {
	strategy := &countingStrategy{
		name:   "failing",
		runs:   make(chan struct{}, 16),
		result: errors.New("upstream offline"),
	}

	e := NewEngine([]Strategy{strategy}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = e.Start(ctx) }()

	defer func() { _ = e.Stop(context.Background()) }()

	// Two observed runs mean the first failure did not stop the loop.
	for i := 0; i < 2; i++ {
		select {
		case <-strategy.runs:
		case <-time.After(2 * time.Second):
			t.Fatal("strategy was not rescheduled after an error")
		}
	}
}
