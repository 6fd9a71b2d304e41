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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carverauto/fleetmesh/pkg/governor"
	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// admittingGovernor builds a governor whose samplers report the given
// utilization fraction on an 8-unit, 100%-contribution budget.
func testGovernor(t *testing.T, used float64) *governor.Governor {
	t.Helper()

	cfg := governor.Config{
		CPUPercent:     100,
		MemoryPercent:  100,
		GPUPercent:     100,
		StoragePercent: 100,
	}
	require.NoError(t, cfg.Validate())

	fixed := func(_ context.Context) (governor.Sample, error) {
		return governor.Sample{Used: used * 8, Capacity: 8}, nil
	}

	return governor.New("test-node", cfg, logger.NewTestLogger()).WithSamplers(governor.Samplers{
		CPU:    fixed,
		Memory: fixed,
		GPU:    fixed,
		Storage: func(_ context.Context, _ string) (governor.Sample, error) {
			return governor.Sample{Used: used * 8, Capacity: 8}, nil
		},
	})
}

// recordingProcessor counts processed tasks and can fail on demand.
type recordingProcessor struct {
	processed atomic.Int64
	failWith  error
	types     []string
	done      chan string
}

func (p *recordingProcessor) Process(_ context.Context, task *Task) (*TaskResult, error) {
	p.processed.Add(1)

	if p.done != nil {
		p.done <- task.ID
	}

	if p.failWith != nil {
		return nil, p.failWith
	}

	return &TaskResult{TaskID: task.ID}, nil
}

func (p *recordingProcessor) SupportedTypes() []string { return p.types }

func testConfig(coordinatorURL string) Config {
	return Config{
		CoordinatorURL: coordinatorURL,
		Endpoint:       "127.0.0.1:8090",
		Governor: governor.Config{
			CPUPercent:     100,
			MemoryPercent:  100,
			GPUPercent:     100,
			StoragePercent: 100,
		},
	}
}

func newTestWorker(t *testing.T, coordinatorURL string, proc Processor, used float64) *Worker {
	t.Helper()

	ident, err := identity.Generate(models.RoleWorker, models.Capabilities{CPUCores: 4, MemoryGB: 16})
	require.NoError(t, err)

	w, err := New(testConfig(coordinatorURL), ident, testGovernor(t, used), proc, logger.NewTestLogger())
	require.NoError(t, err)

	return w
}

func TestConfigValidateRequiresCoordinator(t *testing.T) {
	cfg := testConfig("")

	require.Error(t, cfg.Validate())
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := testConfig("coordinator:8080")

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, defaultQueueSize, cfg.TaskQueueSize)
}

func TestEnqueueRejectsMissingID(t *testing.T) {
	w := newTestWorker(t, "coordinator:8080", nil, 0.1)

	require.ErrorIs(t, w.Enqueue(&Task{}), errMissingTaskID)
}

func TestEnqueueRejectsUnsupportedType(t *testing.T) {
	proc := &recordingProcessor{types: []string{"inference"}}
	w := newTestWorker(t, "coordinator:8080", proc, 0.1)

	require.NoError(t, w.Enqueue(&Task{ID: "t1", Type: "inference"}))

	err := w.Enqueue(&Task{ID: "t2", Type: "training"})
	require.ErrorIs(t, err, errUnsupportedTask)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	w := newTestWorker(t, "coordinator:8080", nil, 0.1)
	w.config.TaskQueueSize = 1
	w.tasks = make(chan *Task, 1)

	require.NoError(t, w.Enqueue(&Task{ID: "t1"}))
	require.ErrorIs(t, w.Enqueue(&Task{ID: "t2"}), errQueueFull)
}

func TestTaskLoopProcessesQueuedTasks(t *testing.T) {
	proc := &recordingProcessor{done: make(chan string, 8)}
	w := newTestWorker(t, "coordinator:8080", proc, 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.taskLoop(ctx)

	require.NoError(t, w.Enqueue(&Task{ID: "t1"}))
	require.NoError(t, w.Enqueue(&Task{ID: "t2"}))

	assert.Equal(t, "t1", waitForTask(t, proc.done))
	assert.Equal(t, "t2", waitForTask(t, proc.done))

	perf := w.Performance()
	assert.EqualValues(t, 2, perf.TasksCompleted)
	assert.EqualValues(t, 0, perf.TasksFailed)
}

func TestTaskLoopHoldsTasksWhileGoverned(t *testing.T) {
	proc := &recordingProcessor{done: make(chan string, 8)}

	// 0.95 utilization is over the 0.80 margin: admission must block.
	w := newTestWorker(t, "coordinator:8080", proc, 0.95)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.taskLoop(ctx)

	require.NoError(t, w.Enqueue(&Task{ID: "t1"}))

	select {
	case id := <-proc.done:
		t.Fatalf("task %s ran while the governor denied admission", id)
	case <-time.After(300 * time.Millisecond):
	}

	assert.EqualValues(t, 0, proc.processed.Load())
}

func TestFailedTasksCountAgainstPerformance(t *testing.T) {
	proc := &recordingProcessor{done: make(chan string, 8), failWith: errors.New("oom")}
	w := newTestWorker(t, "coordinator:8080", proc, 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.taskLoop(ctx)

	require.NoError(t, w.Enqueue(&Task{ID: "t1"}))
	waitForTask(t, proc.done)

	require.Eventually(t, func() bool {
		return w.Performance().TasksFailed == 1
	}, time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 0, w.Performance().TasksCompleted)
}

func TestRegisterAnnouncesIdentityAndAppliesInterval(t *testing.T) {
	var got models.RegisterRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/peers/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		resp := models.RegisterResponse{
			Peer:              models.PeerRecord{ID: got.NodeID, Status: models.StatusVerified},
			CoordinatorID:     "fm-coordinator",
			HeartbeatInterval: models.Duration(20 * time.Second),
			HeartbeatPath:     "/heartbeat",
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL, nil, 0.1)

	tuner := &recordingTuner{}
	w.WithHeartbeatTuner(tuner)

	require.NoError(t, w.register(context.Background()))

	assert.Equal(t, w.identity.ID, got.NodeID)
	assert.Equal(t, models.RoleWorker, got.NodeType)
	assert.Equal(t, w.identity.PublicKeyHex(), got.PublicKey)
	assert.Equal(t, 4, got.Capabilities.CPUCores)

	assert.True(t, w.Registered())
	assert.Equal(t, 20*time.Second, tuner.interval)
}

func TestRegisterRejectionIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL, nil, 0.1)

	require.ErrorIs(t, w.register(context.Background()), errRegisterRejected)
	assert.False(t, w.Registered())
}

type recordingTuner struct {
	interval time.Duration
}

func (r *recordingTuner) SetInterval(d time.Duration) { r.interval = d }

func TestServerHealthSelfIdentifies(t *testing.T) {
	w := newTestWorker(t, "coordinator:8080", nil, 0.1)
	srv := NewServer(w, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))

	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, w.identity.ID, body["node_id"])
	assert.Equal(t, string(models.RoleWorker), body["nodeType"])
}

func TestServerDispatchQueuesTask(t *testing.T) {
	proc := &recordingProcessor{done: make(chan string, 8)}
	w := newTestWorker(t, "coordinator:8080", proc, 0.1)
	srv := NewServer(w, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/tasks",
		strings.NewReader(`{"id": "t1", "type": "inference"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Len(t, w.tasks, 1)
}

func TestServerDispatchQueueFull(t *testing.T) {
	w := newTestWorker(t, "coordinator:8080", nil, 0.1)
	w.tasks = make(chan *Task, 1)
	w.tasks <- &Task{ID: "existing"}

	srv := NewServer(w, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"id": "t2"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func waitForTask(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task processing")
		return ""
	}
}
