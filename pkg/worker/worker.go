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

// Package worker is the node-side service: it registers with a
// coordinator, serves the dispatch and health endpoints, and runs the
// task loop gated by the resource governor.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/fleetmesh/pkg/governor"
	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
)

const (
	defaultQueueSize        = 64
	defaultRegisterInterval = 15 * time.Second
	defaultRegisterTimeout  = 10 * time.Second
	defaultAdmitBackoff     = 2 * time.Second
)

var (
	errQueueFull         = errors.New("worker: task queue full")
	errRegisterRejected  = errors.New("worker: registration rejected")
	errMissingTaskID     = errors.New("worker: task id required")
	errUnsupportedTask   = errors.New("worker: unsupported task type")
	errProcessorRequired = errors.New("worker: processor required")
)

// Config holds the worker service settings.
type Config struct {
	ListenAddr       string          `json:"listen_addr"`
	Endpoint         string          `json:"endpoint"`
	CoordinatorURL   string          `json:"coordinator_url"`
	KeyFile          string          `json:"key_file"`
	ChainAddress     string          `json:"chain_address,omitempty"`
	TaskQueueSize    int             `json:"task_queue_size,omitempty"`
	RegisterInterval models.Duration `json:"register_interval,omitempty"`
	Governor         governor.Config `json:"governor"`
	Logging          *logger.Config  `json:"logging,omitempty"`
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" {
		return errors.New("worker: coordinator_url is required")
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}

	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = defaultQueueSize
	}

	if c.RegisterInterval == 0 {
		c.RegisterInterval = models.Duration(defaultRegisterInterval)
	}

	return c.Governor.Validate()
}

// HeartbeatTuner receives the coordinator's preferred heartbeat cadence
// once registration succeeds.
type HeartbeatTuner interface {
	SetInterval(d time.Duration)
}

// Worker ties identity, governor, registration, and the task loop
// together into one lifecycle service.
type Worker struct {
	config    Config
	identity  *identity.Identity
	governor  *governor.Governor
	processor Processor
	tuner     HeartbeatTuner

	httpClient *http.Client
	tasks      chan *Task
	started    time.Time
	registered atomic.Bool

	activeJobs     atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	totalTaskNanos atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    logger.Logger
}

// New creates a Worker. The processor may be nil, in which case tasks
// complete as no-ops.
func New(
	config Config, ident *identity.Identity, gov *governor.Governor,
	processor Processor, log logger.Logger,
) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if processor == nil {
		processor = NoopProcessor{}
	}

	return &Worker{
		config:     config,
		identity:   ident,
		governor:   gov,
		processor:  processor,
		httpClient: &http.Client{Timeout: defaultRegisterTimeout},
		tasks:      make(chan *Task, config.TaskQueueSize),
		done:       make(chan struct{}),
		logger:     log,
	}, nil
}

// WithHeartbeatTuner wires the heartbeat emitter so the worker can
// apply the coordinator's interval after registration.
func (w *Worker) WithHeartbeatTuner(t HeartbeatTuner) *Worker {
	w.tuner = t
	return w
}

// Start implements the lifecycle.Service interface.
func (w *Worker) Start(ctx context.Context) error {
	w.started = time.Now()

	w.logger.Info().
		Str("node_id", w.identity.ID).
		Str("coordinator", w.config.CoordinatorURL).
		Msg("Starting worker")

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		w.registerLoop(ctx)
	}()

	w.taskLoop(ctx)

	return nil
}

// Stop implements the lifecycle.Service interface.
func (w *Worker) Stop(_ context.Context) error {
	w.closeOnce.Do(func() {
		close(w.done)
	})

	w.wg.Wait()

	return nil
}

// Enqueue accepts a task for processing. The governor is consulted at
// pull time, not here; the queue only rejects when full.
func (w *Worker) Enqueue(task *Task) error {
	if task.ID == "" {
		return errMissingTaskID
	}

	if !w.supports(task.Type) {
		return fmt.Errorf("%w: %s", errUnsupportedTask, task.Type)
	}

	select {
	case w.tasks <- task:
		return nil
	default:
		return errQueueFull
	}
}

// ActiveJobs implements heartbeat.StatusSource.
func (w *Worker) ActiveJobs() int {
	return int(w.activeJobs.Load())
}

// Utilization implements heartbeat.StatusSource.
func (w *Worker) Utilization(ctx context.Context) *models.ResourceUtilization {
	return w.governor.Utilization(ctx)
}

// Performance implements heartbeat.StatusSource.
func (w *Worker) Performance() *models.PerformanceSample {
	completed := w.tasksCompleted.Load()

	sample := &models.PerformanceSample{
		TasksCompleted: completed,
		TasksFailed:    w.tasksFailed.Load(),
	}

	if completed > 0 {
		sample.AvgTaskTime = time.Duration(w.totalTaskNanos.Load() / completed)
	}

	return sample
}

// Registered reports whether the coordinator has accepted this node.
func (w *Worker) Registered() bool { return w.registered.Load() }

// Uptime reports how long the worker has been running.
func (w *Worker) Uptime() time.Duration {
	if w.started.IsZero() {
		return 0
	}

	return time.Since(w.started)
}

func (w *Worker) supports(taskType string) bool {
	types := w.processor.SupportedTypes()
	if len(types) == 0 {
		return true
	}

	for _, t := range types {
		if t == taskType {
			return true
		}
	}

	return false
}

// registerLoop retries registration until it succeeds, then exits. The
// coordinator treats re-registration as idempotent, so a worker that
// restarts simply announces itself again.
func (w *Worker) registerLoop(ctx context.Context) {
	interval := time.Duration(w.config.RegisterInterval)

	for {
		if err := w.register(ctx); err == nil {
			return
		} else {
			w.logger.Warn().Err(err).Dur("retry_in", interval).Msg("Registration failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-time.After(interval):
		}
	}
}

func (w *Worker) register(ctx context.Context) error {
	payload := models.RegisterRequest{
		NodeID:       w.identity.ID,
		NodeType:     models.RoleWorker,
		Endpoint:     w.config.Endpoint,
		ChainAddress: w.config.ChainAddress,
		Capabilities: w.identity.Capabilities,
		PublicKey:    w.identity.PublicKeyHex(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := registerURL(w.config.CoordinatorURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: http %d", errRegisterRejected, resp.StatusCode)
	}

	var accepted models.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return fmt.Errorf("worker: decode register response: %w", err)
	}

	w.registered.Store(true)

	if w.tuner != nil && accepted.HeartbeatInterval > 0 {
		w.tuner.SetInterval(time.Duration(accepted.HeartbeatInterval))
	}

	w.logger.Info().
		Str("coordinator_id", accepted.CoordinatorID).
		Str("status", string(accepted.Peer.Status)).
		Msg("Registered with coordinator")

	return nil
}

// taskLoop pulls queued tasks one at a time. The governor is the sole
// admission gate: a task stays queued while local resources are over
// the configured ceilings.
func (w *Worker) taskLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case task := <-w.tasks:
			w.waitForAdmission(ctx)

			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			default:
			}

			w.runTask(ctx, task)
		}
	}
}

func (w *Worker) waitForAdmission(ctx context.Context) {
	for !w.governor.CanAcceptTask(ctx) {
		w.logger.Debug().Msg("Task held back by resource governor")

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-time.After(defaultAdmitBackoff):
		}
	}
}

func (w *Worker) runTask(ctx context.Context, task *Task) {
	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	taskCtx := ctx

	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc

		taskCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	start := time.Now()
	result, err := w.processor.Process(taskCtx, task)
	elapsed := time.Since(start)

	if err != nil || (result != nil && result.Error != "") {
		w.tasksFailed.Add(1)
		w.logger.Warn().Err(err).Str("task_id", task.ID).Str("type", task.Type).Msg("Task failed")

		return
	}

	w.tasksCompleted.Add(1)
	w.totalTaskNanos.Add(int64(elapsed))

	w.logger.Debug().
		Str("task_id", task.ID).
		Dur("duration", elapsed).
		Msg("Task completed")
}

func registerURL(coordinator string) string {
	if !strings.HasPrefix(coordinator, "http://") && !strings.HasPrefix(coordinator, "https://") {
		coordinator = "http://" + coordinator
	}

	return strings.TrimSuffix(coordinator, "/") + "/peers/register"
}
