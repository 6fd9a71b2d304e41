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
	"time"
)

// Task is a unit of work dispatched to a worker. The payload is opaque
// to the fleet layer and interpreted only by the configured Processor.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Deadline time.Time       `json:"deadline,omitempty"`
}

// TaskResult is what a Processor returns for a completed task.
type TaskResult struct {
	TaskID   string          `json:"task_id"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

// Processor executes tasks. Implementations are supplied by the
// embedding application; the fleet layer only schedules around them.
type Processor interface {
	Process(ctx context.Context, task *Task) (*TaskResult, error)
	SupportedTypes() []string
}

// NoopProcessor accepts every task and completes it immediately. It is
// the default when no application processor is wired in, which keeps a
// bare worker binary usable for fleet-level testing.
type NoopProcessor struct{}

func (NoopProcessor) Process(_ context.Context, task *Task) (*TaskResult, error) {
	return &TaskResult{TaskID: task.ID}, nil
}

func (NoopProcessor) SupportedTypes() []string { return nil }
