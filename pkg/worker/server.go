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
	"time"

	srHttp "github.com/carverauto/fleetmesh/pkg/http"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/gorilla/mux"
)

const (
	serverShutdownTimeout   = 10 * time.Second
	serverReadHeaderTimeout = 5 * time.Second
)

// Server is the worker's HTTP surface: the health endpoint probed by
// coordinators and the dispatch endpoint jobs arrive on.
type Server struct {
	worker  *Worker
	router  *mux.Router
	httpSrv *http.Server
	logger  logger.Logger
}

// NewServer creates the worker HTTP server.
func NewServer(w *Worker, log logger.Logger) *Server {
	s := &Server{
		worker: w,
		router: mux.NewRouter(),
		logger: log,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return srHttp.CommonMiddleware(next, s.logger)
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks", s.handleDispatch).Methods(http.MethodPost)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth answers coordinator probes and network scans. The
// node_id field lets a scanner identify who is listening without a
// prior introduction.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := struct {
		Status     string          `json:"status"`
		NodeID     string          `json:"node_id"`
		NodeType   models.PeerRole `json:"nodeType"`
		Uptime     models.Duration `json:"uptime"`
		ActiveJobs int             `json:"activeJobs"`
	}{
		Status:     "ok",
		NodeID:     s.worker.identity.ID,
		NodeType:   models.RoleWorker,
		Uptime:     models.Duration(s.worker.Uptime()),
		ActiveJobs: s.worker.ActiveJobs(),
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := struct {
		NodeID       string                      `json:"node_id"`
		Registered   bool                        `json:"registered"`
		Capabilities models.Capabilities         `json:"capabilities"`
		Utilization  *models.ResourceUtilization `json:"utilization,omitempty"`
		Performance  *models.PerformanceSample   `json:"performance,omitempty"`
		QueuedTasks  int                         `json:"queued_tasks"`
	}{
		NodeID:       s.worker.identity.ID,
		Registered:   s.worker.Registered(),
		Capabilities: s.worker.identity.Capabilities,
		Utilization:  s.worker.Utilization(r.Context()),
		Performance:  s.worker.Performance(),
		QueuedTasks:  len(s.worker.tasks),
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var task Task

	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task body")
		return
	}

	if err := s.worker.Enqueue(&task); err != nil {
		switch {
		case errors.Is(err, errQueueFull):
			writeError(w, http.StatusServiceUnavailable, "task queue full")
		case errors.Is(err, errUnsupportedTask):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}

		return
	}

	s.logger.Debug().Str("task_id", task.ID).Str("type", task.Type).Msg("Task accepted")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  "queued",
	})
}

// Start implements the lifecycle.Service interface.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.worker.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	s.logger.Info().Str("addr", s.worker.config.ListenAddr).Msg("Worker API listening")

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

// Stop implements the lifecycle.Service interface.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
	defer cancel()

	return s.httpSrv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
