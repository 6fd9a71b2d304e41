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

// Package api provides the coordinator's HTTP surface: registration,
// heartbeats, peer listings, and job routing.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/carverauto/fleetmesh/pkg/discovery"
	srHttp "github.com/carverauto/fleetmesh/pkg/http"
	"github.com/carverauto/fleetmesh/pkg/identity"
	"github.com/carverauto/fleetmesh/pkg/logger"
	"github.com/carverauto/fleetmesh/pkg/metrics"
	"github.com/carverauto/fleetmesh/pkg/models"
	"github.com/carverauto/fleetmesh/pkg/registry"
	"github.com/carverauto/fleetmesh/pkg/router"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHeartbeatInterval = 45 * time.Second

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Config controls the API server.
type Config struct {
	ListenAddr        string          `json:"listen_addr"`
	APIKey            string          `json:"api_key,omitempty"`
	HeartbeatInterval models.Duration `json:"heartbeat_interval,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if time.Duration(c.HeartbeatInterval) == 0 {
		c.HeartbeatInterval = models.Duration(defaultHeartbeatInterval)
	}

	return nil
}

// LivenessSink receives heartbeat-derived liveness signals. The health
// monitor implements it; a heartbeat counts the same as a probe.
type LivenessSink interface {
	NoteLiveness(id string)
}

// Server is the coordinator API.
type Server struct {
	config    Config
	router    *mux.Router
	registry  *registry.PeerRegistry
	jobRouter *router.Router
	verifier  *discovery.Verifier
	liveness  LivenessSink
	identity  *identity.Identity
	metrics   *metrics.APIMetrics
	startTime time.Time
	httpSrv   *http.Server
	logger    logger.Logger
}

// Option configures the server.
type Option func(*Server)

// WithVerifier wires the self-registration verification probe.
func WithVerifier(v *discovery.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithLivenessSink wires heartbeat liveness into the health monitor.
func WithLivenessSink(sink LivenessSink) Option {
	return func(s *Server) { s.liveness = sink }
}

// WithJobRouter wires the routing endpoint.
func WithJobRouter(jr *router.Router) Option {
	return func(s *Server) { s.jobRouter = jr }
}

// WithMetrics wires API counters and mounts /metrics for the gatherer.
func WithMetrics(am *metrics.APIMetrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = am
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// NewServer creates the API server over the shared registry.
func NewServer(
	config Config, reg *registry.PeerRegistry, ident *identity.Identity,
	log logger.Logger, options ...Option,
) *Server {
	s := &Server{
		config:    config,
		router:    mux.NewRouter(),
		registry:  reg,
		identity:  ident,
		startTime: time.Now(),
		logger:    log,
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return srHttp.CommonMiddleware(next, s.logger)
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)

	protected := s.router.NewRoute().Subrouter()
	protected.Use(srHttp.APIKeyMiddleware(s.config.APIKey, s.logger))
	protected.HandleFunc("/peers/register", s.handleRegister).Methods(http.MethodPost)
	protected.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/route", s.handleRouteJob).Methods(http.MethodPost)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start implements the lifecycle.Service interface.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Coordinator API listening")

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

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.httpSrv.Shutdown(shutdownCtx)
}
