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

// Package lifecycle runs a set of long-lived services under one
// process-wide shutdown umbrella.
package lifecycle

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const defaultStopTimeout = 10 * time.Second

// Service is a long-running component. Start blocks until the context
// is canceled or Stop is called; Stop lets in-flight work finish or
// time out before the process exits.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a Run invocation.
type Options struct {
	ServiceName string
	Services    []Service
	Logger      logger.Logger
	StopTimeout time.Duration
}

// Run starts every service and blocks until SIGINT/SIGTERM or the
// first service failure, then stops all services with a bounded
// timeout. An individual periodic task failing is each service's own
// business; only a Start returning an error tears the process down.
func Run(ctx context.Context, opts *Options) error {
	if opts.StopTimeout == 0 {
		opts.StopTimeout = defaultStopTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, runCtx := errgroup.WithContext(sigCtx)

	for _, svc := range opts.Services {
		svc := svc
		g.Go(func() error {
			if err := svc.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	<-runCtx.Done()

	log.Info().Str("service", opts.ServiceName).Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()

	for _, svc := range opts.Services {
		if err := svc.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping service")
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// CreateLogger creates a logger instance from the provided configuration.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	return logger.New(config)
}

// CreateComponentLogger creates a logger tagged with a component name.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	return logger.NewWithComponent(config, component)
}
