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
	"os"
	"sync"
	"time"

	"github.com/carverauto/fleetmesh/pkg/logger"
)

const defaultWatchInterval = 10 * time.Second

// FileWatcher polls a configuration artifact's mtime and signals on a
// channel when it changes. Consumers re-load and apply hot-reloadable
// settings; a change that fails to parse is logged and skipped, the
// previous configuration stays in effect.
type FileWatcher struct {
	path     string
	interval time.Duration
	lastMod  time.Time
	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   logger.Logger
}

// NewFileWatcher creates a watcher for the given path. A zero interval
// uses the default polling cadence.
func NewFileWatcher(path string, interval time.Duration, log logger.Logger) *FileWatcher {
	if interval == 0 {
		interval = defaultWatchInterval
	}

	w := &FileWatcher{
		path:     path,
		interval: interval,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   log,
	}

	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}

	return w
}

// Changes returns the channel that receives one signal per observed
// modification. The channel has a buffer of one; coalescing rapid
// successive writes into a single reload is intended.
func (w *FileWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Start implements the lifecycle.Service interface.
func (w *FileWatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Debug().Str("path", w.path).Dur("interval", w.interval).Msg("Watching configuration file")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (w *FileWatcher) Stop(_ context.Context) error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	return nil
}

func (w *FileWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		// A transiently missing file (atomic replace in progress) is
		// not a change; wait for the next poll.
		w.logger.Debug().Err(err).Str("path", w.path).Msg("Config file stat failed")
		return
	}

	if !info.ModTime().After(w.lastMod) {
		return
	}

	w.lastMod = info.ModTime()
	w.logger.Info().Str("path", w.path).Msg("Configuration file changed")

	select {
	case w.changes <- struct{}{}:
	default:
	}
}
