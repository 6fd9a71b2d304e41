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

package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Prober issues one liveness check against a peer endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

const defaultProbeTimeout = 5 * time.Second

var errProbeStatus = fmt.Errorf("health probe returned non-2xx status")

// HTTPProber probes GET <endpoint>/health with a bounded timeout so a
// single unreachable peer cannot stall a sweep.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds a prober. A zero timeout uses the default.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}

	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	url := healthURL(endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d from %s", errProbeStatus, resp.StatusCode, url)
	}

	return nil
}

func healthURL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	return strings.TrimSuffix(endpoint, "/") + "/health"
}
