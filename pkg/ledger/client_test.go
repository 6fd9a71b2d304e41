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

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string `json:"jsonrpc"`
			Method  string `json:"method"`
			ID      int    `json:"id"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		result, ok := results[req.Method]
		require.True(t, ok, "unexpected rpc method %s", req.Method)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}))
	}))
}

func TestGetLatestBlockNumber(t *testing.T) {
	srv := rpcServer(t, map[string]any{"eth_blockNumber": "0x1a"})
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	n, err := c.GetLatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 26, n)
}

func TestGetBlockParsesHexFields(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"eth_getBlockByNumber": map[string]string{
			"number":    "0x10",
			"miner":     "0xAbCd",
			"timestamp": "0x5f5e100",
		},
	})
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	block, err := c.GetBlock(context.Background(), 16)
	require.NoError(t, err)
	assert.EqualValues(t, 16, block.Number)
	assert.Equal(t, "0xAbCd", block.MinerAddress)
	assert.EqualValues(t, 100000000, block.Timestamp)
}

func TestGetPeerCountAndListening(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"net_peerCount": "0x5",
		"net_listening": true,
	})
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	count, err := c.GetPeerCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	listening, err := c.IsListening(context.Background())
	require.NoError(t, err)
	assert.True(t, listening)
}

func TestRPCErrorIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	_, err := c.GetLatestBlockNumber(context.Background())
	require.ErrorIs(t, err, errRPCFailure)
}

func TestConcurrentCallsUseDistinctRequestIDs(t *testing.T) {
	var mu sync.Mutex

	seen := make(map[int64]int)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int64 `json:"id"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		seen[req.ID]++
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x1",
		}))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	const callers = 16

	var wg sync.WaitGroup

	wg.Add(callers)

	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()

			_, err := c.GetLatestBlockNumber(context.Background())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Len(t, seen, callers)

	for id, count := range seen {
		assert.Equal(t, 1, count, "request id %d reused", id)
	}
}

func TestTransportFailure(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)

	_, err := c.GetLatestBlockNumber(context.Background())
	require.ErrorIs(t, err, errRPCFailure)
}
