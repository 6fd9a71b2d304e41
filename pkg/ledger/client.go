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

// Package ledger is the read-only query surface of the external
// distributed ledger. Discovery uses it for corroboration only; no
// peer-coordination correctness depends on it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Block is the subset of a ledger block the discovery engine inspects.
type Block struct {
	Number       uint64 `json:"number"`
	MinerAddress string `json:"miner"`
	Timestamp    uint64 `json:"timestamp"`
}

// Client is the abstract ledger-query contract.
type Client interface {
	GetPeerCount(ctx context.Context) (int, error)
	GetBlock(ctx context.Context, number uint64) (*Block, error)
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	IsListening(ctx context.Context) (bool, error)
}

const defaultRequestTimeout = 30 * time.Second

var errRPCFailure = errors.New("ledger: rpc call failed")

// HTTPClient talks JSON-RPC to a ledger node endpoint. Safe for
// concurrent use.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewHTTPClient creates a ledger client for the given RPC endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", errRPCFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", errRPCFailure, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRPCFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d from %s", errRPCFailure, resp.StatusCode, c.endpoint)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode response: %w", errRPCFailure, err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s (code %d)", errRPCFailure, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	return json.Unmarshal(rpcResp.Result, out)
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// GetPeerCount implements Client via net_peerCount.
func (c *HTTPClient) GetPeerCount(ctx context.Context) (int, error) {
	var hexCount string
	if err := c.call(ctx, "net_peerCount", nil, &hexCount); err != nil {
		return 0, err
	}

	n, err := parseHexUint(hexCount)
	if err != nil {
		return 0, fmt.Errorf("%w: bad peer count %q", errRPCFailure, hexCount)
	}

	return int(n), nil
}

// GetLatestBlockNumber implements Client via eth_blockNumber.
func (c *HTTPClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	var hexNumber string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNumber); err != nil {
		return 0, err
	}

	n, err := parseHexUint(hexNumber)
	if err != nil {
		return 0, fmt.Errorf("%w: bad block number %q", errRPCFailure, hexNumber)
	}

	return n, nil
}

// GetBlock implements Client via eth_getBlockByNumber.
func (c *HTTPClient) GetBlock(ctx context.Context, number uint64) (*Block, error) {
	var raw struct {
		Number    string `json:"number"`
		Miner     string `json:"miner"`
		Timestamp string `json:"timestamp"`
	}

	hexNumber := "0x" + strconv.FormatUint(number, 16)
	if err := c.call(ctx, "eth_getBlockByNumber", []interface{}{hexNumber, false}, &raw); err != nil {
		return nil, err
	}

	block := &Block{MinerAddress: raw.Miner}

	if n, err := parseHexUint(raw.Number); err == nil {
		block.Number = n
	}

	if ts, err := parseHexUint(raw.Timestamp); err == nil {
		block.Timestamp = ts
	}

	return block, nil
}

// IsListening implements Client via net_listening.
func (c *HTTPClient) IsListening(ctx context.Context) (bool, error) {
	var listening bool
	if err := c.call(ctx, "net_listening", nil, &listening); err != nil {
		return false, err
	}

	return listening, nil
}
