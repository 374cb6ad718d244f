// Copyright 2025 The eigenswarm Authors
// This file is part of the eigenswarm library.
//
// The eigenswarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The eigenswarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the eigenswarm library. If not, see <http://www.gnu.org/licenses/>.

package chain

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/eigenswarm/keeper/params"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeRPC is a minimal JSON-RPC endpoint driven by a per-method handler.
type fakeRPC struct {
	mu       sync.Mutex
	requests []rpcRequest
	handle   func(req rpcRequest) (interface{}, *rpcErrorBody)

	srv *httptest.Server
}

func newFakeRPC(t *testing.T, handle func(req rpcRequest) (interface{}, *rpcErrorBody)) *fakeRPC {
	t.Helper()
	f := &fakeRPC{handle: handle}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]rpcResponse, len(batch))
			for i, req := range batch {
				out[i] = f.respond(req)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single rpcRequest
		require.NoError(t, json.Unmarshal(body, &single))
		_ = json.NewEncoder(w).Encode(f.respond(single))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRPC) respond(req rpcRequest) rpcResponse {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	result, rpcErr := f.handle(req)
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
}

func (f *fakeRPC) calls(method string) []rpcRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcRequest
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func newClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	c, err := New(Config{Endpoints: endpoints, ChainID: 8453})
	require.NoError(t, err)
	return c
}

func TestGetLogsSplitsWideRanges(t *testing.T) {
	fake := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		return []interface{}{}, nil
	})
	c := newClient(t, fake.srv.URL)

	to := uint64(2*params.LogWindowBlocks + 9)
	_, err := c.GetLogs(context.Background(), ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		ToBlock:   new(big.Int).SetUint64(to),
	})
	require.NoError(t, err)

	calls := fake.calls("eth_getLogs")
	require.Len(t, calls, 3, "range must split at the provider window")

	type window struct {
		From string `json:"fromBlock"`
		To   string `json:"toBlock"`
	}
	var first, last window
	require.NoError(t, json.Unmarshal(calls[0].Params[0], &first))
	require.NoError(t, json.Unmarshal(calls[2].Params[0], &last))
	assert.Equal(t, "0x0", first.From)
	assert.Equal(t, hexutil.EncodeUint64(params.LogWindowBlocks-1), first.To)
	assert.Equal(t, hexutil.EncodeUint64(2*params.LogWindowBlocks), last.From)
	assert.Equal(t, hexutil.EncodeUint64(to), last.To)
}

func TestGetLogsRejectsInvertedRange(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.GetLogs(context.Background(), ethereum.FilterQuery{
		FromBlock: big.NewInt(10),
		ToBlock:   big.NewInt(5),
	})
	require.Error(t, err)
}

func TestRPCErrorIsNotRetried(t *testing.T) {
	fake := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: 3, Message: "execution reverted"}
	})
	c := newClient(t, fake.srv.URL)

	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Len(t, fake.calls("eth_blockNumber"), 1, "server answered; retrying cannot help")
}

func TestRotationOnBlockRangeError(t *testing.T) {
	bad := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: -32000, Message: "requested block range is too wide"}
	})
	good := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		return "0x2a", nil
	})
	c := newClient(t, bad.srv.URL, good.srv.URL)

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2a), head)
	assert.Len(t, bad.calls("eth_blockNumber"), 1)
	assert.Len(t, good.calls("eth_blockNumber"), 1)
}

func TestBatchPreservesOrder(t *testing.T) {
	fake := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		switch req.Method {
		case "eth_blockNumber":
			return "0x10", nil
		case "eth_gasPrice":
			return "0x3b9aca00", nil
		}
		return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
	})
	c := newClient(t, fake.srv.URL)

	var head hexutil.Uint64
	var price hexutil.Big
	calls := []BatchCall{
		{Method: "eth_blockNumber", Result: &head},
		{Method: "eth_gasPrice", Result: &price},
	}
	require.NoError(t, c.Batch(context.Background(), calls))
	assert.Equal(t, uint64(0x10), uint64(head))
	assert.Zero(t, (*big.Int)(&price).Cmp(big.NewInt(1_000_000_000)))
}

func TestBatchFallsBackToSequential(t *testing.T) {
	var rejectBatches bool
	fake := &fakeRPC{}
	fake.handle = func(req rpcRequest) (interface{}, *rpcErrorBody) {
		return "0x10", nil
	}
	fake.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err == nil && rejectBatches {
			http.Error(w, "batch not supported", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]rpcResponse, len(batch))
			for i, req := range batch {
				out[i] = fake.respond(req)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single rpcRequest
		require.NoError(t, json.Unmarshal(body, &single))
		_ = json.NewEncoder(w).Encode(fake.respond(single))
	}))
	t.Cleanup(fake.srv.Close)
	rejectBatches = true

	c := newClient(t, fake.srv.URL)
	var a, b hexutil.Uint64
	calls := []BatchCall{
		{Method: "eth_blockNumber", Result: &a},
		{Method: "eth_blockNumber", Result: &b},
	}
	require.NoError(t, c.Batch(context.Background(), calls))
	assert.Equal(t, uint64(0x10), uint64(a))
	assert.Equal(t, uint64(0x10), uint64(b))

	// The rejection is remembered: later batches go sequential directly.
	before := len(fake.calls("eth_blockNumber"))
	require.NoError(t, c.Batch(context.Background(), calls))
	assert.Equal(t, before+2, len(fake.calls("eth_blockNumber")))
}
