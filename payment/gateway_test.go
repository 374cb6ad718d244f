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

package payment

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stablecoin = common.HexToAddress("0x7547000000000000000000000000000000000001")
	treasury   = common.HexToAddress("0x7547000000000000000000000000000000000002")
	payerAddr  = common.HexToAddress("0x7547000000000000000000000000000000000003")
)

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

// chainStub is a JSON-RPC endpoint serving one head number and a fixed
// receipt set keyed by transaction hash.
type chainStub struct {
	mu       sync.Mutex
	head     uint64
	receipts map[common.Hash]map[string]interface{}
	srv      *httptest.Server
}

func newChainStub(t *testing.T) *chainStub {
	t.Helper()
	s := &chainStub{receipts: make(map[common.Hash]map[string]interface{})}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []rpcReq
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]rpcResp, len(batch))
			for i, req := range batch {
				out[i] = s.respond(req)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single rpcReq
		require.NoError(t, json.Unmarshal(body, &single))
		_ = json.NewEncoder(w).Encode(s.respond(single))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *chainStub) respond(req rpcReq) rpcResp {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := rpcResp{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "eth_blockNumber":
		resp.Result = hexutil.EncodeUint64(s.head)
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if len(req.Params) == 1 {
			_ = json.Unmarshal(req.Params[0], &hash)
		}
		if r, ok := s.receipts[hash]; ok {
			resp.Result = r
		}
	}
	return resp
}

func (s *chainStub) setHead(n uint64) {
	s.mu.Lock()
	s.head = n
	s.mu.Unlock()
}

// addTransfer stores a successful receipt at block carrying one token
// Transfer log from → to.
func (s *chainStub) addTransfer(txHash common.Hash, block uint64, token, from, to common.Address, amount *big.Int) {
	topic := quote.ERC20ABI.Events["Transfer"].ID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[txHash] = map[string]interface{}{
		"type":              "0x2",
		"status":            "0x1",
		"cumulativeGasUsed": "0xf4240",
		"gasUsed":           "0xcb20",
		"effectiveGasPrice": "0x3b9aca00",
		"logsBloom":         "0x" + strings.Repeat("00", 256),
		"transactionHash":   txHash,
		"transactionIndex":  "0x0",
		"blockHash":         common.HexToHash("0x01"),
		"blockNumber":       hexutil.EncodeUint64(block),
		"logs": []map[string]interface{}{{
			"address":          token,
			"transactionHash":  txHash,
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0x01"),
			"blockNumber":      hexutil.EncodeUint64(block),
			"logIndex":         "0x0",
			"topics": []common.Hash{
				topic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			"data": hexutil.Bytes(common.LeftPadBytes(amount.Bytes(), 32)),
		}},
	}
}

func newTestGateway(t *testing.T) (*Gateway, *chainStub, *registry.Registry) {
	t.Helper()
	stub := newChainStub(t)
	client, err := chain.New(chain.Config{Endpoints: []string{stub.srv.URL}, ChainID: 8453})
	require.NoError(t, err)
	reg := registry.New(memorydb.New())
	g := New(client, reg, Config{
		ChainID:       8453,
		Recipient:     treasury,
		Stablecoin:    stablecoin,
		Confirmations: 5,
	})
	return g, stub, reg
}

func TestVerifyTransferAdmitsPayment(t *testing.T) {
	g, stub, _ := newTestGateway(t)
	pkg := params.Packages["micro"]
	txHash := common.HexToHash("0xaa01")
	stub.addTransfer(txHash, 100, stablecoin, payerAddr, treasury, pkg.PriceUSD)
	stub.setHead(110)

	p, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	require.NoError(t, err)
	assert.Equal(t, registry.PaymentVerified, p.State)
	assert.Equal(t, payerAddr, p.Payer)
	assert.Zero(t, p.Amount.Int().Cmp(pkg.PriceUSD))
	assert.Equal(t, "transfer", p.Scheme)

	// The same proof answers idempotently while verified.
	again, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	// Consumption is once only; a replay of a consumed proof fails.
	_, err = g.Consume(p.ID, "ES-11111111")
	require.NoError(t, err)
	_, err = g.Verify(context.Background(), txHash.Hex(), pkg)
	assert.Equal(t, "payment_consumed", errs.CodeOf(err))
	_, err = g.Consume(p.ID, "ES-22222222")
	assert.Equal(t, "payment_consumed", errs.CodeOf(err))
}

func TestVerifyTransferShortPayment(t *testing.T) {
	g, stub, _ := newTestGateway(t)
	pkg := params.Packages["micro"]
	txHash := common.HexToHash("0xaa02")
	short := new(big.Int).Sub(pkg.PriceUSD, big.NewInt(1))
	stub.addTransfer(txHash, 100, stablecoin, payerAddr, treasury, short)
	stub.setHead(200)

	_, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	assert.Equal(t, "payment_short", errs.CodeOf(err))
	assert.Equal(t, errs.Payment, errs.KindOf(err))
}

func TestVerifyTransferWrongRecipient(t *testing.T) {
	g, stub, _ := newTestGateway(t)
	pkg := params.Packages["micro"]
	txHash := common.HexToHash("0xaa03")
	stub.addTransfer(txHash, 100, stablecoin, payerAddr, payerAddr, pkg.PriceUSD)
	stub.setHead(200)

	_, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	assert.Equal(t, "payment_wrong_target", errs.CodeOf(err))
}

func TestVerifyTransferWaitsForFinality(t *testing.T) {
	g, stub, _ := newTestGateway(t)
	pkg := params.Packages["micro"]
	txHash := common.HexToHash("0xaa04")
	stub.addTransfer(txHash, 100, stablecoin, payerAddr, treasury, pkg.PriceUSD)
	stub.setHead(102)

	_, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	assert.Equal(t, "payment_unfinalized", errs.CodeOf(err))

	// Five confirmations later the same proof is admitted.
	stub.setHead(105)
	p, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	require.NoError(t, err)
	assert.Equal(t, registry.PaymentVerified, p.State)
}

func TestReleaseReturnsProofForRetry(t *testing.T) {
	g, stub, reg := newTestGateway(t)
	pkg := params.Packages["micro"]
	txHash := common.HexToHash("0xaa05")
	stub.addTransfer(txHash, 100, stablecoin, payerAddr, treasury, pkg.PriceUSD)
	stub.setHead(200)

	p, err := g.Verify(context.Background(), txHash.Hex(), pkg)
	require.NoError(t, err)
	g.Release(p.ID)
	stored, err := reg.GetPayment(p.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.PaymentFailed, stored.State)

	// The released proof verifies again and consumes normally.
	p, err = g.Verify(context.Background(), txHash.Hex(), pkg)
	require.NoError(t, err)
	assert.Equal(t, registry.PaymentVerified, p.State)
	got, err := g.Consume(p.ID, "ES-33333333")
	require.NoError(t, err)
	assert.Equal(t, "ES-33333333", got.EigenID)
}

func TestVerifyRejectsEmptyHeader(t *testing.T) {
	g, _, _ := newTestGateway(t)
	_, err := g.Verify(context.Background(), "  ", params.Packages["micro"])
	assert.Equal(t, "payment_required", errs.CodeOf(err))
}
