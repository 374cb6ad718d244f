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

package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/payment"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/scheduler"
	"github.com/eigenswarm/keeper/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr  = common.HexToAddress("0x5143000000000000000000000000000000000001")
	wethAddr   = common.HexToAddress("0x5143000000000000000000000000000000000002")
	poolAddr   = common.HexToAddress("0x5143000000000000000000000000000000000003")
	stableAddr = common.HexToAddress("0x5143000000000000000000000000000000000004")
	treasury   = common.HexToAddress("0x5143000000000000000000000000000000000005")
	payerAddr  = common.HexToAddress("0x5143000000000000000000000000000000000006")
	ownerAddr  = common.HexToAddress("0x5143000000000000000000000000000000000007")
	payTxHash  = common.HexToHash("0x5143aa01")
)

var testMaster = []byte("lifecycle-test-master")

type rpcMsg struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func abiReturn(t *testing.T, method string, vals ...interface{}) hexutil.Bytes {
	t.Helper()
	out, err := quote.ERC20ABI.Methods[method].Outputs.Pack(vals...)
	require.NoError(t, err)
	return out
}

// purchaseRPC serves the calls the purchase flow makes: the ERC-20
// metadata reads behind token verification, and the payment receipt with
// enough confirmations behind it.
func purchaseRPC(t *testing.T, priceUSD *big.Int) *httptest.Server {
	t.Helper()
	receipt := map[string]interface{}{
		"type":              "0x2",
		"status":            "0x1",
		"cumulativeGasUsed": "0xf4240",
		"gasUsed":           "0xcb20",
		"effectiveGasPrice": "0x3b9aca00",
		"logsBloom":         "0x" + strings.Repeat("00", 256),
		"transactionHash":   payTxHash,
		"transactionIndex":  "0x0",
		"blockHash":         common.HexToHash("0x01"),
		"blockNumber":       "0x64",
		"logs": []map[string]interface{}{{
			"address":          stableAddr,
			"transactionHash":  payTxHash,
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0x01"),
			"blockNumber":      "0x64",
			"logIndex":         "0x0",
			"topics": []common.Hash{
				quote.ERC20ABI.Events["Transfer"].ID,
				common.BytesToHash(payerAddr.Bytes()),
				common.BytesToHash(treasury.Bytes()),
			},
			"data": hexutil.Bytes(common.LeftPadBytes(priceUSD.Bytes(), 32)),
		}},
	}
	answer := func(m rpcMsg) interface{} {
		switch m.Method {
		case "eth_blockNumber":
			return "0xc8"
		case "eth_getTransactionReceipt":
			var hash common.Hash
			if len(m.Params) > 0 {
				_ = json.Unmarshal(m.Params[0], &hash)
			}
			if hash == payTxHash {
				return receipt
			}
			return nil
		case "eth_call":
			var msg struct {
				To    common.Address `json:"to"`
				Input hexutil.Bytes  `json:"input"`
			}
			if len(m.Params) > 0 {
				_ = json.Unmarshal(m.Params[0], &msg)
			}
			if msg.To != tokenAddr {
				return nil
			}
			switch {
			case bytes.HasPrefix(msg.Input, quote.ERC20ABI.Methods["name"].ID):
				return abiReturn(t, "name", "Mock Token")
			case bytes.HasPrefix(msg.Input, quote.ERC20ABI.Methods["symbol"].ID):
				return abiReturn(t, "symbol", "MOCK")
			case bytes.HasPrefix(msg.Input, quote.ERC20ABI.Methods["decimals"].ID):
				return abiReturn(t, "decimals", uint8(18))
			}
			return nil
		}
		return nil
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reply := func(m rpcMsg) map[string]interface{} {
			return map[string]interface{}{"jsonrpc": "2.0", "id": m.ID, "result": answer(m)}
		}
		var batch []rpcMsg
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]map[string]interface{}, len(batch))
			for i, m := range batch {
				out[i] = reply(m)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single rpcMsg
		require.NoError(t, json.Unmarshal(body, &single))
		_ = json.NewEncoder(w).Encode(reply(single))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, srvURL string) (*Controller, *registry.Registry) {
	t.Helper()
	client, err := chain.New(chain.Config{Endpoints: []string{srvURL}, ChainID: 8453})
	require.NoError(t, err)
	reg := registry.New(memorydb.New())
	engine := quote.NewEngine(client, quote.Config{
		CurveRouter: common.HexToAddress("0x5143000000000000000000000000000000000008"),
		DexRouter:   common.HexToAddress("0x5143000000000000000000000000000000000009"),
	})
	pay := payment.New(client, reg, payment.Config{
		ChainID:       8453,
		Recipient:     treasury,
		Stablecoin:    stableAddr,
		Confirmations: 5,
	})
	mgr := scheduler.NewManager(&scheduler.Env{Registry: reg, Client: client, Engine: engine, Master: testMaster})
	t.Cleanup(mgr.Stop)
	return New(reg, client, engine, pay, mgr, testMaster), reg
}

func purchaseRequest() *CreateRequest {
	return &CreateRequest{
		PackageID: "micro",
		Token:     tokenAddr,
		Pool:      &registry.Pool{Version: registry.PoolV3, Address: poolAddr, Token0: tokenAddr, Token1: wethAddr},
	}
}

func TestPurchaseFundsAndActivates(t *testing.T) {
	pkg := params.Packages["micro"]
	srv := purchaseRPC(t, pkg.PriceUSD)
	c, reg := newTestController(t, srv.URL)

	e, err := c.Purchase(context.Background(), ownerAddr, payTxHash.Hex(), purchaseRequest())
	require.NoError(t, err)

	// The purchase price buys a funded, trading eigen; no separate
	// deposit step stands between the 201 and the first trade.
	assert.Equal(t, registry.StatusActive, e.Status)
	assert.Zero(t, e.BalanceWei.Int().Cmp(pkg.BudgetWei), "balance %s, budget %s", e.BalanceWei, pkg.BudgetWei)
	assert.Zero(t, e.DepositedWei.Int().Cmp(pkg.BudgetWei))
	require.NoError(t, e.CheckBalanceInvariant())

	require.Len(t, e.Wallets, e.Config.WalletCount)
	for i, w := range e.Wallets {
		assert.Equal(t, wallet.DeriveAddress(testMaster, e.ID, uint32(i)), w.Address)
	}

	p, err := reg.GetPayment(e.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, registry.PaymentConsumed, p.State)
	assert.Equal(t, e.ID, p.EigenID)

	// The same proof cannot buy a second eigen.
	_, err = c.Purchase(context.Background(), ownerAddr, payTxHash.Hex(), purchaseRequest())
	assert.Equal(t, "payment_consumed", errs.CodeOf(err))
}

func TestPurchaseBelongsToPayerWithoutOwner(t *testing.T) {
	pkg := params.Packages["micro"]
	srv := purchaseRPC(t, pkg.PriceUSD)
	c, _ := newTestController(t, srv.URL)

	e, err := c.Purchase(context.Background(), common.Address{}, payTxHash.Hex(), purchaseRequest())
	require.NoError(t, err)
	assert.Equal(t, payerAddr, e.Owner)
	assert.Equal(t, registry.StatusActive, e.Status)
}

func TestPurchaseRejectsUnknownPackage(t *testing.T) {
	srv := purchaseRPC(t, big.NewInt(1))
	c, _ := newTestController(t, srv.URL)

	req := purchaseRequest()
	req.PackageID = "imaginary"
	_, err := c.Purchase(context.Background(), ownerAddr, payTxHash.Hex(), req)
	assert.Equal(t, "bad_package", errs.CodeOf(err))
}
