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

package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOwner  = common.HexToAddress("0x90f8000000000000000000000000000000000001")
	testToken  = common.HexToAddress("0x90f8000000000000000000000000000000000002")
	testWeth   = common.HexToAddress("0x90f8000000000000000000000000000000000003")
	testPool   = common.HexToAddress("0x90f8000000000000000000000000000000000004")
	testRouter = common.HexToAddress("0x90f8000000000000000000000000000000000005")
	testCurve  = common.HexToAddress("0x90f8000000000000000000000000000000000006")
)

type jsonrpcMsg struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// stubRPC answers every JSON-RPC request (single or batch) through a
// per-method function; nil answers decode as null.
func stubRPC(t *testing.T, answer func(method string, ps []json.RawMessage) interface{}) *httptest.Server {
	t.Helper()
	reply := func(m jsonrpcMsg) map[string]interface{} {
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      m.ID,
			"result":  answer(m.Method, m.Params),
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []jsonrpcMsg
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]map[string]interface{}, len(batch))
			for i, m := range batch {
				out[i] = reply(m)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single jsonrpcMsg
		require.NoError(t, json.Unmarshal(body, &single))
		_ = json.NewEncoder(w).Encode(reply(single))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// callTarget extracts the "to" address from an eth_call parameter.
func callTarget(ps []json.RawMessage) common.Address {
	var msg struct {
		To common.Address `json:"to"`
	}
	if len(ps) > 0 {
		_ = json.Unmarshal(ps[0], &msg)
	}
	return msg.To
}

// slot0Word is the sqrtPriceX96 answer for a pool priced at exactly one
// quote wei per raw token unit.
func slot0Word() hexutil.Bytes {
	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	return hexutil.Bytes(common.LeftPadBytes(sqrt.Bytes(), 32))
}

func successReceipt() map[string]interface{} {
	return map[string]interface{}{
		"type":              "0x2",
		"status":            "0x1",
		"cumulativeGasUsed": "0x30d40",
		"gasUsed":           "0x186a0",
		"effectiveGasPrice": "0x3b9aca00",
		"logsBloom":         "0x" + strings.Repeat("00", 256),
		"transactionHash":   common.HexToHash("0x01"),
		"transactionIndex":  "0x0",
		"blockHash":         common.HexToHash("0x02"),
		"blockNumber":       "0x64",
		"logs":              []map[string]interface{}{},
	}
}

func workerEnv(t *testing.T, srvURL string) *Env {
	t.Helper()
	client, err := chain.New(chain.Config{Endpoints: []string{srvURL}, ChainID: 8453})
	require.NoError(t, err)
	return &Env{
		Registry: registry.New(memorydb.New()),
		Client:   client,
		Engine:   quote.NewEngine(client, quote.Config{CurveRouter: testCurve, DexRouter: testRouter}),
		Master:   []byte("worker-test-master"),
	}
}

func createActiveEigen(t *testing.T, env *Env) *registry.Eigen {
	t.Helper()
	pkg := params.Packages["starter"]
	e, err := env.Registry.Create(&registry.Eigen{
		Owner:     testOwner,
		ChainID:   8453,
		Token:     testToken,
		Pool:      &registry.Pool{Version: registry.PoolV3, Address: testPool, Token0: testToken, Token1: testWeth},
		Class:     pkg.Class,
		Config:    registry.DefaultConfig(pkg),
		PackageID: pkg.ID,
		Deadline:  time.Now().UTC().Add(pkg.Duration),
	})
	require.NoError(t, err)
	e, err = env.Registry.TransitionStatus(e.ID, registry.StatusPendingFunding, registry.StatusActive)
	require.NoError(t, err)
	return e
}

func TestActiveStepExpiryLiquidates(t *testing.T) {
	srv := stubRPC(t, func(string, []json.RawMessage) interface{} { return nil })
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	e, err := env.Registry.Update(e.ID, func(e *registry.Eigen) error {
		e.Deadline = time.Now().UTC().Add(-time.Minute)
		return nil
	})
	require.NoError(t, err)

	w := newWorker(env, e)
	delay, terminal := w.activeStep(context.Background(), e)
	assert.False(t, terminal)
	assert.Equal(t, time.Second, delay)

	e, err = env.Registry.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusLiquidating, e.Status)
}

func TestActiveStepVolumeTargetLiquidates(t *testing.T) {
	srv := stubRPC(t, func(string, []json.RawMessage) interface{} { return nil })
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	e, err := env.Registry.Update(e.ID, func(e *registry.Eigen) error {
		e.VolumeWei.Int().Set(e.Config.VolumeTargetWei.Int())
		return nil
	})
	require.NoError(t, err)

	w := newWorker(env, e)
	_, terminal := w.activeStep(context.Background(), e)
	assert.False(t, terminal)

	e, err = env.Registry.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusLiquidating, e.Status)
}

func TestDrainStepSettlesTerminal(t *testing.T) {
	srv := stubRPC(t, func(string, []json.RawMessage) interface{} { return nil })

	for _, tc := range []struct {
		name      string
		terminate bool
		want      registry.Status
	}{
		{"liquidated", false, registry.StatusLiquidated},
		{"terminated", true, registry.StatusTerminated},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := workerEnv(t, srv.URL)
			e := createActiveEigen(t, env)
			e, err := env.Registry.Update(e.ID, func(e *registry.Eigen) error {
				e.TerminateRequested = tc.terminate
				return nil
			})
			require.NoError(t, err)
			e, err = env.Registry.TransitionStatus(e.ID, registry.StatusActive, registry.StatusLiquidating)
			require.NoError(t, err)

			w := newWorker(env, e)
			_, terminal := w.drainStep(context.Background(), e)
			assert.True(t, terminal, "empty position settles the drain")

			e, err = env.Registry.Get(e.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Status)
		})
	}
}

func TestDrainStepWritesOffDust(t *testing.T) {
	srv := stubRPC(t, func(method string, ps []json.RawMessage) interface{} {
		if method == "eth_call" && callTarget(ps) == testPool {
			return slot0Word()
		}
		return nil
	})
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	// 100 raw tokens at one wei each: far below the tradable floor.
	e, err := env.Registry.Update(e.ID, func(e *registry.Eigen) error {
		e.Position.TokenBalance.Int().SetInt64(100)
		return nil
	})
	require.NoError(t, err)
	e, err = env.Registry.TransitionStatus(e.ID, registry.StatusActive, registry.StatusLiquidating)
	require.NoError(t, err)

	w := newWorker(env, e)
	delay, terminal := w.drainStep(context.Background(), e)
	assert.False(t, terminal)
	assert.Equal(t, drainDelay, delay)

	e, err = env.Registry.Get(e.ID)
	require.NoError(t, err)
	assert.Zero(t, e.Position.TokenBalance.Int().Sign(), "dust position written off")

	// The next step settles the terminal state.
	_, terminal = w.drainStep(context.Background(), e)
	assert.True(t, terminal)
	e, err = env.Registry.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusLiquidated, e.Status)
}

func TestAnchorStaysRenormalized(t *testing.T) {
	w := new(worker)
	w.updateAnchor(big.NewInt(3), big.NewInt(1000))
	require.NotNil(t, w.anchorNum)
	assert.Zero(t, w.anchorDen.Cmp(params.Ether))
	assert.Zero(t, w.anchorNum.Cmp(big.NewInt(3_000_000_000_000_000)))

	// Repeated updates with a fractional spot must not grow the anchor
	// operands; the denominator is pinned and the value converges.
	target := big.NewInt(5_000_000_000_000_000)
	for i := 0; i < 64; i++ {
		w.updateAnchor(big.NewInt(5), big.NewInt(1000))
		require.Zero(t, w.anchorDen.Cmp(params.Ether), "denominator pinned at 1e18")
		require.LessOrEqual(t, w.anchorNum.BitLen(), 64)
	}
	diff := new(big.Int).Sub(target, w.anchorNum)
	diff.Abs(diff)
	assert.True(t, diff.Cmp(big.NewInt(1e12)) < 0, "anchor converged to spot, off by %s", diff)
}

func TestTradingTargetsExcludeOwner(t *testing.T) {
	srv := stubRPC(t, func(method string, ps []json.RawMessage) interface{} {
		switch method {
		case "eth_getTransactionCount":
			return "0x0"
		case "eth_sendRawTransaction":
			return nil
		}
		return nil
	})
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	w := newWorker(env, e)

	// The owner is paid through withdrawals, never from trading wallets.
	_, err := w.wallets.SignAndSend(context.Background(), &wallet.TxRequest{
		WalletIndex: 0,
		To:          testOwner,
		Value:       big.NewInt(1),
		GasLimit:    21_000,
		GasFeeCap:   params.GWei,
		GasTipCap:   params.GWei,
	})
	assert.Equal(t, "target_rejected", errs.CodeOf(err))

	// Routers stay reachable.
	_, err = w.wallets.SignAndSend(context.Background(), &wallet.TxRequest{
		WalletIndex: 0,
		To:          testRouter,
		Value:       new(big.Int),
		GasLimit:    21_000,
		GasFeeCap:   params.GWei,
		GasTipCap:   params.GWei,
	})
	require.NoError(t, err)
}

func TestExecuteBuySettlesTrade(t *testing.T) {
	oneEther := hexutil.EncodeBig(params.Ether)
	srv := stubRPC(t, func(method string, ps []json.RawMessage) interface{} {
		switch method {
		case "eth_call":
			if callTarget(ps) == testPool {
				return slot0Word()
			}
			return "0x"
		case "eth_gasPrice":
			return "0x3b9aca00" // 1 gwei
		case "eth_getBalance":
			return oneEther
		case "eth_estimateGas":
			return "0x30d40" // 200k
		case "eth_getTransactionCount":
			return "0x0"
		case "eth_sendRawTransaction":
			return nil
		case "eth_getTransactionReceipt":
			return successReceipt()
		}
		return nil
	})
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	budget := new(big.Int).Mul(big.NewInt(10), big.NewInt(1e15))
	e, err := env.Registry.Fund(e.ID, budget)
	require.NoError(t, err)

	w := newWorker(env, e)
	ethIn := big.NewInt(2e15)
	snap := &Snapshot{
		Eigen:   e,
		Now:     time.Now().UTC(),
		SpotNum: big.NewInt(1),
		SpotDen: big.NewInt(1),
	}
	w.execute(context.Background(), snap, &Action{Type: registry.TradeBuy, EthInWei: ethIn}, "spread_buy", registry.StatusActive)

	trades, err := env.Registry.Trades(e.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, registry.TradeConfirmed, tr.Status)
	assert.Zero(t, tr.EthWei.Int().Cmp(ethIn))
	// Pool priced at one wei per raw unit: the fill mirrors the spend.
	assert.Zero(t, tr.TokenRaw.Int().Cmp(ethIn))

	e, err = env.Registry.Get(e.ID)
	require.NoError(t, err)
	require.NoError(t, e.CheckBalanceInvariant())
	assert.Zero(t, e.ReservedWei.Int().Sign(), "reservation fully settled")
	assert.Zero(t, e.Position.TokenBalance.Int().Cmp(ethIn))
	assert.Zero(t, e.VolumeWei.Int().Cmp(ethIn))

	// Outflow = spend + mined gas (100k × 1 gwei) + the lite-class fee.
	gasCost := big.NewInt(100_000 * 1_000_000_000)
	fee := new(big.Int).Div(ethIn, big.NewInt(100))
	wantOut := new(big.Int).Add(ethIn, gasCost)
	wantOut.Add(wantOut, fee)
	assert.Zero(t, e.OutflowWei.Int().Cmp(wantOut))
}

func TestExecuteSkipsDustAction(t *testing.T) {
	srv := stubRPC(t, func(string, []json.RawMessage) interface{} { return nil })
	env := workerEnv(t, srv.URL)
	e := createActiveEigen(t, env)
	w := newWorker(env, e)

	snap := &Snapshot{Eigen: e, Now: time.Now().UTC(), SpotNum: big.NewInt(1), SpotDen: big.NewInt(1)}
	w.execute(context.Background(), snap, &Action{Type: registry.TradeBuy, EthInWei: big.NewInt(100)}, "spread_buy", registry.StatusActive)

	trades, err := env.Registry.Trades(e.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, trades, "sub-floor actions never reach the chain")
}
