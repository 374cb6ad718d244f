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

// Package chain is the keeper's JSON-RPC adapter: a multi-endpoint
// client with retry, endpoint rotation, batch reads with sequential
// fallback, log-range splitting and local per-address nonce tracking.
// It never signs; signing lives in package wallet.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

const (
	// maxAttempts bounds retries of one logical call across backoff and
	// endpoint rotation.
	maxAttempts = 3

	// rotateAfterFailures rotates to the next endpoint after this many
	// consecutive failures on the current one.
	rotateAfterFailures = 3

	// backoffBase is the first retry delay; each retry doubles it and
	// adds up to 50% jitter.
	backoffBase = 250 * time.Millisecond

	// receiptPollInterval is the eth_getTransactionReceipt poll cadence.
	receiptPollInterval = 2 * time.Second

	defaultTimeout = 20 * time.Second
)

var (
	callMeter       = metrics.NewRegisteredMeter("chain/calls", nil)
	callErrorMeter  = metrics.NewRegisteredMeter("chain/calls/error", nil)
	rotationMeter   = metrics.NewRegisteredMeter("chain/rotations", nil)
	batchFallMeter  = metrics.NewRegisteredMeter("chain/batch/fallback", nil)
	sendMeter       = metrics.NewRegisteredMeter("chain/send", nil)
	callTimer       = metrics.NewRegisteredTimer("chain/call/duration", nil)
	endpointGauge   = metrics.NewRegisteredGauge("chain/endpoint/index", nil)
	saturationMeter = metrics.NewRegisteredMeter("chain/saturated", nil)
)

// ErrSaturated is returned by Reserve probes when the outbound RPC
// budget is exhausted; the scheduler defers the cycle instead of
// queueing unbounded work.
var ErrSaturated = errors.New("outbound rpc saturated")

// Config configures a Client.
type Config struct {
	Endpoints      []string // tried in order, rotated on failure
	ChainID        int64
	RotatePatterns []string      // rpc error substrings (regexp) that force rotation
	Timeout        time.Duration // per-call deadline, default 20s
	RPS            float64       // outbound request budget, 0 = unlimited
}

// Client is a thin adapter over one or more JSON-RPC endpoints.
type Client struct {
	cfg      Config
	patterns []*regexp.Regexp
	limiter  *rate.Limiter
	log      log.Logger

	mu       sync.Mutex
	clients  []*rpc.Client // lazily dialled, indexed like cfg.Endpoints
	current  int
	failures int // consecutive failures on the current endpoint
	noBatch  map[int]bool

	nonces *nonceTracker
}

// New builds a Client. Endpoints are dialled lazily; a keeper can start
// before its providers are reachable.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("chain: no endpoints configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.RotatePatterns) == 0 {
		cfg.RotatePatterns = []string{`(?i)rate`, `(?i)block range`}
	}
	c := &Client{
		cfg:     cfg,
		clients: make([]*rpc.Client, len(cfg.Endpoints)),
		noBatch: make(map[int]bool),
		nonces:  newNonceTracker(),
		log:     log.New("module", "chain"),
	}
	for _, p := range cfg.RotatePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("chain: bad rotate pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)+1)
	}
	return c, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return big.NewInt(c.cfg.ChainID) }

// Saturated reports whether the outbound budget has no immediate
// capacity. Probing does not consume a token.
func (c *Client) Saturated() bool {
	if c.limiter == nil {
		return false
	}
	if c.limiter.Tokens() < 1 {
		saturationMeter.Mark(1)
		return true
	}
	return false
}

// client returns the live rpc client for the current endpoint, dialling
// it if needed.
func (c *Client) client(ctx context.Context) (*rpc.Client, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.current
	if c.clients[idx] == nil {
		cl, err := rpc.DialContext(ctx, c.cfg.Endpoints[idx])
		if err != nil {
			return nil, idx, err
		}
		c.clients[idx] = cl
	}
	return c.clients[idx], idx, nil
}

// rotate advances to the next endpoint.
func (c *Client) rotate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = (c.current + 1) % len(c.cfg.Endpoints)
	c.failures = 0
	rotationMeter.Mark(1)
	endpointGauge.Update(int64(c.current))
	c.log.Warn("Rotated RPC endpoint", "index", c.current, "reason", reason)
}

// shouldRotate reports whether err matches a configured rotation
// pattern ("rate", "block range" by default).
func (c *Client) shouldRotate(err error) bool {
	msg := err.Error()
	for _, re := range c.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// isRPCError reports whether err is a JSON-RPC level error (the server
// answered). Such errors are terminal for the call unless they match a
// rotation pattern; network errors are retried.
func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// do runs fn against the current endpoint with retry, backoff and
// rotation. Reverts and other server-side errors are not retried.
func (c *Client) do(ctx context.Context, fn func(context.Context, *rpc.Client) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	callMeter.Mark(1)
	defer func(start time.Time) { callTimer.Update(time.Since(start)) }(time.Now())

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << uint(attempt-1)
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cl, idx, err := c.client(ctx)
		if err != nil {
			lastErr = err
			c.noteFailure(err)
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err = fn(callCtx, cl)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.failures = 0
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		callErrorMeter.Mark(1)
		switch {
		case c.shouldRotate(err):
			c.rotate(err.Error())
		case isRPCError(err):
			// The node answered: retrying the same payload cannot help.
			return err
		default:
			c.log.Debug("RPC call failed", "endpoint", idx, "attempt", attempt+1, "err", err)
			c.noteFailure(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errs.New(errs.Upstream, "rpc_unavailable", lastErr)
}

func (c *Client) noteFailure(err error) {
	c.mu.Lock()
	c.failures++
	rotate := c.failures >= rotateAfterFailures
	c.mu.Unlock()
	if rotate {
		c.rotate("consecutive failures")
	}
}

// toCallArg mirrors ethclient's encoding of an eth_call message.
func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{"from": msg.From, "to": msg.To}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

func blockArg(block *big.Int) string {
	if block == nil {
		return "latest"
	}
	return hexutil.EncodeBig(block)
}

// Call executes a read-only eth_call. It never signs anything.
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_call", toCallArg(msg), blockArg(block))
	})
	return out, err
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_blockNumber")
	})
	return uint64(out), err
}

// BalanceAt returns the native balance of addr at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out hexutil.Big
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_getBalance", addr, "latest")
	})
	return (*big.Int)(&out), err
}

// PendingNonceAt returns the account nonce including pending txs.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var out hexutil.Uint64
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_getTransactionCount", addr, "pending")
	})
	return uint64(out), err
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_gasPrice")
	})
	return (*big.Int)(&out), err
}

// EstimateGas estimates gas for msg, scales the estimate by 1.3 and, for
// entrypoints flagged expensive, floors the result at 2M gas.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg, expensive bool) (uint64, error) {
	var out hexutil.Uint64
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_estimateGas", toCallArg(msg))
	})
	if err != nil {
		return 0, err
	}
	gas := uint64(out) * params.GasEstimateScaleNum / params.GasEstimateScaleDen
	if expensive && gas < params.GasFloorExpensive {
		gas = params.GasFloorExpensive
	}
	return gas, nil
}

// SendRaw broadcasts a signed transaction and returns its hash. The
// caller must hold the sender's nonce reservation; SendRaw itself does
// no nonce bookkeeping.
func (c *Client) SendRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	sendMeter.Mark(1)
	err = c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, nil, "eth_sendRawTransaction", hexutil.Encode(raw))
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// TransactionReceipt fetches the receipt for hash, or nil when the tx is
// not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &r, "eth_getTransactionReceipt", hash)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// WaitReceipt polls for the receipt of hash until timeout. A mined
// receipt with failed status is returned alongside a Revert error; the
// caller decodes the reason separately.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		r, err := c.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			if r.Status != types.ReceiptStatusSuccessful {
				return r, errs.Newf(errs.Revert, "tx_reverted", "tx %s reverted on chain", hash)
			}
			return r, nil
		}
		select {
		case <-time.After(receiptPollInterval):
		case <-ctx.Done():
			return nil, errs.Newf(errs.Upstream, "receipt_timeout", "no receipt for %s within %s", hash, timeout)
		}
	}
}

// GetLogs fetches logs for q, transparently splitting block ranges wider
// than the provider window into contiguous sub-ranges.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.FromBlock == nil || q.ToBlock == nil {
		return c.getLogsRange(ctx, q)
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if to < from {
		return nil, errs.Newf(errs.Validation, "bad_range", "getLogs range [%d, %d] inverted", from, to)
	}
	var out []types.Log
	for start := from; start <= to; start += params.LogWindowBlocks {
		end := start + params.LogWindowBlocks - 1
		if end > to {
			end = to
		}
		sub := q
		sub.FromBlock = new(big.Int).SetUint64(start)
		sub.ToBlock = new(big.Int).SetUint64(end)
		logs, err := c.getLogsRange(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
		if end == to {
			break
		}
	}
	return out, nil
}

func (c *Client) getLogsRange(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg := map[string]interface{}{"address": q.Addresses, "topics": q.Topics}
	if q.FromBlock != nil {
		arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
	}
	if q.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
	}
	var out []types.Log
	err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
		return cl.CallContext(ctx, &out, "eth_getLogs", arg)
	})
	return out, err
}

// BatchCall is one element of a batched read.
type BatchCall struct {
	Method string
	Args   []interface{}
	Result interface{}
	Error  error
}

// Batch executes calls in one HTTP round trip, preserving input order.
// Endpoints that reject the batch form are remembered and served
// sequentially from then on.
func (c *Client) Batch(ctx context.Context, calls []BatchCall) error {
	if len(calls) == 0 {
		return nil
	}
	_, idx, err := c.client(ctx)
	if err == nil {
		c.mu.Lock()
		sequential := c.noBatch[idx]
		c.mu.Unlock()
		if !sequential {
			elems := make([]rpc.BatchElem, len(calls))
			for i := range calls {
				elems[i] = rpc.BatchElem{Method: calls[i].Method, Args: calls[i].Args, Result: calls[i].Result}
			}
			err := c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
				return cl.BatchCallContext(ctx, elems)
			})
			if err == nil {
				for i := range calls {
					calls[i].Error = elems[i].Error
				}
				return nil
			}
			// Provider rejected the batch envelope: fall back and remember.
			c.mu.Lock()
			c.noBatch[idx] = true
			c.mu.Unlock()
			batchFallMeter.Mark(1)
			c.log.Debug("Batch rejected, falling back to sequential", "endpoint", idx, "err", err)
		}
	}
	for i := range calls {
		calls[i].Error = c.do(ctx, func(ctx context.Context, cl *rpc.Client) error {
			return cl.CallContext(ctx, calls[i].Result, calls[i].Method, calls[i].Args...)
		})
	}
	return nil
}
