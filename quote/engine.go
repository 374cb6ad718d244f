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

// Package quote estimates swap output for (pool, direction, amount) and
// selects the router the protocol prescribes: the bonding-curve router
// before graduation, the DEX router after. It produces a result or
// fails; it never approximates silently.
package quote

import (
	"context"
	"math/big"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
)

var (
	quoteMeter     = metrics.NewRegisteredMeter("quote/requests", nil)
	quoteFailMeter = metrics.NewRegisteredMeter("quote/failures", nil)
)

// ErrIncompletePool is returned when the pool descriptor lacks a field
// the quote path needs (e.g. a v4 pool without an id). The engine never
// guesses missing descriptor pieces.
var ErrIncompletePool = errs.New(errs.Validation, "incomplete_pool", nil)

// Direction of a planned swap, from the eigen's point of view.
type Direction int

const (
	Buy  Direction = iota // spend quote currency, receive token
	Sell                  // spend token, receive quote currency
)

func (d Direction) String() string {
	if d == Buy {
		return "buy"
	}
	return "sell"
}

// RouteKind names which venue a quote routed through.
type RouteKind string

const (
	RouteCurve RouteKind = "bonding-curve"
	RouteDex   RouteKind = "dex"
)

// Quote is the engine's answer for one (pool, direction, amountIn).
// SpotNum/SpotDen is the pool spot price as a rational: quote-currency
// wei per whole token unit numerator/denominator.
type Quote struct {
	AmountOut *big.Int
	Router    common.Address
	Kind      RouteKind
	SpotNum   *big.Int
	SpotDen   *big.Int
}

// Config wires the engine to the protocol's router deployments.
type Config struct {
	CurveRouter common.Address
	DexRouter   common.Address
	V4StateView common.Address
}

// Engine reads on-chain pool state through the chain client.
type Engine struct {
	cfg    Config
	client *chain.Client
}

// NewEngine builds a quote engine.
func NewEngine(client *chain.Client, cfg Config) *Engine {
	return &Engine{cfg: cfg, client: client}
}

// Routers returns the router addresses the engine may select. The
// wallet signer allowlist is seeded from this.
func (e *Engine) Routers() []common.Address {
	return []common.Address{e.cfg.CurveRouter, e.cfg.DexRouter}
}

// CurveRouter returns the bonding-curve router deployment.
func (e *Engine) CurveRouter() common.Address { return e.cfg.CurveRouter }

// DexRouter returns the post-graduation DEX router deployment.
func (e *Engine) DexRouter() common.Address { return e.cfg.DexRouter }

// Quote estimates the output of swapping amountIn in the given
// direction against the pool and selects the router.
func (e *Engine) Quote(ctx context.Context, token common.Address, pool *registry.Pool, dir Direction, amountIn *big.Int) (*Quote, error) {
	quoteMeter.Mark(1)
	if pool == nil || amountIn == nil || amountIn.Sign() <= 0 {
		quoteFailMeter.Mark(1)
		return nil, errs.Newf(errs.Validation, "bad_quote_input", "missing pool or non-positive amount")
	}
	var (
		q   *Quote
		err error
	)
	switch pool.Version {
	case registry.PoolV3, registry.PoolV4:
		q, err = e.quoteCL(ctx, token, pool, dir, amountIn)
	case registry.PoolCurve:
		q, err = e.quoteCurve(ctx, token, pool, dir, amountIn)
	default:
		err = errs.Newf(errs.Validation, "bad_pool_version", "unknown pool version %q", pool.Version)
	}
	if err != nil {
		quoteFailMeter.Mark(1)
		return nil, err
	}
	return q, nil
}

// quoteCL quotes a concentrated-liquidity pool from its sqrtPriceX96.
// price(token1 per token0) = sqrtPriceX96² / 2¹⁹².
func (e *Engine) quoteCL(ctx context.Context, token common.Address, pool *registry.Pool, dir Direction, amountIn *big.Int) (*Quote, error) {
	sqrtPrice, err := e.sqrtPriceX96(ctx, pool)
	if err != nil {
		return nil, err
	}
	if sqrtPrice.Sign() == 0 {
		return nil, errs.Newf(errs.Upstream, "pool_unpriced", "pool reports zero sqrtPrice")
	}
	// num/den = price of token in quote units.
	var num, den *big.Int
	priceX192 := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	q192 := new(big.Int).Lsh(big.NewInt(1), 192)
	switch {
	case pool.Token0 == token:
		num, den = priceX192, q192
	case pool.Token1 == token:
		num, den = q192, priceX192
	default:
		return nil, errs.Newf(errs.Validation, "token_not_in_pool", "token %s not in pool pair", token)
	}
	out := new(big.Int)
	if dir == Buy {
		// quote in, token out: amountOut = amountIn × den / num
		out.Mul(amountIn, den).Div(out, num)
	} else {
		out.Mul(amountIn, num).Div(out, den)
	}
	router := e.cfg.DexRouter
	if pool.Router != (common.Address{}) {
		router = pool.Router
	}
	return &Quote{AmountOut: out, Router: router, Kind: RouteDex, SpotNum: num, SpotDen: den}, nil
}

// sqrtPriceX96 reads slot0 from a v3 pool or the v4 state view.
func (e *Engine) sqrtPriceX96(ctx context.Context, pool *registry.Pool) (*big.Int, error) {
	var (
		to   common.Address
		data []byte
		err  error
	)
	switch pool.Version {
	case registry.PoolV3:
		if pool.Address == (common.Address{}) {
			return nil, ErrIncompletePool
		}
		to = pool.Address
		data, err = V3PoolABI.Pack("slot0")
	case registry.PoolV4:
		if pool.ID == (common.Hash{}) || e.cfg.V4StateView == (common.Address{}) {
			return nil, ErrIncompletePool
		}
		if pool.TickSpacing == 0 {
			// The descriptor is input; the tick-spacing rule for v4 pools
			// is not derivable here and we decline to guess.
			return nil, ErrIncompletePool
		}
		to = e.cfg.V4StateView
		data, err = V4StateViewABI.Pack("getSlot0", pool.ID)
	}
	if err != nil {
		return nil, err
	}
	ret, err := e.client.Call(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, errs.Newf(errs.Upstream, "bad_slot0", "slot0 returned %d bytes", len(ret))
	}
	// First return word is sqrtPriceX96 in both layouts.
	word := new(uint256.Int).SetBytes(ret[:32])
	return word.ToBig(), nil
}

// quoteCurve asks the protocol router for a bonding-curve quote, routing
// through the DEX router once the token has graduated.
func (e *Engine) quoteCurve(ctx context.Context, token common.Address, pool *registry.Pool, dir Direction, amountIn *big.Int) (*Quote, error) {
	router, kind := e.cfg.CurveRouter, RouteCurve
	graduated := pool.Graduated
	if !graduated {
		data, err := RouterABI.Pack("isGraduated", token)
		if err != nil {
			return nil, err
		}
		ret, err := e.client.Call(ctx, ethereum.CallMsg{To: &e.cfg.CurveRouter, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		res, err := RouterABI.Unpack("isGraduated", ret)
		if err != nil {
			return nil, err
		}
		graduated, _ = res[0].(bool)
	}
	if graduated {
		router, kind = e.cfg.DexRouter, RouteDex
	}
	data, err := RouterABI.Pack("getAmountOut", token, amountIn, dir == Buy)
	if err != nil {
		return nil, err
	}
	ret, err := e.client.Call(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	res, err := RouterABI.Unpack("getAmountOut", ret)
	if err != nil {
		return nil, err
	}
	out, ok := res[0].(*big.Int)
	if !ok || out.Sign() <= 0 {
		return nil, errs.Newf(errs.Upstream, "zero_quote", "router quoted %v for %s", res[0], amountIn)
	}
	// Spot from the marginal quote itself: out units per amountIn.
	var num, den *big.Int
	if dir == Buy {
		num, den = new(big.Int).Set(amountIn), out
	} else {
		num, den = out, new(big.Int).Set(amountIn)
	}
	return &Quote{AmountOut: out, Router: router, Kind: kind, SpotNum: num, SpotDen: den}, nil
}

// PackSwap encodes the router swapExactIn calldata for an execution.
func PackSwap(token common.Address, amountIn, minOut *big.Int, buy bool, to common.Address) ([]byte, error) {
	return RouterABI.Pack("swapExactIn", token, amountIn, minOut, buy, to)
}

// DecodeRevert decodes revert return data against the router ABI.
// Custom errors yield "Name(arg, ...)"; Error(string) yields the string;
// anything else yields the hex blob.
func DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return "execution reverted"
	}
	if reason, err := abiUnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		var sel [4]byte
		copy(sel[:], data[:4])
		if abiErr, err := RouterABI.ErrorByID(sel); err == nil {
			if args, err := abiErr.Unpack(data); err == nil {
				return abiErr.Name + formatArgs(args)
			}
			return abiErr.Name + "()"
		}
	}
	return hexutil.Encode(data)
}

func formatArgs(args interface{}) string {
	list, ok := args.([]interface{})
	if !ok {
		return "()"
	}
	out := "("
	for i, a := range list {
		if i > 0 {
			out += ", "
		}
		switch v := a.(type) {
		case *big.Int:
			out += v.String()
		case common.Address:
			out += v.Hex()
		default:
			out += hexArg(v)
		}
	}
	return out + ")"
}

func hexArg(v interface{}) string {
	switch b := v.(type) {
	case []byte:
		return hexutil.Encode(b)
	case common.Hash:
		return b.Hex()
	default:
		return "?"
	}
}

// TokenInfo is the verification answer for a candidate token.
type TokenInfo struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// VerifyToken reads name/symbol/decimals in one batched request. A token
// that fails any of the three reads is not tradable.
func (e *Engine) VerifyToken(ctx context.Context, token common.Address) (*TokenInfo, error) {
	nameData, _ := ERC20ABI.Pack("name")
	symData, _ := ERC20ABI.Pack("symbol")
	decData, _ := ERC20ABI.Pack("decimals")
	var nameRet, symRet, decRet hexutil.Bytes
	calls := []chain.BatchCall{
		{Method: "eth_call", Args: []interface{}{map[string]interface{}{"to": token, "input": hexutil.Bytes(nameData)}, "latest"}, Result: &nameRet},
		{Method: "eth_call", Args: []interface{}{map[string]interface{}{"to": token, "input": hexutil.Bytes(symData)}, "latest"}, Result: &symRet},
		{Method: "eth_call", Args: []interface{}{map[string]interface{}{"to": token, "input": hexutil.Bytes(decData)}, "latest"}, Result: &decRet},
	}
	if err := e.client.Batch(ctx, calls); err != nil {
		return nil, err
	}
	for _, c := range calls {
		if c.Error != nil {
			return nil, errs.New(errs.Validation, "token_unverified", c.Error)
		}
	}
	info := new(TokenInfo)
	if res, err := ERC20ABI.Unpack("name", nameRet); err == nil && len(res) == 1 {
		info.Name, _ = res[0].(string)
	}
	if res, err := ERC20ABI.Unpack("symbol", symRet); err == nil && len(res) == 1 {
		info.Symbol, _ = res[0].(string)
	}
	res, err := ERC20ABI.Unpack("decimals", decRet)
	if err != nil || len(res) != 1 {
		return nil, errs.New(errs.Validation, "token_unverified", err)
	}
	info.Decimals, _ = res[0].(uint8)
	return info, nil
}

// abiUnpackRevert handles the canonical Error(string) encoding.
func abiUnpackRevert(data []byte) (string, error) {
	return abi.UnpackRevert(data)
}
