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
	"context"
	"math/big"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// launchAllocDiv sets the default launch allocation when the request
// does not name one: half of the funded balance goes into the curve.
const launchAllocDiv = 2

// activateLaunch deploys the token of a funded pending_lp eigen through
// the curve router, records the deployment and activates trading.
func (c *Controller) activateLaunch(ctx context.Context, id string) error {
	e, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if e.Status != registry.StatusPendingLP || e.Launch == nil {
		return errs.Newf(errs.Validation, "bad_transition", "eigen %s is not awaiting a launch", id)
	}
	allocation := new(big.Int).Div(e.BalanceWei.Int(), big.NewInt(launchAllocDiv))
	if e.Launch.Allocation != "" {
		parsed, ok := new(big.Int).SetString(e.Launch.Allocation, 10)
		if !ok || parsed.Sign() <= 0 {
			return errs.Newf(errs.Validation, "bad_launch", "allocation %q is not a positive wei amount", e.Launch.Allocation)
		}
		allocation = parsed
	}
	if allocation.Cmp(e.BalanceWei.Int()) > 0 {
		return errs.Newf(errs.Validation, "insufficient_balance", "allocation %s exceeds balance %s", allocation, e.BalanceWei)
	}

	router := c.engine.CurveRouter()
	data, err := quote.RouterABI.Pack("launch", e.Launch.Name, e.Launch.Symbol, allocation)
	if err != nil {
		return err
	}
	ws := wallet.NewSet(c.client, c.master, id, e.Config.WalletCount, []common.Address{router})
	from := ws.Address(0)
	msg := ethereum.CallMsg{From: from, To: &router, Value: allocation, Data: data}

	// The deployment addresses come from a simulation of the same call;
	// the receipt carries no return data.
	ret, err := c.client.Call(ctx, msg, nil)
	if err != nil {
		return errs.New(errs.Revert, "launch_reverted", err)
	}
	res, err := quote.RouterABI.Unpack("launch", ret)
	if err != nil || len(res) != 2 {
		return errs.New(errs.Upstream, "bad_launch_return", err)
	}
	token, _ := res[0].(common.Address)
	poolID, _ := res[1].([32]byte)

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	gasLimit, err := c.client.EstimateGas(ctx, msg, true)
	if err != nil {
		return err
	}
	gasBudget := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feeCap)
	hold := new(big.Int).Add(allocation, gasBudget)
	if err := c.reg.Reserve(id, hold); err != nil {
		return err
	}
	hash, err := ws.SignAndSend(ctx, &wallet.TxRequest{
		WalletIndex: 0,
		To:          router,
		Value:       allocation,
		Data:        data,
		GasLimit:    gasLimit,
		GasFeeCap:   feeCap,
		GasTipCap:   new(big.Int).Set(gasPrice),
	})
	if err != nil {
		_ = c.reg.Release(id, hold)
		return err
	}
	receipt, err := c.client.WaitReceipt(ctx, hash, 2*time.Minute)
	if err != nil {
		gasCost := new(big.Int)
		if receipt != nil {
			gasCost.SetUint64(receipt.GasUsed)
			if receipt.EffectiveGasPrice != nil {
				gasCost.Mul(gasCost, receipt.EffectiveGasPrice)
			}
		}
		_, _ = c.reg.Update(id, func(e *registry.Eigen) error {
			refund := new(big.Int).Sub(hold, gasCost)
			e.ReservedWei.Int().Sub(e.ReservedWei.Int(), hold)
			e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
			e.OutflowWei.Int().Add(e.OutflowWei.Int(), gasCost)
			return nil
		})
		return errs.New(errs.Revert, "launch_reverted", err)
	}
	gasCost := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		gasCost.Mul(gasCost, receipt.EffectiveGasPrice)
	}

	// The allocation is spent into the curve; only the unused gas budget
	// returns to the balance.
	spent := new(big.Int).Add(allocation, gasCost)
	if _, err := c.reg.Update(id, func(e *registry.Eigen) error {
		refund := new(big.Int).Sub(hold, spent)
		e.ReservedWei.Int().Sub(e.ReservedWei.Int(), hold)
		e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
		e.OutflowWei.Int().Add(e.OutflowWei.Int(), spent)
		e.Token = token
		e.Pool = &registry.Pool{
			Version: registry.PoolCurve,
			ID:      common.Hash(poolID),
			Token0:  token,
			Router:  router,
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := c.reg.TransitionStatus(id, registry.StatusPendingLP, registry.StatusActive); err != nil {
		return err
	}
	c.mgr.Adopt(id)
	c.log.Info("Token launched", "id", id, "token", token, "pool", common.Hash(poolID), "allocation", allocation, "hash", hash)
	return nil
}
