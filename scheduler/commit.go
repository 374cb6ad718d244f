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
	"math/big"

	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/registry"
)

// Settlement accounting. These run inside registry.Update closures, so
// the balance invariant is checked on every commit. P&L is
// weighted-average cost: AverageEntryWei tracks the cost per whole token
// of the current holding.

// commitBuy settles a confirmed buy: ethIn spent, tokenOut received,
// gasCost burned, fee accrued to the platform. reservedWei holds
// ethIn + gasBudget + fee from the reserve step.
func commitBuy(e *registry.Eigen, ethIn, tokenOut, gasCost, gasBudget, fee *big.Int) {
	spent := new(big.Int).Add(ethIn, gasCost)
	spent.Add(spent, fee)
	reserved := new(big.Int).Add(ethIn, gasBudget)
	reserved.Add(reserved, fee)
	refund := new(big.Int).Sub(gasBudget, gasCost)

	e.ReservedWei.Int().Sub(e.ReservedWei.Int(), reserved)
	e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
	e.OutflowWei.Int().Add(e.OutflowWei.Int(), spent)

	pos := e.Position
	oldTokens := new(big.Int).Set(pos.TokenBalance.Int())
	newTokens := new(big.Int).Add(oldTokens, tokenOut)
	if newTokens.Sign() > 0 {
		// newAvg = (oldAvg×oldTokens + ethIn×1e18) / newTokens
		cost := new(big.Int).Mul(pos.AverageEntryWei.Int(), oldTokens)
		cost.Add(cost, new(big.Int).Mul(ethIn, params.Ether))
		pos.AverageEntryWei.Int().Div(cost, newTokens)
	}
	pos.TokenBalance.Int().Set(newTokens)
	pos.GasSpentWei.Int().Add(pos.GasSpentWei.Int(), gasCost)
	pos.FeeAccruedWei.Int().Add(pos.FeeAccruedWei.Int(), fee)
	pos.TradeCount++
	pos.BuyCount++
	e.VolumeWei.Int().Add(e.VolumeWei.Int(), ethIn)
}

// commitSell settles a confirmed sell: tokenIn sold for ethOut. The fee
// comes out of the proceeds; the reserve held gasBudget only. Returns
// the realized P&L delta.
func commitSell(e *registry.Eigen, tokenIn, ethOut, gasCost, gasBudget, fee *big.Int) *big.Int {
	net := new(big.Int).Sub(ethOut, fee)
	refund := new(big.Int).Sub(gasBudget, gasCost)

	e.ReservedWei.Int().Sub(e.ReservedWei.Int(), gasBudget)
	e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
	e.BalanceWei.Int().Add(e.BalanceWei.Int(), net)
	e.InflowWei.Int().Add(e.InflowWei.Int(), ethOut)
	e.OutflowWei.Int().Add(e.OutflowWei.Int(), new(big.Int).Add(gasCost, fee))

	pos := e.Position
	pos.TokenBalance.Int().Sub(pos.TokenBalance.Int(), tokenIn)
	// realized = ethOut - avgEntry × tokenIn / 1e18
	costBasis := new(big.Int).Mul(pos.AverageEntryWei.Int(), tokenIn)
	costBasis.Div(costBasis, params.Ether)
	delta := new(big.Int).Sub(ethOut, costBasis)
	pos.RealizedPnlWei.Int().Add(pos.RealizedPnlWei.Int(), delta)
	if pos.TokenBalance.Int().Sign() == 0 {
		pos.AverageEntryWei.Int().SetInt64(0)
	}
	pos.GasSpentWei.Int().Add(pos.GasSpentWei.Int(), gasCost)
	pos.FeeAccruedWei.Int().Add(pos.FeeAccruedWei.Int(), fee)
	pos.TradeCount++
	pos.SellCount++
	e.VolumeWei.Int().Add(e.VolumeWei.Int(), ethOut)
	return delta
}

// commitGas settles a reservation that produced no swap (an on-chain
// revert, or an approval transaction): the reservation is returned minus
// the gas burned.
func commitGas(e *registry.Eigen, reserved, gasCost *big.Int) {
	refund := new(big.Int).Sub(reserved, gasCost)
	e.ReservedWei.Int().Sub(e.ReservedWei.Int(), reserved)
	e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
	e.OutflowWei.Int().Add(e.OutflowWei.Int(), gasCost)
	e.Position.GasSpentWei.Int().Add(e.Position.GasSpentWei.Int(), gasCost)
}

// feeFor computes the platform fee on an eth notional for the eigen's
// class.
func feeFor(e *registry.Eigen, notional *big.Int) *big.Int {
	d := params.Defaults[e.Class]
	if d == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(notional, big.NewInt(d.FeeRateBps))
	return fee.Div(fee, big.NewInt(10_000))
}

// unrealized recomputes the unrealized P&L of a position at the given
// spot (quote wei per token raw).
func unrealized(pos *registry.Position, spotNum, spotDen *big.Int) *big.Int {
	if pos.TokenBalance.Int().Sign() == 0 || spotNum == nil || spotDen == nil || spotDen.Sign() == 0 {
		return new(big.Int)
	}
	value := new(big.Int).Mul(pos.TokenBalance.Int(), spotNum)
	value.Div(value, spotDen)
	basis := new(big.Int).Mul(pos.AverageEntryWei.Int(), pos.TokenBalance.Int())
	basis.Div(basis, params.Ether)
	return value.Sub(value, basis)
}
