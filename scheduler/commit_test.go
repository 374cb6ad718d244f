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
	"testing"

	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// reserve mimics the pre-trade reservation the worker performs before a
// commit settles it.
func reserve(e *registry.Eigen, amount *big.Int) {
	e.BalanceWei.Int().Sub(e.BalanceWei.Int(), amount)
	e.ReservedWei.Int().Add(e.ReservedWei.Int(), amount)
}

func TestCommitBuyAccounting(t *testing.T) {
	e := plannerEigen(big.NewInt(1_000_000), new(big.Int), new(big.Int))

	ethIn := big.NewInt(100_000)
	gasBudget := big.NewInt(10_000)
	gasCost := big.NewInt(6_000)
	fee := big.NewInt(1_000)
	tokenOut := big.NewInt(50_000)

	hold := new(big.Int).Add(ethIn, gasBudget)
	hold.Add(hold, fee)
	reserve(e, hold)
	commitBuy(e, ethIn, tokenOut, gasCost, gasBudget, fee)

	require.NoError(t, e.CheckBalanceInvariant())
	// Unused gas budget flows back to the free balance.
	assert.Equal(t, int64(1_000_000-100_000-6_000-1_000), e.BalanceWei.Int().Int64())
	assert.Zero(t, e.ReservedWei.Int().Sign())
	assert.Equal(t, int64(107_000), e.OutflowWei.Int().Int64())
	assert.Equal(t, int64(50_000), e.Position.TokenBalance.Int().Int64())
	assert.Equal(t, int64(100_000), e.VolumeWei.Int().Int64())
	assert.Equal(t, 1, e.Position.BuyCount)

	// avgEntry = ethIn × 1e18 / tokenOut = 2e18 wei per whole token.
	want := new(big.Int).Mul(big.NewInt(2), params.Ether)
	assert.Zero(t, e.Position.AverageEntryWei.Int().Cmp(want))
}

func TestCommitSellRealizesPnl(t *testing.T) {
	e := plannerEigen(big.NewInt(1_000_000), new(big.Int), new(big.Int))

	// Buy 50k raw tokens for 100k wei.
	reserve(e, big.NewInt(111_000))
	commitBuy(e, big.NewInt(100_000), big.NewInt(50_000), big.NewInt(6_000), big.NewInt(10_000), big.NewInt(1_000))

	// Sell the whole position for 150k wei: realized +50k.
	gasBudget := big.NewInt(10_000)
	reserve(e, gasBudget)
	delta := commitSell(e, big.NewInt(50_000), big.NewInt(150_000), big.NewInt(5_000), gasBudget, big.NewInt(1_500))

	require.NoError(t, e.CheckBalanceInvariant())
	assert.Equal(t, int64(50_000), delta.Int64())
	assert.Equal(t, int64(50_000), e.Position.RealizedPnlWei.Int().Int64())
	assert.Zero(t, e.Position.TokenBalance.Int().Sign())
	// A flat position resets the average entry.
	assert.Zero(t, e.Position.AverageEntryWei.Int().Sign())
	assert.Equal(t, int64(100_000+150_000), e.VolumeWei.Int().Int64())
	assert.Equal(t, int64(11_000), e.Position.GasSpentWei.Int().Int64())
	assert.Equal(t, int64(2_500), e.Position.FeeAccruedWei.Int().Int64())
}

func TestCommitGasRefundsReservation(t *testing.T) {
	e := plannerEigen(big.NewInt(1_000_000), new(big.Int), new(big.Int))

	reserved := big.NewInt(50_000)
	reserve(e, reserved)
	commitGas(e, reserved, big.NewInt(7_000))

	require.NoError(t, e.CheckBalanceInvariant())
	assert.Equal(t, int64(1_000_000-7_000), e.BalanceWei.Int().Int64())
	assert.Zero(t, e.ReservedWei.Int().Sign())
	assert.Equal(t, int64(7_000), e.OutflowWei.Int().Int64())
	assert.Zero(t, e.Position.TradeCount, "a gas-only settlement is not a trade")
}

func TestFeeForClassRates(t *testing.T) {
	e := plannerEigen(big.NewInt(0), new(big.Int), new(big.Int))
	e.Class = params.ClassLite // 100 bps
	assert.Equal(t, int64(1_000), feeFor(e, big.NewInt(100_000)).Int64())
	e.Class = params.ClassUltra // 50 bps
	assert.Equal(t, int64(500), feeFor(e, big.NewInt(100_000)).Int64())
	e.Class = params.Class("bogus")
	assert.Zero(t, feeFor(e, big.NewInt(100_000)).Sign())
}

func TestUnrealizedAtSpot(t *testing.T) {
	pos := &registry.Position{
		TokenBalance:    registry.NewWei(big.NewInt(1e15)),
		AverageEntryWei: registry.NewWei(new(big.Int).Mul(big.NewInt(2), params.Ether)),
		RealizedPnlWei:  registry.NewWei(nil),
		GasSpentWei:     registry.NewWei(nil),
		FeeAccruedWei:   registry.NewWei(nil),
	}
	// Spot 3e18 wei per whole token: 1e15 raw is worth 3e15, basis 2e15.
	got := unrealized(pos, big.NewInt(3), big.NewInt(1))
	assert.Equal(t, int64(1e15), got.Int64())

	// No position, no unrealized P&L.
	pos.TokenBalance = registry.NewWei(nil)
	assert.Zero(t, unrealized(pos, big.NewInt(3), big.NewInt(1)).Sign())
}

// TestCommitSequenceInvariant drives random buy/sell/gas settlements
// through the accounting and checks the budget identity after each.
func TestCommitSequenceInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := plannerEigen(big.NewInt(1e12), new(big.Int), new(big.Int))

		steps := rapid.IntRange(1, 30).Draw(rt, "steps").(int)
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op").(int) {
			case 0: // buy
				ethIn := big.NewInt(rapid.Int64Range(1, 1e6).Draw(rt, "ethIn").(int64))
				gasBudget := big.NewInt(rapid.Int64Range(1, 1e5).Draw(rt, "gasBudget").(int64))
				gasCost := big.NewInt(rapid.Int64Range(0, 1e5).Draw(rt, "gasCost").(int64))
				if gasCost.Cmp(gasBudget) > 0 {
					gasCost.Set(gasBudget)
				}
				fee := feeFor(e, ethIn)
				hold := new(big.Int).Add(ethIn, gasBudget)
				hold.Add(hold, fee)
				if hold.Cmp(e.BalanceWei.Int()) > 0 {
					continue
				}
				reserve(e, hold)
				tokenOut := big.NewInt(rapid.Int64Range(1, 1e9).Draw(rt, "tokenOut").(int64))
				commitBuy(e, ethIn, tokenOut, gasCost, gasBudget, fee)
			case 1: // sell
				if e.Position.TokenBalance.Int().Sign() == 0 {
					continue
				}
				tokenIn := big.NewInt(rapid.Int64Range(1, e.Position.TokenBalance.Int().Int64()).Draw(rt, "tokenIn").(int64))
				ethOut := big.NewInt(rapid.Int64Range(1, 1e6).Draw(rt, "ethOut").(int64))
				gasBudget := big.NewInt(rapid.Int64Range(1, 1e5).Draw(rt, "sellGasBudget").(int64))
				gasCost := big.NewInt(rapid.Int64Range(0, 1e5).Draw(rt, "sellGasCost").(int64))
				if gasCost.Cmp(gasBudget) > 0 {
					gasCost.Set(gasBudget)
				}
				if gasBudget.Cmp(e.BalanceWei.Int()) > 0 {
					continue
				}
				reserve(e, gasBudget)
				commitSell(e, tokenIn, ethOut, gasCost, gasBudget, feeFor(e, ethOut))
			case 2: // reverted or approval settlement
				hold := big.NewInt(rapid.Int64Range(1, 1e5).Draw(rt, "hold").(int64))
				if hold.Cmp(e.BalanceWei.Int()) > 0 {
					continue
				}
				gasCost := big.NewInt(rapid.Int64Range(0, hold.Int64()).Draw(rt, "revertGas").(int64))
				reserve(e, hold)
				commitGas(e, hold, gasCost)
			}
			require.NoError(rt, e.CheckBalanceInvariant())
			require.True(rt, e.ReservedWei.Int().Sign() >= 0)
		}
	})
}
