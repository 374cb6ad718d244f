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

// Package params holds the priced volume packages, the eigen classes and
// the per-field config bounds shared by the registry and the HTTP layer.
package params

import (
	"math/big"
	"time"
)

// Ether is the wei value of one whole ETH-denominated unit of the native
// currency on the target chain.
var Ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// GWei is 1e9 wei.
var GWei = big.NewInt(1e9)

// Package is a purchasable (price, volume cap, duration) tuple. PriceUSD
// is denominated in stablecoin minor units (6 decimals for USDC).
type Package struct {
	ID         string
	PriceUSD   *big.Int
	VolumeWei  *big.Int // ETH-equivalent volume the eigen must produce
	BudgetWei  *big.Int // treasury float credited at purchase
	Duration   time.Duration
	Class      Class // default class funded by this package
	WalletsMax int
}

// usdc converts whole-dollar amounts to 6-decimal minor units.
func usdc(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1_000_000))
}

// ether converts a milli-ETH amount to wei.
func milliEther(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

// Packages is the priced package table. Keys are the packageId values
// accepted by the purchase endpoints.
var Packages = map[string]*Package{
	"micro": {
		ID:         "micro",
		PriceUSD:   usdc(1),
		VolumeWei:  milliEther(50), // 0.05 ETH
		BudgetWei:  milliEther(10),
		Duration:   24 * time.Hour,
		Class:      ClassLite,
		WalletsMax: 3,
	},
	"starter": {
		ID:         "starter",
		PriceUSD:   usdc(25),
		VolumeWei:  milliEther(1_500), // 1.5 ETH
		BudgetWei:  milliEther(150),
		Duration:   24 * time.Hour,
		Class:      ClassLite,
		WalletsMax: 5,
	},
	"growth": {
		ID:         "growth",
		PriceUSD:   usdc(100),
		VolumeWei:  milliEther(7_000), // 7 ETH
		BudgetWei:  milliEther(600),
		Duration:   48 * time.Hour,
		Class:      ClassCore,
		WalletsMax: 10,
	},
	"scale": {
		ID:         "scale",
		PriceUSD:   usdc(350),
		VolumeWei:  milliEther(30_000), // 30 ETH
		BudgetWei:  milliEther(2_000),
		Duration:   72 * time.Hour,
		Class:      ClassPro,
		WalletsMax: 15,
	},
	"apex": {
		ID:         "apex",
		PriceUSD:   usdc(1_000),
		VolumeWei:  milliEther(100_000), // 100 ETH
		BudgetWei:  milliEther(6_000),
		Duration:   7 * 24 * time.Hour,
		Class:      ClassUltra,
		WalletsMax: 20,
	},
}

// Class selects default trading ranges and the platform fee rate.
type Class string

const (
	ClassLite  Class = "lite"
	ClassCore  Class = "core"
	ClassPro   Class = "pro"
	ClassUltra Class = "ultra"
)

// classRank orders classes for the upgrade-only rule on class changes.
var classRank = map[Class]int{
	ClassLite:  0,
	ClassCore:  1,
	ClassPro:   2,
	ClassUltra: 3,
}

// Valid reports whether c names a known class.
func (c Class) Valid() bool {
	_, ok := classRank[c]
	return ok
}

// AtLeast reports whether c ranks at or above other. Class changes on a
// live eigen are allowed only upward.
func (c Class) AtLeast(other Class) bool {
	return classRank[c] >= classRank[other]
}

// ClassDefaults carries the per-class default config ranges. Values the
// purchaser does not override are filled from this table at creation.
type ClassDefaults struct {
	TradeFrequency  float64 // trades per hour
	OrderSizeMinWei *big.Int
	OrderSizeMaxWei *big.Int
	OrderSizePctMin float64 // percent of applicable balance
	OrderSizePctMax float64
	SpreadWidthPct  float64
	ProfitTargetPct float64
	StopLossPct     float64
	RebalanceRatio  float64
	WalletCount     int
	SlippageBps     int64
	FeeRateBps      int64 // platform fee on traded volume
}

// Defaults is the per-class default table.
var Defaults = map[Class]*ClassDefaults{
	ClassLite: {
		TradeFrequency:  4,
		OrderSizeMinWei: milliEther(1),
		OrderSizeMaxWei: milliEther(5),
		OrderSizePctMin: 1,
		OrderSizePctMax: 5,
		SpreadWidthPct:  1.0,
		ProfitTargetPct: 12,
		StopLossPct:     20,
		RebalanceRatio:  0.7,
		WalletCount:     2,
		SlippageBps:     300,
		FeeRateBps:      100,
	},
	ClassCore: {
		TradeFrequency:  8,
		OrderSizeMinWei: milliEther(2),
		OrderSizeMaxWei: milliEther(15),
		OrderSizePctMin: 1,
		OrderSizePctMax: 8,
		SpreadWidthPct:  0.8,
		ProfitTargetPct: 10,
		StopLossPct:     18,
		RebalanceRatio:  0.65,
		WalletCount:     4,
		SlippageBps:     200,
		FeeRateBps:      85,
	},
	ClassPro: {
		TradeFrequency:  15,
		OrderSizeMinWei: milliEther(5),
		OrderSizeMaxWei: milliEther(40),
		OrderSizePctMin: 2,
		OrderSizePctMax: 10,
		SpreadWidthPct:  0.6,
		ProfitTargetPct: 8,
		StopLossPct:     15,
		RebalanceRatio:  0.6,
		WalletCount:     8,
		SlippageBps:     150,
		FeeRateBps:      70,
	},
	ClassUltra: {
		TradeFrequency:  30,
		OrderSizeMinWei: milliEther(10),
		OrderSizeMaxWei: milliEther(100),
		OrderSizePctMin: 2,
		OrderSizePctMax: 12,
		SpreadWidthPct:  0.4,
		ProfitTargetPct: 6,
		StopLossPct:     12,
		RebalanceRatio:  0.55,
		WalletCount:     12,
		SlippageBps:     100,
		FeeRateBps:      50,
	},
}

// Config bounds enforced on every config write. Out-of-range writes are
// rejected whole; the previous config is untouched.
const (
	WalletCountMin = 1
	WalletCountMax = 20

	SlippageBpsMin = 10
	SlippageBpsMax = 1000

	ReactiveSellPctMin = 1
	ReactiveSellPctMax = 100

	TradeFrequencyMin = 0.1  // one trade per 10 h
	TradeFrequencyMax = 1200 // one trade per 3 s

	SpreadWidthPctMin = 0.05
	SpreadWidthPctMax = 50

	ProfitTargetPctMin = 0.5
	ProfitTargetPctMax = 1000

	StopLossPctMin = 1
	StopLossPctMax = 95

	OrderSizePctMin = 0.1
	OrderSizePctMax = 100

	StrategyPromptMaxLen = 2048
)

// CadenceJitterPct bounds the uniform jitter applied around the nominal
// cadence 3600/tradeFrequency seconds.
const CadenceJitterPct = 30

// OracleDeviationLimitPct drops a planned action when the quote deviates
// from the oracle fair price by more than this.
const OracleDeviationLimitPct = 50

// AutoSuspendRevertLimit suspends an eigen after this many consecutive
// reverts with the same decoded reason.
const AutoSuspendRevertLimit = 3

// GasEstimateScaleNum/Den scale eth_estimateGas results (×1.3).
const (
	GasEstimateScaleNum = 13
	GasEstimateScaleDen = 10
)

// GasFloorExpensive is the gas-limit floor for known-expensive router
// entrypoints.
const GasFloorExpensive = 2_000_000

// LogWindowBlocks is the largest eth_getLogs range requested from a
// provider before splitting (observed provider cap: 49 000).
const LogWindowBlocks = 49_000
