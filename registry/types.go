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

package registry

import (
	"fmt"
	"math/big"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/ethereum/go-ethereum/common"
)

// Wei is a big integer that marshals to a decimal string in JSON, as the
// HTTP contract requires for all wei-scale values. The zero value is 0.
type Wei big.Int

// NewWei copies x into a Wei. A nil x yields 0.
func NewWei(x *big.Int) *Wei {
	if x == nil {
		return (*Wei)(new(big.Int))
	}
	return (*Wei)(new(big.Int).Set(x))
}

// Int returns the underlying big.Int. The result aliases w; callers that
// mutate it mutate w.
func (w *Wei) Int() *big.Int {
	if w == nil {
		return new(big.Int)
	}
	return (*big.Int)(w)
}

func (w *Wei) String() string {
	if w == nil {
		return "0"
	}
	return (*big.Int)(w).String()
}

// MarshalJSON encodes as a decimal string.
func (w *Wei) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (w *Wei) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		(*big.Int)(w).SetInt64(0)
		return nil
	}
	if _, ok := (*big.Int)(w).SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal integer %q", s)
	}
	return nil
}

// PoolVersion names the liquidity venue protocol for a target pool.
type PoolVersion string

const (
	PoolV3    PoolVersion = "v3"
	PoolV4    PoolVersion = "v4"
	PoolCurve PoolVersion = "bonding-curve"
)

// Pool describes the target pool an eigen trades against. For v3 pools
// Address is the pool contract; for v4 pools ID is the pool id and the
// state is read through the singleton manager; bonding-curve pools quote
// through the curve router.
type Pool struct {
	Version     PoolVersion    `json:"version"`
	Address     common.Address `json:"address,omitempty"`
	ID          common.Hash    `json:"id,omitempty"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	FeeTier     int64          `json:"feeTier,omitempty"`
	TickSpacing int64          `json:"tickSpacing,omitempty"`
	Hook        common.Address `json:"hook,omitempty"`
	Router      common.Address `json:"router,omitempty"` // router hint; quote engine may override
	Graduated   bool           `json:"graduated,omitempty"`
}

// Config is the closed, bounds-checked mutable configuration of an eigen.
// All numeric bounds are enforced at write time against params.
type Config struct {
	VolumeTargetWei *Wei    `json:"volumeTargetWei"` // ETH-equivalent per package
	TradeFrequency  float64 `json:"tradeFrequency"`  // trades per hour
	OrderSizeMinWei *Wei    `json:"orderSizeMinWei"`
	OrderSizeMaxWei *Wei    `json:"orderSizeMaxWei"`
	OrderSizePctMin float64 `json:"orderSizePctMin"`
	OrderSizePctMax float64 `json:"orderSizePctMax"`
	SpreadWidthPct  float64 `json:"spreadWidthPct"`
	ProfitTargetPct float64 `json:"profitTargetPct"`
	StopLossPct     float64 `json:"stopLossPct"`
	RebalanceRatio  float64 `json:"rebalanceThreshold"` // 0..1
	WalletCount     int     `json:"walletCount"`
	SlippageBps     int64   `json:"slippageBps"`
	ReactiveSell    bool    `json:"reactiveSellMode"`
	ReactiveSellPct int     `json:"reactiveSellPct"`
	StrategyPrompt  string  `json:"strategyPrompt,omitempty"`
}

// DefaultConfig builds the config funded by pkg, filled from the class
// default table.
func DefaultConfig(pkg *params.Package) *Config {
	d := params.Defaults[pkg.Class]
	wallets := d.WalletCount
	if wallets > pkg.WalletsMax {
		wallets = pkg.WalletsMax
	}
	return &Config{
		VolumeTargetWei: NewWei(pkg.VolumeWei),
		TradeFrequency:  d.TradeFrequency,
		OrderSizeMinWei: NewWei(d.OrderSizeMinWei),
		OrderSizeMaxWei: NewWei(d.OrderSizeMaxWei),
		OrderSizePctMin: d.OrderSizePctMin,
		OrderSizePctMax: d.OrderSizePctMax,
		SpreadWidthPct:  d.SpreadWidthPct,
		ProfitTargetPct: d.ProfitTargetPct,
		StopLossPct:     d.StopLossPct,
		RebalanceRatio:  d.RebalanceRatio,
		WalletCount:     wallets,
		SlippageBps:     d.SlippageBps,
		ReactiveSellPct: 50,
	}
}

// Validate checks every field against the bounds in params. The whole
// config is rejected on the first violation.
func (c *Config) Validate() error {
	switch {
	case c.VolumeTargetWei == nil || c.VolumeTargetWei.Int().Sign() <= 0:
		return errs.Newf(errs.Validation, "config_out_of_range", "volumeTarget must be positive")
	case c.TradeFrequency < params.TradeFrequencyMin || c.TradeFrequency > params.TradeFrequencyMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "tradeFrequency %v outside [%v, %v]", c.TradeFrequency, params.TradeFrequencyMin, params.TradeFrequencyMax)
	case c.OrderSizeMinWei == nil || c.OrderSizeMinWei.Int().Sign() <= 0:
		return errs.Newf(errs.Validation, "config_out_of_range", "orderSizeMin must be positive")
	case c.OrderSizeMaxWei == nil || c.OrderSizeMaxWei.Int().Cmp(c.OrderSizeMinWei.Int()) < 0:
		return errs.Newf(errs.Validation, "config_out_of_range", "orderSizeMax below orderSizeMin")
	case c.OrderSizePctMin < params.OrderSizePctMin || c.OrderSizePctMin > params.OrderSizePctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "orderSizePctMin %v outside [%v, %v]", c.OrderSizePctMin, params.OrderSizePctMin, params.OrderSizePctMax)
	case c.OrderSizePctMax < c.OrderSizePctMin || c.OrderSizePctMax > params.OrderSizePctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "orderSizePctMax %v outside [%v, %v]", c.OrderSizePctMax, c.OrderSizePctMin, params.OrderSizePctMax)
	case c.SpreadWidthPct < params.SpreadWidthPctMin || c.SpreadWidthPct > params.SpreadWidthPctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "spreadWidth %v outside [%v, %v]", c.SpreadWidthPct, params.SpreadWidthPctMin, params.SpreadWidthPctMax)
	case c.ProfitTargetPct < params.ProfitTargetPctMin || c.ProfitTargetPct > params.ProfitTargetPctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "profitTarget %v outside [%v, %v]", c.ProfitTargetPct, params.ProfitTargetPctMin, params.ProfitTargetPctMax)
	case c.StopLossPct < params.StopLossPctMin || c.StopLossPct > params.StopLossPctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "stopLoss %v outside [%v, %v]", c.StopLossPct, params.StopLossPctMin, params.StopLossPctMax)
	case c.RebalanceRatio < 0 || c.RebalanceRatio > 1:
		return errs.Newf(errs.Validation, "config_out_of_range", "rebalanceThreshold %v outside [0, 1]", c.RebalanceRatio)
	case c.WalletCount < params.WalletCountMin || c.WalletCount > params.WalletCountMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "walletCount %d outside [%d, %d]", c.WalletCount, params.WalletCountMin, params.WalletCountMax)
	case c.SlippageBps < params.SlippageBpsMin || c.SlippageBps > params.SlippageBpsMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "slippageBps %d outside [%d, %d]", c.SlippageBps, params.SlippageBpsMin, params.SlippageBpsMax)
	case c.ReactiveSellPct < params.ReactiveSellPctMin || c.ReactiveSellPct > params.ReactiveSellPctMax:
		return errs.Newf(errs.Validation, "config_out_of_range", "reactiveSellPct %d outside [%d, %d]", c.ReactiveSellPct, params.ReactiveSellPctMin, params.ReactiveSellPctMax)
	case len(c.StrategyPrompt) > params.StrategyPromptMaxLen:
		return errs.Newf(errs.Validation, "config_out_of_range", "strategyPrompt longer than %d bytes", params.StrategyPromptMaxLen)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	cpy := *c
	cpy.VolumeTargetWei = NewWei(c.VolumeTargetWei.Int())
	cpy.OrderSizeMinWei = NewWei(c.OrderSizeMinWei.Int())
	cpy.OrderSizeMaxWei = NewWei(c.OrderSizeMaxWei.Int())
	return &cpy
}

// ConfigPatch is a partial config update. Nil fields are left untouched.
// WalletCount may only grow; shrinking a wallet set would orphan funded
// addresses.
type ConfigPatch struct {
	TradeFrequency  *float64 `json:"tradeFrequency,omitempty"`
	OrderSizeMinWei *Wei     `json:"orderSizeMinWei,omitempty"`
	OrderSizeMaxWei *Wei     `json:"orderSizeMaxWei,omitempty"`
	OrderSizePctMin *float64 `json:"orderSizePctMin,omitempty"`
	OrderSizePctMax *float64 `json:"orderSizePctMax,omitempty"`
	SpreadWidthPct  *float64 `json:"spreadWidthPct,omitempty"`
	ProfitTargetPct *float64 `json:"profitTargetPct,omitempty"`
	StopLossPct     *float64 `json:"stopLossPct,omitempty"`
	RebalanceRatio  *float64 `json:"rebalanceThreshold,omitempty"`
	WalletCount     *int     `json:"walletCount,omitempty"`
	SlippageBps     *int64   `json:"slippageBps,omitempty"`
	ReactiveSell    *bool    `json:"reactiveSellMode,omitempty"`
	ReactiveSellPct *int     `json:"reactiveSellPct,omitempty"`
	StrategyPrompt  *string  `json:"strategyPrompt,omitempty"`
	Class           *string  `json:"class,omitempty"`
}

// Status is the eigen lifecycle state.
type Status string

const (
	StatusPendingFunding Status = "pending_funding"
	StatusPendingLP      Status = "pending_lp"
	StatusActive         Status = "active"
	StatusSuspended      Status = "suspended"
	StatusLiquidating    Status = "liquidating"
	StatusLiquidated     Status = "liquidated"
	StatusTerminated     Status = "terminated"
	StatusClosed         Status = "closed"
)

// Terminal reports whether s is a sink state. The scheduler must never
// execute an eigen in a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusLiquidated, StatusTerminated, StatusClosed:
		return true
	}
	return false
}

// transitions is the allowed status graph. Terminal states have no
// outgoing edges except liquidated → closed and terminated → closed,
// which settle bookkeeping without re-entering trading.
var transitions = map[Status][]Status{
	StatusPendingFunding: {StatusActive, StatusTerminated},
	StatusPendingLP:      {StatusActive, StatusTerminated},
	StatusActive:         {StatusSuspended, StatusLiquidating},
	StatusSuspended:      {StatusActive, StatusLiquidating},
	StatusLiquidating:    {StatusLiquidated, StatusTerminated},
	StatusLiquidated:     {StatusClosed},
	StatusTerminated:     {StatusClosed},
	StatusClosed:         {},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is the live trading position of an eigen. Realized P&L uses
// weighted-average cost accounting: AverageEntryWei is the volume-weighted
// cost per whole token of the current holding, updated on buys; sells
// realize (price - averageEntry) × amount and leave the average untouched.
type Position struct {
	TokenBalance    *Wei `json:"tokenBalance"` // raw token units
	AverageEntryWei *Wei `json:"averageEntryWei"`
	RealizedPnlWei  *Wei `json:"realizedPnlWei"`
	GasSpentWei     *Wei `json:"gasSpentWei"`
	FeeAccruedWei   *Wei `json:"feeAccruedWei"`
	TradeCount      int  `json:"tradeCount"`
	BuyCount        int  `json:"buyCount"`
	SellCount       int  `json:"sellCount"`
}

func newPosition() *Position {
	return &Position{
		TokenBalance:    NewWei(nil),
		AverageEntryWei: NewWei(nil),
		RealizedPnlWei:  NewWei(nil),
		GasSpentWei:     NewWei(nil),
		FeeAccruedWei:   NewWei(nil),
	}
}

// WalletRecord is one derived sub-wallet. Private keys are never stored;
// they are re-derived from the keeper master secret, the eigen id and
// Index.
type WalletRecord struct {
	Index   uint32         `json:"index"`
	Address common.Address `json:"address"`
}

// LaunchSpec records the launch-mode request for eigens created through
// /api/launch. The token deployment itself is an opaque router call.
type LaunchSpec struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description,omitempty"`
	ImageURI    string `json:"imageUri,omitempty"`
	FeeType     string `json:"feeType,omitempty"`
	Allocation  string `json:"allocation,omitempty"`
}

// Eigen is one market-making agent: one token, one chain, one config,
// one budget.
type Eigen struct {
	ID      string         `json:"id"` // ES-xxxxxx
	Owner   common.Address `json:"owner"`
	AgentID string         `json:"agentId,omitempty"` // external agent identity

	ChainID int64          `json:"chainId"`
	Token   common.Address `json:"token"`
	Pool    *Pool          `json:"pool"`
	Class   params.Class   `json:"class"`
	Config  *Config        `json:"config"`
	Launch  *LaunchSpec    `json:"launch,omitempty"`

	// Budget. The balance invariant ties these together:
	//   BalanceWei + ReservedWei + OutflowWei == DepositedWei + InflowWei
	DepositedWei *Wei `json:"depositedWei"`
	BalanceWei   *Wei `json:"balanceWei"`
	ReservedWei  *Wei `json:"reservedWei"`
	InflowWei    *Wei `json:"inflowWei"`  // settled sell proceeds + refunds
	OutflowWei   *Wei `json:"outflowWei"` // settled buys + gas + fees + withdrawals

	Position  *Position `json:"position"`
	VolumeWei *Wei      `json:"volumeProducedWei"` // cumulative ETH-equivalent volume

	Status  Status         `json:"status"`
	Wallets []WalletRecord `json:"wallets"`
	Seed    int64          `json:"seed"` // planner PRNG seed, fixed at creation

	// TerminateRequested marks an explicit terminate: the liquidation
	// drain ends in terminated instead of liquidated.
	TerminateRequested bool `json:"terminateRequested,omitempty"`

	PackageID string     `json:"packageId"`
	Deadline  time.Time  `json:"deadline"` // purchased window end
	PaymentID string     `json:"paymentId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Ended     *time.Time `json:"terminatedAt,omitempty"`
}

// CheckBalanceInvariant verifies the budget identity. A violation is an
// Invariant error; the caller suspends the eigen.
func (e *Eigen) CheckBalanceInvariant() error {
	lhs := new(big.Int).Add(e.BalanceWei.Int(), e.ReservedWei.Int())
	lhs.Add(lhs, e.OutflowWei.Int())
	rhs := new(big.Int).Add(e.DepositedWei.Int(), e.InflowWei.Int())
	if lhs.Cmp(rhs) != 0 {
		return errs.Newf(errs.Invariant, "balance_invariant",
			"eigen %s: balance %s + reserved %s + outflow %s != deposited %s + inflow %s",
			e.ID, e.BalanceWei, e.ReservedWei, e.OutflowWei, e.DepositedWei, e.InflowWei)
	}
	if e.Position.TokenBalance.Int().Sign() < 0 {
		return errs.Newf(errs.Invariant, "negative_position", "eigen %s: token balance %s", e.ID, e.Position.TokenBalance)
	}
	return nil
}

// Copy returns a deep copy safe to hand to a scheduler snapshot.
func (e *Eigen) Copy() *Eigen {
	cpy := *e
	cpy.Config = e.Config.Copy()
	cpy.DepositedWei = NewWei(e.DepositedWei.Int())
	cpy.BalanceWei = NewWei(e.BalanceWei.Int())
	cpy.ReservedWei = NewWei(e.ReservedWei.Int())
	cpy.InflowWei = NewWei(e.InflowWei.Int())
	cpy.OutflowWei = NewWei(e.OutflowWei.Int())
	cpy.VolumeWei = NewWei(e.VolumeWei.Int())
	pos := *e.Position
	pos.TokenBalance = NewWei(e.Position.TokenBalance.Int())
	pos.AverageEntryWei = NewWei(e.Position.AverageEntryWei.Int())
	pos.RealizedPnlWei = NewWei(e.Position.RealizedPnlWei.Int())
	pos.GasSpentWei = NewWei(e.Position.GasSpentWei.Int())
	pos.FeeAccruedWei = NewWei(e.Position.FeeAccruedWei.Int())
	cpy.Position = &pos
	cpy.Wallets = append([]WalletRecord(nil), e.Wallets...)
	if e.Pool != nil {
		pool := *e.Pool
		cpy.Pool = &pool
	}
	if e.Launch != nil {
		launch := *e.Launch
		cpy.Launch = &launch
	}
	if e.Ended != nil {
		ended := *e.Ended
		cpy.Ended = &ended
	}
	return &cpy
}

// TradeType tags a trade record.
type TradeType string

const (
	TradeBuy        TradeType = "buy"
	TradeSell       TradeType = "sell"
	TradeRebalance  TradeType = "rebalance"
	TradeProfitTake TradeType = "profit_take"
	TradeFeeClaim   TradeType = "fee_claim"
	TradeLiquidate  TradeType = "liquidate"
)

// TradeStatus tracks a submitted trade to settlement.
type TradeStatus string

const (
	TradeSubmitted TradeStatus = "submitted"
	TradeConfirmed TradeStatus = "confirmed"
	TradeReverted  TradeStatus = "reverted"
)

// Trade is one append-only trade log row.
type Trade struct {
	ID          string      `json:"id"`
	EigenID     string      `json:"eigenId"`
	Type        TradeType   `json:"type"`
	EthWei      *Wei        `json:"ethAmountWei"`
	TokenRaw    *Wei        `json:"tokenAmountRaw"`
	PriceNumWei *Wei        `json:"priceNumWei"` // priceEth = PriceNumWei / PriceDenRaw
	PriceDenRaw *Wei        `json:"priceDenRaw"`
	TxHash      common.Hash `json:"txHash"`
	Status      TradeStatus `json:"status"`
	ReservedWei *Wei        `json:"reservedWei,omitempty"` // budget held while submitted
	FeeWei      *Wei        `json:"feeWei,omitempty"`
	GasCostWei  *Wei        `json:"gasCostWei"`
	PnlDeltaWei *Wei        `json:"realizedPnlDeltaWei"`
	Revert      string      `json:"revertReason,omitempty"`
	WalletIndex uint32      `json:"walletIndex"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// PaymentState is a CAS field; a payment is used at most once.
type PaymentState string

const (
	PaymentPending  PaymentState = "pending"
	PaymentVerified PaymentState = "verified"
	PaymentConsumed PaymentState = "consumed"
	PaymentFailed   PaymentState = "failed"
)

// Payment is one admitted (or rejected) payment proof.
type Payment struct {
	ID         string         `json:"id"` // hash of auth payload or of (txHash, chainId)
	Payer      common.Address `json:"payer"`
	Recipient  common.Address `json:"recipient"`
	Amount     *Wei           `json:"amount"` // stablecoin minor units
	ChainID    int64          `json:"chainId"`
	State      PaymentState   `json:"state"`
	EigenID    string         `json:"eigenId,omitempty"` // set on consume; at most one
	TxHash     common.Hash    `json:"txHash,omitempty"`
	Scheme     string         `json:"scheme"` // "transfer" or "authorization"
	VerifiedAt time.Time      `json:"verifiedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// APIKey is a stored (hashed) API key. The plaintext is returned exactly
// once at creation and never persisted.
type APIKey struct {
	Prefix    string         `json:"prefix"`
	Hash      common.Hash    `json:"hash"` // keccak256 of the full plaintext
	Owner     common.Address `json:"owner"`
	Label     string         `json:"label,omitempty"`
	RateLimit int            `json:"rateLimit"` // requests per minute
	Revoked   bool           `json:"revoked"`
	CreatedAt time.Time      `json:"createdAt"`
	LastUsed  time.Time      `json:"lastUsedAt,omitempty"`
}

// QuotePrice is one hourly quote-token → USD point.
type QuotePrice struct {
	Token common.Address `json:"token"`
	Hour  int64          `json:"hour"` // unix hours
	USD   float64        `json:"usd"`
}
