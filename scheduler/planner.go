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
	"math/rand"
	"time"

	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/registry"
)

// Snapshot is the planner's read-only view of one eigen at one instant.
// Planning is pure: the same snapshot and the same PRNG state always
// yield the same plan.
type Snapshot struct {
	Eigen *registry.Eigen
	Now   time.Time

	// SpotNum/SpotDen: current pool price, quote wei per token raw.
	SpotNum *big.Int
	SpotDen *big.Int

	// FairNum/FairDen: oracle fair price in the same units; nil when the
	// oracle could not price.
	FairNum *big.Int
	FairDen *big.Int

	// ExternalBuyWei is the observed external buy volume on the pool
	// within the last cadence window, zero when none.
	ExternalBuyWei *big.Int
}

// Plan is the planner's decision: sleep Delay, then run Action (nil
// Action means an idle wait).
type Plan struct {
	Delay  time.Duration
	Action *Action
	Reason string
}

// Action is one sized trading step.
type Action struct {
	Type registry.TradeType
	// EthInWei is the quote spend for buys; TokenInRaw the token spend
	// for sells. Exactly one is set except for Liquidate, which sells
	// the whole position.
	EthInWei   *big.Int
	TokenInRaw *big.Int
	Liquidate  bool // transition to liquidating instead of trading
}

// cadence returns the jittered wait before the next action:
// 3600/tradeFrequency seconds ±30%.
func cadence(freq float64, rng *rand.Rand) time.Duration {
	base := 3600 / freq // seconds
	jitter := (rng.Float64()*2 - 1) * float64(params.CadenceJitterPct) / 100
	d := time.Duration(base * (1 + jitter) * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// uniformWei draws a uniform value in [min, max].
func uniformWei(min, max *big.Int, rng *rand.Rand) *big.Int {
	if max.Cmp(min) <= 0 {
		return new(big.Int).Set(min)
	}
	span := new(big.Int).Sub(max, min)
	frac := new(big.Float).SetFloat64(rng.Float64())
	frac.Mul(frac, new(big.Float).SetInt(span))
	draw, _ := frac.Int(nil)
	return draw.Add(draw, min)
}

// pctOf returns pct% of amount.
func pctOf(amount *big.Int, pct float64) *big.Int {
	f := new(big.Float).SetInt(amount)
	f.Mul(f, big.NewFloat(pct/100))
	out, _ := f.Int(nil)
	return out
}

// tokenValueWei values a raw token amount at the snapshot spot price.
func (s *Snapshot) tokenValueWei(tokenRaw *big.Int) *big.Int {
	if s.SpotNum == nil || s.SpotDen == nil || s.SpotDen.Sign() == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(tokenRaw, s.SpotNum)
	return v.Div(v, s.SpotDen)
}

// clampSellDust bounds a sell to the position and raises it to the whole
// position when the remainder would be worth less than the dust floor:
// a sub-floor leftover could never be sold and would strand the drain.
func (s *Snapshot) clampSellDust(tokens *big.Int) *big.Int {
	pos := s.Eigen.Position.TokenBalance.Int()
	if tokens.Cmp(pos) > 0 {
		tokens.Set(pos)
		return tokens
	}
	rest := new(big.Int).Sub(pos, tokens)
	if rest.Sign() > 0 && s.tokenValueWei(rest).Cmp(params.GWei) < 0 {
		tokens.Set(pos)
	}
	return tokens
}

// weiToToken converts a quote wei amount to raw token units at spot.
func (s *Snapshot) weiToToken(wei *big.Int) *big.Int {
	if s.SpotNum == nil || s.SpotNum.Sign() == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(wei, s.SpotDen)
	return v.Div(v, s.SpotNum)
}

// unrealizedPct returns the unrealized P&L of the current position in
// percent, and whether it is defined (a position and an entry exist).
func (s *Snapshot) unrealizedPct() (float64, bool) {
	pos := s.Eigen.Position
	if pos.TokenBalance.Int().Sign() == 0 || pos.AverageEntryWei.Int().Sign() == 0 {
		return 0, false
	}
	if s.SpotNum == nil || s.SpotDen == nil || s.SpotDen.Sign() == 0 {
		return 0, false
	}
	// Spot wei per whole token = SpotNum/SpotDen × 1e18.
	spot := new(big.Float).Quo(new(big.Float).SetInt(s.SpotNum), new(big.Float).SetInt(s.SpotDen))
	spot.Mul(spot, new(big.Float).SetInt(params.Ether))
	entry := new(big.Float).SetInt(s.Eigen.Position.AverageEntryWei.Int())
	diff := new(big.Float).Sub(spot, entry)
	diff.Quo(diff, entry)
	pct, _ := diff.Float64()
	return pct * 100, true
}

// PlanNext decides the next step for the snapshot. The rng must be the
// eigen's own seeded PRNG; determinism of (snapshot, rng state) → plan
// is part of the contract.
func PlanNext(s *Snapshot, rng *rand.Rand) *Plan {
	cfg := s.Eigen.Config
	delay := cadence(cfg.TradeFrequency, rng)
	pos := s.Eigen.Position

	// Stop loss first: a breached floor liquidates instead of trading.
	if pnl, ok := s.unrealizedPct(); ok && pnl <= -cfg.StopLossPct {
		return &Plan{Delay: 0, Action: &Action{Liquidate: true}, Reason: "stop_loss"}
	}

	// Reactive sell: mirror an observed external buy.
	if cfg.ReactiveSell && s.ExternalBuyWei != nil && s.ExternalBuyWei.Sign() > 0 && pos.TokenBalance.Int().Sign() > 0 {
		sellWei := pctOf(s.ExternalBuyWei, float64(cfg.ReactiveSellPct))
		tokens := s.clampSellDust(s.weiToToken(sellWei))
		if tokens.Sign() > 0 {
			return &Plan{Delay: delay, Action: &Action{Type: registry.TradeSell, TokenInRaw: tokens}, Reason: "reactive_sell"}
		}
	}

	// Profit take: realize when the position is up enough.
	if pnl, ok := s.unrealizedPct(); ok && pnl >= cfg.ProfitTargetPct {
		tokens := s.clampSellDust(s.sizeTokens(rng))
		if tokens.Sign() > 0 {
			return &Plan{Delay: delay, Action: &Action{Type: registry.TradeProfitTake, TokenInRaw: tokens}, Reason: "profit_take"}
		}
	}

	// Direction: inventory ratio first, spread policy otherwise.
	tokenValue := s.tokenValueWei(pos.TokenBalance.Int())
	ethFree := s.Eigen.BalanceWei.Int()
	total := new(big.Int).Add(tokenValue, ethFree)
	var sell bool
	var reason string
	switch {
	case total.Sign() == 0:
		return &Plan{Delay: delay, Reason: "no_inventory"}
	case ratioAbove(tokenValue, total, cfg.RebalanceRatio):
		sell, reason = true, "rebalance_sell"
	case ratioAbove(ethFree, total, cfg.RebalanceRatio):
		sell, reason = false, "rebalance_buy"
	default:
		sell, reason = s.spreadDirection(cfg.SpreadWidthPct, rng)
	}

	if sell {
		tokens := s.clampSellDust(s.sizeTokens(rng))
		if tokens.Sign() == 0 {
			return &Plan{Delay: delay, Reason: "no_position"}
		}
		t := registry.TradeSell
		if reason == "rebalance_sell" {
			t = registry.TradeRebalance
		}
		return &Plan{Delay: delay, Action: &Action{Type: t, TokenInRaw: tokens}, Reason: reason}
	}
	eth := s.sizeWei(rng, ethFree)
	if eth.Sign() == 0 {
		return &Plan{Delay: delay, Reason: "no_balance"}
	}
	return &Plan{Delay: delay, Action: &Action{Type: registry.TradeBuy, EthInWei: eth}, Reason: reason}
}

// ratioAbove reports part/total > threshold without division.
func ratioAbove(part, total *big.Int, threshold float64) bool {
	// part > total × threshold
	lim := pctOf(total, threshold*100)
	return part.Cmp(lim) > 0
}

// spreadDirection picks sell when spot sits above the oracle mid by at
// least spread/2 percent, buy when below; otherwise a fair coin.
func (s *Snapshot) spreadDirection(spreadPct float64, rng *rand.Rand) (sell bool, reason string) {
	if s.FairNum != nil && s.FairDen != nil && s.FairNum.Sign() > 0 && s.SpotDen.Sign() > 0 {
		// deviation = spot/fair - 1, in percent: compare
		// SpotNum×FairDen against FairNum×SpotDen.
		spotX := new(big.Float).SetInt(new(big.Int).Mul(s.SpotNum, s.FairDen))
		fairX := new(big.Float).SetInt(new(big.Int).Mul(s.FairNum, s.SpotDen))
		if fairX.Sign() > 0 {
			dev := new(big.Float).Quo(spotX, fairX)
			dev.Sub(dev, big.NewFloat(1))
			pct, _ := dev.Float64()
			pct *= 100
			half := spreadPct / 2
			if pct >= half {
				return true, "spread_sell"
			}
			if pct <= -half {
				return false, "spread_buy"
			}
		}
	}
	if rng.Intn(2) == 0 {
		return true, "coin_sell"
	}
	return false, "coin_buy"
}

// sizeWei sizes a buy: min(uniform absolute, uniform percent of the
// applicable balance), clipped to the free balance.
func (s *Snapshot) sizeWei(rng *rand.Rand, balance *big.Int) *big.Int {
	cfg := s.Eigen.Config
	base := uniformWei(cfg.OrderSizeMinWei.Int(), cfg.OrderSizeMaxWei.Int(), rng)
	pct := cfg.OrderSizePctMin + rng.Float64()*(cfg.OrderSizePctMax-cfg.OrderSizePctMin)
	byPct := pctOf(balance, pct)
	size := base
	if byPct.Cmp(size) < 0 {
		size = byPct
	}
	if size.Cmp(balance) > 0 {
		size = new(big.Int).Set(balance)
	}
	return size
}

// sizeTokens sizes a sell in raw token units: the wei size converted at
// spot.
func (s *Snapshot) sizeTokens(rng *rand.Rand) *big.Int {
	tokenValue := s.tokenValueWei(s.Eigen.Position.TokenBalance.Int())
	wei := s.sizeWei(rng, tokenValue)
	return s.weiToToken(wei)
}
