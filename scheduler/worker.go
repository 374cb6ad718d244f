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
	"errors"
	"math/big"
	"math/rand"
	"strconv"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
)

var (
	tradeMeter       = metrics.NewRegisteredMeter("scheduler/trades", nil)
	tradeRevertMeter = metrics.NewRegisteredMeter("scheduler/trades/revert", nil)
	tradeSkipMeter   = metrics.NewRegisteredMeter("scheduler/trades/skip", nil)
	suspendMeter     = metrics.NewRegisteredMeter("scheduler/autosuspend", nil)
	stepTimer        = metrics.NewRegisteredTimer("scheduler/step", nil)
)

const (
	// idleDelay is the poll cadence for eigens that cannot trade right now
	// (suspended, pending funding, saturated RPC budget).
	idleDelay = 30 * time.Second

	// drainDelay spaces liquidation chunks.
	drainDelay = 5 * time.Second

	// receiptTimeout bounds the wait for a swap receipt. An expired wait
	// leaves the trade submitted; reconcile settles it later.
	receiptTimeout = 2 * time.Minute

	// drainChunkDiv sets the liquidation chunk: 1/4 of the remaining
	// position per step.
	drainChunkDiv = 4

	// anchorDiv is the smoothing divisor of the fair-price anchor: each
	// cycle moves the anchor 1/8 of the way to the observed spot.
	anchorDiv = 8
)

// worker runs the trade loop of a single eigen. Exactly one worker per
// eigen exists at any time; the manager owns that invariant.
type worker struct {
	env *Env
	id  string
	rng *rand.Rand
	log log.Logger

	wallets    *wallet.Set
	nextWallet int

	// Fair-price anchor: a slow-moving average of observed spot, used by
	// the planner when no independent reference exists.
	anchorNum *big.Int
	anchorDen *big.Int

	// Consecutive identical revert tracking for auto-suspend.
	lastRevert  string
	revertCount int

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newWorker(env *Env, e *registry.Eigen) *worker {
	// Trading wallets may only touch routers and the token itself; owner
	// payouts run through the withdrawal path with its own policy.
	allow := append([]common.Address{}, env.Engine.Routers()...)
	allow = append(allow, e.Token)
	allow = append(allow, env.Allowed...)
	return &worker{
		env:     env,
		id:      e.ID,
		rng:     rand.New(rand.NewSource(e.Seed)),
		log:     log.New("module", "scheduler", "eigen", e.ID),
		wallets: wallet.NewSet(env.Client, env.Master, e.ID, e.Config.WalletCount, allow),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Kick schedules an immediate replan, coalescing concurrent kicks.
func (w *worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) stop() {
	close(w.quit)
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-w.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			select {
			case <-w.quit:
				cancel()
			case <-stopped:
			}
		}()
		delay, terminal := w.step(ctx)
		close(stopped)
		cancel()
		if terminal {
			w.log.Debug("Worker finished, eigen terminal")
			return
		}
		timer.Reset(delay)
	}
}

// step runs one scheduling cycle and returns the delay before the next
// one, or terminal=true when the eigen reached a sink state.
func (w *worker) step(ctx context.Context) (delay time.Duration, terminal bool) {
	defer func(start time.Time) { stepTimer.Update(time.Since(start)) }(time.Now())

	e, err := w.env.Registry.Get(w.id)
	if err != nil {
		w.log.Error("Eigen vanished from registry", "err", err)
		return 0, true
	}
	switch e.Status {
	case registry.StatusActive:
		return w.activeStep(ctx, e)
	case registry.StatusLiquidating:
		return w.drainStep(ctx, e)
	case registry.StatusSuspended, registry.StatusPendingFunding, registry.StatusPendingLP:
		return idleDelay, false
	default:
		return 0, true
	}
}

func (w *worker) activeStep(ctx context.Context, e *registry.Eigen) (time.Duration, bool) {
	now := time.Now().UTC()
	if !e.Deadline.IsZero() && now.After(e.Deadline) {
		w.log.Info("Purchased window expired, liquidating", "deadline", e.Deadline)
		_, _ = w.env.Registry.TransitionStatus(w.id, registry.StatusActive, registry.StatusLiquidating)
		return time.Second, false
	}
	if e.Config.VolumeTargetWei != nil && e.VolumeWei.Int().Cmp(e.Config.VolumeTargetWei.Int()) >= 0 {
		w.log.Info("Volume target reached, liquidating", "volume", e.VolumeWei)
		_, _ = w.env.Registry.TransitionStatus(w.id, registry.StatusActive, registry.StatusLiquidating)
		return time.Second, false
	}
	if w.env.Client.Saturated() {
		return idleDelay, false
	}
	if err := w.wallets.Extend(e.Config.WalletCount); err != nil {
		w.log.Error("Wallet set extension failed", "err", err)
	}

	snap, err := w.snapshot(ctx, e)
	if err != nil {
		w.log.Warn("Snapshot unavailable", "err", err)
		return idleDelay, false
	}
	if pct := w.takeProfitRequest(); pct > 0 {
		tokens := pctOf(e.Position.TokenBalance.Int(), pct)
		if tokens.Sign() > 0 {
			w.log.Info("Manual take-profit", "pct", pct)
			w.execute(ctx, snap, &Action{Type: registry.TradeProfitTake, TokenInRaw: tokens}, "manual_take_profit", registry.StatusActive)
		}
		return cadence(e.Config.TradeFrequency, w.rng), false
	}
	plan := PlanNext(snap, w.rng)
	if plan.Action == nil {
		w.log.Debug("Idle cycle", "reason", plan.Reason, "delay", plan.Delay)
		return plan.Delay, false
	}
	if plan.Action.Liquidate {
		w.log.Warn("Planner requested liquidation", "reason", plan.Reason)
		_, _ = w.env.Registry.TransitionStatus(w.id, registry.StatusActive, registry.StatusLiquidating)
		return time.Second, false
	}
	w.execute(ctx, snap, plan.Action, plan.Reason, registry.StatusActive)
	return plan.Delay, false
}

// drainStep sells the remaining position in chunks, then settles the
// terminal state: terminated for an explicit terminate, liquidated for a
// completed run.
func (w *worker) drainStep(ctx context.Context, e *registry.Eigen) (time.Duration, bool) {
	if e.Position.TokenBalance.Int().Sign() == 0 {
		if pending, _ := w.env.Registry.PendingTrades(w.id); pending {
			return drainDelay, false
		}
		to := registry.StatusLiquidated
		if e.TerminateRequested {
			to = registry.StatusTerminated
		}
		if _, err := w.env.Registry.TransitionStatus(w.id, registry.StatusLiquidating, to); err != nil {
			w.log.Error("Terminal transition failed", "to", to, "err", err)
			return drainDelay, false
		}
		return 0, true
	}
	if w.env.Client.Saturated() {
		return idleDelay, false
	}
	snap, err := w.snapshot(ctx, e)
	if err != nil {
		w.log.Warn("Snapshot unavailable during drain", "err", err)
		return idleDelay, false
	}
	position := e.Position.TokenBalance.Int()
	// A remainder below the dust floor cannot be sold on its own; write
	// it off so the drain settles instead of looping forever.
	if snap.tokenValueWei(position).Cmp(params.GWei) < 0 {
		w.log.Info("Writing off dust remainder", "tokens", e.Position.TokenBalance)
		if _, err := w.env.Registry.Update(w.id, func(e *registry.Eigen) error {
			e.Position.TokenBalance.Int().SetInt64(0)
			return nil
		}); err != nil {
			w.log.Error("Dust write-off failed", "err", err)
		}
		return drainDelay, false
	}
	chunk := new(big.Int).Div(position, big.NewInt(drainChunkDiv))
	rest := new(big.Int).Sub(position, chunk)
	if chunk.Sign() == 0 || snap.tokenValueWei(rest).Cmp(params.GWei) < 0 {
		// Selling the chunk would strand a dust remainder; close out.
		chunk.Set(position)
	}
	w.execute(ctx, snap, &Action{Type: registry.TradeLiquidate, TokenInRaw: chunk}, "drain", registry.StatusLiquidating)
	return drainDelay, false
}

// snapshot reads spot, updates the fair anchor and gathers external buy
// volume into the planner's view.
func (w *worker) snapshot(ctx context.Context, e *registry.Eigen) (*Snapshot, error) {
	q, err := w.env.Engine.Quote(ctx, e.Token, e.Pool, quote.Sell, params.Ether)
	if err != nil {
		return nil, err
	}
	w.updateAnchor(q.SpotNum, q.SpotDen)
	snap := &Snapshot{
		Eigen:   e,
		Now:     time.Now().UTC(),
		SpotNum: q.SpotNum,
		SpotDen: q.SpotDen,
		FairNum: w.anchorNum,
		FairDen: w.anchorDen,
	}
	if w.env.Ingest != nil && e.Config.ReactiveSell {
		buys, err := w.env.Ingest.ExternalBuys(ctx, e, w.wallets.Addresses())
		if err != nil {
			w.log.Debug("External buy scan failed", "err", err)
		} else {
			snap.ExternalBuyWei = buys
		}
	}
	return snap, nil
}

// updateAnchor folds the observed spot into the fair anchor:
// anchor += (spot - anchor) / anchorDiv. The fraction is renormalized to
// a fixed 1e18 denominator every cycle so repeated updates cannot grow
// its operands.
func (w *worker) updateAnchor(spotNum, spotDen *big.Int) {
	if spotDen.Sign() == 0 {
		return
	}
	if w.anchorNum == nil {
		w.anchorNum = new(big.Int).Div(new(big.Int).Mul(spotNum, params.Ether), spotDen)
		w.anchorDen = new(big.Int).Set(params.Ether)
		return
	}
	// On the common denominator anchorDen × spotDen.
	num := new(big.Int).Mul(w.anchorNum, spotDen)
	spotX := new(big.Int).Mul(spotNum, w.anchorDen)
	diff := new(big.Int).Sub(spotX, num)
	num.Add(num, diff.Div(diff, big.NewInt(anchorDiv)))
	den := new(big.Int).Mul(w.anchorDen, spotDen)
	w.anchorNum = num.Div(num.Mul(num, params.Ether), den)
	w.anchorDen = new(big.Int).Set(params.Ether)
}

// execute quotes, reserves, signs, sends and settles a single planned
// action. All failures are absorbed: a failed trade never kills the
// loop, it only feeds the revert counter.
func (w *worker) execute(ctx context.Context, snap *Snapshot, act *Action, reason string, expect registry.Status) {
	e := snap.Eigen
	var (
		dir      quote.Direction
		amountIn *big.Int
	)
	if act.Type == registry.TradeBuy {
		dir, amountIn = quote.Buy, act.EthInWei
	} else {
		dir, amountIn = quote.Sell, new(big.Int).Set(act.TokenInRaw)
	}
	value := amountIn
	if dir == quote.Sell {
		value = snap.tokenValueWei(amountIn)
	}
	if value.Cmp(params.GWei) < 0 {
		tradeSkipMeter.Mark(1)
		w.log.Debug("Skipping dust action", "reason", reason, "value", value)
		return
	}

	q, err := w.env.Engine.Quote(ctx, e.Token, e.Pool, dir, amountIn)
	if err != nil {
		w.log.Warn("Quote failed", "reason", reason, "err", err)
		return
	}
	if dev := quoteDeviationPct(q, snap, dir, amountIn); dev > params.OracleDeviationLimitPct {
		tradeSkipMeter.Mark(1)
		w.log.Warn("Quote deviates from spot, skipping", "deviationPct", dev)
		return
	}
	minOut := new(big.Int).Mul(q.AmountOut, big.NewInt(10_000-e.Config.SlippageBps))
	minOut.Div(minOut, big.NewInt(10_000))

	gasPrice, err := w.env.Client.SuggestGasPrice(ctx)
	if err != nil {
		w.log.Warn("Gas price unavailable", "err", err)
		return
	}
	tip := new(big.Int).Set(params.GWei)
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	var walletIdx uint32
	if dir == quote.Buy {
		idx, err := w.pickBuyWallet(ctx, amountIn, feeCap)
		if err != nil {
			tradeSkipMeter.Mark(1)
			w.log.Warn("No funded wallet for buy", "err", err)
			return
		}
		walletIdx = idx
	} else {
		idx, held, err := w.pickSellWallet(ctx, e.Token)
		if err != nil {
			tradeSkipMeter.Mark(1)
			w.log.Warn("No wallet holds the token", "err", err)
			return
		}
		walletIdx = idx
		if amountIn.Cmp(held) > 0 {
			amountIn.Set(held)
		}
		if err := w.ensureAllowance(ctx, e, walletIdx, q.Router, amountIn, feeCap, tip); err != nil {
			w.log.Warn("Approval failed", "err", err)
			return
		}
	}
	from := w.wallets.Address(walletIdx)

	data, err := quote.PackSwap(e.Token, amountIn, minOut, dir == quote.Buy, from)
	if err != nil {
		w.log.Error("Swap calldata encoding failed", "err", err)
		return
	}
	msg := ethereum.CallMsg{From: from, To: &q.Router, Data: data}
	if dir == quote.Buy {
		msg.Value = amountIn
	}

	// Simulate before spending gas; a simulated revert costs nothing and
	// still counts toward auto-suspend.
	if _, err := w.env.Client.Call(ctx, msg, nil); err != nil {
		decoded := revertReason(err)
		tradeRevertMeter.Mark(1)
		w.log.Warn("Simulation reverted", "reason", reason, "revert", decoded)
		w.noteRevert(decoded)
		return
	}
	gasLimit, err := w.env.Client.EstimateGas(ctx, msg, q.Kind == quote.RouteCurve)
	if err != nil {
		w.log.Warn("Gas estimation failed", "err", err)
		return
	}
	gasBudget := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feeCap)

	notional := value
	if dir == quote.Sell {
		notional = q.AmountOut
	}
	fee := feeFor(e, notional)

	reserve := new(big.Int).Set(gasBudget)
	if dir == quote.Buy {
		reserve.Add(reserve, amountIn)
		reserve.Add(reserve, fee)
	}

	// Re-check the lifecycle state at the last suspension point before
	// money moves; a concurrent suspend or terminate wins.
	if cur, err := w.env.Registry.Get(w.id); err != nil || cur.Status != expect {
		w.log.Debug("Status changed before reserve, dropping action")
		return
	}
	if err := w.env.Registry.Reserve(w.id, reserve); err != nil {
		tradeSkipMeter.Mark(1)
		w.log.Warn("Reservation failed", "reserve", reserve, "err", err)
		return
	}

	t := &registry.Trade{
		ID:          uuid.NewString(),
		EigenID:     w.id,
		Type:        act.Type,
		PriceNumWei: registry.NewWei(q.SpotNum),
		PriceDenRaw: registry.NewWei(q.SpotDen),
		Status:      registry.TradeSubmitted,
		ReservedWei: registry.NewWei(reserve),
		FeeWei:      registry.NewWei(fee),
		GasCostWei:  registry.NewWei(nil),
		PnlDeltaWei: registry.NewWei(nil),
		WalletIndex: walletIdx,
	}
	if dir == quote.Buy {
		t.EthWei = registry.NewWei(amountIn)
		t.TokenRaw = registry.NewWei(q.AmountOut)
	} else {
		t.EthWei = registry.NewWei(q.AmountOut)
		t.TokenRaw = registry.NewWei(amountIn)
	}
	seq, err := w.env.Registry.AppendTrade(t)
	if err != nil {
		_ = w.env.Registry.Release(w.id, reserve)
		w.log.Error("Trade log append failed", "err", err)
		return
	}

	txValue := new(big.Int)
	if dir == quote.Buy {
		txValue.Set(amountIn)
	}
	hash, err := w.wallets.SignAndSend(ctx, &wallet.TxRequest{
		WalletIndex: walletIdx,
		To:          q.Router,
		Value:       txValue,
		Data:        data,
		GasLimit:    gasLimit,
		GasFeeCap:   feeCap,
		GasTipCap:   tip,
	})
	if err != nil {
		_ = w.env.Registry.Release(w.id, reserve)
		_ = w.env.Registry.UpdateTrade(w.id, seq, func(t *registry.Trade) {
			t.Status = registry.TradeReverted
			t.Revert = "send failed: " + err.Error()
		})
		w.log.Warn("Send failed", "err", err)
		return
	}
	_ = w.env.Registry.UpdateTrade(w.id, seq, func(t *registry.Trade) { t.TxHash = hash })

	receipt, err := w.env.Client.WaitReceipt(ctx, hash, receiptTimeout)
	if err != nil {
		if errs.KindOf(err) == errs.Revert && receipt != nil {
			gasCost := receiptGasCost(receipt)
			_, _ = w.env.Registry.Update(w.id, func(e *registry.Eigen) error {
				commitGas(e, reserve, gasCost)
				return nil
			})
			_ = w.env.Registry.UpdateTrade(w.id, seq, func(t *registry.Trade) {
				t.Status = registry.TradeReverted
				t.GasCostWei = registry.NewWei(gasCost)
				t.Revert = "execution reverted"
			})
			tradeRevertMeter.Mark(1)
			w.log.Warn("Trade reverted on chain", "hash", hash)
			w.noteRevert("onchain:" + string(act.Type))
			return
		}
		// No receipt within the window: the trade stays submitted and its
		// reservation stays held; reconcile settles it from the chain.
		w.log.Warn("Receipt wait expired, leaving trade submitted", "hash", hash, "err", err)
		return
	}

	gasCost := receiptGasCost(receipt)
	var pnl *big.Int
	if dir == quote.Buy {
		tokenOut := tokenOutFromLogs(receipt, e.Token, from)
		if tokenOut.Sign() == 0 {
			tokenOut = q.AmountOut
		}
		_, err = w.env.Registry.Update(w.id, func(e *registry.Eigen) error {
			commitBuy(e, amountIn, tokenOut, gasCost, gasBudget, fee)
			return nil
		})
	} else {
		_, err = w.env.Registry.Update(w.id, func(e *registry.Eigen) error {
			pnl = commitSell(e, amountIn, q.AmountOut, gasCost, gasBudget, fee)
			return nil
		})
	}
	if err != nil {
		w.log.Error("Trade settlement failed", "hash", hash, "err", err)
		return
	}
	_ = w.env.Registry.UpdateTrade(w.id, seq, func(t *registry.Trade) {
		t.Status = registry.TradeConfirmed
		t.GasCostWei = registry.NewWei(gasCost)
		if pnl != nil {
			t.PnlDeltaWei = registry.NewWei(pnl)
		}
	})
	w.resetReverts()
	tradeMeter.Mark(1)
	w.nextWallet = int(walletIdx) + 1
	w.log.Info("Trade confirmed", "type", act.Type, "reason", reason, "hash", hash,
		"eth", t.EthWei, "token", t.TokenRaw, "gas", gasCost, "wallet", walletIdx)
	if w.env.Feed != nil {
		done, _ := w.env.Registry.Trades(w.id, int(seq)-1, 1)
		if len(done) == 1 {
			w.env.Feed.Send(TradeEvent{EigenID: w.id, Trade: done[0]})
		}
	}
}

// noteRevert counts consecutive identical revert reasons; hitting the
// limit suspends the eigen instead of burning its budget on a wedged
// pool.
func (w *worker) noteRevert(reason string) {
	if reason == w.lastRevert {
		w.revertCount++
	} else {
		w.lastRevert = reason
		w.revertCount = 1
	}
	if w.revertCount >= params.AutoSuspendRevertLimit {
		suspendMeter.Mark(1)
		w.log.Error("Auto-suspending after repeated reverts", "revert", reason, "count", w.revertCount)
		_, _ = w.env.Registry.TransitionStatus(w.id, registry.StatusActive, registry.StatusSuspended)
		w.resetReverts()
	}
}

func (w *worker) resetReverts() {
	w.lastRevert = ""
	w.revertCount = 0
}

// takeProfitRequest consumes a pending manual take-profit command, set
// through the lifecycle API as a one-slot durable flag.
func (w *worker) takeProfitRequest() float64 {
	key := takeProfitMetaKey(w.id)
	blob, err := w.env.Registry.GetMeta(key)
	if err != nil {
		return 0
	}
	_ = w.env.Registry.DeleteMeta(key)
	pct, err := strconv.ParseFloat(string(blob), 64)
	if err != nil || pct <= 0 || pct > 100 {
		return 0
	}
	return pct
}

// TakeProfitMetaKey names the durable take-profit flag of an eigen.
func takeProfitMetaKey(id string) string { return "takeprofit:" + id }

// RequestTakeProfit durably schedules a one-off profit-take sell of pct
// percent of the position on the eigen's next cycle and kicks it.
func (m *Manager) RequestTakeProfit(id string, pct float64) error {
	if err := m.env.Registry.PutMeta(takeProfitMetaKey(id), []byte(strconv.FormatFloat(pct, 'f', -1, 64))); err != nil {
		return err
	}
	m.Kick(id)
	return nil
}

// pickBuyWallet round-robins over the wallet set and returns the first
// one whose native balance covers the spend plus a worst-case gas
// budget.
func (w *worker) pickBuyWallet(ctx context.Context, ethIn, feeCap *big.Int) (uint32, error) {
	balances, err := w.nativeBalances(ctx)
	if err != nil {
		return 0, err
	}
	roughGas := new(big.Int).Mul(big.NewInt(params.GasFloorExpensive), feeCap)
	need := new(big.Int).Add(ethIn, roughGas)
	n := len(balances)
	for i := 0; i < n; i++ {
		idx := (w.nextWallet + i) % n
		if balances[idx].Cmp(need) >= 0 {
			return uint32(idx), nil
		}
	}
	return 0, errs.Newf(errs.Validation, "wallets_unfunded", "no wallet holds %s wei", need)
}

// pickSellWallet returns the wallet holding the largest token balance.
func (w *worker) pickSellWallet(ctx context.Context, token common.Address) (uint32, *big.Int, error) {
	balances, err := w.tokenBalances(ctx, token)
	if err != nil {
		return 0, nil, err
	}
	best, bestIdx := new(big.Int), -1
	for i, b := range balances {
		if b.Cmp(best) > 0 {
			best, bestIdx = b, i
		}
	}
	if bestIdx < 0 || best.Sign() == 0 {
		return 0, nil, errs.Newf(errs.Validation, "wallets_empty", "no wallet holds the token")
	}
	return uint32(bestIdx), best, nil
}

func (w *worker) nativeBalances(ctx context.Context) ([]*big.Int, error) {
	addrs := w.wallets.Addresses()
	outs := make([]hexutil.Big, len(addrs))
	calls := make([]chain.BatchCall, len(addrs))
	for i, a := range addrs {
		calls[i] = chain.BatchCall{Method: "eth_getBalance", Args: []interface{}{a, "latest"}, Result: &outs[i]}
	}
	if err := w.env.Client.Batch(ctx, calls); err != nil {
		return nil, err
	}
	balances := make([]*big.Int, len(addrs))
	for i := range addrs {
		if calls[i].Error != nil {
			balances[i] = new(big.Int)
			continue
		}
		balances[i] = (*big.Int)(&outs[i])
	}
	return balances, nil
}

func (w *worker) tokenBalances(ctx context.Context, token common.Address) ([]*big.Int, error) {
	addrs := w.wallets.Addresses()
	outs := make([]hexutil.Bytes, len(addrs))
	calls := make([]chain.BatchCall, len(addrs))
	for i, a := range addrs {
		data, err := quote.ERC20ABI.Pack("balanceOf", a)
		if err != nil {
			return nil, err
		}
		calls[i] = chain.BatchCall{
			Method: "eth_call",
			Args:   []interface{}{map[string]interface{}{"to": token, "input": hexutil.Bytes(data)}, "latest"},
			Result: &outs[i],
		}
	}
	if err := w.env.Client.Batch(ctx, calls); err != nil {
		return nil, err
	}
	balances := make([]*big.Int, len(addrs))
	for i := range addrs {
		balances[i] = new(big.Int)
		if calls[i].Error != nil || len(outs[i]) < 32 {
			continue
		}
		if res, err := quote.ERC20ABI.Unpack("balanceOf", outs[i]); err == nil && len(res) == 1 {
			if b, ok := res[0].(*big.Int); ok {
				balances[i] = b
			}
		}
	}
	return balances, nil
}

// maxAllowance is the unlimited ERC-20 approval value.
var maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ensureAllowance installs an unlimited approval from the wallet to the
// router when the current allowance cannot cover amount. The approval's
// gas is accounted against the eigen budget like any other gas spend.
func (w *worker) ensureAllowance(ctx context.Context, e *registry.Eigen, idx uint32, router common.Address, amount, feeCap, tip *big.Int) error {
	owner := w.wallets.Address(idx)
	data, err := quote.ERC20ABI.Pack("allowance", owner, router)
	if err != nil {
		return err
	}
	ret, err := w.env.Client.Call(ctx, ethereum.CallMsg{To: &e.Token, Data: data}, nil)
	if err != nil {
		return err
	}
	if res, err := quote.ERC20ABI.Unpack("allowance", ret); err == nil && len(res) == 1 {
		if current, ok := res[0].(*big.Int); ok && current.Cmp(amount) >= 0 {
			return nil
		}
	}

	data, err = quote.ERC20ABI.Pack("approve", router, maxAllowance)
	if err != nil {
		return err
	}
	msg := ethereum.CallMsg{From: owner, To: &e.Token, Data: data}
	gasLimit, err := w.env.Client.EstimateGas(ctx, msg, false)
	if err != nil {
		return err
	}
	gasBudget := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feeCap)
	if err := w.env.Registry.Reserve(w.id, gasBudget); err != nil {
		return err
	}
	hash, err := w.wallets.SignAndSend(ctx, &wallet.TxRequest{
		WalletIndex: idx,
		To:          e.Token,
		Value:       new(big.Int),
		Data:        data,
		GasLimit:    gasLimit,
		GasFeeCap:   feeCap,
		GasTipCap:   tip,
	})
	if err != nil {
		_ = w.env.Registry.Release(w.id, gasBudget)
		return err
	}
	receipt, err := w.env.Client.WaitReceipt(ctx, hash, receiptTimeout)
	gasCost := new(big.Int)
	if receipt != nil {
		gasCost = receiptGasCost(receipt)
	}
	if _, uerr := w.env.Registry.Update(w.id, func(e *registry.Eigen) error {
		commitGas(e, gasBudget, gasCost)
		return nil
	}); uerr != nil {
		return uerr
	}
	if err != nil {
		return err
	}
	w.log.Debug("Router approved", "wallet", idx, "router", router, "hash", hash)
	return nil
}

// quoteDeviationPct measures how far the quoted execution price sits
// from the snapshot spot, in percent.
func quoteDeviationPct(q *quote.Quote, snap *Snapshot, dir quote.Direction, amountIn *big.Int) float64 {
	if q.AmountOut.Sign() == 0 || snap.SpotNum == nil || snap.SpotNum.Sign() == 0 || snap.SpotDen.Sign() == 0 {
		return 0
	}
	// Implied price in quote wei per token raw.
	var impNum, impDen *big.Int
	if dir == quote.Buy {
		impNum, impDen = amountIn, q.AmountOut
	} else {
		impNum, impDen = q.AmountOut, amountIn
	}
	imp := new(big.Float).Quo(new(big.Float).SetInt(impNum), new(big.Float).SetInt(impDen))
	spot := new(big.Float).Quo(new(big.Float).SetInt(snap.SpotNum), new(big.Float).SetInt(snap.SpotDen))
	if spot.Sign() == 0 {
		return 0
	}
	dev := new(big.Float).Quo(imp, spot)
	dev.Sub(dev, big.NewFloat(1))
	pct, _ := dev.Float64()
	if pct < 0 {
		pct = -pct
	}
	return pct * 100
}

// receiptGasCost computes the wei burned by a mined transaction.
func receiptGasCost(r *types.Receipt) *big.Int {
	cost := new(big.Int).SetUint64(r.GasUsed)
	if r.EffectiveGasPrice != nil {
		cost.Mul(cost, r.EffectiveGasPrice)
	}
	return cost
}

// tokenOutFromLogs sums the token Transfer amounts delivered to the
// wallet in the receipt, the actual fill of a buy.
func tokenOutFromLogs(receipt *types.Receipt, token, to common.Address) *big.Int {
	topic := quote.ERC20ABI.Events["Transfer"].ID
	out := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != topic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		out.Add(out, new(big.Int).SetBytes(lg.Data))
	}
	return out
}

// revertReason extracts and decodes the revert data carried by an RPC
// error, falling back to the raw error text.
func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if b, derr := hexutil.Decode(s); derr == nil {
				return quote.DecodeRevert(b)
			}
		}
	}
	return err.Error()
}
