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

// Package lifecycle orchestrates eigen operations end to end: the paid
// purchase handshake, deposit detection, config adjustment, the manual
// state controls and owner withdrawals. Every operation enforces
// ownership before touching the registry.
package lifecycle

import (
	"context"
	"math/big"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/payment"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/scheduler"
	"github.com/eigenswarm/keeper/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	purchaseMeter = metrics.NewRegisteredMeter("lifecycle/purchases", nil)
	depositMeter  = metrics.NewRegisteredMeter("lifecycle/deposits", nil)
	withdrawMeter = metrics.NewRegisteredMeter("lifecycle/withdrawals", nil)
)

// Controller wires the purchase, funding and control paths together.
type Controller struct {
	reg    *registry.Registry
	client *chain.Client
	engine *quote.Engine
	pay    *payment.Gateway
	mgr    *scheduler.Manager
	master []byte
	log    log.Logger
}

// New builds a Controller.
func New(reg *registry.Registry, client *chain.Client, engine *quote.Engine, pay *payment.Gateway, mgr *scheduler.Manager, master []byte) *Controller {
	return &Controller{
		reg:    reg,
		client: client,
		engine: engine,
		pay:    pay,
		mgr:    mgr,
		master: master,
		log:    log.New("module", "lifecycle"),
	}
}

// CreateRequest is the purchase body, shared by the buy-volume and
// launch endpoints.
type CreateRequest struct {
	PackageID string                `json:"packageId"`
	Token     common.Address        `json:"token,omitempty"`
	Pool      *registry.Pool        `json:"pool,omitempty"`
	AgentID   string                `json:"agentId,omitempty"`
	Launch    *registry.LaunchSpec  `json:"launch,omitempty"`
	Config    *registry.ConfigPatch `json:"config,omitempty"`
}

// Package resolves the request's priced package.
func (c *Controller) Package(id string) (*params.Package, error) {
	pkg, ok := params.Packages[id]
	if !ok {
		return nil, errs.Newf(errs.Validation, "bad_package", "unknown package %q", id)
	}
	return pkg, nil
}

// Requirements exposes the gateway's 402 body for a package.
func (c *Controller) Requirements(pkg *params.Package) *payment.Requirements {
	return c.pay.Requirements(pkg)
}

// Purchase runs the paid creation flow: validate the request, admit the
// payment proof, create the eigen, consume the payment, derive the
// wallet set and credit the package budget. Pool-backed eigens come back
// active; launch eigens activate once the token deploys. The payment
// lock is released on any downstream failure so the proof can be
// retried.
func (c *Controller) Purchase(ctx context.Context, owner common.Address, paymentHeader string, req *CreateRequest) (*registry.Eigen, error) {
	pkg, err := c.Package(req.PackageID)
	if err != nil {
		return nil, err
	}
	cfg := registry.DefaultConfig(pkg)
	if req.Config != nil {
		if cfg, err = cfg.Patched(req.Config); err != nil {
			return nil, err
		}
	}
	if req.Launch == nil {
		if req.Pool == nil {
			return nil, errs.Newf(errs.Validation, "missing_pool", "a pool descriptor is required unless launching")
		}
		if _, err := c.engine.VerifyToken(ctx, req.Token); err != nil {
			return nil, err
		}
	} else if req.Launch.Name == "" || req.Launch.Symbol == "" {
		return nil, errs.Newf(errs.Validation, "bad_launch", "launch needs a name and a symbol")
	}

	pay, err := c.pay.Verify(ctx, paymentHeader, pkg)
	if err != nil {
		return nil, err
	}
	// Unauthenticated purchases belong to whoever paid.
	if owner == (common.Address{}) {
		owner = pay.Payer
	}

	e := &registry.Eigen{
		Owner:     owner,
		AgentID:   req.AgentID,
		ChainID:   c.client.ChainID().Int64(),
		Token:     req.Token,
		Pool:      req.Pool,
		Class:     pkg.Class,
		Config:    cfg,
		Launch:    req.Launch,
		PackageID: pkg.ID,
		Deadline:  time.Now().UTC().Add(pkg.Duration),
		PaymentID: pay.ID,
	}
	created, err := c.reg.Create(e)
	if err != nil {
		c.pay.Release(pay.ID)
		return nil, err
	}
	if _, err := c.pay.Consume(pay.ID, created.ID); err != nil {
		// Lost the payment race: the eigen was never paid for.
		_, _ = c.reg.TransitionStatus(created.ID, created.Status, registry.StatusTerminated)
		return nil, err
	}

	wallets := make([]registry.WalletRecord, cfg.WalletCount)
	for i := range wallets {
		wallets[i] = registry.WalletRecord{
			Index:   uint32(i),
			Address: wallet.DeriveAddress(c.master, created.ID, uint32(i)),
		}
	}
	created, err = c.reg.Update(created.ID, func(e *registry.Eigen) error {
		e.Wallets = wallets
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The purchase price bought a treasury-funded trading budget.
	if _, err := c.reg.Fund(created.ID, pkg.BudgetWei); err != nil {
		return nil, err
	}
	if req.Launch == nil {
		created, err = c.reg.TransitionStatus(created.ID, registry.StatusPendingFunding, registry.StatusActive)
		if err != nil {
			return nil, err
		}
	} else if err := c.activateLaunch(ctx, created.ID); err != nil {
		// The eigen stays pending_lp; the deposit sweep retries the launch.
		c.log.Warn("Token launch deferred", "id", created.ID, "err", err)
		if created, err = c.reg.Get(created.ID); err != nil {
			return nil, err
		}
	} else if created, err = c.reg.Get(created.ID); err != nil {
		return nil, err
	}
	c.mgr.Adopt(created.ID)
	purchaseMeter.Mark(1)
	c.log.Info("Eigen purchased", "id", created.ID, "owner", owner, "package", pkg.ID, "launch", req.Launch != nil)
	return created, nil
}

// owned loads the eigen and enforces ownership.
func (c *Controller) owned(id string, owner common.Address) (*registry.Eigen, error) {
	e, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Owner != owner {
		return nil, errs.Newf(errs.Auth, "ownership", "eigen %s is not owned by %s", id, owner)
	}
	return e, nil
}

// Get returns the eigen after an ownership check.
func (c *Controller) Get(id string, owner common.Address) (*registry.Eigen, error) {
	return c.owned(id, owner)
}

// DetectDeposits compares the on-chain wallet total against the ledger
// and credits the difference as a deposit. The first deposit activates a
// pending_funding eigen; for a pending_lp eigen it triggers the token
// launch.
func (c *Controller) DetectDeposits(ctx context.Context, id string) (*registry.Eigen, *big.Int, error) {
	e, err := c.reg.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if e.Status.Terminal() {
		return nil, nil, errs.Newf(errs.Validation, "terminal_state", "eigen %s is %s", id, e.Status)
	}
	total := new(big.Int)
	for _, w := range e.Wallets {
		bal, err := c.client.BalanceAt(ctx, w.Address)
		if err != nil {
			return nil, nil, err
		}
		total.Add(total, bal)
	}
	ledger := new(big.Int).Add(e.BalanceWei.Int(), e.ReservedWei.Int())
	delta := new(big.Int).Sub(total, ledger)
	if delta.Cmp(params.GWei) < 0 {
		return e, new(big.Int), nil
	}
	if _, err := c.reg.Fund(id, delta); err != nil {
		return nil, nil, err
	}
	depositMeter.Mark(1)
	c.log.Info("Deposit detected", "id", id, "wei", delta)

	switch e.Status {
	case registry.StatusPendingFunding:
		if _, err := c.reg.TransitionStatus(id, registry.StatusPendingFunding, registry.StatusActive); err != nil {
			return nil, nil, err
		}
		c.mgr.Adopt(id)
	case registry.StatusPendingLP:
		if err := c.activateLaunch(ctx, id); err != nil {
			return nil, nil, err
		}
	default:
		c.mgr.Kick(id)
	}
	e, err = c.reg.Get(id)
	return e, delta, err
}

// Adjust applies a partial config update and replans.
func (c *Controller) Adjust(id string, owner common.Address, patch *registry.ConfigPatch) (*registry.Eigen, bool, error) {
	if _, err := c.owned(id, owner); err != nil {
		return nil, false, err
	}
	e, changed, err := c.reg.UpdateConfig(id, patch)
	if err != nil {
		return nil, false, err
	}
	if changed {
		c.mgr.Kick(id)
	}
	return e, changed, nil
}

// Suspend pauses trading.
func (c *Controller) Suspend(id string, owner common.Address) (*registry.Eigen, error) {
	if _, err := c.owned(id, owner); err != nil {
		return nil, err
	}
	return c.reg.TransitionStatus(id, registry.StatusActive, registry.StatusSuspended)
}

// Resume restarts a suspended eigen.
func (c *Controller) Resume(id string, owner common.Address) (*registry.Eigen, error) {
	if _, err := c.owned(id, owner); err != nil {
		return nil, err
	}
	e, err := c.reg.TransitionStatus(id, registry.StatusSuspended, registry.StatusActive)
	if err != nil {
		return nil, err
	}
	c.mgr.Adopt(id)
	return e, nil
}

// Liquidate starts an orderly position drain; the eigen ends liquidated.
func (c *Controller) Liquidate(id string, owner common.Address) (*registry.Eigen, error) {
	e, err := c.owned(id, owner)
	if err != nil {
		return nil, err
	}
	e, err = c.reg.TransitionStatus(id, e.Status, registry.StatusLiquidating)
	if err != nil {
		return nil, err
	}
	c.mgr.Adopt(id)
	return e, nil
}

// Terminate ends the eigen: pending eigens die immediately, running ones
// drain their position first and settle as terminated.
func (c *Controller) Terminate(id string, owner common.Address) (*registry.Eigen, error) {
	e, err := c.owned(id, owner)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case registry.StatusPendingFunding, registry.StatusPendingLP:
		return c.reg.TransitionStatus(id, e.Status, registry.StatusTerminated)
	case registry.StatusActive, registry.StatusSuspended:
		if _, err := c.reg.Update(id, func(e *registry.Eigen) error {
			e.TerminateRequested = true
			return nil
		}); err != nil {
			return nil, err
		}
		e, err = c.reg.TransitionStatus(id, e.Status, registry.StatusLiquidating)
		if err != nil {
			return nil, err
		}
		c.mgr.Adopt(id)
		return e, nil
	case registry.StatusLiquidating:
		return c.reg.Update(id, func(e *registry.Eigen) error {
			e.TerminateRequested = true
			return nil
		})
	default:
		return nil, errs.Newf(errs.Validation, "terminal_state", "eigen %s is %s", id, e.Status)
	}
}

// TakeProfit schedules a one-off sell of pct percent of the position.
func (c *Controller) TakeProfit(id string, owner common.Address, pct float64) error {
	e, err := c.owned(id, owner)
	if err != nil {
		return err
	}
	if e.Status != registry.StatusActive {
		return errs.Newf(errs.Validation, "bad_transition", "take-profit requires an active eigen, %s is %s", id, e.Status)
	}
	if pct <= 0 || pct > 100 {
		return errs.Newf(errs.Validation, "config_out_of_range", "take-profit pct %v outside (0, 100]", pct)
	}
	return c.mgr.RequestTakeProfit(id, pct)
}

// withdrawGasLimit is the fixed cost of a native transfer.
const withdrawGasLimit = 21_000

// Withdraw sweeps amount wei (or the whole withdrawable balance when
// all is set) from the eigen's wallets to the owner. The withdrawable
// balance nets a worst-case gas buffer for the sweep itself; reserved
// budget is never touched.
func (c *Controller) Withdraw(ctx context.Context, id string, owner common.Address, amount *big.Int, all bool) (*big.Int, error) {
	e, err := c.owned(id, owner)
	if err != nil {
		return nil, err
	}
	if e.Status == registry.StatusLiquidating {
		return nil, errs.Newf(errs.Validation, "bad_transition", "withdrawal is blocked while liquidating")
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	feeCap.Add(feeCap, params.GWei)
	perTx := new(big.Int).Mul(big.NewInt(withdrawGasLimit), feeCap)
	buffer := new(big.Int).Mul(perTx, big.NewInt(int64(len(e.Wallets))))

	available := new(big.Int).Sub(e.BalanceWei.Int(), buffer)
	if all {
		amount = available
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(available) > 0 {
		return nil, errs.Newf(errs.Validation, "insufficient_balance",
			"withdrawable %s wei after the gas buffer", available)
	}
	hold := new(big.Int).Add(amount, buffer)
	if err := c.reg.Reserve(id, hold); err != nil {
		return nil, err
	}

	ws := wallet.NewSet(c.client, c.master, id, len(e.Wallets), []common.Address{owner})
	sent := new(big.Int)
	gasTotal := new(big.Int)
	remaining := new(big.Int).Set(amount)
	for i := 0; i < ws.Count() && remaining.Sign() > 0; i++ {
		bal, err := c.client.BalanceAt(ctx, ws.Address(uint32(i)))
		if err != nil {
			continue
		}
		avail := new(big.Int).Sub(bal, perTx)
		if avail.Sign() <= 0 {
			continue
		}
		value := new(big.Int).Set(remaining)
		if value.Cmp(avail) > 0 {
			value.Set(avail)
		}
		hash, err := ws.SignAndSend(ctx, &wallet.TxRequest{
			WalletIndex: uint32(i),
			To:          owner,
			Value:       value,
			GasLimit:    withdrawGasLimit,
			GasFeeCap:   feeCap,
			GasTipCap:   params.GWei,
		})
		if err != nil {
			c.log.Warn("Withdrawal transfer failed", "id", id, "wallet", i, "err", err)
			continue
		}
		receipt, err := c.client.WaitReceipt(ctx, hash, 2*time.Minute)
		if err != nil || receipt == nil {
			// Assume worst case for a transfer that may still mine.
			gasTotal.Add(gasTotal, perTx)
			sent.Add(sent, value)
			remaining.Sub(remaining, value)
			continue
		}
		gasCost := new(big.Int).SetUint64(receipt.GasUsed)
		if receipt.EffectiveGasPrice != nil {
			gasCost.Mul(gasCost, receipt.EffectiveGasPrice)
		}
		gasTotal.Add(gasTotal, gasCost)
		sent.Add(sent, value)
		remaining.Sub(remaining, value)
	}

	spent := new(big.Int).Add(sent, gasTotal)
	if _, err := c.reg.Update(id, func(e *registry.Eigen) error {
		refund := new(big.Int).Sub(hold, spent)
		e.ReservedWei.Int().Sub(e.ReservedWei.Int(), hold)
		e.BalanceWei.Int().Add(e.BalanceWei.Int(), refund)
		e.OutflowWei.Int().Add(e.OutflowWei.Int(), spent)
		e.Position.GasSpentWei.Int().Add(e.Position.GasSpentWei.Int(), gasTotal)
		return nil
	}); err != nil {
		return sent, err
	}
	withdrawMeter.Mark(1)
	c.log.Info("Withdrawal settled", "id", id, "requested", amount, "sent", sent, "gas", gasTotal)
	return sent, nil
}
