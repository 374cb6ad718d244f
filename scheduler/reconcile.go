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
	"math/big"
	"time"

	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/metrics"
)

var reconcileMeter = metrics.NewRegisteredMeter("scheduler/reconcile/settled", nil)

const (
	// reconcileMinAge leaves fresh submitted trades to their worker; the
	// receipt wait usually settles them.
	reconcileMinAge = 5 * time.Minute

	// reconcileDropAge declares an unmined submitted trade dropped and
	// returns its reservation.
	reconcileDropAge = time.Hour
)

// Reconcile settles submitted trades whose worker lost them (crash,
// receipt timeout): mined successes are committed, mined reverts and
// dropped transactions return their reservation. Returns the number of
// trades settled.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	eigens, err := m.env.Registry.List(registry.ListFilter{})
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, e := range eigens {
		n, err := m.reconcileEigen(ctx, e.ID)
		if err != nil {
			m.log.Warn("Trade log unreadable", "eigen", e.ID, "err", err)
			continue
		}
		settled += n
	}
	if settled > 0 {
		m.log.Info("Reconciled stranded trades", "settled", settled)
	}
	return settled, nil
}

// ReconcileEigen runs the stranded-trade settlement for a single eigen.
func (m *Manager) ReconcileEigen(ctx context.Context, id string) (int, error) {
	if _, err := m.env.Registry.Get(id); err != nil {
		return 0, err
	}
	return m.reconcileEigen(ctx, id)
}

func (m *Manager) reconcileEigen(ctx context.Context, id string) (int, error) {
	trades, err := m.env.Registry.Trades(id, 0, 0)
	if err != nil {
		return 0, err
	}
	settled := 0
	for seq, t := range trades {
		if t.Status != registry.TradeSubmitted {
			continue
		}
		age := time.Since(t.CreatedAt)
		if age < reconcileMinAge {
			continue
		}
		if m.settleTrade(ctx, id, uint64(seq+1), t, age) {
			settled++
			reconcileMeter.Mark(1)
		}
	}
	return settled, nil
}

func (m *Manager) settleTrade(ctx context.Context, eigenID string, seq uint64, t *registry.Trade, age time.Duration) bool {
	reserved := new(big.Int)
	if t.ReservedWei != nil {
		reserved.Set(t.ReservedWei.Int())
	}
	release := func(gasCost *big.Int, revert string) bool {
		if reserved.Sign() > 0 {
			if _, err := m.env.Registry.Update(eigenID, func(e *registry.Eigen) error {
				commitGas(e, reserved, gasCost)
				return nil
			}); err != nil {
				m.log.Error("Reconcile release failed", "eigen", eigenID, "seq", seq, "err", err)
				return false
			}
		}
		_ = m.env.Registry.UpdateTrade(eigenID, seq, func(t *registry.Trade) {
			t.Status = registry.TradeReverted
			t.GasCostWei = registry.NewWei(gasCost)
			t.Revert = revert
		})
		return true
	}

	// A submitted row without a hash means the send never happened.
	if t.TxHash == (common.Hash{}) {
		return release(new(big.Int), "orphaned before send")
	}
	receipt, err := m.env.Client.TransactionReceipt(ctx, t.TxHash)
	if err != nil || receipt == nil {
		if age > reconcileDropAge {
			return release(new(big.Int), "transaction dropped")
		}
		return false
	}
	gasCost := receiptGasCost(receipt)
	if receipt.Status != types.ReceiptStatusSuccessful {
		return release(gasCost, "execution reverted")
	}

	// Mined success: replay the settlement from the recorded amounts.
	fee := new(big.Int)
	if t.FeeWei != nil {
		fee.Set(t.FeeWei.Int())
	}
	var uerr error
	if t.Type == registry.TradeBuy {
		ethIn := t.EthWei.Int()
		gasBudget := new(big.Int).Sub(reserved, ethIn)
		gasBudget.Sub(gasBudget, fee)
		_, uerr = m.env.Registry.Update(eigenID, func(e *registry.Eigen) error {
			commitBuy(e, ethIn, t.TokenRaw.Int(), gasCost, gasBudget, fee)
			return nil
		})
	} else {
		_, uerr = m.env.Registry.Update(eigenID, func(e *registry.Eigen) error {
			commitSell(e, t.TokenRaw.Int(), t.EthWei.Int(), gasCost, reserved, fee)
			return nil
		})
	}
	if uerr != nil {
		m.log.Error("Reconcile settlement failed", "eigen", eigenID, "seq", seq, "err", uerr)
		return false
	}
	_ = m.env.Registry.UpdateTrade(eigenID, seq, func(t *registry.Trade) {
		t.Status = registry.TradeConfirmed
		t.GasCostWei = registry.NewWei(gasCost)
	})
	return true
}
