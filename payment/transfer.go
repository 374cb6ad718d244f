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

package payment

import (
	"context"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferPaymentID derives the payment id of a direct transfer:
// keccak256(txHash ∥ chainId), hex encoded.
func transferPaymentID(txHash common.Hash, chainID int64) string {
	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], uint64(chainID))
	return common.Bytes2Hex(crypto.Keccak256(txHash.Bytes(), cid[:]))
}

// verifyTransfer admits a direct stablecoin transfer by tx hash. The
// checks, in order: known receipt, success status, finality depth,
// a Transfer log from the declared token to the declared recipient,
// amount at least the required price, and no prior consumption.
func (g *Gateway) verifyTransfer(ctx context.Context, txHash common.Hash, required *big.Int) (*registry.Payment, error) {
	id := transferPaymentID(txHash, g.cfg.ChainID)

	// Replay check first: a proof already admitted answers idempotently
	// without another receipt fetch.
	if existing, err := g.reg.GetPayment(id); err == nil {
		switch existing.State {
		case registry.PaymentConsumed:
			return existing, errs.Newf(errs.Payment, "payment_consumed", "payment %s already consumed", id)
		case registry.PaymentVerified:
			return existing, nil
		case registry.PaymentFailed:
			// fall through and re-verify: the transfer may have gained
			// confirmations since the last attempt
		}
	}

	receipt, err := g.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, errs.New(errs.Upstream, "receipt_unavailable", err)
	}
	if receipt == nil {
		return nil, errs.Newf(errs.Payment, "payment_unconfirmed", "tx %s not mined", txHash)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errs.Newf(errs.Payment, "payment_reverted", "tx %s reverted", txHash)
	}
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, errs.New(errs.Upstream, "head_unavailable", err)
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64()+g.cfg.Confirmations {
		return nil, errs.Newf(errs.Payment, "payment_unfinalized", "tx %s needs %d confirmations", txHash, g.cfg.Confirmations)
	}

	payer, amount, err := g.findTransfer(receipt)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(required) < 0 {
		return nil, errs.Newf(errs.Payment, "payment_short", "transferred %s, required %s", amount, required)
	}

	p := &registry.Payment{
		ID:         id,
		Payer:      payer,
		Recipient:  g.cfg.Recipient,
		Amount:     registry.NewWei(amount),
		ChainID:    g.cfg.ChainID,
		State:      registry.PaymentVerified,
		TxHash:     txHash,
		Scheme:     "transfer",
		VerifiedAt: time.Now().UTC(),
	}
	stored, err := g.reg.PutPayment(p)
	if err != nil {
		if stored == nil {
			return nil, err
		}
		switch stored.State {
		case registry.PaymentVerified:
			// Lost a race with a concurrent verification of the same
			// hash; answer with whatever state won.
			return stored, nil
		case registry.PaymentFailed:
			// A released or swept record re-admits under the fresh proof.
			return g.reg.CASPayment(id, registry.PaymentFailed, registry.PaymentVerified, func(q *registry.Payment) {
				q.Payer = p.Payer
				q.Amount = p.Amount
				q.VerifiedAt = p.VerifiedAt
			})
		}
		return stored, err
	}
	return p, nil
}

// findTransfer scans the receipt logs for a stablecoin Transfer to the
// keeper recipient, returning the payer and amount.
func (g *Gateway) findTransfer(receipt *types.Receipt) (common.Address, *big.Int, error) {
	transferTopic := quote.ERC20ABI.Events["Transfer"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != g.cfg.Stablecoin || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != g.cfg.Recipient {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		amount := new(big.Int).SetBytes(lg.Data)
		return from, amount, nil
	}
	return common.Address{}, nil, errs.Newf(errs.Payment, "payment_wrong_target",
		"no %s transfer to %s in receipt", g.cfg.Stablecoin, g.cfg.Recipient)
}
