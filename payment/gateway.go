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

// Package payment admits purchases through the 402 handshake. Two proof
// schemes are accepted: a stablecoin transfer tx hash, and a signed
// ERC-3009 authorization settled by an external facilitator. Payments
// are deduplicated by id and consumed at most once via CAS.
package payment

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	verifyMeter    = metrics.NewRegisteredMeter("payment/verify", nil)
	verifyFailMark = metrics.NewRegisteredMeter("payment/verify/failed", nil)
	consumeMeter   = metrics.NewRegisteredMeter("payment/consume", nil)
	releaseMeter   = metrics.NewRegisteredMeter("payment/release", nil)
)

// sweepInterval is how often verified-but-unconsumed payments are
// checked against the TTL.
const sweepInterval = time.Minute

// Config wires the gateway to the keeper's payment surface.
type Config struct {
	ChainID        int64
	Recipient      common.Address // the keeper treasury
	Stablecoin     common.Address
	Confirmations  uint64 // finality depth for direct transfers
	FacilitatorURL string
	VerifiedTTL    time.Duration // verified payments revert to failed after this
}

// Requirements is the 402 response body: everything a client needs to
// produce an admissible proof.
type Requirements struct {
	Schemes   []string       `json:"schemes"` // "transfer", "authorization"
	ChainID   int64          `json:"chain"`
	Token     common.Address `json:"token"`
	Amount    *registry.Wei  `json:"amount"` // stablecoin minor units
	Recipient common.Address `json:"recipient"`
	ValidFor  int64          `json:"validForSeconds"`
	PackageID string         `json:"packageId"`
}

// Gateway verifies and locks payments.
type Gateway struct {
	cfg    Config
	client *chain.Client
	reg    *registry.Registry
	fac    *facilitatorClient
	log    log.Logger

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a Gateway.
func New(client *chain.Client, reg *registry.Registry, cfg Config) *Gateway {
	if cfg.VerifiedTTL == 0 {
		cfg.VerifiedTTL = 10 * time.Minute
	}
	return &Gateway{
		cfg:    cfg,
		client: client,
		reg:    reg,
		fac:    newFacilitatorClient(cfg.FacilitatorURL),
		quit:   make(chan struct{}),
		log:    log.New("module", "payment"),
	}
}

// Start launches the TTL sweeper that returns stale verified payments to
// failed so callers can retry with a fresh signature.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.reg.SweepVerified(g.cfg.VerifiedTTL)
			case <-g.quit:
				return
			}
		}
	}()
}

// Stop terminates the sweeper.
func (g *Gateway) Stop() {
	close(g.quit)
	g.wg.Wait()
}

// Requirements builds the 402 body for a package.
func (g *Gateway) Requirements(pkg *params.Package) *Requirements {
	return &Requirements{
		Schemes:   []string{"transfer", "authorization"},
		ChainID:   g.cfg.ChainID,
		Token:     g.cfg.Stablecoin,
		Amount:    registry.NewWei(pkg.PriceUSD),
		Recipient: g.cfg.Recipient,
		ValidFor:  int64(g.cfg.VerifiedTTL / time.Second),
		PackageID: pkg.ID,
	}
}

// Verify admits the X-PAYMENT header value against the required amount.
// The header is either a transaction hash (direct transfer) or the
// base64 of a signed authorization payload. A proof already verified
// within the TTL is returned idempotently; a consumed proof fails with
// payment_consumed.
func (g *Gateway) Verify(ctx context.Context, header string, required *params.Package) (*registry.Payment, error) {
	verifyMeter.Mark(1)
	header = strings.TrimSpace(header)
	if header == "" {
		verifyFailMark.Mark(1)
		return nil, errs.Newf(errs.Payment, "payment_required", "empty X-PAYMENT header")
	}
	var (
		p   *registry.Payment
		err error
	)
	if isTxHash(header) {
		p, err = g.verifyTransfer(ctx, common.HexToHash(header), required.PriceUSD)
	} else {
		p, err = g.verifyAuthorization(ctx, header, required.PriceUSD)
	}
	if err != nil {
		verifyFailMark.Mark(1)
		return p, err
	}
	g.log.Info("Payment verified", "id", p.ID, "payer", p.Payer, "amount", p.Amount, "scheme", p.Scheme)
	return p, nil
}

// Consume atomically links a verified payment to an eigen. At most one
// eigen is ever linked to a payment.
func (g *Gateway) Consume(paymentID, eigenID string) (*registry.Payment, error) {
	p, err := g.reg.CASPayment(paymentID, registry.PaymentVerified, registry.PaymentConsumed, func(p *registry.Payment) {
		p.EigenID = eigenID
	})
	if err != nil {
		return p, err
	}
	consumeMeter.Mark(1)
	g.log.Info("Payment consumed", "id", paymentID, "eigen", eigenID)
	return p, nil
}

// Release returns a verified payment to failed after a downstream
// failure, so the request that acquired the lock does not strand it.
func (g *Gateway) Release(paymentID string) {
	if _, err := g.reg.CASPayment(paymentID, registry.PaymentVerified, registry.PaymentFailed, nil); err == nil {
		releaseMeter.Mark(1)
		g.log.Warn("Payment lock released", "id", paymentID)
	}
}

// isTxHash reports whether s looks like a 32-byte hex hash.
func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
