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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domain of the stablecoin's transferWithAuthorization.
const (
	authDomainName    = "USD Coin"
	authDomainVersion = "2"
)

// authPayload is the decoded X-PAYMENT authorization body (base64 JSON
// on the wire).
type authPayload struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *registry.Wei  `json:"value"`
	ValidAfter  int64          `json:"validAfter"`
	ValidBefore int64          `json:"validBefore"`
	Nonce       common.Hash    `json:"nonce"`
	Signature   hexutil.Bytes  `json:"signature"`
}

// typedData builds the ERC-3009 TransferWithAuthorization typed data for
// signature recovery.
func (g *Gateway) typedData(p *authPayload) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              authDomainName,
			Version:           authDomainVersion,
			ChainId:           math.NewHexOrDecimal256(g.cfg.ChainID),
			VerifyingContract: g.cfg.Stablecoin.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.From.Hex(),
			"to":          p.To.Hex(),
			"value":       (*math.HexOrDecimal256)(p.Value.Int()),
			"validAfter":  math.NewHexOrDecimal256(p.ValidAfter),
			"validBefore": math.NewHexOrDecimal256(p.ValidBefore),
			"nonce":       p.Nonce.Hex(),
		},
	}
}

// verifyAuthorization admits a signed ERC-3009 authorization: recover
// the signer, validate the window and amount, forward the payload to the
// facilitator for on-chain settlement, then burn the nonce.
func (g *Gateway) verifyAuthorization(ctx context.Context, header string, required *big.Int) (*registry.Payment, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errs.New(errs.Payment, "payment_malformed", err)
	}
	id := common.Bytes2Hex(crypto.Keccak256(raw))
	if existing, err := g.reg.GetPayment(id); err == nil {
		switch existing.State {
		case registry.PaymentConsumed:
			return existing, errs.Newf(errs.Payment, "payment_consumed", "payment %s already consumed", id)
		case registry.PaymentVerified:
			return existing, nil
		}
	}

	p := new(authPayload)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errs.New(errs.Payment, "payment_malformed", err)
	}
	if p.Value == nil || len(p.Signature) != crypto.SignatureLength {
		return nil, errs.Newf(errs.Payment, "payment_malformed", "missing value or bad signature length")
	}
	if p.To != g.cfg.Recipient {
		return nil, errs.Newf(errs.Payment, "payment_wrong_target", "authorization pays %s, not %s", p.To, g.cfg.Recipient)
	}
	if p.Value.Int().Cmp(required) < 0 {
		return nil, errs.Newf(errs.Payment, "payment_short", "authorized %s, required %s", p.Value, required)
	}
	now := time.Now().Unix()
	if now < p.ValidAfter || now > p.ValidBefore {
		return nil, errs.Newf(errs.Payment, "payment_expired", "authorization valid [%d, %d], now %d", p.ValidAfter, p.ValidBefore, now)
	}

	// Recover the EIP-712 signer and require it to be the payer.
	sighash, _, err := apitypes.TypedDataAndHash(g.typedData(p))
	if err != nil {
		return nil, errs.New(errs.Payment, "payment_malformed", err)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, p.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(sighash, sig)
	if err != nil {
		return nil, errs.New(errs.Payment, "payment_bad_signature", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != p.From {
		return nil, errs.Newf(errs.Payment, "payment_bad_signature", "signed by %s, payload names %s", signer, p.From)
	}

	// Settle through the facilitator before recording anything durable.
	settle, err := g.fac.settle(ctx, header)
	if err != nil {
		return nil, err
	}
	if !g.reg.MarkAuthNonce(p.From, p.Nonce) {
		return nil, errs.Newf(errs.Payment, "payment_replay", "authorization nonce %s already used", p.Nonce)
	}

	rec := &registry.Payment{
		ID:         id,
		Payer:      p.From,
		Recipient:  g.cfg.Recipient,
		Amount:     registry.NewWei(p.Value.Int()),
		ChainID:    g.cfg.ChainID,
		State:      registry.PaymentVerified,
		TxHash:     settle,
		Scheme:     "authorization",
		VerifiedAt: time.Now().UTC(),
	}
	stored, err := g.reg.PutPayment(rec)
	if err != nil {
		if stored != nil && stored.State == registry.PaymentVerified {
			return stored, nil
		}
		return stored, err
	}
	return rec, nil
}

// facilitatorClient settles signed authorizations through the external
// facilitator HTTP endpoint.
type facilitatorClient struct {
	url  string
	http *http.Client
}

func newFacilitatorClient(url string) *facilitatorClient {
	return &facilitatorClient{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type facilitatorResponse struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// settle forwards the base64 payload and returns the settlement hash.
func (f *facilitatorClient) settle(ctx context.Context, payload string) (common.Hash, error) {
	if f.url == "" {
		return common.Hash{}, errs.Newf(errs.Upstream, "facilitator_unconfigured", "no facilitator URL configured")
	}
	body, _ := json.Marshal(map[string]string{"payload": payload})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return common.Hash{}, errs.New(errs.Upstream, "facilitator_unavailable", err)
	}
	defer resp.Body.Close()
	var out facilitatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Hash{}, errs.New(errs.Upstream, "facilitator_bad_response", err)
	}
	if !out.OK {
		return common.Hash{}, errs.Newf(errs.Payment, "payment_settlement_failed", "facilitator: %s", out.Reason)
	}
	return common.HexToHash(out.TxHash), nil
}
