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

// Package wallet derives and operates the sub-wallets of an eigen. Keys
// are never persisted: wallet(i) = kdf(masterSecret ∥ eigenId ∥ i) with
// the kdf output clamped to a valid secp256k1 scalar, so a keeper
// restart re-derives the identical wallet set.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	signMeter   = metrics.NewRegisteredMeter("wallet/sign", nil)
	rejectMeter = metrics.NewRegisteredMeter("wallet/reject", nil)
)

// DeriveKey derives the i-th sub-wallet key of an eigen. The candidate
// scalar keccak256(master ∥ eigenId ∥ uint32be(i)) is re-hashed until it
// lands in [1, N-1] for the secp256k1 group order.
func DeriveKey(master []byte, eigenID string, index uint32) *ecdsa.PrivateKey {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	seed := crypto.Keccak256(master, []byte(eigenID), idx[:])
	for {
		key, err := crypto.ToECDSA(seed)
		if err == nil {
			return key
		}
		seed = crypto.Keccak256(seed)
	}
}

// DeriveAddress derives only the public address of the i-th sub-wallet.
func DeriveAddress(master []byte, eigenID string, index uint32) common.Address {
	return crypto.PubkeyToAddress(DeriveKey(master, eigenID, index).PublicKey)
}

// Set is the derived wallet set of one eigen plus its signing policy.
// The set size is fixed at eigen creation; Extend is the only way to
// grow it and it never shrinks.
type Set struct {
	eigenID string
	master  []byte
	client  *chain.Client
	chainID *big.Int
	log     log.Logger

	addrs []common.Address
	allow mapset.Set[common.Address] // approved routers, stablecoin, token
}

// NewSet derives count sub-wallets for eigenID and installs the signing
// allowlist: the signer refuses any target outside {allowed contracts,
// sibling sub-wallets of this eigen}.
func NewSet(client *chain.Client, master []byte, eigenID string, count int, allowed []common.Address) *Set {
	s := &Set{
		eigenID: eigenID,
		master:  master,
		client:  client,
		chainID: client.ChainID(),
		allow:   mapset.NewSet[common.Address](),
		log:     log.New("module", "wallet", "eigen", eigenID),
	}
	for _, a := range allowed {
		s.allow.Add(a)
	}
	for i := 0; i < count; i++ {
		s.addrs = append(s.addrs, DeriveAddress(master, eigenID, uint32(i)))
	}
	return s
}

// Count returns the wallet count.
func (s *Set) Count() int { return len(s.addrs) }

// Address returns the i-th sub-wallet address.
func (s *Set) Address(i uint32) common.Address { return s.addrs[i] }

// Addresses returns all derived addresses in index order.
func (s *Set) Addresses() []common.Address {
	return append([]common.Address(nil), s.addrs...)
}

// Extend grows the set to count wallets. Shrinking is rejected; a
// funded derived address must never fall out of the set.
func (s *Set) Extend(count int) error {
	if count < len(s.addrs) {
		return errs.Newf(errs.Validation, "wallet_shrink", "wallet set of %s has %d wallets, cannot shrink to %d", s.eigenID, len(s.addrs), count)
	}
	for i := len(s.addrs); i < count; i++ {
		s.addrs = append(s.addrs, DeriveAddress(s.master, s.eigenID, uint32(i)))
	}
	return nil
}

// allowedTarget reports whether the signer may send to addr: an approved
// contract or a sibling sub-wallet.
func (s *Set) allowedTarget(addr common.Address) bool {
	if s.allow.Contains(addr) {
		return true
	}
	for _, a := range s.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// TxRequest names everything an outbound transaction needs. The sender
// is a sub-wallet index, never a raw key.
type TxRequest struct {
	WalletIndex uint32
	To          common.Address
	Value       *big.Int
	Data        []byte
	GasLimit    uint64
	GasFeeCap   *big.Int
	GasTipCap   *big.Int
}

// SignAndSend builds, signs and broadcasts the transaction. It enforces
// the target allowlist, reserves the sender nonce through the chain
// client's tracker and rolls the nonce back if the send fails.
func (s *Set) SignAndSend(ctx context.Context, req *TxRequest) (common.Hash, error) {
	if int(req.WalletIndex) >= len(s.addrs) {
		return common.Hash{}, errs.Newf(errs.Validation, "bad_wallet", "wallet index %d out of range (count %d)", req.WalletIndex, len(s.addrs))
	}
	if !s.allowedTarget(req.To) {
		rejectMeter.Mark(1)
		return common.Hash{}, errs.Newf(errs.Auth, "target_rejected", "target %s not in the approved set for %s", req.To, s.eigenID)
	}
	from := s.addrs[req.WalletIndex]
	nonce, commit, err := s.client.AcquireNonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	key := DeriveKey(s.master, s.eigenID, req.WalletIndex)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(s.chainID), &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
		Gas:       req.GasLimit,
		To:        &req.To,
		Value:     req.Value,
		Data:      req.Data,
	})
	if err != nil {
		commit(false)
		return common.Hash{}, err
	}
	hash, err := s.client.SendRaw(ctx, tx)
	if err != nil {
		commit(false)
		return common.Hash{}, err
	}
	commit(true)
	signMeter.Mark(1)
	s.log.Debug("Transaction sent", "wallet", req.WalletIndex, "nonce", nonce, "to", req.To, "hash", hash)
	return hash, nil
}
