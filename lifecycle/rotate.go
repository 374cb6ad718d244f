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

package lifecycle

import (
	"context"
	"math/big"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/wallet"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

const (
	transferGasLimit = 21_000
	erc20GasLimit    = 100_000
)

// RotateMaster moves every derived wallet of every non-terminal eigen
// from the old master secret to the addresses derived from the new one:
// first the eigen token balance, then the native balance minus the
// transfer gas. The keeper must be stopped while this runs; workers
// derive from a single master.
func RotateMaster(ctx context.Context, reg *registry.Registry, client *chain.Client, oldMaster, newMaster []byte) (int, error) {
	logger := log.New("module", "lifecycle")
	eigens, err := reg.List(registry.ListFilter{})
	if err != nil {
		return 0, err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	feeCap.Add(feeCap, params.GWei)
	signer := types.LatestSignerForChainID(client.ChainID())

	moved := 0
	for _, e := range eigens {
		if e.Status.Terminal() {
			continue
		}
		for i := 0; i < e.Config.WalletCount; i++ {
			oldKey := wallet.DeriveKey(oldMaster, e.ID, uint32(i))
			oldAddr := wallet.DeriveAddress(oldMaster, e.ID, uint32(i))
			newAddr := wallet.DeriveAddress(newMaster, e.ID, uint32(i))

			send := func(to common.Address, value *big.Int, data []byte, gasLimit uint64) error {
				nonce, commit, err := client.AcquireNonce(ctx, oldAddr)
				if err != nil {
					return err
				}
				tx, err := types.SignNewTx(oldKey, signer, &types.DynamicFeeTx{
					ChainID:   client.ChainID(),
					Nonce:     nonce,
					GasTipCap: params.GWei,
					GasFeeCap: feeCap,
					Gas:       gasLimit,
					To:        &to,
					Value:     value,
					Data:      data,
				})
				if err != nil {
					commit(false)
					return err
				}
				if _, err := client.SendRaw(ctx, tx); err != nil {
					commit(false)
					return err
				}
				commit(true)
				return nil
			}

			// Token balance first; its transfer gas comes out of the native
			// balance swept afterwards.
			if e.Token != (common.Address{}) {
				if bal := tokenBalance(ctx, client, e.Token, oldAddr); bal.Sign() > 0 {
					data, err := quote.ERC20ABI.Pack("transfer", newAddr, bal)
					if err == nil {
						if err := send(e.Token, new(big.Int), data, erc20GasLimit); err != nil {
							logger.Warn("Token sweep failed", "eigen", e.ID, "wallet", i, "err", err)
						} else {
							moved++
						}
					}
				}
			}
			native, err := client.BalanceAt(ctx, oldAddr)
			if err != nil {
				logger.Warn("Balance read failed", "eigen", e.ID, "wallet", i, "err", err)
				continue
			}
			cost := new(big.Int).Mul(big.NewInt(transferGasLimit+erc20GasLimit), feeCap)
			value := new(big.Int).Sub(native, cost)
			if value.Sign() <= 0 {
				continue
			}
			if err := send(newAddr, value, nil, transferGasLimit); err != nil {
				logger.Warn("Native sweep failed", "eigen", e.ID, "wallet", i, "err", err)
				continue
			}
			moved++
		}
	}
	logger.Info("Master key rotation submitted", "transfers", moved)
	return moved, nil
}

func tokenBalance(ctx context.Context, client *chain.Client, token, owner common.Address) *big.Int {
	data, err := quote.ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return new(big.Int)
	}
	ret, err := client.Call(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return new(big.Int)
	}
	if res, err := quote.ERC20ABI.Unpack("balanceOf", ret); err == nil && len(res) == 1 {
		if b, ok := res[0].(*big.Int); ok {
			return b
		}
	}
	return new(big.Int)
}
