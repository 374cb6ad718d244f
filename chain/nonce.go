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

package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceTracker keeps the local next-nonce per sending address. The
// per-account lock guards only the read-modify-write of the counter, so
// an in-flight send never blocks the next acquisition.
type nonceTracker struct {
	mu       sync.Mutex
	accounts map[common.Address]*accountNonce
}

type accountNonce struct {
	mu   sync.Mutex
	next uint64
	init bool
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{accounts: make(map[common.Address]*accountNonce)}
}

func (t *nonceTracker) account(addr common.Address) *accountNonce {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc, ok := t.accounts[addr]
	if !ok {
		acc = new(accountNonce)
		t.accounts[addr] = acc
	}
	return acc
}

// AcquireNonce reserves the next nonce for addr, advancing the local
// counter optimistically. The returned commit function MUST be called
// exactly once: commit(true) keeps the reservation after a successful
// eth_sendRawTransaction, commit(false) returns it after a send failure
// that consumed no nonce. A rollback under a later reservation resyncs
// from the provider instead of guessing.
func (c *Client) AcquireNonce(ctx context.Context, addr common.Address) (uint64, func(consumed bool), error) {
	acc := c.nonces.account(addr)
	acc.mu.Lock()
	if !acc.init {
		acc.mu.Unlock()
		remote, err := c.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, nil, err
		}
		acc.mu.Lock()
		if !acc.init {
			acc.next = remote
			acc.init = true
		}
	}
	nonce := acc.next
	acc.next = nonce + 1
	acc.mu.Unlock()

	commit := func(consumed bool) {
		if consumed {
			return
		}
		acc.mu.Lock()
		if acc.next == nonce+1 {
			acc.next = nonce
		} else {
			acc.init = false
		}
		acc.mu.Unlock()
	}
	return nonce, commit, nil
}

// ResetNonce forgets the local nonce for addr, forcing a refetch on the
// next acquisition. Used after an out-of-band transaction or a provider
// that reports nonce gaps.
func (c *Client) ResetNonce(addr common.Address) {
	acc := c.nonces.account(addr)
	acc.mu.Lock()
	acc.init = false
	acc.mu.Unlock()
}
