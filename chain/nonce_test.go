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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nonceClient(t *testing.T, remote *uint64) *Client {
	t.Helper()
	var mu sync.Mutex
	fake := newFakeRPC(t, func(req rpcRequest) (interface{}, *rpcErrorBody) {
		if req.Method != "eth_getTransactionCount" {
			return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
		}
		mu.Lock()
		defer mu.Unlock()
		return hexutil.EncodeUint64(*remote), nil
	})
	return newClient(t, fake.srv.URL)
}

func TestAcquireNonceDoesNotBlockInFlightSends(t *testing.T) {
	remote := uint64(5)
	c := nonceClient(t, &remote)
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	ctx := context.Background()

	// A second acquisition must succeed while the first send is still
	// uncommitted.
	n1, commit1, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	n2, commit2, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n1)
	assert.Equal(t, uint64(6), n2)

	commit1(true)
	commit2(true)
	n3, commit3, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n3)
	commit3(true)
}

func TestAcquireNonceRollback(t *testing.T) {
	remote := uint64(9)
	c := nonceClient(t, &remote)
	addr := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	ctx := context.Background()

	n1, commit1, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n1)

	// A failed send returns the reservation; the nonce is reused.
	commit1(false)
	n2, commit2, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n2)
	commit2(true)
}

func TestAcquireNonceRollbackUnderLaterReservation(t *testing.T) {
	remote := uint64(3)
	c := nonceClient(t, &remote)
	addr := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	ctx := context.Background()

	_, commit1, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	n2, commit2, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n2)
	commit2(true)

	// Rolling back nonce 3 while nonce 4 is already out leaves a gap no
	// local guess can heal; the tracker resyncs from the provider.
	commit1(false)
	remote = 5
	n3, commit3, err := c.AcquireNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n3)
	commit3(true)
}
