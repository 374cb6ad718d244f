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

package wallet

import (
	"testing"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testMaster = []byte("test-master-secret-0123456789abcdef")

func testClient(t *testing.T) *chain.Client {
	t.Helper()
	// Endpoints are dialled lazily; derivation tests never touch one.
	c, err := chain.New(chain.Config{Endpoints: []string{"http://127.0.0.1:1"}, ChainID: 8453})
	require.NoError(t, err)
	return c
}

func TestDeriveDeterminism(t *testing.T) {
	a := DeriveAddress(testMaster, "ES-aaaaaa", 0)
	b := DeriveAddress(testMaster, "ES-aaaaaa", 0)
	assert.Equal(t, a, b)

	key := DeriveKey(testMaster, "ES-aaaaaa", 0)
	require.NotNil(t, key)
	assert.Equal(t, a, crypto.PubkeyToAddress(key.PublicKey))
}

func TestDeriveSeparation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		id := "ES-" + rapid.StringMatching(`[0-9a-f]{6}`).Draw(rt, "id").(string)
		i := rapid.Uint32().Draw(rt, "i").(uint32)
		j := rapid.Uint32().Draw(rt, "j").(uint32)
		if i == j {
			return
		}
		require.NotEqual(rt, DeriveAddress(testMaster, id, i), DeriveAddress(testMaster, id, j),
			"sibling wallets must not collide")
		require.NotEqual(rt, DeriveAddress(testMaster, id, i), DeriveAddress([]byte("other-master"), id, i),
			"a master rotation must move every address")
	})
}

func TestDeriveAcrossEigens(t *testing.T) {
	a := DeriveAddress(testMaster, "ES-000001", 0)
	b := DeriveAddress(testMaster, "ES-000002", 0)
	assert.NotEqual(t, a, b)
}

func TestSetExtendNeverShrinks(t *testing.T) {
	s := NewSet(testClient(t), testMaster, "ES-bbbbbb", 3, nil)
	assert.Equal(t, 3, s.Count())

	want := s.Addresses()
	require.NoError(t, s.Extend(5))
	assert.Equal(t, 5, s.Count())
	// Extending re-derives, never reshuffles.
	assert.Equal(t, want, s.Addresses()[:3])

	err := s.Extend(2)
	assert.Equal(t, "wallet_shrink", errs.CodeOf(err))
	assert.Equal(t, 5, s.Count())

	// Extending to the current size is a no-op.
	require.NoError(t, s.Extend(5))
	assert.Equal(t, 5, s.Count())
}

func TestTargetPolicy(t *testing.T) {
	router := common.HexToAddress("0x7777777777777777777777777777777777777777")
	s := NewSet(testClient(t), testMaster, "ES-cccccc", 2, []common.Address{router})

	assert.True(t, s.allowedTarget(router))
	assert.True(t, s.allowedTarget(s.Address(0)), "sibling wallets are always reachable")
	assert.True(t, s.allowedTarget(s.Address(1)))
	assert.False(t, s.allowedTarget(common.HexToAddress("0x8888888888888888888888888888888888888888")))

	// A freshly derived sibling becomes reachable after Extend.
	next := DeriveAddress(testMaster, "ES-cccccc", 2)
	assert.False(t, s.allowedTarget(next))
	require.NoError(t, s.Extend(3))
	assert.True(t, s.allowedTarget(next))
}
