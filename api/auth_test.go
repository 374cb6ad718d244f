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

package api

import (
	"crypto/ecdsa"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		reg: registry.New(memorydb.New()),
		log: log.New("module", "api"),
	}
}

func TestMintKeyShape(t *testing.T) {
	owner := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	plaintext, rec, err := mintKey(owner, "ci", 0)
	require.NoError(t, err)

	parts := strings.Split(plaintext, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, keyPrefixTag, parts[0])
	assert.Equal(t, rec.Prefix, parts[1])
	assert.Len(t, parts[1], 8)
	assert.Len(t, parts[2], 32)

	// Only the hash is stored; it must match the full plaintext.
	assert.Equal(t, crypto.Keccak256Hash([]byte(plaintext)), rec.Hash)
	assert.Equal(t, defaultRateLimit, rec.RateLimit, "zero rate limit falls back to the default")
	assert.Equal(t, owner, rec.Owner)
}

func TestAuthenticate(t *testing.T) {
	s := testServer(t)
	owner := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	plaintext, rec, err := mintKey(owner, "", 120)
	require.NoError(t, err)
	require.NoError(t, s.reg.PutKey(rec))

	// No header: anonymous, not an error.
	r := httptest.NewRequest("GET", "/api/eigens", nil)
	key, err := s.authenticate(r)
	require.NoError(t, err)
	assert.Nil(t, key)

	r.Header.Set("X-API-Key", plaintext)
	key, err = s.authenticate(r)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, owner, key.Owner)
	assert.Equal(t, 120, key.RateLimit)

	// A matching prefix with a wrong secret is rejected.
	r.Header.Set("X-API-Key", plaintext[:len(plaintext)-1]+"x")
	_, err = s.authenticate(r)
	assert.Equal(t, "bad_api_key", errs.CodeOf(err))

	r.Header.Set("X-API-Key", "not-a-key")
	_, err = s.authenticate(r)
	assert.Equal(t, "bad_api_key", errs.CodeOf(err))

	// Revoked keys stop working immediately.
	require.NoError(t, s.reg.RevokeKey(owner, rec.Prefix))
	r.Header.Set("X-API-Key", plaintext)
	_, err = s.authenticate(r)
	assert.Equal(t, "bad_api_key", errs.CodeOf(err))
}

func TestRequireAuth(t *testing.T) {
	s := testServer(t)
	r := httptest.NewRequest("GET", "/api/eigens", nil)
	_, err := s.requireAuth(r)
	assert.Equal(t, "missing_api_key", errs.CodeOf(err))
}

func TestVerifyEnrolment(t *testing.T) {
	s := testServer(t)
	key := mustKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ts := time.Now().Unix()

	sign := func(timestamp int64) string {
		hash := accounts.TextHash([]byte(enrolMessage(addr, timestamp)))
		sig, err := crypto.Sign(hash, key)
		require.NoError(t, err)
		return hexutil.Encode(sig)
	}

	require.NoError(t, s.verifyEnrolment(addr, ts, sign(ts)))

	// The identical signature is a replay.
	err := s.verifyEnrolment(addr, ts, sign(ts))
	assert.Equal(t, "enrolment_replay", errs.CodeOf(err))

	// Wallets emit v ∈ {27, 28}; both normalizations verify.
	ts2 := ts + 1
	raw := hexutil.MustDecode(sign(ts2))
	raw[64] += 27
	require.NoError(t, s.verifyEnrolment(addr, ts2, hexutil.Encode(raw)))

	// Stale timestamps are outside the clock window.
	old := ts - int64(enrolWindow/time.Second) - 10
	err = s.verifyEnrolment(addr, old, sign(old))
	assert.Equal(t, "enrolment_expired", errs.CodeOf(err))

	// A signature from another key does not enrol this address.
	other := mustKey(t)
	ts3 := ts + 2
	hash := accounts.TextHash([]byte(enrolMessage(addr, ts3)))
	sig, err := crypto.Sign(hash, other)
	require.NoError(t, err)
	err = s.verifyEnrolment(addr, ts3, hexutil.Encode(sig))
	assert.Equal(t, "bad_signature", errs.CodeOf(err))

	err = s.verifyEnrolment(addr, ts3, "0x1234")
	assert.Equal(t, "bad_signature", errs.CodeOf(err))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}
